package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/pkg/models"
)

type staticRoster map[models.AgentRole]string

func (s staticRoster) FindReady(role models.AgentRole) (string, bool) {
	id, ok := s[role]
	return id, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captured struct {
	mu      sync.Mutex
	records []knowledge.Record
}

func (c *captured) Emit(r knowledge.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return true
}

type memStore struct {
	mu        sync.Mutex
	requests  map[string]models.CollaborationRequest
	exchanges map[string]models.Exchange
}

func newMemStore() *memStore {
	return &memStore{
		requests:  make(map[string]models.CollaborationRequest),
		exchanges: make(map[string]models.Exchange),
	}
}

func (s *memStore) SaveCollaboration(_ context.Context, r *models.CollaborationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = *r
	return nil
}

func (s *memStore) UpdateCollaboration(ctx context.Context, r *models.CollaborationRequest) error {
	return s.SaveCollaboration(ctx, r)
}

func (s *memStore) SaveExchange(_ context.Context, e *models.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[e.ID] = *e
	return nil
}

func (s *memStore) UpdateExchange(ctx context.Context, e *models.Exchange) error {
	return s.SaveExchange(ctx, e)
}

func newTestRouter(t *testing.T, roster Roster, opts ...Option) (*Router, *gate.Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	gates := gate.NewManager(gate.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRouter(roster, gates, opts...), gates, clock
}

func helpRequest(question string) HelpRequest {
	return HelpRequest{
		ProjectID:     "p1",
		RequesterID:   "frontend-1",
		RequesterRole: models.RoleFrontend,
		Question:      question,
		Category:      models.CategorySecurity,
	}
}

func TestHandleHelpRequest_RoutesToSpecialist(t *testing.T) {
	store := newMemStore()
	r, _, _ := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1", models.RoleGeneralist: "gen-1"}, WithStore(store))

	routing, err := r.HandleHelpRequest(context.Background(), helpRequest("Which auth headers does the gateway need?"))
	require.NoError(t, err)

	assert.Equal(t, models.CollabRouted, routing.Status)
	assert.Equal(t, models.RoleSecurity, routing.SpecialistRole)
	assert.Equal(t, "sec-1", routing.SpecialistID)
	assert.Equal(t, 0.95, routing.Confidence)
	assert.False(t, routing.Fallback)
	assert.Contains(t, routing.Justification, "security")
	assert.False(t, routing.Loop.Looping)

	req, ok := r.Get(routing.RequestID)
	require.True(t, ok)
	assert.Equal(t, models.UrgencyNormal, req.Urgency)
	assert.Contains(t, store.requests, routing.RequestID)
	assert.Len(t, store.exchanges, 1)
}

func TestHandleHelpRequest_FallsBackToGeneralist(t *testing.T) {
	r, _, _ := newTestRouter(t, staticRoster{models.RoleGeneralist: "gen-1"})

	routing, err := r.HandleHelpRequest(context.Background(), helpRequest("Is this token scope enough?"))
	require.NoError(t, err)

	assert.True(t, routing.Fallback)
	assert.Equal(t, models.RoleGeneralist, routing.SpecialistRole)
	assert.Equal(t, "gen-1", routing.SpecialistID)
	assert.Equal(t, 0.5, routing.Confidence)
}

func TestHandleHelpRequest_NobodyAvailableRaisesManualGate(t *testing.T) {
	r, gates, _ := newTestRouter(t, staticRoster{})

	routing, err := r.HandleHelpRequest(context.Background(), helpRequest("Who rotates the signing key?"))
	require.NoError(t, err)

	assert.Equal(t, models.CollabFailed, routing.Status)
	require.NotEmpty(t, routing.GateID)
	g, ok := gates.Get(routing.GateID)
	require.True(t, ok)
	assert.Equal(t, models.GateManual, g.Type)
	assert.Equal(t, routing.RequestID, g.Context["request_id"])

	req, _ := r.Get(routing.RequestID)
	assert.Equal(t, models.CollabFailed, req.Status)
	assert.NotNil(t, req.ResolvedAt)
}

func TestHandleHelpRequest_RequesterNeverAnswersItself(t *testing.T) {
	r, _, _ := newTestRouter(t, staticRoster{models.RoleSecurity: "frontend-1", models.RoleGeneralist: "gen-1"})
	routing, err := r.HandleHelpRequest(context.Background(), helpRequest("Is CSP configured?"))
	require.NoError(t, err)
	assert.Equal(t, "gen-1", routing.SpecialistID)
}

func TestHandleHelpRequest_Validation(t *testing.T) {
	r, _, _ := newTestRouter(t, staticRoster{})
	tests := []struct {
		name   string
		mutate func(*HelpRequest)
	}{
		{"missing project", func(h *HelpRequest) { h.ProjectID = "" }},
		{"missing requester", func(h *HelpRequest) { h.RequesterID = "" }},
		{"missing question", func(h *HelpRequest) { h.Question = "" }},
		{"unknown category", func(h *HelpRequest) { h.Category = "cooking" }},
		{"unknown urgency", func(h *HelpRequest) { h.Urgency = "whenever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := helpRequest("q")
			tt.mutate(&h)
			_, err := r.HandleHelpRequest(context.Background(), h)
			assert.True(t, errors.Is(err, models.ErrValidation), "got %v", err)
		})
	}
}

func TestHandleHelpRequest_TruncatesContext(t *testing.T) {
	r, _, _ := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"}, WithConfig(Config{MaxContextBytes: 5}))
	h := helpRequest("q")
	h.Context = "héllo world"

	routing, err := r.HandleHelpRequest(context.Background(), h)
	require.NoError(t, err)
	req, _ := r.Get(routing.RequestID)
	// "h" + 2-byte "é" + "ll" is five bytes.
	assert.Equal(t, "héll", req.Context)
}

func TestTruncate_RuneBoundary(t *testing.T) {
	assert.Equal(t, "h", truncate("hé", 2))
	assert.Equal(t, "hé", truncate("hé", 3))
	assert.Equal(t, "", truncate("é", 1))
}

func TestDetectLoop_CORSQuestions(t *testing.T) {
	r, _, clock := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"})
	ctx := context.Background()

	questions := []string{
		"How do I configure CORS?",
		"What's the correct CORS configuration?",
		"CORS setup help needed",
	}
	var last *Routing
	for _, q := range questions {
		routing, err := r.HandleHelpRequest(ctx, helpRequest(q))
		require.NoError(t, err)
		last = routing
		clock.Advance(10 * time.Minute)
	}

	require.True(t, last.Loop.Looping)
	assert.GreaterOrEqual(t, last.Loop.CycleCount, 2)
	assert.Equal(t, ActionCreateGate, last.Loop.RecommendedAction)

	// The pair is unordered.
	check := r.DetectLoop("sec-1", "frontend-1", "cors configuration")
	assert.True(t, check.Looping)
	assert.Equal(t, 3, check.CycleCount)
}

func TestDetectLoop_ConfigurableStopwords(t *testing.T) {
	questions := []string{
		"How do I configure CORS?",
		"What's the correct CORS configuration?",
		"CORS setup help needed",
	}
	tests := []struct {
		name      string
		stopwords []string
		looping   bool
	}{
		{name: "default filler", stopwords: nil, looping: true},
		{name: "no filler", stopwords: []string{}, looping: false},
		{name: "custom filler", stopwords: []string{"correct", "help", "needed"}, looping: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Stopwords = tt.stopwords
			r, _, _ := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"}, WithConfig(cfg))

			var last *Routing
			for _, q := range questions {
				routing, err := r.HandleHelpRequest(context.Background(), helpRequest(q))
				require.NoError(t, err)
				last = routing
			}
			assert.Equal(t, tt.looping, last.Loop.Looping)
		})
	}
}

func TestDetectLoop_UnrelatedQuestions(t *testing.T) {
	r, _, _ := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"})
	ctx := context.Background()

	for _, q := range []string{
		"How do I configure CORS?",
		"Which hashing algorithm should passwords use?",
		"Where are the TLS certificates stored?",
	} {
		routing, err := r.HandleHelpRequest(ctx, helpRequest(q))
		require.NoError(t, err)
		assert.False(t, routing.Loop.Looping, q)
	}
	assert.False(t, r.DetectLoop("frontend-1", "sec-1", "Who owns the audit log?").Looping)
}

func TestDetectLoop_WindowExpires(t *testing.T) {
	r, _, clock := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"})
	ctx := context.Background()
	for _, q := range []string{"How do I configure CORS?", "CORS configuration?"} {
		_, err := r.HandleHelpRequest(ctx, helpRequest(q))
		require.NoError(t, err)
	}
	assert.True(t, r.DetectLoop("frontend-1", "sec-1", "cors setup").Looping)

	clock.Advance(25 * time.Hour)
	assert.False(t, r.DetectLoop("frontend-1", "sec-1", "cors setup").Looping)
}

func TestDetectLoop_NeverCreatesGate(t *testing.T) {
	r, gates, _ := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := r.HandleHelpRequest(ctx, helpRequest("CORS setup help needed"))
		require.NoError(t, err)
	}
	assert.Empty(t, gates.Pending(""))
}

func TestRespondAndResolve(t *testing.T) {
	sink := &captured{}
	store := newMemStore()
	r, _, clock := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"}, WithKnowledge(sink), WithStore(store))
	ctx := context.Background()

	routing, err := r.HandleHelpRequest(ctx, helpRequest("How do I configure CORS for the API?"))
	require.NoError(t, err)

	err = r.Resolve(ctx, "missing", true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	clock.Advance(2 * time.Minute)
	require.NoError(t, r.RecordResponse(ctx, routing.RequestID, "allow the frontend origin"))
	assert.ErrorIs(t, r.RecordResponse(ctx, routing.RequestID, "again"), ErrInvalidState)

	require.NoError(t, r.Resolve(ctx, routing.RequestID, true, "origin allow-list fixed the api calls"))
	assert.ErrorIs(t, r.Resolve(ctx, routing.RequestID, true, ""), ErrInvalidState)

	req, _ := r.Get(routing.RequestID)
	assert.Equal(t, models.CollabResolved, req.Status)
	assert.Equal(t, "allow the frontend origin", req.Answer)
	assert.Equal(t, models.CollabResolved, store.requests[routing.RequestID].Status)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, knowledge.KindCollaboration, rec.Kind)
	assert.Equal(t, "security", rec.Concepts[0])
	assert.Contains(t, rec.Concepts, "cors")
	assert.Equal(t, "true", rec.Context["success"])

	for _, ex := range store.exchanges {
		assert.True(t, ex.Success)
		assert.NotNil(t, ex.RespondedAt)
	}
}

func TestExpireStaleAndMetrics(t *testing.T) {
	r, _, clock := newTestRouter(t, staticRoster{models.RoleSecurity: "sec-1"})
	ctx := context.Background()
	start := clock.Now()

	a, err := r.HandleHelpRequest(ctx, helpRequest("question one about tokens"))
	require.NoError(t, err)
	b, err := r.HandleHelpRequest(ctx, helpRequest("question two about secrets"))
	require.NoError(t, err)
	c, err := r.HandleHelpRequest(ctx, helpRequest("question three about headers"))
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	require.NoError(t, r.RecordResponse(ctx, a.RequestID, "a"))
	require.NoError(t, r.Resolve(ctx, a.RequestID, true, ""))
	require.NoError(t, r.Resolve(ctx, b.RequestID, false, "no answer"))

	clock.Advance(time.Hour)
	expired := r.ExpireStale(ctx, 30*time.Minute)
	assert.Equal(t, []string{c.RequestID}, expired)
	assert.Empty(t, r.ExpireStale(ctx, 30*time.Minute), "already expired")

	m := r.GetMetrics(start, clock.Now())
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 1, m.Resolved)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 1, m.TimedOut)
	assert.InDelta(t, 1.0/3.0, m.SuccessRate, 1e-9)
	assert.Equal(t, 4*time.Minute, m.MeanResponseLatency)

	empty := r.GetMetrics(start.Add(-48*time.Hour), start.Add(-24*time.Hour))
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expertise.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fallback:
  role: architect
  confidence: 0.6
  rationale: architects know the whole system
categories:
  api:
    role: frontend
    confidence: 0.7
    rationale: the frontend owns this client
`), 0644))

	table, err := LoadTable(path)
	require.NoError(t, err)

	api, ok := table.Lookup(models.CategoryAPI)
	require.True(t, ok)
	assert.Equal(t, models.RoleFrontend, api.Role)
	assert.Equal(t, 0.7, api.Confidence)

	sec, ok := table.Lookup(models.CategorySecurity)
	require.True(t, ok)
	assert.Equal(t, models.RoleSecurity, sec.Role, "unlisted categories keep defaults")
	assert.Equal(t, models.RoleArchitect, table.Fallback().Role)
	assert.Len(t, table.Categories(), 6)
}

func TestLoadTable_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown category": "categories:\n  cooking:\n    role: qa\n    confidence: 0.5\n",
		"unknown role":     "categories:\n  api:\n    role: wizard\n    confidence: 0.5\n",
		"confidence range": "fallback:\n  role: qa\n  confidence: 1.5\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "expertise.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := LoadTable(path)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}
