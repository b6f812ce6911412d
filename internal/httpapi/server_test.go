package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *orchestrator.ControlPlane) {
	t.Helper()
	cp := orchestrator.New(orchestrator.DefaultConfig())
	t.Cleanup(func() { cp.Close() })
	return New(cp, DefaultConfig(), opts...), cp
}

func call(t *testing.T, h http.Handler, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// seed creates a project with one backend task and a registered agent.
func seed(t *testing.T, h http.Handler) (models.Project, models.Task) {
	t.Helper()
	code, env := call(t, h, http.MethodPost, "/api/projects", map[string]any{"goal": "ship the orders API", "phase": "build"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	p := decode[models.Project](t, env)

	code, env = call(t, h, http.MethodPost, "/api/tasks", map[string]any{
		"project_id":  p.ID,
		"description": "paginate GET /orders",
		"role":        "backend",
		"priority":    3,
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	task := decode[models.Task](t, env)

	code, env = call(t, h, http.MethodPost, "/api/agents", map[string]any{"agent_id": "be-1", "role": "backend"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	return p, task
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, env := call(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	h := decode[healthResponse](t, env)
	assert.Equal(t, "ok", h.Status)
	assert.NotEmpty(t, h.Version)
}

func TestTaskLifecycle(t *testing.T) {
	s, cp := newTestServer(t)
	h := s.Handler()
	p, task := seed(t, h)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	code, env := call(t, h, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.Task](t, env), 1)

	code, env = call(t, h, http.MethodPost, "/api/agents/be-1/claim", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	claimed := decode[models.Task](t, env)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, "be-1", claimed.AssignedTo)

	code, _ = call(t, h, http.MethodPost, "/api/agents/be-1/claim", nil)
	assert.Equal(t, http.StatusConflict, code, "an active agent cannot claim again")

	code, env = call(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/result", map[string]any{
		"agent_id": "be-1",
		"success":  true,
		"steps":    []string{"added cursor"},
	})
	require.Equal(t, http.StatusAccepted, code, env.Error)
	assert.Equal(t, models.TaskStatusCompleted, decode[models.Task](t, env).Status)

	code, env = call(t, h, http.MethodGet, "/api/projects/"+p.ID+"/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, decode[[]models.Task](t, env))

	code, env = call(t, h, http.MethodGet, "/api/agents/be-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.AgentCleanedUp, decode[models.AgentRuntimeState](t, env).State)

	require.NoError(t, cp.Close())
}

func TestClaimWithNothingQueued(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	code, _ := call(t, h, http.MethodPost, "/api/agents", map[string]any{"agent_id": "qa-1", "role": "qa"})
	require.Equal(t, http.StatusCreated, code)

	code, _ = call(t, h, http.MethodPost, "/api/agents/qa-1/claim", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = call(t, h, http.MethodPost, "/api/agents/nobody/claim", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequestValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"project without goal", http.MethodPost, "/api/projects", map[string]any{"phase": "build"}, http.StatusBadRequest},
		{"project with unknown role", http.MethodPost, "/api/projects", map[string]any{"goal": "x", "roles": []string{"wizard"}}, http.StatusBadRequest},
		{"task for unknown project", http.MethodPost, "/api/tasks", map[string]any{"project_id": "nope", "description": "x"}, http.StatusNotFound},
		{"negative priority", http.MethodPost, "/api/tasks", map[string]any{"project_id": "p", "description": "x", "priority": -1}, http.StatusBadRequest},
		{"agent with unknown role", http.MethodPost, "/api/agents", map[string]any{"agent_id": "a", "role": "wizard"}, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/api/tasks/missing", nil, http.StatusNotFound},
		{"unknown project", http.MethodGet, "/api/projects/missing", nil, http.StatusNotFound},
		{"unknown gate", http.MethodGet, "/api/gates/missing", nil, http.StatusNotFound},
		{"gate without resolver", http.MethodPost, "/api/gates/g/resolve", map[string]any{"approved": true}, http.StatusBadRequest},
		{"help in unknown category", http.MethodPost, "/api/help", map[string]any{
			"project_id": "p", "requester_id": "a", "question": "q", "category": "astrology",
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := call(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code, env.Error)
			assert.False(t, env.Success)
		})
	}
}

func TestRejectsNonJSONBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader("goal=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestGateResolution(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	p, task := seed(t, h)
	code, _ := call(t, h, http.MethodPost, "/api/agents/be-1/claim", nil)
	require.Equal(t, http.StatusOK, code)

	var last attemptResponse
	for i := 0; i < 3; i++ {
		code, env := call(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/attempts", map[string]any{
			"agent_id": "be-1",
			"message":  "KeyError: 'cursor'",
		})
		require.Equal(t, http.StatusOK, code, env.Error)
		last = decode[attemptResponse](t, env)
	}
	require.True(t, last.Looping)
	require.NotEmpty(t, last.GateID)

	code, env := call(t, h, http.MethodGet, "/api/gates?project="+p.ID, nil)
	require.Equal(t, http.StatusOK, code)
	pending := decode[[]models.Gate](t, env)
	require.Len(t, pending, 1)
	assert.Equal(t, models.GateLoopDetected, pending[0].Type)

	code, env = call(t, h, http.MethodPost, "/api/gates/"+last.GateID+"/resolve", map[string]any{
		"approved":    false,
		"resolved_by": "alice",
		"feedback":    "stop",
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.GateDenied, decode[models.Gate](t, env).Status)

	code, _ = call(t, h, http.MethodPost, "/api/gates/"+last.GateID+"/resolve", map[string]any{
		"approved": true, "resolved_by": "bob",
	})
	assert.Equal(t, http.StatusConflict, code)

	code, env = call(t, h, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, code)
	got := decode[models.Task](t, env)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, true, got.Metadata["cancelled"])
}

func TestHelpRouting(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	p, _ := seed(t, h)
	code, _ := call(t, h, http.MethodPost, "/api/agents", map[string]any{"agent_id": "sec-1", "role": "security"})
	require.Equal(t, http.StatusCreated, code)

	code, env := call(t, h, http.MethodPost, "/api/help", map[string]any{
		"project_id":   p.ID,
		"requester_id": "be-1",
		"question":     "how do we rotate the signing key",
		"category":     "security",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	routed := decode[helpResponse](t, env)
	assert.Equal(t, "sec-1", routed.SpecialistID)
	assert.Equal(t, models.RoleSecurity, routed.SpecialistRole)

	code, env = call(t, h, http.MethodPost, "/api/help/"+routed.RequestID+"/respond", map[string]any{"answer": "use the KMS alias"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.CollabResponded, decode[models.CollaborationRequest](t, env).Status)

	code, env = call(t, h, http.MethodPost, "/api/help/"+routed.RequestID+"/resolve", map[string]any{"success": true, "summary": "rotated"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, models.CollabResolved, decode[models.CollaborationRequest](t, env).Status)

	code, _ = call(t, h, http.MethodPost, "/api/help/"+routed.RequestID+"/resolve", map[string]any{"success": true})
	assert.Equal(t, http.StatusConflict, code)
}

func TestStatusAndDispatch(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	seed(t, h)

	code, _ := call(t, h, http.MethodPost, "/api/dispatch/pause", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodPost, "/api/agents/be-1/claim", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, env := call(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, code)
	st := decode[orchestrator.Status](t, env)
	assert.True(t, st.DispatchPause)
	assert.Equal(t, 1, st.QueueDepth)

	code, _ = call(t, h, http.MethodPost, "/api/dispatch/resume", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodPost, "/api/agents/be-1/claim", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	cp := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.WithMetrics(m))
	t.Cleanup(func() { cp.Close() })
	s := New(cp, DefaultConfig(), WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	seed(t, s.Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "steward_queue_depth 1")
}

func TestHub(t *testing.T) {
	hub := NewHub(nil)
	fast, unsubFast := hub.Subscribe()
	defer unsubFast()
	_, unsubSlow := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(StreamEvent{Type: orchestrator.EventTaskQueued})
		<-fast
	}
	assert.EqualValues(t, 5, hub.Dropped(), "only the slow subscriber drops")

	unsubSlow()
	unsubSlow()
	assert.Equal(t, 1, hub.Subscribers())

	hub.Close()
	_, open := <-fast
	assert.False(t, open)

	late, _ := hub.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
}

func TestEventStream(t *testing.T) {
	s, cp := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx, cp.Events())

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	p, err := cp.CreateProject(context.Background(), "stream me", "build", nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e StreamEvent
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, orchestrator.EventProjectCreated, e.Type)
	assert.Equal(t, p.ID, e.ProjectID)
}
