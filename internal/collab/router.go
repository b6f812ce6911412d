// Package collab routes help requests between agents and watches for pairs
// of agents that keep asking each other the same thing.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/textsim"
	"github.com/ShayCichocki/steward/pkg/models"
)

// ActionCreateGate is the action recommended when a loop is detected.
const ActionCreateGate = "create_gate"

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("collaboration request not found")
	// ErrInvalidState is returned when an operation does not fit the
	// request's current status.
	ErrInvalidState = errors.New("collaboration request in wrong state")
)

// Config holds the router's thresholds.
type Config struct {
	MaxContextBytes     int
	SimilarityThreshold float64
	MinCycles           int
	Window              time.Duration
	// Stopwords are ignored when comparing questions, on top of English
	// function words. Nil means DefaultStopwords; an empty slice ignores
	// nothing extra.
	Stopwords []string
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxContextBytes:     4096,
		SimilarityThreshold: 0.85,
		MinCycles:           2,
		Window:              24 * time.Hour,
		Stopwords:           DefaultStopwords(),
	}
}

// DefaultStopwords returns the words that phrase a help request without
// naming its topic.
func DefaultStopwords() []string {
	return []string{"help", "need", "needed", "please", "correct", "proper", "right", "way"}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxContextBytes <= 0 {
		c.MaxContextBytes = d.MaxContextBytes
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.MinCycles <= 0 {
		c.MinCycles = d.MinCycles
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Stopwords == nil {
		c.Stopwords = d.Stopwords
	}
	return c
}

// Roster resolves a role to an agent that can take a question now.
// Implemented by lifecycle.Manager.
type Roster interface {
	FindReady(role models.AgentRole) (string, bool)
}

// Store persists requests and exchanges. Implemented by state.DB.
type Store interface {
	SaveCollaboration(ctx context.Context, r *models.CollaborationRequest) error
	UpdateCollaboration(ctx context.Context, r *models.CollaborationRequest) error
	SaveExchange(ctx context.Context, e *models.Exchange) error
	UpdateExchange(ctx context.Context, e *models.Exchange) error
}

// HelpRequest is what an agent submits when it needs a specialist.
type HelpRequest struct {
	ProjectID     string
	RequesterID   string
	RequesterRole models.AgentRole
	Question      string
	Context       string
	Category      models.CollaborationCategory
	Urgency       models.Urgency
}

// LoopCheck is the result of DetectLoop.
type LoopCheck struct {
	Looping           bool
	CycleCount        int
	MaxSimilarity     float64
	RecommendedAction string
	// Matches holds the earlier questions that exceeded the threshold,
	// oldest first.
	Matches []string
}

// Routing describes where a help request went.
type Routing struct {
	RequestID      string
	Status         models.CollaborationStatus
	SpecialistRole models.AgentRole
	SpecialistID   string
	Confidence     float64
	Justification  string
	Fallback       bool
	// GateID is set when nobody could take the request and a manual gate
	// was raised instead.
	GateID string
	Loop   LoopCheck
}

// Metrics aggregates requests created inside a time range.
type Metrics struct {
	Total               int
	Routed              int
	Resolved            int
	Failed              int
	TimedOut            int
	SuccessRate         float64
	MeanResponseLatency time.Duration
}

type exchange struct {
	models.Exchange
	tokens []string
}

// Option configures a Router.
type Option func(*Router)

// WithConfig overrides thresholds.
func WithConfig(c Config) Option {
	return func(r *Router) { r.cfg = c.withDefaults() }
}

// WithTable overrides the expertise table.
func WithTable(t *Table) Option {
	return func(r *Router) { r.table = t }
}

// WithStore persists requests and exchanges through s.
func WithStore(s Store) Option {
	return func(r *Router) { r.store = s }
}

// WithKnowledge emits a record for every resolved request.
func WithKnowledge(e knowledge.Emitter) Option {
	return func(r *Router) { r.knowledge = e }
}

// WithMetrics reports routing outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router selects specialists for help requests and tracks the exchanges
// between agent pairs.
type Router struct {
	roster Roster
	gates  gate.Sink
	cfg    Config
	table  *Table
	tok    textsim.Tokenizer

	store     Store
	knowledge knowledge.Emitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	requests  map[string]*models.CollaborationRequest
	exchanges map[string]*exchange   // by request id
	pairs     map[string][]*exchange // by unordered agent pair, oldest first
}

// NewRouter creates a Router. gates may be nil, in which case requests
// nobody can take fail without a gate.
func NewRouter(roster Roster, gates gate.Sink, opts ...Option) *Router {
	r := &Router{
		roster:    roster,
		gates:     gates,
		cfg:       DefaultConfig(),
		table:     DefaultTable(),
		now:       time.Now,
		requests:  make(map[string]*models.CollaborationRequest),
		exchanges: make(map[string]*exchange),
		pairs:     make(map[string][]*exchange),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tok = textsim.NewTokenizer(r.cfg.Stopwords...)
	r.logger = logging.OrDiscard(r.logger)
	return r
}

// Config returns the active thresholds.
func (r *Router) Config() Config { return r.cfg }

func (h HelpRequest) validate() error {
	switch {
	case h.ProjectID == "":
		return fmt.Errorf("%w: help request requires a project", models.ErrValidation)
	case h.RequesterID == "":
		return fmt.Errorf("%w: help request requires a requester", models.ErrValidation)
	case h.Question == "":
		return fmt.Errorf("%w: help request requires a question", models.ErrValidation)
	case !h.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", models.ErrValidation, h.Category)
	case h.Urgency != "" && !h.Urgency.Valid():
		return fmt.Errorf("%w: unknown urgency %q", models.ErrValidation, h.Urgency)
	}
	return nil
}

// HandleHelpRequest routes a help request to a specialist, falling back to
// the table's fallback role, and finally to a manual gate. A request that
// ends up gated is returned with status failed and a nil error.
func (r *Router) HandleHelpRequest(ctx context.Context, h HelpRequest) (*Routing, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if h.Urgency == "" {
		h.Urgency = models.UrgencyNormal
	}

	now := r.now().UTC()
	req := &models.CollaborationRequest{
		ID:            uuid.NewString(),
		ProjectID:     h.ProjectID,
		RequesterID:   h.RequesterID,
		RequesterRole: h.RequesterRole,
		Question:      h.Question,
		Context:       truncate(h.Context, r.cfg.MaxContextBytes),
		Category:      h.Category,
		Urgency:       h.Urgency,
		Status:        models.CollabPending,
		CreatedAt:     now,
	}

	exp, agentID, fallback, ok := r.selectSpecialist(h.Category, h.RequesterID)
	if !ok {
		return r.escalate(ctx, req, exp)
	}

	req.Status = models.CollabRouted
	req.SpecialistRole = exp.Role
	req.SpecialistID = agentID
	req.Confidence = exp.Confidence

	loop := r.DetectLoop(h.RequesterID, agentID, h.Question)

	ex := &exchange{
		Exchange: models.Exchange{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			ProjectID: req.ProjectID,
			FromAgent: h.RequesterID,
			ToAgent:   agentID,
			Question:  h.Question,
			CreatedAt: now,
		},
		tokens: r.tok.Tokenize(h.Question),
	}

	if r.store != nil {
		if err := r.store.SaveCollaboration(ctx, req); err != nil {
			return nil, fmt.Errorf("save collaboration: %w", err)
		}
		if err := r.store.SaveExchange(ctx, &ex.Exchange); err != nil {
			return nil, fmt.Errorf("save exchange: %w", err)
		}
	}

	r.mu.Lock()
	r.requests[req.ID] = req
	r.exchanges[req.ID] = ex
	key := pairKey(h.RequesterID, agentID)
	r.pairs[key] = append(r.prune(r.pairs[key], now), ex)
	r.mu.Unlock()

	r.metrics.CollabRequest(string(h.Category), "routed")
	if loop.Looping {
		r.metrics.CollabLoop()
		r.logger.Warn("collaboration loop detected",
			"project_id", h.ProjectID, "agent_id", h.RequesterID, "specialist_id", agentID,
			"cycles", loop.CycleCount, "similarity", loop.MaxSimilarity)
	}

	justification := fmt.Sprintf("%s question routed to %s: %s", h.Category, exp.Role, exp.Rationale)
	r.logger.Info("help request routed",
		"project_id", h.ProjectID, "request_id", req.ID, "agent_id", h.RequesterID,
		"role", exp.Role, "specialist_id", agentID, "fallback", fallback)

	return &Routing{
		RequestID:      req.ID,
		Status:         req.Status,
		SpecialistRole: exp.Role,
		SpecialistID:   agentID,
		Confidence:     exp.Confidence,
		Justification:  justification,
		Fallback:       fallback,
		Loop:           loop,
	}, nil
}

// selectSpecialist returns the table entry and agent that will answer. The
// requester never answers its own question.
func (r *Router) selectSpecialist(cat models.CollaborationCategory, requester string) (Expertise, string, bool, bool) {
	candidates := make([]Expertise, 0, 2)
	if e, ok := r.table.Lookup(cat); ok {
		candidates = append(candidates, e)
	}
	fb := r.table.Fallback()
	candidates = append(candidates, fb)

	for i, e := range candidates {
		if r.roster == nil {
			break
		}
		if id, ok := r.roster.FindReady(e.Role); ok && id != requester {
			fallback := i == len(candidates)-1 && len(candidates) > 1
			return e, id, fallback, true
		}
	}
	return candidates[0], "", false, false
}

func (r *Router) escalate(ctx context.Context, req *models.CollaborationRequest, exp Expertise) (*Routing, error) {
	req.Status = models.CollabFailed
	req.SpecialistRole = exp.Role
	resolved := req.CreatedAt
	req.ResolvedAt = &resolved

	reason := fmt.Sprintf("no %s or %s agent available for %s question", exp.Role, r.table.Fallback().Role, req.Category)
	if r.gates != nil {
		gateID, err := r.gates.CreateGate(ctx, models.GateRequest{
			Type:      models.GateManual,
			ProjectID: req.ProjectID,
			AgentID:   req.RequesterID,
			Reason:    reason,
			Context: map[string]any{
				"request_id": req.ID,
				"category":   string(req.Category),
				"urgency":    string(req.Urgency),
				"question":   req.Question,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("raise manual gate: %w", err)
		}
		req.GateID = gateID
	}

	if r.store != nil {
		if err := r.store.SaveCollaboration(ctx, req); err != nil {
			return nil, fmt.Errorf("save collaboration: %w", err)
		}
	}
	r.mu.Lock()
	r.requests[req.ID] = req
	r.mu.Unlock()

	r.metrics.CollabRequest(string(req.Category), "gated")
	r.logger.Warn("help request escalated",
		"project_id", req.ProjectID, "request_id", req.ID, "agent_id", req.RequesterID, "gate_id", req.GateID)

	return &Routing{
		RequestID:      req.ID,
		Status:         req.Status,
		SpecialistRole: exp.Role,
		Justification:  reason,
		GateID:         req.GateID,
	}, nil
}

// DetectLoop compares question against the questions exchanged between the
// unordered pair (a, b) inside the trailing window. It only reports; the
// caller decides whether to raise a gate.
func (r *Router) DetectLoop(a, b, question string) LoopCheck {
	tokens := r.tok.Tokenize(question)
	cutoff := r.now().Add(-r.cfg.Window)

	r.mu.RLock()
	history := r.pairs[pairKey(a, b)]
	var check LoopCheck
	for _, ex := range history {
		if ex.CreatedAt.Before(cutoff) {
			continue
		}
		sim := textsim.Jaccard(tokens, ex.tokens)
		if sim > check.MaxSimilarity {
			check.MaxSimilarity = sim
		}
		if sim > r.cfg.SimilarityThreshold {
			check.CycleCount++
			check.Matches = append(check.Matches, ex.Question)
		}
	}
	r.mu.RUnlock()

	if check.CycleCount >= r.cfg.MinCycles {
		check.Looping = true
		check.RecommendedAction = ActionCreateGate
	}
	return check
}

// RecordResponse stores the specialist's answer.
func (r *Router) RecordResponse(ctx context.Context, requestID, answer string) error {
	r.mu.Lock()
	req, ok := r.requests[requestID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.Status != models.CollabRouted {
		status := req.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, want routed", ErrInvalidState, requestID, status)
	}
	now := r.now().UTC()
	req.Status = models.CollabResponded
	req.Answer = answer
	req.RespondedAt = &now
	reqCopy := *req
	var exCopy *models.Exchange
	if ex := r.exchanges[requestID]; ex != nil {
		ex.RespondedAt = &now
		c := ex.Exchange
		exCopy = &c
	}
	r.mu.Unlock()

	r.metrics.CollabRequest(string(reqCopy.Category), "responded")
	return r.persist(ctx, &reqCopy, exCopy)
}

// Resolve closes a routed or responded request and emits a knowledge
// record describing the outcome.
func (r *Router) Resolve(ctx context.Context, requestID string, success bool, summary string) error {
	r.mu.Lock()
	req, ok := r.requests[requestID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.Status.IsFinal() {
		status := req.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is already %s", ErrInvalidState, requestID, status)
	}
	now := r.now().UTC()
	req.Status = models.CollabFailed
	if success {
		req.Status = models.CollabResolved
	}
	req.ResolvedAt = &now
	if req.Answer == "" {
		req.Answer = summary
	}
	reqCopy := *req
	var exCopy *models.Exchange
	if ex := r.exchanges[requestID]; ex != nil {
		ex.Success = success
		c := ex.Exchange
		exCopy = &c
	}
	r.mu.Unlock()

	outcome := "failed"
	if success {
		outcome = "resolved"
	}
	r.metrics.CollabRequest(string(reqCopy.Category), outcome)

	if err := r.persist(ctx, &reqCopy, exCopy); err != nil {
		return err
	}
	r.emit(reqCopy, success, summary)
	return nil
}

func (r *Router) emit(req models.CollaborationRequest, success bool, summary string) {
	if r.knowledge == nil {
		return
	}
	outcome := summary
	if outcome == "" {
		outcome = "question left unresolved"
		if success {
			outcome = "question answered"
		}
	}
	r.knowledge.Emit(knowledge.Record{
		Kind:      knowledge.KindCollaboration,
		ProjectID: req.ProjectID,
		AgentID:   req.RequesterID,
		Role:      req.RequesterRole,
		Condition: fmt.Sprintf("%s question: %s", req.Category, req.Question),
		Action:    fmt.Sprintf("ask %s agent %s", req.SpecialistRole, req.SpecialistID),
		Outcome:   outcome,
		Concepts:  knowledge.DeriveConcepts(req.Question+" "+summary, string(req.Category)),
		Context: map[string]string{
			"request_id":    req.ID,
			"specialist_id": req.SpecialistID,
			"urgency":       string(req.Urgency),
			"success":       fmt.Sprint(success),
		},
	})
}

// ExpireStale moves open requests created more than olderThan ago to
// timeout and returns their ids.
func (r *Router) ExpireStale(ctx context.Context, olderThan time.Duration) []string {
	now := r.now().UTC()
	cutoff := now.Add(-olderThan)

	var expired []models.CollaborationRequest
	r.mu.Lock()
	for _, req := range r.requests {
		if req.Status.IsFinal() || !req.CreatedAt.Before(cutoff) {
			continue
		}
		req.Status = models.CollabTimeout
		resolved := now
		req.ResolvedAt = &resolved
		expired = append(expired, *req)
	}
	r.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	ids := make([]string, 0, len(expired))
	for i := range expired {
		ids = append(ids, expired[i].ID)
		r.metrics.CollabRequest(string(expired[i].Category), "timeout")
		if err := r.persist(ctx, &expired[i], nil); err != nil {
			r.logger.Error("persist expired collaboration", "request_id", expired[i].ID, "error", err)
		}
	}
	if len(ids) > 0 {
		r.logger.Info("collaboration requests expired", "count", len(ids))
	}
	return ids
}

func (r *Router) persist(ctx context.Context, req *models.CollaborationRequest, ex *models.Exchange) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.UpdateCollaboration(ctx, req); err != nil {
		return fmt.Errorf("update collaboration: %w", err)
	}
	if ex != nil {
		if err := r.store.UpdateExchange(ctx, ex); err != nil {
			return fmt.Errorf("update exchange: %w", err)
		}
	}
	return nil
}

// Get returns a copy of a request.
func (r *Router) Get(requestID string) (models.CollaborationRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[requestID]
	if !ok {
		return models.CollaborationRequest{}, false
	}
	return *req, true
}

// GetMetrics aggregates requests created in [from, to). A zero to means
// now. SuccessRate is resolved over finished requests.
func (r *Router) GetMetrics(from, to time.Time) Metrics {
	if to.IsZero() {
		to = r.now()
	}

	var m Metrics
	var latency time.Duration
	var responded int

	r.mu.RLock()
	for _, req := range r.requests {
		if req.CreatedAt.Before(from) || !req.CreatedAt.Before(to) {
			continue
		}
		m.Total++
		switch req.Status {
		case models.CollabResolved:
			m.Resolved++
		case models.CollabFailed:
			m.Failed++
		case models.CollabTimeout:
			m.TimedOut++
		}
		if req.SpecialistID != "" {
			m.Routed++
		}
		if req.RespondedAt != nil {
			latency += req.RespondedAt.Sub(req.CreatedAt)
			responded++
		}
	}
	r.mu.RUnlock()

	if finished := m.Resolved + m.Failed + m.TimedOut; finished > 0 {
		m.SuccessRate = float64(m.Resolved) / float64(finished)
	}
	if responded > 0 {
		m.MeanResponseLatency = latency / time.Duration(responded)
	}
	return m
}

// prune drops exchanges older than the window. Caller holds r.mu.
func (r *Router) prune(history []*exchange, now time.Time) []*exchange {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(history) && history[i].CreatedAt.Before(cutoff) {
		i++
	}
	return history[i:]
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
