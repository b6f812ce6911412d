// Package gate records requests for human approval and their resolutions.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	// ErrNotFound is returned for an unknown gate id.
	ErrNotFound = errors.New("gate not found")
	// ErrAlreadyResolved is returned when resolving a gate that is not pending.
	ErrAlreadyResolved = errors.New("gate already resolved")
)

// Sink is the narrow interface components use to raise gates.
type Sink interface {
	CreateGate(ctx context.Context, req models.GateRequest) (string, error)
	IsPending(id string) bool
	PendingForTask(taskID string) (string, bool)
}

// Store persists gates. Implemented by state.DB.
type Store interface {
	SaveGate(ctx context.Context, g *models.Gate) error
	UpdateGate(ctx context.Context, g *models.Gate) error
}

// Observer is notified after a gate is resolved.
type Observer func(g models.Gate)

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists gates through s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics reports gate counts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager holds every gate raised by this process. Resolved gates are kept
// and never change again.
type Manager struct {
	mu        sync.RWMutex
	gates     map[string]*models.Gate
	waiters   map[string][]chan models.Gate
	observers []Observer

	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var _ Sink = (*Manager)(nil)

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		gates:   make(map[string]*models.Gate),
		waiters: make(map[string][]chan models.Gate),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDiscard(m.logger)
	return m
}

// CreateGate raises a new pending gate and returns its id.
func (m *Manager) CreateGate(ctx context.Context, req models.GateRequest) (string, error) {
	if !req.Type.Valid() {
		return "", fmt.Errorf("%w: unknown gate type %q", models.ErrValidation, req.Type)
	}
	if req.ProjectID == "" {
		return "", fmt.Errorf("%w: gate requires a project", models.ErrValidation)
	}

	g := &models.Gate{
		ID:        uuid.NewString(),
		Type:      req.Type,
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Reason:    req.Reason,
		Context:   cloneContext(req.Context),
		Status:    models.GatePending,
		CreatedAt: m.now().UTC(),
	}

	if m.store != nil {
		if err := m.store.SaveGate(ctx, g); err != nil {
			return "", fmt.Errorf("save gate: %w", err)
		}
	}

	m.mu.Lock()
	m.gates[g.ID] = g
	m.mu.Unlock()

	m.metrics.GateCreated(string(g.Type))
	m.logger.Warn("gate raised",
		"gate_id", g.ID, "type", g.Type, "project_id", g.ProjectID,
		"task_id", g.TaskID, "agent_id", g.AgentID, "reason", g.Reason)
	return g.ID, nil
}

// Resolve approves or denies a pending gate.
func (m *Manager) Resolve(ctx context.Context, id string, approved bool, resolver, feedback string) error {
	m.mu.Lock()
	g, ok := m.gates[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !g.IsPending() {
		status := g.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, status)
	}

	now := m.now().UTC()
	g.Status = models.GateDenied
	if approved {
		g.Status = models.GateApproved
	}
	g.ResolvedBy = resolver
	g.Feedback = feedback
	g.ResolvedAt = &now

	snapshot := copyGate(g)
	waiters := m.waiters[id]
	delete(m.waiters, id)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateGate(ctx, &snapshot); err != nil {
			m.logger.Error("persist gate resolution", "gate_id", id, "error", err)
		}
	}

	m.metrics.GateResolved(string(snapshot.Type), string(snapshot.Status))
	m.logger.Info("gate resolved",
		"gate_id", id, "type", snapshot.Type, "status", snapshot.Status, "resolved_by", resolver)

	for _, ch := range waiters {
		ch <- snapshot
		close(ch)
	}
	for _, fn := range observers {
		fn(snapshot)
	}
	return nil
}

// Get returns a copy of the gate.
func (m *Manager) Get(id string) (models.Gate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gates[id]
	if !ok {
		return models.Gate{}, false
	}
	return copyGate(g), true
}

// IsPending reports whether the gate exists and awaits a human.
func (m *Manager) IsPending(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gates[id]
	return ok && g.IsPending()
}

// Pending lists pending gates, oldest first. An empty projectID lists all
// projects.
func (m *Manager) Pending(projectID string) []models.Gate {
	m.mu.RLock()
	out := make([]models.Gate, 0)
	for _, g := range m.gates {
		if !g.IsPending() {
			continue
		}
		if projectID != "" && g.ProjectID != projectID {
			continue
		}
		out = append(out, copyGate(g))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingForTask returns the id of a pending gate on the task, if any.
func (m *Manager) PendingForTask(taskID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, g := range m.gates {
		if g.TaskID == taskID && g.IsPending() {
			return id, true
		}
	}
	return "", false
}

// Wait blocks until the gate is resolved or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (models.Gate, error) {
	m.mu.Lock()
	g, ok := m.gates[id]
	if !ok {
		m.mu.Unlock()
		return models.Gate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !g.IsPending() {
		snapshot := copyGate(g)
		m.mu.Unlock()
		return snapshot, nil
	}
	ch := make(chan models.Gate, 1)
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-ctx.Done():
		m.dropWaiter(id, ch)
		return models.Gate{}, ctx.Err()
	}
}

func (m *Manager) dropWaiter(id string, ch chan models.Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[id]
	for i, c := range list {
		if c == ch {
			m.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

// Subscribe registers fn to be called after every resolution. Observers run
// on the resolving goroutine and must not block.
func (m *Manager) Subscribe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Restore loads previously persisted gates, e.g. after a restart.
func (m *Manager) Restore(gates []*models.Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range gates {
		if g == nil || g.ID == "" {
			continue
		}
		cp := copyGate(g)
		m.gates[g.ID] = &cp
		if cp.IsPending() {
			m.metrics.GateCreated(string(cp.Type))
		}
	}
}

func copyGate(g *models.Gate) models.Gate {
	cp := *g
	cp.Context = cloneContext(g.Context)
	if g.ResolvedAt != nil {
		at := *g.ResolvedAt
		cp.ResolvedAt = &at
	}
	return cp
}

func cloneContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
