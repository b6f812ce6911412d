// Package timeout watches in-flight tasks against per-role time budgets.
//
// A single ticker goroutine scans the registry, so a deadline is noticed at
// most one tick interval late. Callers that need finer accuracy must lower
// the tick interval.
package timeout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

const (
	// DefaultTick is the scan interval.
	DefaultTick = 10 * time.Second
	// DefaultBudget applies to roles without their own budget.
	DefaultBudget = 15 * time.Minute
)

// DefaultBudgets returns the built-in per-role budgets.
func DefaultBudgets() map[models.AgentRole]time.Duration {
	return map[models.AgentRole]time.Duration{
		models.RoleArchitect:      30 * time.Minute,
		models.RoleBackend:        20 * time.Minute,
		models.RoleFrontend:       20 * time.Minute,
		models.RoleSecurity:       20 * time.Minute,
		models.RoleDataScientist:  30 * time.Minute,
		models.RoleDevOps:         20 * time.Minute,
		models.RoleDebugger:       15 * time.Minute,
		models.RoleProductAnalyst: 10 * time.Minute,
		models.RoleQA:             15 * time.Minute,
		models.RoleGeneralist:     15 * time.Minute,
	}
}

// Entry describes a task to monitor.
type Entry struct {
	TaskID    string
	ProjectID string
	AgentID   string
	Role      models.AgentRole
	// StartedAt defaults to the monitor's clock.
	StartedAt time.Time
	// Budget overrides the role budget when non-zero.
	Budget time.Duration
	// Metadata is copied into the timeout gate's context.
	Metadata map[string]any
}

// Expiry reports a task that ran past its deadline.
type Expiry struct {
	Entry    Entry
	Elapsed  time.Duration
	Allotted time.Duration
	GateID   string
}

// Config configures a Monitor.
type Config struct {
	Tick          time.Duration
	DefaultBudget time.Duration
	Budgets       map[models.AgentRole]time.Duration
}

type watched struct {
	entry    Entry
	deadline time.Time
	allotted time.Duration
}

// Monitor is the registry of in-flight tasks.
type Monitor struct {
	tick          time.Duration
	defaultBudget time.Duration
	budgets       map[models.AgentRole]time.Duration

	mu      sync.Mutex
	entries map[string]*watched

	gates    gate.Sink
	onExpire func(Expiry)
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Monitor. Zero config values fall back to the defaults.
func New(cfg Config, gates gate.Sink, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = DefaultBudget
	}
	budgets := DefaultBudgets()
	for role, d := range cfg.Budgets {
		if d > 0 {
			budgets[role] = d
		}
	}
	return &Monitor{
		tick:          cfg.Tick,
		defaultBudget: cfg.DefaultBudget,
		budgets:       budgets,
		entries:       make(map[string]*watched),
		gates:         gates,
		now:           time.Now,
		metrics:       m,
		logger:        logging.OrDiscard(logger),
	}
}

// SetClock overrides time.Now, for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnExpire sets the hook called after each expiry's gate is raised.
func (m *Monitor) OnExpire(fn func(Expiry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Budget returns the time budget for a role.
func (m *Monitor) Budget(role models.AgentRole) time.Duration {
	if d, ok := m.budgets[role]; ok {
		return d
	}
	return m.defaultBudget
}

// Watch starts monitoring a task. Watching an already monitored task
// replaces its entry.
func (m *Monitor) Watch(e Entry) error {
	if e.TaskID == "" {
		return fmt.Errorf("%w: timeout entry requires a task id", models.ErrValidation)
	}
	allotted := e.Budget
	if allotted <= 0 {
		allotted = m.Budget(e.Role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.StartedAt.IsZero() {
		e.StartedAt = m.now()
	}
	m.entries[e.TaskID] = &watched{
		entry:    e,
		deadline: e.StartedAt.Add(allotted),
		allotted: allotted,
	}
	m.metrics.SetMonitoredTasks(len(m.entries))
	return nil
}

// Complete stops monitoring a task. It returns false if the task was not
// monitored, e.g. because it already expired.
func (m *Monitor) Complete(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[taskID]; !ok {
		return false
	}
	delete(m.entries, taskID)
	m.metrics.SetMonitoredTasks(len(m.entries))
	return true
}

// Extend pushes a monitored task's deadline out by d.
func (m *Monitor) Extend(taskID string, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.entries[taskID]
	if !ok || d <= 0 {
		return false
	}
	w.deadline = w.deadline.Add(d)
	w.allotted += d
	return true
}

// Elapsed returns how long a monitored task has been running.
func (m *Monitor) Elapsed(taskID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.entries[taskID]
	if !ok {
		return 0, false
	}
	return m.now().Sub(w.entry.StartedAt), true
}

// Remaining returns the time left before a monitored task's deadline.
func (m *Monitor) Remaining(taskID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.entries[taskID]
	if !ok {
		return 0, false
	}
	return w.deadline.Sub(m.now()), true
}

// IsMonitored reports whether a task is being watched.
func (m *Monitor) IsMonitored(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[taskID]
	return ok
}

// Len returns the number of monitored tasks.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run scans the registry every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			m.mu.Unlock()
			m.Scan(ctx, now)
		}
	}
}

// Scan removes every entry whose deadline is at or before now and raises
// one timeout gate for each. An expiry whose gate could not be created has
// an empty GateID. It returns the expiries in no particular order.
func (m *Monitor) Scan(ctx context.Context, now time.Time) []Expiry {
	m.mu.Lock()
	var expired []Expiry
	for id, w := range m.entries {
		if now.Before(w.deadline) {
			continue
		}
		delete(m.entries, id)
		expired = append(expired, Expiry{
			Entry:    w.entry,
			Elapsed:  now.Sub(w.entry.StartedAt),
			Allotted: w.allotted,
		})
	}
	remaining := len(m.entries)
	hook := m.onExpire
	m.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	m.metrics.SetMonitoredTasks(remaining)

	for i := range expired {
		exp := &expired[i]
		m.metrics.TimeoutExpired(string(exp.Entry.Role))
		m.logger.Warn("task exceeded time budget",
			"task_id", exp.Entry.TaskID, "agent_id", exp.Entry.AgentID, "role", exp.Entry.Role,
			"elapsed", exp.Elapsed.Round(time.Second), "allotted", exp.Allotted)

		if m.gates != nil {
			exp.GateID = m.raise(ctx, exp)
		}
		if hook != nil {
			hook(*exp)
		}
	}
	return expired
}

// raise creates the timeout gate, trying once more on failure. It returns
// "" when no gate could be created; the hook then sees an expiry with no
// gate to wait on.
func (m *Monitor) raise(ctx context.Context, exp *Expiry) string {
	req := gateRequest(exp)
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var id string
		if id, err = m.gates.CreateGate(ctx, req); err == nil {
			return id
		}
		m.logger.Warn("raise timeout gate", "task_id", exp.Entry.TaskID, "attempt", attempt, "error", err)
	}
	m.logger.Error("timeout gate not raised", "task_id", exp.Entry.TaskID, "agent_id", exp.Entry.AgentID, "error", err)
	return ""
}

func gateRequest(exp *Expiry) models.GateRequest {
	ctx := map[string]any{
		"elapsed_seconds":  int64(exp.Elapsed / time.Second),
		"allotted_seconds": int64(exp.Allotted / time.Second),
		"role":             string(exp.Entry.Role),
	}
	for k, v := range exp.Entry.Metadata {
		if _, reserved := ctx[k]; !reserved {
			ctx[k] = v
		}
	}
	return models.GateRequest{
		Type:      models.GateTimeout,
		ProjectID: exp.Entry.ProjectID,
		AgentID:   exp.Entry.AgentID,
		TaskID:    exp.Entry.TaskID,
		Reason: fmt.Sprintf("task ran %s, budget %s",
			exp.Elapsed.Round(time.Second), exp.Allotted),
		Context: ctx,
	}
}
