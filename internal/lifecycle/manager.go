// Package lifecycle enforces the legal state transitions of running agents.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	// ErrIllegalTransition is wrapped by every StateError.
	ErrIllegalTransition = errors.New("illegal agent state transition")
	// ErrUnknownAgent is returned for an agent id that was never registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAgentExists is returned when registering an id that is still in use.
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentStopped is returned by WaitWhilePaused when the agent stops.
	ErrAgentStopped = errors.New("agent stopped")
)

// StateError reports a rejected transition. State is unchanged.
type StateError struct {
	AgentID string
	From    models.AgentState
	To      models.AgentState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("agent %s: illegal transition %s -> %s", e.AgentID, e.From, e.To)
}

func (e *StateError) Unwrap() error { return ErrIllegalTransition }

// legal is the transition table. Anything absent is rejected.
var legal = map[models.AgentState][]models.AgentState{
	models.AgentInitializing: {models.AgentReady},
	models.AgentReady:        {models.AgentActive},
	models.AgentActive:       {models.AgentPaused, models.AgentStopped},
	models.AgentPaused:       {models.AgentActive, models.AgentStopped},
	models.AgentStopped:      {models.AgentCleanedUp},
}

// CanTransition reports whether from -> to is in the legal table.
func CanTransition(from, to models.AgentState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes an accepted state change.
type Transition struct {
	AgentID string
	Role    models.AgentRole
	From    models.AgentState
	To      models.AgentState
	TaskID  string
	GateID  string
	Reason  string
	At      time.Time
}

// slot holds one agent's state. All mutation happens under mu; cond wakes
// WaitWhilePaused callers.
type slot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state models.AgentRuntimeState
}

func newSlot() *slot {
	s := &slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Manager owns the runtime state of every agent. The table is guarded by
// its own lock; each agent's state by the slot's lock.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*slot

	hookMu sync.RWMutex
	hooks  []func(Transition)

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		agents:  make(map[string]*slot),
		now:     time.Now,
		metrics: m,
		logger:  logging.OrDiscard(logger),
	}
}

// OnTransition registers fn to run after every accepted transition.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Register adds an agent in the initializing state. A cleaned_up agent id
// may be registered again; its slot is reused with zeroed counters.
func (m *Manager) Register(agentID string, role models.AgentRole) (models.AgentRuntimeState, error) {
	if agentID == "" {
		return models.AgentRuntimeState{}, fmt.Errorf("%w: agent id is required", models.ErrValidation)
	}
	if !role.Valid() {
		return models.AgentRuntimeState{}, fmt.Errorf("%w: unknown role %q", models.ErrValidation, role)
	}

	m.mu.Lock()
	s, ok := m.agents[agentID]
	if !ok {
		s = newSlot()
		m.agents[agentID] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok && s.state.State != models.AgentCleanedUp {
		return models.AgentRuntimeState{}, fmt.Errorf("%w: %s is %s", ErrAgentExists, agentID, s.state.State)
	}
	s.state = models.AgentRuntimeState{
		AgentID:   agentID,
		Role:      role,
		State:     models.AgentInitializing,
		UpdatedAt: m.now().UTC(),
	}
	m.logger.Debug("agent registered", "agent_id", agentID, "role", role, "reused", ok)
	return s.state, nil
}

// Ready marks an initialized agent as able to take work.
func (m *Manager) Ready(agentID string) error {
	return m.apply(agentID, models.AgentReady, func(st *models.AgentRuntimeState) {})
}

// Activate assigns a task to a ready agent, or resumes a paused one on the
// same task.
func (m *Manager) Activate(agentID, taskID string) error {
	return m.apply(agentID, models.AgentActive, func(st *models.AgentRuntimeState) {
		if taskID != "" {
			st.TaskID = taskID
		}
		st.GateID = ""
		st.PauseReason = ""
	})
}

// Pause suspends an active agent, optionally referencing the gate it waits on.
func (m *Manager) Pause(agentID, gateID, reason string) error {
	return m.apply(agentID, models.AgentPaused, func(st *models.AgentRuntimeState) {
		st.GateID = gateID
		st.PauseReason = reason
	})
}

// Resume returns a paused agent to active on its current task.
func (m *Manager) Resume(agentID string) error {
	return m.Activate(agentID, "")
}

// Stop halts an active or paused agent.
func (m *Manager) Stop(agentID string) error {
	return m.apply(agentID, models.AgentStopped, func(st *models.AgentRuntimeState) {
		st.GateID = ""
	})
}

// Cleanup releases a stopped agent. Resource counters are zeroed.
func (m *Manager) Cleanup(agentID string) error {
	return m.apply(agentID, models.AgentCleanedUp, func(st *models.AgentRuntimeState) {
		st.OpenHandles = 0
		st.MemoryBytes = 0
		st.TaskID = ""
		st.GateID = ""
		st.PauseReason = ""
	})
}

// Transition moves an agent to any state the legal table allows.
func (m *Manager) Transition(agentID string, to models.AgentState) error {
	switch to {
	case models.AgentCleanedUp:
		return m.Cleanup(agentID)
	case models.AgentStopped:
		return m.Stop(agentID)
	default:
		return m.apply(agentID, to, func(st *models.AgentRuntimeState) {})
	}
}

func (m *Manager) apply(agentID string, to models.AgentState, mutate func(*models.AgentRuntimeState)) error {
	s, err := m.slot(agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	from := s.state.State
	if !CanTransition(from, to) {
		s.mu.Unlock()
		serr := &StateError{AgentID: agentID, From: from, To: to}
		m.logger.Error("rejected agent transition",
			"agent_id", agentID, "role", s.state.Role, "from", from, "to", to, "task_id", s.state.TaskID)
		return serr
	}
	s.state.State = to
	mutate(&s.state)
	s.state.UpdatedAt = m.now().UTC()
	tr := Transition{
		AgentID: agentID,
		Role:    s.state.Role,
		From:    from,
		To:      to,
		TaskID:  s.state.TaskID,
		GateID:  s.state.GateID,
		Reason:  s.state.PauseReason,
		At:      s.state.UpdatedAt,
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	m.metrics.AgentTransition(string(from), string(to))
	m.logger.Debug("agent transition", "agent_id", agentID, "from", from, "to", to, "task_id", tr.TaskID)

	m.hookMu.RLock()
	hooks := slices.Clone(m.hooks)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(tr)
	}
	return nil
}

func (m *Manager) slot(agentID string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return s, nil
}

// AddHandles adjusts the agent's open handle count.
func (m *Manager) AddHandles(agentID string, delta int) error {
	return m.updateCounters(agentID, func(st *models.AgentRuntimeState) error {
		if st.OpenHandles+delta < 0 {
			return fmt.Errorf("%w: handle count for %s would go negative", models.ErrValidation, agentID)
		}
		st.OpenHandles += delta
		return nil
	})
}

// SetMemory records the agent's memory estimate.
func (m *Manager) SetMemory(agentID string, bytes int64) error {
	return m.updateCounters(agentID, func(st *models.AgentRuntimeState) error {
		if bytes < 0 {
			return fmt.Errorf("%w: negative memory estimate", models.ErrValidation)
		}
		st.MemoryBytes = bytes
		return nil
	})
}

func (m *Manager) updateCounters(agentID string, fn func(*models.AgentRuntimeState) error) error {
	s, err := m.slot(agentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.State == models.AgentCleanedUp {
		return &StateError{AgentID: agentID, From: models.AgentCleanedUp, To: models.AgentCleanedUp}
	}
	return fn(&s.state)
}

// Get returns a copy of the agent's state.
func (m *Manager) Get(agentID string) (models.AgentRuntimeState, bool) {
	s, err := m.slot(agentID)
	if err != nil {
		return models.AgentRuntimeState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// List returns every agent's state ordered by id.
func (m *Manager) List() []models.AgentRuntimeState {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.agents))
	for _, s := range m.agents {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]models.AgentRuntimeState, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.state)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of agents in the given state.
func (m *Manager) Count(state models.AgentState) int {
	n := 0
	for _, st := range m.List() {
		if st.State == state {
			n++
		}
	}
	return n
}

// FindReady returns a ready agent with the given role, if any.
func (m *Manager) FindReady(role models.AgentRole) (string, bool) {
	for _, st := range m.List() {
		if st.State == models.AgentReady && st.Role == role {
			return st.AgentID, true
		}
	}
	return "", false
}

// AgentForTask returns the agent currently holding a task.
func (m *Manager) AgentForTask(taskID string) (models.AgentRuntimeState, bool) {
	for _, st := range m.List() {
		if st.TaskID == taskID && (st.State == models.AgentActive || st.State == models.AgentPaused) {
			return st, true
		}
	}
	return models.AgentRuntimeState{}, false
}

// WaitWhilePaused blocks while the agent is paused. It returns nil once the
// agent is active again, ErrAgentStopped if it stops instead, or ctx.Err().
func (m *Manager) WaitWhilePaused(ctx context.Context, agentID string) error {
	s, err := m.slot(agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.State == models.AgentPaused {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()

		for s.state.State == models.AgentPaused {
			s.cond.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	if s.state.State == models.AgentStopped || s.state.State == models.AgentCleanedUp {
		return fmt.Errorf("%w: %s", ErrAgentStopped, agentID)
	}
	return nil
}
