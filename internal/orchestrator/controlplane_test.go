package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/internal/loopdetect"
	"github.com/ShayCichocki/steward/internal/oracle"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
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

type recordingEmitter struct {
	mu      sync.Mutex
	records []knowledge.Record
}

func (r *recordingEmitter) Emit(rec knowledge.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return true
}

func proposeTask(conf float64, role, desc string) oracle.Func {
	return func(context.Context, oracle.Prompt) (*oracle.Decision, error) {
		return &oracle.Decision{
			Action:     oracle.ActionNewTask,
			Reasoning:  "the next step follows from the result",
			Confidence: &conf,
			NextTask:   &oracle.NextTask{Type: "implement", Description: desc, Role: role},
		}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeouts.Budgets[models.RoleBackend] = 10 * time.Minute
	return cfg
}

func newTestPlane(t *testing.T, cfg Config, opts ...Option) (*ControlPlane, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	cp := New(cfg, opts...)
	t.Cleanup(func() { cp.Close() })
	return cp, clock
}

// startTask creates a project, queues one backend task and hands it to be-1.
func startTask(t *testing.T, cp *ControlPlane) (*models.Project, *models.Task) {
	t.Helper()
	ctx := context.Background()
	p, err := cp.CreateProject(ctx, "add pagination to the orders API", "build", nil)
	require.NoError(t, err)

	task := &models.Task{
		ProjectID:   p.ID,
		Type:        "implement",
		Description: "paginate GET /orders",
		Role:        models.RoleBackend,
		Priority:    5,
	}
	require.NoError(t, cp.Submit(ctx, task))
	_, err = cp.RegisterAgent("be-1", models.RoleBackend)
	require.NoError(t, err)

	claimed, err := cp.Claim(ctx, "be-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)
	return p, claimed
}

func agentState(t *testing.T, cp *ControlPlane, id string) models.AgentRuntimeState {
	t.Helper()
	st, ok := cp.Agents().Get(id)
	require.True(t, ok, "agent %s not registered", id)
	return st
}

func drainEvents(cp *ControlPlane) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-cp.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestControlPlane_SubmitClaimReport(t *testing.T) {
	var calls atomic.Int32
	propose := proposeTask(0.9, "qa", "write tests for paginated orders")
	orc := oracle.Func(func(ctx context.Context, p oracle.Prompt) (*oracle.Decision, error) {
		calls.Add(1)
		return propose(ctx, p)
	})
	cp, _ := newTestPlane(t, testConfig(), WithOracle(orc))
	ctx := context.Background()

	_, task := startTask(t, cp)
	assert.Equal(t, models.TaskStatusInProgress, task.Status)
	assert.Equal(t, "be-1", task.AssignedTo)
	assert.NotEmpty(t, task.Metadata["started_at"])
	assert.True(t, cp.timeouts.IsMonitored(task.ID))
	assert.Equal(t, models.AgentActive, agentState(t, cp, "be-1").State)

	require.NoError(t, cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{
		Success:   true,
		Steps:     []string{"added cursor param", "added tests"},
		Artifacts: []string{"orders/handler.go"},
	}))

	require.Eventually(t, func() bool { return len(cp.Queued()) == 1 }, 2*time.Second, 10*time.Millisecond)
	next := cp.Queued()[0]
	assert.Equal(t, models.RoleQA, next.Role)
	assert.Equal(t, "write tests for paginated orders", next.Description)
	assert.Equal(t, task.ID, next.Metadata["parent_task_id"])
	assert.Equal(t, 5, next.Priority)
	assert.EqualValues(t, 1, calls.Load())

	done, ok := cp.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.False(t, cp.timeouts.IsMonitored(task.ID))
	assert.Equal(t, models.AgentCleanedUp, agentState(t, cp, "be-1").State)

	types := eventTypes(drainEvents(cp))
	assert.Contains(t, types, EventTaskAssigned)
	assert.Contains(t, types, EventTaskCompleted)
	assert.Contains(t, types, EventDecision)
}

func TestControlPlane_SubmitValidation(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()

	p, err := cp.CreateProject(ctx, "harden login", "build", []models.AgentRole{models.RoleBackend})
	require.NoError(t, err)

	err = cp.Submit(ctx, &models.Task{ProjectID: p.ID, Description: "style the form", Role: models.RoleFrontend})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = cp.Submit(ctx, &models.Task{ProjectID: "nope", Description: "x", Role: models.RoleBackend})
	assert.ErrorIs(t, err, ErrUnknownProject)

	task := &models.Task{ID: "t-1", ProjectID: p.ID, Description: "rate limit", Role: models.RoleBackend}
	require.NoError(t, cp.Submit(ctx, task))
	err = cp.Submit(ctx, &models.Task{ID: "t-1", ProjectID: p.ID, Description: "again", Role: models.RoleBackend})
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, cp.CompleteProject(ctx, p.ID))
	err = cp.Submit(ctx, &models.Task{ProjectID: p.ID, Description: "late", Role: models.RoleBackend})
	assert.ErrorIs(t, err, ErrProjectInactive)

	_, err = cp.CreateProject(ctx, "", "build", nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestControlPlane_ClaimMatchesRole(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()

	p, err := cp.CreateProject(ctx, "ship search", "build", nil)
	require.NoError(t, err)
	require.NoError(t, cp.Submit(ctx, &models.Task{ProjectID: p.ID, Description: "index", Role: models.RoleBackend}))

	_, err = cp.RegisterAgent("qa-1", models.RoleQA)
	require.NoError(t, err)
	got, err := cp.Claim(ctx, "qa-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = cp.Claim(ctx, "ghost")
	assert.Error(t, err)

	_, err = cp.RegisterAgent("be-1", models.RoleBackend)
	require.NoError(t, err)
	cp.PauseDispatch()
	got, err = cp.Claim(ctx, "be-1")
	require.NoError(t, err)
	assert.Nil(t, got, "paused dispatch hands out nothing")

	cp.ResumeDispatch()
	got, err = cp.Claim(ctx, "be-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "index", got.Description)
}

func TestControlPlane_LoopGatePausesAndApprovalResumes(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()
	_, task := startTask(t, cp)

	attempt := AttemptReport{Message: "KeyError: 'cursor'", Trace: `File "orders.py", line 42, in list_orders`}
	for i := 0; i < 2; i++ {
		d, err := cp.ReportAttempt(ctx, "be-1", task.ID, attempt)
		require.NoError(t, err)
		assert.False(t, d.Looping)
	}
	d, err := cp.ReportAttempt(ctx, "be-1", task.ID, attempt)
	require.NoError(t, err)
	require.True(t, d.Looping)
	require.True(t, d.GateCreated)

	st := agentState(t, cp, "be-1")
	assert.Equal(t, models.AgentPaused, st.State)
	assert.Equal(t, d.GateID, st.GateID)
	held, _ := cp.Task(task.ID)
	assert.Equal(t, models.TaskStatusBlocked, held.Status)
	assert.Equal(t, d.GateID, held.Metadata["blocked_on"])
	assert.False(t, cp.timeouts.IsMonitored(task.ID))

	g, ok := cp.Gates().Get(d.GateID)
	require.True(t, ok)
	assert.Equal(t, models.GateLoopDetected, g.Type)

	require.NoError(t, cp.Gates().Resolve(ctx, d.GateID, true, "alice", "use the cursor helper"))

	assert.Equal(t, models.AgentActive, agentState(t, cp, "be-1").State)
	resumed, _ := cp.Task(task.ID)
	assert.Equal(t, models.TaskStatusInProgress, resumed.Status)
	assert.False(t, cp.Loops().IsLooping(task.ID))
	assert.True(t, cp.timeouts.IsMonitored(task.ID), "resumed task gets a fresh budget")
}

func TestControlPlane_FinishedWhilePausedReleasesAgent(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
	}{
		{name: "approved", approved: true},
		{name: "denied", approved: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, _ := newTestPlane(t, testConfig())
			ctx := context.Background()
			_, task := startTask(t, cp)

			attempt := AttemptReport{Message: "KeyError: 'cursor'", Trace: `File "orders.py", line 42, in list_orders`}
			var d loopdetect.Detection
			for i := 0; i < 3; i++ {
				var err error
				d, err = cp.ReportAttempt(ctx, "be-1", task.ID, attempt)
				require.NoError(t, err)
			}
			require.True(t, d.GateCreated)
			require.Equal(t, models.AgentPaused, agentState(t, cp, "be-1").State)

			// The agent gives up before anyone looks at the gate.
			require.NoError(t, cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{Error: "KeyError: 'cursor'"}))
			assert.Equal(t, models.AgentPaused, agentState(t, cp, "be-1").State, "held until the gate resolves")

			require.NoError(t, cp.Gates().Resolve(ctx, d.GateID, tt.approved, "alice", ""))

			assert.Equal(t, models.AgentCleanedUp, agentState(t, cp, "be-1").State)
			_, err := cp.RegisterAgent("be-1", models.RoleBackend)
			require.NoError(t, err, "a cleaned up agent id can be registered again")
			assert.Equal(t, models.AgentReady, agentState(t, cp, "be-1").State)
		})
	}
}

func TestControlPlane_TimeoutDeniedCancelsTask(t *testing.T) {
	var calls atomic.Int32
	orc := oracle.Func(func(context.Context, oracle.Prompt) (*oracle.Decision, error) {
		calls.Add(1)
		return nil, context.DeadlineExceeded
	})
	cp, clock := newTestPlane(t, testConfig(), WithOracle(orc))
	ctx := context.Background()
	_, task := startTask(t, cp)

	expired := cp.timeouts.Scan(ctx, clock.Now().Add(11*time.Minute))
	require.Len(t, expired, 1)
	gateID := expired[0].GateID
	require.NotEmpty(t, gateID)

	st := agentState(t, cp, "be-1")
	assert.Equal(t, models.AgentPaused, st.State)
	assert.Equal(t, gateID, st.GateID)
	held, _ := cp.Task(task.ID)
	assert.Equal(t, models.TaskStatusBlocked, held.Status)

	require.NoError(t, cp.Gates().Resolve(ctx, gateID, false, "alice", "out of scope"))

	cancelled, _ := cp.Task(task.ID)
	assert.Equal(t, models.TaskStatusFailed, cancelled.Status)
	assert.Equal(t, true, cancelled.Metadata["cancelled"])
	assert.Contains(t, cancelled.Metadata["cancel_reason"], "out of scope")
	assert.True(t, cp.IsCancelled(task.ID))
	assert.Equal(t, models.AgentCleanedUp, agentState(t, cp, "be-1").State)

	// The agent finishing late is not an error; its result is dropped.
	require.NoError(t, cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{Success: true}))
	after, _ := cp.Task(task.ID)
	assert.Nil(t, after.Result)

	require.NoError(t, cp.Close())
	assert.Zero(t, calls.Load(), "no decision for a cancelled task")

	types := eventTypes(drainEvents(cp))
	assert.Contains(t, types, EventTimeout)
	assert.Contains(t, types, EventTaskCancelled)
	assert.Contains(t, types, EventResultDiscarded)
}

// gatelessStore refuses to persist timeout gates.
type gatelessStore struct {
	*state.DB
}

func (s gatelessStore) SaveGate(ctx context.Context, g *models.Gate) error {
	if g.Type == models.GateTimeout {
		return errors.New("database is locked")
	}
	return s.DB.SaveGate(ctx, g)
}

func TestControlPlane_TimeoutWithoutGateRequeues(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	cp, clock := newTestPlane(t, testConfig(), WithStore(gatelessStore{DB: db}))
	ctx := context.Background()
	_, task := startTask(t, cp)

	expired := cp.timeouts.Scan(ctx, clock.Now().Add(11*time.Minute))
	require.Len(t, expired, 1)
	assert.Empty(t, expired[0].GateID)
	assert.Empty(t, cp.Gates().Pending(task.ProjectID))

	assert.Equal(t, models.AgentCleanedUp, agentState(t, cp, "be-1").State, "no agent paused on a gate that does not exist")
	requeued, _ := cp.Task(task.ID)
	assert.Equal(t, models.TaskStatusPending, requeued.Status)
	assert.Empty(t, requeued.AssignedTo)
	assert.Nil(t, requeued.Metadata["blocked_on"])

	_, err = cp.RegisterAgent("be-2", models.RoleBackend)
	require.NoError(t, err)

	// The stopped agent finishing late does not settle the queued task.
	err = cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{Success: true})
	assert.ErrorIs(t, err, ErrNotAssigned)

	claimed, err := cp.Claim(ctx, "be-2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestControlPlane_OverdueResultEscalates(t *testing.T) {
	cp, clock := newTestPlane(t, testConfig(), WithOracle(proposeTask(0.99, "qa", "load test the orders API")))
	ctx := context.Background()
	p, task := startTask(t, cp)

	// The result lands after the budget but before the monitor's next tick.
	clock.Advance(12 * time.Minute)
	require.NoError(t, cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{Success: true}))

	finished, _ := cp.Task(task.ID)
	assert.Equal(t, true, finished.Metadata["overdue"])
	assert.Equal(t, int64(720), finished.Metadata["elapsed_seconds"])

	require.Eventually(t, func() bool {
		got, _ := cp.Project(p.ID)
		return got.Status == models.ProjectEscalated
	}, 2*time.Second, 10*time.Millisecond)
	pending := cp.Gates().Pending(p.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, models.GateTimeout, pending[0].Type)
	assert.Empty(t, cp.Queued(), "the proposed task waits for the gate")
}

func TestControlPlane_LowConfidenceHeldUntilApproved(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig(), WithOracle(proposeTask(0.3, "qa", "load test the orders API")))
	ctx := context.Background()
	p, task := startTask(t, cp)

	require.NoError(t, cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{Success: true}))

	require.Eventually(t, func() bool {
		got, _ := cp.Project(p.ID)
		return got.Status == models.ProjectEscalated
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, cp.Queued())

	pending := cp.Gates().Pending(p.ID)
	require.Len(t, pending, 1)
	g := pending[0]
	assert.Equal(t, models.GateHighRisk, g.Type)

	// Escalated projects are not dispatched.
	require.NoError(t, cp.Submit(ctx, &models.Task{ProjectID: p.ID, Description: "docs", Role: models.RoleBackend}))
	_, err := cp.RegisterAgent("be-2", models.RoleBackend)
	require.NoError(t, err)
	got, err := cp.Claim(ctx, "be-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cp.Gates().Resolve(ctx, g.ID, true, "alice", "fine, go ahead"))

	reopened, _ := cp.Project(p.ID)
	assert.Equal(t, models.ProjectActive, reopened.Status)

	var released *models.Task
	for _, q := range cp.Queued() {
		if q.Description == "load test the orders API" {
			released = q
		}
	}
	require.NotNil(t, released, "approved proposal should be queued")
	assert.Equal(t, models.RoleQA, released.Role)
	assert.Equal(t, g.ID, released.Metadata["approved_by_gate"])
	assert.Equal(t, "fine, go ahead", released.Metadata["approval_feedback"])
	assert.Equal(t, task.ID, released.Metadata["parent_task_id"])
}

func TestControlPlane_CollaborationDeadlock(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()
	p, task := startTask(t, cp)
	_, err := cp.RegisterAgent("sec-1", models.RoleSecurity)
	require.NoError(t, err)

	ask := collab.HelpRequest{
		ProjectID:   p.ID,
		RequesterID: "be-1",
		Question:    "how should the pagination cursor be signed",
		Category:    models.CategorySecurity,
	}
	for i := 0; i < 2; i++ {
		res, err := cp.RequestHelp(ctx, ask)
		require.NoError(t, err)
		assert.Equal(t, "sec-1", res.SpecialistID)
		assert.Empty(t, res.DeadlockGateID)
	}

	res, err := cp.RequestHelp(ctx, ask)
	require.NoError(t, err)
	require.True(t, res.Loop.Looping)
	require.NotEmpty(t, res.DeadlockGateID)

	g, ok := cp.Gates().Get(res.DeadlockGateID)
	require.True(t, ok)
	assert.Equal(t, models.GateCollaborationDeadlock, g.Type)
	assert.Equal(t, task.ID, g.TaskID)
	assert.Equal(t, models.AgentPaused, agentState(t, cp, "be-1").State)

	require.NoError(t, cp.RespondHelp(ctx, res.RequestID, "HMAC with the session key"))
	require.NoError(t, cp.ResolveHelp(ctx, res.RequestID, true, "cursor signed"))

	require.NoError(t, cp.Gates().Resolve(ctx, g.ID, true, "alice", ""))
	assert.Equal(t, models.AgentActive, agentState(t, cp, "be-1").State)
}

func TestControlPlane_HelpWithoutSpecialistRaisesGate(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()
	p, _ := startTask(t, cp)

	res, err := cp.RequestHelp(ctx, collab.HelpRequest{
		ProjectID:   p.ID,
		RequesterID: "be-1",
		Question:    "which region should this deploy to",
		Category:    models.CategoryInfrastructure,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.GateID)
	assert.Empty(t, res.DeadlockGateID)
	assert.True(t, cp.Gates().IsPending(res.GateID))
}

func TestControlPlane_CapturesResolutionAfterFailures(t *testing.T) {
	sink := &recordingEmitter{}
	cp, _ := newTestPlane(t, testConfig(), WithKnowledge(sink))
	ctx := context.Background()
	_, task := startTask(t, cp)

	_, err := cp.ReportAttempt(ctx, "be-1", task.ID, AttemptReport{Message: "KeyError: 'cursor'"})
	require.NoError(t, err)
	require.NoError(t, cp.ReportResult(ctx, "be-1", task.ID, &models.TaskResult{
		Success: true,
		Steps:   []string{"defaulted the cursor"},
	}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, knowledge.KindFailureResolution, rec.Kind)
	assert.Equal(t, task.ID, rec.TaskID)
	assert.Equal(t, "defaulted the cursor", rec.Action)
	assert.Contains(t, rec.Condition, "cursor")
}

func TestControlPlane_AssignFinishedTask(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()
	p, err := cp.CreateProject(ctx, "add pagination to the orders API", "build", nil)
	require.NoError(t, err)
	task := &models.Task{ProjectID: p.ID, Description: "paginate GET /orders", Role: models.RoleBackend}
	require.NoError(t, cp.Submit(ctx, task))
	st, err := cp.RegisterAgent("be-1", models.RoleBackend)
	require.NoError(t, err)

	// The task finishes after leaving the queue but before assignment.
	cp.queue.Remove(task.ID)
	cp.mu.Lock()
	require.NoError(t, cp.tasks[task.ID].SetStatus(models.TaskStatusFailed, cp.now()))
	cp.mu.Unlock()
	require.NoError(t, cp.agents.Activate("be-1", task.ID))

	assert.Nil(t, cp.assign(ctx, task.ID, st))
	got, _ := cp.Task(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Empty(t, got.AssignedTo)
	assert.False(t, cp.timeouts.IsMonitored(task.ID))
	assert.Equal(t, models.AgentCleanedUp, agentState(t, cp, "be-1").State)
}

func TestControlPlane_ReportByWrongAgent(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	ctx := context.Background()
	_, task := startTask(t, cp)

	err := cp.ReportResult(ctx, "be-9", task.ID, &models.TaskResult{Success: true})
	assert.ErrorIs(t, err, ErrNotAssigned)
	err = cp.ReportResult(ctx, "be-1", "missing", &models.TaskResult{Success: true})
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = cp.ReportAttempt(ctx, "be-1", task.ID, AttemptReport{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestControlPlane_Restore(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	first, _ := newTestPlane(t, testConfig(), WithStore(db))
	p, running := startTask(t, first)
	queued := &models.Task{ProjectID: p.ID, Description: "update docs", Role: models.RoleBackend}
	require.NoError(t, first.Submit(ctx, queued))
	require.NoError(t, first.Close())

	second, _ := newTestPlane(t, testConfig(), WithStore(db))
	rep, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Projects)
	assert.Equal(t, 2, rep.Queued)

	got, ok := second.Task(running.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedTo)
	assert.Equal(t, true, got.Metadata["recovered"])
	assert.Len(t, second.Queued(), 2)

	_, err = second.RegisterAgent("be-1", models.RoleBackend)
	require.NoError(t, err)
	claimed, err := second.Claim(ctx, "be-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, running.ID, claimed.ID, "higher priority task is dispatched first")
}

func TestControlPlane_Status(t *testing.T) {
	cp, _ := newTestPlane(t, testConfig())
	_, _ = startTask(t, cp)

	st := cp.Status()
	assert.Equal(t, 1, st.Projects[models.ProjectActive])
	assert.Equal(t, 1, st.Tasks[models.TaskStatusInProgress])
	assert.Equal(t, 1, st.Agents[models.AgentActive])
	assert.Equal(t, 0, st.QueueDepth)
	assert.Equal(t, 1, st.Monitored)
	assert.Empty(t, st.PendingGates)
}

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	e := NewEventEmitter(2, nil, nil)
	for i := 0; i < 5; i++ {
		e.Emit(Event{Type: EventTaskQueued})
	}
	assert.EqualValues(t, 3, e.DroppedCount())
	assert.Len(t, e.Events(), 2)

	e.Close()
	e.Emit(Event{Type: EventTaskQueued})
	assert.EqualValues(t, 3, e.DroppedCount(), "emit after close is a no-op")
}

func TestPauseController(t *testing.T) {
	p := NewPauseController(nil)
	require.NoError(t, p.WaitIfPaused(context.Background()))

	p.Pause()
	p.Pause()
	assert.True(t, p.IsPaused())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIfPaused(ctx), context.DeadlineExceeded)

	released := make(chan error, 1)
	go func() { released <- p.WaitIfPaused(context.Background()) }()
	p.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Resume")
	}
	assert.False(t, p.IsPaused())

	p.Pause()
	go func() { released <- p.WaitIfPaused(context.Background()) }()
	p.Stop()
	p.Stop()
	select {
	case err := <-released:
		assert.ErrorIs(t, err, errStopped)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Stop")
	}
	assert.True(t, p.IsStopped())
}
