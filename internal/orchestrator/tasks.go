package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/steward/internal/decision"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/internal/lifecycle"
	"github.com/ShayCichocki/steward/internal/loopdetect"
	"github.com/ShayCichocki/steward/internal/timeout"
	"github.com/ShayCichocki/steward/pkg/models"
)

// followUps adapts the control plane to the decision engine's queue.
type followUps struct{ cp *ControlPlane }

func (f followUps) Enqueue(t *models.Task) error {
	ctx, cancel := f.cp.background()
	defer cancel()
	return f.cp.Submit(ctx, t)
}

// Submit validates and queues a task. A missing id is generated.
func (cp *ControlPlane) Submit(ctx context.Context, t *models.Task) error {
	if t == nil {
		return fmt.Errorf("%w: task is nil", models.ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = cp.now().UTC()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status != models.TaskStatusPending {
		return fmt.Errorf("%w: task %s must be submitted as pending, not %s", models.ErrValidation, t.ID, t.Status)
	}

	cp.mu.Lock()
	p, ok := cp.projects[t.ProjectID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProject, t.ProjectID)
	}
	if p.Status == models.ProjectComplete {
		cp.mu.Unlock()
		return fmt.Errorf("%w: %s is complete", ErrProjectInactive, t.ProjectID)
	}
	if t.Role != "" && !p.HasRole(t.Role) {
		cp.mu.Unlock()
		return fmt.Errorf("%w: role %s is not on project %s's roster", models.ErrValidation, t.Role, t.ProjectID)
	}
	if _, exists := cp.tasks[t.ID]; exists {
		cp.mu.Unlock()
		return fmt.Errorf("%w: task id %s already used in project %s", models.ErrValidation, t.ID, t.ProjectID)
	}
	task := t.Clone()
	// The queue holds its own copy; cp.tasks is mutated under cp.mu only.
	if err := cp.queue.Enqueue(task.Clone()); err != nil {
		cp.mu.Unlock()
		return err
	}
	cp.tasks[task.ID] = task
	snapshot := task.Clone()
	cp.mu.Unlock()

	if cp.store != nil {
		if err := cp.store.SaveTask(ctx, snapshot); err != nil {
			cp.mu.Lock()
			cp.queue.Remove(task.ID)
			delete(cp.tasks, task.ID)
			cp.mu.Unlock()
			return fmt.Errorf("save task: %w", err)
		}
	}

	cp.metrics.SetQueueDepth(cp.queue.Len())
	cp.logger.Info("task queued",
		"project_id", task.ProjectID, "task_id", task.ID, "role", task.Role, "priority", task.Priority)
	cp.emit(Event{Type: EventTaskQueued, ProjectID: task.ProjectID, TaskID: task.ID, Message: task.Description})
	return nil
}

// RegisterAgent adds an agent instance and marks it ready for work.
func (cp *ControlPlane) RegisterAgent(agentID string, role models.AgentRole) (models.AgentRuntimeState, error) {
	if _, err := cp.agents.Register(agentID, role); err != nil {
		return models.AgentRuntimeState{}, err
	}
	if err := cp.agents.Ready(agentID); err != nil {
		return models.AgentRuntimeState{}, err
	}
	st, _ := cp.agents.Get(agentID)
	cp.logger.Info("agent registered", "agent_id", agentID, "role", role)
	return st, nil
}

// Claim hands the highest-priority queued task the agent can run to a
// ready agent and starts its timeout. It returns nil when there is nothing
// to do or dispatch is paused.
func (cp *ControlPlane) Claim(ctx context.Context, agentID string) (*models.Task, error) {
	if cp.dispatch.IsPaused() || cp.dispatch.IsStopped() {
		return nil, nil
	}
	st, ok := cp.agents.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("claim: %w: %s", lifecycle.ErrUnknownAgent, agentID)
	}
	if st.State != models.AgentReady {
		return nil, fmt.Errorf("claim: %w: agent %s is %s, want %s", lifecycle.ErrIllegalTransition, agentID, st.State, models.AgentReady)
	}

	for _, candidate := range cp.queue.Snapshot() {
		if candidate.Role != "" && candidate.Role != st.Role {
			continue
		}
		if !cp.dispatchable(candidate.ProjectID) {
			continue
		}
		if _, ok := cp.queue.Remove(candidate.ID); !ok {
			continue
		}
		if err := cp.agents.Activate(agentID, candidate.ID); err != nil {
			if qerr := cp.queue.Enqueue(candidate); qerr != nil {
				cp.logger.Error("requeue after failed activation", "task_id", candidate.ID, "error", qerr)
			}
			return nil, err
		}
		return cp.assign(ctx, candidate.ID, st), nil
	}
	return nil, nil
}

func (cp *ControlPlane) dispatchable(projectID string) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	p, ok := cp.projects[projectID]
	return ok && p.Status == models.ProjectActive
}

func (cp *ControlPlane) assign(ctx context.Context, taskID string, agent models.AgentRuntimeState) *models.Task {
	now := cp.now().UTC()

	cp.mu.Lock()
	t := cp.tasks[taskID]
	if err := t.SetStatus(models.TaskStatusInProgress, now); err != nil {
		// Cancelled between leaving the queue and reaching the agent.
		cp.mu.Unlock()
		cp.logger.Warn("assign task", "task_id", taskID, "agent_id", agent.AgentID, "error", err)
		cp.retire(agent.AgentID)
		return nil
	}
	t.AssignedTo = agent.AgentID
	if t.Role == "" {
		t.Role = agent.Role
	}
	t.SetMetadata("started_at", now.Format(time.RFC3339))
	snapshot := t.Clone()
	cp.mu.Unlock()

	if err := cp.timeouts.Watch(timeout.Entry{
		TaskID:    taskID,
		ProjectID: snapshot.ProjectID,
		AgentID:   agent.AgentID,
		Role:      agent.Role,
		StartedAt: now,
		Metadata:  map[string]any{"task_type": snapshot.Type, "task_description": snapshot.Description},
	}); err != nil {
		cp.logger.Error("watch task", "task_id", taskID, "error", err)
	}
	cp.persistTask(ctx, snapshot)
	cp.metrics.SetQueueDepth(cp.queue.Len())
	cp.logger.Info("task assigned", "project_id", snapshot.ProjectID, "task_id", taskID, "agent_id", agent.AgentID, "role", agent.Role)
	cp.emit(Event{Type: EventTaskAssigned, ProjectID: snapshot.ProjectID, TaskID: taskID, AgentID: agent.AgentID})
	return snapshot
}

// AttemptReport is a failed attempt the agent will retry on the same task.
type AttemptReport struct {
	Message string
	Trace   string
}

// ReportAttempt records an intermediate failure. The failure is classified
// and fed to the loop detector; when it completes a loop the agent is
// paused on the loop gate and the task blocked.
func (cp *ControlPlane) ReportAttempt(ctx context.Context, agentID, taskID string, a AttemptReport) (loopdetect.Detection, error) {
	t, err := cp.heldTask(agentID, taskID)
	if err != nil || t == nil {
		return loopdetect.Detection{}, err
	}
	if strings.TrimSpace(a.Message) == "" {
		return loopdetect.Detection{}, fmt.Errorf("%w: attempt needs an error message", models.ErrValidation)
	}

	sig := cp.extractor.Extract(a.Message, a.Trace)
	det := cp.recordFailure(ctx, t, agentID, sig)
	if det.GateID != "" && det.GateCreated {
		cp.holdOnGate(ctx, agentID, taskID, det.GateID, "loop detected: "+string(sig.Kind))
	}
	return det, nil
}

// ReportResult records a task's final outcome and schedules the decision
// on what follows. Results for cancelled tasks are discarded.
func (cp *ControlPlane) ReportResult(ctx context.Context, agentID, taskID string, res *models.TaskResult) error {
	if res == nil {
		return fmt.Errorf("%w: result is nil", models.ErrValidation)
	}
	t, err := cp.heldTask(agentID, taskID)
	if err != nil || t == nil {
		return err
	}
	remaining, watched := cp.timeouts.Remaining(taskID)
	elapsed, _ := cp.timeouts.Elapsed(taskID)
	cp.timeouts.Complete(taskID)

	result := *res
	result.Steps = append([]string(nil), res.Steps...)
	result.Artifacts = append([]string(nil), res.Artifacts...)
	status := models.TaskStatusCompleted
	if result.Success {
		cp.loops.RecordSuccess(taskID)
		cp.captureResolution(t, agentID, &result)
	} else {
		status = models.TaskStatusFailed
		sig := cp.extractor.Extract(result.Error, result.Trace)
		result.Signature = &sig
		cp.recordFailure(ctx, t, agentID, sig)
	}

	cp.mu.Lock()
	live := cp.tasks[taskID]
	live.Result = &result
	if watched {
		live.SetMetadata(decision.MetadataOverdue, remaining <= 0)
		live.SetMetadata(decision.MetadataElapsedSeconds, int64(elapsed/time.Second))
	}
	if err := live.SetStatus(status, cp.now().UTC()); err != nil {
		cp.mu.Unlock()
		return err
	}
	snapshot := live.Clone()
	cp.mu.Unlock()
	cp.persistTask(ctx, snapshot)

	cp.release(agentID)

	ev := Event{Type: EventTaskCompleted, ProjectID: t.ProjectID, TaskID: taskID, AgentID: agentID}
	if !result.Success {
		ev.Type = EventTaskFailed
		ev.Message = result.Signature.Message
	}
	cp.logger.Info("task finished", "project_id", t.ProjectID, "task_id", taskID, "agent_id", agentID, "status", status)
	cp.emit(ev)

	cp.scheduleDecision(t.ProjectID, taskID)
	return nil
}

// heldTask returns a snapshot of a task the agent is working on. It returns
// nil, nil for cancelled tasks, whose reports are discarded.
func (cp *ControlPlane) heldTask(agentID, taskID string) (*models.Task, error) {
	cp.mu.RLock()
	t, ok := cp.tasks[taskID]
	reason, cancelled := cp.cancelled[taskID]
	var snapshot *models.Task
	if ok {
		snapshot = t.Clone()
	}
	cp.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if cancelled {
		cp.logger.Info("discarding report for cancelled task", "task_id", taskID, "agent_id", agentID, "reason", reason)
		cp.emit(Event{Type: EventResultDiscarded, ProjectID: snapshot.ProjectID, TaskID: taskID, AgentID: agentID, Message: reason})
		return nil, nil
	}
	if snapshot.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", models.ErrTaskImmutable, taskID, snapshot.Status)
	}
	if snapshot.Status == models.TaskStatusPending {
		return nil, fmt.Errorf("%w: %s is queued, not held by %s", ErrNotAssigned, taskID, agentID)
	}
	if snapshot.AssignedTo != "" && agentID != snapshot.AssignedTo {
		return nil, fmt.Errorf("%w: %s holds %s, not %s", ErrNotAssigned, snapshot.AssignedTo, taskID, agentID)
	}
	return snapshot, nil
}

func (cp *ControlPlane) recordFailure(ctx context.Context, t *models.Task, agentID string, sig models.FailureSignature) loopdetect.Detection {
	role := t.Role
	if st, ok := cp.agents.Get(agentID); ok {
		role = st.Role
	}

	cp.mu.Lock()
	s := cp.streaks[t.ID]
	if s == nil {
		s = &failureStreak{}
		cp.streaks[t.ID] = s
	}
	s.count++
	s.last = sig
	cp.mu.Unlock()

	det, err := cp.loops.RecordFailure(ctx, loopdetect.Failure{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		AgentID:   agentID,
		Role:      role,
		Signature: sig,
	})
	if err != nil {
		cp.logger.Error("record failure", "task_id", t.ID, "agent_id", agentID, "kind", sig.Kind, "error", err)
	}
	if det.Looping {
		cp.emit(Event{Type: EventLoopDetected, ProjectID: t.ProjectID, TaskID: t.ID, AgentID: agentID, GateID: det.GateID, Message: sig.Message})
	}
	return det
}

// captureResolution emits a knowledge record when a task succeeds after
// failing.
func (cp *ControlPlane) captureResolution(t *models.Task, agentID string, res *models.TaskResult) {
	cp.mu.Lock()
	s := cp.streaks[t.ID]
	delete(cp.streaks, t.ID)
	cp.mu.Unlock()
	if s == nil || cp.knowledge == nil {
		return
	}

	action := t.Description
	if n := len(res.Steps); n > 0 {
		action = res.Steps[n-1]
	}
	rec := knowledge.Record{
		Kind:      knowledge.KindFailureResolution,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		AgentID:   agentID,
		Role:      t.Role,
		Condition: fmt.Sprintf("%s: %s", s.last.Kind, s.last.Message),
		Action:    action,
		Outcome:   fmt.Sprintf("succeeded after %d failed attempts", s.count),
		Concepts:  knowledge.DeriveConcepts(t.Description+" "+s.last.Message, string(s.last.Kind)),
		Context: map[string]string{
			"signature": s.last.Hash,
			"location":  s.last.Location,
		},
	}
	if !cp.knowledge.Emit(rec) {
		cp.logger.Warn("knowledge record dropped", "task_id", t.ID, "kind", rec.Kind)
	}
}

// release retires the agent instance that finished a task. Agents paused
// on a gate keep their slot until the gate resolves.
func (cp *ControlPlane) release(agentID string) {
	st, ok := cp.agents.Get(agentID)
	if !ok || st.State == models.AgentPaused {
		return
	}
	cp.retire(agentID)
}

// retire stops and cleans up an agent from any live state, including
// paused on a gate.
func (cp *ControlPlane) retire(agentID string) {
	st, ok := cp.agents.Get(agentID)
	if !ok || st.State == models.AgentCleanedUp {
		return
	}
	if st.State == models.AgentActive || st.State == models.AgentPaused {
		if err := cp.agents.Stop(agentID); err != nil {
			cp.logger.Error("stop agent", "agent_id", agentID, "state", st.State, "error", err)
			return
		}
	}
	if err := cp.agents.Cleanup(agentID); err != nil {
		cp.logger.Error("clean up agent", "agent_id", agentID, "error", err)
	}
}

// holdOnGate pauses an agent and blocks its task until gateID resolves.
func (cp *ControlPlane) holdOnGate(ctx context.Context, agentID, taskID, gateID, reason string) {
	if agentID != "" {
		if err := cp.agents.Pause(agentID, gateID, reason); err != nil {
			cp.logger.Error("pause agent", "agent_id", agentID, "gate_id", gateID, "error", err)
		}
	}
	cp.timeouts.Complete(taskID)

	cp.mu.Lock()
	t, ok := cp.tasks[taskID]
	var snapshot *models.Task
	var err error
	if ok && !t.Status.IsTerminal() {
		if err = t.SetStatus(models.TaskStatusBlocked, cp.now().UTC()); err == nil {
			t.SetMetadata("blocked_on", gateID)
			snapshot = t.Clone()
		}
	}
	cp.mu.Unlock()
	if err != nil {
		cp.logger.Error("block task", "task_id", taskID, "gate_id", gateID, "error", err)
	}
	if snapshot != nil {
		cp.persistTask(ctx, snapshot)
	}
}

// Task returns a copy of a tracked task.
func (cp *ControlPlane) Task(id string) (*models.Task, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	t, ok := cp.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of a project's tasks in creation order. An empty
// projectID returns every task.
func (cp *ControlPlane) Tasks(projectID string) []*models.Task {
	cp.mu.RLock()
	out := make([]*models.Task, 0, len(cp.tasks))
	for _, t := range cp.tasks {
		if projectID == "" || t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	cp.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Queued returns the queued tasks in dispatch order.
func (cp *ControlPlane) Queued() []*models.Task {
	tasks := cp.queue.Snapshot()
	out := make([]*models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
