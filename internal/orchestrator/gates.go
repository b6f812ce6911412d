package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/steward/internal/decision"
	"github.com/ShayCichocki/steward/internal/timeout"
	"github.com/ShayCichocki/steward/pkg/models"
)

// onTimeout pauses the agent of an expired task on its timeout gate. When
// the gate could not be raised the agent is retired and the task requeued.
func (cp *ControlPlane) onTimeout(exp timeout.Expiry) {
	ctx, cancel := cp.background()
	defer cancel()

	e := exp.Entry
	reason := fmt.Sprintf("exceeded %s budget after %s", exp.Allotted, exp.Elapsed.Round(time.Second))
	if exp.GateID == "" {
		// Nothing would ever resume a pause, so the agent is stopped and
		// the task goes back to the queue.
		cp.logger.Error("timeout without a gate, stopping agent and requeueing task",
			"project_id", e.ProjectID, "task_id", e.TaskID, "agent_id", e.AgentID, "reason", reason)
		if e.AgentID != "" {
			cp.retire(e.AgentID)
		}
		cp.requeue(ctx, e.TaskID)
	} else {
		cp.holdOnGate(ctx, e.AgentID, e.TaskID, exp.GateID, reason)
	}
	cp.emit(Event{
		Type:      EventTimeout,
		ProjectID: e.ProjectID,
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		GateID:    exp.GateID,
		Message:   reason,
	})
}

// onGateResolved applies a human decision to the work the gate held.
func (cp *ControlPlane) onGateResolved(g models.Gate) {
	ctx, cancel := cp.background()
	defer cancel()

	cp.mu.Lock()
	projectID, escalated := cp.escalations[g.ID]
	delete(cp.escalations, g.ID)
	cp.mu.Unlock()

	cp.logger.Info("gate resolved",
		"gate_id", g.ID, "kind", g.Type, "status", g.Status, "task_id", g.TaskID, "resolved_by", g.ResolvedBy)

	if g.Status == models.GateApproved {
		cp.approve(ctx, g)
	} else {
		reason := "gate " + g.ID + " denied"
		if g.Feedback != "" {
			reason += ": " + g.Feedback
		}
		if g.TaskID != "" {
			if err := cp.CancelTask(ctx, g.TaskID, reason); err != nil {
				cp.logger.Error("cancel task after denial", "gate_id", g.ID, "task_id", g.TaskID, "error", err)
			}
		}
		// A task that finished while its agent waited is not cancelled,
		// so the agent is still paused here.
		if agent, ok := cp.pausedOn(g); ok {
			cp.retire(agent.AgentID)
		}
	}

	if escalated {
		cp.reopen(ctx, projectID)
	}
	cp.emit(Event{
		Type:      EventGateResolved,
		ProjectID: g.ProjectID,
		TaskID:    g.TaskID,
		AgentID:   g.AgentID,
		GateID:    g.ID,
		Message:   string(g.Status),
	})
}

func (cp *ControlPlane) approve(ctx context.Context, g models.Gate) {
	if g.Type == models.GateLoopDetected && g.TaskID != "" {
		cp.loops.Reset(g.TaskID)
	}
	cp.releaseProposal(ctx, g)
	cp.resumeHeld(ctx, g)
}

// releaseProposal acts on the outcome a decision gate held back: a
// proposed task is queued, a proposed completion completes the project.
func (cp *ControlPlane) releaseProposal(ctx context.Context, g models.Gate) {
	kind, _ := g.Context[decision.ContextProposed].(string)
	switch decision.Kind(kind) {
	case decision.KindComplete:
		if err := cp.CompleteProject(ctx, g.ProjectID); err != nil {
			cp.logger.Error("complete project on approval", "gate_id", g.ID, "project_id", g.ProjectID, "error", err)
		}
	case decision.KindNewTask:
		desc, _ := g.Context[decision.ContextProposedDescription].(string)
		if desc == "" {
			return
		}
		role, _ := g.Context[decision.ContextProposedRole].(string)
		typ, _ := g.Context[decision.ContextProposedType].(string)
		payload, _ := g.Context[decision.ContextProposedPayload].(map[string]any)

		t := &models.Task{
			ProjectID:   g.ProjectID,
			Type:        typ,
			Description: desc,
			Role:        models.AgentRole(role),
			Payload:     payload,
		}
		priority, hasPriority := intValue(g.Context[decision.ContextProposedPriority])
		if parent, ok := cp.Task(g.TaskID); ok {
			t.Priority = parent.Priority
			t.SetMetadata("parent_task_id", parent.ID)
			if parent.Result != nil && len(parent.Result.Artifacts) > 0 {
				t.SetMetadata("carry_artifacts", append([]string(nil), parent.Result.Artifacts...))
				t.SetMetadata("carry_agent_id", parent.AssignedTo)
			}
		}
		if hasPriority && priority >= 0 {
			t.Priority = priority
		}
		t.SetMetadata("approved_by_gate", g.ID)
		if g.Feedback != "" {
			t.SetMetadata("approval_feedback", g.Feedback)
		}
		if err := cp.Submit(ctx, t); err != nil {
			cp.logger.Error("queue approved task", "gate_id", g.ID, "project_id", g.ProjectID, "error", err)
		}
	}
}

// resumeHeld continues the task a gate blocked. A paused agent resumes with
// a fresh time budget; a blocked task without an agent is queued again; a
// task that failed in a loop is retried under a new id.
func (cp *ControlPlane) resumeHeld(ctx context.Context, g models.Gate) {
	if g.TaskID == "" {
		return
	}
	t, ok := cp.Task(g.TaskID)
	if !ok {
		return
	}
	_, hasAgent := cp.agents.AgentForTask(g.TaskID)
	agent, pausedHere := cp.pausedOn(g)

	switch {
	case t.Status.IsTerminal():
		if pausedHere {
			cp.retire(agent.AgentID)
		}
		if g.Type == models.GateLoopDetected && t.Result != nil && !t.Result.Success {
			cp.retry(ctx, t, g)
		}
	case pausedHere:
		if err := cp.agents.Resume(agent.AgentID); err != nil {
			cp.logger.Error("resume agent", "agent_id", agent.AgentID, "gate_id", g.ID, "error", err)
			return
		}
		cp.setTaskStatus(ctx, g.TaskID, models.TaskStatusInProgress)
		if err := cp.timeouts.Watch(timeout.Entry{
			TaskID:    g.TaskID,
			ProjectID: t.ProjectID,
			AgentID:   agent.AgentID,
			Role:      agent.Role,
			Metadata:  map[string]any{"task_type": t.Type, "resumed_by_gate": g.ID},
		}); err != nil {
			cp.logger.Error("watch resumed task", "task_id", g.TaskID, "error", err)
		}
	case t.Status == models.TaskStatusBlocked && !hasAgent:
		cp.requeue(ctx, g.TaskID)
	}
}

// pausedOn returns the agent paused on g's task waiting for g.
func (cp *ControlPlane) pausedOn(g models.Gate) (models.AgentRuntimeState, bool) {
	if g.TaskID == "" {
		return models.AgentRuntimeState{}, false
	}
	agent, ok := cp.agents.AgentForTask(g.TaskID)
	if !ok || agent.State != models.AgentPaused || (agent.GateID != g.ID && agent.GateID != "") {
		return models.AgentRuntimeState{}, false
	}
	return agent, true
}

// retry queues a fresh copy of a failed task.
func (cp *ControlPlane) retry(ctx context.Context, t *models.Task, g models.Gate) {
	r := &models.Task{
		ProjectID:   t.ProjectID,
		Type:        t.Type,
		Description: t.Description,
		Role:        t.Role,
		Priority:    t.Priority,
		Payload:     t.Clone().Payload,
	}
	r.SetMetadata("retry_of", t.ID)
	r.SetMetadata("approved_by_gate", g.ID)
	if g.Feedback != "" {
		r.SetMetadata("approval_feedback", g.Feedback)
	}
	if err := cp.Submit(ctx, r); err != nil {
		cp.logger.Error("queue retry", "task_id", t.ID, "gate_id", g.ID, "error", err)
	}
}

// requeue puts a blocked task back in the queue for any ready agent.
func (cp *ControlPlane) requeue(ctx context.Context, taskID string) {
	cp.mu.Lock()
	t, ok := cp.tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		cp.mu.Unlock()
		return
	}
	if err := t.SetStatus(models.TaskStatusPending, cp.now().UTC()); err != nil {
		cp.mu.Unlock()
		cp.logger.Error("requeue task", "task_id", taskID, "error", err)
		return
	}
	t.AssignedTo = ""
	err := cp.queue.Enqueue(t.Clone())
	snapshot := t.Clone()
	cp.mu.Unlock()

	if err != nil {
		cp.logger.Error("requeue task", "task_id", taskID, "error", err)
		return
	}
	cp.persistTask(ctx, snapshot)
	cp.emit(Event{Type: EventTaskQueued, ProjectID: snapshot.ProjectID, TaskID: taskID, Message: "requeued"})
}

func (cp *ControlPlane) setTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) {
	cp.mu.Lock()
	t, ok := cp.tasks[taskID]
	if !ok {
		cp.mu.Unlock()
		return
	}
	if err := t.SetStatus(status, cp.now().UTC()); err != nil {
		cp.mu.Unlock()
		cp.logger.Error("set task status", "task_id", taskID, "status", status, "error", err)
		return
	}
	snapshot := t.Clone()
	cp.mu.Unlock()
	cp.persistTask(ctx, snapshot)
}

// CancelTask stops a task: it leaves the queue, its agent is stopped and
// cleaned up, and later reports for it are discarded.
func (cp *ControlPlane) CancelTask(ctx context.Context, taskID, reason string) error {
	cp.mu.Lock()
	t, ok := cp.tasks[taskID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if _, done := cp.cancelled[taskID]; done || t.Status.IsTerminal() {
		cp.mu.Unlock()
		return nil
	}
	cp.cancelled[taskID] = reason
	cp.queue.Remove(taskID)
	delete(cp.streaks, taskID)
	t.SetMetadata("cancelled", true)
	t.SetMetadata("cancel_reason", reason)
	statusErr := t.SetStatus(models.TaskStatusFailed, cp.now().UTC())
	snapshot := t.Clone()
	cp.mu.Unlock()
	if statusErr != nil {
		cp.logger.Error("fail cancelled task", "task_id", taskID, "error", statusErr)
	}

	cp.timeouts.Complete(taskID)
	cp.loops.Forget(taskID)
	if agent, ok := cp.agents.AgentForTask(taskID); ok {
		cp.retire(agent.AgentID)
	}
	cp.persistTask(ctx, snapshot)
	cp.metrics.SetQueueDepth(cp.queue.Len())

	cp.logger.Warn("task cancelled", "project_id", snapshot.ProjectID, "task_id", taskID, "reason", reason)
	cp.emit(Event{Type: EventTaskCancelled, ProjectID: snapshot.ProjectID, TaskID: taskID, AgentID: snapshot.AssignedTo, Message: reason})
	return nil
}

// intValue reads a number that may have passed through JSON.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// reopen returns an escalated project to active once none of its
// escalations are pending.
func (cp *ControlPlane) reopen(ctx context.Context, projectID string) {
	cp.mu.RLock()
	for _, pid := range cp.escalations {
		if pid == projectID {
			cp.mu.RUnlock()
			return
		}
	}
	p, ok := cp.projects[projectID]
	escalated := ok && p.Status == models.ProjectEscalated
	cp.mu.RUnlock()

	if escalated {
		if err := cp.setProjectStatus(ctx, projectID, models.ProjectActive); err != nil {
			cp.logger.Error("reopen project", "project_id", projectID, "error", err)
		}
	}
}
