package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/pkg/models"
)

// HelpResult is the routing of a help request plus the deadlock gate raised
// when the two agents keep asking each other the same thing.
type HelpResult struct {
	collab.Routing
	DeadlockGateID string
}

// RequestHelp routes an agent's question to a specialist. A detected
// collaboration loop raises a collaboration_deadlock gate and pauses the
// requester on it.
func (cp *ControlPlane) RequestHelp(ctx context.Context, h collab.HelpRequest) (*HelpResult, error) {
	if h.RequesterRole == "" {
		if st, ok := cp.agents.Get(h.RequesterID); ok {
			h.RequesterRole = st.Role
		}
	}
	routing, err := cp.router.HandleHelpRequest(ctx, h)
	if err != nil {
		return nil, err
	}
	out := &HelpResult{Routing: *routing}

	if routing.GateID != "" {
		cp.emit(Event{Type: EventHelpRouted, ProjectID: h.ProjectID, AgentID: h.RequesterID, GateID: routing.GateID, Message: "no specialist available"})
		return out, nil
	}
	cp.emit(Event{Type: EventHelpRouted, ProjectID: h.ProjectID, AgentID: h.RequesterID, Message: string(routing.SpecialistRole) + " " + routing.SpecialistID})

	if routing.Loop.Looping {
		id, err := cp.raiseDeadlock(ctx, h, routing)
		if err != nil {
			return out, err
		}
		out.DeadlockGateID = id
	}
	return out, nil
}

func (cp *ControlPlane) raiseDeadlock(ctx context.Context, h collab.HelpRequest, routing *collab.Routing) (string, error) {
	var taskID string
	if st, ok := cp.agents.Get(h.RequesterID); ok {
		taskID = st.TaskID
	}
	if taskID != "" {
		if id, ok := cp.gates.PendingForTask(taskID); ok {
			return id, nil
		}
	}

	id, err := cp.gates.CreateGate(ctx, models.GateRequest{
		Type:      models.GateCollaborationDeadlock,
		ProjectID: h.ProjectID,
		AgentID:   h.RequesterID,
		TaskID:    taskID,
		Reason: fmt.Sprintf("%s and %s exchanged %d near-identical questions",
			h.RequesterID, routing.SpecialistID, routing.Loop.CycleCount+1),
		Context: map[string]any{
			"request_id":     routing.RequestID,
			"specialist_id":  routing.SpecialistID,
			"cycle_count":    routing.Loop.CycleCount,
			"max_similarity": routing.Loop.MaxSimilarity,
			"matches":        routing.Loop.Matches,
			"question":       h.Question,
		},
	})
	if err != nil {
		return "", fmt.Errorf("raise collaboration deadlock gate: %w", err)
	}
	if taskID != "" {
		cp.holdOnGate(ctx, h.RequesterID, taskID, id, "collaboration deadlock")
	}
	cp.emit(Event{
		Type:      EventCollaborationDeadlock,
		ProjectID: h.ProjectID,
		TaskID:    taskID,
		AgentID:   h.RequesterID,
		GateID:    id,
		Message:   h.Question,
	})
	return id, nil
}

// RespondHelp records a specialist's answer.
func (cp *ControlPlane) RespondHelp(ctx context.Context, requestID, answer string) error {
	return cp.router.RecordResponse(ctx, requestID, answer)
}

// ResolveHelp closes a help request and captures the outcome as knowledge.
func (cp *ControlPlane) ResolveHelp(ctx context.Context, requestID string, success bool, summary string) error {
	return cp.router.Resolve(ctx, requestID, success, summary)
}

// CollaborationMetrics aggregates help requests created in [from, to).
func (cp *ControlPlane) CollaborationMetrics(from, to time.Time) collab.Metrics {
	return cp.router.GetMetrics(from, to)
}
