package orchestrator

import (
	"time"
)

// EventType represents the type of control plane event.
type EventType string

const (
	// EventProjectCreated indicates a project was registered.
	EventProjectCreated EventType = "project_created"
	// EventProjectCompleted indicates the decision engine declared a project done.
	EventProjectCompleted EventType = "project_completed"
	// EventTaskQueued indicates a task entered the queue.
	EventTaskQueued EventType = "task_queued"
	// EventTaskAssigned indicates a task was handed to an agent.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskCompleted indicates an agent reported success.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates an agent reported failure.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task was cancelled by a denied gate.
	EventTaskCancelled EventType = "task_cancelled"
	// EventResultDiscarded indicates a result arrived for a cancelled task.
	EventResultDiscarded EventType = "result_discarded"
	// EventLoopDetected indicates the loop detector fired for a task.
	EventLoopDetected EventType = "loop_detected"
	// EventTimeout indicates a task ran past its budget.
	EventTimeout EventType = "timeout"
	// EventDecision indicates the decision engine produced an outcome.
	EventDecision EventType = "decision"
	// EventGateResolved indicates a human resolved a gate.
	EventGateResolved EventType = "gate_resolved"
	// EventHelpRouted indicates a help request reached a specialist.
	EventHelpRouted EventType = "help_routed"
	// EventCollaborationDeadlock indicates two agents keep asking each other
	// the same question.
	EventCollaborationDeadlock EventType = "collaboration_deadlock"
)

// Event is one observable step of the control plane.
type Event struct {
	Type      EventType
	ProjectID string
	TaskID    string
	AgentID   string
	GateID    string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error     error
	Timestamp time.Time
}
