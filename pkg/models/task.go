package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation is wrapped by every input validation failure so callers can
// distinguish bad input from operational errors with errors.Is.
var ErrValidation = errors.New("validation error")

// ErrTaskImmutable is returned when a terminal task is asked to change status.
var ErrTaskImmutable = errors.New("task is immutable once completed or failed")

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and not yet assigned.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned indicates an agent has been chosen but has not started.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates the task cannot proceed until a gate resolves.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses after which a task no longer changes.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents a unit of dispatchable work.
type Task struct {
	// ID is the unique identifier for this task within its project.
	ID string `json:"id"`
	// ProjectID is the project this task belongs to.
	ProjectID string `json:"project_id"`
	// Type is a short free-form classifier (e.g. "implement", "review").
	Type string `json:"type"`
	// Description is the reasoning context handed to the decision engine.
	Description string `json:"description"`
	// Role is the agent role that should execute the task, empty until assigned.
	Role AgentRole `json:"role,omitempty"`
	// Priority orders the queue; higher runs first.
	Priority int `json:"priority"`
	// Payload carries task input.
	Payload map[string]any `json:"payload,omitempty"`
	// Metadata carries context forward from a prior task and audit notes.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedTo is the ID of the agent working on this task.
	AssignedTo string `json:"assigned_to,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result is the outcome reported by the agent.
	Result *TaskResult `json:"result,omitempty"`
}

// Validate checks the fields required before a task may be queued.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: task is nil", ErrValidation)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if t.ProjectID == "" {
		return fmt.Errorf("%w: task %s has no project", ErrValidation, t.ID)
	}
	if t.Priority < 0 {
		return fmt.Errorf("%w: task %s has negative priority %d", ErrValidation, t.ID, t.Priority)
	}
	if t.Role != "" && !t.Role.Valid() {
		return fmt.Errorf("%w: task %s has unknown role %q", ErrValidation, t.ID, t.Role)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: task %s has unknown status %q", ErrValidation, t.ID, t.Status)
	}
	return nil
}

// SetStatus moves the task to a new status. Terminal tasks are immutable.
func (t *Task) SetStatus(s TaskStatus, now time.Time) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTaskImmutable, t.ID, t.Status)
	}
	t.Status = s
	if s.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// SetMetadata records an audit value. Allowed in every status.
func (t *Task) SetMetadata(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// Clone returns a copy that shares no maps with the original.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneMap(t.Payload)
	c.Metadata = cloneMap(t.Metadata)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Result != nil {
		r := *t.Result
		r.Steps = append([]string(nil), t.Result.Steps...)
		r.Artifacts = append([]string(nil), t.Result.Artifacts...)
		c.Result = &r
	}
	return &c
}

// TaskResult is the outcome of running a task. Read-only once reported.
type TaskResult struct {
	// Success indicates whether the agent reports the task as done.
	Success bool `json:"success"`
	// Steps lists the executed steps in order.
	Steps []string `json:"steps,omitempty"`
	// Artifacts lists the paths the task declared it produced.
	Artifacts []string `json:"artifacts,omitempty"`
	// Error is the raw error text for failed tasks.
	Error string `json:"error,omitempty"`
	// Trace is an optional stack trace accompanying Error.
	Trace string `json:"trace,omitempty"`
	// Signature is the classified form of Error, set by the control plane.
	Signature *FailureSignature `json:"signature,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
