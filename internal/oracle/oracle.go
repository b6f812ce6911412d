// Package oracle asks a language model what a project should do next.
//
// The oracle only proposes. Decisions are validated and acted on by the
// decision engine; nothing here touches queues, gates or agents.
package oracle

import (
	"context"
	"errors"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Actions the oracle may propose.
const (
	ActionNewTask  = "new_task"
	ActionEscalate = "escalate"
	ActionComplete = "complete"
)

// ErrMalformed is returned when a response holds no decodable decision.
var ErrMalformed = errors.New("malformed oracle response")

// Oracle proposes the next step for a project.
type Oracle interface {
	Decide(ctx context.Context, p Prompt) (*Decision, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, p Prompt) (*Decision, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, p Prompt) (*Decision, error) { return f(ctx, p) }

// HistoryEntry summarises one completed task for the prompt.
type HistoryEntry struct {
	TaskID      string
	Type        string
	Description string
	Role        models.AgentRole
	Success     bool
	Summary     string
	Artifacts   []string
}

// Artifact is a declared output read from the artifact store.
type Artifact struct {
	Path    string
	Content string
	// Missing is set when the artifact could not be read.
	Missing bool
}

// Prompt is the context bundle for one decision.
type Prompt struct {
	ProjectID string
	Goal      string
	Phase     string
	Roles     []models.AgentRole
	// Task is the task that just finished.
	Task *models.Task
	// History is most recent first.
	History   []HistoryEntry
	Artifacts []Artifact
}

// NextTask is the follow-up the oracle proposes.
type NextTask struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Role        string         `json:"role"`
	Priority    *int           `json:"priority,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Decision is a decoded oracle answer. Fields are pointers where absence
// must be told apart from a zero value; validation happens downstream.
type Decision struct {
	Action           string    `json:"action"`
	Reasoning        string    `json:"reasoning"`
	Confidence       *float64  `json:"confidence"`
	Proximity        *float64  `json:"proximity"`
	NextTask         *NextTask `json:"next_task,omitempty"`
	EscalationReason string    `json:"escalation_reason,omitempty"`

	// Raw is the text the decision was decoded from.
	Raw string `json:"-"`
	// Repaired is set when the JSON had to be repaired before decoding.
	Repaired bool `json:"-"`
}
