package decision

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Kind tags an Outcome.
type Kind string

const (
	KindNewTask  Kind = "new_task"
	KindEscalate Kind = "escalate"
	KindComplete Kind = "complete"
)

// Outcome is one of NewTask, Escalate or Complete.
type Outcome interface {
	Kind() Kind
	outcome()
}

// NewTask asks for a follow-up task.
type NewTask struct {
	Role        models.AgentRole
	Type        string
	Description string
	// Priority is nil when the oracle left it to the engine.
	Priority   *int
	Payload    map[string]any
	Reasoning  string
	Confidence float64
}

// Escalate asks a human to look at the project.
type Escalate struct {
	GateType models.GateType
	Reason   string
	Context  map[string]any
	// ExistingGateID is set when a pending gate already covers the task.
	ExistingGateID string
}

// Complete reports the goal as reached.
type Complete struct {
	Reasoning  string
	Confidence float64
}

func (NewTask) Kind() Kind  { return KindNewTask }
func (Escalate) Kind() Kind { return KindEscalate }
func (Complete) Kind() Kind { return KindComplete }

func (NewTask) outcome()  {}
func (Escalate) outcome() {}
func (Complete) outcome() {}

// ErrSchema is wrapped by every SchemaError.
var ErrSchema = errors.New("decision schema violation")

// SchemaError reports the first field of an oracle decision that broke the
// closed schema.
type SchemaError struct {
	Field   string
	Problem string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("decision field %s: %s", e.Field, e.Problem)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }
