package decision

import (
	"strings"

	"github.com/ShayCichocki/steward/internal/oracle"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Validate checks a decoded oracle decision against the closed schema and
// converts it into an Outcome. roster, when non-empty, limits the roles a
// new task may target. Confidence is only range-checked here; the floor is
// policy and applied by the Engine.
func Validate(d *oracle.Decision, roster []models.AgentRole) (Outcome, error) {
	if d == nil {
		return nil, &SchemaError{Field: "decision", Problem: "missing"}
	}
	if d.Confidence == nil {
		return nil, &SchemaError{Field: "confidence", Problem: "required"}
	}
	conf := *d.Confidence
	if conf < 0 || conf > 1 {
		return nil, &SchemaError{Field: "confidence", Problem: "must be between 0 and 1"}
	}
	if d.Proximity != nil && (*d.Proximity < 0 || *d.Proximity > 1) {
		return nil, &SchemaError{Field: "proximity", Problem: "must be between 0 and 1"}
	}
	reasoning := strings.TrimSpace(d.Reasoning)
	if reasoning == "" {
		return nil, &SchemaError{Field: "reasoning", Problem: "required"}
	}

	switch d.Action {
	case oracle.ActionNewTask:
		return validateNewTask(d.NextTask, roster, reasoning, conf)
	case oracle.ActionEscalate:
		reason := strings.TrimSpace(d.EscalationReason)
		if reason == "" {
			reason = reasoning
		}
		return Escalate{
			GateType: models.GateManual,
			Reason:   reason,
			Context:  map[string]any{"source": "oracle", "confidence": conf},
		}, nil
	case oracle.ActionComplete:
		return Complete{Reasoning: reasoning, Confidence: conf}, nil
	case "":
		return nil, &SchemaError{Field: "action", Problem: "required"}
	default:
		return nil, &SchemaError{Field: "action", Problem: "unknown action " + quote(d.Action)}
	}
}

func validateNewTask(nt *oracle.NextTask, roster []models.AgentRole, reasoning string, conf float64) (Outcome, error) {
	if nt == nil {
		return nil, &SchemaError{Field: "next_task", Problem: "required for new_task"}
	}
	role := models.AgentRole(strings.TrimSpace(nt.Role))
	switch {
	case role == "":
		return nil, &SchemaError{Field: "next_task.role", Problem: "required"}
	case !role.Valid():
		return nil, &SchemaError{Field: "next_task.role", Problem: "unknown role " + quote(string(role))}
	case len(roster) > 0 && !containsRole(roster, role):
		return nil, &SchemaError{Field: "next_task.role", Problem: "role " + quote(string(role)) + " is not on the roster"}
	}
	desc := strings.TrimSpace(nt.Description)
	if desc == "" {
		return nil, &SchemaError{Field: "next_task.description", Problem: "required"}
	}
	if nt.Priority != nil && *nt.Priority < 0 {
		return nil, &SchemaError{Field: "next_task.priority", Problem: "must not be negative"}
	}
	typ := strings.TrimSpace(nt.Type)
	if typ == "" {
		typ = "task"
	}
	return NewTask{
		Role:        role,
		Type:        typ,
		Description: desc,
		Priority:    nt.Priority,
		Payload:     nt.Payload,
		Reasoning:   reasoning,
		Confidence:  conf,
	}, nil
}

func containsRole(roles []models.AgentRole, r models.AgentRole) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

func quote(s string) string { return "\"" + s + "\"" }
