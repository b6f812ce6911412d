package models

import "time"

// GateType classifies why a gate was raised.
type GateType string

const (
	GateLoopDetected          GateType = "loop_detected"
	GateTimeout               GateType = "timeout"
	GateHighRisk              GateType = "high_risk"
	GateCollaborationDeadlock GateType = "collaboration_deadlock"
	GateManual                GateType = "manual"
)

// Valid returns true if the type is a known value.
func (t GateType) Valid() bool {
	switch t {
	case GateLoopDetected, GateTimeout, GateHighRisk, GateCollaborationDeadlock, GateManual:
		return true
	default:
		return false
	}
}

// GateStatus is the resolution state of a gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateDenied   GateStatus = "denied"
)

// Gate is a pending request for human approval that pauses automated action.
type Gate struct {
	ID         string         `json:"id"`
	Type       GateType       `json:"type"`
	ProjectID  string         `json:"project_id"`
	AgentID    string         `json:"agent_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Reason     string         `json:"reason"`
	Context    map[string]any `json:"context,omitempty"`
	Status     GateStatus     `json:"status"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	Feedback   string         `json:"feedback,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// IsPending reports whether the gate still awaits a human.
func (g *Gate) IsPending() bool {
	return g.Status == GatePending
}

// GateRequest is the input for raising a gate.
type GateRequest struct {
	Type      GateType
	ProjectID string
	AgentID   string
	TaskID    string
	Reason    string
	Context   map[string]any
}
