package models

import "time"

// CollaborationCategory is the closed set of help request categories.
type CollaborationCategory string

const (
	CategoryModelData      CollaborationCategory = "model_data"
	CategorySecurity       CollaborationCategory = "security"
	CategoryAPI            CollaborationCategory = "api"
	CategoryDebugging      CollaborationCategory = "debugging"
	CategoryRequirements   CollaborationCategory = "requirements"
	CategoryInfrastructure CollaborationCategory = "infrastructure"
)

// Valid returns true if the category is a known value.
func (c CollaborationCategory) Valid() bool {
	switch c {
	case CategoryModelData, CategorySecurity, CategoryAPI,
		CategoryDebugging, CategoryRequirements, CategoryInfrastructure:
		return true
	default:
		return false
	}
}

// Urgency expresses how quickly a help request needs an answer.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid returns true if the urgency is a known value.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	default:
		return false
	}
}

// CollaborationStatus is the lifecycle of a help request.
type CollaborationStatus string

const (
	CollabPending   CollaborationStatus = "pending"
	CollabRouted    CollaborationStatus = "routed"
	CollabResponded CollaborationStatus = "responded"
	CollabResolved  CollaborationStatus = "resolved"
	CollabFailed    CollaborationStatus = "failed"
	CollabTimeout   CollaborationStatus = "timeout"
)

// IsFinal reports whether the request has reached an end state.
func (s CollaborationStatus) IsFinal() bool {
	return s == CollabResolved || s == CollabFailed || s == CollabTimeout
}

// CollaborationRequest is a structured help request from one agent.
type CollaborationRequest struct {
	ID             string                `json:"id"`
	ProjectID      string                `json:"project_id"`
	RequesterID    string                `json:"requester_id"`
	RequesterRole  AgentRole             `json:"requester_role"`
	Question       string                `json:"question"`
	Context        string                `json:"context,omitempty"`
	Category       CollaborationCategory `json:"category"`
	Urgency        Urgency               `json:"urgency"`
	Status         CollaborationStatus   `json:"status"`
	SpecialistRole AgentRole             `json:"specialist_role,omitempty"`
	SpecialistID   string                `json:"specialist_id,omitempty"`
	Confidence     float64               `json:"confidence"`
	Answer         string                `json:"answer,omitempty"`
	GateID         string                `json:"gate_id,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	RespondedAt    *time.Time            `json:"responded_at,omitempty"`
	ResolvedAt     *time.Time            `json:"resolved_at,omitempty"`
}

// Exchange is one tracked question between two agents.
type Exchange struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	ProjectID   string     `json:"project_id"`
	FromAgent   string     `json:"from_agent"`
	ToAgent     string     `json:"to_agent"`
	Question    string     `json:"question"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Success     bool       `json:"success"`
}
