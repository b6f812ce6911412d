package models

import "time"

// ProjectStatus represents the state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectComplete  ProjectStatus = "complete"
	ProjectEscalated ProjectStatus = "escalated"
)

// Project is the goal a set of tasks works towards.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// Goal is the stated objective used for reasoning and proximity.
	Goal string `json:"goal"`
	// Phase is a free-form label for the current stage (e.g. "design").
	Phase string `json:"phase"`
	// Roles lists the agent roles available to this project.
	Roles []AgentRole `json:"roles"`
	// Status is the current state of the project.
	Status ProjectStatus `json:"status"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the project was marked complete.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasRole reports whether the role is on the project's roster.
func (p *Project) HasRole(role AgentRole) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
