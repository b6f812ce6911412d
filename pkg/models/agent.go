package models

import "time"

// AgentState represents the lifecycle state of a running agent instance.
type AgentState string

const (
	// AgentInitializing is the initial state of a registered agent.
	AgentInitializing AgentState = "initializing"
	// AgentReady indicates the agent can accept a task.
	AgentReady AgentState = "ready"
	// AgentActive indicates the agent is working on a task.
	AgentActive AgentState = "active"
	// AgentPaused indicates the agent is waiting, usually on a gate.
	AgentPaused AgentState = "paused"
	// AgentStopped indicates the agent has stopped working.
	AgentStopped AgentState = "stopped"
	// AgentCleanedUp is terminal; resources have been released.
	AgentCleanedUp AgentState = "cleaned_up"
)

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	switch s {
	case AgentInitializing, AgentReady, AgentActive,
		AgentPaused, AgentStopped, AgentCleanedUp:
		return true
	default:
		return false
	}
}

// AgentRuntimeState is the control plane's view of one agent instance.
type AgentRuntimeState struct {
	// AgentID is the unique identifier for this agent instance.
	AgentID string `json:"agent_id"`
	// Role is the agent's specialisation.
	Role AgentRole `json:"role"`
	// State is the current lifecycle state.
	State AgentState `json:"state"`
	// TaskID is the task the agent is working on, if any.
	TaskID string `json:"task_id,omitempty"`
	// OpenHandles counts resources the agent holds open.
	OpenHandles int `json:"open_handles"`
	// MemoryBytes is the agent's estimated memory footprint.
	MemoryBytes int64 `json:"memory_bytes"`
	// GateID references the gate the agent is paused on.
	GateID string `json:"gate_id,omitempty"`
	// PauseReason explains why the agent is paused.
	PauseReason string `json:"pause_reason,omitempty"`
	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}
