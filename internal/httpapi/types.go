package httpapi

import (
	"time"

	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type createProjectRequest struct {
	Goal  string             `json:"goal" binding:"required"`
	Phase string             `json:"phase"`
	Roles []models.AgentRole `json:"roles"`
}

type submitTaskRequest struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id" binding:"required"`
	Type        string           `json:"type"`
	Description string           `json:"description" binding:"required"`
	Role        models.AgentRole `json:"role"`
	Priority    int              `json:"priority" binding:"min=0"`
	Payload     map[string]any   `json:"payload"`
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

type registerAgentRequest struct {
	AgentID string           `json:"agent_id" binding:"required"`
	Role    models.AgentRole `json:"role" binding:"required"`
}

type attemptRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Message string `json:"message" binding:"required"`
	Trace   string `json:"trace"`
}

type attemptResponse struct {
	Looping  bool   `json:"looping"`
	External bool   `json:"external"`
	Reset    bool   `json:"reset"`
	GateID   string `json:"gate_id,omitempty"`
}

type resultRequest struct {
	AgentID   string   `json:"agent_id" binding:"required"`
	Success   bool     `json:"success"`
	Steps     []string `json:"steps"`
	Artifacts []string `json:"artifacts"`
	Error     string   `json:"error"`
	Trace     string   `json:"trace"`
}

type helpRequest struct {
	ProjectID   string                       `json:"project_id" binding:"required"`
	RequesterID string                       `json:"requester_id" binding:"required"`
	Role        models.AgentRole             `json:"requester_role"`
	Question    string                       `json:"question" binding:"required"`
	Context     string                       `json:"context"`
	Category    models.CollaborationCategory `json:"category" binding:"required"`
	Urgency     models.Urgency               `json:"urgency"`
}

type helpResponse struct {
	RequestID      string                     `json:"request_id"`
	Status         models.CollaborationStatus `json:"status"`
	SpecialistRole models.AgentRole           `json:"specialist_role,omitempty"`
	SpecialistID   string                     `json:"specialist_id,omitempty"`
	Confidence     float64                    `json:"confidence"`
	Justification  string                     `json:"justification,omitempty"`
	Fallback       bool                       `json:"fallback"`
	GateID         string                     `json:"gate_id,omitempty"`
	Looping        bool                       `json:"looping"`
	CycleCount     int                        `json:"cycle_count"`
	DeadlockGateID string                     `json:"deadlock_gate_id,omitempty"`
}

func newHelpResponse(r *orchestrator.HelpResult) helpResponse {
	return helpResponse{
		RequestID:      r.RequestID,
		Status:         r.Status,
		SpecialistRole: r.SpecialistRole,
		SpecialistID:   r.SpecialistID,
		Confidence:     r.Confidence,
		Justification:  r.Justification,
		Fallback:       r.Fallback,
		GateID:         r.GateID,
		Looping:        r.Loop.Looping,
		CycleCount:     r.Loop.CycleCount,
		DeadlockGateID: r.DeadlockGateID,
	}
}

type respondRequest struct {
	Answer string `json:"answer" binding:"required"`
}

type resolveHelpRequest struct {
	Success bool   `json:"success"`
	Summary string `json:"summary"`
}

type resolveGateRequest struct {
	Approved   *bool  `json:"approved" binding:"required"`
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Feedback   string `json:"feedback"`
}

// StreamEvent is the wire form of an orchestrator.Event.
type StreamEvent struct {
	Type      orchestrator.EventType `json:"type"`
	ProjectID string                 `json:"project_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	GateID    string                 `json:"gate_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newStreamEvent(e orchestrator.Event) StreamEvent {
	out := StreamEvent{
		Type:      e.Type,
		ProjectID: e.ProjectID,
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		GateID:    e.GateID,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if e.Error != nil {
		out.Error = e.Error.Error()
	}
	return out
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}
