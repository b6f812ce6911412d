package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/pkg/models"
)

// ProjectStore handles project persistence.
type ProjectStore interface {
	SaveProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context, status *models.ProjectStatus) ([]models.Project, error)
}

// TaskStore handles task persistence.
type TaskStore interface {
	SaveTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, projectID string, status *models.TaskStatus) ([]models.Task, error)
}

// GateStore handles gate persistence.
type GateStore interface {
	gate.Store
	GetGate(ctx context.Context, id string) (*models.Gate, error)
	ListGates(ctx context.Context, projectID string, status *models.GateStatus) ([]models.Gate, error)
}

// CollaborationStore handles help request and exchange persistence.
type CollaborationStore interface {
	collab.Store
	GetCollaboration(ctx context.Context, id string) (*models.CollaborationRequest, error)
	ListCollaborations(ctx context.Context, projectID string) ([]models.CollaborationRequest, error)
	ListExchanges(ctx context.Context, requestID string) ([]models.Exchange, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is everything the control plane persists.
type StateStore interface {
	io.Closer
	Migrator
	ProjectStore
	TaskStore
	GateStore
	CollaborationStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore   = (*DB)(nil)
	_ gate.Store   = (*DB)(nil)
	_ collab.Store = (*DB)(nil)
)
