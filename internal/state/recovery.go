package state

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Snapshot is the durable state needed to resume after a restart.
type Snapshot struct {
	Projects []models.Project
	// Tasks holds every non-terminal task of the unfinished projects.
	Tasks []models.Task
	Gates []*models.Gate
}

// Recover loads unfinished projects, their unfinished tasks and every
// pending gate.
func (db *DB) Recover(ctx context.Context) (*Snapshot, error) {
	projects, err := db.ListProjects(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recover projects: %w", err)
	}

	snap := &Snapshot{}
	for _, p := range projects {
		if p.Status == models.ProjectComplete {
			continue
		}
		snap.Projects = append(snap.Projects, p)
		tasks, err := db.ListTasks(ctx, p.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("recover tasks for %s: %w", p.ID, err)
		}
		for _, t := range tasks {
			if !t.Status.IsTerminal() {
				snap.Tasks = append(snap.Tasks, t)
			}
		}
	}

	pending := models.GatePending
	gates, err := db.ListGates(ctx, "", &pending)
	if err != nil {
		return nil, fmt.Errorf("recover gates: %w", err)
	}
	for i := range gates {
		snap.Gates = append(snap.Gates, &gates[i])
	}
	return snap, nil
}
