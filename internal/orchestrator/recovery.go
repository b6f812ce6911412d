package orchestrator

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// RecoveryReport summarises what Restore brought back.
type RecoveryReport struct {
	Projects int
	Queued   int
	Held     int
	Gates    int
}

// Restore reloads unfinished work from the store. Agents do not survive a
// restart, so tasks that were running go back to the queue; tasks held on a
// still pending gate stay blocked until the gate is resolved.
func (cp *ControlPlane) Restore(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if cp.store == nil {
		return rep, nil
	}
	snap, err := cp.store.Recover(ctx)
	if err != nil {
		return rep, fmt.Errorf("recover state: %w", err)
	}

	cp.gates.Restore(snap.Gates)
	rep.Gates = len(snap.Gates)
	held := make(map[string]bool)
	gatesByProject := make(map[string][]string)
	for _, g := range snap.Gates {
		if g.TaskID != "" {
			held[g.TaskID] = true
		}
		gatesByProject[g.ProjectID] = append(gatesByProject[g.ProjectID], g.ID)
	}

	var dirty []*models.Task
	var reopened []string
	now := cp.now().UTC()

	cp.mu.Lock()
	for i := range snap.Projects {
		p := snap.Projects[i]
		cp.projects[p.ID] = &p
		if p.Status == models.ProjectEscalated {
			ids := gatesByProject[p.ID]
			for _, id := range ids {
				cp.escalations[id] = p.ID
			}
			if len(ids) == 0 {
				reopened = append(reopened, p.ID)
			}
		}
	}
	rep.Projects = len(snap.Projects)

	for i := range snap.Tasks {
		t := snap.Tasks[i].Clone()
		cp.tasks[t.ID] = t

		switch {
		case t.Status == models.TaskStatusBlocked && held[t.ID]:
			t.AssignedTo = ""
			dirty = append(dirty, t.Clone())
			rep.Held++
			continue
		case t.Status != models.TaskStatusPending:
			if err := t.SetStatus(models.TaskStatusPending, now); err != nil {
				cp.logger.Error("reset recovered task", "task_id", t.ID, "status", t.Status, "error", err)
				continue
			}
			t.AssignedTo = ""
			t.SetMetadata("recovered", true)
			dirty = append(dirty, t.Clone())
		}
		if err := cp.queue.Enqueue(t.Clone()); err != nil {
			cp.logger.Error("requeue recovered task", "task_id", t.ID, "error", err)
			continue
		}
		rep.Queued++
	}
	cp.mu.Unlock()

	for _, t := range dirty {
		cp.persistTask(ctx, t)
	}
	for _, id := range reopened {
		if err := cp.setProjectStatus(ctx, id, models.ProjectActive); err != nil {
			cp.logger.Error("reopen recovered project", "project_id", id, "error", err)
		}
	}
	cp.metrics.SetQueueDepth(cp.queue.Len())
	cp.logger.Info("state recovered",
		"projects", rep.Projects, "queued", rep.Queued, "held", rep.Held, "gates", rep.Gates)
	return rep, nil
}
