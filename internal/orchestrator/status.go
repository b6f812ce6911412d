package orchestrator

import (
	"sort"
	"time"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/loopdetect"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Status is a point-in-time view of the control plane.
type Status struct {
	Projects      map[models.ProjectStatus]int `json:"projects"`
	Tasks         map[models.TaskStatus]int    `json:"tasks"`
	Agents        map[models.AgentState]int    `json:"agents"`
	QueueDepth    int                          `json:"queue_depth"`
	Monitored     int                          `json:"monitored"`
	PendingGates  []models.Gate                `json:"pending_gates"`
	Loops         loopdetect.Stats             `json:"loops"`
	Collaboration collab.Metrics               `json:"collaboration"`
	DroppedEvents uint64                       `json:"dropped_events"`
	DispatchPause bool                         `json:"dispatch_paused"`
	GeneratedAt   time.Time                    `json:"generated_at"`
}

// Status collects counters from every component. Collaboration metrics
// cover the last day.
func (cp *ControlPlane) Status() Status {
	now := cp.now().UTC()
	st := Status{
		Projects:      make(map[models.ProjectStatus]int),
		Tasks:         make(map[models.TaskStatus]int),
		Agents:        make(map[models.AgentState]int),
		QueueDepth:    cp.queue.Len(),
		Monitored:     cp.timeouts.Len(),
		PendingGates:  cp.gates.Pending(""),
		Loops:         cp.loops.Stats(),
		Collaboration: cp.router.GetMetrics(now.Add(-24*time.Hour), now.Add(time.Second)),
		DroppedEvents: cp.events.DroppedCount(),
		DispatchPause: cp.dispatch.IsPaused(),
		GeneratedAt:   now,
	}

	cp.mu.RLock()
	for _, p := range cp.projects {
		st.Projects[p.Status]++
	}
	for _, t := range cp.tasks {
		st.Tasks[t.Status]++
	}
	cp.mu.RUnlock()

	for _, a := range cp.agents.List() {
		st.Agents[a.State]++
	}
	sort.Slice(st.PendingGates, func(i, j int) bool {
		return st.PendingGates[i].CreatedAt.Before(st.PendingGates[j].CreatedAt)
	})
	return st
}
