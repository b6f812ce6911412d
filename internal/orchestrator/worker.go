package orchestrator

import (
	"errors"
	"sync"

	"github.com/ShayCichocki/steward/internal/decision"
	"github.com/ShayCichocki/steward/pkg/models"
)

// worker runs decisions for one project in report order. Its backlog is
// unbounded so reporting a result never blocks on a slow oracle.
type worker struct {
	projectID string

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []string
	stopped bool
}

func newWorker(projectID string) *worker {
	w := &worker{projectID: projectID}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) push(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.backlog = append(w.backlog, taskID)
	w.cond.Signal()
	return true
}

// next blocks until a task is queued. It reports false once the worker is
// stopped and drained.
func (w *worker) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.backlog) == 0 && !w.stopped {
		w.cond.Wait()
	}
	if len(w.backlog) == 0 {
		return "", false
	}
	id := w.backlog[0]
	w.backlog = w.backlog[1:]
	return id, true
}

func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cond.Broadcast()
}

// scheduleDecision hands a finished task to its project's worker, starting
// the worker on first use.
func (cp *ControlPlane) scheduleDecision(projectID, taskID string) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		cp.logger.Warn("control plane closed, decision skipped", "project_id", projectID, "task_id", taskID)
		return
	}
	w, ok := cp.workers[projectID]
	if !ok {
		w = newWorker(projectID)
		cp.workers[projectID] = w
		cp.wg.Add(1)
		go cp.runWorker(w)
	}
	cp.mu.Unlock()
	w.push(taskID)
}

func (cp *ControlPlane) runWorker(w *worker) {
	defer cp.wg.Done()
	for {
		taskID, ok := w.next()
		if !ok {
			return
		}
		if err := cp.dispatch.WaitIfPaused(cp.ctx); err != nil && !errors.Is(err, errStopped) {
			return
		}
		cp.decide(w.projectID, taskID)
	}
}

func (cp *ControlPlane) decide(projectID, taskID string) {
	log := cp.logger.With("project_id", projectID, "task_id", taskID)

	cp.mu.RLock()
	p, pok := cp.projects[projectID]
	t, tok := cp.tasks[taskID]
	var in decision.Input
	if pok && tok {
		in = decision.Input{Project: cloneProject(p), Task: t.Clone()}
	}
	cp.mu.RUnlock()
	if !pok || !tok {
		log.Error("decision for untracked task skipped")
		return
	}
	if in.Project.Status == models.ProjectComplete {
		log.Info("project already complete, decision skipped")
		return
	}

	res, err := cp.engine.Decide(cp.ctx, in)
	if err != nil {
		log.Error("decision failed", "error", err)
		cp.emit(Event{Type: EventDecision, ProjectID: projectID, TaskID: taskID, Error: err})
		return
	}
	if res.Discarded {
		cp.emit(Event{Type: EventResultDiscarded, ProjectID: projectID, TaskID: taskID, Message: "task cancelled before decision"})
		return
	}

	ev := Event{
		Type:      EventDecision,
		ProjectID: projectID,
		TaskID:    taskID,
		GateID:    res.GateID,
		Message:   string(res.Outcome.Kind()),
	}
	if res.Enqueued != nil {
		ev.Message += " " + res.Enqueued.ID
	}
	cp.emit(ev)

	if res.Outcome.Kind() == decision.KindEscalate && res.GateID != "" && cp.gates.IsPending(res.GateID) {
		cp.mu.Lock()
		cp.escalations[res.GateID] = projectID
		cp.mu.Unlock()

		ctx, cancel := cp.background()
		defer cancel()
		if err := cp.setProjectStatus(ctx, projectID, models.ProjectEscalated); err != nil {
			log.Error("mark project escalated", "error", err)
		}
	}
}
