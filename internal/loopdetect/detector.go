// Package loopdetect flags tasks whose agent keeps hitting the same failure.
package loopdetect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

// DefaultWindow is the number of identical failures that make a loop.
const DefaultWindow = 3

// Failure is one classified failure reported for a task.
type Failure struct {
	TaskID    string
	ProjectID string
	AgentID   string
	Role      models.AgentRole
	Signature models.FailureSignature
}

// Detection is the outcome of recording a failure.
type Detection struct {
	// Looping is true only on the failure that completes a loop. Further
	// identical failures in the same streak report false.
	Looping bool
	// External is true when the failure was excluded from the window.
	External bool
	// Reset is true when a changed failure restarted the window.
	Reset bool
	// GateID is the pending gate covering this task, if any.
	GateID string
	// GateCreated is true when this call raised GateID.
	GateCreated bool
}

// Stats is a point-in-time snapshot of the detector's counters.
type Stats struct {
	DetectionsByRole map[string]int64
	DetectionsByKind map[string]int64
	ExternalFailures int64
	DegradingResets  int64
	GatesRaised      int64
}

// taskLoop is the per-task state.
type taskLoop struct {
	window  []models.FailureSignature
	latched bool
	gateID  string
}

// Detector keeps a capped window of recent failure signatures per task.
type Detector struct {
	window int
	gates  gate.Sink

	mu    sync.Mutex
	tasks map[string]*taskLoop

	byRole   counterMap
	byKind   counterMap
	external atomic.Int64
	resets   atomic.Int64
	raised   atomic.Int64

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Detector. window < 1 uses DefaultWindow. gates may be nil,
// in which case detections are reported but no gate is raised.
func New(window int, gates gate.Sink, m *metrics.Metrics, logger *slog.Logger) *Detector {
	if window < 1 {
		window = DefaultWindow
	}
	return &Detector{
		window:  window,
		gates:   gates,
		tasks:   make(map[string]*taskLoop),
		metrics: m,
		logger:  logging.OrDiscard(logger),
	}
}

// Window returns the configured window size.
func (d *Detector) Window() int {
	return d.window
}

// RecordFailure adds a failure to the task's window and raises a
// loop_detected gate the first time the window fills with identical
// signatures.
func (d *Detector) RecordFailure(ctx context.Context, f Failure) (Detection, error) {
	sig := f.Signature
	if sig.Kind.IsExternal() {
		d.external.Add(1)
		d.metrics.ExternalFailure(string(sig.Kind))
		d.logger.Debug("external failure excluded from loop window",
			"task_id", f.TaskID, "kind", sig.Kind)
		return Detection{External: true}, nil
	}

	d.mu.Lock()
	st, ok := d.tasks[f.TaskID]
	if !ok {
		st = &taskLoop{window: make([]models.FailureSignature, 0, d.window)}
		d.tasks[f.TaskID] = st
	}

	var det Detection
	if n := len(st.window); n > 0 && !st.window[n-1].Identical(sig) {
		st.window = append(st.window[:0], sig)
		st.latched = false
		det.Reset = true
	} else {
		st.window = append(st.window, sig)
		if len(st.window) > d.window {
			copy(st.window, st.window[len(st.window)-d.window:])
			st.window = st.window[:d.window]
		}
	}

	fire := !st.latched && d.fullAndIdentical(st)
	if fire {
		st.latched = true
	}
	known := st.gateID
	d.mu.Unlock()

	if det.Reset {
		d.resets.Add(1)
		d.metrics.DegradingReset()
	}
	if !fire {
		if known != "" && d.gates != nil && d.gates.IsPending(known) {
			det.GateID = known
		}
		return det, nil
	}

	det.Looping = true
	d.byRole.add(string(f.Role))
	d.byKind.add(string(sig.Kind))
	d.metrics.LoopDetected(string(f.Role), string(sig.Kind))
	d.logger.Warn("loop detected",
		"task_id", f.TaskID, "agent_id", f.AgentID, "role", f.Role,
		"kind", sig.Kind, "hash", sig.Hash, "window", d.window)

	if d.gates == nil {
		return det, nil
	}
	if known != "" && d.gates.IsPending(known) {
		det.GateID = known
		return det, nil
	}
	if existing, ok := d.gates.PendingForTask(f.TaskID); ok {
		det.GateID = existing
		d.setGate(f.TaskID, existing)
		return det, nil
	}

	id, err := d.gates.CreateGate(ctx, models.GateRequest{
		Type:      models.GateLoopDetected,
		ProjectID: f.ProjectID,
		AgentID:   f.AgentID,
		TaskID:    f.TaskID,
		Reason:    fmt.Sprintf("%d identical %s failures", d.window, sig.Kind),
		Context: map[string]any{
			"kind":     string(sig.Kind),
			"location": sig.Location,
			"hash":     sig.Hash,
			"message":  sig.Message,
			"attempts": d.window,
			"role":     string(f.Role),
		},
	})
	if err != nil {
		return det, fmt.Errorf("raise loop gate for task %s: %w", f.TaskID, err)
	}
	d.raised.Add(1)
	d.setGate(f.TaskID, id)
	det.GateID = id
	det.GateCreated = true
	return det, nil
}

func (d *Detector) fullAndIdentical(st *taskLoop) bool {
	if len(st.window) < d.window {
		return false
	}
	first := st.window[0]
	for _, s := range st.window[1:] {
		if !first.Identical(s) {
			return false
		}
	}
	return true
}

func (d *Detector) setGate(taskID, gateID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.tasks[taskID]; ok {
		st.gateID = gateID
	}
}

// RecordSuccess clears the task's history. Progress resets the loop clock.
func (d *Detector) RecordSuccess(taskID string) {
	d.Reset(taskID)
}

// Reset clears the task's window and latch, e.g. after a human approves
// a loop gate.
func (d *Detector) Reset(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.tasks[taskID]; ok {
		st.window = st.window[:0]
		st.latched = false
		st.gateID = ""
	}
}

// Forget drops all state for a task.
func (d *Detector) Forget(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, taskID)
}

// IsLooping reports whether the window is full of identical signatures.
// It is a level, not an edge: it stays true for every further identical
// failure after detection, while RecordFailure reports Looping and raises
// the gate only once per streak. A differing signature, a success or Reset
// clears it.
func (d *Detector) IsLooping(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.tasks[taskID]
	return ok && d.fullAndIdentical(st)
}

// History returns a copy of the task's current window, oldest first.
func (d *Detector) History(taskID string) []models.FailureSignature {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.tasks[taskID]
	if !ok {
		return nil
	}
	return append([]models.FailureSignature(nil), st.window...)
}

// OpenGate returns the pending loop gate raised for the task, if any.
func (d *Detector) OpenGate(taskID string) (string, bool) {
	d.mu.Lock()
	st, ok := d.tasks[taskID]
	var id string
	if ok {
		id = st.gateID
	}
	d.mu.Unlock()

	if id == "" || d.gates == nil || !d.gates.IsPending(id) {
		return "", false
	}
	return id, true
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	return Stats{
		DetectionsByRole: d.byRole.snapshot(),
		DetectionsByKind: d.byKind.snapshot(),
		ExternalFailures: d.external.Load(),
		DegradingResets:  d.resets.Load(),
		GatesRaised:      d.raised.Load(),
	}
}

// counterMap is a set of named atomic counters.
type counterMap struct {
	m sync.Map // string -> *atomic.Int64
}

func (c *counterMap) add(key string) {
	v, _ := c.m.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (c *counterMap) snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
