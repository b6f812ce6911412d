package orchestrator

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
)

// EventEmitter fans control plane events out to one buffered channel.
// Emit never blocks; when the buffer is full the event is dropped and
// counted.
type EventEmitter struct {
	mu           sync.RWMutex
	events       chan Event
	closed       bool
	droppedCount atomic.Uint64
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, m *metrics.Metrics, logger *slog.Logger) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &EventEmitter{
		events:  make(chan Event, bufferSize),
		metrics: m,
		logger:  logging.OrDiscard(logger),
	}
}

// Emit sends an event, dropping it if nobody is keeping up.
func (e *EventEmitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
	default:
		count := e.droppedCount.Add(1)
		e.metrics.EventDropped()
		if count%10 == 1 {
			e.logger.Warn("event channel full, dropping event",
				"type", event.Type, "task_id", event.TaskID, "dropped", count)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Later Emit calls are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
