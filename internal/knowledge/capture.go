package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
)

// DefaultBuffer is the number of records held while sinks catch up.
const DefaultBuffer = 256

// Sink receives captured records.
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

// Emitter is the narrow interface producers depend on.
type Emitter interface {
	Emit(r Record) bool
}

// Capturer buffers records and fans them out to sinks on its own goroutine.
type Capturer struct {
	sinks   []Sink
	records chan Record
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	dropped atomic.Int64
	written atomic.Int64
	running atomic.Bool

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

var _ Emitter = (*Capturer)(nil)

// NewCapturer creates a Capturer. A buffer of zero or less uses DefaultBuffer.
func NewCapturer(buffer int, m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Capturer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Capturer{
		sinks:   sinks,
		records: make(chan Record, buffer),
		metrics: m,
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Emit queues a record without blocking. It reports false when the record
// was dropped because the buffer is full or the capturer is closed.
func (c *Capturer) Emit(r Record) bool {
	r.Stamp(c.now())

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.drop(r, "closed")
		return false
	}
	select {
	case c.records <- r:
		return true
	default:
		c.drop(r, "buffer full")
		return false
	}
}

func (c *Capturer) drop(r Record, reason string) {
	c.dropped.Add(1)
	c.metrics.KnowledgeDropped()
	c.logger.Debug("knowledge record dropped", "kind", r.Kind, "project_id", r.ProjectID, "reason", reason)
}

// Run writes queued records to every sink until ctx is cancelled or Close
// is called. Records still buffered at that point are flushed.
func (c *Capturer) Run(ctx context.Context) {
	c.running.Store(true)
	defer close(c.done)
	for {
		select {
		case r, ok := <-c.records:
			if !ok {
				return
			}
			c.write(ctx, r)
		case <-ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *Capturer) flush() {
	// Sinks get a fresh context; the run context is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case r, ok := <-c.records:
			if !ok {
				return
			}
			c.write(ctx, r)
		default:
			return
		}
	}
}

func (c *Capturer) write(ctx context.Context, r Record) {
	var errs []error
	for _, s := range c.sinks {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("knowledge sink write failed", "kind", r.Kind, "project_id", r.ProjectID, "error", err)
		return
	}
	c.written.Add(1)
}

// Close stops accepting records, waits for Run to drain the buffer when it
// is running, and closes every sink.
func (c *Capturer) Close(ctx context.Context) error {
	var errs []error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.records)
		c.mu.Unlock()

		if c.running.Load() {
			select {
			case <-c.done:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
		}
		for _, s := range c.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Dropped returns the number of records dropped so far.
func (c *Capturer) Dropped() int64 { return c.dropped.Load() }

// Written returns the number of records every sink accepted.
func (c *Capturer) Written() int64 { return c.written.Load() }
