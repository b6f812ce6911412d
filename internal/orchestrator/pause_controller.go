package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ShayCichocki/steward/internal/logging"
)

// errStopped is returned by WaitIfPaused once the controller is stopped.
var errStopped = errors.New("control plane stopped")

// PauseController holds back dispatch and decisions while an operator has
// paused the control plane. Results are still accepted while paused.
type PauseController struct {
	mu sync.Mutex
	// resume is non-nil while paused and closed by Resume.
	resume chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewPauseController creates a running (not paused) controller.
func NewPauseController(logger *slog.Logger) *PauseController {
	return &PauseController{
		stop:   make(chan struct{}),
		logger: logging.OrDiscard(logger),
	}
}

// Pause holds dispatch. Claim returns nothing and queued decisions wait.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resume == nil {
		p.resume = make(chan struct{})
		p.logger.Info("dispatch paused")
	}
}

// Resume releases dispatch after a pause.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resume != nil {
		close(p.resume)
		p.resume = nil
		p.logger.Info("dispatch resumed")
	}
}

// Stop releases every waiter for good.
func (p *PauseController) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// IsPaused returns whether dispatch is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resume != nil
}

// IsStopped returns whether Stop has been called.
func (p *PauseController) IsStopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// WaitIfPaused blocks while dispatch is paused. It returns errStopped once
// the controller is stopped and ctx.Err() if ctx ends first.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	if p.IsStopped() {
		return errStopped
	}
	p.mu.Lock()
	resume := p.resume
	p.mu.Unlock()
	if resume == nil {
		return nil
	}

	select {
	case <-resume:
		return nil
	case <-p.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
