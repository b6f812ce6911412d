package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/decision"
	"github.com/ShayCichocki/steward/internal/failure"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/internal/lifecycle"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/loopdetect"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/queue"
	"github.com/ShayCichocki/steward/internal/timeout"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	// ErrUnknownProject is returned for a project id that was never created.
	ErrUnknownProject = errors.New("unknown project")
	// ErrUnknownTask is returned for a task id the control plane does not track.
	ErrUnknownTask = errors.New("unknown task")
	// ErrProjectInactive is returned when work is submitted to a completed project.
	ErrProjectInactive = errors.New("project is not accepting work")
	// ErrNotAssigned is returned when an agent reports on a task it does not hold.
	ErrNotAssigned = errors.New("task is not assigned to this agent")
)

// persistTimeout bounds store writes made outside a caller's context.
const persistTimeout = 5 * time.Second

// failureStreak tracks consecutive failures of one task so a later success
// can be captured as a resolution.
type failureStreak struct {
	count int
	last  models.FailureSignature
}

// ControlPlane is the hub that sequences work across agents. It is safe for
// concurrent use.
type ControlPlane struct {
	cfg Config

	queue     *queue.Queue
	extractor *failure.Extractor
	loops     *loopdetect.Detector
	timeouts  *timeout.Monitor
	agents    *lifecycle.Manager
	gates     *gate.Manager
	router    *collab.Router
	engine    *decision.Engine
	store     Store
	knowledge knowledge.Emitter
	events    *EventEmitter
	dispatch  *PauseController
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	// ctx outlives individual calls; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	projects  map[string]*models.Project
	tasks     map[string]*models.Task
	cancelled map[string]string
	streaks   map[string]*failureStreak
	// escalations maps a pending decision gate to its project.
	escalations map[string]string
	workers     map[string]*worker
	closed      bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a ControlPlane and every component it owns.
func New(cfg Config, opts ...Option) *ControlPlane {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDiscard(o.logger)
	now := o.now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	cp := &ControlPlane{
		cfg:         cfg,
		queue:       queue.New(),
		extractor:   failure.NewExtractor(),
		store:       o.store,
		knowledge:   o.knowledge,
		events:      NewEventEmitter(cfg.EventBuffer, o.metrics, logger),
		dispatch:    NewPauseController(logger),
		metrics:     o.metrics,
		logger:      logger,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		projects:    make(map[string]*models.Project),
		tasks:       make(map[string]*models.Task),
		cancelled:   make(map[string]string),
		streaks:     make(map[string]*failureStreak),
		escalations: make(map[string]string),
		workers:     make(map[string]*worker),
	}

	gateOpts := []gate.Option{
		gate.WithMetrics(o.metrics),
		gate.WithLogger(logger.With("component", "gate")),
		gate.WithClock(now),
	}
	if o.store != nil {
		gateOpts = append(gateOpts, gate.WithStore(o.store))
	}
	cp.gates = gate.NewManager(gateOpts...)
	cp.agents = lifecycle.NewManager(o.metrics, logger.With("component", "lifecycle"))
	cp.loops = loopdetect.New(cfg.LoopWindow, cp.gates, o.metrics, logger.With("component", "loopdetect"))

	cp.timeouts = timeout.New(cfg.Timeouts, cp.gates, o.metrics, logger.With("component", "timeout"))
	cp.timeouts.SetClock(now)
	cp.timeouts.OnExpire(cp.onTimeout)

	routerOpts := []collab.Option{
		collab.WithConfig(cfg.Collaboration),
		collab.WithMetrics(o.metrics),
		collab.WithLogger(logger.With("component", "collab")),
		collab.WithClock(now),
	}
	if o.expertise != nil {
		routerOpts = append(routerOpts, collab.WithTable(o.expertise))
	}
	if o.store != nil {
		routerOpts = append(routerOpts, collab.WithStore(o.store))
	}
	if o.knowledge != nil {
		routerOpts = append(routerOpts, collab.WithKnowledge(o.knowledge))
	}
	cp.router = collab.NewRouter(cp.agents, cp.gates, routerOpts...)

	engineOpts := []decision.Option{
		decision.WithLoopSignals(cp.loops),
		decision.WithTimeoutSignals(cp.timeouts),
		decision.WithProjects(cp),
		decision.WithCancellation(cp.IsCancelled),
		decision.WithHistorySize(cfg.HistorySize),
		decision.WithConfidenceFloor(cfg.ConfidenceFloor),
		decision.WithOracleTimeout(cfg.OracleTimeout),
		decision.WithMetrics(o.metrics),
		decision.WithLogger(logger.With("component", "decision")),
		decision.WithClock(now),
	}
	if o.artifacts != nil {
		engineOpts = append(engineOpts, decision.WithArtifacts(o.artifacts))
	}
	if o.risk != nil {
		engineOpts = append(engineOpts, decision.WithRiskScreen(o.risk))
	}
	if o.tracer != nil {
		engineOpts = append(engineOpts, decision.WithTracer(o.tracer.Tracer(decision.TracerName)))
	}
	cp.engine = decision.New(o.oracle, cp.gates, followUps{cp}, engineOpts...)

	cp.gates.Subscribe(cp.onGateResolved)
	return cp
}

// Gates exposes the gate manager, e.g. for an inbox or API.
func (cp *ControlPlane) Gates() *gate.Manager { return cp.gates }

// Agents exposes the agent lifecycle manager.
func (cp *ControlPlane) Agents() *lifecycle.Manager { return cp.agents }

// Router exposes the collaboration router.
func (cp *ControlPlane) Router() *collab.Router { return cp.router }

// Loops exposes the loop detector.
func (cp *ControlPlane) Loops() *loopdetect.Detector { return cp.loops }

// Events returns the event stream. Events are dropped when the reader
// falls behind.
func (cp *ControlPlane) Events() <-chan Event { return cp.events.Events() }

// DroppedEvents returns how many events were dropped.
func (cp *ControlPlane) DroppedEvents() uint64 { return cp.events.DroppedCount() }

// PauseDispatch stops handing out tasks and holds queued decisions.
func (cp *ControlPlane) PauseDispatch() { cp.dispatch.Pause() }

// ResumeDispatch undoes PauseDispatch.
func (cp *ControlPlane) ResumeDispatch() { cp.dispatch.Resume() }

// Run drives the timeout ticker and the stale help request sweep until ctx
// is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cp.timeouts.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cp.sweep(gctx)
		return nil
	})
	return g.Wait()
}

func (cp *ControlPlane) sweep(ctx context.Context) {
	interval := cp.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cp.cfg.StaleAfter > 0 {
				if expired := cp.router.ExpireStale(ctx, cp.cfg.StaleAfter); len(expired) > 0 {
					cp.logger.Info("expired stale help requests", "count", len(expired))
				}
			}
			cp.metrics.SetQueueDepth(cp.queue.Len())
		}
	}
}

// Close stops the workers after they finish the decisions already queued.
func (cp *ControlPlane) Close() error {
	cp.closeOnce.Do(func() {
		cp.dispatch.Stop()

		cp.mu.Lock()
		cp.closed = true
		for _, w := range cp.workers {
			w.stop()
		}
		cp.mu.Unlock()

		cp.wg.Wait()
		cp.cancel()
		cp.events.Close()
	})
	return nil
}

// CreateProject registers a project. An empty roles list falls back to the
// configured roster, or every role when none is configured.
func (cp *ControlPlane) CreateProject(ctx context.Context, goal, phase string, roles []models.AgentRole) (*models.Project, error) {
	if goal == "" {
		return nil, fmt.Errorf("%w: project goal is required", models.ErrValidation)
	}
	for _, r := range roles {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", models.ErrValidation, r)
		}
	}
	if len(roles) == 0 {
		roles = cp.cfg.DefaultRoles
	}
	if len(roles) == 0 {
		roles = models.AllRoles
	}
	roles = append([]models.AgentRole(nil), roles...)

	p := &models.Project{
		ID:        uuid.NewString(),
		Goal:      goal,
		Phase:     phase,
		Roles:     roles,
		Status:    models.ProjectActive,
		CreatedAt: cp.now().UTC(),
	}
	if cp.store != nil {
		if err := cp.store.SaveProject(ctx, p); err != nil {
			return nil, fmt.Errorf("save project: %w", err)
		}
	}

	cp.mu.Lock()
	cp.projects[p.ID] = p
	cp.mu.Unlock()

	cp.logger.Info("project created", "project_id", p.ID, "phase", phase, "roles", len(roles))
	cp.emit(Event{Type: EventProjectCreated, ProjectID: p.ID, Message: goal})
	return cloneProject(p), nil
}

// CompleteProject marks a project done. Queued tasks of the project are no
// longer dispatched.
func (cp *ControlPlane) CompleteProject(ctx context.Context, projectID string) error {
	return cp.setProjectStatus(ctx, projectID, models.ProjectComplete)
}

func (cp *ControlPlane) setProjectStatus(ctx context.Context, projectID string, status models.ProjectStatus) error {
	cp.mu.Lock()
	p, ok := cp.projects[projectID]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	if p.Status == status || p.Status == models.ProjectComplete {
		cp.mu.Unlock()
		return nil
	}
	p.Status = status
	if status == models.ProjectComplete {
		at := cp.now().UTC()
		p.CompletedAt = &at
	}
	snapshot := cloneProject(p)
	cp.mu.Unlock()

	if cp.store != nil {
		if err := cp.store.SaveProject(ctx, snapshot); err != nil {
			return fmt.Errorf("save project: %w", err)
		}
	}
	cp.logger.Info("project status changed", "project_id", projectID, "status", status)
	if status == models.ProjectComplete {
		cp.emit(Event{Type: EventProjectCompleted, ProjectID: projectID})
	}
	return nil
}

// Project returns a copy of a project.
func (cp *ControlPlane) Project(id string) (*models.Project, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	p, ok := cp.projects[id]
	if !ok {
		return nil, false
	}
	return cloneProject(p), true
}

// Projects returns copies of every project in no particular order.
func (cp *ControlPlane) Projects() []*models.Project {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make([]*models.Project, 0, len(cp.projects))
	for _, p := range cp.projects {
		out = append(out, cloneProject(p))
	}
	return out
}

// IsCancelled reports whether a task was cancelled by a denied gate.
func (cp *ControlPlane) IsCancelled(taskID string) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	_, ok := cp.cancelled[taskID]
	return ok
}

func (cp *ControlPlane) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = cp.now().UTC()
	}
	cp.events.Emit(e)
}

// persistTask writes a task snapshot. Failures are logged; in-memory state
// stays authoritative.
func (cp *ControlPlane) persistTask(ctx context.Context, t *models.Task) {
	if cp.store == nil {
		return
	}
	if err := cp.store.SaveTask(ctx, t); err != nil {
		cp.logger.Error("persist task", "task_id", t.ID, "project_id", t.ProjectID, "error", err)
	}
}

// background returns a bounded context for work triggered by callbacks that
// carry no context of their own.
func (cp *ControlPlane) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(cp.ctx, persistTimeout)
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.Roles = append([]models.AgentRole(nil), p.Roles...)
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
