package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/steward/internal/artifact"
	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/decision"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/internal/loopdetect"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/oracle"
	"github.com/ShayCichocki/steward/internal/protect"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/internal/timeout"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Config holds the thresholds and sizes of every component.
type Config struct {
	LoopWindow      int
	Timeouts        timeout.Config
	Collaboration   collab.Config
	HistorySize     int
	ConfidenceFloor float64
	OracleTimeout   time.Duration
	// StaleAfter expires routed help requests nobody resolved.
	StaleAfter time.Duration
	// SweepInterval is how often stale help requests are expired.
	SweepInterval time.Duration
	EventBuffer   int
	// DefaultRoles is the roster of projects created without one.
	DefaultRoles []models.AgentRole
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() Config {
	return Config{
		LoopWindow: loopdetect.DefaultWindow,
		Timeouts: timeout.Config{
			Tick:          timeout.DefaultTick,
			DefaultBudget: timeout.DefaultBudget,
			Budgets:       timeout.DefaultBudgets(),
		},
		Collaboration:   collab.DefaultConfig(),
		HistorySize:     decision.DefaultHistorySize,
		ConfidenceFloor: decision.DefaultConfidenceFloor,
		OracleTimeout:   decision.DefaultOracleTimeout,
		StaleAfter:      30 * time.Minute,
		SweepInterval:   time.Minute,
		EventBuffer:     256,
	}
}

// Store is the persistence the control plane needs. Implemented by state.DB.
type Store interface {
	state.ProjectStore
	state.TaskStore
	state.GateStore
	state.CollaborationStore
	Recover(ctx context.Context) (*state.Snapshot, error)
}

// Option configures a ControlPlane. Use With* functions to create Options.
type Option func(*options)

type options struct {
	store     Store
	oracle    oracle.Oracle
	artifacts artifact.Reader
	knowledge knowledge.Emitter
	expertise *collab.Table
	risk      *protect.Detector
	tracer    trace.TracerProvider
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// WithStore persists projects, tasks, gates and collaborations.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithOracle sets the reasoning oracle. Without one every decision
// escalates with a heuristic proximity estimate.
func WithOracle(orc oracle.Oracle) Option {
	return func(o *options) { o.oracle = orc }
}

// WithArtifacts sets the reader for task outputs.
func WithArtifacts(r artifact.Reader) Option {
	return func(o *options) { o.artifacts = r }
}

// WithKnowledge sets where learnings are emitted.
func WithKnowledge(e knowledge.Emitter) Option {
	return func(o *options) { o.knowledge = e }
}

// WithExpertise replaces the default category to role table.
func WithExpertise(t *collab.Table) Option {
	return func(o *options) { o.expertise = t }
}

// WithRiskScreen holds proposed tasks touching protected areas for review.
func WithRiskScreen(d *protect.Detector) Option {
	return func(o *options) { o.risk = d }
}

// WithTracerProvider records decision spans through tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
