// Package decision turns a finished task into the project's next step: a
// follow-up task, an escalation to a human, or completion.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/steward/internal/artifact"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/oracle"
	"github.com/ShayCichocki/steward/internal/protect"
	"github.com/ShayCichocki/steward/pkg/models"
)

const (
	// DefaultOracleTimeout bounds one oracle call.
	DefaultOracleTimeout = 60 * time.Second
	// DefaultConfidenceFloor is the lowest confidence acted on unattended.
	DefaultConfidenceFloor = 0.5
	// maxArtifacts caps how many declared outputs are read per decision.
	maxArtifacts = 10
)

// Queue accepts follow-up tasks.
type Queue interface {
	Enqueue(task *models.Task) error
}

// LoopSignals is the loop detector as seen by the engine.
type LoopSignals interface {
	IsLooping(taskID string) bool
	OpenGate(taskID string) (string, bool)
}

// TimeoutSignals is the timeout monitor as seen by the engine.
type TimeoutSignals interface {
	Remaining(taskID string) (time.Duration, bool)
	Elapsed(taskID string) (time.Duration, bool)
}

// ProjectCompleter marks a project as done.
type ProjectCompleter interface {
	CompleteProject(ctx context.Context, projectID string) error
}

// Input is one finished task to decide on.
type Input struct {
	Project *models.Project
	Task    *models.Task
	// Roster overrides Project.Roles as the roles a new task may target.
	Roster []models.AgentRole
}

// Signals are the loop and timeout observations gathered alongside the
// oracle call.
type Signals struct {
	Looping     bool
	LoopGateID  string
	Overdue     bool
	Elapsed     time.Duration
	PendingGate string
	// ArtifactsUnavailable lists declared outputs the artifact store failed
	// to serve twice in a row.
	ArtifactsUnavailable []string
}

// Result is what the engine decided and did.
type Result struct {
	Outcome Outcome
	// Discarded is set for tasks cancelled before the decision ran.
	Discarded bool
	GateID    string
	Enqueued  *models.Task
	Completed bool
	// Fallback is set when the oracle could not be reached.
	Fallback  bool
	Proximity float64
	Signals   Signals
	// SchemaErr holds the validation failure that forced an escalation.
	SchemaErr error
}

// Option configures an Engine.
type Option func(*Engine)

// WithArtifacts reads declared outputs through r.
func WithArtifacts(r artifact.Reader) Option { return func(e *Engine) { e.artifacts = r } }

// WithLoopSignals consults the loop detector.
func WithLoopSignals(l LoopSignals) Option { return func(e *Engine) { e.loops = l } }

// WithTimeoutSignals consults the timeout monitor.
func WithTimeoutSignals(t TimeoutSignals) Option { return func(e *Engine) { e.timeouts = t } }

// WithProjects marks projects complete through p.
func WithProjects(p ProjectCompleter) Option { return func(e *Engine) { e.projects = p } }

// WithRiskScreen holds new tasks that touch protected areas behind a
// high_risk gate.
func WithRiskScreen(d *protect.Detector) Option { return func(e *Engine) { e.risk = d } }

// WithCancellation discards decisions for tasks the predicate reports as
// cancelled.
func WithCancellation(fn func(taskID string) bool) Option {
	return func(e *Engine) { e.cancelled = fn }
}

// WithHistorySize sets the per-project history capacity.
func WithHistorySize(n int) Option { return func(e *Engine) { e.history = NewHistory(n) } }

// WithConfidenceFloor sets the minimum confidence acted on unattended.
func WithConfidenceFloor(f float64) Option { return func(e *Engine) { e.floor = f } }

// WithOracleTimeout bounds each oracle call.
func WithOracleTimeout(d time.Duration) Option { return func(e *Engine) { e.oracleTimeout = d } }

// WithMetrics reports decision and oracle counts.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// TracerName is the instrumentation scope of decision spans.
const TracerName = "github.com/ShayCichocki/steward/internal/decision"

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine is the decision hub. It is safe for concurrent use; callers
// serialise decisions per project.
type Engine struct {
	oracle oracle.Oracle
	gates  gate.Sink
	queue  Queue

	artifacts artifact.Reader
	loops     LoopSignals
	timeouts  TimeoutSignals
	projects  ProjectCompleter
	risk      *protect.Detector
	cancelled func(string) bool

	history       *History
	floor         float64
	oracleTimeout time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates an Engine. orc may be nil, in which case every decision
// uses the heuristic fallback.
func New(orc oracle.Oracle, gates gate.Sink, q Queue, opts ...Option) *Engine {
	e := &Engine{
		oracle:        orc,
		gates:         gates,
		queue:         q,
		history:       NewHistory(DefaultHistorySize),
		floor:         DefaultConfidenceFloor,
		oracleTimeout: DefaultOracleTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	return e
}

// History exposes the per-project task history.
func (e *Engine) History() *History { return e.history }

// Decide runs one decision for a finished task.
func (e *Engine) Decide(ctx context.Context, in Input) (*Result, error) {
	if in.Project == nil || in.Task == nil {
		return nil, fmt.Errorf("%w: decision needs a project and a task", models.ErrValidation)
	}
	if in.Task.ProjectID != in.Project.ID {
		return nil, fmt.Errorf("%w: task %s belongs to project %q, not %q",
			models.ErrValidation, in.Task.ID, in.Task.ProjectID, in.Project.ID)
	}

	log := e.logger.With("project_id", in.Project.ID, "task_id", in.Task.ID)
	if e.cancelled != nil && e.cancelled(in.Task.ID) {
		log.Info("discarding decision for cancelled task")
		e.metrics.Decision("discarded")
		return &Result{Discarded: true}, nil
	}

	ctx, span := e.tracer.Start(ctx, "decision.decide", trace.WithAttributes(
		attribute.String("project_id", in.Project.ID),
		attribute.String("task_id", in.Task.ID),
	))
	defer span.End()

	roster := in.Roster
	if len(roster) == 0 {
		roster = in.Project.Roles
	}
	prompt := oracle.Prompt{
		ProjectID: in.Project.ID,
		Goal:      in.Project.Goal,
		Phase:     in.Project.Phase,
		Roles:     roster,
		Task:      in.Task,
		History:   e.history.Recent(in.Project.ID),
	}

	var (
		dec       *oracle.Decision
		oracleErr error
		contents  map[string][]byte
		signals   Signals
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prompt.Artifacts, contents, signals.ArtifactsUnavailable = e.readArtifacts(gctx, in.Task)
		dec, oracleErr = e.consult(gctx, prompt)
		return nil
	})
	g.Go(func() error {
		if e.loops == nil {
			return nil
		}
		signals.Looping = e.loops.IsLooping(in.Task.ID)
		signals.LoopGateID, _ = e.loops.OpenGate(in.Task.ID)
		return nil
	})
	var overdue bool
	var elapsed time.Duration
	g.Go(func() error {
		if e.timeouts == nil {
			return nil
		}
		if rem, ok := e.timeouts.Remaining(in.Task.ID); ok && rem <= 0 {
			overdue = true
		}
		elapsed, _ = e.timeouts.Elapsed(in.Task.ID)
		return nil
	})
	_ = g.Wait()
	// A reported task is no longer watched; its budget use was recorded on
	// the task when the result came in.
	if v, ok := in.Task.Metadata[MetadataOverdue].(bool); ok && v {
		overdue = true
	}
	if elapsed == 0 {
		if secs, ok := in.Task.Metadata[MetadataElapsedSeconds].(int64); ok {
			elapsed = time.Duration(secs) * time.Second
		} else if secs, ok := in.Task.Metadata[MetadataElapsedSeconds].(float64); ok {
			elapsed = time.Duration(secs) * time.Second
		}
	}
	signals.Overdue = overdue
	signals.Elapsed = elapsed
	if e.gates != nil {
		signals.PendingGate, _ = e.gates.PendingForTask(in.Task.ID)
	}

	res := &Result{Signals: signals}
	res.Outcome = e.choose(ctx, in, roster, prompt, dec, oracleErr, contents, res)
	if dec != nil && dec.Proximity != nil && res.SchemaErr == nil {
		res.Proximity = *dec.Proximity
	} else {
		res.Proximity = oracle.Proximity(in.Project.Goal, oracle.PromptEvidence(prompt)...)
	}

	if err := e.execute(ctx, in, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	e.history.Append(in.Project.ID, historyEntry(in.Task))
	e.metrics.Decision(string(res.Outcome.Kind()))
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome.Kind())),
		attribute.Bool("fallback", res.Fallback),
	)
	log.Info("decision executed",
		"outcome", res.Outcome.Kind(),
		"gate_id", res.GateID,
		"fallback", res.Fallback,
		"proximity", res.Proximity,
	)
	return res, nil
}

// choose applies signal overrides and policy to the oracle's answer.
func (e *Engine) choose(ctx context.Context, in Input, roster []models.AgentRole, prompt oracle.Prompt,
	dec *oracle.Decision, oracleErr error, contents map[string][]byte, res *Result) Outcome {

	sig := res.Signals
	taskCtx := map[string]any{"task_id": in.Task.ID, "task_type": in.Task.Type}

	switch {
	case sig.Looping:
		return Escalate{
			GateType:       models.GateLoopDetected,
			Reason:         fmt.Sprintf("task %s is repeating the same failure", in.Task.ID),
			Context:        taskCtx,
			ExistingGateID: sig.LoopGateID,
		}
	case sig.Overdue:
		taskCtx["elapsed_seconds"] = int64(sig.Elapsed.Seconds())
		return Escalate{
			GateType: models.GateTimeout,
			Reason:   fmt.Sprintf("task %s finished past its time budget", in.Task.ID),
			Context:  taskCtx,
		}
	case sig.PendingGate != "":
		return Escalate{
			GateType:       models.GateManual,
			Reason:         "task already awaits a human decision",
			Context:        taskCtx,
			ExistingGateID: sig.PendingGate,
		}
	case len(sig.ArtifactsUnavailable) > 0:
		taskCtx["unavailable_artifacts"] = sig.ArtifactsUnavailable
		return Escalate{
			GateType: models.GateManual,
			Reason:   fmt.Sprintf("artifact store failed twice reading %d declared outputs", len(sig.ArtifactsUnavailable)),
			Context:  taskCtx,
		}
	}

	if oracleErr != nil && !errors.Is(oracleErr, oracle.ErrMalformed) {
		res.Fallback = true
		proximity := oracle.Proximity(prompt.Goal, oracle.PromptEvidence(prompt)...)
		taskCtx["proximity"] = proximity
		taskCtx["error"] = oracleErr.Error()
		return Escalate{
			GateType: models.GateManual,
			Reason:   fmt.Sprintf("reasoning oracle unavailable; heuristic proximity %.2f", proximity),
			Context:  taskCtx,
		}
	}

	var out Outcome
	var err error
	if oracleErr != nil {
		err = &SchemaError{Field: "response", Problem: oracleErr.Error()}
	} else {
		out, err = Validate(dec, roster)
	}
	if err != nil {
		res.SchemaErr = err
		e.logger.ErrorContext(ctx, "oracle decision failed validation",
			"project_id", in.Project.ID, "task_id", in.Task.ID, "error", err, "raw", rawOf(dec))
		taskCtx["validation_error"] = err.Error()
		if raw := rawOf(dec); raw != "" {
			taskCtx["raw_response"] = raw
		}
		return Escalate{
			GateType: models.GateManual,
			Reason:   "oracle decision failed validation: " + err.Error(),
			Context:  taskCtx,
		}
	}

	if conf := confidenceOf(out); conf < e.floor && out.Kind() != KindEscalate {
		taskCtx["confidence"] = conf
		taskCtx["floor"] = e.floor
		propose(taskCtx, out)
		return Escalate{
			GateType: models.GateHighRisk,
			Reason:   fmt.Sprintf("oracle confidence %.2f is below the floor %.2f", conf, e.floor),
			Context:  taskCtx,
		}
	}

	if nt, ok := out.(NewTask); ok && e.risk != nil {
		findings := e.risk.Screen(protect.Subject{
			Description: nt.Description,
			Paths:       payloadPaths(nt.Payload),
			Contents:    contents,
		})
		if len(findings) > 0 {
			reasons := make([]string, 0, len(findings))
			for _, f := range findings {
				reasons = append(reasons, f.String())
			}
			taskCtx["findings"] = reasons
			propose(taskCtx, nt)
			return Escalate{
				GateType: models.GateHighRisk,
				Reason:   "proposed task touches protected areas: " + reasons[0],
				Context:  taskCtx,
			}
		}
	}
	return out
}

// Task metadata keys recording how a finished task used its time budget.
const (
	MetadataOverdue        = "overdue"
	MetadataElapsedSeconds = "elapsed_seconds"
)

// Gate context keys describing the outcome a gate held back. Approving the
// gate releases it.
const (
	ContextProposed            = "proposed"
	ContextProposedRole        = "proposed_role"
	ContextProposedType        = "proposed_type"
	ContextProposedDescription = "proposed_description"
	ContextProposedPriority    = "proposed_priority"
	ContextProposedPayload     = "proposed_payload"
)

func propose(ctx map[string]any, out Outcome) {
	ctx[ContextProposed] = string(out.Kind())
	nt, ok := out.(NewTask)
	if !ok {
		return
	}
	ctx[ContextProposedRole] = string(nt.Role)
	ctx[ContextProposedType] = nt.Type
	ctx[ContextProposedDescription] = nt.Description
	if nt.Priority != nil {
		ctx[ContextProposedPriority] = *nt.Priority
	}
	if len(nt.Payload) > 0 {
		ctx[ContextProposedPayload] = nt.Payload
	}
}

func (e *Engine) execute(ctx context.Context, in Input, res *Result) error {
	switch out := res.Outcome.(type) {
	case NewTask:
		task := e.followUp(in.Task, out)
		if err := e.queue.Enqueue(task); err != nil {
			e.logger.ErrorContext(ctx, "enqueue follow-up failed",
				"project_id", in.Project.ID, "task_id", in.Task.ID, "error", err)
			gctx := map[string]any{"task_id": in.Task.ID, "proposed_task_id": task.ID}
			propose(gctx, out)
			res.Outcome = Escalate{
				GateType: models.GateManual,
				Reason:   "follow-up task could not be queued: " + err.Error(),
				Context:  gctx,
			}
			return e.execute(ctx, in, res)
		}
		res.Enqueued = task
	case Escalate:
		if out.ExistingGateID != "" {
			res.GateID = out.ExistingGateID
			return nil
		}
		if e.gates == nil {
			return errors.New("escalation needed but no gate sink is configured")
		}
		id, err := e.gates.CreateGate(ctx, models.GateRequest{
			Type:      out.GateType,
			ProjectID: in.Project.ID,
			AgentID:   in.Task.AssignedTo,
			TaskID:    in.Task.ID,
			Reason:    out.Reason,
			Context:   out.Context,
		})
		if err != nil {
			return fmt.Errorf("create %s gate: %w", out.GateType, err)
		}
		res.GateID = id
	case Complete:
		if e.projects != nil {
			if err := e.projects.CompleteProject(ctx, in.Project.ID); err != nil {
				return fmt.Errorf("complete project: %w", err)
			}
		}
		res.Completed = true
	}
	return nil
}

// followUp builds the next task, carrying the finished task's artifacts
// forward in metadata.
func (e *Engine) followUp(prev *models.Task, nt NewTask) *models.Task {
	priority := prev.Priority
	if nt.Priority != nil {
		priority = *nt.Priority
	}
	t := &models.Task{
		ID:          uuid.NewString(),
		ProjectID:   prev.ProjectID,
		Type:        nt.Type,
		Description: nt.Description,
		Role:        nt.Role,
		Priority:    priority,
		Payload:     nt.Payload,
		Status:      models.TaskStatusPending,
		CreatedAt:   e.now(),
	}
	t.SetMetadata("parent_task_id", prev.ID)
	t.SetMetadata("reasoning", nt.Reasoning)
	t.SetMetadata("confidence", nt.Confidence)
	if prev.Result != nil && len(prev.Result.Artifacts) > 0 {
		t.SetMetadata("carry_artifacts", append([]string(nil), prev.Result.Artifacts...))
		t.SetMetadata("carry_agent_id", prev.AssignedTo)
	}
	return t
}

// consult calls the oracle with a timeout, retrying once on transient
// failure. Malformed answers are not retried.
func (e *Engine) consult(ctx context.Context, p oracle.Prompt) (*oracle.Decision, error) {
	if e.oracle == nil {
		return nil, errors.New("no oracle configured")
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.oracleTimeout)
		dec, err := e.oracle.Decide(cctx, p)
		cancel()
		if err == nil {
			return dec, nil
		}
		if errors.Is(err, oracle.ErrMalformed) {
			return dec, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		e.logger.WarnContext(ctx, "oracle call failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("oracle failed twice: %w", lastErr)
}

// readArtifacts reads the finished task's declared outputs. Each read is
// retried once unless the failure is permanent; paths that failed twice
// are returned as unavailable.
func (e *Engine) readArtifacts(ctx context.Context, t *models.Task) ([]oracle.Artifact, map[string][]byte, []string) {
	if e.artifacts == nil || t.Result == nil || len(t.Result.Artifacts) == 0 {
		return nil, nil, nil
	}
	paths := t.Result.Artifacts
	if len(paths) > maxArtifacts {
		paths = paths[:maxArtifacts]
	}

	out := make([]oracle.Artifact, 0, len(paths))
	contents := make(map[string][]byte, len(paths))
	var unavailable []string
	for _, p := range paths {
		data, err := e.artifacts.ReadFile(ctx, t.AssignedTo, p)
		if err != nil && !permanent(err) && ctx.Err() == nil {
			data, err = e.artifacts.ReadFile(ctx, t.AssignedTo, p)
			if err != nil && !permanent(err) {
				unavailable = append(unavailable, p)
			}
		}
		if err != nil {
			e.logger.WarnContext(ctx, "artifact unavailable",
				"task_id", t.ID, "agent_id", t.AssignedTo, "path", p, "error", err)
			out = append(out, oracle.Artifact{Path: p, Missing: true})
			continue
		}
		contents[p] = data
		out = append(out, oracle.Artifact{Path: p, Content: string(data)})
	}
	return out, contents, unavailable
}

func permanent(err error) bool {
	return errors.Is(err, artifact.ErrNotFound) ||
		errors.Is(err, artifact.ErrOutsideWorkspace) ||
		errors.Is(err, artifact.ErrTooLarge)
}

func historyEntry(t *models.Task) oracle.HistoryEntry {
	h := oracle.HistoryEntry{
		TaskID:      t.ID,
		Type:        t.Type,
		Description: t.Description,
		Role:        t.Role,
	}
	if r := t.Result; r != nil {
		h.Success = r.Success
		h.Artifacts = append([]string(nil), r.Artifacts...)
		switch {
		case !r.Success && r.Error != "":
			h.Summary = firstLine(r.Error)
		case len(r.Steps) > 0:
			h.Summary = r.Steps[len(r.Steps)-1]
		}
	}
	return h
}

// payloadPaths collects string values under path-like payload keys.
func payloadPaths(payload map[string]any) []string {
	var out []string
	for k, v := range payload {
		lk := strings.ToLower(k)
		if !strings.Contains(lk, "path") && !strings.Contains(lk, "file") {
			continue
		}
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case []string:
			out = append(out, x...)
		case []any:
			for _, item := range x {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func confidenceOf(o Outcome) float64 {
	switch x := o.(type) {
	case NewTask:
		return x.Confidence
	case Complete:
		return x.Confidence
	}
	return 1
}

func rawOf(d *oracle.Decision) string {
	if d == nil {
		return ""
	}
	return d.Raw
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
