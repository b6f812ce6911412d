package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/steward/internal/artifact"
	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/httpapi"
	"github.com/ShayCichocki/steward/internal/knowledge"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/oracle"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/internal/protect"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/internal/timeout"
	"github.com/ShayCichocki/steward/internal/tracing"
	"github.com/ShayCichocki/steward/internal/version"
)

var (
	serveAddr     string
	serveNoOracle bool
	serveCORS     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane and its HTTP API until interrupted.

On start the state database is replayed: interrupted tasks go back on the
queue and pending gates are restored. Gate resolutions written by
'steward gates approve|deny' are picked up from the inbox directory.

Without an API key (or with --no-oracle) every decision is escalated to a
human gate with a heuristic estimate attached.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
	serveCmd.Flags().BoolVar(&serveNoOracle, "no-oracle", false, "Run without the reasoning oracle")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", false, "Allow cross-origin requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}
	if serveCORS {
		cfg.HTTP.EnableCORS = true
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.LogFile(),
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state: %w", err)
	}
	logger.Debug("state opened", "path", db.Path())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(reg)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	tp, err := tracing.New(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		Insecure:   cfg.Tracing.Insecure,
		SampleRate: cfg.Tracing.SampleRate,
		Version:    version.Get(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()
	if tp.Enabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_rate", cfg.Tracing.SampleRate)
	}

	opts := []orchestrator.Option{
		orchestrator.WithStore(db),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
		orchestrator.WithTracerProvider(tp.TracerProvider()),
	}

	orc, err := buildOracle(cfg, m, logger)
	if err != nil {
		return err
	}
	if orc != nil {
		opts = append(opts, orchestrator.WithOracle(orc))
	}

	arts, err := buildArtifacts(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, orchestrator.WithArtifacts(arts))

	sinks, err := buildKnowledgeSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	capturer := knowledge.NewCapturer(cfg.Knowledge.Buffer, m, logger.With("component", "knowledge"), sinks...)
	opts = append(opts, orchestrator.WithKnowledge(capturer))

	risk := protect.New()
	if cfg.Decision.ProtectedFile != "" {
		if err := risk.LoadFile(cfg.Decision.ProtectedFile); err != nil {
			return err
		}
	}
	opts = append(opts, orchestrator.WithRiskScreen(risk))

	if cfg.Collaboration.ExpertiseFile != "" {
		table, err := collab.LoadTable(cfg.Collaboration.ExpertiseFile)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithExpertise(table))
	}

	cp := orchestrator.New(orchestratorConfig(cfg), opts...)
	defer cp.Close()

	report, err := cp.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	logger.Info("state restored",
		"projects", report.Projects,
		"queued", report.Queued,
		"held", report.Held,
		"gates", report.Gates,
	)

	inbox, err := gate.NewInbox(cfg.InboxDir(), cp.Gates(), logger.With("component", "inbox"))
	if err != nil {
		return err
	}

	srvCfg := httpapi.DefaultConfig()
	srvCfg.Addr = cfg.HTTP.Addr
	srvCfg.EnableCORS = cfg.HTTP.EnableCORS
	srvCfg.Debug = cfg.Log.Debug
	srv := httpapi.New(cp, srvCfg,
		httpapi.WithLogger(logger.With("component", "http")),
		httpapi.WithMetricsHandler(metricsHandler),
	)

	// The capturer outlives the errgroup so records emitted while the
	// control plane drains are still written.
	captureCtx, stopCapture := context.WithCancel(context.Background())
	defer stopCapture()
	go capturer.Run(captureCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cp.Run(gctx) })
	g.Go(func() error {
		if err := inbox.Start(gctx); err != nil {
			return fmt.Errorf("start gate inbox: %w", err)
		}
		<-gctx.Done()
		return inbox.Close()
	})
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.HTTP.Addr {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, metricsHandler, logger) })
	}

	printBanner(cfg, orc != nil, report)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("shutting down")
	cp.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := capturer.Close(shutdownCtx); cerr != nil {
		logger.Warn("close knowledge capturer", "error", cerr)
	}
	return err
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.LoopWindow = cfg.Loop.Window
	oc.Timeouts.Tick = cfg.Timeouts.Tick
	oc.Timeouts.DefaultBudget = cfg.Timeouts.Default
	budgets := timeout.DefaultBudgets()
	for role, d := range cfg.RoleBudgets() {
		budgets[role] = d
	}
	oc.Timeouts.Budgets = budgets
	oc.Collaboration = collab.Config{
		MaxContextBytes:     cfg.Collaboration.MaxContextBytes,
		SimilarityThreshold: cfg.Collaboration.SimilarityThreshold,
		MinCycles:           cfg.Collaboration.MinCycles,
		Window:              cfg.Collaboration.Window,
		Stopwords:           cfg.Collaboration.Stopwords,
	}
	oc.StaleAfter = cfg.Collaboration.StaleAfter
	oc.HistorySize = cfg.Decision.HistorySize
	oc.ConfidenceFloor = cfg.Decision.ConfidenceFloor
	oc.OracleTimeout = cfg.Decision.OracleTimeout
	oc.DefaultRoles = cfg.DefaultRoles()
	return oc
}

// buildOracle returns nil when no credentials are available; the control
// plane then escalates every decision.
func buildOracle(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (oracle.Oracle, error) {
	if serveNoOracle {
		logger.Warn("oracle disabled, every decision will be escalated")
		return nil, nil
	}
	key, source, err := config.ResolveAPIKey(cfg)
	if errors.Is(err, config.ErrNoAPIKey) {
		logger.Warn("no Anthropic API key configured, every decision will be escalated")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if source != config.KeySourceBedrock {
		if err := config.ValidateAPIKey(key); err != nil {
			return nil, fmt.Errorf("%s api key: %w", source, err)
		}
	}
	orc, err := oracle.NewAnthropic(oracle.Config{
		Model:      anthropic.Model(cfg.Anthropic.Model),
		APIKey:     key,
		UseBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:  cfg.Anthropic.AWSRegion,
		AWSProfile: cfg.Anthropic.AWSProfile,
		MaxTokens:  cfg.Anthropic.MaxTokens,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("create oracle: %w", err)
	}
	logger.Info("oracle ready", "model", cfg.Anthropic.Model, "key_source", source)
	return orc, nil
}

func buildArtifacts(cfg *config.Config) (artifact.Reader, error) {
	var next artifact.Reader
	if mc := cfg.Artifacts.MinIO; mc.Endpoint != "" {
		r, err := artifact.NewMinIO(artifact.MinIOConfig{
			Endpoint:  mc.Endpoint,
			AccessKey: mc.AccessKey,
			SecretKey: mc.SecretKey,
			Bucket:    mc.Bucket,
			UseSSL:    mc.UseSSL,
			Prefix:    mc.Prefix,
			MaxBytes:  cfg.Artifacts.MaxBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact bucket: %w", err)
		}
		next = r
	} else {
		if err := os.MkdirAll(cfg.Artifacts.Root, 0755); err != nil {
			return nil, fmt.Errorf("create artifact root: %w", err)
		}
		r, err := artifact.NewFS(cfg.Artifacts.Root, cfg.Artifacts.MaxBytes)
		if err != nil {
			return nil, err
		}
		next = r
	}
	return artifact.NewCached(next, cfg.Artifacts.CacheSize, cfg.Artifacts.CacheTTL), nil
}

func buildKnowledgeSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]knowledge.Sink, error) {
	var sinks []knowledge.Sink
	if cfg.Knowledge.SQLite {
		s, err := knowledge.OpenSQLite(cfg.KnowledgePath())
		if err != nil {
			return nil, fmt.Errorf("open knowledge store: %w", err)
		}
		sinks = append(sinks, s)
	}
	if rc := cfg.Knowledge.Redis; rc.URL != "" {
		s, err := knowledge.NewRedisSink(ctx, knowledge.RedisOptions{
			URL:    rc.URL,
			Stream: rc.Stream,
			MaxLen: rc.MaxLen,
		})
		if err != nil {
			// Learnings are best effort; the local sink keeps working.
			logger.Warn("redis knowledge sink unavailable", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks, nil
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}

func printBanner(cfg *config.Config, withOracle bool, report orchestrator.RecoveryReport) {
	fmt.Printf("%s steward %s\n\n", color.GreenString("●"), version.Get())
	printStatus("✓", "API on http://"+cfg.HTTP.Addr, color.FgGreen)
	if cfg.Metrics.Addr != "" {
		printStatus("✓", "Metrics on "+cfg.Metrics.Addr+"/metrics", color.FgGreen)
	}
	if withOracle {
		printStatus("✓", "Oracle "+cfg.Anthropic.Model, color.FgGreen)
	} else {
		printStatus("⚠", "No oracle, decisions go to human gates", color.FgYellow)
	}
	if report.Projects > 0 {
		printStatus("↺", fmt.Sprintf("Recovered %d projects, %d tasks queued, %d held, %d gates pending",
			report.Projects, report.Queued, report.Held, report.Gates), color.FgCyan)
	}
	fmt.Printf("\nGate inbox: %s\n", cfg.InboxDir())
}
