// Package httpapi exposes the control plane over HTTP for agents and the
// humans who resolve their gates.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/internal/version"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ShutdownTimeout bounds how long in-flight requests may finish.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8420",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server routes HTTP requests to a ControlPlane.
type Server struct {
	cp      *orchestrator.ControlPlane
	cfg     Config
	engine  *gin.Engine
	http    *http.Server
	hub     *Hub
	metrics http.Handler
	logger  *slog.Logger
	started time.Time
}

// New builds the router. The event hub is not started until Serve.
func New(cp *orchestrator.ControlPlane, cfg Config, opts ...Option) *Server {
	s := &Server{cp: cp, cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	s.hub = NewHub(s.logger.With("component", "stream"))

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(s.logger))
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}
	s.engine = engine
	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the event fan-out behind /api/events.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.engine.Group("/api")
	api.Use(jsonOnly())

	projects := api.Group("/projects")
	{
		projects.POST("", s.createProject)
		projects.GET("", s.listProjects)
		projects.GET("/:id", s.getProject)
		projects.GET("/:id/tasks", s.listTasks)
		projects.POST("/:id/complete", s.completeProject)
	}

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.submitTask)
		tasks.GET("/:id", s.getTask)
		tasks.POST("/:id/attempts", s.reportAttempt)
		tasks.POST("/:id/result", s.reportResult)
		tasks.POST("/:id/cancel", s.cancelTask)
	}
	api.GET("/queue", s.listQueue)

	agents := api.Group("/agents")
	{
		agents.POST("", s.registerAgent)
		agents.GET("", s.listAgents)
		agents.GET("/:id", s.getAgent)
		agents.POST("/:id/claim", s.claim)
	}

	help := api.Group("/help")
	{
		help.POST("", s.requestHelp)
		help.GET("/:id", s.getHelp)
		help.POST("/:id/respond", s.respondHelp)
		help.POST("/:id/resolve", s.resolveHelp)
	}

	gates := api.Group("/gates")
	{
		gates.GET("", s.listGates)
		gates.GET("/:id", s.getGate)
		gates.POST("/:id/resolve", s.resolveGate)
	}

	api.GET("/status", s.status)
	api.POST("/dispatch/pause", s.pauseDispatch)
	api.POST("/dispatch/resume", s.resumeDispatch)
	api.GET("/events", s.streamEvents)
}

// Serve fans control plane events out to stream subscribers and serves
// HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	go s.hub.Run(ctx, s.cp.Events())

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.hub.Close()
	if err := s.http.Shutdown(sctx); err != nil {
		return fmt.Errorf("shut down http server: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data: healthResponse{
			Status:    "ok",
			Version:   version.Get(),
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(s.started).Round(time.Second).String(),
		},
	})
}
