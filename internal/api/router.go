package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deskcron/internal/config"
	"deskcron/internal/core"
	"deskcron/internal/store"
)

// Options wires the server to the daemon's components. Metrics, MCP and
// Settings are optional.
type Options struct {
	Addr      string
	AuthToken string
	Manager   *core.Manager
	Scheduler *core.Scheduler
	Store     *store.Store
	Logs      *store.LogStore
	Settings  *config.SettingsWatcher
	Metrics   http.Handler
	MCP       http.Handler
	Logger    *slog.Logger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	manager    *core.Manager
	scheduler  *core.Scheduler
	store      *store.Store
	logs       *store.LogStore
	settings   *config.SettingsWatcher
	logger     *slog.Logger
	authToken  string
	now        func() time.Time
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		manager:   opts.Manager,
		scheduler: opts.Scheduler,
		store:     opts.Store,
		logs:      opts.Logs,
		settings:  opts.Settings,
		logger:    logger,
		authToken: opts.AuthToken,
		now:       time.Now,
	}
	s.registerRoutes(opts.Metrics, opts.MCP)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(metrics, mcpHandler http.Handler) {
	s.router.Get("/healthz", s.handleHealth)
	if metrics != nil {
		s.router.Handle("/metrics", metrics)
	}
	if mcpHandler != nil {
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/schedule/preview", s.handleSchedulePreview)
		r.Get("/actions", s.handleListActions)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/enable", s.handleEnableTask)
				r.Post("/disable", s.handleDisableTask)
				r.Get("/logs", s.handleTaskLogs)
			})
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Delete("/", s.handleDeleteLogs)
			r.Get("/search", s.handleSearchLogs)
			r.Get("/stats", s.handleLogStats)
			r.Get("/export", s.handleExportLogs)
			r.Post("/rotate", s.handleRotateLogs)
			r.Post("/reindex", s.handleReindexLogs)
		})

		r.Get("/backups", s.handleListBackups)
		r.Post("/backup", s.handleBackup)
		r.Post("/restore", s.handleRestore)

		r.Get("/scheduler", s.handleSchedulerStats)
		r.Post("/scheduler/pause", s.handlePause)
		r.Post("/scheduler/resume", s.handleResume)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})
}
