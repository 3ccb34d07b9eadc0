package api

import (
	"context"
	"net/http"
	"time"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/lifecycle"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// SetupDriver provisions a pool-assigned sandbox in the background
type SetupDriver interface {
	Setup(ctx context.Context, sb *types.Sandbox) error
}

// TurnRunner executes one agent turn for a session
type TurnRunner interface {
	Run(ctx context.Context, sessionID, messageID string) error
}

// Server is the inbound HTTP API
type Server struct {
	store   storage.Store
	machine *lifecycle.Machine
	pool    *pool.Manager
	setup   SetupDriver
	runner  TurnRunner
	broker  *events.Broker
	cfg     *config.Config
	logger  zerolog.Logger

	httpServer *http.Server
}

// NewServer creates the API server. setup, runner, and broker may be
// nil; the corresponding routes then return service unavailable.
func NewServer(store storage.Store, machine *lifecycle.Machine, poolMgr *pool.Manager, setup SetupDriver, runner TurnRunner, broker *events.Broker, cfg *config.Config) *Server {
	s := &Server{
		store:   store,
		machine: machine,
		pool:    poolMgr,
		setup:   setup,
		runner:  runner,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
	}
	return s
}

// Handler returns the configured router, usable directly in tests
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	// Callback route authenticates per-sandbox via apiSecret, never
	// via the control token: the sandbox only ever learns its own
	// secret
	r.Post("/sandbox-status", s.handleSandboxStatus)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/sandbox", s.handleRequestSandbox)
		r.Post("/sessions/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/sessions/{id}/stop", s.handleStop)
		r.Post("/sessions/{id}/messages", s.handlePostMessage)
		r.Get("/sessions/{id}/messages/{messageID}", s.handleGetMessage)

		r.Get("/sandboxes", s.handleListSandboxes)
		r.Get("/sandboxes/{id}", s.handleGetSandbox)
		r.Delete("/sandboxes/{id}", s.handleDeleteSandbox)

		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start begins serving and blocks until the listener closes
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// bearerAuth guards control routes with the static API token. An empty
// configured token disables the check.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIToken {
			respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
