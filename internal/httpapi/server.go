// Package httpapi is the thin chi-routed HTTP surface in front of the
// Pipeline Orchestrator and Credential Broker: submit a run, poll its
// status, stream its events, fetch its results.json, and drive the
// GitHub App admin flow.
package httpapi

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/neverdown-ai/healer/internal/credentials"
	"github.com/neverdown-ai/healer/internal/logx"
	"github.com/neverdown-ai/healer/internal/orchestrator"
	"github.com/neverdown-ai/healer/internal/runregistry"
)

// Config holds the parameters New needs beyond its collaborators.
type Config struct {
	Addr string
}

// Server is the HTTP front end for one Orchestrator instance.
type Server struct {
	cfg          Config
	orchestrator *orchestrator.Orchestrator
	broker       *credentials.Broker
	registry     *runregistry.Registry
	baseCtx      context.Context
	cancel       context.CancelFunc
	httpSrv      *http.Server
	logger       *log.Logger
}

// New wires an Orchestrator and Credential Broker into a routed chi
// handler and HTTP server.
func New(cfg Config, o *orchestrator.Orchestrator, broker *credentials.Broker) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		orchestrator: o,
		broker:       broker,
		registry:     runregistry.New(),
		baseCtx:      ctx,
		cancel:       cancel,
		logger:       logx.New("httpapi"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	r.Get("/runs", s.handleListRuns)
	r.Post("/run-agent", s.handleSubmitRun)
	r.Get("/run-agent/{id}", s.handleGetRun)
	r.Get("/run-agent/{id}/events", s.handleRunEvents)
	r.Get("/run-agent/{id}/results.json", s.handleRunResults)

	r.Route("/admin/github", func(r chi.Router) {
		r.Get("/status", s.handleAdminStatus)
		r.Get("/repo-auth-check", s.handleAdminRepoAuthCheck)
		r.Get("/install", s.handleAdminInstall)
		r.Get("/callback", s.handleAdminCallback)
		r.Get("/installations", s.handleAdminInstallations)
		r.Get("/token-test", s.handleAdminTokenTest)
	})

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the server and blocks until it is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown cancels every outstanding run and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CancelAll()
	s.cancel()
	return s.httpSrv.Shutdown(ctx)
}
