// Package dashboard exposes read-only JSON status endpoints for the bot.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/risk"
)

// Server serves session and risk state over HTTP. It only reads: no
// endpoint mutates trading state.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	registry *registry.Registry
	gate     *risk.Gate
	broker   broker.Broker
	logger   *logrus.Logger
	port     int
}

// NewServer creates the dashboard server.
func NewServer(port int, reg *registry.Registry, gate *risk.Gate, b broker.Broker, logger *logrus.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: reg,
		gate:     gate,
		broker:   b,
		logger:   logger,
		port:     port,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/api/sessions", s.handleSessions)
	s.router.Get("/api/session/{id}", s.handleSession)
	s.router.Get("/api/risk", s.handleRisk)
	s.router.Get("/api/account", s.handleAccount)
	s.router.Get("/health", s.handleHealth)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("port", s.port).Info("dashboard listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.registry.AllSessions())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, session)
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.gate.Snapshot())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	balance, err := s.broker.GetAccountBalance(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]float64{"balance": balance})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("dashboard response encode failed")
	}
}
