// Package server exposes the login manager over HTTP: authentication
// endpoints under /v1 plus health, diagnostics, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"browser-auth/internal/common/config"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/models"
)

// Authenticator is the slice of the login manager the server needs.
type Authenticator interface {
	Authenticate(ctx context.Context, req models.AuthRequest) (*models.AuthResult, error)
	CheckSession(ctx context.Context, ownerID string) (*models.SessionStatusReport, error)
	Logout(ctx context.Context, ownerID string)
	Diagnostics(ctx context.Context) map[string]interface{}
}

// InstanceChecker reports whether an owner has a usable browser instance.
type InstanceChecker interface {
	Exists(ctx context.Context, ownerID string) bool
}

// HealthChecker reports readiness of a backing dependency.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type Server struct {
	cfg     config.DiagnosticsConfig
	auth    Authenticator
	pool    InstanceChecker
	store   HealthChecker
	log     logger.Logger
	httpSrv *http.Server
}

func NewServer(cfg config.DiagnosticsConfig, auth Authenticator, pool InstanceChecker, store HealthChecker, log logger.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		auth:  auth,
		pool:  pool,
		store: store,
		log:   log,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // login calls drive a real browser
	}
	return s
}

// Router builds the route table. Exposed so tests can drive handlers without
// binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/sessions/{ownerId}", s.handleCheckSession).Methods(http.MethodGet)
	api.HandleFunc("/auth/sessions/{ownerId}", s.handleLogout).Methods(http.MethodDelete)
	api.HandleFunc("/auth/instances/{ownerId}", s.handleInstance).Methods(http.MethodGet)
	api.HandleFunc("/diagnostics", s.handleDiagnostics).Methods(http.MethodGet)
	return r
}

// Start serves until the listener fails. Run it in a goroutine.
func (s *Server) Start() error {
	s.log.Info("http server listening", map[string]interface{}{
		"address": s.cfg.Address,
	})
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	result, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	report, err := s.auth.CheckSession(r.Context(), ownerID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	s.auth.Logout(r.Context(), ownerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ownerId":   ownerID,
		"available": s.pool.Exists(r.Context(), ownerID),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.Diagnostics(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.store.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "session store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
