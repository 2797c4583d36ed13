// Package api provides the proxy's operator-facing HTTP surface: health
// checks, Prometheus metrics, and the status/recover/sync/reconnect
// endpoints the admin CLI talks to.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/axonops/dualdb/internal/conflict"
	"github.com/axonops/dualdb/internal/metrics"
	"github.com/axonops/dualdb/internal/proxy"
	"github.com/axonops/dualdb/internal/proxyerr"
)

// Server is the HTTP server wrapping a Proxy facade.
type Server struct {
	proxy   *proxy.Proxy
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewServer creates a new operator-facing HTTP server bound to addr.
func NewServer(addr string, p *proxy.Proxy, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		proxy:   p,
		logger:  logger,
		metrics: m,
	}
	s.setupRouter()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/recover", s.handleRecover)
		r.Post("/sync", s.handleSync)
		r.Post("/reconnect", s.handleReconnect)
		r.Get("/conflicts", s.handleConflictsList)
		r.Post("/conflicts/{id}/resolve", s.handleConflictResolve)
	})

	s.router = r
}

// Start begins serving. Blocks until the server stops or errors.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("api: listening", "addr", s.server.Addr)
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.proxy.GetState()
	if st.IsReadable() || st.IsWritable() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP", "state": string(st)})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN", "state": string(st)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hs, err := s.proxy.GetHealthStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.ForceRecoveryCheck(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "recovery check started"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.TriggerSync(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "sync started"})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.TryReconnectPrimary(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "primary reachable"})
}

func (s *Server) handleConflictsList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.proxy.ListUnresolvedConflicts(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// conflictResolveRequest is the expected JSON body of a conflict
// resolve request: which side's row should be treated as authoritative.
type conflictResolveRequest struct {
	Winner string `json:"winner"`
}

func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body conflictResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.proxy.ResolveConflict(r.Context(), id, conflict.Winner(body.Winner)); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "resolved", "winner": body.Winner})
}

func statusFor(err error) int {
	switch {
	case err == proxyerr.ErrSyncNotApplicable:
		return http.StatusConflict
	case err == proxyerr.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
