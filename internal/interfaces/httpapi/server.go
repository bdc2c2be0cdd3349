package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"txrelay/internal/application"
	"txrelay/internal/domain"
)

const maxBodyBytes = 1 << 20

type Relay interface {
	Submit(ctx context.Context, spec domain.RequestSpec) (string, error)
	GetStatus(ctx context.Context, uuid string) (domain.StatusView, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type Server struct {
	relay     Relay
	checks    map[string]Pinger
	metrics   *Metrics
	buildInfo BuildInfo
}

// NewServer serves the operational endpoints and, when relay is set, the
// transaction API. checks are pinged by /readyz, keyed by the dependency
// name reported on failure.
func NewServer(relay Relay, checks map[string]Pinger, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{relay: relay, checks: checks, metrics: metrics, buildInfo: buildInfo}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.relay != nil {
		mux.HandleFunc("POST /v1/transactions", s.handleSubmit)
		mux.HandleFunc("GET /v1/transactions/{uuid}", s.handleStatus)
	}
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			slog.Warn("readiness check failed", "dependency", name, "err", err)
			respondError(w, http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec domain.RequestSpec
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := s.relay.Submit(r.Context(), spec)
	switch {
	case errors.Is(err, application.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("submit failed", "client_id", spec.ClientID, "err", err)
		respondError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"uuid": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	view, err := s.relay.GetStatus(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, "transaction not found")
		return
	case err != nil:
		slog.Error("status lookup failed", "uuid", id, "err", err)
		respondError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
