package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aisiem/internal/correlation"
	"aisiem/internal/logger"
	"aisiem/internal/store"
	"aisiem/pkg/models"
)

// Version is reported by /status.
const Version = "0.1.0"

// Engine is the correlation surface the API exposes.
type Engine interface {
	ListOpen() []*models.Incident
	Get(id string) (*models.Incident, bool)
	Close(ctx context.Context, id, reason string) (*models.Incident, error)
	OpenCount() int
	Pending() int
}

// Server provides the operator HTTP endpoints.
type Server struct {
	engine   Engine
	store    store.IncidentStore
	gatherer prometheus.Gatherer
	started  time.Time
}

// NewServer creates the API. store and gatherer may be nil.
func NewServer(engine Engine, st store.IncidentStore, gatherer prometheus.Gatherer) *Server {
	return &Server{engine: engine, store: st, gatherer: gatherer, started: time.Now().UTC()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /incidents", s.handleIncidents)
	mux.HandleFunc("GET /incidents/{id}", s.handleIncident)
	mux.HandleFunc("POST /incidents/{id}/close", s.handleClose)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "AISIEM incident correlation API"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "running",
		"version":         Version,
		"started_at":      s.started,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"open_incidents":  s.engine.OpenCount(),
		"pending_persist": s.engine.Pending(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleIncidents handles GET /incidents?status=open|closed|all&limit=N. Open incidents
// come from the live engine; closed ones need the store.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var (
		incidents []*models.Incident
		err       error
	)
	switch status {
	case "", string(models.StatusOpen):
		incidents = s.engine.ListOpen()
	case string(models.StatusClosed), "all":
		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "incident store disabled")
			return
		}
		st := models.StatusClosed
		if status == "all" {
			st = ""
		}
		incidents, err = s.store.ListIncidents(r.Context(), st, limit)
		if err != nil {
			logger.Errorf("List incidents from store failed: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list incidents")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if limit > 0 && limit < len(incidents) {
		incidents = incidents[:limit]
	}
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if inc, ok := s.engine.Get(id); ok {
		writeJSON(w, http.StatusOK, inc)
		return
	}
	if s.store != nil {
		inc, err := s.store.GetIncident(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, inc)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.Errorf("Get incident %s from store failed: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to read incident")
			return
		}
	}
	writeError(w, http.StatusNotFound, "incident not found")
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	inc, err := s.engine.Close(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		if errors.Is(err, correlation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "open incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
