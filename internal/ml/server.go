package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
)

// JobLister reads training job bookkeeping.
type JobLister interface {
	ListJobs(ctx context.Context, h domain.Horizon, limit int) ([]domain.TrainingJob, error)
}

// ModelServer provides HTTP API for model predictions
type ModelServer struct {
	engine   *Engine
	registry *Registry
	jobs     JobLister
	server   *http.Server
	now      func() time.Time
}

// RollbackRequest is the body of POST /models/{horizon}/rollback.
type RollbackRequest struct {
	Version int `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewModelServer creates a new HTTP server for model serving
func NewModelServer(engine *Engine, registry *Registry, jobs JobLister, port int) *ModelServer {
	ms := &ModelServer{
		engine:   engine,
		registry: registry,
		jobs:     jobs,
		now:      time.Now,
	}

	ms.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return ms
}

// Handler returns the routing mux.
func (ms *ModelServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /predict", ms.handlePredict)
	mux.HandleFunc("GET /health", ms.handleHealth)
	mux.HandleFunc("GET /models/{horizon}/versions", ms.handleVersions)
	mux.HandleFunc("POST /models/{horizon}/rollback", ms.handleRollback)
	mux.HandleFunc("GET /training/jobs", ms.handleJobs)
	return mux
}

// Start begins serving HTTP requests
func (ms *ModelServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting model server")
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (ms *ModelServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

func (ms *ModelServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	checkpointID := q.Get("checkpoint")
	if checkpointID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("checkpoint is required"))
		return
	}
	h, err := domain.ParseHorizon(q.Get("horizon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	at := ms.now().UTC()
	if s := q.Get("at"); s != "" {
		if at, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid at: %w", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := ms.engine.Predict(ctx, checkpointID, h, at)
	if err != nil {
		status := http.StatusInternalServerError
		var mismatch *domain.SchemaMismatchError
		switch {
		case errors.Is(err, domain.ErrNoModelAvailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, domain.ErrCheckpointNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrInsufficientSignal):
			status = http.StatusUnprocessableEntity
		case errors.As(err, &mismatch):
			status = http.StatusConflict
		default:
			log.Error().Err(err).Str("checkpoint", checkpointID).Msg("prediction failed")
		}
		writeError(w, status, outcome(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (ms *ModelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := ms.engine.Health()

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (ms *ModelServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	h, err := domain.ParseHorizon(r.PathValue("horizon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	infos, err := ms.registry.ListVersions(r.Context(), h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (ms *ModelServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	h, err := domain.ParseHorizon(r.PathValue("horizon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("version must be positive"))
		return
	}
	if err := ms.registry.Rollback(r.Context(), h, req.Version); err != nil {
		if errors.Is(err, domain.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, "version_not_found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	lm, err := ms.registry.GetActive(h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, lm.Artifact.Info(true))
}

func (ms *ModelServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if ms.jobs == nil {
		writeJSON(w, http.StatusOK, []domain.TrainingJob{})
		return
	}
	var h domain.Horizon
	if s := r.URL.Query().Get("horizon"); s != "" {
		var err error
		if h, err = domain.ParseHorizon(s); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	jobs, err := ms.jobs.ListJobs(r.Context(), h, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
