// Package api serves the orchestrator's HTTP surface: health, run
// inspection, and manual run submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/state"
)

// Loader reads persisted runs for the inspection endpoints.
type Loader interface {
	Load(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
}

// Emitter submits manual run requests to the orchestrator loop.
type Emitter interface {
	Emit(ctx context.Context, req domain.RunRequest) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	loader  Loader
	emitter Emitter
	db      HealthChecker
	clock   func() time.Time
}

func NewHandler(loader Loader, emitter Emitter) *Handler {
	return &Handler{loader: loader, emitter: emitter, clock: time.Now}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/runs" && r.Method == http.MethodPost:
		h.createRun(w, r)

	case strings.HasPrefix(path, "/runs/") && r.Method == http.MethodGet:
		h.getRun(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateRunRequest
	// An empty body is a full-suite run.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	now := h.clock().UTC()
	runReq := domain.RunRequest{
		RunID:    uuid.New(),
		Reason:   domain.RunReasonManual,
		SinceRef: req.SinceRef,
		FiredAt:  now,
	}

	if err := h.emitter.Emit(r.Context(), runReq); err != nil {
		log.Printf("api: submit run error: %v", err)
		writeError(w, http.StatusServiceUnavailable, "failed to submit run")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:  runReq.RunID.String(),
		Status: "accepted",
	})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from path: /runs/{id}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "runs" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	runID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.loader.Load(r.Context(), runID)
	if err != nil {
		if errors.Is(err, state.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		log.Printf("api: load run error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	writeJSON(w, http.StatusOK, runToResponse(run))
}

func runToResponse(run *domain.Run) RunResponse {
	resp := RunResponse{
		ID:          run.ID.String(),
		Status:      string(run.Status),
		CreatedAt:   formatTime(run.CreatedAt),
		UpdatedAt:   formatTime(run.UpdatedAt),
		Checkpoints: make([]CheckpointResponse, len(run.Checkpoints)),
	}
	for i, cp := range run.Checkpoints {
		c := CheckpointResponse{
			ID:         cp.ID.String(),
			TestID:     cp.TestID,
			Status:     string(cp.Status),
			Attempt:    cp.Attempt,
			SkipReason: cp.SkipReason,
			LastError:  cp.LastError,
		}
		if !cp.StartedAt.IsZero() {
			c.StartedAt = formatTime(cp.StartedAt)
		}
		if !cp.CompletedAt.IsZero() {
			c.CompletedAt = formatTime(cp.CompletedAt)
		}
		for _, a := range cp.Artifacts {
			c.Artifacts = append(c.Artifacts, ArtifactResponse{
				Kind: string(a.Kind),
				Path: a.Path,
			})
		}
		resp.Checkpoints[i] = c
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
