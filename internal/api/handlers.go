package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/storage"
)

// Jobs is the orchestrator surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, req models.SubmitJobRequest) (*models.Job, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Job(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Capabilities reports what this instance can encode with.
type Capabilities interface {
	Status() services.CapabilityStatus
}

// HealthCheck is one named dependency probe for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type HandlerConfig struct {
	WorkerMode       string
	KenBurnsStrategy string
	DownloadURLTTL   time.Duration
	AnimationBreaker func() string // nil when no animation back-end is configured
	// QueueDepth is set in remote mode.
	QueueDepth       func(ctx context.Context) (int64, error)
}

type Handler struct {
	jobs      Jobs
	artifacts storage.Store
	caps      Capabilities
	checks    []HealthCheck
	cfg       HandlerConfig
	log       *logger.Logger
}

func NewHandler(jobs Jobs, artifacts storage.Store, caps Capabilities, cfg HandlerConfig, log *logger.Logger, checks ...HealthCheck) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = time.Hour
	}
	return &Handler{
		jobs:      jobs,
		artifacts: artifacts,
		caps:      caps,
		checks:    checks,
		cfg:       cfg,
		log:       log.WithComponent("api"),
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, models.SubmitJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	view, err := h.jobs.GetStatus(r.Context(), id)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	view, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// DeleteJob handles DELETE /v1/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Delete(r.Context(), id); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadJob handles GET /v1/jobs/{id}/download
func (h *Handler) DownloadJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Job(r.Context(), id)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	if job.Status != models.JobStatusCompleted || job.OutputRef == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}
	ref := *job.OutputRef

	// Local artifacts are served directly.
	if filepath.IsAbs(ref) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id.String()+".mp4"))
		http.ServeFile(w, r, ref)
		return
	}

	signedURL, err := h.artifacts.SignedURL(r.Context(), ref, h.cfg.DownloadURLTTL)
	if err != nil {
		h.log.Error("[API] failed to sign download", "job_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

type capabilitiesResponse struct {
	services.CapabilityStatus
	WorkerMode       string `json:"worker_mode"`
	KenBurnsStrategy string `json:"kenburns_strategy"`
	AnimationBreaker string `json:"animation_breaker,omitempty"`
	QueuedScenes     *int64 `json:"queued_scenes,omitempty"`
}

// Capabilities handles GET /v1/capabilities
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	resp := capabilitiesResponse{
		WorkerMode:       h.cfg.WorkerMode,
		KenBurnsStrategy: h.cfg.KenBurnsStrategy,
	}
	if h.caps != nil {
		resp.CapabilityStatus = h.caps.Status()
	}
	if h.cfg.AnimationBreaker != nil {
		resp.AnimationBreaker = h.cfg.AnimationBreaker()
	}
	if h.cfg.QueueDepth != nil {
		if n, err := h.cfg.QueueDepth(r.Context()); err == nil {
			resp.QueuedScenes = &n
		} else {
			h.log.Warn("[API] failed to read queue depth", "error", err)
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok"}
	code := http.StatusOK
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			body[c.Name] = err.Error()
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		body[c.Name] = "ok"
	}
	respondJSON(w, code, body)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// respondAppError maps a coded error onto its HTTP status. Internal details
// stay in the log.
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatus(err)
	resp := errorResponse{Code: string(apperrors.GetCode(err))}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) && status < 500 {
		resp.Error = appErr.Message
		if f, ok := appErr.Fields["field"].(string); ok {
			resp.Field = f
		}
	} else {
		resp.Error = http.StatusText(status)
		h.log.Error("[API] request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, resp)
}
