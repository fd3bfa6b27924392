// Package handler exposes the migration REST surface: job lifecycle
// endpoints and standalone record validation.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/orchestrator"
	"constitutional/internal/migration/validate"
	"constitutional/internal/platform/middleware"
	"constitutional/pkg/requestcontext"
)

// Service defines the interface for migration job operations.
type Service interface {
	CreateJob(ctx context.Context, params orchestrator.CreateParams) (*models.MigrationJob, error)
	GetJob(ctx context.Context, id string) (*models.MigrationJob, error)
	ListJobs(ctx context.Context) ([]*models.MigrationJob, error)
	StartJob(ctx context.Context, id string, resume bool) (*models.MigrationJob, error)
	PauseJob(ctx context.Context, id string) (*models.MigrationJob, error)
	CancelJob(ctx context.Context, id string) (*models.MigrationJob, error)
	RollbackJob(ctx context.Context, id string) (*models.MigrationJob, error)
	Validator() *validate.Validator
}

// Handler handles migration endpoints.
type Handler struct {
	logger       *slog.Logger
	service      Service
	jwtValidator middleware.JWTValidator
}

// New creates a new migration Handler.
func New(service Service, logger *slog.Logger, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		jwtValidator: jwtValidator,
	}
}

// Register registers the migration routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	mr := chi.NewRouter()
	mr.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	mr.Post("/migration/jobs", h.handleCreateJob)
	mr.Get("/migration/jobs", h.handleListJobs)
	mr.Get("/migration/jobs/{id}", h.handleGetJob)
	mr.Post("/migration/jobs/{id}/start", h.handleStartJob)
	mr.Post("/migration/jobs/{id}/pause", h.handlePauseJob)
	mr.Post("/migration/jobs/{id}/resume", h.handleResumeJob)
	mr.Post("/migration/jobs/{id}/cancel", h.handleCancelJob)
	mr.Post("/migration/jobs/{id}/rollback", h.handleRollbackJob)

	mr.Post("/migration/validate", h.handleValidateBatch)
	mr.Post("/migration/validate/single", h.handleValidateSingle)
	mr.Get("/migration/validate/schemas", h.handleListSchemas)

	r.Mount("/", mr)
}

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.warn(ctx, "invalid create job request", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.service.CreateJob(ctx, orchestrator.CreateParams{
		Name:   req.Name,
		Type:   req.Type,
		Config: req.Config(),
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidJob) {
			h.warn(ctx, "rejected create job request", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(ctx, "failed to create job", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobs, err := h.service.ListJobs(ctx)
	if err != nil {
		h.fail(ctx, "failed to list jobs", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.MigrationJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := h.service.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeJobError(ctx, w, "failed to get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleStartJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start", func(ctx context.Context, id string) (*models.MigrationJob, error) {
		return h.service.StartJob(ctx, id, false)
	})
}

func (h *Handler) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "resume", func(ctx context.Context, id string) (*models.MigrationJob, error) {
		return h.service.StartJob(ctx, id, true)
	})
}

func (h *Handler) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "pause", h.service.PauseJob)
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "cancel", h.service.CancelJob)
}

func (h *Handler) handleRollbackJob(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "rollback", h.service.RollbackJob)
}

// lifecycle runs one job state change and maps its errors to HTTP statuses.
func (h *Handler) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	fn func(ctx context.Context, id string) (*models.MigrationJob, error),
) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := fn(ctx, id)
	if err != nil {
		h.writeJobError(ctx, w, "failed to "+action+" job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ValidateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.warn(ctx, "invalid validate request", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SchemaName == "" {
		writeError(w, http.StatusBadRequest, "schemaName is required")
		return
	}

	result := h.service.Validator().ValidateBatch(req.SchemaName, req.Records, 0)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleValidateSingle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ValidateSingleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.warn(ctx, "invalid validate request", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SchemaName == "" {
		writeError(w, http.StatusBadRequest, "schemaName is required")
		return
	}

	result := h.service.Validator().Validate(req.SchemaName, req.Record)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schemas": h.service.Validator().SchemaNames(),
	})
}

// writeJobError maps service errors to 404/409/500.
func (h *Handler) writeJobError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		h.warn(ctx, msg, err)
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.fail(ctx, msg, err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func (h *Handler) warn(ctx context.Context, msg string, err error) {
	h.logger.WarnContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err.Error(),
	)
}

func (h *Handler) fail(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err.Error(),
	)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
