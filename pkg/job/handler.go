package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/internal/httpserver"
)

// store is the slice of Store the HTTP handlers need.
type store interface {
	Create(ctx context.Context, featureName string, priority Priority, userID string, params json.RawMessage) (Job, error)
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	ClearFailure(ctx context.Context, id uuid.UUID) (Status, error)
	List(ctx context.Context, userID string, limit, offset int) ([]Job, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}

// priorityLookup resolves a user's scheduling class at job-creation time.
type priorityLookup interface {
	ForUser(ctx context.Context, userID string) Priority
}

// enqueuer pushes a job onto its priority queue.
type enqueuer interface {
	Enqueue(ctx context.Context, priority Priority, jobID uuid.UUID) error
}

// Handler provides the HTTP surface for submitting, resuming, and reading
// back jobs.
type Handler struct {
	store    store
	catalog  *catalog.Catalog
	priority priorityLookup
	queue    enqueuer
	logger   *slog.Logger
}

// NewHandler creates a job Handler.
func NewHandler(st store, cat *catalog.Catalog, pr priorityLookup, q enqueuer, logger *slog.Logger) *Handler {
	return &Handler{store: st, catalog: cat, priority: pr, queue: q, logger: logger}
}

// Routes returns a chi.Router with all job routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/resume", h.handleResume)
	})
	return r
}

// CreateRequest is the body of POST /api/v1/jobs.
type CreateRequest struct {
	FeatureName string          `json:"feature_name" validate:"required"`
	InputData   json.RawMessage `json:"input_data" validate:"required"`
	UserID      string          `json:"user_id" validate:"required"`
}

// CreateResponse is the body of a successful job creation.
type CreateResponse struct {
	Success    bool   `json:"success"`
	JobID      string `json:"job_id"`
	Priority   string `json:"priority"`
	MonitorURL string `json:"monitor_url"`
	Status     string `json:"status"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, ok := h.catalog.Feature(req.FeatureName); !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unknown feature recipe")
		return
	}

	prio := h.priority.ForUser(r.Context(), req.UserID)

	j, err := h.store.Create(r.Context(), req.FeatureName, prio, req.UserID, req.InputData)
	if err != nil {
		h.logger.Error("creating job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}

	if err := h.queue.Enqueue(r.Context(), prio, j.ID); err != nil {
		h.logger.Error("enqueueing job", "job_id", j.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to queue job")
		return
	}

	httpserver.Respond(w, http.StatusCreated, CreateResponse{
		Success:    true,
		JobID:      j.ID.String(),
		Priority:   string(j.Priority),
		MonitorURL: monitorURL(r, j.ID),
		Status:     string(StatusPending),
	})
}

// ResumeResponse is the body of a successful resume.
type ResumeResponse struct {
	Success          bool    `json:"success"`
	JobID            string  `json:"job_id"`
	PreviousStatus   string  `json:"previous_status"`
	NewStatus        string  `json:"new_status"`
	ResumingFromStep *string `json:"resuming_from_step"`
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		h.logger.Error("getting job", "job_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}

	prevStatus, err := h.store.ClearFailure(r.Context(), id)
	if err != nil {
		h.logger.Error("clearing failure", "job_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resume job")
		return
	}

	feature, ok := h.catalog.Feature(j.FeatureName)
	if !ok || j.CurrentStepIndex >= len(feature.Steps) {
		httpserver.Respond(w, http.StatusOK, ResumeResponse{
			Success:        true,
			JobID:          id.String(),
			PreviousStatus: string(prevStatus),
			NewStatus:      string(StatusCompleted),
		})
		return
	}

	if err := h.queue.Enqueue(r.Context(), j.Priority, id); err != nil {
		h.logger.Error("re-enqueueing job", "job_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to queue job")
		return
	}

	resumingFrom := feature.Steps[j.CurrentStepIndex]
	httpserver.Respond(w, http.StatusOK, ResumeResponse{
		Success:          true,
		JobID:            id.String(),
		PreviousStatus:   string(prevStatus),
		NewStatus:        string(StatusRunning),
		ResumingFromStep: &resumingFrom,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		h.logger.Error("getting job", "job_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}

	httpserver.Respond(w, http.StatusOK, j)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "query parameter 'user_id' is required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	items, err := h.store.List(r.Context(), userID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing jobs", "user_id", userID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	total, err := h.store.CountByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("counting jobs", "user_id", userID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

// monitorURL builds the WebSocket URL a client should connect to for a
// job's event stream, mirroring the scheme and host of the request.
func monitorURL(r *http.Request, jobID uuid.UUID) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, r.Host, jobID)
}
