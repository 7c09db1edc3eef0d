package queue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lexgrid/lexgrid/internal/api"
)

// SubmitRequest is the job submission payload.
type SubmitRequest struct {
	Query        string `json:"query" validate:"required,min=3,max=4000"`
	Mode         string `json:"mode" validate:"required,oneof=quick standard deep"`
	Jurisdiction string `json:"jurisdiction" validate:"required,min=2,max=64"`
	SubjectID    string `json:"subject_id" validate:"required,uuid4"`
}

// Handler provides HTTP handlers for the job submission surface.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// Submit enqueues a research job and returns its id.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	subjectID, err := uuid.Parse(req.SubjectID)
	if err != nil {
		api.HandleError(w, api.NewValidationError("invalid subject id"))
		return
	}

	jobID, err := h.svc.Submit(r.Context(), req.Query, req.Mode, req.Jurisdiction, subjectID)
	if err != nil {
		slog.Error("submitting job", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

// GetStatus returns the current state of a job.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		api.HandleError(w, api.NewValidationError("invalid job id"))
		return
	}

	status, err := h.svc.Status(jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			api.HandleError(w, api.ErrNotFound)
			return
		}
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, status)
}

// GetMetrics returns queue counters.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.svc.Metrics())
}
