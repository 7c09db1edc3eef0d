package ratelimit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexgrid/lexgrid/internal/api"
)

// Handler exposes the limiter's zero-cost status probe.
type Handler struct {
	limiter *Limiter
}

func NewHandler(limiter *Limiter) *Handler {
	return &Handler{limiter: limiter}
}

// GetStatus returns remaining/limit/reset per window for a subject.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuid.Parse(chi.URLParam(r, "subjectID"))
	if err != nil {
		api.HandleError(w, api.NewValidationError("invalid subject id"))
		return
	}

	api.JSON(w, http.StatusOK, h.limiter.Status(r.Context(), subjectID))
}
