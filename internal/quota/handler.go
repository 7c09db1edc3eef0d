package quota

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexgrid/lexgrid/internal/api"
	"github.com/lexgrid/lexgrid/internal/ledger"
)

// Handler provides HTTP handlers for quota endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new quota Handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// GetUsage returns the subject's current usage snapshot.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuid.Parse(chi.URLParam(r, "subjectID"))
	if err != nil {
		api.HandleError(w, api.NewValidationError("invalid subject id"))
		return
	}

	snapshot, err := h.manager.Usage(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			api.HandleError(w, api.ErrNotFound)
			return
		}
		slog.Error("fetching usage snapshot", "error", err, "subject_id", subjectID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, snapshot)
}
