package handlers

import (
	"context"
	"net/http"

	"github.com/worq1337/parcer/internal/api/middleware"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/operators"
)

// OperatorReloader swaps in a freshly loaded operator dictionary.
type OperatorReloader interface {
	Reload(ctx context.Context) (*operators.Registry, error)
}

// OperatorsHandler handles operator dictionary endpoints.
type OperatorsHandler struct {
	reloader OperatorReloader
}

// NewOperatorsHandler creates a new operators handler.
func NewOperatorsHandler(reloader OperatorReloader) *OperatorsHandler {
	return &OperatorsHandler{reloader: reloader}
}

// Reload handles POST /api/operators/reload. On failure the previous
// dictionary stays in effect.
func (h *OperatorsHandler) Reload(w http.ResponseWriter, r *http.Request) {
	reg, err := h.reloader.Reload(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to reload operator dictionary")
		middleware.WriteError(w, http.StatusUnprocessableEntity, "Failed to reload operator dictionary: "+err.Error())
		return
	}

	skipped := reg.Skipped()
	if skipped == nil {
		skipped = []string{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules":   reg.Len(),
		"skipped": skipped,
	})
}
