package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/vmsnap-go/internal/infra/buildinfo"
)

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  buildinfo.Get().Version,
		"machines": len(h.svc.ListMachines(r.Context())),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
