package handler

import (
	"net/http"

	"github.com/yndnr/vmsnap-go/internal/core/medium"
)

// handleListMedia handles GET /media, ordered by location.
func (h *Handler) handleListMedia(w http.ResponseWriter, r *http.Request) {
	media := h.svc.Registry().List()
	out := make([]MediumResponse, 0, len(media))
	for _, m := range media {
		out = append(out, mediumResponse(m))
	}
	h.writeJSON(w, r, http.StatusOK, out)
}

// handleGetMedium handles GET /media/{id}.
func (h *Handler) handleGetMedium(w http.ResponseWriter, r *http.Request) {
	m, err := h.medium(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, mediumResponse(m))
}

// handleVerifyMedium handles POST /media/{id}/verify: it hashes the
// guest-visible content of the image.
func (h *Handler) handleVerifyMedium(w http.ResponseWriter, r *http.Request) {
	m, err := h.medium(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	digest, err := h.svc.Registry().Verify(r.Context(), m)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, VerifyMediumResponse{ID: m.ID(), Digest: digest})
}

func (h *Handler) medium(r *http.Request) (*medium.Medium, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.svc.Registry().Get(id)
}
