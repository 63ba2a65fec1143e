package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/service"
)

// handleListMachines handles GET /machines.
func (h *Handler) handleListMachines(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.svc.ListMachines(r.Context()))
}

// handleCreateMachine handles POST /machines.
func (h *Handler) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterMachineRequest
	if err := decode(r, &req); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	info, err := h.svc.RegisterMachine(r.Context(), &req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, info)
}

// handleGetMachine handles GET /machines/{id}.
func (h *Handler) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	info, err := h.svc.GetMachine(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleUnregisterMachine handles DELETE /machines/{id}.
func (h *Handler) handleUnregisterMachine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if err := h.svc.UnregisterMachine(r.Context(), id); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]uuid.UUID{"id": id})
}

// machineAction adapts a power-control operation to POST
// /machines/{id}/{action}.
func (h *Handler) machineAction(op func(context.Context, uuid.UUID) (*service.MachineInfo, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		info, err := op(r.Context(), id)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		h.writeJSON(w, r, http.StatusOK, info)
	}
}
