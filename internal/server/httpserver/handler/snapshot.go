package handler

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/service"
)

// handleListSnapshots handles GET /machines/{id}/snapshots. The tree is
// returned in pre-order.
func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	snaps, err := h.svc.ListSnapshots(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []*service.SnapshotInfo{}
	}
	h.writeJSON(w, r, http.StatusOK, snaps)
}

// handleGetSnapshot handles GET /machines/{id}/snapshots/{sid}. sid is a
// snapshot id or name.
func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	var name string
	sid, perr := uuid.Parse(r.PathValue("sid"))
	if perr != nil {
		name = r.PathValue("sid")
	}
	info, err := h.svc.GetSnapshot(r.Context(), id, sid, name)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleTakeSnapshot handles POST /machines/{id}/snapshots.
func (h *Handler) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	var req TakeSnapshotRequest
	if err := decode(r, &req); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp, err := h.svc.TakeSnapshot(r.Context(), &service.TakeSnapshotRequest{
		MachineID:   id,
		Name:        req.Name,
		Description: req.Description,
		Pause:       req.Pause,
	})
	h.writeTask(w, r, resp, err)
}

// handleEditSnapshot handles POST /machines/{id}/snapshots/{sid}.
func (h *Handler) handleEditSnapshot(w http.ResponseWriter, r *http.Request) {
	id, sid, err := snapshotPath(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	var req EditSnapshotRequest
	if err := decode(r, &req); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	info, err := h.svc.EditSnapshot(r.Context(), &service.EditSnapshotRequest{
		MachineID:   id,
		SnapshotID:  sid,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

// handleRestoreSnapshot handles POST /machines/{id}/snapshots/{sid}/restore.
func (h *Handler) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, sid, err := snapshotPath(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp, err := h.svc.RestoreSnapshot(r.Context(), &service.RestoreSnapshotRequest{MachineID: id, SnapshotID: sid})
	h.writeTask(w, r, resp, err)
}

// handleDeleteSnapshot handles POST /machines/{id}/snapshots/{sid}/delete.
func (h *Handler) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, sid, err := snapshotPath(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp, err := h.svc.DeleteSnapshot(r.Context(), &service.DeleteSnapshotRequest{MachineID: id, SnapshotID: sid})
	h.writeTask(w, r, resp, err)
}

// handleDeleteSnapshotAndChildren handles
// POST /machines/{id}/snapshots/{sid}/delete-all.
func (h *Handler) handleDeleteSnapshotAndChildren(w http.ResponseWriter, r *http.Request) {
	id, sid, err := snapshotPath(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp, err := h.svc.DeleteSnapshotAndAllChildren(r.Context(), &service.DeleteSnapshotRequest{MachineID: id, SnapshotID: sid})
	h.writeTask(w, r, resp, err)
}

// handleDeleteSnapshotRange handles POST /machines/{id}/snapshots/delete-range.
func (h *Handler) handleDeleteSnapshotRange(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	var req DeleteRangeRequest
	if err := decode(r, &req); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	start, err := domain.ParseID(req.StartID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	end, err := domain.ParseID(req.EndID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp, err := h.svc.DeleteSnapshotRange(r.Context(), &service.DeleteSnapshotRangeRequest{MachineID: id, StartID: start, EndID: end})
	h.writeTask(w, r, resp, err)
}

// writeTask answers 202 with the task of a started operation.
func (h *Handler) writeTask(w http.ResponseWriter, r *http.Request, resp *service.TaskResponse, err error) {
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/tasks/"+resp.TaskID)
	h.writeJSON(w, r, http.StatusAccepted, TaskAccepted{TaskID: resp.TaskID, SnapshotID: resp.SnapshotID})
}

func snapshotPath(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	sid, err := pathID(r, "sid")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return id, sid, nil
}
