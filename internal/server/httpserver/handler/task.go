package handler

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/task"
)

// handleListTasks handles GET /tasks. Optional filters: machine_id and
// status.
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var machineID uuid.UUID
	if raw := q.Get("machine_id"); raw != "" {
		id, err := domain.ParseID(raw)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		machineID = id
	}
	status := task.Status(q.Get("status"))

	items := []task.Info{}
	for _, p := range h.svc.Runner().List() {
		info := p.Info()
		if machineID != uuid.Nil && info.MachineID != machineID {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		items = append(items, info)
	}
	h.writeJSON(w, r, http.StatusOK, ListTasksResponse{Items: items, Total: len(items)})
}

// handleGetTask handles GET /tasks/{id}.
func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	p, err := h.task(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, p.Info())
}

// handleCancelTask handles POST /tasks/{id}/cancel. Cancellation is
// asynchronous; the task reports canceled once it has rolled back.
func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	p, err := h.task(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if err := p.Cancel(); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, p.Info())
}

func (h *Handler) task(r *http.Request) (*task.Progress, error) {
	id := r.PathValue("id")
	if !domain.IsValidTaskID(id) {
		return nil, domain.ErrInvalidArgument.WithDetailsf("invalid task id %q", id)
	}
	return h.svc.Runner().Get(id)
}
