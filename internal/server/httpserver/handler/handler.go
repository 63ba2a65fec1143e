package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/service"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler routes API requests to the snapshot service.
type Handler struct {
	svc    *service.SnapshotService
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Handler.
func New(svc *service.SnapshotService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		svc:    svc,
		logger: log,
		mux:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler. The matched route pattern is left in
// r.Pattern for the middleware.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)

	// Machines
	h.mux.HandleFunc("GET /machines", h.handleListMachines)
	h.mux.HandleFunc("POST /machines", h.handleCreateMachine)
	h.mux.HandleFunc("GET /machines/{id}", h.handleGetMachine)
	h.mux.HandleFunc("POST /machines/{id}/start", h.machineAction(h.svc.StartMachine))
	h.mux.HandleFunc("POST /machines/{id}/pause", h.machineAction(h.svc.PauseMachine))
	h.mux.HandleFunc("POST /machines/{id}/resume", h.machineAction(h.svc.ResumeMachine))
	h.mux.HandleFunc("POST /machines/{id}/save", h.machineAction(h.svc.SaveMachineState))
	h.mux.HandleFunc("POST /machines/{id}/poweroff", h.machineAction(h.svc.PowerOffMachine))
	h.mux.HandleFunc("DELETE /machines/{id}", h.handleUnregisterMachine)

	// Snapshots
	h.mux.HandleFunc("GET /machines/{id}/snapshots", h.handleListSnapshots)
	h.mux.HandleFunc("POST /machines/{id}/snapshots", h.handleTakeSnapshot)
	h.mux.HandleFunc("POST /machines/{id}/snapshots/delete-range", h.handleDeleteSnapshotRange)
	h.mux.HandleFunc("GET /machines/{id}/snapshots/{sid}", h.handleGetSnapshot)
	h.mux.HandleFunc("POST /machines/{id}/snapshots/{sid}", h.handleEditSnapshot)
	h.mux.HandleFunc("POST /machines/{id}/snapshots/{sid}/restore", h.handleRestoreSnapshot)
	h.mux.HandleFunc("POST /machines/{id}/snapshots/{sid}/delete", h.handleDeleteSnapshot)
	h.mux.HandleFunc("POST /machines/{id}/snapshots/{sid}/delete-all", h.handleDeleteSnapshotAndChildren)

	// Tasks
	h.mux.HandleFunc("GET /tasks", h.handleListTasks)
	h.mux.HandleFunc("GET /tasks/{id}", h.handleGetTask)
	h.mux.HandleFunc("POST /tasks/{id}/cancel", h.handleCancelTask)

	// Media
	h.mux.HandleFunc("GET /media", h.handleListMedia)
	h.mux.HandleFunc("GET /media/{id}", h.handleGetMedium)
	h.mux.HandleFunc("POST /media/{id}/verify", h.handleVerifyMedium)
}

// writeJSON writes a success envelope.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		h.logger.Error("failed to encode response", "error", err, "request_id", requestID)
	}
}

// writeError writes an error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	WriteError(w, logger.RequestIDFromContext(r.Context()), status, code, message, details)
}

// WriteError writes an error envelope outside a Handler.
func WriteError(w http.ResponseWriter, requestID string, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(requestID, code, message, details))
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.DomainError
	if errors.As(err, &de) {
		status := ErrorCodeToHTTPStatus(de.Code)
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed", "error", err, "request_id", logger.RequestIDFromContext(r.Context()))
		}
		var details any
		if de.Details != "" {
			details = de.Details
		}
		h.writeError(w, r, status, de.Code, de.Message, details)
		return
	}

	h.logger.Error("internal error", "error", err, "request_id", logger.RequestIDFromContext(r.Context()))
	h.writeError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, domain.ErrInternal.Message, nil)
}

// ErrorCodeToHTTPStatus maps a VS-AREA-NNNN code onto an HTTP status by
// its numeric part.
func ErrorCodeToHTTPStatus(code string) int {
	if strings.HasPrefix(code, "VS-ARG-") {
		return http.StatusBadRequest
	}
	num := code[strings.LastIndex(code, "-")+1:]
	if len(num) != 4 {
		return http.StatusInternalServerError
	}
	switch num[:3] {
	case "400":
		return http.StatusBadRequest
	case "404":
		return http.StatusNotFound
	case "409":
		return http.StatusConflict
	case "429":
		return http.StatusTooManyRequests
	case "501":
		return http.StatusNotImplemented
	case "503":
		return http.StatusServiceUnavailable
	case "507":
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.ErrBadRequest.WithDetailsf("invalid request body: %v", err)
	}
	return nil
}

// pathID parses a UUID path parameter.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	return domain.ParseID(r.PathValue(name))
}
