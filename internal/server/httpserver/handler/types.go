package handler

import (
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
)

// Response is the envelope of every JSON response except /metrics.
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// TakeSnapshotRequest is the body of POST /machines/{id}/snapshots.
type TakeSnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Pause       bool   `json:"pause,omitempty"`
}

// EditSnapshotRequest is the body of POST /machines/{id}/snapshots/{sid}.
// Absent fields are left unchanged.
type EditSnapshotRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// DeleteRangeRequest is the body of POST /machines/{id}/snapshots/delete-range.
type DeleteRangeRequest struct {
	StartID string `json:"start_id"`
	EndID   string `json:"end_id"`
}

// TaskAccepted is returned with 202 by operations that run as tasks.
type TaskAccepted struct {
	TaskID     string    `json:"task_id"`
	SnapshotID uuid.UUID `json:"snapshot_id"`
}

// ListTasksResponse is the body of GET /tasks.
type ListTasksResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

// MediumResponse describes a disk image.
type MediumResponse struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Location    string             `json:"location"`
	Type        domain.MediumType  `json:"type"`
	State       domain.MediumState `json:"state"`
	LogicalSize uint64             `json:"logical_size"`
	Size        uint64             `json:"size"`
	ParentID    *uuid.UUID         `json:"parent_id,omitempty"`
	Children    []uuid.UUID        `json:"children,omitempty"`
	BackRefs    []medium.BackRef   `json:"back_refs,omitempty"`
}

func mediumResponse(m *medium.Medium) MediumResponse {
	resp := MediumResponse{
		ID:          m.ID(),
		Name:        m.Name(),
		Location:    m.Location(),
		Type:        m.Type(),
		State:       m.State(),
		LogicalSize: m.LogicalSize(),
		Size:        m.Size(),
		BackRefs:    m.BackRefs(),
	}
	if p := m.Parent(); p != nil {
		id := p.ID()
		resp.ParentID = &id
	}
	for _, c := range m.Children() {
		resp.Children = append(resp.Children, c.ID())
	}
	return resp
}

// VerifyMediumResponse is the body of POST /media/{id}/verify.
type VerifyMediumResponse struct {
	ID     uuid.UUID `json:"id"`
	Digest string    `json:"digest"`
}
