package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSnapshotNameLength bounds snapshot names.
const MaxSnapshotNameLength = 255

// SnapshotMachine is the frozen copy of a machine's configuration taken
// together with a snapshot. Only snapshot deletion edits its attachments.
type SnapshotMachine struct {
	MachineID   uuid.UUID          `json:"machine_id"`
	SnapshotID  uuid.UUID          `json:"snapshot_id"`
	Hardware    Hardware           `json:"hardware"`
	Attachments []MediumAttachment `json:"attachments"`
	StateFile   string             `json:"state_file,omitempty"`
	NVRAMFile   string             `json:"nvram_file,omitempty"`
}

// NewSnapshotMachine copies cfg into a snapshot machine for snapshotID.
func NewSnapshotMachine(cfg *MachineConfig, snapshotID uuid.UUID) *SnapshotMachine {
	return &SnapshotMachine{
		MachineID:   cfg.ID,
		SnapshotID:  snapshotID,
		Hardware:    cfg.Hardware,
		Attachments: CloneAttachments(cfg.Attachments),
	}
}

// Clone returns a deep copy.
func (m *SnapshotMachine) Clone() *SnapshotMachine {
	out := *m
	out.Attachments = CloneAttachments(m.Attachments)
	return &out
}

// RemoveAttachment drops the attachment of the given medium.
// It reports whether an attachment was removed.
func (m *SnapshotMachine) RemoveAttachment(mediumID uuid.UUID) bool {
	idx := FindAttachmentByMedium(m.Attachments, mediumID)
	if idx < 0 {
		return false
	}
	m.Attachments = append(m.Attachments[:idx], m.Attachments[idx+1:]...)
	return true
}

// ReplaceMedium re-points the attachment of oldID at newID.
func (m *SnapshotMachine) ReplaceMedium(oldID, newID uuid.UUID) bool {
	idx := FindAttachmentByMedium(m.Attachments, oldID)
	if idx < 0 {
		return false
	}
	m.Attachments[idx].MediumID = newID
	return true
}

// Snapshot is a named point-in-time capture of a machine.
type Snapshot struct {
	ID          uuid.UUID        `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Machine     *SnapshotMachine `json:"machine"`
}

// NewSnapshot creates a snapshot with the given id.
func NewSnapshot(id uuid.UUID, name, description string, machine *SnapshotMachine) (*Snapshot, error) {
	if err := ValidateSnapshotName(name); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, ErrMissingArgument.WithDetails("snapshot id")
	}
	return &Snapshot{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Machine:     machine,
	}, nil
}

// ValidateSnapshotName checks a snapshot name.
func ValidateSnapshotName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrSnapshotNameRequired
	}
	if len(name) > MaxSnapshotNameLength {
		return ErrInvalidArgument.WithDetailsf("snapshot name exceeds %d bytes", MaxSnapshotNameLength)
	}
	return nil
}

// StateFile returns the saved-state path of the snapshot, if any.
func (s *Snapshot) StateFile() string {
	if s.Machine == nil {
		return ""
	}
	return s.Machine.StateFile
}

// SnapshotRecord is the persisted form of a tree node.
type SnapshotRecord struct {
	Snapshot
	ParentID uuid.UUID   `json:"parent_id"`
	Children []uuid.UUID `json:"children,omitempty"`
}
