package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// DeviceType is the kind of device a medium is attached as.
type DeviceType string

const (
	DeviceTypeHardDisk DeviceType = "hdd"
	DeviceTypeDVD      DeviceType = "dvd"
	DeviceTypeFloppy   DeviceType = "floppy"
)

// MediumType controls how a medium behaves under snapshots.
type MediumType string

const (
	MediumTypeNormal       MediumType = "normal"
	MediumTypeImmutable    MediumType = "immutable"
	MediumTypeWritethrough MediumType = "writethrough"
	MediumTypeShareable    MediumType = "shareable"
	MediumTypeReadonly     MediumType = "readonly"
)

// SkipsSnapshots reports whether snapshots leave media of this type alone.
func (t MediumType) SkipsSnapshots() bool {
	return t == MediumTypeWritethrough || t == MediumTypeShareable || t == MediumTypeReadonly
}

// MediumState is the lock/lifecycle state of a medium.
type MediumState string

const (
	MediumStateNotCreated   MediumState = "not_created"
	MediumStateCreated      MediumState = "created"
	MediumStateLockedRead   MediumState = "locked_read"
	MediumStateLockedWrite  MediumState = "locked_write"
	MediumStateInaccessible MediumState = "inaccessible"
	MediumStateCreating     MediumState = "creating"
	MediumStateDeleting     MediumState = "deleting"
)

// AttachmentSlot identifies a controller port/device position.
type AttachmentSlot struct {
	Controller string `json:"controller"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
}

// String renders the slot as controller:port:device.
func (s AttachmentSlot) String() string {
	return fmt.Sprintf("%s:%d:%d", s.Controller, s.Port, s.Device)
}

// MediumAttachment binds a medium to a controller slot.
type MediumAttachment struct {
	Controller string     `json:"controller"`
	Port       int        `json:"port"`
	Device     int        `json:"device"`
	Type       DeviceType `json:"type"`
	MediumID   uuid.UUID  `json:"medium_id"`
}

// Slot returns the position of the attachment.
func (a MediumAttachment) Slot() AttachmentSlot {
	return AttachmentSlot{Controller: a.Controller, Port: a.Port, Device: a.Device}
}

// CloneAttachments copies an attachment list.
func CloneAttachments(in []MediumAttachment) []MediumAttachment {
	if in == nil {
		return nil
	}
	out := make([]MediumAttachment, len(in))
	copy(out, in)
	return out
}

// FindAttachmentBySlot returns the index of the attachment at slot, or -1.
func FindAttachmentBySlot(atts []MediumAttachment, slot AttachmentSlot) int {
	for i, a := range atts {
		if a.Slot() == slot {
			return i
		}
	}
	return -1
}

// FindAttachmentByMedium returns the index of the attachment of medium id, or -1.
func FindAttachmentByMedium(atts []MediumAttachment, id uuid.UUID) int {
	for i, a := range atts {
		if a.MediumID == id {
			return i
		}
	}
	return -1
}
