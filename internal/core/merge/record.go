package merge

import (
	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
)

// Action says what the executor does for a DeleteRec.
type Action int

const (
	// ActionKeep leaves the image on disk and only drops the snapshot's
	// attachment. Used for a childless base image and for base images whose
	// child belongs to another machine.
	ActionKeep Action = iota
	// ActionDelete removes a childless differencing image.
	ActionDelete
	// ActionMerge merges the image with its only child.
	ActionMerge
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionDelete:
		return "delete"
	case ActionMerge:
		return "merge"
	default:
		return "invalid"
	}
}

// DeleteRec is the plan for one disk of a snapshot being deleted.
type DeleteRec struct {
	MachineID  uuid.UUID
	SnapshotID uuid.UUID
	Attachment domain.MediumAttachment
	Action     Action

	// Medium is the image the snapshot referenced.
	Medium *medium.Medium

	// Merge fields; Source and Target are Medium and its child in the order
	// chosen by direction.
	Source  *medium.Medium
	Target  *medium.Medium
	Forward bool
	Plan    *medium.MergePlan

	// Online is set when the running VM performs the merge on VMLocks.
	Online  bool
	VMLocks *medium.LockList

	// Token holds the write lock of a kept image.
	Token *medium.Token

	backRefRemoved bool
	marked         bool
	vmPrev         map[uuid.UUID]bool
	committed      bool
}

// Committed reports whether the executor finished this record.
func (r *DeleteRec) Committed() bool { return r.committed }

// Direction names the merge direction for logs and metrics.
func (r *DeleteRec) Direction() string {
	if r.Action != ActionMerge {
		return "none"
	}
	if r.Forward {
		return "forward"
	}
	return "backward"
}

// Mode names where the merge runs.
func (r *DeleteRec) Mode() string {
	if r.Online {
		return "online"
	}
	return "offline"
}
