package machine

import (
	"context"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
)

// Console is a running VM. Calls are served on the VM's own thread and
// block until it answers.
type Console interface {
	// SaveState writes the execution state to path. With pause a running
	// VM is suspended first and left suspended; suspended reports whether
	// this call paused it. Canceling ctx aborts the save with
	// domain.ErrTaskCanceled and leaves no file at path.
	SaveState(ctx context.Context, path string, pause bool, progress func(int)) (suspended bool, err error)

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	PowerDown(ctx context.Context) error

	// Reconfigure moves the disk at slot onto leaf; the console re-locks
	// the chain below leaf for itself.
	Reconfigure(ctx context.Context, slot domain.AttachmentSlot, leaf *medium.Medium) error

	// LockList returns the lock list the VM holds for a disk.
	LockList(slot domain.AttachmentSlot) (*medium.LockList, bool)

	// OnlineMerge merges a disk the VM is using.
	OnlineMerge(ctx context.Context, req merge.OnlineMergeRequest) (medium.Outcome, error)
}

// ConsoleFactory starts a VM for a machine.
type ConsoleFactory interface {
	Start(ctx context.Context, cfg domain.MachineConfig, attach func(slot domain.AttachmentSlot) (*medium.Medium, bool)) (Console, error)
}
