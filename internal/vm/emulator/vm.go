package emulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// errSaveCanceled is returned by SaveState when its context ends.
var errSaveCanceled = domain.ErrTaskCanceled.WithDetails("state save canceled")

type request struct {
	fn   func() error
	done chan error
}

// VM is a running machine. All methods are safe for concurrent use; the
// ones that touch guest state are served on the EMT.
type VM struct {
	id       uuid.UUID
	name     string
	memoryMB uint64

	reg     *medium.Registry
	disks   BlockIO
	limiter *rate.Limiter
	logger  logger.Logger

	reqs     chan request
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// paused is owned by the EMT.
	paused bool

	mu    sync.Mutex
	locks map[domain.AttachmentSlot]*medium.LockList
}

func (vm *VM) run() {
	defer close(vm.done)
	for {
		select {
		case req := <-vm.reqs:
			req.done <- req.fn()
		case <-vm.quit:
			return
		}
	}
}

// call runs fn on the EMT and waits for it. A request the EMT accepted
// always runs to completion; fn is expected to watch ctx itself.
func (vm *VM) call(ctx context.Context, fn func() error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case vm.reqs <- req:
	case <-vm.quit:
		return domain.ErrInvalidVMState.WithDetailsf("vm %s is powered off", vm.name)
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

func (vm *VM) stop() {
	vm.stopOnce.Do(func() {
		close(vm.quit)
		<-vm.done
	})
}

// ID returns the machine id.
func (vm *VM) ID() uuid.UUID { return vm.id }

// Paused reports whether the guest is suspended.
func (vm *VM) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := vm.call(ctx, func() error {
		paused = vm.paused
		return nil
	})
	return paused, err
}

// ============================================================================
// Execution control
// ============================================================================

// Pause suspends the guest.
func (vm *VM) Pause(ctx context.Context) error {
	return vm.call(ctx, func() error {
		if vm.paused {
			return domain.ErrInvalidVMState.WithDetailsf("vm %s is already paused", vm.name)
		}
		vm.paused = true
		vm.logger.Debug("vm paused")
		return nil
	})
}

// Resume continues a suspended guest.
func (vm *VM) Resume(ctx context.Context) error {
	return vm.call(ctx, func() error {
		if !vm.paused {
			return domain.ErrInvalidVMState.WithDetailsf("vm %s is not paused", vm.name)
		}
		vm.paused = false
		vm.logger.Debug("vm resumed")
		return nil
	})
}

// PowerDown releases every disk and stops the EMT. Calling it on a
// stopped VM is a no-op.
func (vm *VM) PowerDown(ctx context.Context) error {
	err := vm.call(ctx, func() error {
		vm.unlockAll()
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidVMState) {
		return err
	}
	vm.stop()
	vm.logger.Info("vm powered down")
	return nil
}

func (vm *VM) unlockAll() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for slot, l := range vm.locks {
		if err := l.Unlock(); err != nil {
			vm.logger.Warn("cannot unlock disk", "slot", slot.String(), "error", err)
		}
		delete(vm.locks, slot)
	}
}

// ============================================================================
// Saved state
// ============================================================================

// SaveState writes the execution state to path. Guest memory is streamed
// at the configured bandwidth; progress reports the share written so far.
// Canceling ctx aborts the save, also before the EMT picked it up, and
// leaves no state file behind.
func (vm *VM) SaveState(ctx context.Context, path string, pause bool, progress func(int)) (bool, error) {
	var suspended bool
	err := vm.call(ctx, func() error {
		if pause && !vm.paused {
			vm.paused = true
			suspended = true
		}
		if err := vm.streamMemory(ctx, progress); err != nil {
			return err
		}
		st := &savedState{
			MachineID: vm.id,
			Name:      vm.name,
			MemoryMB:  vm.memoryMB,
			Paused:    vm.paused,
			Disks:     vm.diskLocations(),
			SavedAt:   time.Now().UTC(),
		}
		if err := writeState(path, st); err != nil {
			return domain.ErrInternal.WithDetailsf("write saved state %s", path).WithCause(err)
		}
		vm.logger.Info("state saved", "path", path, "memory_mb", vm.memoryMB)
		return nil
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, domain.ErrTaskCanceled) {
		err = errSaveCanceled.WithCause(err)
	}
	return suspended, err
}

func (vm *VM) streamMemory(ctx context.Context, progress func(int)) error {
	last := -1
	report := func(p int) {
		if progress != nil && p != last {
			progress(p)
			last = p
		}
	}
	for mib := uint64(0); mib < vm.memoryMB; mib++ {
		if err := ctx.Err(); err != nil {
			return errSaveCanceled.WithCause(err)
		}
		if err := vm.limiter.Wait(ctx); err != nil {
			return errSaveCanceled.WithCause(err)
		}
		report(int(mib * 100 / vm.memoryMB))
	}
	report(100)
	return nil
}

func (vm *VM) diskLocations() map[string]string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make(map[string]string, len(vm.locks))
	for slot, l := range vm.locks {
		if leaf := leafOf(l); leaf != nil {
			out[slot.String()] = leaf.Location()
		}
	}
	return out
}

// ============================================================================
// Disks
// ============================================================================

// LockList returns the lock list held for a disk.
func (vm *VM) LockList(slot domain.AttachmentSlot) (*medium.LockList, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	l, ok := vm.locks[slot]
	return l, ok
}

// Reconfigure moves the disk at slot onto leaf. The old chain stays locked
// if the new one cannot be.
func (vm *VM) Reconfigure(ctx context.Context, slot domain.AttachmentSlot, leaf *medium.Medium) error {
	return vm.call(ctx, func() error {
		vm.mu.Lock()
		defer vm.mu.Unlock()

		old := vm.locks[slot]
		if old != nil {
			if err := old.Unlock(); err != nil {
				return err
			}
		}
		l := vm.reg.CreateLockList(leaf, true)
		if err := l.Lock(); err != nil {
			if old != nil {
				_ = old.Lock()
			}
			return err
		}
		vm.locks[slot] = l
		vm.logger.Debug("disk reconfigured", "slot", slot.String(), "medium_id", leaf.ID())
		return nil
	})
}

// OnlineMerge merges a disk of the running guest. Guest I/O waits until
// the merge is over.
func (vm *VM) OnlineMerge(ctx context.Context, req merge.OnlineMergeRequest) (medium.Outcome, error) {
	outcome := medium.OutcomeFailed
	err := vm.call(ctx, func() error {
		held, ok := vm.LockList(req.Slot)
		if !ok || held != req.Locks {
			return domain.ErrOnlineMergeNotPossible.WithDetailsf("no disk at %s", req.Slot)
		}
		start := time.Now()
		var err error
		outcome, err = vm.reg.RunMerge(ctx, req.Plan, req.Progress)
		if outcome != medium.OutcomeSucceeded {
			return err
		}
		if err := vm.reg.FinishOnlineMerge(ctx, req.Plan, req.Locks); err != nil {
			return err
		}
		vm.logger.Info("online merge finished",
			"slot", req.Slot.String(),
			"source", req.Plan.Source.ID(),
			"target", req.Plan.Target.ID(),
			"elapsed", time.Since(start))
		return nil
	})
	return outcome, err
}

// WriteBlock writes guest data to the disk at slot.
func (vm *VM) WriteBlock(ctx context.Context, slot domain.AttachmentSlot, block uint64, data []byte) error {
	return vm.call(ctx, func() error {
		leaf, err := vm.leaf(slot)
		if err != nil {
			return err
		}
		if err := vm.disks.WriteBlock(leaf.Location(), block, data); err != nil {
			return domain.ErrMediumIO.WithDetailsf("write %s block %d", leaf.Location(), block).WithCause(err)
		}
		return nil
	})
}

// ReadBlock reads guest data from the disk at slot. Blocks never written
// read as nil.
func (vm *VM) ReadBlock(ctx context.Context, slot domain.AttachmentSlot, block uint64) ([]byte, error) {
	var data []byte
	err := vm.call(ctx, func() error {
		leaf, err := vm.leaf(slot)
		if err != nil {
			return err
		}
		buf, ok, err := vm.disks.ReadBlock(leaf.Location(), block)
		if err != nil {
			return domain.ErrMediumIO.WithDetailsf("read %s block %d", leaf.Location(), block).WithCause(err)
		}
		if ok {
			data = buf
		}
		return nil
	})
	return data, err
}

func (vm *VM) leaf(slot domain.AttachmentSlot) (*medium.Medium, error) {
	l, ok := vm.LockList(slot)
	if !ok {
		return nil, domain.ErrAttachmentNotFound.WithDetails(slot.String())
	}
	leaf := leafOf(l)
	if leaf == nil {
		return nil, domain.ErrAttachmentNotFound.WithDetails(slot.String())
	}
	return leaf, nil
}

func leafOf(l *medium.LockList) *medium.Medium {
	entries := l.Entries()
	if len(entries) == 0 {
		return nil
	}
	return entries[len(entries)-1].Medium()
}
