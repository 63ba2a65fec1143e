package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/event"
	"github.com/yndnr/vmsnap-go/internal/core/machine"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/task"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// TaskResponse is returned by operations that continue in the background.
type TaskResponse struct {
	TaskID     string         `json:"task_id"`
	SnapshotID uuid.UUID      `json:"snapshot_id"`
	Progress   *task.Progress `json:"-"`
}

// ============================================================================
// Take Snapshot
// ============================================================================

// TakeSnapshotRequest contains parameters for taking a snapshot.
type TakeSnapshotRequest struct {
	MachineID   uuid.UUID
	Name        string
	Description string

	// Pause keeps a running VM suspended while its state is saved.
	Pause bool
}

// TakeSnapshot captures the machine. The new snapshot id is known
// immediately; the snapshot exists once the task succeeds.
func (s *SnapshotService) TakeSnapshot(ctx context.Context, req *TakeSnapshotRequest) (*TaskResponse, error) {
	// 1. Validate input
	if err := domain.ValidateSnapshotName(req.Name); err != nil {
		return nil, err
	}
	m, err := s.machine(req.MachineID)
	if err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	// 2. Check machine state and tree depth
	prev := m.State()
	if prev.IsTransient() {
		return nil, domain.ErrInvalidVMState.WithDetailsf("cannot take a snapshot of a machine that is %s", prev)
	}
	online := prev.IsOnline()
	if online && m.Console() == nil {
		return nil, domain.ErrSessionNotLocked
	}
	if err := m.Tree().CheckDepth(); err != nil {
		return nil, err
	}

	// 3. Set up progress: setup, optional state save, one op per disk
	disks := m.HardDisks(s.mediumType)
	weight := len(disks) + 1
	if online {
		weight += int(m.Config().Hardware.MemoryMB)
	}
	p, err := s.newProgress(m, task.ProgressConfig{
		Kind:           task.KindTakeSnapshot,
		Description:    "Taking a snapshot of the virtual machine",
		Operations:     2 + len(disks),
		TotalWeight:    weight,
		FirstOperation: "Setting up snapshot",
		FirstWeight:    1,
		Cancelable:     online,
	})
	if err != nil {
		return nil, err
	}

	t := &takeTask{
		s:      s,
		m:      m,
		snapID: domain.NewID(),
		name:   req.Name,
		desc:   req.Description,
		pause:  req.Pause,
		online: online,
		prev:   prev,
	}
	p.SetResultID(t.snapID.String())

	// 4. Enter the transient state and start the task
	next := domain.MachineStateSnapshotting
	if online {
		next = domain.MachineStateLiveSnapshotting
		if req.Pause {
			next = domain.MachineStateOnlineSnapshotting
		}
	}
	s.setState(m, next)
	if err := s.runner.Start(ctx, p, t); err != nil {
		s.setState(m, prev)
		return nil, err
	}

	logger.L(ctx).Info("taking snapshot",
		"machine_id", m.ID(), "snapshot_id", t.snapID, "task_id", p.ID(), "online", online)
	return &TaskResponse{TaskID: p.ID(), SnapshotID: t.snapID, Progress: p}, nil
}

type implicitDiff struct {
	slot         domain.AttachmentSlot
	parent       *medium.Medium
	diff         *medium.Medium
	reconfigured bool
	linked       bool
}

type takeTask struct {
	s      *SnapshotService
	m      *machine.Machine
	snapID uuid.UUID
	name   string
	desc   string
	pause  bool
	online bool
	prev   domain.MachineState

	snap      *domain.Snapshot
	folder    string
	prevCfg   domain.MachineConfig
	stateFile string
	nvram     string
	suspended bool
	diffs     []implicitDiff

	inserted     bool
	prevCurrent  uuid.UUID
	prevModified bool
}

func (t *takeTask) Prepare(_ context.Context, _ *task.Progress) task.Result {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return task.Fatal(domain.ErrObjectUninitialized)
	}

	cfg := t.m.Config()
	t.prevCfg = cfg
	t.folder = t.s.snapshotFolder(t.m)

	sm := domain.NewSnapshotMachine(&cfg, t.snapID)
	if !t.online {
		// An offline snapshot of a saved machine shares its state file.
		sm.StateFile = cfg.StateFile
	}
	snap, err := domain.NewSnapshot(t.snapID, t.name, t.desc, sm)
	if err != nil {
		return task.NeedsRollback(err)
	}
	t.snap = snap
	return task.Ok()
}

func (t *takeTask) Commit(ctx context.Context, p *task.Progress) task.Result {
	log := logger.L(ctx)

	// 1. Save the execution state without the machine lock
	if t.online {
		if err := t.saveState(ctx, p); err != nil {
			return task.NeedsRollback(err)
		}
	}

	// The transient machine state keeps other operations away from the
	// configuration while the disk work below runs unlocked.
	t.m.RLock()
	registered := t.s.registered(t.m)
	disks := t.m.HardDisks(t.s.mediumType)
	nvram := t.m.Config().NVRAMFile
	console := t.m.Console()
	t.m.RUnlock()
	if !registered {
		return task.NeedsRollback(domain.ErrObjectUninitialized)
	}

	// 2. Create the implicit differencing images
	for _, att := range disks {
		parent, err := t.s.reg.Get(att.MediumID)
		if err != nil {
			return task.NeedsRollback(err)
		}
		desc := fmt.Sprintf("Creating differencing hard disk for '%s'", parent.Name())
		if err := p.SetNextOperation(desc, 1); err != nil {
			return task.NeedsRollback(err)
		}
		diff, err := t.s.reg.CreateDiff(ctx, parent, t.s.diffLocation(t.folder))
		if err != nil {
			return task.NeedsRollback(err)
		}
		t.diffs = append(t.diffs, implicitDiff{slot: att.Slot(), parent: parent, diff: diff})
		d := &t.diffs[len(t.diffs)-1]

		if t.online && console != nil {
			if err := console.Reconfigure(ctx, d.slot, diff); err != nil {
				return task.NeedsRollback(err)
			}
			d.reconfigured = true
		}
		log.Debug("implicit diff created", "parent", parent.Location(), "diff", diff.Location())
	}

	// 3. Copy the NVRAM
	if nvram != "" {
		dst := filepath.Join(t.folder, "{"+t.snapID.String()+"}.nvram")
		if err := t.s.copyFile(nvram, dst); err != nil {
			return task.NeedsRollback(err)
		}
		t.nvram = dst
		t.snap.Machine.NVRAMFile = dst
	}

	t.m.Lock()
	defer t.m.Unlock()
	if !t.s.registered(t.m) {
		return task.NeedsRollback(domain.ErrObjectUninitialized)
	}

	// 4. Move the current state onto the diffs
	cfg := t.m.Config()
	mid := t.m.ID()
	for i := range t.diffs {
		d := &t.diffs[i]
		idx := domain.FindAttachmentBySlot(cfg.Attachments, d.slot)
		if idx < 0 {
			return task.NeedsRollback(domain.ErrAttachmentNotFound.WithDetails(d.slot.String()))
		}
		d.parent.RemoveBackReference(mid, uuid.Nil)
		d.parent.AddBackReference(mid, t.snapID)
		d.diff.AddBackReference(mid, uuid.Nil)
		d.linked = true
		cfg.Attachments[idx].MediumID = d.diff.ID()
	}

	// 5. Link the snapshot into the tree
	tree := t.m.Tree()
	t.prevCurrent = tree.CurrentID()
	t.prevModified = tree.CurrentStateModified()
	if err := tree.Insert(t.snap, t.prevCurrent); err != nil {
		return task.NeedsRollback(err)
	}
	t.inserted = true
	if err := tree.SetCurrent(t.snapID); err != nil {
		return task.NeedsRollback(err)
	}
	tree.SetCurrentStateModified(false)
	t.m.SetConfig(cfg)

	// 6. Persist
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		return task.NeedsRollback(err)
	}
	return task.Ok()
}

func (t *takeTask) saveState(ctx context.Context, p *task.Progress) error {
	t.m.RLock()
	console := t.m.Console()
	memMB := t.m.Config().Hardware.MemoryMB
	t.m.RUnlock()
	if console == nil {
		return domain.ErrSessionNotLocked
	}

	if p.Canceled() {
		p.SetCancelable(false)
		return domain.ErrTaskCanceled.WithDetails("canceled before the state was saved")
	}
	if err := p.SetNextOperation("Saving the machine state", int(memMB)); err != nil {
		return err
	}
	path := filepath.Join(t.folder, "{"+t.snapID.String()+"}.sav")

	saveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.SetCancelCallback(cancel)
	suspended, err := console.SaveState(saveCtx, path, t.pause, p.SetOperationPercent)
	// No cancel is accepted past this point; one accepted before it wins
	// even when the save itself completed.
	p.SetCancelable(false)
	p.SetCancelCallback(nil)
	t.suspended = suspended
	if err == nil && p.Canceled() {
		err = domain.ErrTaskCanceled.WithDetails("canceled after the state was saved")
	}
	if err != nil {
		t.s.removeFile(ctx, path, "saved state")
		if p.Canceled() && !errors.Is(err, domain.ErrTaskCanceled) {
			return domain.ErrTaskCanceled.WithCause(err)
		}
		return err
	}

	t.stateFile = path
	t.snap.Machine.StateFile = path
	return nil
}

func (t *takeTask) Rollback(ctx context.Context, _ *task.Progress, _ error) {
	log := logger.L(ctx)

	t.m.Lock()
	defer t.m.Unlock()

	mid := t.m.ID()
	console := t.m.Console()
	for i := len(t.diffs) - 1; i >= 0; i-- {
		d := t.diffs[i]
		if d.reconfigured && console != nil {
			if err := console.Reconfigure(ctx, d.slot, d.parent); err != nil {
				log.Warn("failed to move disk back to its parent", "slot", d.slot.String(), "error", err)
			}
		}
		if d.linked {
			d.diff.RemoveBackReference(mid, uuid.Nil)
			d.parent.RemoveBackReference(mid, t.snapID)
			d.parent.AddBackReference(mid, uuid.Nil)
		}
		if err := t.s.reg.DeleteStorage(ctx, d.diff); err != nil {
			log.Warn("failed to delete implicit diff", "medium_id", d.diff.ID(), "error", err)
		}
	}
	t.diffs = nil

	tree := t.m.Tree()
	if t.inserted {
		if _, err := tree.Remove(t.snapID); err != nil {
			log.Warn("failed to unlink snapshot", "snapshot_id", t.snapID, "error", err)
		}
		_ = tree.SetCurrent(t.prevCurrent)
		tree.SetCurrentStateModified(t.prevModified)
		t.inserted = false
	}

	if t.stateFile != "" && !tree.SharesSavedStateFile(t.stateFile, uuid.Nil) {
		t.s.removeFile(ctx, t.stateFile, "saved state")
	}
	t.s.removeFile(ctx, t.nvram, "nvram copy")

	if t.s.registered(t.m) && t.prevCfg.ID != uuid.Nil {
		t.m.SetConfig(t.prevCfg)
		if err := t.s.saveMachine(ctx, t.m); err != nil {
			log.Error("failed to persist rolled back machine", "machine_id", mid, "error", err)
		}
	}
}

func (t *takeTask) Finish(ctx context.Context, _ *task.Progress, res task.Result) {
	log := logger.L(ctx)

	t.m.Lock()
	defer t.m.Unlock()

	if t.suspended {
		if console := t.m.Console(); console != nil {
			if err := console.Resume(ctx); err != nil {
				log.Warn("failed to resume machine after snapshot", "machine_id", t.m.ID(), "error", err)
			}
		}
	}
	if !t.s.registered(t.m) {
		return
	}

	t.s.setState(t.m, t.prev)
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		log.Error("failed to persist machine state", "machine_id", t.m.ID(), "error", err)
	}
	if res.IsOk() {
		t.s.bus.Publish(event.Event{Type: event.SnapshotTaken, MachineID: t.m.ID(), SnapshotID: t.snapID})
		log.Info("snapshot taken", "machine_id", t.m.ID(), "snapshot_id", t.snapID, "name", t.name)
	}
}
