package service

import (
	"context"
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

// ============================================================================
// Restore Snapshot
// ============================================================================

// RestoreSnapshotRequest contains parameters for restoring a snapshot.
type RestoreSnapshotRequest struct {
	MachineID  uuid.UUID
	SnapshotID uuid.UUID
}

// RestoreSnapshot makes the snapshot the current one and resets the
// machine's configuration and disks to it. The machine must be off.
func (s *SnapshotService) RestoreSnapshot(ctx context.Context, req *RestoreSnapshotRequest) (*TaskResponse, error) {
	m, err := s.machine(req.MachineID)
	if err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	// 1. Check machine state
	prev := m.State()
	if prev.IsOnline() || prev.IsTransient() {
		return nil, domain.ErrInvalidVMState.WithDetailsf("cannot restore a snapshot of a machine that is %s", prev)
	}

	// 2. Resolve the snapshot
	snap, err := m.Tree().Get(req.SnapshotID)
	if err != nil {
		return nil, err
	}
	disks := 0
	if snap.Machine != nil {
		for _, att := range snap.Machine.Attachments {
			if typ, ok := s.mediumType(att.MediumID); ok && att.Type == domain.DeviceTypeHardDisk && !typ.SkipsSnapshots() {
				disks++
			}
		}
	}

	// 3. Set up progress and start
	p, err := s.newProgress(m, task.ProgressConfig{
		Kind:           task.KindRestoreSnapshot,
		Description:    fmt.Sprintf("Restoring snapshot '%s'", snap.Name),
		Operations:     1 + disks,
		TotalWeight:    1 + disks,
		FirstOperation: "Restoring machine settings",
		FirstWeight:    1,
	})
	if err != nil {
		return nil, err
	}
	p.SetResultID(snap.ID.String())

	t := &restoreTask{s: s, m: m, snapID: snap.ID, prev: prev}
	s.setState(m, domain.MachineStateRestoringSnapshot)
	if err := s.runner.Start(ctx, p, t); err != nil {
		s.setState(m, prev)
		return nil, err
	}

	logger.L(ctx).Info("restoring snapshot",
		"machine_id", m.ID(), "snapshot_id", snap.ID, "task_id", p.ID())
	return &TaskResponse{TaskID: p.ID(), SnapshotID: snap.ID, Progress: p}, nil
}

type restoreTask struct {
	s      *SnapshotService
	m      *machine.Machine
	snapID uuid.UUID
	prev   domain.MachineState
	final  domain.MachineState

	prevCfg      domain.MachineConfig
	prevCurrent  uuid.UUID
	prevModified bool

	oldLeaves []*medium.Medium
	released  []*medium.Medium
	shared    []*medium.Medium
	created   []*medium.Medium
}

func (t *restoreTask) Prepare(_ context.Context, _ *task.Progress) task.Result {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return task.Fatal(domain.ErrObjectUninitialized)
	}
	if !t.m.Tree().Contains(t.snapID) {
		return task.NeedsRollback(domain.ErrSnapshotNotFound.WithDetails(t.snapID.String()))
	}

	// Differencing images only the current state uses go away after the
	// restore.
	mid := t.m.ID()
	for _, att := range t.m.HardDisks(t.s.mediumType) {
		md, err := t.s.reg.Get(att.MediumID)
		if err != nil || md.Parent() == nil || len(md.Children()) != 0 {
			continue
		}
		refs := md.BackRefs()
		if len(refs) == 1 && refs[0].MachineID == mid && refs[0].InCurState && len(refs[0].SnapshotIDs) == 0 {
			t.oldLeaves = append(t.oldLeaves, md)
		}
	}
	return task.Ok()
}

func (t *restoreTask) Commit(ctx context.Context, p *task.Progress) task.Result {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return task.NeedsRollback(domain.ErrObjectUninitialized)
	}
	snap, err := t.m.Tree().Get(t.snapID)
	if err != nil {
		return task.NeedsRollback(err)
	}

	// 1. A saved state cannot survive the restore
	if t.prev.HasSavedState() {
		t.s.releaseSavedState(ctx, t.m)
		t.prev = domain.MachineStatePoweredOff
	}

	tree := t.m.Tree()
	mid := t.m.ID()
	t.prevCfg = t.m.Config()
	t.prevCurrent = tree.CurrentID()
	t.prevModified = tree.CurrentStateModified()

	// 2. Release the current attachments
	for _, att := range t.prevCfg.Attachments {
		if md, err := t.s.reg.Get(att.MediumID); err == nil && md.RemoveBackReference(mid, uuid.Nil) {
			t.released = append(t.released, md)
		}
	}

	// 3. Copy hardware and attachments, with implicit diffs on top of
	// the snapshot's disks
	cfg := t.m.Config()
	cfg.Hardware = snap.Machine.Hardware
	cfg.Attachments = domain.CloneAttachments(snap.Machine.Attachments)
	folder := t.s.snapshotFolder(t.m)
	for i, att := range cfg.Attachments {
		if att.MediumID == uuid.Nil {
			continue
		}
		md, err := t.s.reg.Get(att.MediumID)
		if err != nil {
			return task.NeedsRollback(err)
		}
		if att.Type != domain.DeviceTypeHardDisk || md.Type().SkipsSnapshots() {
			md.AddBackReference(mid, uuid.Nil)
			t.shared = append(t.shared, md)
			continue
		}
		if err := p.SetNextOperation(fmt.Sprintf("Creating differencing hard disk for '%s'", md.Name()), 1); err != nil {
			return task.NeedsRollback(err)
		}
		diff, err := t.s.reg.CreateDiff(ctx, md, t.s.diffLocation(folder))
		if err != nil {
			return task.NeedsRollback(err)
		}
		diff.AddBackReference(mid, uuid.Nil)
		t.created = append(t.created, diff)
		cfg.Attachments[i].MediumID = diff.ID()
	}

	// 4. Share the snapshot's saved state, copy its NVRAM back
	cfg.StateFile = snap.StateFile()
	if snap.Machine.NVRAMFile != "" {
		if cfg.NVRAMFile == "" {
			cfg.NVRAMFile = filepath.Join(filepath.Dir(folder), cfg.Name+".nvram")
		}
		if err := t.s.copyFile(snap.Machine.NVRAMFile, cfg.NVRAMFile); err != nil {
			return task.NeedsRollback(err)
		}
	}

	t.final = domain.MachineStatePoweredOff
	if cfg.StateFile != "" {
		t.final = domain.MachineStateSaved
	}

	// 5. Move the current pointer and persist
	if err := tree.SetCurrent(t.snapID); err != nil {
		return task.NeedsRollback(err)
	}
	tree.SetCurrentStateModified(false)
	t.m.SetConfig(cfg)
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		return task.NeedsRollback(err)
	}

	// 6. Past the point of no return: drop the old leaves
	log := logger.L(ctx)
	for _, md := range t.oldLeaves {
		if md.InUse() {
			continue
		}
		if err := t.s.reg.DeleteStorage(ctx, md); err != nil {
			log.Warn("failed to delete old differencing image", "medium_id", md.ID(), "error", err)
		}
	}
	return task.Ok()
}

func (t *restoreTask) Rollback(ctx context.Context, _ *task.Progress, _ error) {
	log := logger.L(ctx)

	t.m.Lock()
	defer t.m.Unlock()

	mid := t.m.ID()
	for _, diff := range t.created {
		diff.RemoveBackReference(mid, uuid.Nil)
		if err := t.s.reg.DeleteStorage(ctx, diff); err != nil {
			log.Warn("failed to delete implicit diff", "medium_id", diff.ID(), "error", err)
		}
	}
	t.created = nil
	for _, md := range t.shared {
		md.RemoveBackReference(mid, uuid.Nil)
	}
	t.shared = nil
	for _, md := range t.released {
		md.AddBackReference(mid, uuid.Nil)
	}
	t.released = nil

	if !t.s.registered(t.m) || t.prevCfg.ID == uuid.Nil {
		return
	}
	tree := t.m.Tree()
	_ = tree.SetCurrent(t.prevCurrent)
	tree.SetCurrentStateModified(t.prevModified)
	t.m.SetConfig(t.prevCfg)
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		log.Error("failed to persist rolled back machine", "machine_id", mid, "error", err)
	}
}

func (t *restoreTask) Finish(ctx context.Context, _ *task.Progress, res task.Result) {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return
	}
	state := t.prev
	if res.IsOk() {
		state = t.final
	}
	t.s.setState(t.m, state)
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		logger.L(ctx).Error("failed to persist machine state", "machine_id", t.m.ID(), "error", err)
	}
	if res.IsOk() {
		t.s.bus.Publish(event.Event{Type: event.SnapshotRestored, MachineID: t.m.ID(), SnapshotID: t.snapID})
		logger.L(ctx).Info("snapshot restored", "machine_id", t.m.ID(), "snapshot_id", t.snapID)
	}
}
