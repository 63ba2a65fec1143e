package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/event"
	"github.com/yndnr/vmsnap-go/internal/core/machine"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
	"github.com/yndnr/vmsnap-go/internal/core/task"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// ============================================================================
// Delete Snapshot
// ============================================================================

// DeleteSnapshotRequest contains parameters for deleting a snapshot.
type DeleteSnapshotRequest struct {
	MachineID  uuid.UUID
	SnapshotID uuid.UUID
}

// DeleteSnapshot removes a snapshot with at most one child and folds its
// differencing images into their neighbours. Running and paused machines
// merge online.
func (s *SnapshotService) DeleteSnapshot(ctx context.Context, req *DeleteSnapshotRequest) (*TaskResponse, error) {
	m, err := s.machine(req.MachineID)
	if err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	// 1. Check machine state
	prev := m.State()
	if prev.IsTransient() || prev == domain.MachineStateStuck {
		return nil, domain.ErrInvalidVMState.WithDetailsf("cannot delete a snapshot of a machine that is %s", prev)
	}
	online := prev == domain.MachineStateRunning || prev == domain.MachineStatePaused
	if online && m.Console() == nil {
		return nil, domain.ErrSessionNotLocked
	}

	// 2. Check the snapshot
	tree := m.Tree()
	snap, err := tree.Get(req.SnapshotID)
	if err != nil {
		return nil, err
	}
	if n := tree.ChildrenCount(snap.ID); n > 1 {
		return nil, domain.ErrInvalidObjectState.WithDetailsf(
			"snapshot %q has %d child snapshots, only one is allowed", snap.Name, n)
	}
	if cfg := m.Config(); prev.HasSavedState() && cfg.StateFile != "" && snap.StateFile() == cfg.StateFile {
		return nil, domain.ErrSavedStateShared.WithDetailsf("snapshot %q", snap.Name)
	}

	// 3. Set up progress: one op per disk, weighted by image size
	ops, weight := 1, 1
	if snap.Machine != nil {
		for _, att := range snap.Machine.Attachments {
			md, err := s.reg.Get(att.MediumID)
			if err != nil || att.Type != domain.DeviceTypeHardDisk || md.Type().SkipsSnapshots() {
				continue
			}
			ops++
			weight += mergeWeight(md)
		}
	}
	p, err := s.newProgress(m, task.ProgressConfig{
		Kind:           task.KindDeleteSnapshot,
		Description:    fmt.Sprintf("Deleting snapshot '%s'", snap.Name),
		Operations:     ops,
		TotalWeight:    weight,
		FirstOperation: "Setting up",
		FirstWeight:    1,
	})
	if err != nil {
		return nil, err
	}
	p.SetResultID(snap.ID.String())

	// 4. Enter the transient state and start
	next := domain.MachineStateDeletingSnapshot
	switch prev {
	case domain.MachineStateRunning:
		next = domain.MachineStateDeletingSnapshotOnline
	case domain.MachineStatePaused:
		next = domain.MachineStateDeletingSnapshotPaused
	}
	t := &deleteTask{s: s, m: m, snapID: snap.ID, name: snap.Name, prev: prev, online: online}
	s.setState(m, next)
	if err := s.runner.Start(ctx, p, t); err != nil {
		s.setState(m, prev)
		return nil, err
	}

	logger.L(ctx).Info("deleting snapshot",
		"machine_id", m.ID(), "snapshot_id", snap.ID, "task_id", p.ID(), "online", online)
	return &TaskResponse{TaskID: p.ID(), SnapshotID: snap.ID, Progress: p}, nil
}

// DeleteSnapshotAndAllChildren is not supported.
func (s *SnapshotService) DeleteSnapshotAndAllChildren(_ context.Context, req *DeleteSnapshotRequest) (*TaskResponse, error) {
	if _, err := s.machine(req.MachineID); err != nil {
		return nil, err
	}
	return nil, domain.ErrNotImplemented.WithDetails("deleting a snapshot together with its children")
}

// DeleteSnapshotRangeRequest names the first and last snapshot of a range.
type DeleteSnapshotRangeRequest struct {
	MachineID uuid.UUID
	StartID   uuid.UUID
	EndID     uuid.UUID
}

// DeleteSnapshotRange is not supported.
func (s *SnapshotService) DeleteSnapshotRange(_ context.Context, req *DeleteSnapshotRangeRequest) (*TaskResponse, error) {
	if _, err := s.machine(req.MachineID); err != nil {
		return nil, err
	}
	return nil, domain.ErrNotImplemented.WithDetails("deleting a range of snapshots")
}

// mergeWeight estimates the progress weight of a disk: the larger of the
// image and its only child, in MiB.
func mergeWeight(md *medium.Medium) int {
	size := md.Size()
	if children := md.Children(); len(children) == 1 && children[0].Size() > size {
		size = children[0].Size()
	}
	if w := int(size >> 20); w > 1 {
		return w
	}
	return 1
}

type deleteTask struct {
	s      *SnapshotService
	m      *machine.Machine
	snapID uuid.UUID
	name   string
	prev   domain.MachineState
	online bool

	recs []*merge.DeleteRec
}

func (t *deleteTask) Prepare(ctx context.Context, _ *task.Progress) task.Result {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return task.Fatal(domain.ErrObjectUninitialized)
	}
	snap, err := t.m.Tree().Get(t.snapID)
	if err != nil {
		return task.NeedsRollback(err)
	}
	if t.m.Tree().ChildrenCount(t.snapID) > 1 {
		return task.NeedsRollback(domain.ErrInvalidObjectState.WithDetailsf("snapshot %q has more than one child", snap.Name))
	}

	in := merge.PlanInput{MachineID: t.m.ID(), SnapshotID: t.snapID}
	if snap.Machine != nil {
		in.Attachments = domain.CloneAttachments(snap.Machine.Attachments)
	}
	if t.online {
		console := t.m.Console()
		if console == nil {
			return task.NeedsRollback(domain.ErrSessionNotLocked)
		}
		in.Live = console
	}

	t.recs, err = t.s.planner.Plan(ctx, in)
	if err != nil {
		return task.NeedsRollback(err)
	}
	return task.Ok()
}

func (t *deleteTask) Commit(ctx context.Context, p *task.Progress) task.Result {
	// 1. Drop the snapshot's saved state and NVRAM, best effort. Not
	// undone on failure.
	if err := t.releaseFiles(ctx); err != nil {
		return task.NeedsRollback(err)
	}

	// 2. Merge, without the machine lock
	host := &machineHost{s: t.s, m: t.m}
	if err := t.s.executor.Execute(ctx, host, t.recs, p); err != nil {
		return task.NeedsRollback(err)
	}

	// 3. Unlink the snapshot
	t.m.Lock()
	defer t.m.Unlock()
	if !t.s.registered(t.m) {
		return task.Fatal(domain.ErrObjectUninitialized)
	}
	tree := t.m.Tree()
	if err := tree.BeginDelete(t.snapID); err != nil {
		return task.NeedsRollback(err)
	}
	if _, err := tree.Remove(t.snapID); err != nil {
		return task.Fatal(err)
	}
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		return task.Fatal(err)
	}
	return task.Ok()
}

func (t *deleteTask) releaseFiles(ctx context.Context) error {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return domain.ErrObjectUninitialized
	}
	snap, err := t.m.Tree().Get(t.snapID)
	if err != nil || snap.Machine == nil {
		return err
	}
	cfg := t.m.Config()
	tree := t.m.Tree()
	changed := false

	if path := snap.Machine.StateFile; path != "" {
		if path != cfg.StateFile && !tree.SharesSavedStateFile(path, t.snapID) {
			t.s.removeFile(ctx, path, "saved state")
		}
		snap.Machine.StateFile = ""
		changed = true
	}
	if path := snap.Machine.NVRAMFile; path != "" {
		shared := path == cfg.NVRAMFile
		tree.Walk(func(other *domain.Snapshot, _ int) bool {
			if other.ID != t.snapID && other.Machine != nil && other.Machine.NVRAMFile == path {
				shared = true
			}
			return !shared
		})
		if !shared {
			t.s.removeFile(ctx, path, "nvram")
		}
		snap.Machine.NVRAMFile = ""
		changed = true
	}

	if !changed {
		return nil
	}
	// The per-disk commits persist the machine again.
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		logger.L(ctx).Warn("failed to persist released snapshot files",
			"machine_id", t.m.ID(), "snapshot_id", t.snapID, "error", err)
	}
	return nil
}

func (t *deleteTask) Rollback(ctx context.Context, _ *task.Progress, _ error) {
	merge.Rollback(ctx, t.s.reg, t.recs)
}

func (t *deleteTask) Finish(ctx context.Context, _ *task.Progress, res task.Result) {
	t.m.Lock()
	defer t.m.Unlock()

	if !t.s.registered(t.m) {
		return
	}
	t.s.setState(t.m, t.prev)
	if err := t.s.saveMachine(ctx, t.m); err != nil {
		logger.L(ctx).Error("failed to persist machine state", "machine_id", t.m.ID(), "error", err)
	}
	if res.IsOk() {
		t.s.bus.Publish(event.Event{Type: event.SnapshotDeleted, MachineID: t.m.ID(), SnapshotID: t.snapID})
		logger.L(ctx).Info("snapshot deleted", "machine_id", t.m.ID(), "snapshot_id", t.snapID, "name", t.name)
	}
}

// machineHost lets the merge executor edit a machine it does not lock
// across calls.
type machineHost struct {
	s *SnapshotService
	m *machine.Machine
}

func (h *machineHost) DetachSnapshotMedium(snapshotID, mediumID uuid.UUID) bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.m.DetachSnapshotMedium(snapshotID, mediumID)
}

func (h *machineHost) ReplaceMedium(snapshotID, oldID, newID uuid.UUID) bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.m.ReplaceMedium(snapshotID, oldID, newID)
}

func (h *machineHost) MarkModified(ctx context.Context) error {
	h.m.Lock()
	defer h.m.Unlock()
	return h.s.saveMachine(ctx, h.m)
}

func (h *machineHost) OnlineMerge(ctx context.Context, req merge.OnlineMergeRequest) (medium.Outcome, error) {
	h.m.RLock()
	console := h.m.Console()
	h.m.RUnlock()
	if console == nil {
		return medium.OutcomeFailed, domain.ErrSessionNotLocked
	}
	return console.OnlineMerge(ctx, req)
}
