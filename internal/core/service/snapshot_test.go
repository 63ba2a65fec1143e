package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
	"github.com/yndnr/vmsnap-go/internal/core/task"
)

// ============================================================================
// Take
// ============================================================================

func TestTakeSnapshot_Offline(t *testing.T) {
	e := newTestEnv(t)
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)

	s1 := e.take(t, info.ID, "S1")

	leaf := e.leaf(t, info.ID)
	if leaf == base || leaf.Parent() != base {
		t.Fatal("current state does not run on a diff of the base")
	}
	if !hasBackRef(base, info.ID, s1) || hasBackRef(base, info.ID, uuid.Nil) {
		t.Fatalf("base back-refs = %+v", base.BackRefs())
	}
	if !hasBackRef(leaf, info.ID, uuid.Nil) {
		t.Fatal("diff not used by the current state")
	}

	m, _ := e.svc.GetMachine(context.Background(), info.ID)
	if m.CurrentSnapshotID != s1 || m.CurrentStateModified || m.State != domain.MachineStatePoweredOff {
		t.Fatalf("machine after take = %+v", m)
	}
	snap, err := e.svc.GetSnapshot(context.Background(), info.ID, s1, "")
	if err != nil || snap.Online || snap.Attachments[0].MediumID != base.ID() {
		t.Fatalf("snapshot = %+v, %v", snap, err)
	}
}

func TestTakeSnapshot_Online(t *testing.T) {
	tests := []struct {
		name    string
		pause   bool
		resumes int
	}{
		{"live", false, 0},
		{"paused", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			info := e.register(t, "vm1")
			base := e.leaf(t, info.ID)
			if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
				t.Fatalf("StartMachine: %v", err)
			}

			resp, err := e.svc.TakeSnapshot(ctx, &TakeSnapshotRequest{MachineID: info.ID, Name: "S1", Pause: tt.pause})
			if err := wait(t, resp, err); err != nil {
				t.Fatalf("TakeSnapshot: %v", err)
			}

			if st := e.state(t, info.ID); st != domain.MachineStateRunning {
				t.Fatalf("state = %s, want running", st)
			}
			console := e.factory.consoles[0]
			if console.resumes != tt.resumes || console.paused {
				t.Fatalf("resumes = %d paused = %v", console.resumes, console.paused)
			}

			snap, _ := e.svc.GetSnapshot(ctx, info.ID, resp.SnapshotID, "")
			if !snap.Online {
				t.Fatal("online snapshot has no saved state")
			}
			leaf := e.leaf(t, info.ID)
			if leaf.LockState() != domain.MediumStateLockedWrite || base.LockState() != domain.MediumStateLockedRead {
				t.Fatalf("VM locks leaf=%s base=%s", leaf.LockState(), base.LockState())
			}
		})
	}
}

func TestTakeSnapshot_RollbackOnSaveFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)
	e.factory.saveErr = errors.New("disk full")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}

	resp, err := e.svc.TakeSnapshot(ctx, &TakeSnapshotRequest{MachineID: info.ID, Name: "S1"})
	if err := wait(t, resp, err); err == nil {
		t.Fatal("TakeSnapshot succeeded despite save failure")
	}

	m, _ := e.svc.GetMachine(ctx, info.ID)
	if m.SnapshotCount != 0 || m.State != domain.MachineStateRunning {
		t.Fatalf("machine after failed take = %+v", m)
	}
	if e.leaf(t, info.ID) != base || len(e.backend.Locations()) != 1 {
		t.Fatalf("images left behind: %v", e.backend.Locations())
	}
	if resp.Progress.Info().Status != task.StatusFailed {
		t.Fatalf("task status = %s", resp.Progress.Info().Status)
	}
}

func TestTakeSnapshot_Cancel(t *testing.T) {
	tests := []struct {
		name  string
		pause bool
		// cancelAt is "queued" (right after the request returns), "saving"
		// (while the state is streamed) or "saved" (file written, save call
		// not yet returned).
		cancelAt string
	}{
		{"before the save", false, "queued"},
		{"during the save", true, "saving"},
		{"after the file is written", true, "saved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			info := e.register(t, "vm1")
			base := e.leaf(t, info.ID)

			gate := make(chan struct{})
			saving := make(chan struct{}, 1)
			var progress atomic.Pointer[task.Progress]
			e.factory.hooks = saveHooks{saving: saving, gate: gate}
			if tt.cancelAt == "saved" {
				e.factory.hooks.after = func() {
					if err := progress.Load().Cancel(); err != nil {
						t.Errorf("Cancel after the file was written: %v", err)
					}
				}
			}
			if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
				t.Fatalf("StartMachine: %v", err)
			}

			resp, err := e.svc.TakeSnapshot(ctx, &TakeSnapshotRequest{MachineID: info.ID, Name: "S1", Pause: tt.pause})
			if err != nil {
				t.Fatalf("TakeSnapshot: %v", err)
			}
			progress.Store(resp.Progress)

			switch tt.cancelAt {
			case "queued":
				if err := resp.Progress.Cancel(); err != nil {
					t.Fatalf("Cancel: %v", err)
				}
			case "saving":
				select {
				case <-saving:
				case <-time.After(5 * time.Second):
					t.Fatal("state save did not start")
				}
				if err := resp.Progress.Cancel(); err != nil {
					t.Fatalf("Cancel: %v", err)
				}
			case "saved":
				close(gate)
			}

			if err := wait(t, resp, nil); !errors.Is(err, domain.ErrTaskCanceled) {
				t.Fatalf("task error = %v, want ErrTaskCanceled", err)
			}
			if st := resp.Progress.Info().Status; st != task.StatusCanceled {
				t.Fatalf("task status = %s, want canceled", st)
			}

			m, _ := e.svc.GetMachine(ctx, info.ID)
			if m.SnapshotCount != 0 || m.CurrentSnapshotID != uuid.Nil || m.State != domain.MachineStateRunning {
				t.Fatalf("machine after canceled take = %+v", m)
			}
			if e.leaf(t, info.ID) != base || len(e.backend.Locations()) != 1 {
				t.Fatalf("images left behind: %v", e.backend.Locations())
			}
			if left := e.files.withSuffix(".sav"); len(left) != 0 {
				t.Fatalf("saved state left behind: %v", left)
			}
			if base.LockState() != domain.MediumStateLockedWrite {
				t.Fatalf("VM disk lock = %s", base.LockState())
			}
			console := e.factory.consoles[0]
			console.mu.Lock()
			paused := console.paused
			console.mu.Unlock()
			if paused {
				t.Fatal("machine left paused")
			}
		})
	}
}

func TestTakeTask_SaveStateAfterCancel(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	m, err := e.svc.machine(info.ID)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}

	p, err := task.NewProgress(task.ProgressConfig{
		Kind:        task.KindTakeSnapshot,
		MachineID:   info.ID,
		Operations:  3,
		TotalWeight: 66,
		Cancelable:  true,
	})
	if err != nil {
		t.Fatalf("NewProgress: %v", err)
	}
	if err := p.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	tt := &takeTask{s: e.svc, m: m, snapID: domain.NewID(), online: true, folder: "/machines/vm1/Snapshots"}
	if err := tt.saveState(ctx, p); !errors.Is(err, domain.ErrTaskCanceled) {
		t.Fatalf("saveState = %v, want ErrTaskCanceled", err)
	}
	if n := e.factory.consoles[0].saves; n != 0 {
		t.Fatalf("console saved %d times after the cancel", n)
	}
	if p.Info().Cancelable {
		t.Fatal("progress still cancelable")
	}
}

func TestTakeSnapshot_DiffCreationRunsUnlocked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")

	creating, release := e.disks.hold()
	resp, err := e.svc.TakeSnapshot(ctx, &TakeSnapshotRequest{MachineID: info.ID, Name: "S1"})
	if err != nil {
		release()
		t.Fatalf("TakeSnapshot: %v", err)
	}
	select {
	case <-creating:
	case <-time.After(5 * time.Second):
		release()
		t.Fatal("implicit diff was never created")
	}

	read := make(chan domain.MachineState, 1)
	go func() {
		m, err := e.svc.GetMachine(ctx, info.ID)
		if err == nil {
			read <- m.State
		}
	}()
	select {
	case st := <-read:
		if st != domain.MachineStateSnapshotting {
			t.Errorf("state while creating the diff = %s", st)
		}
	case <-time.After(2 * time.Second):
		t.Error("machine lock held while the diff was created")
	}

	release()
	if err := wait(t, resp, nil); err != nil {
		t.Fatalf("TakeSnapshot task: %v", err)
	}
	if m, _ := e.svc.GetMachine(ctx, info.ID); m.SnapshotCount != 1 || m.CurrentSnapshotID != resp.SnapshotID {
		t.Fatalf("machine after take = %+v", m)
	}
}

func TestTakeSnapshot_DepthLimit(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MaxDepth = 2 })
	info := e.register(t, "vm1")
	e.take(t, info.ID, "S1")
	e.take(t, info.ID, "S2")

	_, err := e.svc.TakeSnapshot(context.Background(), &TakeSnapshotRequest{MachineID: info.ID, Name: "S3"})
	if !errors.Is(err, domain.ErrInvalidObjectState) {
		t.Fatalf("third snapshot = %v, want ErrInvalidObjectState", err)
	}
	if st := e.state(t, info.ID); st != domain.MachineStatePoweredOff {
		t.Fatalf("rejected take left state %s", st)
	}
}

func TestTakeSnapshot_Validation(t *testing.T) {
	e := newTestEnv(t)
	info := e.register(t, "vm1")

	tests := []struct {
		name string
		req  *TakeSnapshotRequest
		want error
	}{
		{"empty name", &TakeSnapshotRequest{MachineID: info.ID}, domain.ErrSnapshotNameRequired},
		{"unknown machine", &TakeSnapshotRequest{MachineID: uuid.New(), Name: "S1"}, domain.ErrMachineNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.svc.TakeSnapshot(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// ============================================================================
// Restore
// ============================================================================

func TestRestoreSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)
	e.write(t, base, 0, "base")

	s1 := e.take(t, info.ID, "S1")
	d1 := e.leaf(t, info.ID)
	e.write(t, d1, 1, "s2-data")
	e.take(t, info.ID, "S2")
	d2 := e.leaf(t, info.ID)
	e.write(t, d2, 2, "scratch")

	resp, err := e.svc.RestoreSnapshot(ctx, &RestoreSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	m, _ := e.svc.GetMachine(ctx, info.ID)
	if m.CurrentSnapshotID != s1 || m.CurrentStateModified || m.State != domain.MachineStatePoweredOff {
		t.Fatalf("machine after restore = %+v", m)
	}
	leaf := e.leaf(t, info.ID)
	if leaf.Parent() != base {
		t.Fatal("restored state is not a diff of the snapshot's disk")
	}
	if data, _ := e.backend.ReadBlock(leaf.Location(), 0); data != "base" {
		t.Fatalf("restored block = %q", data)
	}
	if _, ok := e.backend.ReadBlock(leaf.Location(), 1); ok {
		t.Fatal("restored state sees data written after the snapshot")
	}
	if !d2.Closed() {
		t.Fatal("old current-state diff not deleted")
	}
	if d1.Closed() {
		t.Fatal("diff used by S2 was deleted")
	}
}

func TestRestoreSnapshot_RejectedWhileRunning(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	s1 := e.take(t, info.ID, "S1")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	_, err := e.svc.RestoreSnapshot(ctx, &RestoreSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if !errors.Is(err, domain.ErrInvalidVMState) {
		t.Fatalf("restore while running = %v, want ErrInvalidVMState", err)
	}
}

func TestRestoreSnapshot_OnlineSnapshotLeavesSaved(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	resp, err := e.svc.TakeSnapshot(ctx, &TakeSnapshotRequest{MachineID: info.ID, Name: "S1"})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if _, err := e.svc.PowerOffMachine(ctx, info.ID); err != nil {
		t.Fatalf("PowerOffMachine: %v", err)
	}

	resp, err = e.svc.RestoreSnapshot(ctx, &RestoreSnapshotRequest{MachineID: info.ID, SnapshotID: resp.SnapshotID})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	m, _ := e.svc.GetMachine(ctx, info.ID)
	if m.State != domain.MachineStateSaved || m.StateFile == "" || !e.files.exists(m.StateFile) {
		t.Fatalf("machine after restoring an online snapshot = %+v", m)
	}
}

// ============================================================================
// Delete
// ============================================================================

func TestDeleteSnapshot_SingleChildRule(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	s1 := e.take(t, info.ID, "S1")
	e.take(t, info.ID, "S2")

	resp, err := e.svc.RestoreSnapshot(ctx, &RestoreSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	e.take(t, info.ID, "S3")

	_, err = e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if !errors.Is(err, domain.ErrInvalidObjectState) {
		t.Fatalf("delete with two children = %v, want ErrInvalidObjectState", err)
	}
	if m, _ := e.svc.GetMachine(ctx, info.ID); m.SnapshotCount != 3 {
		t.Fatalf("snapshots = %d", m.SnapshotCount)
	}
}

func TestDeleteSnapshot_Unsupported(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	s1 := e.take(t, info.ID, "S1")

	if _, err := e.svc.DeleteSnapshotAndAllChildren(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1}); !errors.Is(err, domain.ErrNotImplemented) {
		t.Fatalf("DeleteSnapshotAndAllChildren = %v", err)
	}
	if _, err := e.svc.DeleteSnapshotRange(ctx, &DeleteSnapshotRangeRequest{MachineID: info.ID, StartID: s1, EndID: s1}); !errors.Is(err, domain.ErrNotImplemented) {
		t.Fatalf("DeleteSnapshotRange = %v", err)
	}
}

func TestDeleteSnapshot_OnlyRootOffline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)
	e.write(t, base, 0, "base")
	s1 := e.take(t, info.ID, "S1")
	d1 := e.leaf(t, info.ID)
	e.write(t, d1, 1, "current")

	resp, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}

	m, _ := e.svc.GetMachine(ctx, info.ID)
	if m.SnapshotCount != 0 || m.CurrentSnapshotID != uuid.Nil || !m.CurrentStateModified {
		t.Fatalf("machine after deleting the only snapshot = %+v", m)
	}
	// The base absorbed the current state's diff.
	if e.leaf(t, info.ID) != base || !d1.Closed() {
		t.Fatal("current state does not run on the merged base")
	}
	if data, _ := e.backend.ReadBlock(base.Location(), 1); data != "current" {
		t.Fatalf("merged block = %q", data)
	}
	if !hasBackRef(base, info.ID, uuid.Nil) || hasBackRef(base, info.ID, s1) {
		t.Fatalf("base back-refs = %+v", base.BackRefs())
	}
	if base.LockState() != domain.MediumStateCreated {
		t.Fatalf("base left locked: %s", base.LockState())
	}
}

func TestDeleteSnapshot_MiddleForwardMerge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)

	e.take(t, info.ID, "S1")
	d1 := e.leaf(t, info.ID)
	e.write(t, d1, 0, "s2")
	s2 := e.take(t, info.ID, "S2")
	d2 := e.leaf(t, info.ID)
	for i := uint64(1); i <= 3; i++ {
		e.write(t, d2, i, "s3")
	}
	s3 := e.take(t, info.ID, "S3")

	resp, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s2})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}

	// d1 is smaller than d2 and was folded forward into it.
	if !d1.Closed() || d2.Parent() != base {
		t.Fatal("d1 was not merged into d2")
	}
	if data, _ := e.backend.ReadBlock(d2.Location(), 0); data != "s2" {
		t.Fatalf("merged block = %q", data)
	}
	snaps, _ := e.svc.ListSnapshots(ctx, info.ID)
	if len(snaps) != 2 || snaps[1].ID != s3 || snaps[1].ParentID != snaps[0].ID {
		t.Fatalf("tree after delete = %+v", snaps)
	}
	if snaps[1].Attachments[0].MediumID != d2.ID() {
		t.Fatal("S3 no longer uses d2")
	}
}

// setupOnline builds S1 -> S2 -> current on one disk and starts the VM.
func setupOnline(t *testing.T, e *testEnv) (info *MachineInfo, s1, s2 uuid.UUID) {
	t.Helper()
	info = e.register(t, "vm1")
	e.write(t, e.leaf(t, info.ID), 0, "base")
	s1 = e.take(t, info.ID, "S1")
	e.write(t, e.leaf(t, info.ID), 1, "s2")
	s2 = e.take(t, info.ID, "S2")
	e.write(t, e.leaf(t, info.ID), 2, "current")
	if _, err := e.svc.StartMachine(context.Background(), info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	return info, s1, s2
}

func TestDeleteSnapshot_OnlineBackwardMerge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info, s1, s2 := setupOnline(t, e)

	leaf := e.leaf(t, info.ID)
	d1 := leaf.Parent()
	base := d1.Parent()

	resp, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}

	if st := e.state(t, info.ID); st != domain.MachineStateRunning {
		t.Fatalf("state = %s, want running", st)
	}
	snaps, _ := e.svc.ListSnapshots(ctx, info.ID)
	if len(snaps) != 1 || snaps[0].ID != s2 || snaps[0].ParentID != uuid.Nil {
		t.Fatalf("tree after delete = %+v", snaps)
	}
	if snaps[0].Attachments[0].MediumID != base.ID() || !hasBackRef(base, info.ID, s2) {
		t.Fatal("S2 was not moved onto the merged base")
	}
	if !d1.Closed() || leaf.Parent() != base {
		t.Fatal("d1 still in the chain")
	}
	for block, want := range map[uint64]string{0: "base", 1: "s2", 2: "current"} {
		if data, _ := e.backend.ReadBlock(leaf.Location(), block); data != want {
			t.Fatalf("block %d = %q, want %q", block, data, want)
		}
	}

	locks, _ := e.factory.consoles[0].LockList(domain.AttachmentSlot{Controller: "SATA"})
	entries := locks.Entries()
	if len(entries) != 2 || entries[0].Medium() != base || entries[0].Write() || !entries[1].Write() {
		t.Fatal("VM lock list not restored to read base, write leaf")
	}
	if base.LockState() != domain.MediumStateLockedRead || leaf.LockState() != domain.MediumStateLockedWrite {
		t.Fatalf("locks base=%s leaf=%s", base.LockState(), leaf.LockState())
	}
}

func TestDeleteSnapshot_OnlineOutOfSpace(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.Planner = merge.NewPlanner(merge.PlannerConfig{Registry: c.Registry, Volumes: fakeVolumes{free: 1 << 20}})
	})
	ctx := context.Background()
	info, s1, _ := setupOnline(t, e)

	leaf := e.leaf(t, info.ID)
	d1 := leaf.Parent()
	base := d1.Parent()

	resp, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); !errors.Is(err, domain.ErrInsufficientStorage) {
		t.Fatalf("DeleteSnapshot = %v, want ErrInsufficientStorage", err)
	}

	if st := e.state(t, info.ID); st != domain.MachineStateRunning {
		t.Fatalf("state = %s, want running", st)
	}
	if m, _ := e.svc.GetMachine(ctx, info.ID); m.SnapshotCount != 2 {
		t.Fatalf("snapshots = %d", m.SnapshotCount)
	}
	if d1.Closed() || len(e.backend.Merges()) != 0 || len(e.backend.Locations()) != 3 {
		t.Fatal("images changed by a rejected delete")
	}
	if d1.MarkedForDeletion() || !hasBackRef(base, info.ID, s1) {
		t.Fatal("planning side effects not rolled back")
	}
	want := map[string]domain.MediumState{
		base.Location(): domain.MediumStateLockedRead,
		d1.Location():   domain.MediumStateLockedRead,
		leaf.Location(): domain.MediumStateLockedWrite,
	}
	for _, md := range []interface {
		Location() string
		LockState() domain.MediumState
	}{base, d1, leaf} {
		if got := md.LockState(); got != want[md.Location()] {
			t.Fatalf("%s lock = %s, want %s", md.Location(), got, want[md.Location()])
		}
	}
}

func TestDeleteSnapshot_SavedStateShared(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	if _, err := e.svc.SaveMachineState(ctx, info.ID); err != nil {
		t.Fatalf("SaveMachineState: %v", err)
	}
	s1 := e.take(t, info.ID, "S1")

	_, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if !errors.Is(err, domain.ErrSavedStateShared) {
		t.Fatalf("delete = %v, want ErrSavedStateShared", err)
	}
}

func TestDeleteSnapshot_FileReleaseIsBestEffort(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	s1 := e.take(t, info.ID, "S1")

	// The first write after the request is the one recording the
	// released saved state.
	e.repo.mu.Lock()
	e.repo.failNext = 1
	e.repo.mu.Unlock()

	resp, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	e.repo.mu.Lock()
	failNext := e.repo.failNext
	e.repo.mu.Unlock()
	if failNext != 0 {
		t.Fatal("settings were never written during the delete")
	}
	if left := e.files.withSuffix(".sav"); len(left) != 0 {
		t.Fatalf("saved state not released: %v", left)
	}
	m, _ := e.svc.GetMachine(ctx, info.ID)
	if m.SnapshotCount != 0 || m.State != domain.MachineStateRunning {
		t.Fatalf("machine after delete = %+v", m)
	}
	e.repo.mu.Lock()
	saved := e.repo.machines[info.ID]
	e.repo.mu.Unlock()
	if len(saved.Snapshots) != 0 {
		t.Fatalf("persisted snapshots = %d", len(saved.Snapshots))
	}
}

func TestDeleteSnapshot_ReleasesSavedState(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	s1 := e.take(t, info.ID, "S1")
	snap, _ := e.svc.GetSnapshot(ctx, info.ID, s1, "")
	if !snap.Online {
		t.Fatal("online snapshot without saved state")
	}
	m, _ := e.svc.GetMachine(ctx, info.ID)
	if len(e.files.files) != 1 {
		t.Fatalf("files = %v", e.files.files)
	}

	resp, err := e.svc.DeleteSnapshot(ctx, &DeleteSnapshotRequest{MachineID: info.ID, SnapshotID: s1})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if len(e.files.files) != 0 {
		t.Fatalf("saved state of %s not released: %v", m.Name, e.files.files)
	}
}
