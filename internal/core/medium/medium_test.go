package medium

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(true)
	reg, err := NewRegistry(Config{Backend: backend})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg, backend
}

// buildChain creates base <- d1 <- ... <- dN and returns them root first.
func buildChain(t *testing.T, reg *Registry, n int) []*Medium {
	t.Helper()
	ctx := context.Background()
	base, err := reg.CreateBase(ctx, "/vm/base.img", 1<<30, domain.MediumTypeNormal)
	if err != nil {
		t.Fatalf("CreateBase: %v", err)
	}
	chain := []*Medium{base}
	for i := 1; i <= n; i++ {
		d, err := reg.CreateDiff(ctx, chain[i-1], "/vm/d"+string(rune('0'+i))+".img")
		if err != nil {
			t.Fatalf("CreateDiff(%d): %v", i, err)
		}
		chain = append(chain, d)
	}
	return chain
}

func TestMedium_ReadWriteLocks(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := buildChain(t, reg, 0)[0]

	if err := m.LockRead(); err != nil {
		t.Fatalf("LockRead: %v", err)
	}
	if err := m.LockRead(); err != nil {
		t.Fatalf("second LockRead: %v", err)
	}
	if err := m.LockWrite(); !errors.Is(err, domain.ErrMediumLocked) {
		t.Fatalf("LockWrite on read-locked = %v, want ErrMediumLocked", err)
	}
	if err := m.UnlockRead(); err != nil {
		t.Fatalf("UnlockRead: %v", err)
	}
	if m.State() != domain.MediumStateLockedRead {
		t.Fatalf("State = %s, want locked_read", m.State())
	}
	if err := m.UnlockRead(); err != nil {
		t.Fatalf("UnlockRead: %v", err)
	}
	if m.State() != domain.MediumStateCreated {
		t.Fatalf("State = %s, want created", m.State())
	}

	if err := m.LockWrite(); err != nil {
		t.Fatalf("LockWrite: %v", err)
	}
	if err := m.LockRead(); !errors.Is(err, domain.ErrMediumLocked) {
		t.Fatalf("LockRead on write-locked = %v, want ErrMediumLocked", err)
	}
	if err := m.UnlockWrite(); err != nil {
		t.Fatalf("UnlockWrite: %v", err)
	}
	if err := m.UnlockWrite(); !errors.Is(err, domain.ErrMediumState) {
		t.Fatalf("double UnlockWrite = %v, want ErrMediumState", err)
	}
}

func TestMedium_MarkForDeletion(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := buildChain(t, reg, 0)[0]

	if err := m.MarkForDeletion(); err != nil {
		t.Fatalf("MarkForDeletion: %v", err)
	}
	if m.State() != domain.MediumStateDeleting {
		t.Fatalf("State = %s, want deleting", m.State())
	}
	if err := m.MarkForDeletion(); !errors.Is(err, domain.ErrMediumState) {
		t.Fatalf("second MarkForDeletion = %v, want ErrMediumState", err)
	}
	if err := m.LockWrite(); !errors.Is(err, domain.ErrMediumLocked) {
		t.Fatalf("LockWrite on deleting = %v, want ErrMediumLocked", err)
	}
	if err := m.lockWrite(true); err != nil {
		t.Fatalf("lockWrite(allowDeleting): %v", err)
	}
	if err := m.UnlockWrite(); err != nil {
		t.Fatalf("UnlockWrite: %v", err)
	}
	if err := m.UnmarkForDeletion(); err != nil {
		t.Fatalf("UnmarkForDeletion: %v", err)
	}
	if m.State() != domain.MediumStateCreated {
		t.Fatalf("State = %s, want created", m.State())
	}
}

func TestMedium_TokenAbandonIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := buildChain(t, reg, 0)[0]

	tok, err := m.LockWriteToken()
	if err != nil {
		t.Fatalf("LockWriteToken: %v", err)
	}
	if _, err := m.LockWriteToken(); err == nil {
		t.Fatal("second LockWriteToken should fail")
	}
	tok.Abandon()
	tok.Abandon()
	if m.State() != domain.MediumStateCreated {
		t.Fatalf("State = %s, want created", m.State())
	}
}

func TestMedium_BackReferences(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := buildChain(t, reg, 0)[0]
	machineA, machineB := uuid.New(), uuid.New()
	snap := uuid.New()

	m.AddBackReference(machineA, uuid.Nil)
	m.AddBackReference(machineA, snap)
	m.AddBackReference(machineA, snap)
	m.AddBackReference(machineB, uuid.Nil)

	refs := m.BackRefs()
	if len(refs) != 2 {
		t.Fatalf("len(refs) = %d, want 2", len(refs))
	}
	if !refs[0].InCurState || len(refs[0].SnapshotIDs) != 1 {
		t.Fatalf("refs[0] = %+v", refs[0])
	}

	id, sid, ok := m.FirstMachineBackRef()
	if !ok || id != machineA || sid != snap {
		t.Fatalf("FirstMachineBackRef = %v %v %v", id, sid, ok)
	}

	if !m.RemoveBackReference(machineA, snap) {
		t.Fatal("RemoveBackReference(snap) = false")
	}
	if m.RemoveBackReference(machineA, snap) {
		t.Fatal("second RemoveBackReference(snap) = true")
	}
	m.RemoveBackReference(machineA, uuid.Nil)
	m.RemoveMachineBackReferences(machineB)
	if m.InUse() {
		t.Fatalf("InUse after removing all refs: %+v", m.BackRefs())
	}
}

func TestRegistry_CreateAndLoad(t *testing.T) {
	reg, backend := newTestRegistry(t)
	chain := buildChain(t, reg, 2)

	if got := chain[2].Base(); got != chain[0] {
		t.Fatalf("Base = %s, want %s", got.Location(), chain[0].Location())
	}
	if backend.ParentOf("/vm/d2.img") != "/vm/d1.img" {
		t.Fatalf("backend parent = %q", backend.ParentOf("/vm/d2.img"))
	}
	if _, err := reg.CreateBase(context.Background(), "/vm/base.img", 1, ""); !errors.Is(err, domain.ErrMediumExists) {
		t.Fatalf("duplicate CreateBase = %v, want ErrMediumExists", err)
	}

	recs := reg.Records()
	if len(recs) != 3 || recs[0].ParentID != uuid.Nil || recs[2].ParentID != chain[1].ID() {
		t.Fatalf("Records = %+v", recs)
	}

	// Children listed before parents still load.
	reversed := []Record{recs[2], recs[1], recs[0]}
	reg2, err := NewRegistry(Config{Backend: backend})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg2.Load(reversed); err != nil {
		t.Fatalf("Load: %v", err)
	}
	leaf, err := reg2.Get(chain[2].ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if leaf.Parent().ID() != chain[1].ID() {
		t.Fatalf("loaded parent = %s", leaf.Parent().ID())
	}
	if len(reg2.List()) != 3 {
		t.Fatalf("List len = %d", len(reg2.List()))
	}
}

func TestRegistry_DeleteStorage(t *testing.T) {
	reg, backend := newTestRegistry(t)
	chain := buildChain(t, reg, 1)
	ctx := context.Background()

	if err := reg.DeleteStorage(ctx, chain[0]); !errors.Is(err, domain.ErrMediumState) {
		t.Fatalf("DeleteStorage(parent) = %v, want ErrMediumState", err)
	}

	chain[1].AddBackReference(uuid.New(), uuid.Nil)
	if err := reg.DeleteStorage(ctx, chain[1]); !errors.Is(err, domain.ErrMediumLocked) {
		t.Fatalf("DeleteStorage(attached) = %v, want ErrMediumLocked", err)
	}
	chain[1].RemoveMachineBackReferences(chain[1].BackRefs()[0].MachineID)

	backend.FailDelete("/vm/d1.img", errors.New("disk gone"))
	if err := reg.DeleteStorage(ctx, chain[1]); !errors.Is(err, domain.ErrMediumIO) {
		t.Fatalf("DeleteStorage(io failure) = %v, want ErrMediumIO", err)
	}
	if chain[1].MarkedForDeletion() {
		t.Fatal("failed delete left the medium marked")
	}
	backend.FailDelete("/vm/d1.img", nil)

	if err := reg.DeleteStorage(ctx, chain[1]); err != nil {
		t.Fatalf("DeleteStorage: %v", err)
	}
	if !chain[1].Closed() || len(chain[0].Children()) != 0 {
		t.Fatal("deleted medium still linked")
	}
	if _, err := reg.Get(chain[1].ID()); !errors.Is(err, domain.ErrMediumNotFound) {
		t.Fatalf("Get(deleted) = %v, want ErrMediumNotFound", err)
	}
}

func TestRegistry_CreateLockList(t *testing.T) {
	reg, _ := newTestRegistry(t)
	chain := buildChain(t, reg, 2)

	l := reg.CreateLockList(chain[2], true)
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Medium() != chain[i] {
			t.Fatalf("entry %d = %s, want %s", i, e.Medium().Location(), chain[i].Location())
		}
		if e.Write() != (i == 2) {
			t.Fatalf("entry %d write = %v", i, e.Write())
		}
	}
}

func TestRegistry_QueryPreferredMergeDirection(t *testing.T) {
	reg, backend := newTestRegistry(t)
	chain := buildChain(t, reg, 1)

	_ = backend.WriteBlock("/vm/base.img", 0, "a")
	_ = backend.WriteBlock("/vm/d1.img", 0, "b")
	_ = backend.WriteBlock("/vm/d1.img", 1, "c")

	forward, err := reg.QueryPreferredMergeDirection(chain[0], chain[1])
	if err != nil {
		t.Fatalf("QueryPreferredMergeDirection: %v", err)
	}
	if !forward {
		t.Fatal("smaller parent should merge forward")
	}

	if _, err := reg.QueryPreferredMergeDirection(chain[1], chain[0]); !errors.Is(err, domain.ErrMediumNotInChain) {
		t.Fatalf("reversed pair = %v, want ErrMediumNotInChain", err)
	}
}
