package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/event"
	"github.com/yndnr/vmsnap-go/internal/core/machine"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
	"github.com/yndnr/vmsnap-go/internal/core/task"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeRepo struct {
	mu       sync.Mutex
	machines map[uuid.UUID]domain.MachineSettings
	media    map[uuid.UUID]medium.Record
	saveErr  error
	// failNext fails that many upcoming SaveMachine calls.
	failNext int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		machines: make(map[uuid.UUID]domain.MachineSettings),
		media:    make(map[uuid.UUID]medium.Record),
	}
}

func (r *fakeRepo) SaveMachine(_ context.Context, s domain.MachineSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if r.failNext > 0 {
		r.failNext--
		return errors.New("settings store unavailable")
	}
	r.machines[s.Config.ID] = s
	return nil
}

func (r *fakeRepo) DeleteMachine(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
	return nil
}

func (r *fakeRepo) ListMachines(context.Context) ([]domain.MachineSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.MachineSettings, 0, len(r.machines))
	for _, s := range r.machines {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) ListMedia(context.Context) ([]medium.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]medium.Record, 0, len(r.media))
	for _, rec := range r.media {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRepo) SaveMedium(_ context.Context, rec medium.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media[rec.ID] = rec
	return nil
}

func (r *fakeRepo) DeleteMedium(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.media, id)
	return nil
}

type fakeFiles struct {
	mu    sync.Mutex
	files map[string]bool
}

func newFakeFiles() *fakeFiles { return &fakeFiles{files: make(map[string]bool)} }

func (f *fakeFiles) Create(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = true
	return nil
}

func (f *fakeFiles) Copy(src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.files[src] {
		return fmt.Errorf("%s: no such file", src)
	}
	f.files[dst] = true
	return nil
}

func (f *fakeFiles) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.files[path] {
		return fmt.Errorf("%s: no such file", path)
	}
	delete(f.files, path)
	return nil
}

func (f *fakeFiles) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

func (f *fakeFiles) withSuffix(suffix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for path := range f.files {
		if strings.HasSuffix(path, suffix) {
			out = append(out, path)
		}
	}
	return out
}

// saveHooks let a test hold a state save in flight.
type saveHooks struct {
	// saving receives once a save has started.
	saving chan struct{}
	// gate, when set, blocks the save until it is closed or the save's
	// context ends.
	gate chan struct{}
	// after runs once the state file is written.
	after func()
}

// fakeConsole locks the current-state chains like a VM would and runs
// online merges on the caller's goroutine.
type fakeConsole struct {
	mu      sync.Mutex
	reg     *medium.Registry
	files   *fakeFiles
	locks   map[domain.AttachmentSlot]*medium.LockList
	paused  bool
	resumes int
	saves   int
	saveErr error
	hooks   saveHooks
}

func (c *fakeConsole) SaveState(ctx context.Context, path string, pause bool, progress func(int)) (bool, error) {
	c.mu.Lock()
	c.saves++
	if c.saveErr != nil {
		c.mu.Unlock()
		return false, c.saveErr
	}
	suspended := pause && !c.paused
	if suspended {
		c.paused = true
	}
	hooks := c.hooks
	c.mu.Unlock()

	if hooks.saving != nil {
		select {
		case hooks.saving <- struct{}{}:
		default:
		}
	}
	if hooks.gate != nil {
		select {
		case <-hooks.gate:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return suspended, domain.ErrTaskCanceled.WithCause(err)
	}
	_ = c.files.Create(path)
	if hooks.after != nil {
		hooks.after()
	}
	if progress != nil {
		progress(100)
	}
	return suspended, nil
}

func (c *fakeConsole) Pause(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *fakeConsole) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.resumes++
	return nil
}

func (c *fakeConsole) PowerDown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot, l := range c.locks {
		_ = l.Unlock()
		delete(c.locks, slot)
	}
	return nil
}

func (c *fakeConsole) Reconfigure(_ context.Context, slot domain.AttachmentSlot, leaf *medium.Medium) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.locks[slot]
	if old != nil {
		_ = old.Unlock()
	}
	l := c.reg.CreateLockList(leaf, true)
	if err := l.Lock(); err != nil {
		if old != nil {
			_ = old.Lock()
		}
		return err
	}
	c.locks[slot] = l
	return nil
}

func (c *fakeConsole) LockList(slot domain.AttachmentSlot) (*medium.LockList, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[slot]
	return l, ok
}

func (c *fakeConsole) OnlineMerge(ctx context.Context, req merge.OnlineMergeRequest) (medium.Outcome, error) {
	outcome, err := c.reg.RunMerge(ctx, req.Plan, req.Progress)
	if outcome != medium.OutcomeSucceeded {
		return outcome, err
	}
	return outcome, c.reg.FinishOnlineMerge(ctx, req.Plan, req.Locks)
}

type fakeFactory struct {
	reg      *medium.Registry
	files    *fakeFiles
	saveErr  error
	hooks    saveHooks
	consoles []*fakeConsole
}

func (f *fakeFactory) Start(_ context.Context, cfg domain.MachineConfig, attach func(domain.AttachmentSlot) (*medium.Medium, bool)) (machine.Console, error) {
	c := &fakeConsole{
		reg:     f.reg,
		files:   f.files,
		locks:   make(map[domain.AttachmentSlot]*medium.LockList),
		saveErr: f.saveErr,
		hooks:   f.hooks,
	}
	for _, att := range cfg.Attachments {
		if att.Type != domain.DeviceTypeHardDisk {
			continue
		}
		md, ok := attach(att.Slot())
		if !ok {
			return nil, fmt.Errorf("no medium at %s", att.Slot())
		}
		l := f.reg.CreateLockList(md, true)
		if err := l.Lock(); err != nil {
			_ = c.PowerDown(context.Background())
			return nil, err
		}
		c.locks[att.Slot()] = l
	}
	f.consoles = append(f.consoles, c)
	return c, nil
}

// gatedBackend can hold image creation until the test releases it.
type gatedBackend struct {
	*medium.MemoryBackend

	mu       sync.Mutex
	creating chan struct{}
	gate     chan struct{}
}

func (b *gatedBackend) hold() (creating chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creating = make(chan struct{}, 1)
	b.gate = make(chan struct{})
	gate := b.gate
	return b.creating, func() { close(gate) }
}

func (b *gatedBackend) Create(ctx context.Context, location string, logicalSize uint64, parent string) error {
	b.mu.Lock()
	creating, gate := b.creating, b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case creating <- struct{}{}:
		default:
		}
		<-gate
	}
	return b.MemoryBackend.Create(ctx, location, logicalSize, parent)
}

type fakeVolumes struct{ free uint64 }

func (v fakeVolumes) Stat(string) (merge.VolumeInfo, error) {
	return merge.VolumeInfo{Serial: 7, Free: v.free}, nil
}

// ============================================================================
// Environment
// ============================================================================

type testEnv struct {
	svc     *SnapshotService
	reg     *medium.Registry
	backend *medium.MemoryBackend
	disks   *gatedBackend
	repo    *fakeRepo
	files   *fakeFiles
	factory *fakeFactory
	bus     *event.Bus
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	e := &testEnv{
		backend: medium.NewMemoryBackend(true),
		repo:    newFakeRepo(),
		files:   newFakeFiles(),
		bus:     event.NewBus(),
	}
	e.disks = &gatedBackend{MemoryBackend: e.backend}
	reg, err := medium.NewRegistry(medium.Config{Backend: e.disks, Store: e.repo, Observer: e.bus})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	e.reg = reg
	e.factory = &fakeFactory{reg: reg, files: e.files}

	cfg := Config{
		Registry:     reg,
		Runner:       task.NewRunner(task.RunnerConfig{}),
		Consoles:     e.factory,
		Repo:         e.repo,
		Files:        e.files,
		Bus:          e.bus,
		MediaRoot:    "/media",
		SnapshotRoot: "/machines",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e.svc, err = NewSnapshotService(cfg)
	if err != nil {
		t.Fatalf("NewSnapshotService: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cfg.Runner.Shutdown(ctx)
	})
	return e
}

func (e *testEnv) register(t *testing.T, name string) *MachineInfo {
	t.Helper()
	info, err := e.svc.RegisterMachine(context.Background(), &RegisterMachineRequest{
		Name:     name,
		Hardware: domain.Hardware{CPUCount: 2, MemoryMB: 64},
		Disks:    []DiskSpec{{Controller: "SATA", Port: 0, SizeBytes: 1 << 30}},
	})
	if err != nil {
		t.Fatalf("RegisterMachine: %v", err)
	}
	return info
}

// leaf returns the medium attached to the machine's current state.
func (e *testEnv) leaf(t *testing.T, id uuid.UUID) *medium.Medium {
	t.Helper()
	info, err := e.svc.GetMachine(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	md, err := e.reg.Get(info.Attachments[0].MediumID)
	if err != nil {
		t.Fatalf("leaf medium: %v", err)
	}
	return md
}

func (e *testEnv) write(t *testing.T, md *medium.Medium, block uint64, data string) {
	t.Helper()
	if err := e.backend.WriteBlock(md.Location(), block, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
}

func wait(t *testing.T, resp *TaskResponse, err error) error {
	t.Helper()
	if err != nil {
		t.Fatalf("operation rejected: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	werr := resp.Progress.Wait(ctx)
	if errors.Is(werr, context.DeadlineExceeded) {
		t.Fatal("task did not finish")
	}
	return werr
}

func (e *testEnv) take(t *testing.T, id uuid.UUID, name string) uuid.UUID {
	t.Helper()
	resp, err := e.svc.TakeSnapshot(context.Background(), &TakeSnapshotRequest{MachineID: id, Name: name})
	if err := wait(t, resp, err); err != nil {
		t.Fatalf("TakeSnapshot(%s): %v", name, err)
	}
	return resp.SnapshotID
}

func (e *testEnv) state(t *testing.T, id uuid.UUID) domain.MachineState {
	t.Helper()
	info, err := e.svc.GetMachine(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	return info.State
}

func hasBackRef(md *medium.Medium, machineID, snapshotID uuid.UUID) bool {
	for _, ref := range md.BackRefs() {
		if ref.MachineID != machineID {
			continue
		}
		if snapshotID == uuid.Nil {
			return ref.InCurState
		}
		for _, id := range ref.SnapshotIDs {
			if id == snapshotID {
				return true
			}
		}
	}
	return false
}

// ============================================================================
// Machine lifecycle
// ============================================================================

func TestSnapshotService_RegisterMachine(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	info := e.register(t, "vm1")
	if info.State != domain.MachineStatePoweredOff || len(info.Attachments) != 1 {
		t.Fatalf("unexpected machine: %+v", info)
	}
	base := e.leaf(t, info.ID)
	if base.Location() != "/media/vm1/SATA-0-0.img" {
		t.Fatalf("base location = %s", base.Location())
	}
	if !hasBackRef(base, info.ID, uuid.Nil) {
		t.Fatal("base disk not referenced by the current state")
	}

	_, err := e.svc.RegisterMachine(ctx, &RegisterMachineRequest{Name: "vm1", Hardware: domain.Hardware{MemoryMB: 1}})
	if !errors.Is(err, domain.ErrMachineExists) {
		t.Fatalf("duplicate name = %v, want ErrMachineExists", err)
	}
	if _, ok := e.repo.machines[info.ID]; !ok {
		t.Fatal("machine not persisted")
	}
}

func TestSnapshotService_PowerCycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)

	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	if base.LockState() != domain.MediumStateLockedWrite {
		t.Fatalf("running disk lock = %s", base.LockState())
	}
	if _, err := e.svc.StartMachine(ctx, info.ID); !errors.Is(err, domain.ErrInvalidVMState) {
		t.Fatalf("second start = %v, want ErrInvalidVMState", err)
	}

	tests := []struct {
		name string
		call func(context.Context, uuid.UUID) (*MachineInfo, error)
		want domain.MachineState
	}{
		{"pause", e.svc.PauseMachine, domain.MachineStatePaused},
		{"resume", e.svc.ResumeMachine, domain.MachineStateRunning},
		{"save", e.svc.SaveMachineState, domain.MachineStateSaved},
		{"start from saved", e.svc.StartMachine, domain.MachineStateRunning},
		{"power off", e.svc.PowerOffMachine, domain.MachineStatePoweredOff},
	}
	for _, tt := range tests {
		got, err := tt.call(ctx, info.ID)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got.State != tt.want {
			t.Fatalf("%s: state = %s, want %s", tt.name, got.State, tt.want)
		}
	}
	if base.LockState() != domain.MediumStateCreated {
		t.Fatalf("disk still locked after power off: %s", base.LockState())
	}
	if len(e.files.files) != 0 {
		t.Fatalf("consumed saved state left behind: %v", e.files.files)
	}
}

func TestSnapshotService_UnregisterMachine(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	base := e.leaf(t, info.ID)
	e.take(t, info.ID, "S1")

	if _, err := e.svc.StartMachine(ctx, info.ID); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	if err := e.svc.UnregisterMachine(ctx, info.ID); !errors.Is(err, domain.ErrInvalidVMState) {
		t.Fatalf("unregister running = %v, want ErrInvalidVMState", err)
	}
	if _, err := e.svc.PowerOffMachine(ctx, info.ID); err != nil {
		t.Fatalf("PowerOffMachine: %v", err)
	}

	if err := e.svc.UnregisterMachine(ctx, info.ID); err != nil {
		t.Fatalf("UnregisterMachine: %v", err)
	}
	if _, err := e.svc.GetMachine(ctx, info.ID); !errors.Is(err, domain.ErrMachineNotFound) {
		t.Fatalf("GetMachine after unregister = %v", err)
	}
	if base.InUse() {
		t.Fatalf("base still referenced: %+v", base.BackRefs())
	}
	if _, ok := e.repo.machines[info.ID]; ok {
		t.Fatal("machine still persisted")
	}
}

func TestSnapshotService_LoadRebuildsBackRefs(t *testing.T) {
	e := newTestEnv(t)
	info := e.register(t, "vm1")
	s1 := e.take(t, info.ID, "S1")

	reg, err := medium.NewRegistry(medium.Config{Backend: e.backend, Store: e.repo})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	svc, err := NewSnapshotService(Config{Registry: reg, Runner: task.NewRunner(task.RunnerConfig{}), Repo: e.repo})
	if err != nil {
		t.Fatalf("NewSnapshotService: %v", err)
	}
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snaps, err := svc.ListSnapshots(context.Background(), info.ID)
	if err != nil || len(snaps) != 1 || snaps[0].ID != s1 || !snaps[0].Current {
		t.Fatalf("ListSnapshots = %+v, %v", snaps, err)
	}
	base, err := reg.Get(snaps[0].Attachments[0].MediumID)
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	if !hasBackRef(base, info.ID, s1) {
		t.Fatal("snapshot back-reference not rebuilt")
	}
	if len(base.Children()) != 1 || !hasBackRef(base.Children()[0], info.ID, uuid.Nil) {
		t.Fatal("current-state back-reference not rebuilt")
	}
}

func TestSnapshotService_EditSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	info := e.register(t, "vm1")
	s1 := e.take(t, info.ID, "S1")

	events, cancel := e.bus.Subscribe(16)
	defer cancel()

	name, desc := "before upgrade", "kernel 6.1"
	got, err := e.svc.EditSnapshot(ctx, &EditSnapshotRequest{MachineID: info.ID, SnapshotID: s1, Name: &name, Description: &desc})
	if err != nil {
		t.Fatalf("EditSnapshot: %v", err)
	}
	if got.Name != name || got.Description != desc {
		t.Fatalf("edited snapshot = %+v", got)
	}
	empty := " "
	if _, err := e.svc.EditSnapshot(ctx, &EditSnapshotRequest{MachineID: info.ID, SnapshotID: s1, Name: &empty}); !errors.Is(err, domain.ErrSnapshotNameRequired) {
		t.Fatalf("blank name = %v, want ErrSnapshotNameRequired", err)
	}

	found, err := e.svc.GetSnapshot(ctx, info.ID, uuid.Nil, name)
	if err != nil || found.ID != s1 {
		t.Fatalf("GetSnapshot by name = %+v, %v", found, err)
	}
	for found := false; !found; {
		select {
		case ev := <-events:
			found = ev.Type == event.SnapshotChanged && ev.SnapshotID == s1
		default:
			t.Fatal("no snapshot_changed event")
		}
	}
}
