package service

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/event"
	"github.com/yndnr/vmsnap-go/internal/core/machine"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
	"github.com/yndnr/vmsnap-go/internal/core/task"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
	"github.com/yndnr/vmsnap-go/pkg/cmap"
)

// DefaultMaxDepth bounds the snapshot tree depth.
const DefaultMaxDepth = 250

// Repository persists machine settings.
type Repository interface {
	SaveMachine(ctx context.Context, s domain.MachineSettings) error
	DeleteMachine(ctx context.Context, id uuid.UUID) error
	ListMachines(ctx context.Context) ([]domain.MachineSettings, error)
	ListMedia(ctx context.Context) ([]medium.Record, error)
}

// Files manages saved-state and NVRAM files.
type Files interface {
	Create(path string) error
	Copy(src, dst string) error
	Remove(path string) error
}

// Config configures a SnapshotService.
type Config struct {
	Registry *medium.Registry
	Planner  *merge.Planner
	Executor *merge.Executor
	Runner   *task.Runner
	Consoles machine.ConsoleFactory
	Repo     Repository
	Files    Files
	Bus      *event.Bus
	Logger   logger.Logger

	// MediaRoot is where base images of new machines are created.
	MediaRoot string
	// SnapshotRoot is the parent of per-machine snapshot folders.
	SnapshotRoot string
	MaxDepth     int

	// ProgressNotifyEvery throttles progress events; zero publishes every change.
	ProgressNotifyEvery time.Duration
}

// SnapshotService manages machines and their snapshots.
type SnapshotService struct {
	reg      *medium.Registry
	planner  *merge.Planner
	executor *merge.Executor
	runner   *task.Runner
	consoles machine.ConsoleFactory
	repo     Repository
	files    Files
	bus      *event.Bus
	logger   logger.Logger

	mediaRoot    string
	snapshotRoot string
	maxDepth     int
	notifyEvery  time.Duration

	machines *cmap.Map[uuid.UUID, *machine.Machine]
}

// NewSnapshotService creates a SnapshotService.
func NewSnapshotService(cfg Config) (*SnapshotService, error) {
	if cfg.Registry == nil || cfg.Runner == nil || cfg.Repo == nil {
		return nil, domain.ErrMissingArgument.WithDetails("registry, runner and repository are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.Planner == nil {
		cfg.Planner = merge.NewPlanner(merge.PlannerConfig{Registry: cfg.Registry, Logger: cfg.Logger})
	}
	if cfg.Executor == nil {
		cfg.Executor = merge.NewExecutor(merge.ExecutorConfig{Registry: cfg.Registry, Logger: cfg.Logger})
	}
	if cfg.Bus == nil {
		cfg.Bus = event.NewBus()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &SnapshotService{
		reg:          cfg.Registry,
		planner:      cfg.Planner,
		executor:     cfg.Executor,
		runner:       cfg.Runner,
		consoles:     cfg.Consoles,
		repo:         cfg.Repo,
		files:        cfg.Files,
		bus:          cfg.Bus,
		logger:       cfg.Logger.With("component", "snapshot_service"),
		mediaRoot:    cfg.MediaRoot,
		snapshotRoot: cfg.SnapshotRoot,
		maxDepth:     cfg.MaxDepth,
		notifyEvery:  cfg.ProgressNotifyEvery,
		machines:     cmap.New[uuid.UUID, *machine.Machine](),
	}, nil
}

// Registry returns the medium registry.
func (s *SnapshotService) Registry() *medium.Registry { return s.reg }

// Runner returns the task runner.
func (s *SnapshotService) Runner() *task.Runner { return s.runner }

// Bus returns the event bus.
func (s *SnapshotService) Bus() *event.Bus { return s.bus }

// Load restores media and machines from the repository and rebuilds the
// medium back-references from the machines' attachments.
func (s *SnapshotService) Load(ctx context.Context) error {
	recs, err := s.repo.ListMedia(ctx)
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	if err := s.reg.Load(recs); err != nil {
		return err
	}

	settings, err := s.repo.ListMachines(ctx)
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	for _, st := range settings {
		m, err := machine.FromSettings(st, s.maxDepth)
		if err != nil {
			s.logger.Error("skipping unreadable machine", "machine_id", st.Config.ID, "error", err)
			continue
		}
		s.addBackRefs(m.ID(), uuid.Nil, st.Config.Attachments)
		m.Tree().Walk(func(snap *domain.Snapshot, _ int) bool {
			if snap.Machine != nil {
				s.addBackRefs(m.ID(), snap.ID, snap.Machine.Attachments)
			}
			return true
		})
		s.machines.Set(m.ID(), m)
	}

	s.logger.Info("settings loaded", "machines", s.machines.Count(), "media", len(recs))
	return nil
}

func (s *SnapshotService) addBackRefs(machineID, snapshotID uuid.UUID, atts []domain.MediumAttachment) {
	for _, att := range atts {
		if att.MediumID == uuid.Nil {
			continue
		}
		if md, err := s.reg.Get(att.MediumID); err == nil {
			md.AddBackReference(machineID, snapshotID)
		}
	}
}

func (s *SnapshotService) removeBackRefs(machineID, snapshotID uuid.UUID, atts []domain.MediumAttachment) {
	for _, att := range atts {
		if att.MediumID == uuid.Nil {
			continue
		}
		if md, err := s.reg.Get(att.MediumID); err == nil {
			md.RemoveBackReference(machineID, snapshotID)
		}
	}
}

func (s *SnapshotService) machine(id uuid.UUID) (*machine.Machine, error) {
	m, ok := s.machines.Get(id)
	if !ok {
		return nil, domain.ErrMachineNotFound.WithDetails(id.String())
	}
	return m, nil
}

// registered reports whether m is still the machine registered under its
// id. Tasks check it after taking the machine lock.
func (s *SnapshotService) registered(m *machine.Machine) bool {
	cur, ok := s.machines.Get(m.ID())
	return ok && cur == m
}

// saveMachine persists m. The caller holds the machine lock.
func (s *SnapshotService) saveMachine(ctx context.Context, m *machine.Machine) error {
	if err := s.repo.SaveMachine(ctx, m.Settings()); err != nil {
		return domain.ErrStorage.WithDetailsf("saving machine %s", m.ID()).WithCause(err)
	}
	return nil
}

// setState moves m to state and publishes the change. The caller holds
// the machine write lock.
func (s *SnapshotService) setState(m *machine.Machine, state domain.MachineState) {
	if m.State() == state {
		return
	}
	m.SetState(state)
	s.bus.Publish(event.Event{Type: event.MachineStateChanged, MachineID: m.ID(), State: state})
}

func (s *SnapshotService) mediumType(id uuid.UUID) (domain.MediumType, bool) {
	md, err := s.reg.Get(id)
	if err != nil {
		return "", false
	}
	return md.Type(), true
}

// snapshotFolder returns where m keeps saved states, NVRAM copies and
// implicit differencing images. The caller holds the machine lock.
func (s *SnapshotService) snapshotFolder(m *machine.Machine) string {
	cfg := m.Config()
	if cfg.SnapshotFolder != "" {
		return cfg.SnapshotFolder
	}
	return filepath.Join(s.snapshotRoot, cfg.Name, "Snapshots")
}

func (s *SnapshotService) diffLocation(folder string) string {
	return filepath.Join(folder, "{"+uuid.NewString()+"}.img")
}

func (s *SnapshotService) newProgress(m *machine.Machine, cfg task.ProgressConfig) (*task.Progress, error) {
	cfg.MachineID = m.ID()
	cfg.NotifyEvery = s.notifyEvery
	cfg.OnChange = func(info task.Info) {
		s.bus.Publish(event.Event{
			Type:      event.TaskProgress,
			MachineID: info.MachineID,
			TaskID:    info.ID,
			Percent:   info.Percent,
		})
	}
	return task.NewProgress(cfg)
}

// removeFile deletes a saved-state or NVRAM file. Failures are logged
// and otherwise ignored.
func (s *SnapshotService) removeFile(ctx context.Context, path, what string) {
	if path == "" || s.files == nil {
		return
	}
	if err := s.files.Remove(path); err != nil {
		logger.L(ctx).Warn("failed to delete "+what, "path", path, "error", err)
	}
}

func (s *SnapshotService) copyFile(src, dst string) error {
	if s.files == nil {
		return domain.ErrNotImplemented.WithDetails("no file store configured")
	}
	if err := s.files.Copy(src, dst); err != nil {
		return domain.ErrStorage.WithDetailsf("copying %s to %s", src, dst).WithCause(err)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// MachineInfo is the read model of a machine.
type MachineInfo struct {
	ID                   uuid.UUID                 `json:"id"`
	Name                 string                    `json:"name"`
	State                domain.MachineState       `json:"state"`
	LastStateChange      time.Time                 `json:"last_state_change"`
	Hardware             domain.Hardware           `json:"hardware"`
	Attachments          []domain.MediumAttachment `json:"attachments"`
	StateFile            string                    `json:"state_file,omitempty"`
	CurrentSnapshotID    uuid.UUID                 `json:"current_snapshot_id"`
	CurrentStateModified bool                      `json:"current_state_modified"`
	SnapshotCount        int                       `json:"snapshot_count"`
}

func machineInfo(m *machine.Machine) *MachineInfo {
	cfg := m.Config()
	return &MachineInfo{
		ID:                   m.ID(),
		Name:                 cfg.Name,
		State:                m.State(),
		LastStateChange:      m.LastStateChange(),
		Hardware:             cfg.Hardware,
		Attachments:          cfg.Attachments,
		StateFile:            cfg.StateFile,
		CurrentSnapshotID:    m.Tree().CurrentID(),
		CurrentStateModified: m.Tree().CurrentStateModified(),
		SnapshotCount:        m.Tree().Len(),
	}
}

// GetMachine returns one machine.
func (s *SnapshotService) GetMachine(_ context.Context, id uuid.UUID) (*MachineInfo, error) {
	m, err := s.machine(id)
	if err != nil {
		return nil, err
	}
	m.RLock()
	defer m.RUnlock()
	return machineInfo(m), nil
}

// ListMachines returns every machine sorted by name.
func (s *SnapshotService) ListMachines(_ context.Context) []*MachineInfo {
	out := make([]*MachineInfo, 0, s.machines.Count())
	s.machines.Range(func(_ uuid.UUID, m *machine.Machine) bool {
		m.RLock()
		out = append(out, machineInfo(m))
		m.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// SnapshotInfo is the read model of a snapshot.
type SnapshotInfo struct {
	ID          uuid.UUID                 `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	ParentID    uuid.UUID                 `json:"parent_id"`
	Children    []uuid.UUID               `json:"children,omitempty"`
	Depth       int                       `json:"depth"`
	Online      bool                      `json:"online"`
	Current     bool                      `json:"current"`
	Attachments []domain.MediumAttachment `json:"attachments,omitempty"`
}

// ListSnapshots returns the snapshot tree of a machine in pre-order.
func (s *SnapshotService) ListSnapshots(_ context.Context, machineID uuid.UUID) ([]*SnapshotInfo, error) {
	m, err := s.machine(machineID)
	if err != nil {
		return nil, err
	}
	m.RLock()
	defer m.RUnlock()

	tree := m.Tree()
	var out []*SnapshotInfo
	tree.Walk(func(snap *domain.Snapshot, depth int) bool {
		out = append(out, snapshotInfo(m, snap, depth))
		return true
	})
	return out, nil
}

// GetSnapshot returns one snapshot, by id or (when id is uuid.Nil) by name.
func (s *SnapshotService) GetSnapshot(_ context.Context, machineID, id uuid.UUID, name string) (*SnapshotInfo, error) {
	m, err := s.machine(machineID)
	if err != nil {
		return nil, err
	}
	m.RLock()
	defer m.RUnlock()

	var snap *domain.Snapshot
	if id != uuid.Nil {
		snap, err = m.Tree().Get(id)
	} else {
		snap, err = m.Tree().FindByName(name)
	}
	if err != nil {
		return nil, err
	}
	return snapshotInfo(m, snap, m.Tree().Depth(snap.ID)), nil
}

func snapshotInfo(m *machine.Machine, snap *domain.Snapshot, depth int) *SnapshotInfo {
	tree := m.Tree()
	info := &SnapshotInfo{
		ID:          snap.ID,
		Name:        snap.Name,
		Description: snap.Description,
		CreatedAt:   snap.CreatedAt,
		ParentID:    tree.ParentID(snap.ID),
		Depth:       depth,
		Online:      snap.StateFile() != "",
		Current:     tree.CurrentID() == snap.ID,
	}
	for _, c := range tree.Children(snap.ID) {
		info.Children = append(info.Children, c.ID)
	}
	if snap.Machine != nil {
		info.Attachments = domain.CloneAttachments(snap.Machine.Attachments)
	}
	return info
}
