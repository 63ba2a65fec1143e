package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/event"
	"github.com/yndnr/vmsnap-go/internal/core/machine"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// ============================================================================
// Register / Unregister
// ============================================================================

// DiskSpec describes a base disk created together with a machine.
type DiskSpec struct {
	Controller string            `json:"controller"`
	Port       int               `json:"port"`
	Device     int               `json:"device"`
	SizeBytes  uint64            `json:"size_bytes"`
	Type       domain.MediumType `json:"type,omitempty"`
	Location   string            `json:"location,omitempty"`
}

// RegisterMachineRequest contains parameters for machine registration.
type RegisterMachineRequest struct {
	Name           string          `json:"name"`
	Hardware       domain.Hardware `json:"hardware"`
	Disks          []DiskSpec      `json:"disks"`
	SnapshotFolder string          `json:"snapshot_folder,omitempty"`
}

// RegisterMachine creates a powered-off machine with fresh base disks.
func (s *SnapshotService) RegisterMachine(ctx context.Context, req *RegisterMachineRequest) (*MachineInfo, error) {
	log := logger.L(ctx)

	// 1. Validate input
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrMissingArgument.WithDetails("machine name")
	}
	if req.Hardware.MemoryMB == 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("memory_mb must be positive")
	}
	taken := false
	s.machines.Range(func(_ uuid.UUID, m *machine.Machine) bool {
		m.RLock()
		taken = m.Name() == name
		m.RUnlock()
		return !taken
	})
	if taken {
		return nil, domain.ErrMachineExists.WithDetailsf("name %q", name)
	}

	cfg := domain.MachineConfig{
		ID:             domain.NewID(),
		Name:           name,
		Hardware:       req.Hardware,
		SnapshotFolder: req.SnapshotFolder,
	}
	if cfg.SnapshotFolder == "" {
		cfg.SnapshotFolder = filepath.Join(s.snapshotRoot, name, "Snapshots")
	}

	// 2. Create base disks
	var created []*medium.Medium
	cleanup := func() {
		for _, md := range created {
			md.RemoveBackReference(cfg.ID, uuid.Nil)
			if err := s.reg.DeleteStorage(ctx, md); err != nil {
				log.Warn("failed to delete base disk", "medium_id", md.ID(), "error", err)
			}
		}
	}
	for _, d := range req.Disks {
		typ := d.Type
		if typ == "" {
			typ = domain.MediumTypeNormal
		}
		loc := d.Location
		if loc == "" {
			loc = filepath.Join(s.mediaRoot, name, fmt.Sprintf("%s-%d-%d.img", d.Controller, d.Port, d.Device))
		}
		md, err := s.reg.CreateBase(ctx, loc, d.SizeBytes, typ)
		if err != nil {
			cleanup()
			return nil, err
		}
		md.AddBackReference(cfg.ID, uuid.Nil)
		created = append(created, md)
		cfg.Attachments = append(cfg.Attachments, domain.MediumAttachment{
			Controller: d.Controller,
			Port:       d.Port,
			Device:     d.Device,
			Type:       domain.DeviceTypeHardDisk,
			MediumID:   md.ID(),
		})
	}

	// 3. NVRAM for EFI firmware
	if strings.EqualFold(req.Hardware.Firmware, "efi") && s.files != nil {
		cfg.NVRAMFile = filepath.Join(filepath.Dir(cfg.SnapshotFolder), name+".nvram")
		if err := s.files.Create(cfg.NVRAMFile); err != nil {
			cleanup()
			return nil, domain.ErrStorage.WithDetails("creating nvram file").WithCause(err)
		}
	}

	m, err := machine.New(cfg, s.maxDepth)
	if err != nil {
		cleanup()
		return nil, err
	}

	// 4. Persist
	m.Lock()
	defer m.Unlock()
	if err := s.saveMachine(ctx, m); err != nil {
		cleanup()
		return nil, err
	}
	s.machines.Set(m.ID(), m)

	log.Info("machine registered", "machine_id", m.ID(), "name", name, "disks", len(created))
	return machineInfo(m), nil
}

// UnregisterMachine removes a machine that is not running, together with
// its snapshot tree. Media stay registered.
func (s *SnapshotService) UnregisterMachine(ctx context.Context, id uuid.UUID) error {
	m, err := s.machine(id)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()

	state := m.State()
	if state.IsOnline() || state.IsTransient() {
		return domain.ErrInvalidVMState.WithDetailsf("cannot unregister a machine that is %s", state)
	}

	tree := m.Tree()
	removed := tree.UninitSubtree(tree.FirstID(), func(snap *domain.Snapshot) {
		if snap.Machine != nil {
			s.removeBackRefs(id, snap.ID, snap.Machine.Attachments)
		}
	})
	s.removeBackRefs(id, uuid.Nil, m.Config().Attachments)

	if err := s.repo.DeleteMachine(ctx, id); err != nil {
		return domain.ErrStorage.WithDetailsf("deleting machine %s", id).WithCause(err)
	}
	s.machines.Delete(id)
	s.setState(m, domain.MachineStateNull)

	logger.L(ctx).Info("machine unregistered", "machine_id", id, "snapshots", len(removed))
	return nil
}

// ============================================================================
// Power
// ============================================================================

// StartMachine powers the machine on. A saved state is consumed.
func (s *SnapshotService) StartMachine(ctx context.Context, id uuid.UUID) (*MachineInfo, error) {
	m, err := s.machine(id)
	if err != nil {
		return nil, err
	}
	if s.consoles == nil {
		return nil, domain.ErrNotImplemented.WithDetails("no vm backend configured")
	}
	m.Lock()
	defer m.Unlock()

	// 1. Check state
	switch state := m.State(); state {
	case domain.MachineStatePoweredOff, domain.MachineStateSaved,
		domain.MachineStateAborted, domain.MachineStateAbortedSaved:
	default:
		return nil, domain.ErrInvalidVMState.WithDetailsf("cannot start a machine that is %s", state)
	}

	// 2. Start the VM
	cfg := m.Config()
	attach := func(slot domain.AttachmentSlot) (*medium.Medium, bool) {
		idx := domain.FindAttachmentBySlot(cfg.Attachments, slot)
		if idx < 0 {
			return nil, false
		}
		md, err := s.reg.Get(cfg.Attachments[idx].MediumID)
		return md, err == nil
	}
	console, err := s.consoles.Start(ctx, cfg, attach)
	if err != nil {
		return nil, err
	}
	m.SetConsole(console)

	// 3. The saved state has been loaded into the VM
	if cfg.StateFile != "" {
		if !m.Tree().SharesSavedStateFile(cfg.StateFile, uuid.Nil) {
			s.removeFile(ctx, cfg.StateFile, "saved state")
		}
		cfg.StateFile = ""
		m.SetConfig(cfg)
	}

	s.setState(m, domain.MachineStateRunning)
	if err := s.saveMachine(ctx, m); err != nil {
		return nil, err
	}
	logger.L(ctx).Info("machine started", "machine_id", id)
	return machineInfo(m), nil
}

// PauseMachine suspends a running machine.
func (s *SnapshotService) PauseMachine(ctx context.Context, id uuid.UUID) (*MachineInfo, error) {
	return s.toggle(ctx, id, domain.MachineStateRunning, domain.MachineStatePaused, machine.Console.Pause)
}

// ResumeMachine resumes a paused machine.
func (s *SnapshotService) ResumeMachine(ctx context.Context, id uuid.UUID) (*MachineInfo, error) {
	return s.toggle(ctx, id, domain.MachineStatePaused, domain.MachineStateRunning, machine.Console.Resume)
}

func (s *SnapshotService) toggle(ctx context.Context, id uuid.UUID, from, to domain.MachineState,
	call func(machine.Console, context.Context) error) (*MachineInfo, error) {
	m, err := s.machine(id)
	if err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()

	if m.State() != from || m.Console() == nil {
		return nil, domain.ErrInvalidVMState.WithDetailsf("machine is %s, expected %s", m.State(), from)
	}
	if err := call(m.Console(), ctx); err != nil {
		return nil, err
	}
	s.setState(m, to)
	if err := s.saveMachine(ctx, m); err != nil {
		return nil, err
	}
	return machineInfo(m), nil
}

// SaveMachineState writes the VM state to the snapshot folder and stops the VM.
func (s *SnapshotService) SaveMachineState(ctx context.Context, id uuid.UUID) (*MachineInfo, error) {
	m, err := s.machine(id)
	if err != nil {
		return nil, err
	}

	// 1. Check state and enter Saving
	m.Lock()
	prev := m.State()
	console := m.Console()
	if (prev != domain.MachineStateRunning && prev != domain.MachineStatePaused) || console == nil {
		m.Unlock()
		return nil, domain.ErrInvalidVMState.WithDetailsf("cannot save a machine that is %s", prev)
	}
	path := filepath.Join(s.snapshotFolder(m), "{"+uuid.NewString()+"}.sav")
	s.setState(m, domain.MachineStateSaving)
	m.Unlock()

	// 2. Save without the machine lock
	_, serr := console.SaveState(ctx, path, true, nil)

	m.Lock()
	defer m.Unlock()
	if serr != nil {
		s.setState(m, prev)
		return nil, serr
	}

	// 3. Stop the VM
	if err := console.PowerDown(ctx); err != nil {
		logger.L(ctx).Warn("failed to power down after save", "machine_id", id, "error", err)
	}
	m.SetConsole(nil)
	cfg := m.Config()
	cfg.StateFile = path
	m.SetConfig(cfg)
	s.setState(m, domain.MachineStateSaved)
	if err := s.saveMachine(ctx, m); err != nil {
		return nil, err
	}
	logger.L(ctx).Info("machine state saved", "machine_id", id, "path", path)
	return machineInfo(m), nil
}

// PowerOffMachine stops a running machine, or discards the saved state of
// a saved one.
func (s *SnapshotService) PowerOffMachine(ctx context.Context, id uuid.UUID) (*MachineInfo, error) {
	m, err := s.machine(id)
	if err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()

	switch state := m.State(); {
	case state == domain.MachineStateRunning || state == domain.MachineStatePaused:
		if c := m.Console(); c != nil {
			if err := c.PowerDown(ctx); err != nil {
				return nil, err
			}
		}
		m.SetConsole(nil)
	case state.HasSavedState():
		s.releaseSavedState(ctx, m)
	case state == domain.MachineStatePoweredOff || state == domain.MachineStateAborted:
		return machineInfo(m), nil
	default:
		return nil, domain.ErrInvalidVMState.WithDetailsf("cannot power off a machine that is %s", state)
	}

	s.setState(m, domain.MachineStatePoweredOff)
	if err := s.saveMachine(ctx, m); err != nil {
		return nil, err
	}
	logger.L(ctx).Info("machine powered off", "machine_id", id)
	return machineInfo(m), nil
}

// releaseSavedState drops the machine's saved-state file, deleting it when
// no snapshot shares it. The caller holds the machine write lock.
func (s *SnapshotService) releaseSavedState(ctx context.Context, m *machine.Machine) {
	cfg := m.Config()
	if cfg.StateFile == "" {
		return
	}
	if !m.Tree().SharesSavedStateFile(cfg.StateFile, uuid.Nil) {
		s.removeFile(ctx, cfg.StateFile, "saved state")
	}
	cfg.StateFile = ""
	m.SetConfig(cfg)
}

// ============================================================================
// Edit
// ============================================================================

// EditSnapshotRequest contains the fields of a snapshot that can change.
type EditSnapshotRequest struct {
	MachineID   uuid.UUID
	SnapshotID  uuid.UUID
	Name        *string
	Description *string
}

// EditSnapshot renames a snapshot or changes its description.
func (s *SnapshotService) EditSnapshot(ctx context.Context, req *EditSnapshotRequest) (*SnapshotInfo, error) {
	m, err := s.machine(req.MachineID)
	if err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()

	snap, err := m.Tree().Get(req.SnapshotID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if err := domain.ValidateSnapshotName(*req.Name); err != nil {
			return nil, err
		}
	}

	oldName, oldDesc := snap.Name, snap.Description
	if req.Name != nil {
		snap.Name = *req.Name
	}
	if req.Description != nil {
		snap.Description = *req.Description
	}
	if err := s.saveMachine(ctx, m); err != nil {
		snap.Name, snap.Description = oldName, oldDesc
		return nil, err
	}

	s.bus.Publish(event.Event{Type: event.SnapshotChanged, MachineID: m.ID(), SnapshotID: snap.ID})
	return snapshotInfo(m, snap, m.Tree().Depth(snap.ID)), nil
}
