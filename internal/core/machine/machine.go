package machine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/snaptree"
)

// Machine is one registered virtual machine.
type Machine struct {
	id uuid.UUID

	mu              sync.RWMutex
	cfg             *domain.MachineConfig
	state           domain.MachineState
	lastStateChange time.Time
	tree            *snaptree.Tree
	console         Console
}

// New creates a powered-off machine without snapshots.
func New(cfg domain.MachineConfig, maxDepth int) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		id:              cfg.ID,
		cfg:             cfg.Clone(),
		state:           domain.MachineStatePoweredOff,
		lastStateChange: time.Now().UTC(),
		tree:            snaptree.New(snaptree.WithMaxDepth(maxDepth)),
	}, nil
}

// FromSettings rebuilds a machine from persisted settings. Online and
// transient states cannot survive a restart and load as Aborted (or
// AbortedSaved when a state file exists).
func FromSettings(s domain.MachineSettings, maxDepth int) (*Machine, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	tree, err := snaptree.Load(s.Snapshots, s.CurrentSnapshotID, snaptree.WithMaxDepth(maxDepth))
	if err != nil {
		return nil, err
	}
	tree.SetCurrentStateModified(s.CurrentStateModified)

	state := s.State
	if state.IsOnline() || state.IsTransient() {
		state = domain.MachineStateAborted
		if s.Config.StateFile != "" {
			state = domain.MachineStateAbortedSaved
		}
	}
	return &Machine{
		id:              s.Config.ID,
		cfg:             s.Config.Clone(),
		state:           state,
		lastStateChange: s.LastStateChange,
		tree:            tree,
	}, nil
}

// ID returns the machine id.
func (m *Machine) ID() uuid.UUID { return m.id }

// Lock takes the machine write lock.
func (m *Machine) Lock() { m.mu.Lock() }

// Unlock releases the machine write lock.
func (m *Machine) Unlock() { m.mu.Unlock() }

// RLock takes the machine read lock.
func (m *Machine) RLock() { m.mu.RLock() }

// RUnlock releases the machine read lock.
func (m *Machine) RUnlock() { m.mu.RUnlock() }

// Name returns the machine name. Requires the lock.
func (m *Machine) Name() string { return m.cfg.Name }

// Config returns a copy of the current configuration. Requires the lock.
func (m *Machine) Config() domain.MachineConfig { return *m.cfg.Clone() }

// SetConfig replaces the current configuration. Requires the write lock.
func (m *Machine) SetConfig(cfg domain.MachineConfig) { m.cfg = cfg.Clone() }

// State returns the machine state. Requires the lock.
func (m *Machine) State() domain.MachineState { return m.state }

// SetState moves the machine to s. Requires the write lock.
func (m *Machine) SetState(s domain.MachineState) {
	if m.state == s {
		return
	}
	m.state = s
	m.lastStateChange = time.Now().UTC()
}

// LastStateChange returns when the state last changed. Requires the lock.
func (m *Machine) LastStateChange() time.Time { return m.lastStateChange }

// Tree returns the snapshot tree. Requires the lock for any access.
func (m *Machine) Tree() *snaptree.Tree { return m.tree }

// Console returns the VM console, nil when the VM is not running.
// Requires the lock.
func (m *Machine) Console() Console { return m.console }

// SetConsole attaches or (with nil) detaches the VM. Requires the write lock.
func (m *Machine) SetConsole(c Console) { m.console = c }

// Settings returns the persistable form of the machine. Requires the lock.
func (m *Machine) Settings() domain.MachineSettings {
	return domain.MachineSettings{
		Config:               *m.cfg.Clone(),
		State:                m.state,
		CurrentSnapshotID:    m.tree.CurrentID(),
		CurrentStateModified: m.tree.CurrentStateModified(),
		LastStateChange:      m.lastStateChange,
		Snapshots:            m.tree.Records(),
	}
}

// DetachSnapshotMedium removes the attachment of mediumID from a
// snapshot's machine. Requires the write lock.
func (m *Machine) DetachSnapshotMedium(snapshotID, mediumID uuid.UUID) bool {
	snap, err := m.tree.Get(snapshotID)
	if err != nil || snap.Machine == nil {
		return false
	}
	return snap.Machine.RemoveAttachment(mediumID)
}

// ReplaceMedium points attachments of oldID at newID, in a snapshot or,
// for uuid.Nil, in the current state. Requires the write lock.
func (m *Machine) ReplaceMedium(snapshotID, oldID, newID uuid.UUID) bool {
	if snapshotID == uuid.Nil {
		replaced := false
		for i := range m.cfg.Attachments {
			if m.cfg.Attachments[i].MediumID == oldID {
				m.cfg.Attachments[i].MediumID = newID
				replaced = true
			}
		}
		return replaced
	}
	snap, err := m.tree.Get(snapshotID)
	if err != nil || snap.Machine == nil {
		return false
	}
	return snap.Machine.ReplaceMedium(oldID, newID)
}

// HardDisks returns the current-state attachments that take part in
// snapshots: hard disks whose medium type is not excluded. typeOf maps a
// medium id to its type. Requires the lock.
func (m *Machine) HardDisks(typeOf func(uuid.UUID) (domain.MediumType, bool)) []domain.MediumAttachment {
	var out []domain.MediumAttachment
	for _, att := range m.cfg.Attachments {
		if att.Type != domain.DeviceTypeHardDisk || att.MediumID == uuid.Nil {
			continue
		}
		typ, ok := typeOf(att.MediumID)
		if !ok || typ.SkipsSnapshots() {
			continue
		}
		out = append(out, att)
	}
	return out
}
