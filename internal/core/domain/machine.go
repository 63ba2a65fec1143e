package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MachineState is the execution state of a machine.
//
// The numeric order matters: online states form one contiguous range and
// transient states another (see IsOnline / IsTransient).
type MachineState int

const (
	MachineStateNull MachineState = iota
	MachineStatePoweredOff
	MachineStateSaved
	MachineStateAborted
	MachineStateAbortedSaved
	MachineStateRunning
	MachineStatePaused
	MachineStateStuck
	MachineStateLiveSnapshotting
	MachineStateStarting
	MachineStateStopping
	MachineStateSaving
	MachineStateRestoring
	MachineStateDeletingSnapshotOnline
	MachineStateDeletingSnapshotPaused
	MachineStateOnlineSnapshotting
	MachineStateRestoringSnapshot
	MachineStateDeletingSnapshot
	MachineStateSettingUp
	MachineStateSnapshotting
)

var machineStateNames = map[MachineState]string{
	MachineStateNull:                   "null",
	MachineStatePoweredOff:             "powered_off",
	MachineStateSaved:                  "saved",
	MachineStateAborted:                "aborted",
	MachineStateAbortedSaved:           "aborted_saved",
	MachineStateRunning:                "running",
	MachineStatePaused:                 "paused",
	MachineStateStuck:                  "stuck",
	MachineStateLiveSnapshotting:       "live_snapshotting",
	MachineStateStarting:               "starting",
	MachineStateStopping:               "stopping",
	MachineStateSaving:                 "saving",
	MachineStateRestoring:              "restoring",
	MachineStateDeletingSnapshotOnline: "deleting_snapshot_online",
	MachineStateDeletingSnapshotPaused: "deleting_snapshot_paused",
	MachineStateOnlineSnapshotting:     "online_snapshotting",
	MachineStateRestoringSnapshot:      "restoring_snapshot",
	MachineStateDeletingSnapshot:       "deleting_snapshot",
	MachineStateSettingUp:              "setting_up",
	MachineStateSnapshotting:           "snapshotting",
}

// String returns the snake_case name of the state.
func (s MachineState) String() string {
	if name, ok := machineStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("machine_state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s MachineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MachineState) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for state, n := range machineStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return ErrInvalidArgument.WithDetailsf("unknown machine state %q", text)
}

// IsOnline reports whether a VM process exists for the state.
func (s MachineState) IsOnline() bool {
	return s >= MachineStateRunning && s <= MachineStateOnlineSnapshotting
}

// IsTransient reports whether the machine is in the middle of a state change.
func (s MachineState) IsTransient() bool {
	return s >= MachineStateLiveSnapshotting && s <= MachineStateSnapshotting
}

// HasSavedState reports whether the state implies a saved-state file.
func (s MachineState) HasSavedState() bool {
	return s == MachineStateSaved || s == MachineStateAbortedSaved
}

// Hardware is the hardware configuration copied into every snapshot.
type Hardware struct {
	CPUCount    int    `json:"cpu_count"`
	MemoryMB    uint64 `json:"memory_mb"`
	Firmware    string `json:"firmware,omitempty"`
	Description string `json:"description,omitempty"`
}

// MachineConfig is the current (non-snapshot) configuration of a machine.
type MachineConfig struct {
	ID             uuid.UUID          `json:"id"`
	Name           string             `json:"name"`
	Hardware       Hardware           `json:"hardware"`
	Attachments    []MediumAttachment `json:"attachments"`
	StateFile      string             `json:"state_file,omitempty"`
	NVRAMFile      string             `json:"nvram_file,omitempty"`
	SnapshotFolder string             `json:"snapshot_folder"`
}

// Clone returns a deep copy of the configuration.
func (c *MachineConfig) Clone() *MachineConfig {
	out := *c
	out.Attachments = CloneAttachments(c.Attachments)
	return &out
}

// MachineSettings is everything persisted for one machine: the current
// configuration, the machine state and the whole snapshot tree.
type MachineSettings struct {
	Config               MachineConfig    `json:"config"`
	State                MachineState     `json:"state"`
	CurrentSnapshotID    uuid.UUID        `json:"current_snapshot_id"`
	CurrentStateModified bool             `json:"current_state_modified"`
	LastStateChange      time.Time        `json:"last_state_change"`
	Snapshots            []SnapshotRecord `json:"snapshots,omitempty"`
}

// Validate checks the invariants of a machine configuration.
func (c *MachineConfig) Validate() error {
	if c.ID == uuid.Nil {
		return ErrMissingArgument.WithDetails("machine id")
	}
	if strings.TrimSpace(c.Name) == "" {
		return ErrMissingArgument.WithDetails("machine name")
	}
	seen := make(map[AttachmentSlot]bool, len(c.Attachments))
	for _, att := range c.Attachments {
		slot := att.Slot()
		if seen[slot] {
			return ErrInvalidArgument.WithDetailsf("duplicate attachment at %s", slot)
		}
		seen[slot] = true
	}
	return nil
}
