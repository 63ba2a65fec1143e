package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestMachineState_Ranges(t *testing.T) {
	tests := []struct {
		state     MachineState
		online    bool
		transient bool
	}{
		{MachineStatePoweredOff, false, false},
		{MachineStateSaved, false, false},
		{MachineStateAborted, false, false},
		{MachineStateRunning, true, false},
		{MachineStatePaused, true, false},
		{MachineStateStuck, true, false},
		{MachineStateLiveSnapshotting, true, true},
		{MachineStateDeletingSnapshotOnline, true, true},
		{MachineStateOnlineSnapshotting, true, true},
		{MachineStateRestoringSnapshot, false, true},
		{MachineStateDeletingSnapshot, false, true},
		{MachineStateSnapshotting, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsOnline(); got != tt.online {
				t.Errorf("IsOnline() = %v, want %v", got, tt.online)
			}
			if got := tt.state.IsTransient(); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestMachineState_Text(t *testing.T) {
	data, err := json.Marshal(MachineStateDeletingSnapshotPaused)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"deleting_snapshot_paused"` {
		t.Errorf("Marshal = %s", data)
	}

	var s MachineState
	if err := json.Unmarshal([]byte(`"running"`), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s != MachineStateRunning {
		t.Errorf("state = %v, want running", s)
	}
	if err := json.Unmarshal([]byte(`"flying"`), &s); err == nil {
		t.Error("unknown state should fail")
	}
}

func TestMachineConfig_Validate(t *testing.T) {
	disk := MediumAttachment{Controller: "SATA", Port: 0, Type: DeviceTypeHardDisk, MediumID: uuid.New()}

	tests := []struct {
		name    string
		cfg     MachineConfig
		wantErr bool
	}{
		{"valid", MachineConfig{ID: uuid.New(), Name: "vm1", Attachments: []MediumAttachment{disk}}, false},
		{"missing id", MachineConfig{Name: "vm1"}, true},
		{"missing name", MachineConfig{ID: uuid.New(), Name: "  "}, true},
		{"duplicate slot", MachineConfig{ID: uuid.New(), Name: "vm1", Attachments: []MediumAttachment{disk, disk}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMachineConfig_CloneIsDeep(t *testing.T) {
	cfg := &MachineConfig{
		ID:          uuid.New(),
		Name:        "vm1",
		Attachments: []MediumAttachment{{Controller: "SATA", MediumID: uuid.New()}},
	}
	clone := cfg.Clone()
	clone.Attachments[0].MediumID = uuid.New()

	if cfg.Attachments[0].MediumID == clone.Attachments[0].MediumID {
		t.Error("Clone shares the attachment slice")
	}
}
