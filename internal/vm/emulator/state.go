package emulator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// savedState is the content of a saved-state file.
type savedState struct {
	MachineID uuid.UUID         `json:"machine_id"`
	Name      string            `json:"name"`
	MemoryMB  uint64            `json:"memory_mb"`
	Paused    bool              `json:"paused"`
	Disks     map[string]string `json:"disks"`
	SavedAt   time.Time         `json:"saved_at"`
}

func writeState(path string, st *savedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readState(path string) (*savedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt saved state %s: %w", path, err)
	}
	return &st, nil
}
