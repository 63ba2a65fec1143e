package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/cli/output"
)

// Result types mirror the JSON the server returns. They keep states and
// kinds as plain strings so the CLI does not depend on server packages.

type hardwareView struct {
	CPUCount    int    `json:"cpu_count"`
	MemoryMB    uint64 `json:"memory_mb"`
	Firmware    string `json:"firmware,omitempty"`
	Description string `json:"description,omitempty"`
}

type attachmentView struct {
	Controller string `json:"controller"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	Type       string `json:"type"`
	MediumID   string `json:"medium_id"`
}

func (a attachmentView) String() string {
	return fmt.Sprintf("%s-%d-%d %s %s", a.Controller, a.Port, a.Device, a.Type, idCell(a.MediumID, true))
}

func attachmentsCell(atts []attachmentView) string {
	parts := make([]string, len(atts))
	for i, a := range atts {
		parts[i] = a.String()
	}
	return strings.Join(parts, "; ")
}

type machineView struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	State                string           `json:"state"`
	LastStateChange      time.Time        `json:"last_state_change"`
	Hardware             hardwareView     `json:"hardware"`
	Attachments          []attachmentView `json:"attachments"`
	StateFile            string           `json:"state_file,omitempty"`
	CurrentSnapshotID    string           `json:"current_snapshot_id"`
	CurrentStateModified bool             `json:"current_state_modified"`
	SnapshotCount        int              `json:"snapshot_count"`
}

func (m *machineView) Table(bool) *output.Table {
	return output.KV(
		"id", m.ID,
		"name", m.Name,
		"state", m.State,
		"last state change", output.Time(m.LastStateChange),
		"cpus", strconv.Itoa(m.Hardware.CPUCount),
		"memory", output.Bytes(m.Hardware.MemoryMB<<20),
		"firmware", m.Hardware.Firmware,
		"disks", attachmentsCell(m.Attachments),
		"saved state", m.StateFile,
		"current snapshot", idCell(m.CurrentSnapshotID, true),
		"modified since snapshot", strconv.FormatBool(m.CurrentStateModified),
		"snapshots", strconv.Itoa(m.SnapshotCount),
	)
}

type machineList []machineView

func (l machineList) Table(wide bool) *output.Table {
	t := output.NewTable("ID", "NAME", "STATE", "SNAPSHOTS", "CURRENT")
	if wide {
		t.Headers = append(t.Headers, "CPUS", "MEMORY", "MODIFIED", "SINCE")
	}
	for _, m := range l {
		cells := []string{idCell(m.ID, wide), m.Name, m.State, strconv.Itoa(m.SnapshotCount), idCell(m.CurrentSnapshotID, wide)}
		if wide {
			cells = append(cells,
				strconv.Itoa(m.Hardware.CPUCount),
				output.Bytes(m.Hardware.MemoryMB<<20),
				strconv.FormatBool(m.CurrentStateModified),
				output.Time(m.LastStateChange))
		}
		t.AddRow(cells...)
	}
	return t
}

type snapshotView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ParentID    string           `json:"parent_id"`
	Children    []string         `json:"children,omitempty"`
	Depth       int              `json:"depth"`
	Online      bool             `json:"online"`
	Current     bool             `json:"current"`
	Attachments []attachmentView `json:"attachments,omitempty"`
}

func (s *snapshotView) Table(bool) *output.Table {
	return output.KV(
		"id", s.ID,
		"name", s.Name,
		"description", s.Description,
		"created", output.Time(s.CreatedAt),
		"parent", idCell(s.ParentID, true),
		"children", strconv.Itoa(len(s.Children)),
		"depth", strconv.Itoa(s.Depth),
		"online", strconv.FormatBool(s.Online),
		"current", strconv.FormatBool(s.Current),
		"disks", attachmentsCell(s.Attachments),
	)
}

// snapshotList is in tree pre-order; names are indented by depth and the
// current snapshot is starred.
type snapshotList []snapshotView

func (l snapshotList) Table(wide bool) *output.Table {
	t := output.NewTable("ID", "NAME", "CREATED", "ONLINE")
	if wide {
		t.Headers = append(t.Headers, "PARENT", "CHILDREN", "DESCRIPTION")
	}
	for _, s := range l {
		name := strings.Repeat("  ", max(s.Depth-1, 0)) + s.Name
		if s.Current {
			name += " *"
		}
		cells := []string{idCell(s.ID, wide), name, output.Time(s.CreatedAt), strconv.FormatBool(s.Online)}
		if wide {
			cells = append(cells, idCell(s.ParentID, true), strconv.Itoa(len(s.Children)), s.Description)
		}
		t.AddRow(cells...)
	}
	return t
}

type taskView struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	MachineID     string    `json:"machine_id"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	Phase         string    `json:"phase"`
	Percent       int       `json:"percent"`
	Operation     int       `json:"operation"`
	Operations    int       `json:"operations"`
	OperationDesc string    `json:"operation_description"`
	OperationPct  int       `json:"operation_percent"`
	Cancelable    bool      `json:"cancelable"`
	ResultID      string    `json:"result_id,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

func (t *taskView) finished() bool { return t.Status != "" && t.Status != "running" }

// operationCell renders "2/5 merging disk" style progress detail.
func (t *taskView) operationCell() string {
	if t.Operations == 0 {
		return t.OperationDesc
	}
	s := fmt.Sprintf("%d/%d", t.Operation, t.Operations)
	if t.OperationDesc != "" {
		s += " " + t.OperationDesc
	}
	return s
}

func (t *taskView) errorCell() string {
	if t.ErrorCode == "" {
		return t.ErrorMessage
	}
	return fmt.Sprintf("[%s] %s", t.ErrorCode, t.ErrorMessage)
}

func (t *taskView) Table(bool) *output.Table {
	return output.KV(
		"id", t.ID,
		"kind", t.Kind,
		"machine", t.MachineID,
		"description", t.Description,
		"status", t.Status,
		"phase", t.Phase,
		"progress", fmt.Sprintf("%d%%", t.Percent),
		"operation", t.operationCell(),
		"cancelable", strconv.FormatBool(t.Cancelable),
		"result", t.ResultID,
		"error", t.errorCell(),
		"started", output.Time(t.StartedAt),
		"finished", output.Time(t.FinishedAt),
	)
}

type taskList []taskView

func (l taskList) Table(wide bool) *output.Table {
	t := output.NewTable("ID", "KIND", "MACHINE", "STATUS", "PROGRESS", "STARTED")
	if wide {
		t.Headers = append(t.Headers, "OPERATION", "RESULT", "ERROR")
	}
	for i := range l {
		tk := &l[i]
		cells := []string{tk.ID, tk.Kind, idCell(tk.MachineID, wide), tk.Status, fmt.Sprintf("%d%%", tk.Percent), output.Time(tk.StartedAt)}
		if wide {
			cells = append(cells, tk.operationCell(), tk.ResultID, tk.errorCell())
		}
		t.AddRow(cells...)
	}
	return t
}

// taskAccepted is the answer of operations that run as tasks.
type taskAccepted struct {
	TaskID     string `json:"task_id"`
	SnapshotID string `json:"snapshot_id"`
}

func (a *taskAccepted) Table(bool) *output.Table {
	return output.KV("task", a.TaskID, "snapshot", idCell(a.SnapshotID, true))
}

type backRefView struct {
	MachineID   string   `json:"machine_id"`
	InCurState  bool     `json:"in_cur_state"`
	SnapshotIDs []string `json:"snapshot_ids,omitempty"`
}

type mediumView struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Location    string        `json:"location"`
	Type        string        `json:"type"`
	State       string        `json:"state"`
	LogicalSize uint64        `json:"logical_size"`
	Size        uint64        `json:"size"`
	ParentID    string        `json:"parent_id,omitempty"`
	Children    []string      `json:"children,omitempty"`
	BackRefs    []backRefView `json:"back_refs,omitempty"`
}

func (m *mediumView) usedBy() string {
	parts := make([]string, 0, len(m.BackRefs))
	for _, br := range m.BackRefs {
		s := idCell(br.MachineID, true)
		if n := len(br.SnapshotIDs); n > 0 {
			s += fmt.Sprintf(" (%d snapshots)", n)
		}
		if br.InCurState {
			s += " (current)"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

func (m *mediumView) Table(bool) *output.Table {
	return output.KV(
		"id", m.ID,
		"name", m.Name,
		"location", m.Location,
		"type", m.Type,
		"state", m.State,
		"logical size", output.Bytes(m.LogicalSize),
		"allocated", output.Bytes(m.Size),
		"parent", idCell(m.ParentID, true),
		"children", strconv.Itoa(len(m.Children)),
		"used by", m.usedBy(),
	)
}

type mediumList []mediumView

func (l mediumList) Table(wide bool) *output.Table {
	t := output.NewTable("ID", "NAME", "TYPE", "STATE", "SIZE", "PARENT")
	if wide {
		t.Headers = append(t.Headers, "LOGICAL", "CHILDREN", "LOCATION")
	}
	for i := range l {
		m := &l[i]
		cells := []string{idCell(m.ID, wide), m.Name, m.Type, m.State, output.Bytes(m.Size), idCell(m.ParentID, wide)}
		if wide {
			cells = append(cells, output.Bytes(m.LogicalSize), strconv.Itoa(len(m.Children)), m.Location)
		}
		t.AddRow(cells...)
	}
	return t
}

type verifyView struct {
	ID     string `json:"id"`
	Digest string `json:"digest"`
}

func (v *verifyView) Table(bool) *output.Table {
	return output.KV("id", v.ID, "digest", v.Digest)
}

// idCell shortens a uuid for narrow tables; the nil uuid prints as "-".
func idCell(id string, wide bool) string {
	if id == "" || id == uuid.Nil.String() {
		return "-"
	}
	return output.ShortID(id, wide)
}
