package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/service"
	"github.com/yndnr/vmsnap-go/internal/core/task"
	"github.com/yndnr/vmsnap-go/internal/storage"
	"github.com/yndnr/vmsnap-go/internal/storage/imagestore"
	"github.com/yndnr/vmsnap-go/internal/storage/memory"
	"github.com/yndnr/vmsnap-go/internal/vm/emulator"
)

// ============================================================================
// Test environment
// ============================================================================

type testEnv struct {
	svc *service.SnapshotService
	h   *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := storage.NewRepository(memory.New(), quiet)
	images := imagestore.New(imagestore.Config{BlockSize: 4096, Logger: quiet})
	reg, err := medium.NewRegistry(medium.Config{Backend: images, Store: repo})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	vms, err := emulator.NewFactory(emulator.Config{Registry: reg, Disks: images})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	runner := task.NewRunner(task.RunnerConfig{})
	svc, err := service.NewSnapshotService(service.Config{
		Registry:     reg,
		Runner:       runner,
		Consoles:     vms,
		Repo:         repo,
		Files:        imagestore.Files{},
		MediaRoot:    dir + "/media",
		SnapshotRoot: dir + "/machines",
	})
	if err != nil {
		t.Fatalf("NewSnapshotService: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return &testEnv{svc: svc, h: New(svc, quiet)}
}

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details string          `json:"details"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(buf)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad envelope %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

// must performs a request that has to answer want and decodes its data.
func (e *testEnv) must(t *testing.T, want int, method, path string, body, out any) {
	t.Helper()
	status, env := e.do(t, method, path, body)
	if status != want {
		t.Fatalf("%s %s = %d %s %s, want %d", method, path, status, env.Code, env.Details, want)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("%s %s: decode data: %v", method, path, err)
		}
	}
}

type machineView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	State             string `json:"state"`
	CurrentSnapshotID string `json:"current_snapshot_id"`
	SnapshotCount     int    `json:"snapshot_count"`
	Attachments       []struct {
		MediumID string `json:"medium_id"`
	} `json:"attachments"`
}

type snapshotView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Current     bool   `json:"current"`
}

func (e *testEnv) createMachine(t *testing.T, name string) machineView {
	t.Helper()
	var m machineView
	e.must(t, http.StatusCreated, "POST", "/machines", map[string]any{
		"name":     name,
		"hardware": map[string]any{"cpu_count": 1, "memory_mb": 4},
		"disks":    []map[string]any{{"controller": "SATA", "port": 0, "size_bytes": 64 * 1024}},
	}, &m)
	return m
}

// runTask starts an operation, waits for its task and returns the accepted
// body.
func (e *testEnv) runTask(t *testing.T, path string, body any) TaskAccepted {
	t.Helper()
	var acc TaskAccepted
	e.must(t, http.StatusAccepted, "POST", path, body, &acc)
	p, err := e.svc.Runner().Get(acc.TaskID)
	if err != nil {
		t.Fatalf("task %s: %v", acc.TaskID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("task %s failed: %v", acc.TaskID, err)
	}
	return acc
}

// ============================================================================
// Tests
// ============================================================================

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"VS-VM-4040", http.StatusNotFound},
		{"VS-SNAP-4041", http.StatusNotFound},
		{"VS-VM-4090", http.StatusConflict},
		{"VS-MERGE-4091", http.StatusConflict},
		{"VS-SNAP-4001", http.StatusBadRequest},
		{"VS-SYS-4000", http.StatusBadRequest},
		{"VS-ARG-1001", http.StatusBadRequest},
		{"VS-SYS-4290", http.StatusTooManyRequests},
		{"VS-MERGE-5070", http.StatusInsufficientStorage},
		{"VS-SYS-5010", http.StatusNotImplemented},
		{"VS-SYS-5030", http.StatusServiceUnavailable},
		{"VS-MED-5000", http.StatusInternalServerError},
		{"garbage", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := ErrorCodeToHTTPStatus(tt.code); got != tt.want {
				t.Errorf("ErrorCodeToHTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestHandler_Health(t *testing.T) {
	e := newTestEnv(t)
	var body map[string]any
	e.must(t, http.StatusOK, "GET", "/health", nil, &body)
	if body["status"] != "healthy" {
		t.Errorf("health = %v", body)
	}
}

func TestHandler_MachineLifecycle(t *testing.T) {
	e := newTestEnv(t)
	m := e.createMachine(t, "web")
	if m.State != "powered_off" || len(m.Attachments) != 1 {
		t.Fatalf("created machine = %+v", m)
	}

	var list []machineView
	e.must(t, http.StatusOK, "GET", "/machines", nil, &list)
	if len(list) != 1 || list[0].ID != m.ID {
		t.Fatalf("list = %+v", list)
	}

	steps := []struct {
		action string
		state  string
	}{
		{"start", "running"},
		{"pause", "paused"},
		{"resume", "running"},
		{"poweroff", "powered_off"},
	}
	for _, s := range steps {
		var got machineView
		e.must(t, http.StatusOK, "POST", "/machines/"+m.ID+"/"+s.action, nil, &got)
		if got.State != s.state {
			t.Fatalf("after %s state = %s, want %s", s.action, got.State, s.state)
		}
	}

	// Pausing a stopped machine is a state conflict.
	status, env := e.do(t, "POST", "/machines/"+m.ID+"/pause", nil)
	if status != http.StatusConflict || env.Code != "VS-VM-4090" {
		t.Errorf("pause of a stopped machine = %d %s", status, env.Code)
	}

	e.must(t, http.StatusOK, "DELETE", "/machines/"+m.ID, nil, nil)
	status, _ = e.do(t, "GET", "/machines/"+m.ID, nil)
	if status != http.StatusNotFound {
		t.Errorf("GET after unregister = %d", status)
	}
}

func TestHandler_MachineErrors(t *testing.T) {
	e := newTestEnv(t)
	e.createMachine(t, "dup")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad id", "GET", "/machines/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown machine", "GET", "/machines/6f1c1d3e-0000-4000-8000-000000000000", nil, http.StatusNotFound},
		{"missing name", "POST", "/machines", map[string]any{"hardware": map[string]any{"memory_mb": 4}}, http.StatusBadRequest},
		{"duplicate name", "POST", "/machines", map[string]any{"name": "dup", "hardware": map[string]any{"memory_mb": 4}}, http.StatusConflict},
		{"unknown field", "POST", "/machines", map[string]any{"name": "x", "colour": "red"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := e.do(t, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Errorf("status = %d (%s), want %d", status, env.Code, tt.status)
			}
			if env.Code == "OK" {
				t.Error("error response carries code OK")
			}
		})
	}
}

func TestHandler_SnapshotFlow(t *testing.T) {
	e := newTestEnv(t)
	m := e.createMachine(t, "db")
	base := "/machines/" + m.ID + "/snapshots"

	first := e.runTask(t, base, TakeSnapshotRequest{Name: "first"})
	second := e.runTask(t, base, TakeSnapshotRequest{Name: "second", Description: "after upgrade"})

	var snaps []snapshotView
	e.must(t, http.StatusOK, "GET", base, nil, &snaps)
	if len(snaps) != 2 || snaps[0].Name != "first" || !snaps[1].Current {
		t.Fatalf("snapshots = %+v", snaps)
	}

	var byName snapshotView
	e.must(t, http.StatusOK, "GET", base+"/second", nil, &byName)
	if byName.ID != second.SnapshotID.String() || byName.Description != "after upgrade" {
		t.Fatalf("by name = %+v", byName)
	}

	newName := "renamed"
	var edited snapshotView
	e.must(t, http.StatusOK, "POST", base+"/"+first.SnapshotID.String(), EditSnapshotRequest{Name: &newName}, &edited)
	if edited.Name != "renamed" {
		t.Fatalf("edited = %+v", edited)
	}

	e.runTask(t, base+"/"+first.SnapshotID.String()+"/restore", nil)
	var after machineView
	e.must(t, http.StatusOK, "GET", "/machines/"+m.ID, nil, &after)
	if after.CurrentSnapshotID != first.SnapshotID.String() {
		t.Fatalf("current after restore = %s", after.CurrentSnapshotID)
	}

	e.runTask(t, base+"/"+second.SnapshotID.String()+"/delete", nil)
	e.must(t, http.StatusOK, "GET", base, nil, &snaps)
	if len(snaps) != 1 || snaps[0].Name != "renamed" {
		t.Fatalf("snapshots after delete = %+v", snaps)
	}

	status, env := e.do(t, "POST", base+"/"+first.SnapshotID.String()+"/delete-all", nil)
	if status != http.StatusNotImplemented {
		t.Errorf("delete-all = %d %s", status, env.Code)
	}
	status, _ = e.do(t, "POST", base+"/delete-range", DeleteRangeRequest{
		StartID: first.SnapshotID.String(),
		EndID:   first.SnapshotID.String(),
	})
	if status != http.StatusNotImplemented {
		t.Errorf("delete-range = %d", status)
	}
	status, _ = e.do(t, "POST", base, TakeSnapshotRequest{})
	if status != http.StatusBadRequest {
		t.Errorf("take without a name = %d", status)
	}
}

func TestHandler_Tasks(t *testing.T) {
	e := newTestEnv(t)
	m := e.createMachine(t, "app")
	other := e.createMachine(t, "other")
	acc := e.runTask(t, "/machines/"+m.ID+"/snapshots", TakeSnapshotRequest{Name: "s1"})
	e.runTask(t, "/machines/"+other.ID+"/snapshots", TakeSnapshotRequest{Name: "s1"})

	var list struct {
		Items []task.Info `json:"items"`
		Total int         `json:"total"`
	}
	e.must(t, http.StatusOK, "GET", "/tasks", nil, &list)
	if list.Total != 2 {
		t.Fatalf("tasks = %d", list.Total)
	}
	e.must(t, http.StatusOK, "GET", "/tasks?machine_id="+m.ID+"&status=succeeded", nil, &list)
	if list.Total != 1 || list.Items[0].ID != acc.TaskID {
		t.Fatalf("filtered tasks = %+v", list.Items)
	}

	var info task.Info
	e.must(t, http.StatusOK, "GET", "/tasks/"+acc.TaskID, nil, &info)
	if info.Status != task.StatusSucceeded || info.Percent != 100 || info.ResultID != acc.SnapshotID.String() {
		t.Errorf("task info = %+v", info)
	}

	unknown := "task-" + strings.ToLower(ulid.Make().String())
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"malformed id", "GET", "/tasks/abc", http.StatusBadRequest},
		{"unknown id", "GET", "/tasks/" + unknown, http.StatusNotFound},
		{"cancel finished", "POST", "/tasks/" + acc.TaskID + "/cancel", http.StatusConflict},
		{"bad machine filter", "GET", "/tasks?machine_id=nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, env := e.do(t, tt.method, tt.path, nil); status != tt.status {
				t.Errorf("status = %d (%s), want %d", status, env.Code, tt.status)
			}
		})
	}
}

func TestHandler_Media(t *testing.T) {
	e := newTestEnv(t)
	m := e.createMachine(t, "store")
	e.runTask(t, "/machines/"+m.ID+"/snapshots", TakeSnapshotRequest{Name: "s1"})

	var media []MediumResponse
	e.must(t, http.StatusOK, "GET", "/media", nil, &media)
	if len(media) != 2 {
		t.Fatalf("media = %+v", media)
	}

	baseID := m.Attachments[0].MediumID
	var base MediumResponse
	e.must(t, http.StatusOK, "GET", "/media/"+baseID, nil, &base)
	if base.ParentID != nil || len(base.Children) != 1 {
		t.Fatalf("base medium = %+v", base)
	}

	var v VerifyMediumResponse
	e.must(t, http.StatusOK, "POST", "/media/"+baseID+"/verify", nil, &v)
	if !strings.HasPrefix(v.Digest, "blake2b-256:") {
		t.Errorf("digest = %q", v.Digest)
	}

	if status, _ := e.do(t, "GET", "/media/6f1c1d3e-0000-4000-8000-000000000000", nil); status != http.StatusNotFound {
		t.Errorf("unknown medium = %d", status)
	}
}
