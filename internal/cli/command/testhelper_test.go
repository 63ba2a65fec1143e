package command

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const (
	testMachineID  = "6f1c2d3e-4a5b-4c6d-8e7f-000000000001"
	testSnapshotID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	testMediumID   = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

// mockServer is an httptest server with a ServeMux and a request log.
type mockServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	m := &mockServer{
		mux:    http.NewServeMux(),
		bodies: make(map[string]map[string]any),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength != 0 {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				m.mu.Lock()
				m.bodies[r.Method+" "+r.URL.Path] = body
				m.mu.Unlock()
			}
		}
		m.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *mockServer) handle(pattern string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, h)
}

// reply registers a handler that always answers with data.
func (m *mockServer) reply(pattern string, status int, data any) {
	m.handle(pattern, func(w http.ResponseWriter, r *http.Request) {
		okResponse(w, status, data)
	})
}

// body returns the decoded JSON body last sent to "METHOD /path".
func (m *mockServer) body(key string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies[key]
}

func okResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":       "OK",
		"message":    "Success",
		"request_id": "req-test",
		"timestamp":  time.Now().UnixMilli(),
		"data":       data,
	})
}

func errorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"message":    message,
		"request_id": "req-test",
		"timestamp":  time.Now().UnixMilli(),
	})
}

// run executes the CLI against srv and returns stdout and stderr.
func run(t *testing.T, srv *mockServer, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VMSNAP_CLI_POLL_INTERVAL", "5ms")

	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr

	full := []string{"vmsnap-cli"}
	if srv != nil {
		full = append(full, "--server", srv.URL)
	}
	full = append(full, args...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := app.RunContext(ctx, full)
	return stdout.String(), stderr.String(), err
}

// Sample data.

func sampleMachine() map[string]any {
	return map[string]any{
		"id":                testMachineID,
		"name":              "web01",
		"state":             "powered_off",
		"last_state_change": "2026-10-01T08:00:00Z",
		"hardware":          map[string]any{"cpu_count": 2, "memory_mb": 2048},
		"attachments": []map[string]any{
			{"controller": "SATA", "port": 0, "device": 0, "type": "hdd", "medium_id": testMediumID},
		},
		"current_snapshot_id":    testSnapshotID,
		"current_state_modified": true,
		"snapshot_count":         2,
	}
}

func sampleSnapshots() []map[string]any {
	return []map[string]any{
		{
			"id": testSnapshotID, "name": "base", "created_at": "2026-10-01T08:00:00Z",
			"parent_id": "00000000-0000-0000-0000-000000000000", "depth": 1,
			"children": []string{"1b4e28ba-2fa1-11d2-883f-0016d3cca427"},
		},
		{
			"id": "1b4e28ba-2fa1-11d2-883f-0016d3cca427", "name": "patched", "created_at": "2026-10-02T08:00:00Z",
			"parent_id": testSnapshotID, "depth": 2, "current": true, "description": "after patch",
		},
	}
}

func sampleTask(status string, percent int) map[string]any {
	t := map[string]any{
		"id":                    "task-01jabc",
		"kind":                  "take_snapshot",
		"machine_id":            testMachineID,
		"description":           "Taking snapshot base",
		"status":                status,
		"phase":                 "running",
		"percent":               percent,
		"operation":             1,
		"operations":            2,
		"operation_description": "creating differencing images",
		"cancelable":            status == "running",
		"started_at":            "2026-10-01T08:00:00Z",
	}
	if status == "failed" {
		t["error_code"] = "VS-MED-4090"
		t["error_message"] = "medium locked"
	}
	if status == "succeeded" {
		t["result_id"] = testSnapshotID
	}
	return t
}

func sampleMedium() map[string]any {
	return map[string]any{
		"id":           testMediumID,
		"name":         "SATA-0-0.img",
		"location":     "/var/lib/vmsnap/media/web01/SATA-0-0.img",
		"type":         "normal",
		"state":        "created",
		"logical_size": 64 << 20,
		"size":         1 << 20,
		"back_refs": []map[string]any{
			{"machine_id": testMachineID, "in_cur_state": false, "snapshot_ids": []string{testSnapshotID}},
		},
	}
}
