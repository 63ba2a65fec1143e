package command

import (
	"net/http"
	"strings"
	"testing"
)

func TestMachineShow_ByName(t *testing.T) {
	srv := newMockServer(t)
	srv.reply("GET /machines", http.StatusOK, []any{sampleMachine()})
	srv.reply("GET /machines/"+testMachineID, http.StatusOK, sampleMachine())

	out, _, err := run(t, srv, "machine", "show", "web01")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, s := range []string{"FIELD", "web01", "2.0 GiB", "SATA-0-0 hdd " + testMediumID, "modified since snapshot  true"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}

	if _, _, err := run(t, srv, "machine", "show", "db01"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown name: err = %v", err)
	}
	if _, _, err := run(t, srv, "machine", "show"); err == nil {
		t.Error("missing argument accepted")
	}
}

func TestMachineShow_AmbiguousName(t *testing.T) {
	srv := newMockServer(t)
	other := sampleMachine()
	other["id"] = "6f1c2d3e-4a5b-4c6d-8e7f-000000000002"
	srv.reply("GET /machines", http.StatusOK, []any{sampleMachine(), other})

	_, _, err := run(t, srv, "machine", "show", "web01")
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("err = %v", err)
	}
}

func TestMachineCreate(t *testing.T) {
	srv := newMockServer(t)
	srv.reply("POST /machines", http.StatusCreated, sampleMachine())

	_, _, err := run(t, srv, "machine", "create",
		"--name", "web01", "--cpus", "2", "--memory", "2048",
		"--disk", "SATA:0:0:64M", "--disk", "NVMe:1:0:1G:writethrough")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	body := srv.body("POST /machines")
	if body["name"] != "web01" {
		t.Errorf("name = %v", body["name"])
	}
	hw := body["hardware"].(map[string]any)
	if hw["cpu_count"] != float64(2) || hw["memory_mb"] != float64(2048) {
		t.Errorf("hardware = %v", hw)
	}
	disks := body["disks"].([]any)
	if len(disks) != 2 {
		t.Fatalf("disks = %v", disks)
	}
	d1 := disks[1].(map[string]any)
	if d1["controller"] != "NVMe" || d1["port"] != float64(1) || d1["size_bytes"] != float64(1<<30) || d1["type"] != "writethrough" {
		t.Errorf("second disk = %v", d1)
	}

	if _, _, err := run(t, srv, "machine", "create", "--name", "x", "--disk", "SATA:0"); err == nil {
		t.Error("malformed --disk accepted")
	}
	if _, _, err := run(t, srv, "machine", "create"); err == nil {
		t.Error("missing --name accepted")
	}
}

func TestMachineOps(t *testing.T) {
	srv := newMockServer(t)
	for _, op := range []string{"start", "resume", "save", "poweroff"} {
		state := map[string]string{
			"start": "running", "resume": "running", "save": "saved", "poweroff": "powered_off",
		}[op]
		m := sampleMachine()
		m["state"] = state
		srv.reply("POST /machines/"+testMachineID+"/"+op, http.StatusOK, m)
	}
	srv.handle("POST /machines/"+testMachineID+"/pause", func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusConflict, "VS-VM-4090", "invalid machine state")
	})

	tests := []struct {
		op      string
		want    string
		wantErr string
	}{
		{"start", "running", ""},
		{"resume", "running", ""},
		{"save", "saved", ""},
		{"poweroff", "powered_off", ""},
		{"pause", "", "VS-VM-4090"},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			out, _, err := run(t, srv, "machine", tt.op, testMachineID)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !strings.Contains(out, "state  ") || !strings.Contains(out, tt.want) {
				t.Errorf("output:\n%s", out)
			}
		})
	}
}

func TestParseDisk(t *testing.T) {
	tests := []struct {
		in      string
		want    diskSpec
		wantErr bool
	}{
		{"SATA:0:0:20G", diskSpec{Controller: "SATA", SizeBytes: 20 << 30}, false},
		{"IDE:1:1:512MiB:immutable", diskSpec{Controller: "IDE", Port: 1, Device: 1, SizeBytes: 512 << 20, Type: "immutable"}, false},
		{"SCSI:2:0:4096", diskSpec{Controller: "SCSI", Port: 2, SizeBytes: 4096}, false},
		{"SATA:0:0", diskSpec{}, true},
		{":0:0:1G", diskSpec{}, true},
		{"SATA:-1:0:1G", diskSpec{}, true},
		{"SATA:0:x:1G", diskSpec{}, true},
		{"SATA:0:0:0", diskSpec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDisk(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDisk(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseDisk(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1", 1, false},
		{"4k", 4 << 10, false},
		{"64M", 64 << 20, false},
		{"2GiB", 2 << 30, false},
		{"1TB", 1 << 40, false},
		{"G", 0, true},
		{"-1G", 0, true},
		{"99999999T", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseSize(%q) = %d, %v", tt.in, got, err)
		}
	}
}
