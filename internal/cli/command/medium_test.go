package command

import (
	"net/http"
	"strings"
	"testing"
)

func TestMediumCommands(t *testing.T) {
	srv := newMockServer(t)
	diff := sampleMedium()
	diff["id"] = "9a1b2c3d-0000-4000-8000-00000000000a"
	diff["name"] = "{9a1b2c3d}.img"
	diff["parent_id"] = testMediumID
	diff["back_refs"] = []map[string]any{{"machine_id": testMachineID, "in_cur_state": true}}
	srv.reply("GET /media", http.StatusOK, []any{sampleMedium(), diff})
	srv.reply("GET /media/"+testMediumID, http.StatusOK, sampleMedium())
	srv.reply("POST /media/"+testMediumID+"/verify", http.StatusOK,
		map[string]any{"id": testMediumID, "digest": "blake2b-256:ab12"})

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{"list", []string{"medium", "list"}, []string{"SATA-0-0.img", "{9a1b2c3d}.img", "1.0 MiB", "7c9e6679"}, false},
		{"list wide", []string{"-w", "medium", "list"}, []string{"LOCATION", "64.0 MiB", "/var/lib/vmsnap/media/web01/SATA-0-0.img"}, false},
		{"show", []string{"medium", "show", testMediumID}, []string{"logical size", testMachineID + " (1 snapshots)"}, false},
		{"verify", []string{"medium", "verify", testMediumID}, []string{"blake2b-256:ab12"}, false},
		{"verify json", []string{"-o", "json", "medium", "verify", testMediumID}, []string{`"digest": "blake2b-256:ab12"`}, false},
		{"bad id", []string{"medium", "show", "SATA-0-0.img"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := run(t, srv, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("output missing %q:\n%s", s, out)
				}
			}
		})
	}
}
