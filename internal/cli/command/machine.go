package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// MachineCommand returns the machine subcommand group.
func MachineCommand() *cli.Command {
	return &cli.Command{
		Name:    "machine",
		Aliases: []string{"vm"},
		Usage:   "Manage machines",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List machines",
				Action: action(runMachineList),
			},
			{
				Name:      "show",
				Usage:     "Show a machine",
				ArgsUsage: "MACHINE",
				Action:    action(runMachineShow),
			},
			{
				Name:  "create",
				Usage: "Register a machine and create its disks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "machine name", Required: true},
					&cli.IntFlag{Name: "cpus", Value: 1, Usage: "virtual CPU count"},
					&cli.Uint64Flag{Name: "memory", Aliases: []string{"m"}, Value: 1024, Usage: "memory in MiB"},
					&cli.StringFlag{Name: "firmware", Usage: "firmware type, e.g. efi"},
					&cli.StringFlag{Name: "description", Usage: "free-form description"},
					&cli.StringSliceFlag{
						Name:    "disk",
						Aliases: []string{"d"},
						Usage:   "disk as CONTROLLER:PORT:DEVICE:SIZE[:TYPE], e.g. SATA:0:0:20G (repeatable)",
					},
					&cli.StringFlag{Name: "snapshot-folder", Usage: "snapshot folder for differencing images"},
				},
				Action: action(runMachineCreate),
			},
			machineOp("start", "Power on a machine"),
			machineOp("pause", "Pause a running machine"),
			machineOp("resume", "Resume a paused machine"),
			machineOp("save", "Save the execution state and stop the machine"),
			machineOp("poweroff", "Power off a machine"),
		},
	}
}

func machineOp(op, usage string) *cli.Command {
	return &cli.Command{
		Name:      op,
		Usage:     usage,
		ArgsUsage: "MACHINE",
		Action: action(func(ctx context.Context, c *cli.Context, e *env) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			id, err := resolveMachine(ctx, e, c.Args().First())
			if err != nil {
				return err
			}
			var m machineView
			if err := e.client.PostJSON(ctx, "/machines/"+id+"/"+op, nil, &m); err != nil {
				return err
			}
			return e.print(&m)
		}),
	}
}

func runMachineList(ctx context.Context, _ *cli.Context, e *env) error {
	var list machineList
	if err := e.client.GetJSON(ctx, "/machines", &list); err != nil {
		return err
	}
	return e.print(list)
}

func runMachineShow(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	id, err := resolveMachine(ctx, e, c.Args().First())
	if err != nil {
		return err
	}
	var m machineView
	if err := e.client.GetJSON(ctx, "/machines/"+id, &m); err != nil {
		return err
	}
	return e.print(&m)
}

type diskSpec struct {
	Controller string `json:"controller"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	SizeBytes  uint64 `json:"size_bytes"`
	Type       string `json:"type,omitempty"`
}

type createMachineRequest struct {
	Name           string       `json:"name"`
	Hardware       hardwareView `json:"hardware"`
	Disks          []diskSpec   `json:"disks"`
	SnapshotFolder string       `json:"snapshot_folder,omitempty"`
}

func runMachineCreate(ctx context.Context, c *cli.Context, e *env) error {
	req := createMachineRequest{
		Name: c.String("name"),
		Hardware: hardwareView{
			CPUCount:    c.Int("cpus"),
			MemoryMB:    c.Uint64("memory"),
			Firmware:    c.String("firmware"),
			Description: c.String("description"),
		},
		Disks:          []diskSpec{},
		SnapshotFolder: c.String("snapshot-folder"),
	}
	for _, raw := range c.StringSlice("disk") {
		d, err := parseDisk(raw)
		if err != nil {
			return err
		}
		req.Disks = append(req.Disks, d)
	}

	var m machineView
	if err := e.client.PostJSON(ctx, "/machines", req, &m); err != nil {
		return err
	}
	return e.print(&m)
}

// parseDisk parses CONTROLLER:PORT:DEVICE:SIZE[:TYPE].
func parseDisk(s string) (diskSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return diskSpec{}, fmt.Errorf("disk %q: want CONTROLLER:PORT:DEVICE:SIZE[:TYPE]", s)
	}
	d := diskSpec{Controller: parts[0]}
	if d.Controller == "" {
		return diskSpec{}, fmt.Errorf("disk %q: empty controller", s)
	}
	var err error
	if d.Port, err = strconv.Atoi(parts[1]); err != nil || d.Port < 0 {
		return diskSpec{}, fmt.Errorf("disk %q: bad port %q", s, parts[1])
	}
	if d.Device, err = strconv.Atoi(parts[2]); err != nil || d.Device < 0 {
		return diskSpec{}, fmt.Errorf("disk %q: bad device %q", s, parts[2])
	}
	if d.SizeBytes, err = parseSize(parts[3]); err != nil {
		return diskSpec{}, fmt.Errorf("disk %q: %w", s, err)
	}
	if len(parts) == 5 {
		d.Type = parts[4]
	}
	return d, nil
}

// parseSize parses a byte count with an optional binary K, M, G or T
// suffix.
func parseSize(s string) (uint64, error) {
	num := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	num = strings.TrimSuffix(num, "I")
	shift := 0
	if n := len(num); n > 0 {
		if i := strings.IndexByte("KMGT", num[n-1]); i >= 0 {
			shift = 10 * (i + 1)
			num = num[:n-1]
		}
	}
	v, err := strconv.ParseUint(num, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	if v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return v << shift, nil
}

// resolveMachine turns a machine id or name into an id.
func resolveMachine(ctx context.Context, e *env, ref string) (string, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id.String(), nil
	}
	var list machineList
	if err := e.client.GetJSON(ctx, "/machines", &list); err != nil {
		return "", err
	}
	var found []string
	for _, m := range list {
		if m.Name == ref {
			found = append(found, m.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("machine %q not found", ref)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("machine name %q is ambiguous, use the id", ref)
	}
}
