package command

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// SnapshotCommand returns the snapshot subcommand group. Machines and
// snapshots may be given by id or by name.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Aliases: []string{"snap"},
		Usage:   "Manage machine snapshots",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "Show the snapshot tree of a machine",
				ArgsUsage: "MACHINE",
				Action:    action(runSnapshotList),
			},
			{
				Name:      "show",
				Usage:     "Show one snapshot",
				ArgsUsage: "MACHINE SNAPSHOT",
				Action:    action(runSnapshotShow),
			},
			{
				Name:      "take",
				Usage:     "Take a snapshot of a machine",
				ArgsUsage: "MACHINE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "snapshot name", Required: true},
					&cli.StringFlag{Name: "description", Usage: "snapshot description"},
					&cli.BoolFlag{Name: "pause", Usage: "pause a running machine while its state is saved"},
					waitFlag(),
				},
				Action: action(runSnapshotTake),
			},
			{
				Name:      "restore",
				Usage:     "Restore a machine to a snapshot",
				ArgsUsage: "MACHINE SNAPSHOT",
				Flags:     []cli.Flag{waitFlag()},
				Action:    action(runSnapshotRestore),
			},
			{
				Name:      "delete",
				Usage:     "Delete a snapshot and merge its disks",
				ArgsUsage: "MACHINE SNAPSHOT",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "children", Usage: "also delete every descendant snapshot"},
					&cli.StringFlag{Name: "to", Usage: "delete the range from SNAPSHOT down to this one"},
					waitFlag(),
				},
				Action: action(runSnapshotDelete),
			},
			{
				Name:      "edit",
				Usage:     "Rename a snapshot or change its description",
				ArgsUsage: "MACHINE SNAPSHOT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "new name"},
					&cli.StringFlag{Name: "description", Usage: "new description"},
				},
				Action: action(runSnapshotEdit),
			},
		},
	}
}

func runSnapshotList(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	mid, err := resolveMachine(ctx, e, c.Args().First())
	if err != nil {
		return err
	}
	var list snapshotList
	if err := e.client.GetJSON(ctx, "/machines/"+mid+"/snapshots", &list); err != nil {
		return err
	}
	return e.print(list)
}

func runSnapshotShow(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	mid, err := resolveMachine(ctx, e, c.Args().Get(0))
	if err != nil {
		return err
	}
	var s snapshotView
	if err := e.client.GetJSON(ctx, snapshotPath(mid, url.PathEscape(c.Args().Get(1))), &s); err != nil {
		return err
	}
	return e.print(&s)
}

func runSnapshotTake(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	mid, err := resolveMachine(ctx, e, c.Args().First())
	if err != nil {
		return err
	}
	body := map[string]any{
		"name":        c.String("name"),
		"description": c.String("description"),
		"pause":       c.Bool("pause"),
	}
	var a taskAccepted
	if err := e.client.PostJSON(ctx, "/machines/"+mid+"/snapshots", body, &a); err != nil {
		return err
	}
	return accepted(ctx, c, e, &a)
}

func runSnapshotRestore(ctx context.Context, c *cli.Context, e *env) error {
	mid, sid, err := machineAndSnapshot(ctx, c, e)
	if err != nil {
		return err
	}
	var a taskAccepted
	if err := e.client.PostJSON(ctx, snapshotPath(mid, sid)+"/restore", nil, &a); err != nil {
		return err
	}
	return accepted(ctx, c, e, &a)
}

func runSnapshotDelete(ctx context.Context, c *cli.Context, e *env) error {
	if c.Bool("children") && c.String("to") != "" {
		return errors.New("--children and --to are mutually exclusive")
	}
	mid, sid, err := machineAndSnapshot(ctx, c, e)
	if err != nil {
		return err
	}

	var a taskAccepted
	switch {
	case c.Bool("children"):
		err = e.client.PostJSON(ctx, snapshotPath(mid, sid)+"/delete-all", nil, &a)
	case c.String("to") != "":
		var end string
		if end, err = resolveSnapshot(ctx, e, mid, c.String("to")); err != nil {
			return err
		}
		body := map[string]string{"start_id": sid, "end_id": end}
		err = e.client.PostJSON(ctx, "/machines/"+mid+"/snapshots/delete-range", body, &a)
	default:
		err = e.client.PostJSON(ctx, snapshotPath(mid, sid)+"/delete", nil, &a)
	}
	if err != nil {
		return err
	}
	return accepted(ctx, c, e, &a)
}

func runSnapshotEdit(ctx context.Context, c *cli.Context, e *env) error {
	if !c.IsSet("name") && !c.IsSet("description") {
		return errors.New("nothing to change: set --name or --description")
	}
	mid, sid, err := machineAndSnapshot(ctx, c, e)
	if err != nil {
		return err
	}
	body := map[string]string{}
	if c.IsSet("name") {
		body["name"] = c.String("name")
	}
	if c.IsSet("description") {
		body["description"] = c.String("description")
	}
	var s snapshotView
	if err := e.client.PostJSON(ctx, snapshotPath(mid, sid), body, &s); err != nil {
		return err
	}
	return e.print(&s)
}

func machineAndSnapshot(ctx context.Context, c *cli.Context, e *env) (mid, sid string, err error) {
	if err := requireArgs(c, 2); err != nil {
		return "", "", err
	}
	if mid, err = resolveMachine(ctx, e, c.Args().Get(0)); err != nil {
		return "", "", err
	}
	if sid, err = resolveSnapshot(ctx, e, mid, c.Args().Get(1)); err != nil {
		return "", "", err
	}
	return mid, sid, nil
}

// resolveSnapshot turns a snapshot id or name into an id.
func resolveSnapshot(ctx context.Context, e *env, mid, ref string) (string, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id.String(), nil
	}
	var s snapshotView
	if err := e.client.GetJSON(ctx, snapshotPath(mid, url.PathEscape(ref)), &s); err != nil {
		return "", err
	}
	return s.ID, nil
}

func snapshotPath(mid, sid string) string {
	return "/machines/" + mid + "/snapshots/" + sid
}
