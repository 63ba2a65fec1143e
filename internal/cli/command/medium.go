package command

import (
	"context"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// MediumCommand returns the medium subcommand group.
func MediumCommand() *cli.Command {
	return &cli.Command{
		Name:    "medium",
		Aliases: []string{"disk"},
		Usage:   "Inspect disk images",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List disk images",
				Action: action(runMediumList),
			},
			{
				Name:      "show",
				Usage:     "Show a disk image with its parent and users",
				ArgsUsage: "MEDIUM",
				Action:    action(runMediumShow),
			},
			{
				Name:      "verify",
				Usage:     "Hash the content visible through a disk image",
				ArgsUsage: "MEDIUM",
				Action:    action(runMediumVerify),
			},
		},
	}
}

func runMediumList(ctx context.Context, _ *cli.Context, e *env) error {
	var list mediumList
	if err := e.client.GetJSON(ctx, "/media", &list); err != nil {
		return err
	}
	return e.print(list)
}

func runMediumShow(ctx context.Context, c *cli.Context, e *env) error {
	id, err := mediumID(c)
	if err != nil {
		return err
	}
	var m mediumView
	if err := e.client.GetJSON(ctx, "/media/"+id, &m); err != nil {
		return err
	}
	return e.print(&m)
}

func runMediumVerify(ctx context.Context, c *cli.Context, e *env) error {
	id, err := mediumID(c)
	if err != nil {
		return err
	}
	var v verifyView
	if err := e.client.PostJSON(ctx, "/media/"+id+"/verify", nil, &v); err != nil {
		return err
	}
	return e.print(&v)
}

func mediumID(c *cli.Context) (string, error) {
	if err := requireArgs(c, 1); err != nil {
		return "", err
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
