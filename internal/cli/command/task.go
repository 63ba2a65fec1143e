package command

import (
	"context"
	"net/url"

	"github.com/urfave/cli/v2"
)

// TaskCommand returns the task subcommand group.
func TaskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "Inspect and control snapshot tasks",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks the server still remembers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "machine", Aliases: []string{"m"}, Usage: "only tasks of this machine (id or name)"},
					&cli.StringFlag{Name: "status", Usage: "only tasks in this status: running, succeeded, failed, canceled"},
				},
				Action: action(runTaskList),
			},
			{
				Name:      "show",
				Usage:     "Show a task",
				ArgsUsage: "TASK",
				Action:    action(runTaskShow),
			},
			{
				Name:      "wait",
				Usage:     "Wait for a task to finish",
				ArgsUsage: "TASK",
				Action:    action(runTaskWait),
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a running task",
				ArgsUsage: "TASK",
				Flags:     []cli.Flag{waitFlag()},
				Action:    action(runTaskCancel),
			},
		},
	}
}

type taskListResponse struct {
	Items taskList `json:"items"`
	Total int      `json:"total"`
}

func runTaskList(ctx context.Context, c *cli.Context, e *env) error {
	q := url.Values{}
	if ref := c.String("machine"); ref != "" {
		mid, err := resolveMachine(ctx, e, ref)
		if err != nil {
			return err
		}
		q.Set("machine_id", mid)
	}
	if s := c.String("status"); s != "" {
		q.Set("status", s)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp taskListResponse
	if err := e.client.GetJSON(ctx, path, &resp); err != nil {
		return err
	}
	return e.print(resp.Items)
}

func runTaskShow(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	var t taskView
	if err := e.client.GetJSON(ctx, "/tasks/"+url.PathEscape(c.Args().First()), &t); err != nil {
		return err
	}
	return e.print(&t)
}

func runTaskWait(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	t, err := waitTask(ctx, e, url.PathEscape(c.Args().First()))
	if t != nil {
		if perr := e.print(t); perr != nil {
			return perr
		}
	}
	return err
}

func runTaskCancel(ctx context.Context, c *cli.Context, e *env) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	id := url.PathEscape(c.Args().First())
	var t taskView
	if err := e.client.PostJSON(ctx, "/tasks/"+id+"/cancel", nil, &t); err != nil {
		return err
	}
	if !c.Bool("wait") {
		return e.print(&t)
	}
	final, err := waitTask(ctx, e, id)
	if final == nil {
		return err
	}
	if perr := e.print(final); perr != nil {
		return perr
	}
	if final.Status == "canceled" {
		return nil
	}
	return err
}
