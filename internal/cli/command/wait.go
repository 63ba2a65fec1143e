package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/vmsnap-go/internal/cli/output"
)

// errTaskFailed marks a task that finished without succeeding.
var errTaskFailed = errors.New("task did not succeed")

func waitFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "wait",
		Usage: "wait for the task to finish and show its progress",
	}
}

// waitTask polls a task until it leaves the running state. In table mode
// a progress bar is drawn on stderr. The final task is returned even when
// it failed; the error then wraps errTaskFailed.
func waitTask(ctx context.Context, e *env, id string) (*taskView, error) {
	var bar *output.ProgressBar
	if e.format == output.FormatTable {
		bar = output.NewProgressBar(e.errOut, id)
	}

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		var t taskView
		if err := e.client.GetJSON(ctx, "/tasks/"+id, &t); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Update(t.Percent, t.operationCell())
		}
		if t.finished() {
			if bar != nil {
				bar.Finish(t.Status)
			}
			return &t, taskResult(&t)
		}

		select {
		case <-ctx.Done():
			if bar != nil {
				bar.Finish("detached")
			}
			return nil, fmt.Errorf("stopped waiting, task %s continues on the server: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func taskResult(t *taskView) error {
	switch t.Status {
	case "succeeded":
		return nil
	case "canceled":
		return fmt.Errorf("%w: task %s was canceled", errTaskFailed, t.ID)
	default:
		return fmt.Errorf("%w: task %s %s: %s", errTaskFailed, t.ID, t.Status, t.errorCell())
	}
}

// accepted prints a task handle, or waits for it when --wait is set.
func accepted(ctx context.Context, c *cli.Context, e *env, a *taskAccepted) error {
	if !c.Bool("wait") {
		return e.print(a)
	}
	t, err := waitTask(ctx, e, a.TaskID)
	if t != nil {
		if perr := e.print(t); perr != nil {
			return perr
		}
	}
	return err
}
