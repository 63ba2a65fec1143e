package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/vmsnap-go/internal/cli/config"
	"github.com/yndnr/vmsnap-go/internal/cli/connection"
	"github.com/yndnr/vmsnap-go/internal/cli/output"
	"github.com/yndnr/vmsnap-go/internal/infra/buildinfo"
	"github.com/yndnr/vmsnap-go/internal/infra/tlsroots"
)

const configKey = "config"

// App creates the CLI application.
func App() *cli.App {
	connection.SetUserAgent("vmsnap-cli/" + buildinfo.Get().Version)
	return &cli.App{
		Name:                 "vmsnap-cli",
		Usage:                "manage machines, snapshots and disk images of a vmsnap server",
		Version:              buildinfo.String(),
		HideVersion:          true,
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			MachineCommand(),
			SnapshotCommand(),
			TaskCommand(),
			MediumCommand(),
			VersionCommand(),
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.App.Metadata == nil {
				c.App.Metadata = make(map[string]any)
			}
			c.App.Metadata[configKey] = cfg
			return nil
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "vmsnap-server address (default from config, " + config.DefaultServer + ")",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "CLI config file (default ~/.vmsnap/cli.yaml)",
			EnvVars: []string{"VMSNAP_CLI_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show more columns in table output",
		},
		&cli.BoolFlag{
			Name:  "no-headers",
			Usage: "omit the table header row",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "per-request timeout",
		},
		&cli.StringFlag{
			Name:  "ca-file",
			Usage: "PEM bundle trusted for an https server",
		},
		&cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip server certificate verification",
		},
	}
}

// env is what a command needs for one invocation.
type env struct {
	client    *connection.HTTPClient
	format    output.Format
	formatter output.Formatter
	poll      time.Duration
	out       io.Writer
	errOut    io.Writer
}

// newEnv merges the loaded config with the global flags.
func newEnv(c *cli.Context) (*env, error) {
	cfg, ok := c.App.Metadata[configKey].(*config.CLIConfig)
	if !ok {
		cfg = config.Default()
	}
	server := cfg.Server
	if c.IsSet("server") {
		server = c.String("server")
	}
	format := cfg.Output
	if c.IsSet("output") {
		format = c.String("output")
	}
	f, err := output.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if c.IsSet("timeout") {
		timeout = c.Duration("timeout")
	}

	client := connection.NewHTTPClient(server, timeout)
	caFile, insecure := cfg.CAFile, cfg.Insecure
	if c.IsSet("ca-file") {
		caFile = c.String("ca-file")
	}
	if c.IsSet("insecure") {
		insecure = c.Bool("insecure")
	}
	if caFile != "" || insecure {
		tlsCfg, err := tlsroots.ClientConfig(caFile, insecure)
		if err != nil {
			return nil, err
		}
		client = client.WithTLS(tlsCfg)
	}

	tf := output.NewFormatter(f, c.Bool("wide"))
	if t, ok := tf.(*output.TableFormatter); ok {
		t.NoHeaders = c.Bool("no-headers")
	}
	e := &env{
		client:    client,
		format:    f,
		formatter: tf,
		poll:      cfg.PollInterval,
		out:       c.App.Writer,
		errOut:    c.App.ErrWriter,
	}
	if e.out == nil {
		e.out = os.Stdout
	}
	if e.errOut == nil {
		e.errOut = os.Stderr
	}
	return e, nil
}

func (e *env) print(data any) error {
	return e.formatter.Format(e.out, data)
}

// action adapts a command body to urfave/cli.
func action(fn func(ctx context.Context, c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := newEnv(c)
		if err != nil {
			return err
		}
		return fn(c.Context, c, e)
	}
}

// requireArgs checks the positional argument count.
func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s: expected %d argument(s) (%s), got %d", c.Command.FullName(), n, c.Command.ArgsUsage, c.NArg())
	}
	return nil
}
