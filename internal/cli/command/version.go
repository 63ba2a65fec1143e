package command

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/vmsnap-go/internal/cli/output"
	"github.com/yndnr/vmsnap-go/internal/infra/buildinfo"
)

// VersionCommand prints the client build and, unless --client is set, the
// version the server reports.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show client and server versions",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "client", Usage: "only show the client version"},
		},
		Action: action(runVersion),
	}
}

type versionView struct {
	Client buildinfo.Info `json:"client"`
	Server *serverHealth  `json:"server,omitempty"`
	// ServerError is set when the server could not be reached.
	ServerError string `json:"server_error,omitempty"`
}

type serverHealth struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Machines int    `json:"machines"`
}

func (v *versionView) Table(bool) *output.Table {
	t := output.KV(
		"client version", v.Client.Version,
		"client commit", v.Client.Commit,
		"go", v.Client.GoVersion,
		"platform", v.Client.Platform,
	)
	switch {
	case v.Server != nil:
		t.AddRow("server version", v.Server.Version)
		t.AddRow("server status", v.Server.Status)
	case v.ServerError != "":
		t.AddRow("server", v.ServerError)
	}
	return t
}

func runVersion(ctx context.Context, c *cli.Context, e *env) error {
	v := &versionView{Client: buildinfo.Get()}
	if !c.Bool("client") {
		var h serverHealth
		if err := e.client.GetJSON(ctx, "/health", &h); err != nil {
			v.ServerError = err.Error()
		} else {
			v.Server = &h
		}
	}
	return e.print(v)
}
