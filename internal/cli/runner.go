// Package cli implements the tracklet command line client for the agent's
// local control-plane API.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/tracklet/tracklet/internal/agentclient"
)

type Runner struct {
	client *agentclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(client *agentclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "health":
		return r.runHealth(ctx, args[1:])
	case "version":
		return r.runVersion(ctx, args[1:])
	case "diag":
		return r.runDiag(ctx, args[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	jsonOut, code := r.parseJSONFlag("health", args)
	if code >= 0 {
		return code
	}
	health, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(health)
	}
	_, _ = fmt.Fprintf(r.out, "status: %s\n", health.Status)
	return 0
}

func (r *Runner) runVersion(ctx context.Context, args []string) int {
	jsonOut, code := r.parseJSONFlag("version", args)
	if code >= 0 {
		return code
	}
	version, err := r.client.Version(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(version)
	}
	_, _ = fmt.Fprintf(r.out, "version: %s\n", version.Version)
	for _, route := range version.Routes {
		_, _ = fmt.Fprintf(r.out, "  %s\n", route)
	}
	return 0
}

func (r *Runner) runDiag(ctx context.Context, args []string) int {
	jsonOut, code := r.parseJSONFlag("diag", args)
	if code >= 0 {
		return code
	}
	diag, err := r.client.Diag(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(diag)
	}
	_, _ = fmt.Fprintf(r.out, "device: %s (agent %s)\n", diag.DeviceID, diag.AgentVersion)
	streams := make([]string, 0, len(diag.PendingByStream))
	for stream := range diag.PendingByStream {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	for _, stream := range streams {
		_, _ = fmt.Fprintf(r.out, "  pending %-13s %d\n", stream, diag.PendingByStream[stream])
	}
	if diag.LastFlushAt != nil {
		_, _ = fmt.Fprintf(r.out, "last flush: %s\n", diag.LastFlushAt.UTC().Format(time.RFC3339))
	} else {
		_, _ = fmt.Fprintln(r.out, "last flush: never")
	}
	return 0
}

// parseJSONFlag returns code -1 when parsing succeeded and execution should
// continue.
func (r *Runner) parseJSONFlag(name string, args []string) (bool, int) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false, 2
	}
	return *jsonOut, -1
}

func (r *Runner) printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(data)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) handleErr(err error) int {
	if errors.Is(err, agentclient.ErrUnauthorized) {
		_, _ = fmt.Fprintln(r.errOut, "error: agent token rejected (check AGENT_TOKEN)")
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: tracklet <command> [--json]

commands:
  health     check the agent daemon
  version    show daemon version and routes
  diag       show pending outbox counts and last flush`)
}
