// Package main provides the ota CLI entrypoint.
//
// All commands except `run` are read-only.
//
// Usage:
//
//	ota <command> [options]
//
// Exit codes for `run`:
//   - 0: success, or the --once job succeeded
//   - 1: the --once job failed or was rejected
//   - 2: configuration error
//   - 3: agent error
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ota/cli/cmd"
	"github.com/pithecene-io/ota/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "ota",
		Usage:          "Over-the-air firmware update agent",
		Version:        fmt.Sprintf("%s (wire %s, commit: %s)", types.Version, types.WireVersion, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ParseCommand(),
			cmd.ReplayCommand(),
			cmd.HistoryCommand(),
			cmd.StatsCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
