package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ota/cli/render"
	"github.com/pithecene-io/ota/pal"
	"github.com/pithecene-io/ota/trace"
)

// ReplayCommand returns the replay command.
// Replay feeds a trace recorded by `ota run --trace` through a fresh block
// engine and checks each recorded request against the engine's bitmap.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Replay a recorded transfer trace",
		ArgsUsage: "<trace-file>",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{Name: "platform-root", Usage: "Write the image under this directory (default: in memory)"},
			&cli.StringFlag{Name: "cert-dir", Usage: "Verify the signature with certificates from this directory"},
		),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("replay requires exactly one trace file", 1)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for replay command", 1)
	}

	var platform pal.Platform = pal.NewStubPlatform()
	if root := c.String("platform-root"); root != "" {
		fsp, err := pal.NewFSPlatform(pal.FSConfig{Root: root, CertDir: c.String("cert-dir")})
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to create platform: %v", err), 1)
		}
		platform = fsp
	} else if c.IsSet("cert-dir") {
		return cli.Exit("--cert-dir requires --platform-root", 1)
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open trace: %v", err), 1)
	}
	defer func() { _ = f.Close() }()

	report, err := trace.Replay(c.Context, f, platform)
	if err != nil {
		return cli.Exit(fmt.Sprintf("replay failed after %d frames: %v", report.Frames, err), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if err := r.Render(report); err != nil {
		return err
	}

	if len(report.Mismatches) > 0 {
		return cli.Exit(fmt.Sprintf("%d recorded requests disagree with the replay", len(report.Mismatches)), 1)
	}
	if !report.Complete() {
		return cli.Exit(fmt.Sprintf("transfer incomplete: %d of %d blocks remaining (last result %q)",
			report.BlocksRemaining, report.TotalBlocks, report.Final), 1)
	}
	return nil
}
