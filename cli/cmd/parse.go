package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ota/agent"
	"github.com/pithecene-io/ota/cli/reader"
	"github.com/pithecene-io/ota/cli/render"
	"github.com/pithecene-io/ota/jobdoc"
)

// ParseCommand returns the parse command.
// Parse checks a job document offline, exactly as the agent would read it.
func ParseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Validate a job document and show its transfer plan",
		ArgsUsage: "<job-document.json | ->",
		Flags: append(ReadOnlyFlags(),
			&cli.UintFlag{Name: "block-size", Usage: "Transfer block size in bytes", Value: uint(agent.DefaultConfig().BlockSize)},
		),
		Action: parseAction,
	}
}

func parseAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("parse requires exactly one job document path (or - for stdin)", 1)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for parse command", 1)
	}

	doc, err := readDocument(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	job, err := jobdoc.Build(doc, uint32(c.Uint("block-size")))
	if errors.Is(err, jobdoc.ErrNoPendingJob) {
		fmt.Fprintln(os.Stdout, "no pending job")
		return nil
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid job document: %v", err), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(parseResponse(job))
}

func parseResponse(job *jobdoc.Job) *reader.ParseResponse {
	fc := job.File
	return &reader.ParseResponse{
		JobID:       job.ID,
		ClientToken: job.ClientToken,
		SelfTest:    job.SelfTest,
		FileID:      fc.ServerFileID,
		FilePath:    fc.FilePath,
		FileSize:    fc.FileSize,
		BlockSize:   fc.BlockSize,
		TotalBlocks: fc.TotalBlocks,
		UpdateURL:   fc.UpdateURL,
		StreamName:  fc.StreamName,
		Protocols:   fc.Protocols,
		CertFile:    fc.CertFile,
		Signed:      len(fc.Signature) > 0,
	}
}

// readDocument reads path, or stdin for "-".
func readDocument(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job document: %w", err)
	}
	return doc, nil
}
