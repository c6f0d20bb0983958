package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ota/cli/reader"
	"github.com/pithecene-io/ota/cli/render"
	"github.com/pithecene-io/ota/cli/tui"
)

// StatsCommand returns the stats command.
// Stats shows the metrics written at the end of the latest run.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show the latest agent metrics from the journal",
		Flags:  journalFlags(),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	rd, thingName, err := openJournalReader(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, cancel := context.WithTimeout(c.Context, readTimeout)
	defer cancel()

	record, err := rd.LatestMetrics(ctx, thingName)
	if errors.Is(err, reader.ErrNoMetrics) {
		return cli.Exit("no metrics recorded yet: run `ota run` with a storage backend first", 1)
	}
	if err != nil {
		return fmt.Errorf("failed to read metrics: %w", err)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStats, record)
	}

	snapshot, err := reader.ParseMetricsRecord(record)
	if err != nil {
		return fmt.Errorf("failed to parse metrics record: %w", err)
	}
	return r.Render(snapshot)
}
