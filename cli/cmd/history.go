package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ota/cli/reader"
	"github.com/pithecene-io/ota/cli/render"
	"github.com/pithecene-io/ota/cli/tui"
	"github.com/pithecene-io/ota/lode"
)

// readTimeout bounds journal queries.
const readTimeout = 30 * time.Second

// HistoryCommand returns the history command.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show job status history from the journal",
		Flags: journalFlags(
			&cli.StringFlag{Name: "job-id", Usage: "Only show updates for this job"},
			&cli.IntFlag{Name: "limit", Usage: "Show only the most recent N updates (0 = all)"},
		),
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	if c.Int("limit") < 0 {
		return cli.Exit(fmt.Sprintf("--limit must be >= 0, got %d", c.Int("limit")), 1)
	}

	rd, thingName, err := openJournalReader(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, cancel := context.WithTimeout(c.Context, readTimeout)
	defer cancel()

	records, err := rd.History(ctx, lode.HistoryFilter{
		ThingName: thingName,
		JobID:     c.String("job-id"),
		Limit:     c.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("failed to read status history: %w", err)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewHistory, records)
	}

	return r.Render(reader.HistoryItems(records))
}
