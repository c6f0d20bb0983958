package cmd

import (
	"context"
	"errors"
	"fmt"

	lodelibrary "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	otaconfig "github.com/pithecene-io/ota/cli/config"
	"github.com/pithecene-io/ota/cli/reader"
	"github.com/pithecene-io/ota/lode"
)

// journalFlags returns the flags of commands that read the journal.
func journalFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(TUIReadOnlyFlags(), ConfigFlag)
	flags = append(flags, storageFlags()...)
	flags = append(flags, &cli.StringFlag{Name: "thing-name", Usage: "Device identity to read (default: thing_name from config)"})
	return append(flags, extra...)
}

// openJournalReader resolves journal flags against config and opens a
// reader. It also returns the resolved thing name.
func openJournalReader(c *cli.Context) (reader.Reader, string, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, "", err
	}

	s := storageChoice{
		dataset:   resolveString(c, "storage-dataset", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Dataset })),
		backend:   resolveString(c, "storage-backend", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Backend })),
		path:      resolveString(c, "storage-path", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Path })),
		region:    resolveString(c, "storage-region", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Region })),
		endpoint:  resolveString(c, "storage-endpoint", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Endpoint })),
		pathStyle: resolveBool(c, "storage-s3-path-style", configVal(cfg, func(c *otaconfig.Config) bool { return c.Storage.S3PathStyle })),
	}
	if s.backend == "" || s.path == "" {
		return nil, "", errors.New("both --storage-backend and --storage-path are required to read the journal")
	}
	if err := validateStorageConfig(s); err != nil {
		return nil, "", err
	}

	thingName := resolveString(c, "thing-name", configVal(cfg, func(c *otaconfig.Config) string { return c.ThingName }))

	ds, err := buildReadDataset(c.Context, s)
	if err != nil {
		return nil, "", fmt.Errorf("failed to initialize journal reader: %w", err)
	}
	return reader.NewLodeReader(ds), thingName, nil
}

// buildReadDataset opens the journal dataset for reading.
func buildReadDataset(ctx context.Context, s storageChoice) (lodelibrary.Dataset, error) {
	switch s.backend {
	case "fs":
		return lode.NewReadDatasetFS(s.dataset, s.path)
	case "s3":
		return lode.NewReadDatasetS3(ctx, s.dataset, s.s3Config())
	default:
		return nil, fmt.Errorf("unsupported storage-backend: %s (must be fs or s3)", s.backend)
	}
}
