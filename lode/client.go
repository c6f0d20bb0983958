package lode

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/types"
)

// LodeClient is a Lode-backed implementation of Client.
// Uses Lode's HiveLayout with partition keys: thing_name/day/record_kind.
type LodeClient struct {
	dataset lode.Dataset
	config  Config

	// Sidecar files bypass the dataset and go straight to the store.
	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error

	mu  sync.Mutex // guards seq
	seq int64
}

// newDataset creates a dataset with the journal's layout and codec. The
// read and write paths must agree on both.
func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout("thing_name", "day", "record_kind"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewLodeClient creates a new Lode client with filesystem storage.
// The root parameter is the base directory for Hive-partitioned storage.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a new Lode client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	cfg = cfg.withDefaults(time.Now())
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return newClient(ds, cfg, factory), nil
}

func newClient(ds lode.Dataset, cfg Config, factory lode.StoreFactory) *LodeClient {
	return &LodeClient{
		dataset:      ds,
		config:       cfg,
		storeFactory: factory,
	}
}

// WriteStatus writes a batch of status updates as one snapshot.
// Each record gets a fresh record_id and the next sequence number; the
// sequence only advances after a successful write.
func (c *LodeClient) WriteStatus(ctx context.Context, updates []*types.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]any, 0, len(updates))
	for i, u := range updates {
		records = append(records, toStatusRecordMap(u, c.seq+int64(i)+1, uuid.NewString(), c.config))
	}

	if _, err := c.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset+"/status")
	}
	c.seq += int64(len(updates))
	return nil
}

// WriteMetrics writes one metrics record.
func (c *LodeClient) WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error {
	record := toMetricsRecordMap(snap, at, c.config)
	if _, err := c.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset+"/metrics")
	}
	return nil
}

// Close releases client resources.
func (c *LodeClient) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

var _ Client = (*LodeClient)(nil)
