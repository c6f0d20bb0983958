// Package lode persists the agent's status journal in a Lode dataset.
//
// Every status update the agent publishes is written as a status record,
// one metrics record is written at shutdown, and accepted job documents
// are archived as sidecar files. Records are Hive-partitioned by
// thing_name, day and record_kind.
package lode

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/policy"
	"github.com/pithecene-io/ota/types"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "ota"

// DeriveDay computes the partition day from a time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Config holds journal configuration.
type Config struct {
	// Dataset is the Lode dataset ID (defaults to DefaultDataset).
	Dataset string
	// ThingName is the thing_name partition key.
	ThingName string
	// AgentID identifies the agent session that wrote a record.
	AgentID string
	// Day is the fallback day partition for records whose timestamp
	// cannot be parsed, and the day used for sidecar files. Defaults to
	// the day the client was created.
	Day string
}

func (c Config) withDefaults(now time.Time) Config {
	if c.Dataset == "" {
		c.Dataset = DefaultDataset
	}
	if c.Day == "" {
		c.Day = DeriveDay(now)
	}
	return c
}

// Client abstracts the journal storage client.
type Client interface {
	// WriteStatus writes a batch of status updates.
	// Must preserve ordering within the batch.
	WriteStatus(ctx context.Context, updates []*types.StatusUpdate) error

	// WriteMetrics writes one metrics snapshot record.
	WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error

	// Close releases client resources.
	Close() error
}

// Sink is a Lode-backed implementation of policy.Sink.
type Sink struct {
	client Client
}

// NewSink creates a new journal sink.
func NewSink(client Client) *Sink {
	return &Sink{client: client}
}

// WriteStatus implements policy.Sink.
func (s *Sink) WriteStatus(ctx context.Context, updates []*types.StatusUpdate) error {
	return s.client.WriteStatus(ctx, updates)
}

// Close implements policy.Sink.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ policy.Sink = (*Sink)(nil)

// StubClient is a test client that accepts writes without persisting.
type StubClient struct {
	mu sync.Mutex

	Status  [][]*types.StatusUpdate
	Metrics []metrics.Snapshot
	Closed  bool

	// ErrorOnWrite, if non-nil, is returned by WriteStatus and WriteMetrics.
	ErrorOnWrite error
}

// NewStubClient creates a new stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// WriteStatus implements Client.
func (c *StubClient) WriteStatus(_ context.Context, updates []*types.StatusUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrorOnWrite != nil {
		return c.ErrorOnWrite
	}
	c.Status = append(c.Status, updates)
	return nil
}

// WriteMetrics implements Client.
func (c *StubClient) WriteMetrics(_ context.Context, snap metrics.Snapshot, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrorOnWrite != nil {
		return c.ErrorOnWrite
	}
	c.Metrics = append(c.Metrics, snap)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

var _ Client = (*StubClient)(nil)
