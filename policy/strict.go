package policy

import (
	"context"

	"github.com/pithecene-io/ota/types"
)

// StrictPolicy implements synchronous, unbuffered persistence.
//
//   - No buffering: each update is written immediately
//   - No drops: all updates are persisted
//   - Backpressure: caller blocks on sink latency
//   - Sink errors are returned to the caller
type StrictPolicy struct {
	sink  Sink
	stats *statsRecorder
}

// NewStrictPolicy creates a new strict policy writing to the given sink.
func NewStrictPolicy(sink Sink) *StrictPolicy {
	return &StrictPolicy{sink: sink, stats: newStatsRecorder()}
}

// Record writes the update immediately to the sink.
func (p *StrictPolicy) Record(ctx context.Context, update *types.StatusUpdate) error {
	p.stats.incTotal()

	// Write immediately (batch of 1)
	if err := p.sink.WriteStatus(ctx, []*types.StatusUpdate{update}); err != nil {
		p.stats.incErrors()
		return err
	}

	p.stats.incPersisted(1)
	return nil
}

// Flush is a no-op for strict policy (nothing is buffered).
func (p *StrictPolicy) Flush(_ context.Context) error {
	p.stats.incFlush()
	return nil
}

// Close closes the underlying sink.
func (p *StrictPolicy) Close() error {
	return p.sink.Close()
}

// Stats returns policy statistics.
func (p *StrictPolicy) Stats() Stats {
	return p.stats.snapshot()
}

var _ Policy = (*StrictPolicy)(nil)
