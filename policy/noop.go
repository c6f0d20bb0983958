package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/ota/types"
)

// NoopPolicy is used when no status journal is configured.
// Accepts all updates but does not persist them.
//
// Stats still reflect droppable vs non-droppable semantics:
//   - Droppable updates (transfer progress) are counted as dropped
//   - All other updates are counted as persisted
type NoopPolicy struct {
	mu    sync.Mutex
	stats *statsRecorder
}

// NewNoopPolicy creates a new no-op policy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{stats: newStatsRecorder()}
}

// Record accepts the update but does not persist it.
func (p *NoopPolicy) Record(_ context.Context, update *types.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incTotalLocked()
	if IsDroppable(update) {
		p.stats.incDroppedLocked(update.Reason)
	} else {
		p.stats.incPersistedLocked(1)
	}
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incFlushLocked()
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error {
	return nil
}

// Stats returns the policy statistics.
func (p *NoopPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats.snapshotLocked(0)
}

var _ Policy = (*NoopPolicy)(nil)
