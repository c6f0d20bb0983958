// Package policy defines how job status updates reach the status journal.
//
// Every status update the agent publishes is also recorded through a
// Policy. Policies decide buffering and dropping; a Sink persists.
package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/ota/types"
)

// Policy defines the journal ingestion interface.
//
// Drop rules:
//   - May drop: in-progress updates with reason Receiving (transfer progress)
//   - Must NOT drop: any other update, in particular terminal ones
//   - Policy must not alter updates
//   - Policy failure is logged by the agent; it never stops a transfer
type Policy interface {
	// Record handles one status update.
	// May drop droppable updates; returns error when a non-droppable
	// update cannot be accepted.
	Record(ctx context.Context, update *types.StatusUpdate) error

	// Flush persists any buffered updates.
	// Called after terminal updates and at agent shutdown.
	Flush(ctx context.Context) error

	// Close flushes and releases policy resources.
	Close() error

	// Stats returns an atomic snapshot of policy counters.
	Stats() Stats
}

// Stats represents policy observability counters.
type Stats struct {
	// TotalRecords is the total number of updates received.
	TotalRecords int64
	// RecordsPersisted is the number of updates written to the sink.
	RecordsPersisted int64
	// RecordsDropped is the total number of updates dropped.
	RecordsDropped int64
	// DroppedByReason maps reason codes to drop counts.
	DroppedByReason map[types.JobReason]int64
	// BufferSize is the current buffer size in bytes (if buffered).
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the count of non-fatal errors encountered.
	Errors int64
}

// DroppedByReasonStrings returns DroppedByReason with string keys, the
// form metrics.Collector absorbs.
func (s Stats) DroppedByReasonStrings() map[string]int64 {
	out := make(map[string]int64, len(s.DroppedByReason))
	for k, v := range s.DroppedByReason {
		out[string(k)] = v
	}
	return out
}

// IsDroppable returns true if the update may be dropped by policy.
func IsDroppable(update *types.StatusUpdate) bool {
	return update.Status == types.JobStatusInProgress && update.Reason == types.ReasonReceiving
}

// estimateSize returns a rough size in bytes of an update for buffer
// accounting.
func estimateSize(update *types.StatusUpdate) int64 {
	return int64(160 + len(update.ThingName) + len(update.JobID) + len(update.ClientToken) + len(update.Detail))
}

// statsRecorder is an internal helper for thread-safe stats management.
// Policies call explicit methods to record mutations; recorder does not
// infer or automate any policy decisions.
//
// Lock discipline:
//   - StrictPolicy uses the locking methods (incTotal, snapshot, etc.)
//   - BufferedPolicy and StreamingPolicy use the Locked methods only while
//     holding their own mu, keeping buffer state and counters atomic.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		stats: Stats{
			DroppedByReason: make(map[types.JobReason]int64),
		},
	}
}

func (r *statsRecorder) incTotal() {
	r.mu.Lock()
	r.stats.TotalRecords++
	r.mu.Unlock()
}

func (r *statsRecorder) incPersisted(n int64) {
	r.mu.Lock()
	r.stats.RecordsPersisted += n
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(r.stats.BufferSize)
}

// --- Locked methods ---
// Caller must hold the owning policy's mu.

func (r *statsRecorder) incTotalLocked() {
	r.stats.TotalRecords++
}

func (r *statsRecorder) incPersistedLocked(n int64) {
	r.stats.RecordsPersisted += n
}

func (r *statsRecorder) incDroppedLocked(reason types.JobReason) {
	r.stats.RecordsDropped++
	r.stats.DroppedByReason[reason]++
}

func (r *statsRecorder) incErrorsLocked() {
	r.stats.Errors++
}

func (r *statsRecorder) incFlushLocked() {
	r.stats.FlushCount++
}

func (r *statsRecorder) setBufferSizeLocked(bytes int64) {
	r.stats.BufferSize = bytes
}

// snapshotLocked returns a snapshot of stats with the given bufferSize.
func (r *statsRecorder) snapshotLocked(bufferSize int64) Stats {
	s := r.stats
	s.BufferSize = bufferSize
	s.DroppedByReason = make(map[types.JobReason]int64, len(r.stats.DroppedByReason))
	for k, v := range r.stats.DroppedByReason {
		s.DroppedByReason[k] = v
	}
	return s
}
