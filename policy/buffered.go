package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/types"
)

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// MaxBufferRecords is the maximum number of updates to buffer.
	// Zero means no limit (use MaxBufferBytes instead).
	MaxBufferRecords int

	// MaxBufferBytes is the maximum buffer size in bytes (estimated).
	// Zero means no limit (use MaxBufferRecords instead).
	// At least one limit must be set.
	MaxBufferBytes int64

	// Logger is an optional logger for policy observability.
	// If nil, no logging is emitted.
	Logger *log.Logger
}

// DefaultBufferedConfig returns sensible defaults for buffered policy.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBufferRecords: 256,
		MaxBufferBytes:   256 * 1024,
	}
}

// ErrBufferFull is returned when the buffer is full and the update is
// non-droppable.
var ErrBufferFull = errors.New("buffer full: cannot accept non-droppable update")

// ErrInvalidConfig is returned when BufferedConfig is invalid.
var ErrInvalidConfig = errors.New("invalid config: at least one of MaxBufferRecords or MaxBufferBytes must be set")

// BufferedPolicy implements buffered persistence with drop rules.
//
//   - Bounded buffer with explicit limits
//   - May drop transfer progress updates
//   - Must NOT drop any other update
//   - Batch writes on flush
//   - On flush failure the buffer is kept for the next flush
type BufferedPolicy struct {
	sink   Sink
	config BufferedConfig
	logger *log.Logger

	flushMu sync.Mutex // serializes flushes

	mu          sync.Mutex // guards buffer state and stats
	buffer      []*types.StatusUpdate
	bufferBytes int64
	stats       *statsRecorder
}

// NewBufferedPolicy creates a new buffered policy.
// Returns error if config is invalid.
func NewBufferedPolicy(sink Sink, config BufferedConfig) (*BufferedPolicy, error) {
	if config.MaxBufferRecords <= 0 && config.MaxBufferBytes <= 0 {
		return nil, ErrInvalidConfig
	}

	return &BufferedPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger,
		buffer: make([]*types.StatusUpdate, 0, max(config.MaxBufferRecords, 16)),
		stats:  newStatsRecorder(),
	}, nil
}

// Record buffers the update, applying drop rules if the buffer is full.
//
// Drop strategy when full:
//   - If the incoming update is droppable: drop it, record in stats
//   - If it is non-droppable and the buffer holds droppable updates: drop the oldest droppable
//   - If it is non-droppable and nothing can be evicted: return ErrBufferFull
func (p *BufferedPolicy) Record(_ context.Context, update *types.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incTotalLocked()
	size := estimateSize(update)

	if p.hasRoomFor(size) {
		p.append(update, size)
		return nil
	}

	if IsDroppable(update) {
		p.stats.incDroppedLocked(update.Reason)
		p.logDrop(update, "buffer_full")
		return nil
	}

	// Evict until there is room or nothing droppable is left.
	for p.dropOldestDroppable() {
		if p.hasRoomFor(size) {
			p.append(update, size)
			return nil
		}
	}

	p.stats.incErrorsLocked()
	p.logBufferOverflow(update)
	return ErrBufferFull
}

// append adds an update to the buffer. Caller must hold mu.
func (p *BufferedPolicy) append(update *types.StatusUpdate, size int64) {
	p.buffer = append(p.buffer, update)
	p.bufferBytes += size
	p.stats.setBufferSizeLocked(p.bufferBytes)
}

// Flush writes all buffered updates to the sink. On failure the batch is
// restored ahead of anything recorded during the write, so ordering holds
// and the next flush retries it.
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	p.stats.incFlushLocked()
	batch := p.buffer
	p.buffer = make([]*types.StatusUpdate, 0, cap(batch))
	p.recalculateBufferBytes()
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := p.sink.WriteStatus(ctx, batch); err != nil {
		p.mu.Lock()
		p.stats.incErrorsLocked()
		p.buffer = append(batch, p.buffer...)
		p.recalculateBufferBytes()
		p.mu.Unlock()
		p.logFlushFailure(err)
		return err
	}

	p.mu.Lock()
	p.stats.incPersistedLocked(int64(len(batch)))
	p.mu.Unlock()

	return nil
}

// recalculateBufferBytes recalculates bufferBytes. Caller must hold mu.
func (p *BufferedPolicy) recalculateBufferBytes() {
	var total int64
	for _, u := range p.buffer {
		total += estimateSize(u)
	}
	p.bufferBytes = total
	p.stats.setBufferSizeLocked(p.bufferBytes)
}

// Close flushes remaining updates and closes the sink.
func (p *BufferedPolicy) Close() error {
	// Best-effort flush on close
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

// Stats returns an atomic snapshot of policy statistics.
func (p *BufferedPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats.snapshotLocked(p.bufferBytes)
}

// hasRoomFor checks both limits for an update of the given size.
func (p *BufferedPolicy) hasRoomFor(size int64) bool {
	if p.config.MaxBufferRecords > 0 && len(p.buffer) >= p.config.MaxBufferRecords {
		return false
	}
	if p.config.MaxBufferBytes > 0 && p.bufferBytes+size > p.config.MaxBufferBytes {
		return false
	}
	return true
}

// dropOldestDroppable removes the oldest droppable update from the buffer.
// Returns false if none exists. Caller must hold mu.
func (p *BufferedPolicy) dropOldestDroppable() bool {
	for i, u := range p.buffer {
		if IsDroppable(u) {
			p.buffer = append(p.buffer[:i], p.buffer[i+1:]...)
			p.bufferBytes -= estimateSize(u)
			p.stats.setBufferSizeLocked(p.bufferBytes)
			p.stats.incDroppedLocked(u.Reason)
			p.logDrop(u, "evicted_for_non_droppable")
			return true
		}
	}
	return false
}

// --- Logging helpers ---

func (p *BufferedPolicy) logDrop(update *types.StatusUpdate, reason string) {
	if p.logger == nil {
		return
	}
	p.logger.Warn("status update dropped", map[string]any{
		"job_id": update.JobID,
		"status": string(update.Status),
		"reason": reason,
		"policy": "buffered",
	})
}

func (p *BufferedPolicy) logBufferOverflow(update *types.StatusUpdate) {
	if p.logger == nil {
		return
	}
	p.logger.Error("buffer overflow", map[string]any{
		"job_id": update.JobID,
		"status": string(update.Status),
		"policy": "buffered",
	})
}

func (p *BufferedPolicy) logFlushFailure(err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("flush failed", map[string]any{
		"error":  err.Error(),
		"policy": "buffered",
	})
}

var _ Policy = (*BufferedPolicy)(nil)
