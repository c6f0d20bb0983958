package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/ota/types"
)

// Sink abstracts persistence for policies.
// Implementations may write to storage or stub for testing.
//
// Writes are batch-oriented to support both strict (batch of 1) and
// buffered policies.
type Sink interface {
	// WriteStatus persists a batch of status updates.
	// Must preserve ordering within the batch.
	// Returns error on failure; caller decides whether to retry or fail.
	WriteStatus(ctx context.Context, updates []*types.StatusUpdate) error

	// Close releases any resources held by the sink.
	Close() error
}

// StubSink is a test sink that accepts writes without persisting.
// Tracks write statistics for test assertions.
type StubSink struct {
	mu sync.Mutex

	// RecordsWritten is the total count of updates written.
	RecordsWritten int64
	// Batches is the number of WriteStatus calls.
	Batches int64
	// Closed indicates whether Close was called.
	Closed bool

	// Written stores all written updates in write order.
	Written []*types.StatusUpdate

	// ErrorOnWrite, if non-nil, is returned by WriteStatus.
	ErrorOnWrite error
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{Written: make([]*types.StatusUpdate, 0)}
}

// WriteStatus records the updates without persisting.
func (s *StubSink) WriteStatus(_ context.Context, updates []*types.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}

	s.Batches++
	s.RecordsWritten += int64(len(updates))
	s.Written = append(s.Written, updates...)
	return nil
}

// SetError changes the error returned by WriteStatus.
func (s *StubSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorOnWrite = err
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Closed = true
	return nil
}

// Stats returns a snapshot of sink statistics.
func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StubSinkStats{
		RecordsWritten: s.RecordsWritten,
		Batches:        s.Batches,
		Closed:         s.Closed,
	}
}

// WrittenCopy returns the written updates.
func (s *StubSink) WrittenCopy() []*types.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.StatusUpdate(nil), s.Written...)
}

// StubSinkStats is a snapshot of StubSink statistics.
type StubSinkStats struct {
	RecordsWritten int64
	Batches        int64
	Closed         bool
}

var _ Sink = (*StubSink)(nil)
