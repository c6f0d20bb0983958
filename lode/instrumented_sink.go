package lode

import (
	"context"

	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/policy"
	"github.com/pithecene-io/ota/types"
)

// InstrumentedSink wraps a policy.Sink and counts journal writes on the
// metrics collector. Failures are also logged when a logger is set.
type InstrumentedSink struct {
	inner     policy.Sink
	collector *metrics.Collector
	logger    *log.Logger
}

// NewInstrumentedSink wraps a sink with metrics instrumentation.
// logger may be nil.
func NewInstrumentedSink(inner policy.Sink, collector *metrics.Collector, logger *log.Logger) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, collector: collector, logger: logger}
}

// WriteStatus delegates to the inner sink and records success or failure.
func (s *InstrumentedSink) WriteStatus(ctx context.Context, updates []*types.StatusUpdate) error {
	err := s.inner.WriteStatus(ctx, updates)
	if err != nil {
		s.collector.IncJournalWriteFailure()
		if s.logger != nil {
			s.logger.Warn("journal write failed", map[string]any{
				"updates":   len(updates),
				"retryable": IsRetryable(err),
				"error":     err.Error(),
			})
		}
		return err
	}
	s.collector.IncJournalWriteSuccess()
	return nil
}

// Close delegates to the inner sink.
func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

var _ policy.Sink = (*InstrumentedSink)(nil)
