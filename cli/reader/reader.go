package reader

import (
	"context"
	"errors"

	lodelibrary "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/ota/lode"
)

// ErrNoMetrics is returned by LatestMetrics when the journal holds no
// metrics for the thing.
var ErrNoMetrics = errors.New("no metrics recorded")

// Reader abstracts read-only journal access for CLI commands.
type Reader interface {
	// History returns status updates in write order.
	History(ctx context.Context, filter lode.HistoryFilter) ([]lode.StatusRecord, error)
	// LatestMetrics returns the raw latest metrics record.
	LatestMetrics(ctx context.Context, thingName string) (map[string]any, error)
}

// LodeReader reads a journal dataset.
type LodeReader struct {
	ds lodelibrary.Dataset
}

// NewLodeReader wraps a dataset opened with lode.NewReadDatasetFS or
// lode.NewReadDatasetS3.
func NewLodeReader(ds lodelibrary.Dataset) *LodeReader {
	return &LodeReader{ds: ds}
}

// History implements Reader.
func (r *LodeReader) History(ctx context.Context, filter lode.HistoryFilter) ([]lode.StatusRecord, error) {
	return lode.QueryStatusHistory(ctx, r.ds, filter)
}

// LatestMetrics implements Reader.
func (r *LodeReader) LatestMetrics(ctx context.Context, thingName string) (map[string]any, error) {
	record, err := lode.QueryLatestMetrics(ctx, r.ds, thingName)
	if errors.Is(err, lode.ErrNoMetricsFound) {
		return nil, ErrNoMetrics
	}
	return record, err
}

var _ Reader = (*LodeReader)(nil)
