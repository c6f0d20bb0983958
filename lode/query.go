package lode

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/lode/lode"
)

// ErrNoMetricsFound is returned when no metrics records exist in the dataset.
var ErrNoMetricsFound = errors.New("no metrics records found")

// HistoryFilter narrows a status history query. Empty fields match all.
type HistoryFilter struct {
	ThingName string
	JobID     string
	// Limit keeps only the most recent N records. Zero keeps all.
	Limit int
}

// QueryStatusHistory reads status records in write order.
//
// Manifest paths are a coarse pre-filter; record fields are authoritative.
// Records are deduplicated by record_id so cumulative snapshots do not
// repeat entries.
func QueryStatusHistory(ctx context.Context, ds lode.Dataset, filter HistoryFilter) ([]StatusRecord, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "ota/snapshots")
	}

	seen := make(map[string]struct{})
	var out []StatusRecord
	for _, snap := range snapshots {
		if !snapshotHasKind(snap, RecordKindStatus) {
			continue
		}
		if !snapshotMatchesFilter(snap, "thing_name", filter.ThingName) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("ota/snapshot/%s", snap.ID))
		}

		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindStatus {
				continue
			}
			rec, err := decodeStatusRecord(m)
			if err != nil {
				continue
			}
			if _, dup := seen[rec.RecordID]; dup {
				continue
			}
			seen[rec.RecordID] = struct{}{}

			if filter.ThingName != "" && rec.ThingName != filter.ThingName {
				continue
			}
			if filter.JobID != "" && rec.JobID != filter.JobID {
				continue
			}
			out = append(out, rec)
		}
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// QueryLatestMetrics finds and reads the most recent metrics record.
// Filters by thingName if non-empty.
// Returns the raw record map or ErrNoMetricsFound if none exist.
func QueryLatestMetrics(ctx context.Context, ds lode.Dataset, thingName string) (map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "ota/snapshots")
	}

	// Latest first; snapshots are ordered by creation time.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]

		if !snapshotHasKind(snap, RecordKindMetrics) {
			continue
		}
		if !snapshotMatchesFilter(snap, "thing_name", thingName) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("ota/snapshot/%s", snap.ID))
		}

		// A cumulative snapshot may hold several metrics records; the
		// last one is the newest.
		for j := len(data) - 1; j >= 0; j-- {
			record, ok := data[j].(map[string]any)
			if !ok || record["record_kind"] != RecordKindMetrics {
				continue
			}
			if thingName != "" && toString(record["thing_name"]) != thingName {
				continue
			}
			return record, nil
		}
	}

	return nil, ErrNoMetricsFound
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
