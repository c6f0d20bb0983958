package reader

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/ota/lode"
)

// ParseMetricsRecord converts a journal metrics record to a MetricsSnapshot.
// Handles both int64 (direct writes) and float64 (JSON round-trips) for numeric fields.
func ParseMetricsRecord(record map[string]any) (*MetricsSnapshot, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}

	snap := &MetricsSnapshot{
		Ts:        toString(record["ts"]),
		ThingName: toString(record["thing_name"]),
		AgentID:   toString(record["agent_id"]),

		JobsStarted:   toInt64(record["jobs_started_total"]),
		JobsSucceeded: toInt64(record["jobs_succeeded_total"]),
		JobsFailed:    toInt64(record["jobs_failed_total"]),
		JobsAborted:   toInt64(record["jobs_aborted_total"]),

		BlocksAccepted:  toInt64(record["blocks_accepted_total"]),
		BlocksDuplicate: toInt64(record["blocks_duplicate_total"]),
		BlocksRejected:  toInt64(record["blocks_rejected_total"]),
		RequestsSent:    toInt64(record["requests_sent_total"]),
		RequestTimeouts: toInt64(record["request_timeouts_total"]),

		EventsReceived: toInt64(record["events_received_total"]),
		EventsDropped:  toInt64(record["events_dropped_total"]),

		StatusRecorded:        toInt64(record["status_recorded_total"]),
		StatusPersisted:       toInt64(record["status_persisted_total"]),
		StatusDropped:         toInt64(record["status_dropped_total"]),
		StatusPublishFailures: toInt64(record["status_publish_failures_total"]),
		JournalWriteSuccess:   toInt64(record["journal_write_success_total"]),
		JournalWriteFailure:   toInt64(record["journal_write_failure_total"]),

		RejectedByResult: parseCounts(record["rejected_by_result"]),
		DroppedByReason:  parseCounts(record["dropped_by_reason"]),

		Transport:      toString(record["transport"]),
		StorageBackend: toString(record["storage_backend"]),
	}

	// The write path always sets these; missing values mean a malformed record.
	if snap.Ts == "" {
		return nil, errors.New("metrics record missing required field: ts")
	}
	if snap.ThingName == "" {
		return nil, errors.New("metrics record missing required field: thing_name")
	}

	return snap, nil
}

// HistoryItems converts journal status records for display.
func HistoryItems(records []lode.StatusRecord) []HistoryItem {
	out := make([]HistoryItem, 0, len(records))
	for _, r := range records {
		out = append(out, HistoryItem{
			Timestamp: r.Timestamp,
			AgentID:   r.AgentID,
			JobID:     r.JobID,
			Status:    r.Status,
			Reason:    r.Reason,
			Progress:  progress(r.BlocksReceived, r.TotalBlocks),
			Detail:    r.Detail,
		})
	}
	return out
}

func progress(received, total uint32) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", received, total)
}

// toInt64 converts a value to int64, handling float64 from JSON and int64 from direct writes.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// parseCounts converts a per-key counter map from record format.
// Handles both map[string]int64 (direct) and map[string]any (JSON round-trip).
func parseCounts(v any) map[string]int64 {
	switch m := v.(type) {
	case map[string]int64:
		if len(m) == 0 {
			return nil
		}
		return m
	case map[string]any:
		if len(m) == 0 {
			return nil
		}
		result := make(map[string]int64, len(m))
		for k, val := range m {
			result[k] = toInt64(val)
		}
		return result
	default:
		return nil
	}
}
