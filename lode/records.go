package lode

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/types"
)

// RecordKind discriminator values. record_kind is also a partition key.
const (
	RecordKindStatus  = "status"
	RecordKindMetrics = "metrics"
)

// StatusRecord is the storage format for one status update.
type StatusRecord struct {
	RecordKind string `json:"record_kind" yaml:"-"`
	// RecordID is unique per record; readers dedupe on it.
	RecordID string `json:"record_id" yaml:"record_id"`
	// Seq orders records written by one client.
	Seq int64 `json:"seq" yaml:"seq"`

	WireVersion    string `json:"wire_version" yaml:"wire_version"`
	ThingName      string `json:"thing_name" yaml:"thing_name"`
	AgentID        string `json:"agent_id" yaml:"agent_id"`
	JobID          string `json:"job_id" yaml:"job_id"`
	ClientToken    string `json:"client_token" yaml:"client_token"`
	Status         string `json:"status" yaml:"status"`
	Reason         string `json:"reason" yaml:"reason"`
	Detail         string `json:"detail,omitempty" yaml:"detail,omitempty"`
	BlocksReceived uint32 `json:"blocks_received" yaml:"blocks_received"`
	TotalBlocks    uint32 `json:"total_blocks" yaml:"total_blocks"`
	Timestamp      string `json:"timestamp" yaml:"timestamp"`

	Day string `json:"day" yaml:"day"`
}

// recordDay returns the partition day of an RFC 3339 timestamp, or
// fallback when it does not parse.
func recordDay(ts, fallback string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fallback
	}
	return DeriveDay(t)
}

// toStatusRecordMap converts a StatusUpdate to a map for Lode storage.
// Lode HiveLayout requires records as map[string]any.
func toStatusRecordMap(u *types.StatusUpdate, seq int64, recordID string, cfg Config) map[string]any {
	m := map[string]any{
		"record_kind":     RecordKindStatus,
		"record_id":       recordID,
		"seq":             seq,
		"wire_version":    u.WireVersion,
		"thing_name":      cfg.ThingName,
		"agent_id":        cfg.AgentID,
		"job_id":          u.JobID,
		"client_token":    u.ClientToken,
		"status":          string(u.Status),
		"reason":          string(u.Reason),
		"blocks_received": u.BlocksReceived,
		"total_blocks":    u.TotalBlocks,
		"timestamp":       u.Timestamp,
		"day":             recordDay(u.Timestamp, cfg.Day),
	}
	if u.Detail != "" {
		m["detail"] = u.Detail
	}
	if u.ThingName != "" {
		m["thing_name"] = u.ThingName
	}
	return m
}

// decodeStatusRecord converts a record read back from Lode. Numbers come
// back as float64 from the JSONL codec, so the map is re-encoded into the
// typed struct.
func decodeStatusRecord(m map[string]any) (StatusRecord, error) {
	var rec StatusRecord
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(m)
	if err != nil {
		return rec, err
	}
	err = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &rec)
	return rec, err
}

// toMetricsRecordMap converts a metrics snapshot to a map for storage.
// Counter keys carry a _total suffix.
func toMetricsRecordMap(snap metrics.Snapshot, at time.Time, cfg Config) map[string]any {
	m := map[string]any{
		"record_kind": RecordKindMetrics,
		"ts":          at.UTC().Format(time.RFC3339),
		"day":         DeriveDay(at),
		"thing_name":  cfg.ThingName,
		"agent_id":    cfg.AgentID,

		"events_received_total":  snap.EventsReceived,
		"events_queued_total":    snap.EventsQueued,
		"events_processed_total": snap.EventsProcessed,
		"events_dropped_total":   snap.EventsDropped,

		"blocks_accepted_total":  snap.BlocksAccepted,
		"blocks_duplicate_total": snap.BlocksDuplicate,
		"blocks_rejected_total":  snap.BlocksRejected,
		"rejected_by_result":     countsOrEmpty(snap.RejectedByResult),

		"requests_sent_total":    snap.RequestsSent,
		"request_timeouts_total": snap.RequestTimeouts,

		"jobs_started_total":   snap.JobsStarted,
		"jobs_succeeded_total": snap.JobsSucceeded,
		"jobs_failed_total":    snap.JobsFailed,
		"jobs_aborted_total":   snap.JobsAborted,

		"status_publish_failures_total": snap.StatusPublishFailures,
		"journal_write_success_total":   snap.JournalWriteSuccess,
		"journal_write_failure_total":   snap.JournalWriteFailure,

		"status_recorded_total":  snap.StatusRecorded,
		"status_persisted_total": snap.StatusPersisted,
		"status_dropped_total":   snap.StatusDropped,
		"dropped_by_reason":      countsOrEmpty(snap.DroppedByReason),

		"transport":       snap.Transport,
		"storage_backend": snap.StorageBackend,
	}
	if snap.FlushTriggers != nil {
		m["flush_triggers"] = snap.FlushTriggers
	}
	if snap.ThingName != "" {
		m["thing_name"] = snap.ThingName
	}
	if snap.AgentID != "" {
		m["agent_id"] = snap.AgentID
	}
	return m
}

func countsOrEmpty(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
