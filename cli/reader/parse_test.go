package reader

import (
	"strings"
	"testing"
)

func TestParseMetricsRecord(t *testing.T) {
	// JSON round-trips turn counters into float64.
	record := map[string]any{
		"record_kind":                   "metrics",
		"ts":                            "2026-03-01T12:00:00Z",
		"thing_name":                    "dev-1",
		"agent_id":                      "agent-1",
		"jobs_started_total":            float64(3),
		"jobs_succeeded_total":          float64(2),
		"jobs_failed_total":             float64(1),
		"blocks_accepted_total":         float64(128),
		"blocks_duplicate_total":        int64(4),
		"requests_sent_total":           float64(40),
		"status_dropped_total":          float64(2),
		"status_publish_failures_total": float64(1),
		"rejected_by_result":            map[string]any{"bad_offset": float64(2)},
		"dropped_by_reason":             map[string]int64{"receiving": 2},
		"transport":                     "redis",
		"storage_backend":               "s3",
	}

	parsed, err := ParseMetricsRecord(record)
	if err != nil {
		t.Fatalf("ParseMetricsRecord failed: %v", err)
	}

	if parsed.Ts != "2026-03-01T12:00:00Z" {
		t.Errorf("Ts = %q", parsed.Ts)
	}
	if parsed.JobsStarted != 3 || parsed.JobsSucceeded != 2 || parsed.JobsFailed != 1 {
		t.Errorf("jobs = %d/%d/%d, want 3/2/1", parsed.JobsStarted, parsed.JobsSucceeded, parsed.JobsFailed)
	}
	if parsed.BlocksAccepted != 128 {
		t.Errorf("BlocksAccepted = %d, want 128", parsed.BlocksAccepted)
	}
	if parsed.BlocksDuplicate != 4 {
		t.Errorf("BlocksDuplicate = %d, want 4", parsed.BlocksDuplicate)
	}
	if parsed.StatusPublishFailures != 1 {
		t.Errorf("StatusPublishFailures = %d, want 1", parsed.StatusPublishFailures)
	}
	if parsed.RejectedByResult["bad_offset"] != 2 {
		t.Errorf("RejectedByResult = %v", parsed.RejectedByResult)
	}
	if parsed.DroppedByReason["receiving"] != 2 {
		t.Errorf("DroppedByReason = %v", parsed.DroppedByReason)
	}
	if parsed.StorageBackend != "s3" {
		t.Errorf("StorageBackend = %q, want s3", parsed.StorageBackend)
	}
}

func TestParseMetricsRecord_Errors(t *testing.T) {
	tests := []struct {
		name    string
		record  map[string]any
		wantErr string
	}{
		{"nil record", nil, "nil record"},
		{"missing ts", map[string]any{"thing_name": "dev-1"}, "ts"},
		{"missing thing_name", map[string]any{"ts": "2026-03-01T12:00:00Z"}, "thing_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMetricsRecord(tt.record)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseCounts_Empty(t *testing.T) {
	if got := parseCounts(map[string]any{}); got != nil {
		t.Errorf("parseCounts(empty) = %v, want nil", got)
	}
	if got := parseCounts("nope"); got != nil {
		t.Errorf("parseCounts(string) = %v, want nil", got)
	}
}
