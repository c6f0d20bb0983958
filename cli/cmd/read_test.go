package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/ota/lode"
	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/types"
)

func writeJobDoc(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{
			name: "valid document",
			args: []string{"--format", "json", writeJobDoc(t, e2eJobDocument("https://updates.example.com/fw.bin"))},
		},
		{
			name: "no pending job",
			args: []string{writeJobDoc(t, `{"clientToken":"tok-1","timestamp":1700000000}`)},
		},
		{
			name:     "invalid document",
			args:     []string{writeJobDoc(t, `{"execution":{"jobId":7}}`)},
			wantCode: 1,
			wantErr:  "invalid job document",
		},
		{
			name:     "missing argument",
			wantCode: 1,
			wantErr:  "exactly one job document",
		},
		{
			name:     "unreadable file",
			args:     []string{filepath.Join(t.TempDir(), "missing.json")},
			wantCode: 1,
			wantErr:  "failed to read job document",
		},
		{
			name:     "tui unsupported",
			args:     []string{"--tui", "doc.json"},
			wantCode: 1,
			wantErr:  "--tui is not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestApp().Run(append([]string{"ota", "parse"}, tt.args...))
			if code := exitCode(err); code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (err %v)", code, tt.wantCode, err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestReplayAction(t *testing.T) {
	fixture := filepath.Join("..", "..", "trace", "testdata", "lsb_transfer.trace")

	if err := newTestApp().Run([]string{"ota", "replay", "--format", "json", fixture}); exitCode(err) != 0 {
		t.Fatalf("replay of recorded transfer failed: %v", err)
	}

	err := newTestApp().Run([]string{"ota", "replay", filepath.Join(t.TempDir(), "missing.trace")})
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "failed to open trace") {
		t.Errorf("missing trace: err = %v", err)
	}

	err = newTestApp().Run([]string{"ota", "replay", "--cert-dir", t.TempDir(), fixture})
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "--cert-dir requires --platform-root") {
		t.Errorf("cert-dir without root: err = %v", err)
	}
}

// seedJournal writes two status updates and one metrics record for dev-1.
func seedJournal(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	client, err := lode.NewLodeClient(lode.Config{
		Dataset:   lode.DefaultDataset,
		ThingName: "dev-1",
		AgentID:   "agent-1",
	}, dir)
	if err != nil {
		t.Fatalf("NewLodeClient: %v", err)
	}

	now := time.Now().UTC()
	updates := []*types.StatusUpdate{
		{ThingName: "dev-1", JobID: "job-a", Status: types.JobStatusInProgress, Reason: types.ReasonReceiving, BlocksReceived: 1, TotalBlocks: 4, Timestamp: now.Format(time.RFC3339)},
		{ThingName: "dev-1", JobID: "job-a", Status: types.JobStatusSucceeded, Reason: types.ReasonAccepted, BlocksReceived: 4, TotalBlocks: 4, Timestamp: now.Format(time.RFC3339)},
	}
	if err := client.WriteStatus(t.Context(), updates); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	snap := metrics.Snapshot{JobsStarted: 1, JobsSucceeded: 1, ThingName: "dev-1", AgentID: "agent-1", Transport: "local", StorageBackend: "fs"}
	if err := client.WriteMetrics(t.Context(), snap, now); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	return dir
}

func TestHistoryAction(t *testing.T) {
	dir := seedJournal(t)

	err := newTestApp().Run([]string{"ota", "history",
		"--format", "json",
		"--storage-backend", "fs",
		"--storage-path", dir,
		"--thing-name", "dev-1",
		"--job-id", "job-a",
		"--limit", "1",
	})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	err = newTestApp().Run([]string{"ota", "history", "--thing-name", "dev-1"})
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "both --storage-backend and --storage-path") {
		t.Errorf("missing storage: err = %v", err)
	}

	err = newTestApp().Run([]string{"ota", "history", "--storage-backend", "fs", "--storage-path", dir, "--limit", "-1"})
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "--limit must be >= 0") {
		t.Errorf("negative limit: err = %v", err)
	}
}

func TestStatsAction(t *testing.T) {
	dir := seedJournal(t)

	err := newTestApp().Run([]string{"ota", "stats",
		"--format", "yaml",
		"--storage-backend", "fs",
		"--storage-path", dir,
		"--thing-name", "dev-1",
	})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}

	err = newTestApp().Run([]string{"ota", "stats",
		"--storage-backend", "fs",
		"--storage-path", dir,
		"--thing-name", "dev-2",
	})
	if exitCode(err) != 1 || !strings.Contains(err.Error(), "no metrics recorded yet") {
		t.Errorf("unknown thing: err = %v", err)
	}
}

func TestStatsAction_ConfigSuppliesStorage(t *testing.T) {
	dir := seedJournal(t)
	cfgPath := filepath.Join(t.TempDir(), "ota.yaml")
	cfg := "thing_name: dev-1\nstorage:\n  backend: fs\n  path: " + dir + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := newTestApp().Run([]string{"ota", "stats", "--format", "json", "--config", cfgPath}); err != nil {
		t.Fatalf("stats with config failed: %v", err)
	}
}

func TestVersionAction(t *testing.T) {
	if err := newTestApp().Run([]string{"ota", "version", "--format", "json"}); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	err := newTestApp().Run([]string{"ota", "version", "--tui"})
	if exitCode(err) != 1 {
		t.Errorf("version --tui: err = %v", err)
	}
}
