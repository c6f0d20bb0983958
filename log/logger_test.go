package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/ota/types"
)

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	return entry
}

func TestLogger_IdentityFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&types.AgentMeta{ThingName: "sensor-01", AgentID: "agent-1"}).WithOutput(&buf)

	l.Info("job accepted", map[string]any{"blocks": 4})

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	if entry["thing_name"] != "sensor-01" {
		t.Errorf("thing_name = %v, want sensor-01", entry["thing_name"])
	}
	if entry["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v, want agent-1", entry["agent_id"])
	}
	if entry["message"] != "job accepted" {
		t.Errorf("message = %v", entry["message"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["blocks"] != float64(4) {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_WithJob(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&types.AgentMeta{ThingName: "t", AgentID: "a"}).WithOutput(&buf).WithJob("job-7")

	l.Warn("stall", nil)

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	if entry["job_id"] != "job-7" {
		t.Errorf("job_id = %v, want job-7", entry["job_id"])
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&types.AgentMeta{ThingName: "t", AgentID: "a"}).WithOutput(&buf)
	l.SetLevel(zapcore.WarnLevel)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Error("shown", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
