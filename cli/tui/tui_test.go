package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/ota/lode"
	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/types"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{"history", true},
		{"stats", true},

		// Not supported
		{"parse", false},
		{"replay", false},
		{"version", false},
		{"run", false},
		{"unknown", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			got := IsTUISupported(tt.viewType)
			if got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestSupportedTUIViews(t *testing.T) {
	views := SupportedTUIViews()
	if len(views) != 2 {
		t.Errorf("SupportedTUIViews() returned %d views, expected 2", len(views))
	}
	for _, v := range views {
		if !IsTUISupported(v) {
			t.Errorf("SupportedTUIViews() returned %q but IsTUISupported returns false", v)
		}
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("parse", nil); err == nil {
		t.Error("Expected error for unsupported view type")
	}
}

func TestRun_InvalidDataType(t *testing.T) {
	if err := RunHistoryTUI("not records"); err == nil {
		t.Error("Expected error for history with wrong data type")
	}
	if err := RunStatsTUI([]int{1}); err == nil {
		t.Error("Expected error for stats with wrong data type")
	}
}

func TestRenderHistoryStatic(t *testing.T) {
	records := []lode.StatusRecord{
		{JobID: "AFR_OTA-update-42", Status: "IN_PROGRESS", Reason: "receiving", BlocksReceived: 2, TotalBlocks: 4, Timestamp: "2026-01-02T03:04:05Z"},
		{JobID: "AFR_OTA-update-42", Status: "SUCCEEDED", Reason: "accepted", Timestamp: "2026-01-02T03:05:00Z"},
	}
	out := RenderHistoryStatic(records)
	for _, want := range []string{"Status History", "AFR_OTA-update-42", "receiving", "2/4", "SUCCEEDED"} {
		if !strings.Contains(out, want) {
			t.Errorf("history view missing %q", want)
		}
	}
}

func TestRenderHistoryStatic_Empty(t *testing.T) {
	if out := RenderHistoryStatic(nil); !strings.Contains(out, "no records") {
		t.Errorf("empty history view = %q", out)
	}
}

func TestHistoryModel_Scroll(t *testing.T) {
	records := make([]lode.StatusRecord, 40)
	m := NewHistoryModel(records)
	m.height = 18 // 10 visible rows

	down := tea.KeyMsg{Type: tea.KeyDown}
	for range 50 {
		next, _ := m.Update(down)
		m = next.(HistoryModel)
	}
	if m.offset != 30 {
		t.Errorf("offset = %d, want 30", m.offset)
	}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyUp})
	if got := next.(HistoryModel).offset; got != 29 {
		t.Errorf("offset after up = %d, want 29", got)
	}
}

func TestRenderStatsStatic(t *testing.T) {
	record := map[string]any{
		"thing_name":             "thing-1",
		"jobs_started_total":     float64(3),
		"jobs_succeeded_total":   int64(2),
		"blocks_accepted_total":  float64(128),
		"request_timeouts_total": 7,
	}
	out := RenderStatsStatic(record)
	for _, want := range []string{"thing-1", "Succeeded", "128", "Timeouts"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats view missing %q", want)
		}
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{int64(5), 5},
		{5, 5},
		{float64(5), 5},
		{uint32(5), 5},
		{"5", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := toInt64(tt.in); got != tt.want {
			t.Errorf("toInt64(%#v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		f    float64
		full int
		pct  string
	}{
		{0, 0, "0%"},
		{0.5, 10, "50%"},
		{1, 20, "100%"},
		{1.7, 20, "100%"},
		{-1, 0, "0%"},
	}
	for _, tt := range tests {
		out := RenderBar(tt.f, 20)
		if got := strings.Count(out, "█"); got != tt.full {
			t.Errorf("RenderBar(%v) full cells = %d, want %d", tt.f, got, tt.full)
		}
		if got := strings.Count(out, "░"); got != 20-tt.full {
			t.Errorf("RenderBar(%v) empty cells = %d, want %d", tt.f, got, 20-tt.full)
		}
		if !strings.Contains(out, tt.pct) {
			t.Errorf("RenderBar(%v) = %q, missing %q", tt.f, out, tt.pct)
		}
	}
}

func TestProgressModel_QuitsWhenStopped(t *testing.T) {
	state := "waiting_for_block"
	poll := func() ProgressSnapshot {
		return ProgressSnapshot{State: state, JobID: "job-1", BlocksReceived: 3, TotalBlocks: 4, Stats: metrics.Snapshot{RequestsSent: 2}}
	}
	m := NewProgressModel(poll, 0)

	if f := m.snap.Fraction(); f != 0.75 {
		t.Errorf("Fraction() = %v, want 0.75", f)
	}
	if !strings.Contains(m.View(), "3/4 blocks") {
		t.Error("progress view missing block counts")
	}

	next, cmd := m.Update(tickMsg{})
	if cmd == nil || next.(ProgressModel).quitting {
		t.Fatal("expected another tick while the agent runs")
	}

	state = "stopped"
	next, cmd = next.Update(tickMsg{})
	if !next.(ProgressModel).quitting || cmd == nil {
		t.Error("expected quit once the agent stopped")
	}
}

func TestProgressSnapshot_FractionNoTransfer(t *testing.T) {
	if f := (ProgressSnapshot{}).Fraction(); f != 0 {
		t.Errorf("Fraction() = %v, want 0", f)
	}
}

func TestStateTones(t *testing.T) {
	tests := []struct {
		state string
		want  tone
	}{
		{string(types.StateIdle), toneNeutral},
		{string(types.StateWaitingForBlock), toneBusy},
		{string(types.StateSelfTest), toneBusy},
		{string(types.StateActivated), toneGood},
		{string(types.StateRejected), toneBad},
		{string(types.JobStatusInProgress), toneBusy},
		{string(types.JobStatusSucceeded), toneGood},
		{string(types.JobStatusFailedWithVal), toneBad},
		{"something-else", toneNeutral},
	}

	for _, tt := range tests {
		if got := tones[tt.state]; got != tt.want {
			t.Errorf("tone(%q) = %d, want %d", tt.state, got, tt.want)
		}
	}
}
