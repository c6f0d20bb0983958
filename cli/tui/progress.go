package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/ota/metrics"
)

// ProgressSnapshot is one poll of a running agent.
type ProgressSnapshot struct {
	State          string
	JobID          string
	BlocksReceived uint32
	TotalBlocks    uint32
	Stats          metrics.Snapshot
}

// Fraction returns transfer completion in [0, 1].
func (s ProgressSnapshot) Fraction() float64 {
	if s.TotalBlocks == 0 {
		return 0
	}
	return min(float64(s.BlocksReceived)/float64(s.TotalBlocks), 1)
}

type tickMsg time.Time

// ProgressModel polls a running agent and draws its transfer state.
type ProgressModel struct {
	poll     func() ProgressSnapshot
	interval time.Duration
	snap     ProgressSnapshot
	width    int
	quitting bool
}

// NewProgressModel creates a progress model polling every interval.
func NewProgressModel(poll func() ProgressSnapshot, interval time.Duration) ProgressModel {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return ProgressModel{poll: poll, interval: interval, snap: poll(), width: 80}
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.tick()
}

func (m ProgressModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.snap = m.poll()
		if m.snap.State == "stopped" {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.tick()
	}

	return m, nil
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	if m.quitting {
		return ""
	}

	s := m.snap
	var b strings.Builder
	b.WriteString(TitleStyle.Render("OTA Agent"))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("State:"), StateStyle(s.State).Render(s.State)))
	job := s.JobID
	if job == "" {
		job = "-"
	}
	b.WriteString(fmt.Sprintf("%s %s\n\n", LabelStyle.Render("Job:"), ValueStyle.Render(job)))

	barWidth := max(min(m.width-24, 50), 10)
	b.WriteString(RenderBar(s.Fraction(), barWidth))
	b.WriteString(fmt.Sprintf("  %s\n\n", ValueStyle.Render(fmt.Sprintf("%d/%d blocks", s.BlocksReceived, s.TotalBlocks))))

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Requests", s.Stats.RequestsSent, highlightColor),
		statBox("Timeouts", s.Stats.RequestTimeouts, warningColor),
		statBox("Duplicate", s.Stats.BlocksDuplicate, mutedColor),
		statBox("Dropped", s.Stats.EventsDropped, errorColor),
	))

	help := HelpStyle.Render("Press q or Ctrl+C to stop the agent")
	return BoxStyle.Render(b.String()) + "\n" + help
}

// RenderBar draws a fixed-width progress bar for fraction f.
func RenderBar(f float64, width int) string {
	f = max(min(f, 1), 0)
	full := int(f * float64(width))
	return BarFullStyle.Render(strings.Repeat("█", full)) +
		BarEmptyStyle.Render(strings.Repeat("░", width-full)) +
		fmt.Sprintf(" %3.0f%%", f*100)
}

func statBox(label string, value int64, color lipgloss.Color) string {
	return StatsModel{}.renderStatBox(label, value, color)
}

// RunProgressTUI shows live agent progress until the user quits, the agent
// reports stopped or ctx is canceled.
func RunProgressTUI(ctx context.Context, poll func() ProgressSnapshot, interval time.Duration) error {
	p := tea.NewProgram(NewProgressModel(poll, interval), tea.WithAltScreen())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-done:
		}
	}()

	_, err := p.Run()
	return err
}
