package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StatsModel is a Bubble Tea model for the metrics view. data is a raw
// metrics record as read back from the journal.
type StatsModel struct {
	data     map[string]any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(data map[string]any) StatsModel {
	return StatsModel{data: data}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Agent Statistics"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s   %s %s\n\n",
		LabelStyle.Render("Thing:"), ValueStyle.Render(toString(m.data["thing_name"])),
		LabelStyle.Render("At:"), ValueStyle.Render(toString(m.data["ts"]))))

	b.WriteString(LabelStyle.Render("Jobs"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Started", m.count("jobs_started_total"), highlightColor),
		m.renderStatBox("Succeeded", m.count("jobs_succeeded_total"), successColor),
		m.renderStatBox("Failed", m.count("jobs_failed_total"), errorColor),
		m.renderStatBox("Aborted", m.count("jobs_aborted_total"), warningColor),
	))
	b.WriteString("\n")

	b.WriteString(LabelStyle.Render("Transfer"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Blocks", m.count("blocks_accepted_total"), successColor),
		m.renderStatBox("Duplicate", m.count("blocks_duplicate_total"), mutedColor),
		m.renderStatBox("Rejected", m.count("blocks_rejected_total"), errorColor),
		m.renderStatBox("Requests", m.count("requests_sent_total"), highlightColor),
		m.renderStatBox("Timeouts", m.count("request_timeouts_total"), warningColor),
	))
	b.WriteString("\n")

	b.WriteString(LabelStyle.Render("Journal"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Recorded", m.count("status_recorded_total"), highlightColor),
		m.renderStatBox("Persisted", m.count("status_persisted_total"), successColor),
		m.renderStatBox("Dropped", m.count("status_dropped_total"), warningColor),
		m.renderStatBox("Publish Fail", m.count("status_publish_failures_total"), errorColor),
	))

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return b.String() + "\n" + help
}

func (m StatsModel) count(name string) int64 {
	return toInt64(m.data[name])
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// toInt64 accepts the numeric forms a metrics record takes after a
// JSON or in-memory round trip.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(data any) error {
	record, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid data type for stats: %T", data)
	}
	p := tea.NewProgram(NewStatsModel(record), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(data map[string]any) string {
	model := NewStatsModel(data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
