package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/ota/lode"
)

// HistoryModel is a Bubble Tea model for the status history view.
type HistoryModel struct {
	records  []lode.StatusRecord
	offset   int
	width    int
	height   int
	quitting bool
}

// NewHistoryModel creates a new history model.
func NewHistoryModel(records []lode.StatusRecord) HistoryModel {
	return HistoryModel{records: records, height: 24}
}

// Init implements tea.Model.
func (m HistoryModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m HistoryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.offset = min(m.offset, m.maxOffset())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.offset > 0 {
				m.offset--
			}
		case key.Matches(msg, keys.Down):
			if m.offset < m.maxOffset() {
				m.offset++
			}
		}
	}

	return m, nil
}

// visibleRows is the number of record rows that fit under the title,
// header and help lines.
func (m HistoryModel) visibleRows() int {
	return max(m.height-8, 1)
}

func (m HistoryModel) maxOffset() int {
	return max(len(m.records)-m.visibleRows(), 0)
}

// View implements tea.Model.
func (m HistoryModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Status History"))
	b.WriteString("\n\n")

	if len(m.records) == 0 {
		b.WriteString(LabelStyle.Render("(no records)"))
		b.WriteString("\n")
		return BoxStyle.Render(b.String()) + "\n" + HelpStyle.Render("Press q or Ctrl+C to quit")
	}

	header := fmt.Sprintf("%-20s  %-24s  %-12s  %-26s  %s",
		"TIMESTAMP", "JOB", "STATUS", "REASON", "PROGRESS")
	b.WriteString(LabelStyle.Render(header))
	b.WriteString("\n")

	end := min(m.offset+m.visibleRows(), len(m.records))
	for _, r := range m.records[m.offset:end] {
		b.WriteString(fmt.Sprintf("%-20s  %-24s  %s  %-26s  %s\n",
			ValueStyle.Render(truncate(r.Timestamp, 20)),
			ValueStyle.Render(truncate(r.JobID, 24)),
			StateStyle(r.Status).Render(fmt.Sprintf("%-12s", r.Status)),
			truncate(r.Reason, 26),
			progressText(r.BlocksReceived, r.TotalBlocks)))
	}

	help := fmt.Sprintf("%d-%d of %d  ↑/↓ scroll  q quit", m.offset+1, end, len(m.records))
	return BoxStyle.Render(b.String()) + "\n" + HelpStyle.Render(help)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func progressText(received, total uint32) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", received, total)
}

// RunHistoryTUI runs the history TUI.
func RunHistoryTUI(data any) error {
	records, ok := data.([]lode.StatusRecord)
	if !ok {
		return fmt.Errorf("invalid data type for history: %T", data)
	}
	p := tea.NewProgram(NewHistoryModel(records), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderHistoryStatic renders history without full TUI (for fallback).
func RenderHistoryStatic(records []lode.StatusRecord) string {
	model := NewHistoryModel(records)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
