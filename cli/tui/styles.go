// Package tui provides Bubble Tea TUI components for the ota CLI.
//
// TUI rules:
//   - TUI is opt-in only (--tui flag)
//   - history and stats views show the same payloads as non-TUI rendering
//   - the run view polls the agent and never drives it
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/ota/types"
)

var (
	primaryColor   = lipgloss.Color("#0EA5E9")
	successColor   = lipgloss.Color("#22C55E")
	warningColor   = lipgloss.Color("#EAB308")
	errorColor     = lipgloss.Color("#F43F5E")
	mutedColor     = lipgloss.Color("#64748B")
	highlightColor = lipgloss.Color("#6366F1")
	textColor      = lipgloss.Color("#F8FAFC")
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	LabelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
	ValueStyle = lipgloss.NewStyle().Foreground(textColor)
	HelpStyle  = lipgloss.NewStyle().Foreground(mutedColor).MarginTop(1)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	// StatBoxStyle frames one counter in the stats view; callers set the
	// border color.
	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2).
			Width(20).
			Align(lipgloss.Center)

	StatLabelStyle = lipgloss.NewStyle().Foreground(mutedColor).Align(lipgloss.Center)
	StatValueStyle = lipgloss.NewStyle().Bold(true).Align(lipgloss.Center)

	BarFullStyle  = lipgloss.NewStyle().Foreground(highlightColor)
	BarEmptyStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// tone groups agent states, job statuses and image states by how they
// should read on screen.
type tone int

const (
	toneNeutral tone = iota
	toneBusy
	toneGood
	toneBad
)

var tones = map[string]tone{
	string(types.StateIdle):            toneNeutral,
	string(types.StateRequestingJob):   toneBusy,
	string(types.StateWaitingForJob):   toneBusy,
	string(types.StateCreatingFile):    toneBusy,
	string(types.StateRequestingBlock): toneBusy,
	string(types.StateWaitingForBlock): toneBusy,
	string(types.StateClosingFile):     toneBusy,
	string(types.StateSelfTest):        toneBusy,
	string(types.StateSuspended):       toneBusy,
	string(types.StateActivated):       toneGood,
	string(types.StateRejected):        toneBad,

	string(types.JobStatusInProgress):    toneBusy,
	string(types.JobStatusSucceeded):     toneGood,
	string(types.JobStatusFailed):        toneBad,
	string(types.JobStatusRejected):      toneBad,
	string(types.JobStatusFailedWithVal): toneBad,

	string(types.ImageStateAccepted): toneGood,
	string(types.ImageStateAborted):  toneBad,
}

// StateStyle returns the style for an agent state, job status or image
// state, given as its string form.
func StateStyle(state string) lipgloss.Style {
	switch tones[state] {
	case toneBusy:
		return lipgloss.NewStyle().Foreground(warningColor)
	case toneGood:
		return lipgloss.NewStyle().Foreground(successColor)
	case toneBad:
		return lipgloss.NewStyle().Foreground(errorColor)
	default:
		return ValueStyle
	}
}
