package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/codewiresh/playwire/internal/supervisor"
)

var (
	styleBrand = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "30", Dark: "45"})
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "240"})
	styleValue = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "0", Dark: "15"})
	styleHint  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "240"}).Italic(true)
	styleURL   = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.AdaptiveColor{Light: "26", Dark: "39"})
	styleError = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "40"})
)

// statusStyle colors a lifecycle state.
func statusStyle(s supervisor.Status) lipgloss.Style {
	switch s {
	case supervisor.StatusRunning:
		return styleOK.Bold(true)
	case supervisor.StatusStarting, supervisor.StatusRestarting:
		return styleWarn.Bold(true)
	case supervisor.StatusError:
		return styleError
	default:
		return styleLabel.Bold(true)
	}
}

// sourceStyle colors a log entry by source.
func sourceStyle(source string) lipgloss.Style {
	switch source {
	case supervisor.SourceError:
		return styleError
	case supervisor.SourceSystem:
		return styleBrand
	default:
		return styleValue
	}
}
