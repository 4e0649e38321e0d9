package tui

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#00FF00")
	errorColor   = lipgloss.Color("#FF0000")
	warnColor    = lipgloss.Color("#FFA500")
	dimColor     = lipgloss.Color("#666666")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(dimColor).
				Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(dimColor)
)

// formatState colors a process state the way operators scan for it.
func formatState(state string) string {
	switch state {
	case "running", "ready", "reattached":
		return successStyle.Render(state)
	case "starting", "exiting":
		return warnStyle.Render(state)
	case "crashed", "failed":
		return errorStyle.Render(state)
	case "exited", "completed", "aborted":
		return dimStyle.Render(state)
	default:
		return state
	}
}

// formatScore colors a health score by band.
func formatScore(score int) string {
	s := strconv.Itoa(score)
	switch {
	case score >= 80:
		return successStyle.Render(s)
	case score >= 60:
		return warnStyle.Render(s)
	default:
		return errorStyle.Render(s)
	}
}
