package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the dashboard against the status API at addr and blocks until
// the user quits.
func Run(addr string) error {
	client := NewAPIClient(addr)
	if _, err := client.HealthSummary(); err != nil {
		return fmt.Errorf("no agent status API at %s (is the agent running with metrics enabled?): %w", addr, err)
	}

	p := tea.NewProgram(NewModel(client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run status dashboard: %w", err)
	}
	return nil
}
