package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/registry"
	"github.com/procherder/agent/internal/testrun"
)

type tabType int

const (
	tabProcesses tabType = iota
	tabTestRuns
	tabEvents
)

var tabNames = []string{"Processes", "Test Runs", "Events"}

// refreshInterval paces the polling tick.
const refreshInterval = 2 * time.Second

type refreshMsg struct {
	processes []registry.Snapshot
	runs      []testrun.Descriptor
	events    []eventbus.Event
	summary   HealthSummary
	err       error
}

type tickMsg time.Time

// Model is the Bubbletea model for the status dashboard.
type Model struct {
	client    *APIClient
	activeTab tabType
	table     table.Model
	width     int
	height    int
	lastErr   error

	processes []registry.Snapshot
	runs      []testrun.Descriptor
	events    []eventbus.Event
	summary   HealthSummary
}

// NewModel creates the dashboard model.
func NewModel(client *APIClient) Model {
	t := table.New(
		table.WithFocused(true),
		table.WithHeight(15),
	)
	return Model{client: client, table: t}
}

// Init kicks off the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Msg {
	msg := refreshMsg{}
	var err error
	if msg.processes, err = m.client.Processes(); err != nil {
		msg.err = err
	}
	if msg.runs, err = m.client.TestRuns(); err != nil {
		msg.err = err
	}
	if msg.events, err = m.client.Events("", 100); err != nil {
		msg.err = err
	}
	if msg.summary, err = m.client.HealthSummary(); err != nil {
		msg.err = err
	}
	return msg
}

// Update handles key presses and refresh results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "1":
			m.activeTab = tabProcesses
			m.rebuildTable()
		case "2":
			m.activeTab = tabTestRuns
			m.rebuildTable()
		case "3":
			m.activeTab = tabEvents
			m.rebuildTable()
		case "tab":
			m.activeTab = (m.activeTab + 1) % 3
			m.rebuildTable()
		case "r":
			return m, m.refresh
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(maxInt(5, msg.Height-8))
		m.rebuildTable()

	case refreshMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.processes = msg.processes
			m.runs = msg.runs
			m.events = msg.events
			m.summary = msg.summary
		}
		m.rebuildTable()

	case tickMsg:
		return m, tea.Batch(m.refresh, tick())
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (m *Model) rebuildTable() {
	// Drop the previous tab's rows first: the table renders them against
	// the new columns, and a row wider than the columns panics.
	m.table.SetRows(nil)
	switch m.activeTab {
	case tabProcesses:
		m.table.SetColumns([]table.Column{
			{Title: "Name", Width: 20},
			{Title: "Role", Width: 10},
			{Title: "State", Width: 12},
			{Title: "PID", Width: 8},
			{Title: "Restarts", Width: 8},
			{Title: "Ports", Width: 14},
		})
		rows := make([]table.Row, 0, len(m.processes))
		for _, p := range m.processes {
			ports := make([]string, 0, len(p.InferredPorts))
			for _, port := range p.InferredPorts {
				ports = append(ports, strconv.Itoa(port))
			}
			rows = append(rows, table.Row{
				p.Name, p.Role, string(p.State),
				strconv.Itoa(p.PID), strconv.Itoa(p.RestartCount),
				strings.Join(ports, ","),
			})
		}
		m.table.SetRows(rows)

	case tabTestRuns:
		m.table.SetColumns([]table.Column{
			{Title: "ID", Width: 20},
			{Title: "State", Width: 12},
			{Title: "Exit", Width: 6},
			{Title: "Started", Width: 20},
			{Title: "Error", Width: 30},
		})
		rows := make([]table.Row, 0, len(m.runs))
		for _, r := range m.runs {
			exit := ""
			if r.ExitCode != nil {
				exit = strconv.Itoa(*r.ExitCode)
			}
			started := ""
			if !r.StartedAt.IsZero() {
				started = r.StartedAt.Format("15:04:05")
			}
			rows = append(rows, table.Row{r.ID, string(r.State), exit, started, r.Error})
		}
		m.table.SetRows(rows)

	case tabEvents:
		m.table.SetColumns([]table.Column{
			{Title: "Time", Width: 10},
			{Title: "Category", Width: 10},
			{Title: "Type", Width: 16},
			{Title: "Sev", Width: 8},
			{Title: "Message", Width: 44},
		})
		rows := make([]table.Row, 0, len(m.events))
		for i := len(m.events) - 1; i >= 0; i-- { // newest first
			e := m.events[i]
			rows = append(rows, table.Row{
				e.At.Format("15:04:05"), string(e.Category), e.Type,
				string(e.Severity), e.Message,
			})
		}
		m.table.SetRows(rows)
	}
}

// View renders tabs, summary line, table, and status bar.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("process-herder"))
	b.WriteString("  ")
	for i, name := range tabNames {
		if tabType(i) == m.activeTab {
			b.WriteString(activeTabStyle.Render(fmt.Sprintf("%d %s", i+1, name)))
		} else {
			b.WriteString(inactiveTabStyle.Render(fmt.Sprintf("%d %s", i+1, name)))
		}
	}
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%d live / %d total   score %s   load %.2f   mem %.0f%%\n\n",
		m.summary.LiveProcesses, m.summary.TotalProcesses,
		formatScore(m.summary.AverageScore),
		m.summary.System.Load1, m.summary.System.MemUsedPct))

	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(errorStyle.Render("error: " + m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(statusBarStyle.Render("tab/1-3 switch · r refresh · q quit"))
	return b.String()
}
