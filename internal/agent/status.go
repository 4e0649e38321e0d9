package agent

import (
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/hooks"
)

// HookSpec is the RPC-facing shape of a cleanup hook.
type HookSpec struct {
	Name            string `json:"name"`
	Command         string `json:"command"`
	Args            []string `json:"args,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	TimeoutMs       int    `json:"timeoutMs,omitempty"`
	Retry           int    `json:"retry,omitempty"`
	RetryDelayMs    int    `json:"retryDelayMs,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

func (h HookSpec) toHook() hooks.Hook {
	return hooks.Hook{
		Name: h.Name, Command: h.Command, Args: h.Args, Cwd: h.Cwd,
		TimeoutMs: h.TimeoutMs, Retry: h.Retry, RetryDelayMs: h.RetryDelayMs,
		ContinueOnError: h.ContinueOnError,
	}
}

// The agent is the metrics server's StatusSource: everything below returns
// safe copies for the read-only HTTP surface.

// StatusProcesses lists every process snapshot.
func (a *Agent) StatusProcesses() any {
	return a.ListProcesses("", "", "")
}

// StatusHealthSummary returns the aggregate health view.
func (a *Agent) StatusHealthSummary() any {
	return a.GetHealthSummary()
}

// StatusTestRuns lists every retained test run.
func (a *Agent) StatusTestRuns() any {
	return a.ListTestRuns()
}

// StatusEvents queries the event ring.
func (a *Agent) StatusEvents(category, minSeverity, substring string, limit int) []eventbus.Event {
	events := a.bus.Query(eventbus.Query{
		Category:    eventbus.Category(category),
		MinSeverity: eventbus.Severity(minSeverity),
		Substring:   substring,
	})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}
