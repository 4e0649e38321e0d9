package agent

import (
	"context"
	"time"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/health"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/recovery"
	"github.com/procherder/agent/internal/registry"
	"github.com/procherder/agent/internal/testrun"
)

// --- testrun.ProcessControl ---

// Start adapts StartProcess for the test-run orchestrator.
func (a *Agent) Start(ctx context.Context, spec config.ProcessSpec) (testrun.StartResult, error) {
	res, err := a.StartProcess(ctx, spec)
	if err != nil {
		return testrun.StartResult{}, err
	}
	return testrun.StartResult{
		ID: res.ID, PID: res.PID, Reused: res.Reused,
		Ready: res.Ready, ReadyAt: res.ReadyAt, Err: res.LastError,
	}, nil
}

// Stop adapts StopProcess for the test-run orchestrator.
func (a *Agent) Stop(ctx context.Context, id string, force bool, graceMs int) error {
	_, err := a.StopProcess(ctx, id, force, graceMs)
	return err
}

// WaitExit blocks until the process exits and returns its exit code.
func (a *Agent) WaitExit(ctx context.Context, id string) (int, error) {
	a.mu.Lock()
	handle := a.handles[id]
	a.mu.Unlock()

	if handle != nil {
		select {
		case <-handle.recorded:
			// The exit watcher has committed the terminal state, so callers
			// observing the code never race the registry write.
			return handle.Outcome().ExitCode, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	// Reattached process: poll the registry.
	p, err := a.resolve(id)
	if err != nil {
		return -1, err
	}
	for {
		snap := p.Snapshot()
		switch snap.State {
		case registry.StateExited, registry.StateCrashed:
			if snap.ExitCode != nil {
				return *snap.ExitCode, nil
			}
			return -1, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-a.clock.After(250 * time.Millisecond):
		}
	}
}

// --- recovery.Executor ---

// Restart implements the recovery restart action, preserving id and
// incrementing restartCount.
func (a *Agent) Restart(ctx context.Context, id string) error {
	_, err := a.RestartProcess(ctx, id)
	return err
}

// Kill implements the recovery kill action.
func (a *Agent) Kill(ctx context.Context, id string) error {
	_, err := a.StopProcess(ctx, id, true, 0)
	return err
}

// --- test run operations ---

// StartTestRun registers and launches a test run.
func (a *Agent) StartTestRun(ctx context.Context, spec testrun.Spec) (testrun.Descriptor, error) {
	return a.testRuns.Start(ctx, spec)
}

// GetTestRunStatus returns one run's descriptor.
func (a *Agent) GetTestRunStatus(id string) (testrun.Descriptor, error) {
	return a.testRuns.Get(id)
}

// AbortTestRun drives a run to aborted; terminal runs are returned
// unchanged.
func (a *Agent) AbortTestRun(ctx context.Context, id string, keepBackends *bool) (testrun.Descriptor, error) {
	return a.testRuns.Abort(ctx, id, keepBackends)
}

// ListTestRuns returns every retained run.
func (a *Agent) ListTestRuns() []testrun.Descriptor {
	return a.testRuns.List()
}

// --- recovery / health operations ---

// ConfigureRecovery stores a strategy.
func (a *Agent) ConfigureRecovery(s config.RecoveryStrategy) (config.RecoveryStrategy, error) {
	if err := a.recovery.Configure(s); err != nil {
		return config.RecoveryStrategy{}, err
	}
	for _, stored := range a.recovery.Strategies() {
		if stored.Name == s.Name {
			return stored, nil
		}
	}
	return s, nil
}

// RegisterCleanupHook attaches a cleanup command to a process name or tag
// for recovery's cleanup action.
func (a *Agent) RegisterCleanupHook(target string, hook HookSpec) {
	a.hooks.Register(target, hook.toHook())
}

// HealthSummary is the get-health-summary payload.
type HealthSummary struct {
	health.Summary
	Recovery []recovery.Stats `json:"recoveryStats"`
}

// GetHealthSummary aggregates health and recovery state.
func (a *Agent) GetHealthSummary() HealthSummary {
	return HealthSummary{
		Summary:  a.monitor.Summarize(),
		Recovery: a.recovery.StatsSnapshot(),
	}
}

// ProcessStatus is the get-process-status payload. IsRunning is false with
// everything else zeroed for unknown references.
type ProcessStatus struct {
	IsRunning bool                  `json:"isRunning"`
	Found     bool                  `json:"found"`
	Process   *registry.Snapshot    `json:"process,omitempty"`
	Health    []health.Sample       `json:"health,omitempty"`
	Logs      []herderlog.LogEntry  `json:"logs,omitempty"`
}

// GetProcessStatus returns a descriptor plus recent health samples and
// logs.
func (a *Agent) GetProcessStatus(ref string) ProcessStatus {
	p, err := a.resolve(ref)
	if err != nil {
		return ProcessStatus{}
	}
	snap := p.Snapshot()

	status := ProcessStatus{Found: true, Process: &snap}
	switch snap.State {
	case registry.StateStarting, registry.StateReady, registry.StateRunning, registry.StateReattached:
		status.IsRunning = true
	}
	status.Health = a.monitor.Window(snap.ID, 2*time.Minute)
	status.Logs = p.Logs(50)
	return status
}

// QueryEvents exposes the event ring for RPC and status queries.
func (a *Agent) QueryEvents(q eventbus.Query) []eventbus.Event {
	return a.bus.Query(q)
}
