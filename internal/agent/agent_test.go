package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderr"
	"github.com/procherder/agent/internal/registry"
	"github.com/procherder/agent/internal/testrun"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Agent.StateDir = filepath.Join(t.TempDir(), ".process-herder")
	cfg.Agent.WorkspaceRoot = ""
	cfg.Agent.MetricsEnabled = false
	// Keep the crash-grace hold short so recovery tests run quickly.
	cfg.Agent.CrashGraceMs = 200
	return cfg
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func shSpec(name, script string) config.ProcessSpec {
	return config.ProcessSpec{Name: name, Command: "sh", Args: []string{"-c", script}}
}

func TestStartProcessPortReadiness(t *testing.T) {
	// S1: a child that opens a TCP port becomes ready and the port is
	// recorded in inferredPorts.
	a := newTestAgent(t)

	// The probe only cares that the port answers; holding the listener in
	// the test keeps the child portable across environments.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	spec := shSpec("listener", "sleep 30")
	spec.Role = "backend"
	spec.Readiness = &config.ReadinessSpec{Kind: "port", Port: port, TimeoutMs: 8000, IntervalMs: 100}

	res, err := a.StartProcess(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, res.Ready, "lastError: %s", res.LastError)
	assert.False(t, res.ReadyAt.IsZero())

	status := a.GetProcessStatus(res.ID)
	require.True(t, status.Found)
	assert.Contains(t, status.Process.InferredPorts, port)
	assert.Equal(t, registry.StateRunning, status.Process.State)

	_, err = a.StopProcess(context.Background(), res.ID, true, 0)
	require.NoError(t, err)
}

func TestStartProcessSingletonReuse(t *testing.T) {
	// S2: identical {command,args,cwd,role} with singleton reuses the
	// first child.
	a := newTestAgent(t)

	spec := shSpec("sleeper", "sleep 30")
	spec.Role = "utility"
	spec.Singleton = true

	first, err := a.StartProcess(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, first.Reused)

	second, err := a.StartProcess(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PID, second.PID)

	_, err = a.StopProcess(context.Background(), first.ID, true, 0)
	require.NoError(t, err)
}

func TestConcurrentSingletonStarts(t *testing.T) {
	// Property 1: concurrent singleton starts spawn at most one child.
	a := newTestAgent(t)

	spec := shSpec("concurrent", "sleep 30")
	spec.Singleton = true

	const n = 8
	results := make([]StartResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.StartProcess(context.Background(), spec)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	reused := 0
	for _, r := range results {
		assert.Equal(t, results[0].ID, r.ID)
		if r.Reused {
			reused++
		}
	}
	assert.Equal(t, n-1, reused, "exactly one winner")

	_, err := a.StopProcess(context.Background(), results[0].ID, true, 0)
	require.NoError(t, err)
}

func TestStartProcessLogReadinessAndCleanExit(t *testing.T) {
	// S3: log readiness matches, then a zero exit lands as exited, not
	// crashed.
	a := newTestAgent(t)

	spec := shSpec("tests", `echo "TESTS STARTING"; sleep 0.2; echo "ALL TESTS PASSED"`)
	spec.Readiness = &config.ReadinessSpec{Kind: "log", Pattern: "TESTS STARTING", TimeoutMs: 4000}

	res, err := a.StartProcess(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, res.Ready, "lastError: %s", res.LastError)

	require.Eventually(t, func() bool {
		s := a.GetProcessStatus(res.ID)
		return s.Found && s.Process.State == registry.StateExited
	}, 5*time.Second, 50*time.Millisecond)

	s := a.GetProcessStatus(res.ID)
	require.NotNil(t, s.Process.ExitCode)
	assert.Equal(t, 0, *s.Process.ExitCode)
}

func TestCrashClassification(t *testing.T) {
	a := newTestAgent(t)

	res, err := a.StartProcess(context.Background(), shSpec("dies", "exit 3"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := a.GetProcessStatus(res.ID)
		return s.Found && s.Process.State == registry.StateCrashed
	}, 5*time.Second, 50*time.Millisecond)

	s := a.GetProcessStatus(res.ID)
	require.NotNil(t, s.Process.ExitCode)
	assert.Equal(t, 3, *s.Process.ExitCode)
	assert.False(t, s.IsRunning)
}

func TestReadinessTimeoutLeavesProcessRunning(t *testing.T) {
	a := newTestAgent(t)
	port := freePort(t) // nothing listens here

	spec := shSpec("never-ready", "sleep 30")
	spec.Readiness = &config.ReadinessSpec{Kind: "port", Port: port, TimeoutMs: 300, IntervalMs: 50}

	res, err := a.StartProcess(context.Background(), spec)
	require.NoError(t, err, "readiness failure is not an RPC error")
	assert.False(t, res.Ready)
	assert.NotEmpty(t, res.LastError)

	s := a.GetProcessStatus(res.ID)
	assert.True(t, s.IsRunning, "readiness never kills the process")
	assert.True(t, s.Process.ReadyAt.IsZero())

	_, err = a.StopProcess(context.Background(), res.ID, true, 0)
	require.NoError(t, err)
}

func TestStopEscalatesToForce(t *testing.T) {
	a := newTestAgent(t)

	// Traps TERM so the polite signal is ignored.
	res, err := a.StartProcess(context.Background(), shSpec("stubborn", `trap '' TERM; while :; do sleep 1; done`))
	require.NoError(t, err)

	start := time.Now()
	out, err := a.StopProcess(context.Background(), res.ID, false, 300)
	require.NoError(t, err)
	assert.True(t, out.Forced)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStopByName(t *testing.T) {
	a := newTestAgent(t)

	_, err := a.StartProcess(context.Background(), shSpec("named-proc", "sleep 30"))
	require.NoError(t, err)

	out, err := a.StopProcess(context.Background(), "named-proc", true, 0)
	require.NoError(t, err)
	require.NotNil(t, out.ExitCode)
}

func TestStopUnknownProcess(t *testing.T) {
	a := newTestAgent(t)
	_, err := a.StopProcess(context.Background(), "ghost", false, 0)
	assert.True(t, herderr.Is(err, herderr.NotFound))
}

func TestRestartPreservesIdentity(t *testing.T) {
	a := newTestAgent(t)

	res, err := a.StartProcess(context.Background(), shSpec("restartable", "sleep 30"))
	require.NoError(t, err)

	out, err := a.RestartProcess(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, out.ID)
	assert.NotEqual(t, out.OldPID, out.NewPID)

	s := a.GetProcessStatus(res.ID)
	require.True(t, s.Found)
	assert.Equal(t, 1, s.Process.RestartCount)
	assert.Equal(t, out.NewPID, s.Process.PID)
	assert.True(t, s.IsRunning)

	_, err = a.StopProcess(context.Background(), res.ID, true, 0)
	require.NoError(t, err)
}

func TestGetProcessStatusUnknown(t *testing.T) {
	a := newTestAgent(t)
	s := a.GetProcessStatus("nope")
	assert.False(t, s.Found)
	assert.False(t, s.IsRunning)
}

func TestListProcessesFilters(t *testing.T) {
	a := newTestAgent(t)

	backend := shSpec("api", "sleep 30")
	backend.Role = "backend"
	backend.Tags = []string{"web"}
	_, err := a.StartProcess(context.Background(), backend)
	require.NoError(t, err)

	util := shSpec("helper", "sleep 30")
	_, err = a.StartProcess(context.Background(), util)
	require.NoError(t, err)

	assert.Len(t, a.ListProcesses("backend", "", ""), 1)
	assert.Len(t, a.ListProcesses("", "web", ""), 1)
	assert.Len(t, a.ListProcesses("", "", "running"), 2)

	for _, name := range []string{"api", "helper"} {
		_, err = a.StopProcess(context.Background(), name, true, 0)
		require.NoError(t, err)
	}
}

func TestSpawnFailedNotRegistered(t *testing.T) {
	a := newTestAgent(t)

	_, err := a.StartProcess(context.Background(), config.ProcessSpec{
		Name: "missing", Command: "/no/such/binary-xyz",
	})
	assert.True(t, herderr.Is(err, herderr.SpawnFailed))
	assert.Empty(t, a.ListProcesses("", "", ""))
}

func TestStartTask(t *testing.T) {
	a := newTestAgent(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"scripts": {"noop": "true"}}`), 0o644))

	// npm is not available in every test environment; resolve the task but
	// tolerate spawn failure while asserting lookup works.
	res, err := a.StartTask(context.Background(), "noop", dir)
	if err != nil {
		assert.True(t, herderr.Is(err, herderr.SpawnFailed), "unexpected error: %v", err)
		return
	}
	require.Eventually(t, func() bool {
		s := a.GetProcessStatus(res.ID)
		return s.Found && !s.IsRunning
	}, 10*time.Second, 100*time.Millisecond)

	_, err = a.StartTask(context.Background(), "ghost-task", dir)
	assert.True(t, herderr.Is(err, herderr.TaskNotFound))
}

func TestTestRunHappyPathWithRealProcesses(t *testing.T) {
	// S4 shape with sh children: backend opens a port, tests print a
	// marker and exit clean; run completes and the backend is stopped.
	a := newTestAgent(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	spec := testrun.Spec{
		ID: "run-1",
		Backend: &config.ProcessSpec{
			Name: "backend", Command: "sh",
			Args:      []string{"-c", "sleep 60"},
			Readiness: &config.ReadinessSpec{Kind: "port", Port: port, TimeoutMs: 8000, IntervalMs: 100},
		},
		Tests: config.ProcessSpec{
			Name: "tests", Command: "sh",
			Args:      []string{"-c", `echo "TESTS STARTING"; sleep 0.2; exit 0`},
			Readiness: &config.ReadinessSpec{Kind: "log", Pattern: "TESTS STARTING", TimeoutMs: 4000},
		},
		AutoStop: true,
	}

	d, startErr := a.StartTestRun(context.Background(), spec)
	require.NoError(t, startErr)
	assert.Equal(t, testrun.StateStarting, d.State)

	require.Eventually(t, func() bool {
		got, err := a.GetTestRunStatus("run-1")
		return err == nil && got.State == testrun.StateCompleted
	}, 20*time.Second, 100*time.Millisecond)

	// Backend stopped by autoStop.
	require.Eventually(t, func() bool {
		for _, p := range a.ListProcesses("backend", "", "") {
			if p.State == registry.StateRunning {
				return false
			}
		}
		return true
	}, 10*time.Second, 100*time.Millisecond)
}

func TestTestRunAbort(t *testing.T) {
	// S5: abort 500ms in; final state aborted everywhere.
	a := newTestAgent(t)

	spec := testrun.Spec{
		ID:    "run-abort",
		Tests: config.ProcessSpec{Name: "long-tests", Command: "sh", Args: []string{"-c", "sleep 60"}},
	}
	_, err := a.StartTestRun(context.Background(), spec)
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)
	d, err := a.AbortTestRun(context.Background(), "run-abort", nil)
	require.NoError(t, err)
	assert.Equal(t, testrun.StateAborted, d.State)

	got, err := a.GetTestRunStatus("run-abort")
	require.NoError(t, err)
	assert.Equal(t, testrun.StateAborted, got.State)
}

func TestRecoveryRestartBound(t *testing.T) {
	// S6: a child that always exits non-zero, restart strategy with
	// maxAttempts 2 -> exactly two restarts, then RecoveryExhausted.
	a := newTestAgent(t)

	_, err := a.ConfigureRecovery(config.RecoveryStrategy{
		Name: "bounce", Target: "flappy",
		Actions:     []config.Action{{Type: "restart"}},
		MaxAttempts: 2, CooldownMs: 60000, Enabled: true,
	})
	require.NoError(t, err)

	res, err := a.StartProcess(context.Background(), shSpec("flappy", "sleep 0.1; exit 1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := a.GetProcessStatus(res.ID)
		return s.Found && s.Process.RestartCount == 2 && s.Process.State == registry.StateCrashed
	}, 20*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		events := a.StatusEvents("recovery", "", "spent its 2 restarts", 10)
		return len(events) == 1
	}, 10*time.Second, 100*time.Millisecond)

	// Still exactly 2 after the exhaustion event.
	s := a.GetProcessStatus(res.ID)
	assert.Equal(t, 2, s.Process.RestartCount)
}

func TestSnapshotWrittenOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	_, err = a.StartProcess(context.Background(), shSpec("persisted", "sleep 30"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown detaches from the still-running child and persists it.
	require.NoError(t, a.Shutdown(ctx))

	data, err := os.ReadFile(filepath.Join(cfg.Agent.StateDir, "processes.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"persisted"`)

	// A second agent over the same state dir reattaches the survivor.
	b, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, b.Run(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	}()

	procs := b.ListProcesses("", "", "reattached")
	require.Len(t, procs, 1)
	assert.Equal(t, "persisted", procs[0].Name)

	_, err = b.StopProcess(context.Background(), procs[0].ID, true, 0)
	require.NoError(t, err)
}

func TestHealthSummaryIncludesRecoveryStats(t *testing.T) {
	a := newTestAgent(t)

	_, err := a.ConfigureRecovery(config.RecoveryStrategy{
		Name: "watch", Target: "api",
		Actions: []config.Action{{Type: "notify"}},
		Enabled: true,
	})
	require.NoError(t, err)

	summary := a.GetHealthSummary()
	require.Len(t, summary.Recovery, 1)
	assert.Equal(t, "watch", summary.Recovery[0].Strategy)
	assert.Equal(t, 100, summary.AverageScore)
}

func TestStoppedProcessRecordedExitedNotCrashed(t *testing.T) {
	// A polite stop kills the child with a signal (non-zero code), but the
	// termination was requested: it must land as exited, and a matching
	// restart strategy must treat it as intentional and stay quiet.
	a := newTestAgent(t)

	_, err := a.ConfigureRecovery(config.RecoveryStrategy{
		Name: "keep-up", Target: "stoppable",
		Actions:     []config.Action{{Type: "restart"}},
		MaxAttempts: 3, CooldownMs: 60000, Enabled: true,
	})
	require.NoError(t, err)

	res, err := a.StartProcess(context.Background(), shSpec("stoppable", "sleep 30"))
	require.NoError(t, err)

	out, err := a.StopProcess(context.Background(), res.ID, false, 5000)
	require.NoError(t, err)
	require.NotNil(t, out.ExitCode)

	s := a.GetProcessStatus(res.ID)
	require.True(t, s.Found)
	assert.Equal(t, registry.StateExited, s.Process.State)

	// Give recovery time to (wrongly) react; nothing may restart.
	time.Sleep(500 * time.Millisecond)
	s = a.GetProcessStatus(res.ID)
	assert.Equal(t, 0, s.Process.RestartCount)
	assert.Equal(t, registry.StateExited, s.Process.State)
}

func TestExitEventFollowsStateCommit(t *testing.T) {
	// The exit event is published by the serializer after the terminal
	// state is in the registry, so an event observer always finds the
	// state already committed.
	a := newTestAgent(t)

	events, unsubscribe := a.bus.Subscribe(eventbus.Filter{Categories: []eventbus.Category{eventbus.CategorySpawn}})
	defer unsubscribe()

	res, err := a.StartProcess(context.Background(), shSpec("quick-crash", "exit 9"))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "exit" || ev.ProcessID != res.ID {
				continue
			}
			kind, _ := ev.Data["kind"].(string)
			assert.Equal(t, "crashed", kind)
			s := a.GetProcessStatus(res.ID)
			require.True(t, s.Found)
			assert.Equal(t, registry.StateCrashed, s.Process.State,
				"event observed before terminal state was committed")
			return
		case <-deadline:
			t.Fatal("no exit event observed")
		}
	}
}
