package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/health"
	"github.com/procherder/agent/internal/herdertime"
	"github.com/procherder/agent/internal/hooks"
	"github.com/procherder/agent/internal/registry"
)

type fakeExecutor struct {
	mu       sync.Mutex
	restarts []string
	kills    []string
	fail     bool
}

func (f *fakeExecutor) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.restarts = append(f.restarts, id)
	return nil
}

func (f *fakeExecutor) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
	return nil
}

func (f *fakeExecutor) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

func newTestController(t *testing.T) (*Controller, *fakeExecutor, *registry.Registry, *eventbus.Bus, *health.Monitor) {
	t.Helper()
	reg := registry.New()
	bus := eventbus.New(1000)
	monitor := health.New(reg, bus, nil, health.Options{})
	exec := &fakeExecutor{}
	c := New(reg, monitor, bus, hooks.NewExecutor(nil), nil, Options{})
	c.SetExecutor(exec)
	return c, exec, reg, bus, monitor
}

func insertCrashed(reg *registry.Registry, id, name string, tags ...string) *registry.ManagedProcess {
	p := &registry.ManagedProcess{
		ID: id, Name: name, Tags: tags, PID: 12345,
		State: registry.StateCrashed, StartedAt: herdertime.Now(),
	}
	reg.Insert(p, false)
	return p
}

func restartStrategy(target string, maxAttempts int, cooldownMs int) config.RecoveryStrategy {
	return config.RecoveryStrategy{
		Name:        "restart-" + target,
		Target:      target,
		Actions:     []config.Action{{Type: "restart"}},
		MaxAttempts: maxAttempts,
		CooldownMs:  cooldownMs,
		Enabled:     true,
	}
}

func TestConfigureValidation(t *testing.T) {
	c, _, _, _, _ := newTestController(t)

	tests := []struct {
		name    string
		s       config.RecoveryStrategy
		wantErr bool
	}{
		{"valid", restartStrategy("api", 2, 1000), false},
		{"missing name", config.RecoveryStrategy{Target: "x", Actions: []config.Action{{Type: "restart"}}}, true},
		{"missing target", config.RecoveryStrategy{Name: "x", Actions: []config.Action{{Type: "restart"}}}, true},
		{"no actions", config.RecoveryStrategy{Name: "x", Target: "y"}, true},
		{"bad action", config.RecoveryStrategy{Name: "x", Target: "y", Actions: []config.Action{{Type: "reboot"}}}, true},
		{"bad metric", config.RecoveryStrategy{Name: "x", Target: "y",
			Actions:    []config.Action{{Type: "notify"}},
			Conditions: []config.Condition{{Metric: "diskPct", Op: "gt", Value: 1}}}, true},
		{"bad op", config.RecoveryStrategy{Name: "x", Target: "y",
			Actions:    []config.Action{{Type: "notify"}},
			Conditions: []config.Condition{{Metric: "cpuPct", Op: "gte", Value: 1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Configure(tt.s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCrashTriggersRestart(t *testing.T) {
	c, exec, reg, _, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("api", 2, 60000)))
	insertCrashed(reg, "p1", "api")

	c.handleExit(context.Background(), "p1")

	assert.Equal(t, []string{"p1"}, exec.restarts)
}

func TestCleanExitNeverRestarts(t *testing.T) {
	c, exec, reg, _, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("api", 2, 60000)))

	zero := 0
	p := &registry.ManagedProcess{
		ID: "p1", Name: "api", State: registry.StateExited, ExitCode: &zero,
	}
	reg.Insert(p, false)

	c.handleExit(context.Background(), "p1")

	assert.Empty(t, exec.restarts)
}

func TestRestartBudgetExhaustion(t *testing.T) {
	// S6: maxAttempts=2, cooldown 60s, process crashes repeatedly. Exactly
	// two restarts, then RecoveryExhausted, emitted once.
	c, exec, reg, bus, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("api", 2, 60000)))
	insertCrashed(reg, "p1", "api")

	for i := 0; i < 5; i++ {
		c.handleExit(context.Background(), "p1")
	}

	assert.Equal(t, 2, exec.restartCount())

	exhausted := bus.Query(eventbus.Query{Category: eventbus.CategoryRecovery, Substring: "spent its 2 restarts"})
	assert.Len(t, exhausted, 1, "RecoveryExhausted emitted once per exhausted window")

	stats := c.StatsSnapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Restarts)
	assert.Equal(t, 1, stats[0].Exhausted)
}

func TestRestartBudgetRefreshesAfterCooldown(t *testing.T) {
	c, exec, reg, _, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("api", 1, 50)))
	insertCrashed(reg, "p1", "api")

	c.handleExit(context.Background(), "p1")
	c.handleExit(context.Background(), "p1")
	assert.Equal(t, 1, exec.restartCount(), "second crash inside window suppressed")

	time.Sleep(80 * time.Millisecond)
	c.handleExit(context.Background(), "p1")
	assert.Equal(t, 2, exec.restartCount(), "budget refreshes once window slides")
}

func TestStrategyMatchesByTag(t *testing.T) {
	c, exec, reg, _, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("web", 2, 60000)))
	insertCrashed(reg, "p1", "api", "web")
	insertCrashed(reg, "p2", "db", "storage")

	c.handleExit(context.Background(), "p1")
	c.handleExit(context.Background(), "p2")

	assert.Equal(t, []string{"p1"}, exec.restarts)
}

func TestDisabledStrategyNeverFires(t *testing.T) {
	c, exec, reg, _, _ := newTestController(t)
	s := restartStrategy("api", 2, 60000)
	s.Enabled = false
	require.NoError(t, c.Configure(s))
	insertCrashed(reg, "p1", "api")

	c.handleExit(context.Background(), "p1")

	assert.Empty(t, exec.restarts)
}

func TestConditionTriggeredRestart(t *testing.T) {
	c, exec, reg, _, monitor := newTestController(t)

	s := restartStrategy("api", 3, 60000)
	s.Conditions = []config.Condition{{Metric: "healthScore", Op: "lt", Value: 50, DurationMs: 100}}
	require.NoError(t, c.Configure(s))

	p := &registry.ManagedProcess{ID: "p1", Name: "api", State: registry.StateRunning}
	reg.Insert(p, false)

	now := time.Now()
	for _, age := range []time.Duration{300 * time.Millisecond, 200 * time.Millisecond, 50 * time.Millisecond} {
		monitor.ObserveSample("p1", health.Sample{At: herdertime.FromTime(now.Add(-age)), Score: 20})
	}

	c.handleIssue(context.Background(), "p1")
	assert.Equal(t, []string{"p1"}, exec.restarts)

	// Second issue inside the cooldown window is debounced.
	c.handleIssue(context.Background(), "p1")
	assert.Equal(t, 1, exec.restartCount())
}

func TestConditionNotHeldLongEnough(t *testing.T) {
	c, exec, reg, _, monitor := newTestController(t)

	s := restartStrategy("api", 3, 60000)
	s.Conditions = []config.Condition{{Metric: "healthScore", Op: "lt", Value: 50, DurationMs: 10000}}
	require.NoError(t, c.Configure(s))

	p := &registry.ManagedProcess{ID: "p1", Name: "api", State: registry.StateRunning}
	reg.Insert(p, false)
	monitor.ObserveSample("p1", health.Sample{At: herdertime.Now(), Score: 20})

	c.handleIssue(context.Background(), "p1")
	assert.Empty(t, exec.restarts)
}

func TestNotifyAndKillActions(t *testing.T) {
	c, exec, reg, bus, _ := newTestController(t)

	s := config.RecoveryStrategy{
		Name: "escalate", Target: "api",
		Actions:     []config.Action{{Type: "notify"}, {Type: "kill"}},
		MaxAttempts: 3, CooldownMs: 60000, Enabled: true,
	}
	require.NoError(t, c.Configure(s))
	insertCrashed(reg, "p1", "api")

	c.handleExit(context.Background(), "p1")

	assert.Equal(t, []string{"p1"}, exec.kills)
	notifies := bus.Query(eventbus.Query{Category: eventbus.CategoryRecovery, Substring: "notified"})
	assert.Len(t, notifies, 1)
}

func TestActionDelay(t *testing.T) {
	c, exec, reg, _, _ := newTestController(t)

	s := restartStrategy("api", 2, 60000)
	s.Actions = []config.Action{{Type: "restart", DelayMs: 150}}
	require.NoError(t, c.Configure(s))
	insertCrashed(reg, "p1", "api")

	start := time.Now()
	c.handleExit(context.Background(), "p1")

	assert.Equal(t, 1, exec.restartCount())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRunConsumesBusEvents(t *testing.T) {
	c, exec, reg, bus, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("api", 2, 60000)))
	insertCrashed(reg, "p1", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(50 * time.Millisecond) // Run subscribes inside its goroutine

	bus.Publish(eventbus.Event{
		Category: eventbus.CategorySpawn, Type: "exit", ProcessID: "p1",
		Severity: eventbus.SeverityWarn, Message: "process exited code=1 kind=crashed",
		Data:     map[string]any{"kind": "crashed", "exitCode": 1},
	})

	require.Eventually(t, func() bool { return exec.restartCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHoldsConditionEvaluation(t *testing.T) {
	now := time.Now()
	at := func(age time.Duration) herdertime.Instant { return herdertime.FromTime(now.Add(-age)) }

	cond := config.Condition{Metric: "cpuPct", Op: "gt", Value: 80, DurationMs: 1000}

	tests := []struct {
		name    string
		samples []health.Sample
		want    bool
	}{
		{"empty window", nil, false},
		{"held long enough", []health.Sample{
			{At: at(2 * time.Second), CPUPct: 90},
			{At: at(500 * time.Millisecond), CPUPct: 95},
		}, true},
		{"not held long enough", []health.Sample{
			{At: at(500 * time.Millisecond), CPUPct: 95},
		}, false},
		{"broken inside window", []health.Sample{
			{At: at(2 * time.Second), CPUPct: 90},
			{At: at(800 * time.Millisecond), CPUPct: 10},
			{At: at(100 * time.Millisecond), CPUPct: 95},
		}, false},
		{"break outside window ignored", []health.Sample{
			{At: at(5 * time.Second), CPUPct: 10},
			{At: at(2 * time.Second), CPUPct: 90},
			{At: at(100 * time.Millisecond), CPUPct: 95},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, holds(tt.samples, cond, now))
		})
	}
}

func TestUnresponsiveMetric(t *testing.T) {
	now := time.Now()
	at := func(age time.Duration) herdertime.Instant { return herdertime.FromTime(now.Add(-age)) }

	samples := []health.Sample{
		{At: at(40 * time.Second), Responsive: true},
		{At: at(20 * time.Second), Responsive: false},
		{At: at(2 * time.Second), Responsive: false},
	}

	cond := config.Condition{Metric: "unresponsiveMs", Op: "gt", Value: 30000}
	assert.True(t, holds(samples, cond, now))

	cond.Value = 60000
	assert.False(t, holds(samples, cond, now))

	responsive := []health.Sample{{At: at(time.Second), Responsive: true}}
	cond.Value = 0
	cond.Op = "eq"
	assert.True(t, holds(responsive, cond, now))
}

func TestCrashGraceDelaysRestart(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New(1000)
	monitor := health.New(reg, bus, nil, health.Options{})
	exec := &fakeExecutor{}
	c := New(reg, monitor, bus, hooks.NewExecutor(nil), nil, Options{CrashGrace: 300 * time.Millisecond})
	c.SetExecutor(exec)
	require.NoError(t, c.Configure(restartStrategy("api", 2, 60000)))

	p := insertCrashed(reg, "p1", "api")
	p.WithLock(func(p *registry.ManagedProcess) { p.StartedAt = herdertime.Now() })

	start := time.Now()
	c.handleExit(context.Background(), "p1")

	assert.Equal(t, 1, exec.restartCount())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond,
		"restart held until the crash-grace window elapsed")
}

func TestRequestedStopEventNeverRecovers(t *testing.T) {
	// A stop-killed child exits non-zero but its event carries
	// kind=exited; the clean-zero check alone cannot catch that.
	c, exec, reg, bus, _ := newTestController(t)
	require.NoError(t, c.Configure(restartStrategy("api", 2, 60000)))
	insertCrashed(reg, "p1", "api") // registry state is irrelevant: the kind gates

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(50 * time.Millisecond) // Run subscribes inside its goroutine

	bus.Publish(eventbus.Event{
		Category: eventbus.CategorySpawn, Type: "exit", ProcessID: "p1",
		Severity: eventbus.SeverityInfo, Message: "process exited code=-1 kind=exited",
		Data:     map[string]any{"kind": "exited", "exitCode": -1},
	})

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, exec.restarts)
}
