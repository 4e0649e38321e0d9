// Package recovery consumes HealthIssue and exit events from the bus,
// evaluates each attached strategy's conditions over the recent sample
// window, and drives the notify/restart/kill/cleanup action chain under a
// per-cooldown restart budget. The should-restart decision is separate
// from the act of restarting: the controller holds no reference to the
// spawner, only the small Executor seam the agent implements.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/procherder/agent/internal/clock"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/health"
	"github.com/procherder/agent/internal/herderr"
	"github.com/procherder/agent/internal/hooks"
	"github.com/procherder/agent/internal/registry"
)

// Executor is what the controller asks the owning agent to do to a process.
// Restart must preserve the process id and increment restartCount.
type Executor interface {
	Restart(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
}

// attemptKey scopes attempt bookkeeping to one strategy on one process
// identity.
type attemptKey struct {
	strategy  string
	processID string
}

type attemptState struct {
	restarts   []time.Time // restart-class firings, pruned to the cooldown window
	lastFire   time.Time   // last condition-triggered chain start
	exhausted  bool        // RecoveryExhausted already emitted for the current window
	totalFires int
}

// Stats is the per-strategy aggregate reported in get-health-summary.
type Stats struct {
	Strategy   string `json:"strategy"`
	Fires      int    `json:"fires"`
	Restarts   int    `json:"restarts"`
	Exhausted  int    `json:"exhausted"`
}

// Controller owns strategy storage and evaluation.
type Controller struct {
	registry *registry.Registry
	monitor  *health.Monitor
	bus      *eventbus.Bus
	exec     Executor
	hooks    *hooks.Executor
	clock      clock.Clock
	logger     *slog.Logger
	silent     bool
	crashGrace time.Duration

	mu         sync.Mutex
	strategies map[string]config.RecoveryStrategy
	attempts   map[attemptKey]*attemptState
	stats      map[string]*Stats
}

// Options configures a Controller.
type Options struct {
	Clock          clock.Clock
	SilentRecovery bool
	// CrashGrace is the window after spawn in which a crash does not get
	// an immediate restart: the restart action waits out the remainder, so
	// a child flapping at startup cannot hot-loop the spawner.
	CrashGrace time.Duration
}

// New creates a Controller. exec may be set later via SetExecutor to break
// the construction cycle with the agent.
func New(reg *registry.Registry, monitor *health.Monitor, bus *eventbus.Bus, hookExec *hooks.Executor, logger *slog.Logger, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry:   reg,
		monitor:    monitor,
		bus:        bus,
		hooks:      hookExec,
		clock:      opts.Clock,
		logger:     logger.With("component", "recovery"),
		silent:     opts.SilentRecovery,
		crashGrace: opts.CrashGrace,
		strategies: make(map[string]config.RecoveryStrategy),
		attempts:   make(map[attemptKey]*attemptState),
		stats:      make(map[string]*Stats),
	}
}

// SetExecutor wires the restart/kill seam.
func (c *Controller) SetExecutor(exec Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exec = exec
}

// Configure stores or replaces a strategy (configure-recovery).
func (c *Controller) Configure(s config.RecoveryStrategy) error {
	if s.Name == "" {
		return herderr.New(herderr.InvalidStrategy, "recovery strategy requires a name")
	}
	if s.Target == "" {
		return herderr.New(herderr.InvalidStrategy, "recovery strategy requires a target name or tag")
	}
	if len(s.Actions) == 0 {
		return herderr.New(herderr.InvalidStrategy, "recovery strategy requires at least one action")
	}
	for _, a := range s.Actions {
		switch a.Type {
		case "notify", "restart", "kill", "cleanup":
		default:
			return herderr.New(herderr.InvalidStrategy, fmt.Sprintf("unknown action type %q", a.Type))
		}
	}
	for _, cond := range s.Conditions {
		switch cond.Metric {
		case "errorCount", "memoryBytes", "cpuPct", "healthScore", "unresponsiveMs":
		default:
			return herderr.New(herderr.InvalidStrategy, fmt.Sprintf("unknown condition metric %q", cond.Metric))
		}
		switch cond.Op {
		case "gt", "lt", "eq":
		default:
			return herderr.New(herderr.InvalidStrategy, fmt.Sprintf("unknown condition op %q", cond.Op))
		}
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.CooldownMs <= 0 {
		s.CooldownMs = 60000
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[s.Name] = s
	if _, ok := c.stats[s.Name]; !ok {
		c.stats[s.Name] = &Stats{Strategy: s.Name}
	}
	return nil
}

// Strategies returns the stored strategies.
func (c *Controller) Strategies() []config.RecoveryStrategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]config.RecoveryStrategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, s)
	}
	return out
}

// StatsSnapshot returns per-strategy counters for get-health-summary.
func (c *Controller) StatsSnapshot() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	return out
}

// Run consumes health and exit events until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	events, unsubscribe := c.bus.Subscribe(eventbus.Filter{
		Categories: []eventbus.Category{eventbus.CategoryHealth, eventbus.CategorySpawn},
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch {
	case ev.Category == eventbus.CategorySpawn && ev.Type == "exit":
		// The event's own classification is authoritative: requested stops
		// and clean zero exits are intentional termination, never recovered.
		if kind, _ := ev.Data["kind"].(string); kind != "crashed" {
			return
		}
		c.handleExit(ctx, ev.ProcessID)
	case ev.Category == eventbus.CategoryHealth && ev.Type == "issue":
		c.handleIssue(ctx, ev.ProcessID)
	}
}

// handleExit evaluates crash recovery. The serializer commits the terminal
// state before publishing the exit event, so the state read here is never
// ahead of or behind the event; anything not crashed (clean exit,
// requested stop) is intentional termination and never restarted.
func (c *Controller) handleExit(ctx context.Context, processID string) {
	p, ok := c.registry.Get(processID)
	if !ok {
		return
	}
	snap := p.Snapshot()
	if snap.State != registry.StateCrashed {
		return
	}

	for _, s := range c.matching(snap) {
		if !c.crashConditionsHold(s, snap) {
			continue
		}
		c.fire(ctx, s, snap, true)
	}
}

// handleIssue evaluates condition-triggered strategies, debounced to one
// chain start per cooldown window.
func (c *Controller) handleIssue(ctx context.Context, processID string) {
	p, ok := c.registry.Get(processID)
	if !ok {
		return
	}
	snap := p.Snapshot()

	now := c.clock.Now()
	for _, s := range c.matching(snap) {
		if !c.conditionsHold(s, snap.ID, now) {
			continue
		}

		key := attemptKey{strategy: s.Name, processID: snap.ID}
		c.mu.Lock()
		st := c.attemptState(key)
		cooldown := time.Duration(s.CooldownMs) * time.Millisecond
		if !st.lastFire.IsZero() && now.Sub(st.lastFire) < cooldown {
			c.mu.Unlock()
			continue
		}
		st.lastFire = now
		c.mu.Unlock()

		c.fire(ctx, s, snap, false)
	}
}

// matching returns enabled strategies whose target is the process name or
// one of its tags.
func (c *Controller) matching(snap registry.Snapshot) []config.RecoveryStrategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []config.RecoveryStrategy
	for _, s := range c.strategies {
		if !s.Enabled {
			continue
		}
		if s.Target == snap.Name {
			out = append(out, s)
			continue
		}
		for _, tag := range snap.Tags {
			if s.Target == tag {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// crashConditionsHold: a crash fires a strategy with no conditions
// unconditionally; with conditions, they are evaluated the same as for
// health issues.
func (c *Controller) crashConditionsHold(s config.RecoveryStrategy, snap registry.Snapshot) bool {
	if len(s.Conditions) == 0 {
		return true
	}
	return c.conditionsHold(s, snap.ID, c.clock.Now())
}

func (c *Controller) conditionsHold(s config.RecoveryStrategy, processID string, now time.Time) bool {
	for _, cond := range s.Conditions {
		window := c.monitor.Window(processID, time.Duration(cond.DurationMs)*time.Millisecond+time.Minute)
		if !holds(window, cond, now) {
			return false
		}
	}
	return true
}

// fire executes the action chain in declared order, each action after its
// delayMs. Restart-class actions consume the per-cooldown budget; once the
// budget is spent they are suppressed and RecoveryExhausted is emitted.
func (c *Controller) fire(ctx context.Context, s config.RecoveryStrategy, snap registry.Snapshot, crash bool) {
	c.mu.Lock()
	key := attemptKey{strategy: s.Name, processID: snap.ID}
	st := c.attemptState(key)
	st.totalFires++
	c.stats[s.Name].Fires++
	c.mu.Unlock()

	if !c.silent {
		c.logger.Info("recovery strategy firing",
			"strategy", s.Name, "process", snap.Name, "id", snap.ID, "crash", crash)
	}

	for _, action := range s.Actions {
		if action.DelayMs > 0 {
			select {
			case <-c.clock.After(time.Duration(action.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}

		switch action.Type {
		case "notify":
			c.publish(eventbus.Event{
				Category: eventbus.CategoryRecovery, Type: "notify",
				Severity: eventbus.SeverityWarn, ProcessID: snap.ID,
				Message: fmt.Sprintf("strategy %s notified for %s", s.Name, snap.Name),
			})

		case "restart":
			if crash {
				if wait := c.graceRemaining(snap); wait > 0 {
					select {
					case <-c.clock.After(wait):
					case <-ctx.Done():
						return
					}
				}
			}
			if !c.consumeRestartBudget(s, snap) {
				continue
			}
			if err := c.exec.Restart(ctx, snap.ID); err != nil {
				c.logger.Error("recovery restart failed", "strategy", s.Name, "id", snap.ID, "error", err)
				c.publish(eventbus.Event{
					Category: eventbus.CategoryRecovery, Type: "restart-failed",
					Severity: eventbus.SeverityHigh, ProcessID: snap.ID,
					Message: err.Error(),
				})
				continue
			}
			c.mu.Lock()
			c.stats[s.Name].Restarts++
			c.mu.Unlock()
			c.publish(eventbus.Event{
				Category: eventbus.CategoryRecovery, Type: "recovered",
				Severity: eventbus.SeverityInfo, ProcessID: snap.ID,
				Message: fmt.Sprintf("strategy %s restarted %s", s.Name, snap.Name),
			})

		case "kill":
			if err := c.exec.Kill(ctx, snap.ID); err != nil {
				c.logger.Error("recovery kill failed", "strategy", s.Name, "id", snap.ID, "error", err)
			}

		case "cleanup":
			targets := []string{"name:" + snap.Name}
			for _, tag := range snap.Tags {
				targets = append(targets, "tag:"+tag)
			}
			if err := c.hooks.RunFor(ctx, targets...); err != nil {
				c.logger.Error("recovery cleanup failed", "strategy", s.Name, "id", snap.ID, "error", err)
			}
		}
	}
}

// consumeRestartBudget enforces maxAttempts restarts per cooldownMs window.
// Returns false (and emits RecoveryExhausted once per exhausted window)
// when the budget is spent.
func (c *Controller) consumeRestartBudget(s config.RecoveryStrategy, snap registry.Snapshot) bool {
	now := c.clock.Now()
	cooldown := time.Duration(s.CooldownMs) * time.Millisecond

	c.mu.Lock()
	st := c.attemptState(attemptKey{strategy: s.Name, processID: snap.ID})

	before := len(st.restarts)
	kept := st.restarts[:0]
	for _, at := range st.restarts {
		if now.Sub(at) < cooldown {
			kept = append(kept, at)
		}
	}
	st.restarts = kept
	if len(kept) < before {
		// Window slid; a fresh exhaustion gets its own event.
		st.exhausted = false
	}

	if len(st.restarts) >= s.MaxAttempts {
		alreadyEmitted := st.exhausted
		st.exhausted = true
		if !alreadyEmitted {
			c.stats[s.Name].Exhausted++
		}
		c.mu.Unlock()
		if !alreadyEmitted {
			c.publish(eventbus.Event{
				Category: eventbus.CategoryRecovery, Type: "RecoveryExhausted",
				Severity: eventbus.SeverityHigh, ProcessID: snap.ID,
				Message: fmt.Sprintf("strategy %s spent its %d restarts within %dms for %s",
					s.Name, s.MaxAttempts, s.CooldownMs, snap.Name),
			})
		}
		return false
	}

	st.restarts = append(st.restarts, now)
	st.exhausted = false
	c.mu.Unlock()
	return true
}

// graceRemaining is how much of the crash-grace window is left since the
// crashed incarnation spawned.
func (c *Controller) graceRemaining(snap registry.Snapshot) time.Duration {
	if c.crashGrace <= 0 || snap.StartedAt.IsZero() {
		return 0
	}
	elapsed := c.clock.Now().Sub(snap.StartedAt.Time)
	if elapsed >= c.crashGrace {
		return 0
	}
	return c.crashGrace - elapsed
}

func (c *Controller) attemptState(key attemptKey) *attemptState {
	st, ok := c.attempts[key]
	if !ok {
		st = &attemptState{}
		c.attempts[key] = st
	}
	return st
}

func (c *Controller) publish(ev eventbus.Event) {
	if c.silent && ev.Severity == eventbus.SeverityInfo {
		return
	}
	c.bus.Publish(ev)
}
