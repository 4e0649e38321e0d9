// Package agent owns every long-lived collaborator — registry, spawner
// handles, readiness engine, health monitor, recovery controller, test-run
// orchestrator, snapshot persister, maintenance scheduler, metrics server —
// and exposes the operations the RPC surface dispatches to. Assembly lives
// in a constructed object so shutdown is a single call that cascades and
// nothing is initialized by import side effects.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procherder/agent/internal/clock"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/health"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/hooks"
	"github.com/procherder/agent/internal/metrics"
	"github.com/procherder/agent/internal/readiness"
	"github.com/procherder/agent/internal/recovery"
	"github.com/procherder/agent/internal/registry"
	"github.com/procherder/agent/internal/schedule"
	"github.com/procherder/agent/internal/snapshot"
	"github.com/procherder/agent/internal/tasksource"
	"github.com/procherder/agent/internal/testrun"
	"github.com/procherder/agent/internal/tracing"
)

// Agent is the top-level object a command constructs, runs, and shuts
// down.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	bus       *eventbus.Bus
	registry  *registry.Registry
	readiness *readiness.Engine
	monitor   *health.Monitor
	recovery  *recovery.Controller
	hooks     *hooks.Executor
	testRuns  *testrun.Manager
	store     snapshot.Store
	persister *snapshot.Persister
	scheduler *schedule.Scheduler
	tasks     *tasksource.Source
	metricsrv *metrics.Server
	tracer    *tracing.Provider
	sessionID string

	mu      sync.Mutex
	handles map[string]*procHandle

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New wires an Agent from configuration. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bus := eventbus.New(cfg.Agent.EventRingCap)
	reg := registry.New()
	hookExec := hooks.NewExecutor(logger)

	a := &Agent{
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
		clock:     clock.System,
		bus:       bus,
		registry:  reg,
		readiness: readiness.New(nil, logger),
		hooks:     hookExec,
		sessionID: uuid.NewString(),
		handles:   make(map[string]*procHandle),
	}

	a.monitor = health.New(reg, bus, logger, health.Options{
		SampleInterval: time.Duration(cfg.Agent.SampleIntervalMs) * time.Millisecond,
		Rings: func(id string) *herderlog.Ring {
			if p, ok := reg.Get(id); ok {
				var ring *herderlog.Ring
				p.WithLock(func(p *registry.ManagedProcess) { ring = p.Ring })
				return ring
			}
			return nil
		},
	})

	a.recovery = recovery.New(reg, a.monitor, bus, hookExec, logger, recovery.Options{
		SilentRecovery: cfg.Agent.SilentRecovery,
		CrashGrace:     time.Duration(cfg.Agent.CrashGraceMs) * time.Millisecond,
	})
	a.recovery.SetExecutor(a)
	for _, s := range cfg.Strategies {
		if err := a.recovery.Configure(s); err != nil {
			return nil, fmt.Errorf("recovery strategy %q: %w", s.Name, err)
		}
	}

	a.testRuns = testrun.NewManager(a, bus, logger, testrun.Options{
		RetentionCap: cfg.Agent.TestRunRetentionCap,
	})

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.persister = snapshot.NewPersister(reg, store, a.sessionID,
		time.Duration(cfg.Agent.PersistIntervalMs)*time.Millisecond, nil, logger)

	a.tasks = tasksource.NewSource(cfg.Agent.WorkspaceRoot, logger)

	if cfg.Agent.MetricsEnabled {
		a.metricsrv = metrics.NewServer(cfg.Agent.MetricsPort, a, logger)
	}

	a.tracer, err = tracing.NewProvider(ctx, tracing.Config{
		Enabled:     cfg.Agent.TracingEnabled,
		Exporter:    cfg.Agent.TracingExporter,
		Endpoint:    cfg.Agent.OTLPEndpoint,
		ServiceName: "process-herder",
	}, logger)
	if err != nil {
		return nil, err
	}

	a.scheduler = schedule.NewScheduler(logger, 100)
	if err := a.registerMaintenance(); err != nil {
		return nil, err
	}

	return a, nil
}

func newStore(cfg *config.Config, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Agent.SnapshotBackend {
	case "", "json":
		return snapshot.NewFileStore(cfg.Agent.StateDir, logger)
	case "sqlite":
		return snapshot.NewSQLiteStore(cfg.Agent.StateDir, logger)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Agent.SnapshotBackend)
	}
}

func (a *Agent) registerMaintenance() error {
	jobs := []schedule.Job{
		{Name: "retention-sweep", Spec: "@every 1m", Fn: func() error {
			a.sweepTerminal()
			return nil
		}},
		{Name: "testrun-sweep", Spec: "@every 5m", Fn: func() error {
			a.testRuns.Sweep()
			return nil
		}},
	}
	for _, j := range jobs {
		if err := a.scheduler.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// sweepTerminal destroys exited/crashed entries once the retention TTL has
// elapsed since exit.
func (a *Agent) sweepTerminal() {
	ttl := time.Duration(a.cfg.Agent.RetentionTTLMs) * time.Millisecond
	now := a.clock.Now()
	for _, p := range a.registry.All() {
		snap := p.Snapshot()
		switch snap.State {
		case registry.StateExited, registry.StateCrashed:
			if !snap.ExitedAt.IsZero() && now.Sub(snap.ExitedAt.Time) > ttl {
				a.registry.Remove(snap.ID)
				a.mu.Lock()
				delete(a.handles, snap.ID)
				a.mu.Unlock()
			}
		}
	}
}

// SessionID returns this agent run's session identifier.
func (a *Agent) SessionID() string { return a.sessionID }

// Bus exposes the event bus for subscribers (RPC notifications, metrics).
func (a *Agent) Bus() *eventbus.Bus { return a.bus }

// Run loads the previous snapshot, reattaches survivors, and starts every
// background loop. It returns once startup is complete; Shutdown stops
// everything.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(ctx)

	// An unreadable snapshot is quarantined inside the store; never fatal.
	snap, ok, err := a.store.Load()
	if err != nil {
		a.logger.Warn("starting with empty registry", "error", err)
	}
	if ok {
		adopted := snapshot.NewReattacher(a.registry, a.bus, a.logger).Reattach(snap)
		if adopted > 0 {
			a.logger.Info("reattached surviving processes", "count", adopted)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor.Run(a.runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.recovery.Run(a.runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.persister.Run(a.runCtx)
	}()

	events, unsubscribe := a.bus.Subscribe(eventbus.Filter{})
	go func() {
		// Unsubscribing closes the channel, which ends Observe.
		<-a.runCtx.Done()
		unsubscribe()
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		metrics.Observe(events)
	}()

	if a.metricsrv != nil {
		if err := a.metricsrv.Start(); err != nil {
			return err
		}
	}
	if a.cfg.Agent.WorkspaceRoot != "" {
		if err := a.tasks.Watch(a.runCtx); err != nil {
			a.logger.Warn("task source watcher unavailable", "error", err)
		}
	}
	a.scheduler.Start()

	// Processes declared in configuration start now, best effort.
	for _, spec := range a.cfg.Processes {
		if _, err := a.StartProcess(a.runCtx, spec); err != nil {
			a.logger.Error("configured process failed to start", "name", spec.Name, "error", err)
		}
	}

	a.logger.Info("agent started", "session", a.sessionID)
	return nil
}

// Shutdown cancels probes, persists a final snapshot, politely stops
// children marked stopOnShutdown, and detaches from the rest.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}
	a.scheduler.Stop()

	// Stop-on-shutdown children first, while their handles are live.
	var stopIDs []string
	for _, p := range a.registry.All() {
		var stop bool
		var id string
		p.WithLock(func(p *registry.ManagedProcess) {
			stop = p.Spec.StopOnShutdown
			id = p.ID
		})
		if stop {
			stopIDs = append(stopIDs, id)
		}
	}
	for _, id := range stopIDs {
		if _, err := a.StopProcess(ctx, id, false, 5000); err != nil {
			a.logger.Warn("stop-on-shutdown failed", "id", id, "error", err)
		}
	}

	a.wg.Wait() // persister writes its final snapshot as its loop exits

	if a.metricsrv != nil {
		if err := a.metricsrv.Stop(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", "error", err)
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("snapshot store close failed", "error", err)
		}
	}

	a.logger.Info("agent stopped", "session", a.sessionID)
	return nil
}
