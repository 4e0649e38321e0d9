package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderr"
	"github.com/procherder/agent/internal/herdertime"
	"github.com/procherder/agent/internal/readiness"
	"github.com/procherder/agent/internal/registry"
	"github.com/procherder/agent/internal/spawn"
	"github.com/procherder/agent/internal/tracing"
)

// procHandle pairs a spawn handle with a channel closed once the exit
// watcher has committed the terminal state to the registry and published
// the exit event. Waiting on recorded (not the raw Done channel) is what
// keeps "state first, event second" observable everywhere.
type procHandle struct {
	*spawn.Handle
	recorded chan struct{}
}

func newProcHandle(h *spawn.Handle) *procHandle {
	return &procHandle{Handle: h, recorded: make(chan struct{})}
}

// StartResult is the payload of start-process/start-task.
type StartResult struct {
	ID        string             `json:"id"`
	PID       int                `json:"pid"`
	Reused    bool               `json:"reused"`
	Role      string             `json:"role"`
	Ready     bool               `json:"ready"`
	ReadyAt   herdertime.Instant `json:"readyAt,omitempty"`
	LastError string             `json:"lastError,omitempty"`
}

// StartProcess spawns (or reuses) a managed child and, when a readiness
// spec is present, blocks until it resolves. Readiness failures are fields
// on the result, never errors.
func (a *Agent) StartProcess(ctx context.Context, spec config.ProcessSpec) (StartResult, error) {
	if spec.Command == "" {
		return StartResult{}, herderr.New(herderr.SpawnFailed, "start-process requires a command")
	}
	if spec.Role == "" {
		spec.Role = "utility"
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Command)
	}
	if spec.Readiness != nil {
		if err := spec.Readiness.Validate(); err != nil {
			return StartResult{}, herderr.Wrap(herderr.SpawnFailed, "invalid readiness spec", err)
		}
	}

	sig := registry.Signature(spec.Role, spec.Command, spec.Cwd, spec.Args)

	if spec.Singleton {
		// First to acquire the signature lock wins; losers observe the
		// winner's entry and reuse it.
		lock := a.registry.AcquireSignatureLock(sig)
		lock.Lock()
		defer lock.Unlock()

		if existing, ok := a.registry.LookupSingleton(sig); ok {
			snap := existing.Snapshot()
			return StartResult{
				ID: snap.ID, PID: snap.PID, Reused: true, Role: snap.Role,
				Ready: !snap.ReadyAt.IsZero(), ReadyAt: snap.ReadyAt,
				LastError: snap.LastError,
			}, nil
		}
	}

	id := uuid.NewString()
	spanCtx, span := tracing.StartSpawnSpan(ctx, spec.Name, spec.Role)
	handle, err := spawn.Spawn(spanCtx, spec, 100, a.bus, id)
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return StartResult{}, herderr.Wrap(herderr.SpawnFailed, fmt.Sprintf("spawn %s", spec.Name), err)
	}
	span.End()

	p := &registry.ManagedProcess{
		ID: id, PID: handle.PID(), Name: spec.Name, Role: spec.Role,
		Tags: spec.Tags, Command: spec.Command, Args: spec.Args,
		Cwd: spec.Cwd, Env: spec.Env, Signature: sig,
		State:     registry.StateStarting,
		StartedAt: herdertime.FromTime(handle.StartTime()),
		Spec:      spec, Ring: handle.LogRing,
	}
	a.registry.Insert(p, spec.Singleton)

	ph := newProcHandle(handle)
	a.mu.Lock()
	a.handles[id] = ph
	a.mu.Unlock()

	go a.watchExit(p, ph)

	return a.finishStart(ctx, p, handle, spec), nil
}

// finishStart resolves readiness (or the lack of one) and builds the start
// result. Shared by StartProcess and restart.
func (a *Agent) finishStart(ctx context.Context, p *registry.ManagedProcess, handle *spawn.Handle, spec config.ProcessSpec) StartResult {
	result := StartResult{ID: p.ID, PID: handle.PID(), Role: spec.Role}

	if spec.Readiness == nil {
		a.advance(p, registry.StateRunning)
		return result
	}

	rctx, rspan := tracing.StartReadinessSpan(ctx, p.ID, spec.Readiness.Kind)
	outcome := a.readiness.Evaluate(rctx, *spec.Readiness, readiness.Target{
		ProcessID: p.ID, Done: handle.Done(), Ring: handle.LogRing, Bus: a.bus,
	})
	rspan.End()

	switch outcome.Result {
	case readiness.ResultSuccess:
		p.WithLock(func(p *registry.ManagedProcess) {
			p.ReadyAt = outcome.ReadyAt
			p.ReadinessResult = string(outcome.Result)
			if outcome.Port > 0 {
				if p.InferredPorts == nil {
					p.InferredPorts = make(map[int]struct{})
				}
				p.InferredPorts[outcome.Port] = struct{}{}
			}
		})
		a.advance(p, registry.StateReady)
		a.advance(p, registry.StateRunning)
		result.Ready = true
		result.ReadyAt = outcome.ReadyAt

	default: // timeout or early-exit: report, never kill
		p.WithLock(func(p *registry.ManagedProcess) {
			p.LastError = outcome.Reason
			p.ReadinessResult = string(outcome.Result)
		})
		a.advance(p, registry.StateRunning) // no-op if the child already died
		result.LastError = outcome.Reason
	}
	return result
}

// advance moves a process forward through the state machine, ignoring
// transitions the machine forbids (e.g. a child that crashed while
// readiness was still probing stays crashed).
func (a *Agent) advance(p *registry.ManagedProcess, to registry.State) {
	p.WithLock(func(p *registry.ManagedProcess) {
		if err := registry.ValidateTransition(p.State, to); err == nil {
			p.State = to
		}
	})
}

// watchExit is the per-process serializer for exit outcomes: it alone
// moves a process into a terminal state, and it publishes the exit event
// only after that state is committed, so a recovery consumer can never
// observe the event ahead of the registry.
func (a *Agent) watchExit(p *registry.ManagedProcess, ph *procHandle) {
	defer close(ph.recorded)
	<-ph.Done()
	outcome := ph.Outcome()

	var sig, id string
	stale := false
	p.WithLock(func(p *registry.ManagedProcess) {
		if p.PID != ph.PID() {
			// A newer incarnation already owns this record.
			stale = true
			return
		}
		code := outcome.ExitCode
		p.ExitCode = &code
		p.ExitedAt = outcome.At
		if outcome.Kind == spawn.ExitClean {
			p.State = registry.StateExited
		} else {
			p.State = registry.StateCrashed
			p.LastError = fmt.Sprintf("exited with code %d", outcome.ExitCode)
		}
		sig, id = p.Signature, p.ID
	})
	if stale {
		return
	}
	a.registry.ClearSingletonIndex(sig, id)

	severity := eventbus.SeverityInfo
	if outcome.Kind == spawn.ExitCrashed {
		severity = eventbus.SeverityWarn
	}
	a.bus.Publish(eventbus.Event{
		Category: eventbus.CategorySpawn, Type: "exit",
		ProcessID: id, Severity: severity,
		Message: fmt.Sprintf("process exited code=%d kind=%s", outcome.ExitCode, outcome.Kind),
		Data:    map[string]any{"kind": string(outcome.Kind), "exitCode": outcome.ExitCode},
	})
}

// StartTask resolves a named workspace task and starts it with the
// inferred role.
func (a *Agent) StartTask(ctx context.Context, taskName, workspaceRoot string) (StartResult, error) {
	src := a.tasks
	if workspaceRoot != "" && workspaceRoot != a.cfg.Agent.WorkspaceRoot {
		src = a.newTaskSource(workspaceRoot)
	}
	task, err := src.Lookup(taskName)
	if err != nil {
		return StartResult{}, err
	}
	root := workspaceRoot
	if root == "" {
		root = a.cfg.Agent.WorkspaceRoot
	}
	return a.StartProcess(ctx, task.Spec(root))
}

// StopResult is the payload of stop-process.
type StopResult struct {
	ID       string `json:"id"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Forced   bool   `json:"forced"`
}

// StopProcess politely stops a child, escalating after graceMs. graceMs=0
// is equivalent to force.
func (a *Agent) StopProcess(ctx context.Context, ref string, force bool, graceMs int) (StopResult, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return StopResult{}, err
	}
	snap := p.Snapshot()

	switch snap.State {
	case registry.StateExited, registry.StateCrashed:
		return StopResult{ID: snap.ID, ExitCode: snap.ExitCode}, nil
	}

	a.advance(p, registry.StateExiting)

	a.mu.Lock()
	handle := a.handles[snap.ID]
	a.mu.Unlock()

	if handle == nil {
		// Reattached child: no pipe, no waiter; drive it by pid.
		forced, err := a.stopByPID(ctx, p, force, graceMs)
		return StopResult{ID: snap.ID, Forced: forced}, err
	}

	forced, stopErr := handle.Stop(ctx, force, graceMs)
	if stopErr != nil {
		a.bus.Publish(eventbus.Event{
			Category: eventbus.CategorySpawn, Type: "StopForceFailed",
			Severity: eventbus.SeverityHigh, ProcessID: snap.ID,
			Message: stopErr.Error(),
		})
		return StopResult{ID: snap.ID, Forced: forced},
			herderr.Wrap(herderr.StopTimeout, fmt.Sprintf("stop %s", snap.Name), stopErr)
	}

	// Wait for the exit watcher to commit the terminal state so the result
	// carries the real exit code and no later mutation races it.
	select {
	case <-handle.recorded:
	case <-ctx.Done():
		return StopResult{ID: snap.ID, Forced: forced}, ctx.Err()
	}
	code := handle.Outcome().ExitCode
	return StopResult{ID: snap.ID, ExitCode: &code, Forced: forced}, nil
}

// RestartResult is the payload of restart-process.
type RestartResult struct {
	ID     string `json:"id"`
	OldPID int    `json:"oldPid"`
	NewPID int    `json:"newPid"`
}

// RestartProcess stops a child politely and starts a new incarnation under
// the same id, incrementing restartCount.
func (a *Agent) RestartProcess(ctx context.Context, ref string) (RestartResult, error) {
	p, err := a.resolve(ref)
	if err != nil {
		return RestartResult{}, err
	}

	var spec config.ProcessSpec
	var oldPID int
	var id string
	p.WithLock(func(p *registry.ManagedProcess) {
		spec = p.Spec
		oldPID = p.PID
		id = p.ID
	})

	snap := p.Snapshot()
	switch snap.State {
	case registry.StateExited, registry.StateCrashed:
		// Already down, spawn straight away.
	default:
		if _, err := a.StopProcess(ctx, id, false, 5000); err != nil {
			return RestartResult{}, err
		}
	}

	spanCtx, span := tracing.StartSpawnSpan(ctx, spec.Name, spec.Role)
	handle, err := spawn.Spawn(spanCtx, spec, 100, a.bus, id)
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return RestartResult{}, herderr.Wrap(herderr.SpawnFailed, fmt.Sprintf("respawn %s", spec.Name), err)
	}
	span.End()

	// A restart begins a new incarnation: the state machine restarts at
	// starting while id and restartCount carry over.
	p.WithLock(func(p *registry.ManagedProcess) {
		p.PID = handle.PID()
		p.State = registry.StateStarting
		p.StartedAt = herdertime.FromTime(handle.StartTime())
		p.ReadyAt = herdertime.Instant{}
		p.ExitedAt = herdertime.Instant{}
		p.ExitCode = nil
		p.LastError = ""
		p.ReadinessResult = ""
		p.RestartCount++
		p.Ring = handle.LogRing
	})
	if spec.Singleton {
		a.registry.Reindex(registry.Signature(spec.Role, spec.Command, spec.Cwd, spec.Args), id)
	}

	ph := newProcHandle(handle)
	a.mu.Lock()
	a.handles[id] = ph
	a.mu.Unlock()

	go a.watchExit(p, ph)
	a.finishStart(ctx, p, handle, spec)

	return RestartResult{ID: id, OldPID: oldPID, NewPID: handle.PID()}, nil
}

// stopByPID stops a reattached child via signals and existence polling.
func (a *Agent) stopByPID(ctx context.Context, p *registry.ManagedProcess, force bool, graceMs int) (bool, error) {
	var pid int
	p.WithLock(func(p *registry.ManagedProcess) { pid = p.PID })

	if graceMs == 0 && !force {
		force = true
	}

	gone := func() bool { return !pidAlive(pid) }

	if !force {
		signalPID(pid, false)
		grace := time.Duration(graceMs) * time.Millisecond
		if graceMs <= 0 {
			grace = 5 * time.Second
		}
		deadline := a.clock.Now().Add(grace)
		for a.clock.Now().Before(deadline) {
			if gone() {
				a.markStopped(p)
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-a.clock.After(100 * time.Millisecond):
			}
		}
	}

	signalPID(pid, true)
	deadline := a.clock.Now().Add(3 * time.Second)
	for a.clock.Now().Before(deadline) {
		if gone() {
			a.markStopped(p)
			return true, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-a.clock.After(100 * time.Millisecond):
		}
	}

	a.bus.Publish(eventbus.Event{
		Category: eventbus.CategorySpawn, Type: "StopForceFailed",
		Severity: eventbus.SeverityHigh, ProcessID: p.ID,
		Message: fmt.Sprintf("pid %d survived SIGKILL", pid),
	})
	return true, herderr.New(herderr.StopTimeout, fmt.Sprintf("pid %d did not exit", pid))
}

func (a *Agent) markStopped(p *registry.ManagedProcess) {
	var sig, id string
	p.WithLock(func(p *registry.ManagedProcess) {
		p.State = registry.StateExited
		p.ExitedAt = herdertime.Now()
		sig, id = p.Signature, p.ID
	})
	a.registry.ClearSingletonIndex(sig, id)

	// Exit code is unknowable without a wait handle; the event still fires
	// so subscribers see every managed exit.
	a.bus.Publish(eventbus.Event{
		Category: eventbus.CategorySpawn, Type: "exit",
		ProcessID: id, Severity: eventbus.SeverityInfo,
		Message: "reattached process stopped",
		Data:    map[string]any{"kind": string(spawn.ExitClean)},
	})
}

// ListProcesses returns matching process snapshots in insertion order.
func (a *Agent) ListProcesses(role, tag string, state string) []registry.Snapshot {
	return a.registry.List(registry.Filter{Role: role, Tag: tag, State: registry.State(state)})
}

// resolve finds a process by id first, then by name.
func (a *Agent) resolve(ref string) (*registry.ManagedProcess, error) {
	if p, ok := a.registry.Get(ref); ok {
		return p, nil
	}
	if p, ok := a.registry.GetByName(ref); ok {
		return p, nil
	}
	return nil, herderr.New(herderr.NotFound, fmt.Sprintf("process %q not found", ref))
}
