// Package snapshot persists the registry (minus log rings) on a timer and
// atomically via write-temp+rename, and on startup re-adopts children
// surviving from a prior agent session by matching each recorded pid
// against the live process's start time.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/procherder/agent/internal/clock"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/herdertime"
	"github.com/procherder/agent/internal/registry"
)

// SchemaVersion is bumped whenever PersistedProcess changes shape. Loads of
// any other version are quarantined, not migrated.
const SchemaVersion = 1

// StartTimeTolerance is how much recorded and OS-reported start times may
// drift and still identify the same process.
const StartTimeTolerance = 2 * time.Second

// PersistedProcess is the durable subset of a ManagedProcess: everything
// except the log ring and volatile health metrics.
type PersistedProcess struct {
	ID              string             `json:"id"`
	PID             int                `json:"pid"`
	Name            string             `json:"name"`
	Role            string             `json:"role,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	Command         string             `json:"command"`
	Args            []string           `json:"args,omitempty"`
	Cwd             string             `json:"cwd,omitempty"`
	Env             map[string]string  `json:"env,omitempty"`
	Signature       string             `json:"signature"`
	State           string             `json:"state"`
	StartedAt       herdertime.Instant `json:"startedAt"`
	ReadyAt         herdertime.Instant `json:"readyAt,omitempty"`
	ExitCode        *int               `json:"exitCode,omitempty"`
	RestartCount    int                `json:"restartCount"`
	LastError       string             `json:"lastError,omitempty"`
	InferredPorts   []int              `json:"inferredPorts,omitempty"`
	ReadinessResult string             `json:"readinessResult,omitempty"`
	Singleton       bool               `json:"singleton"`
	Spec            config.ProcessSpec `json:"spec"`
}

// Snapshot is the persisted registry plus identifying metadata. The session
// id is rewritten on every agent start.
type Snapshot struct {
	SchemaVersion int                `json:"schemaVersion"`
	SessionID     string             `json:"sessionId"`
	SavedAt       herdertime.Instant `json:"savedAt"`
	Processes     []PersistedProcess `json:"processes"`
}

// Store persists snapshots. The agent is the single writer.
type Store interface {
	Save(s Snapshot) error
	Load() (Snapshot, bool, error)
}

// Build captures the registry into a Snapshot.
func Build(reg *registry.Registry, sessionID string) Snapshot {
	s := Snapshot{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		SavedAt:       herdertime.Now(),
	}
	for _, p := range reg.All() {
		snap := p.Snapshot()
		var spec config.ProcessSpec
		var env map[string]string
		p.WithLock(func(p *registry.ManagedProcess) {
			spec = p.Spec
			env = cloneEnv(p.Env)
		})
		s.Processes = append(s.Processes, PersistedProcess{
			ID: snap.ID, PID: snap.PID, Name: snap.Name, Role: snap.Role,
			Tags: snap.Tags, Command: snap.Command, Args: snap.Args,
			Cwd: snap.Cwd, Env: env, Signature: snap.Signature,
			State: string(snap.State), StartedAt: snap.StartedAt,
			ReadyAt: snap.ReadyAt, ExitCode: snap.ExitCode,
			RestartCount: snap.RestartCount, LastError: snap.LastError,
			InferredPorts: snap.InferredPorts, ReadinessResult: snap.ReadinessResult,
			Singleton: spec.Singleton, Spec: spec,
		})
	}
	return s
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Reattacher turns a loaded snapshot back into registry entries for the
// children that actually survived.
type Reattacher struct {
	registry *registry.Registry
	bus      *eventbus.Bus
	logger   *slog.Logger
	// probeStartTime is swappable for tests; production reads the OS via
	// gopsutil.
	probeStartTime func(pid int) (time.Time, error)
}

// NewReattacher creates a Reattacher over the registry.
func NewReattacher(reg *registry.Registry, bus *eventbus.Bus, logger *slog.Logger) *Reattacher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reattacher{
		registry:       reg,
		bus:            bus,
		logger:         logger.With("component", "reattach"),
		probeStartTime: osStartTime,
	}
}

func osStartTime(pid int) (time.Time, error) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}, err
	}
	createMs, err := proc.CreateTime()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(createMs), nil
}

// Reattach probes each persisted entry and re-inserts the survivors with
// state=reattached and a fresh log ring carrying one synthetic line.
// Entries whose pid is gone, or whose start time does not match within the
// tolerance, are discarded. Returns the number adopted.
func (r *Reattacher) Reattach(s Snapshot) int {
	adopted := 0
	for _, pp := range s.Processes {
		switch registry.State(pp.State) {
		case registry.StateStarting, registry.StateReady, registry.StateRunning, registry.StateReattached:
		default:
			continue
		}
		if pp.PID <= 0 {
			continue
		}

		startTime, err := r.probeStartTime(pp.PID)
		if err != nil {
			r.logger.Debug("pid gone, discarding snapshot entry", "name", pp.Name, "pid", pp.PID)
			continue
		}
		drift := startTime.Sub(pp.StartedAt.Time)
		if drift < -StartTimeTolerance || drift > StartTimeTolerance {
			r.logger.Debug("pid reused by another process, discarding",
				"name", pp.Name, "pid", pp.PID, "drift", drift)
			continue
		}

		ring := herderlog.NewRing(0)
		ring.Add(herderlog.StreamSystem, fmt.Sprintf("reattached to pid %d from session %s", pp.PID, s.SessionID))

		p := &registry.ManagedProcess{
			ID: pp.ID, PID: pp.PID, Name: pp.Name, Role: pp.Role,
			Tags: pp.Tags, Command: pp.Command, Args: pp.Args,
			Cwd: pp.Cwd, Env: pp.Env, Signature: pp.Signature,
			State: registry.StateReattached, StartedAt: pp.StartedAt,
			ReadyAt: pp.ReadyAt, RestartCount: pp.RestartCount,
			InferredPorts: portSet(pp.InferredPorts),
			ReadinessResult: pp.ReadinessResult,
			Spec: pp.Spec, Ring: ring,
		}
		r.registry.Insert(p, pp.Singleton)
		adopted++

		r.logger.Info("reattached to surviving process", "name", pp.Name, "pid", pp.PID, "id", pp.ID)
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{
				Category: eventbus.CategorySpawn, Type: "reattached",
				Severity: eventbus.SeverityInfo, ProcessID: pp.ID,
				Message: fmt.Sprintf("reattached %s pid=%d", pp.Name, pp.PID),
			})
		}
	}
	return adopted
}

func portSet(ports []int) map[int]struct{} {
	if len(ports) == 0 {
		return nil
	}
	out := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		out[p] = struct{}{}
	}
	return out
}

// Persister saves the registry on a timer and once more on shutdown.
type Persister struct {
	registry  *registry.Registry
	store     Store
	sessionID string
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewPersister creates a Persister; interval<=0 uses the 5s default.
func NewPersister(reg *registry.Registry, store Store, sessionID string, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Persister {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		registry:  reg,
		store:     store,
		sessionID: sessionID,
		interval:  interval,
		clock:     clk,
		logger:    logger.With("component", "snapshot"),
	}
}

// Run persists on each tick until ctx is cancelled, then persists a final
// time so shutdown state is durable.
func (p *Persister) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.SaveNow()
			return
		case <-ticker.C():
			p.SaveNow()
		}
	}
}

// SaveNow persists the current registry immediately.
func (p *Persister) SaveNow() {
	if err := p.store.Save(Build(p.registry, p.sessionID)); err != nil {
		p.logger.Error("snapshot save failed", "error", err)
	}
}
