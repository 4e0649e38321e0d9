// Package testrun coordinates multi-process test runs: a state machine
// over a declarative {backend?, frontend?, tests} triple with
// readiness-before-dependents ordering, auto-stop, and abort. The leg
// graph is validated through internal/dag.
package testrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/procherder/agent/internal/clock"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/dag"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderr"
	"github.com/procherder/agent/internal/herdertime"
)

// State is a run's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// Leg names the three slots of a run.
type Leg string

const (
	LegBackend  Leg = "backend"
	LegFrontend Leg = "frontend"
	LegTests    Leg = "tests"
)

// Spec is the declarative request for start-test-run.
type Spec struct {
	ID           string
	Backend      *config.ProcessSpec
	Frontend     *config.ProcessSpec
	Tests        config.ProcessSpec
	AutoStop     bool
	KeepBackends bool
}

// StartResult is what the process-control seam reports for one leg.
type StartResult struct {
	ID      string
	PID     int
	Reused  bool
	Ready   bool
	ReadyAt herdertime.Instant
	Err     string
}

// ProcessControl is the slice of the agent the orchestrator drives. Start
// performs readiness inside the call; WaitExit blocks until the process
// exits and returns its exit code.
type ProcessControl interface {
	Start(ctx context.Context, spec config.ProcessSpec) (StartResult, error)
	Stop(ctx context.Context, id string, force bool, graceMs int) error
	WaitExit(ctx context.Context, id string) (int, error)
}

// legState tracks one leg of a live run.
type legState struct {
	id     string
	pid    int
	owned  bool // this run started it; reused singletons are not ours to stop
	readyAt herdertime.Instant
}

// Run is one test run record. Records are retained (subject to the manager
// cap) so list-test-runs stays meaningful after completion.
type Run struct {
	mu sync.Mutex

	spec      Spec
	state     State
	legs      map[Leg]*legState
	startedAt herdertime.Instant
	endedAt   herdertime.Instant
	exitCode  *int
	errMsg    string
	cancel    context.CancelFunc
	// keepBackends may be overridden by abort-test-run.
	keepBackends bool
}

// Descriptor is the externally-safe copy of a Run.
type Descriptor struct {
	ID           string             `json:"id"`
	State        State              `json:"state"`
	PIDs         map[string]int     `json:"pids,omitempty"`
	ProcessIDs   map[string]string  `json:"processIds,omitempty"`
	StartedAt    herdertime.Instant `json:"startedAt,omitempty"`
	EndedAt      herdertime.Instant `json:"endedAt,omitempty"`
	ExitCode     *int               `json:"exitCode,omitempty"`
	Error        string             `json:"error,omitempty"`
	AutoStop     bool               `json:"autoStop"`
	KeepBackends bool               `json:"keepBackends"`
}

func (r *Run) descriptor() Descriptor {
	d := Descriptor{
		ID: r.spec.ID, State: r.state,
		StartedAt: r.startedAt, EndedAt: r.endedAt,
		Error: r.errMsg, AutoStop: r.spec.AutoStop, KeepBackends: r.keepBackends,
	}
	if r.exitCode != nil {
		code := *r.exitCode
		d.ExitCode = &code
	}
	if len(r.legs) > 0 {
		d.PIDs = make(map[string]int, len(r.legs))
		d.ProcessIDs = make(map[string]string, len(r.legs))
		for leg, ls := range r.legs {
			d.PIDs[string(leg)] = ls.pid
			d.ProcessIDs[string(leg)] = ls.id
		}
	}
	return d
}

// Manager owns every run in the session.
type Manager struct {
	control ProcessControl
	bus     *eventbus.Bus
	clock   clock.Clock
	logger  *slog.Logger

	mu           sync.Mutex
	runs         map[string]*Run
	order        []string
	retentionCap int
}

// Options configures a Manager.
type Options struct {
	Clock        clock.Clock
	RetentionCap int
}

// NewManager creates a Manager.
func NewManager(control ProcessControl, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.RetentionCap <= 0 {
		opts.RetentionCap = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		control:      control,
		bus:          bus,
		clock:        opts.Clock,
		logger:       logger.With("component", "testrun"),
		runs:         make(map[string]*Run),
		retentionCap: opts.RetentionCap,
	}
}

// Start validates the spec, registers the run, and launches its state
// machine. The returned descriptor reflects the starting state; callers
// observe progress through Get.
func (m *Manager) Start(ctx context.Context, spec Spec) (Descriptor, error) {
	if spec.ID == "" {
		return Descriptor{}, herderr.New(herderr.InvalidStrategy, "test run requires an id")
	}
	if spec.Tests.Command == "" {
		return Descriptor{}, herderr.New(herderr.InvalidStrategy, "test run requires a tests command")
	}
	if err := validateLegGraph(spec); err != nil {
		return Descriptor{}, err
	}

	m.mu.Lock()
	if _, exists := m.runs[spec.ID]; exists {
		m.mu.Unlock()
		return Descriptor{}, herderr.New(herderr.DuplicateId, fmt.Sprintf("test run %q already exists", spec.ID))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Run{
		spec:         spec,
		state:        StatePending,
		legs:         make(map[Leg]*legState),
		cancel:       cancel,
		keepBackends: spec.KeepBackends,
	}
	m.runs[spec.ID] = r
	m.order = append(m.order, spec.ID)
	m.evictLocked()
	m.mu.Unlock()

	m.transition(r, StateStarting, "")
	go m.execute(runCtx, r)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptor(), nil
}

// validateLegGraph runs the triple through the dependency resolver; the
// fixed shape cannot cycle, but the resolver also rejects empty names.
func validateLegGraph(spec Spec) error {
	nodes := []dag.Node{{Name: string(LegTests), Dependencies: legDeps(spec)}}
	if spec.Backend != nil {
		nodes = append(nodes, dag.Node{Name: string(LegBackend)})
	}
	if spec.Frontend != nil {
		nodes = append(nodes, dag.Node{Name: string(LegFrontend)})
	}
	g, err := dag.New(nodes)
	if err != nil {
		return herderr.Wrap(herderr.InvalidStrategy, "invalid test run", err)
	}
	if _, err := g.Order(); err != nil {
		return herderr.Wrap(herderr.InvalidStrategy, "invalid test run", err)
	}
	return nil
}

func legDeps(spec Spec) []string {
	var deps []string
	if spec.Backend != nil {
		deps = append(deps, string(LegBackend))
	}
	if spec.Frontend != nil {
		deps = append(deps, string(LegFrontend))
	}
	return deps
}

// execute drives pending → starting → running → terminal.
func (m *Manager) execute(ctx context.Context, r *Run) {
	r.mu.Lock()
	r.startedAt = herdertime.FromTime(m.clock.Now())
	spec := r.spec
	r.mu.Unlock()

	// Stage 1: support legs in parallel, each waiting for its own
	// readiness inside control.Start.
	type legOutcome struct {
		leg Leg
		res StartResult
		err error
	}
	var support []Leg
	if spec.Backend != nil {
		support = append(support, LegBackend)
	}
	if spec.Frontend != nil {
		support = append(support, LegFrontend)
	}

	outcomes := make(chan legOutcome, len(support))
	for _, leg := range support {
		leg := leg
		legSpec := m.specFor(spec, leg)
		go func() {
			res, err := m.control.Start(ctx, legSpec)
			outcomes <- legOutcome{leg: leg, res: res, err: err}
		}()
	}

	for range support {
		out := <-outcomes
		if out.err != nil {
			m.fail(ctx, r, fmt.Sprintf("%s failed to start: %v", out.leg, out.err))
			return
		}
		r.mu.Lock()
		r.legs[out.leg] = &legState{
			id: out.res.ID, pid: out.res.PID,
			owned: !out.res.Reused, readyAt: out.res.ReadyAt,
		}
		r.mu.Unlock()

		if !out.res.Ready && m.specFor(spec, out.leg).Readiness != nil {
			m.fail(ctx, r, fmt.Sprintf("%s not ready: %s", out.leg, out.res.Err))
			return
		}
		m.publish(r, "dependency-ready", eventbus.SeverityInfo,
			fmt.Sprintf("%s ready (pid %d)", out.leg, out.res.PID))
	}

	if m.aborted(r) {
		return
	}

	// Stage 2: tests spawn strictly after every declared dependency is
	// ready.
	testsRes, err := m.control.Start(ctx, m.specFor(spec, LegTests))
	if err != nil {
		m.fail(ctx, r, fmt.Sprintf("tests failed to start: %v", err))
		return
	}
	r.mu.Lock()
	r.legs[LegTests] = &legState{
		id: testsRes.ID, pid: testsRes.PID,
		owned: !testsRes.Reused, readyAt: testsRes.ReadyAt,
	}
	r.mu.Unlock()

	if !testsRes.Ready && spec.Tests.Readiness != nil {
		m.fail(ctx, r, fmt.Sprintf("tests not ready: %s", testsRes.Err))
		return
	}

	if !m.transitionIfStarting(r, StateRunning) {
		return // aborted meanwhile
	}

	// Stage 3: poll tests exit.
	exitCode, err := m.control.WaitExit(ctx, testsRes.ID)
	if err != nil {
		if m.aborted(r) {
			return
		}
		m.fail(ctx, r, fmt.Sprintf("waiting for tests: %v", err))
		return
	}
	if m.aborted(r) {
		return
	}

	r.mu.Lock()
	r.exitCode = &exitCode
	r.mu.Unlock()

	if exitCode == 0 {
		m.transition(r, StateCompleted, "")
	} else {
		msg := fmt.Sprintf("tests exited with code %d", exitCode)
		r.mu.Lock()
		r.errMsg = msg
		r.mu.Unlock()
		m.transition(r, StateFailed, msg)
	}
	// Support services are torn down on any finished run when autoStop is
	// set; a failed dependency phase cleans up regardless (see fail).
	if spec.AutoStop {
		m.stopSupport(ctx, r)
	}
}

func (m *Manager) specFor(spec Spec, leg Leg) config.ProcessSpec {
	var ps config.ProcessSpec
	switch leg {
	case LegBackend:
		ps = *spec.Backend
		if ps.Role == "" {
			ps.Role = "backend"
		}
	case LegFrontend:
		ps = *spec.Frontend
		if ps.Role == "" {
			ps.Role = "frontend"
		}
	case LegTests:
		ps = spec.Tests
		if ps.Role == "" {
			ps.Role = "test"
		}
	}
	if ps.Name == "" {
		ps.Name = spec.ID + "-" + string(leg)
	}
	return ps
}

// fail records the error, transitions to failed, and cleans up dependencies.
func (m *Manager) fail(ctx context.Context, r *Run, msg string) {
	r.mu.Lock()
	if r.state.IsTerminal() {
		r.mu.Unlock()
		// A leg that lost the race with an abort still gets cleaned up.
		m.stopSupport(ctx, r)
		return
	}
	r.errMsg = msg
	r.mu.Unlock()

	m.transition(r, StateFailed, msg)
	m.stopSupport(ctx, r)
}

// stopSupport politely stops the support legs this run owns, honoring
// keepBackends. Test processes are stopped regardless of ownership when
// still running during abort.
func (m *Manager) stopSupport(ctx context.Context, r *Run) {
	r.mu.Lock()
	keep := r.keepBackends
	var toStop []*legState
	for _, leg := range []Leg{LegFrontend, LegBackend} {
		ls, ok := r.legs[leg]
		if !ok || !ls.owned || keep {
			continue
		}
		toStop = append(toStop, ls)
	}
	r.mu.Unlock()

	for _, ls := range toStop {
		if err := m.control.Stop(ctx, ls.id, false, 5000); err != nil {
			m.logger.Warn("failed to stop test run dependency", "id", ls.id, "error", err)
		}
	}
}

// Abort drives a live run to aborted: tests are stopped immediately,
// supporting services unless keepBackends. On an already-terminal run it
// returns the terminal descriptor unchanged.
func (m *Manager) Abort(ctx context.Context, id string, keepBackends *bool) (Descriptor, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Descriptor{}, herderr.New(herderr.NotFound, fmt.Sprintf("test run %q not found", id))
	}

	r.mu.Lock()
	if r.state.IsTerminal() {
		d := r.descriptor()
		r.mu.Unlock()
		return d, nil
	}
	if keepBackends != nil {
		r.keepBackends = *keepBackends
	}
	tests := r.legs[LegTests]
	r.mu.Unlock()

	r.cancel()
	m.transition(r, StateAborted, "aborted by caller")

	if tests != nil {
		if err := m.control.Stop(ctx, tests.id, true, 0); err != nil {
			m.logger.Warn("failed to stop tests on abort", "id", tests.id, "error", err)
		}
	}
	m.stopSupport(ctx, r)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptor(), nil
}

// Get returns a run's descriptor.
func (m *Manager) Get(id string) (Descriptor, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Descriptor{}, herderr.New(herderr.NotFound, fmt.Sprintf("test run %q not found", id))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptor(), nil
}

// List returns every retained run in creation order.
func (m *Manager) List() []Descriptor {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, m.runs[id])
	}
	m.mu.Unlock()

	out := make([]Descriptor, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.descriptor())
		r.mu.Unlock()
	}
	return out
}

// Sweep evicts terminal runs beyond the retention cap; wired to the
// agent's maintenance scheduler.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
}

// evictLocked removes the oldest terminal runs while over cap.
func (m *Manager) evictLocked() {
	for len(m.order) > m.retentionCap {
		evicted := false
		for i, id := range m.order {
			r := m.runs[id]
			r.mu.Lock()
			terminal := r.state.IsTerminal()
			r.mu.Unlock()
			if terminal {
				delete(m.runs, id)
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return // everything live; let it grow rather than drop a live run
		}
	}
}

func (m *Manager) aborted(r *Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateAborted
}

// transitionIfStarting moves starting → next atomically, refusing if an
// abort won the race.
func (m *Manager) transitionIfStarting(r *Run, next State) bool {
	r.mu.Lock()
	if r.state != StateStarting {
		r.mu.Unlock()
		return false
	}
	r.state = next
	r.mu.Unlock()
	m.publish(r, string(next), eventbus.SeverityInfo, fmt.Sprintf("test run entered %s", next))
	return true
}

func (m *Manager) transition(r *Run, next State, detail string) {
	r.mu.Lock()
	if r.state.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.state = next
	if next.IsTerminal() {
		r.endedAt = herdertime.FromTime(m.clock.Now())
	}
	r.mu.Unlock()

	severity := eventbus.SeverityInfo
	if next == StateFailed {
		severity = eventbus.SeverityWarn
	}
	msg := fmt.Sprintf("test run entered %s", next)
	if detail != "" {
		msg += ": " + detail
	}
	m.publish(r, string(next), severity, msg)
}

func (m *Manager) publish(r *Run, evType string, severity eventbus.Severity, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Category: eventbus.CategoryTestRun, Type: evType,
		Severity: severity, RunID: r.spec.ID, Message: msg,
	})
}
