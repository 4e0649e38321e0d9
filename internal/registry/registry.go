// Package registry is the canonical table of managed processes, with a
// secondary signature index for singleton semantics and role/tag/state
// filters. Structural mutations take the registry lock; field mutations go
// through each process's own lock; reads take consistent snapshots.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/herdertime"
)

// State is one of ManagedProcess's lifecycle states.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateRunning    State = "running"
	StateExiting    State = "exiting"
	StateExited     State = "exited"
	StateCrashed    State = "crashed"
	StateReattached State = "reattached"
)

// ManagedProcess is one entry in the registry.
type ManagedProcess struct {
	mu sync.Mutex

	ID            string
	PID           int
	Name          string
	Role          string
	Tags          []string
	Command       string
	Args          []string
	Cwd           string
	Env           map[string]string
	Signature     string
	State         State
	StartedAt     herdertime.Instant
	ReadyAt       herdertime.Instant
	ExitedAt      herdertime.Instant
	ExitCode      *int
	RestartCount  int
	LastError     string
	InferredPorts map[int]struct{}
	Spec          config.ProcessSpec

	// Readiness bookkeeping, exposed via snapshots of the struct rather
	// than the live pointer (see Snapshot()).
	ReadinessResult string // "", "success", "timeout", "early-exit"

	// Ring is the process's bounded log ring. It points at the spawn
	// handle's ring for children this agent started, or a fresh ring for
	// reattached ones (historical logs are lost by design). Never included
	// in snapshots or persisted state.
	Ring *herderlog.Ring
}

// Logs returns up to n recent log lines, newest last.
func (p *ManagedProcess) Logs(n int) []herderlog.LogEntry {
	p.mu.Lock()
	ring := p.Ring
	p.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Recent(n)
}

// Snapshot is the immutable, externally-safe copy of a ManagedProcess used
// for RPC results and listing; it never exposes the internal mutex.
type Snapshot struct {
	ID              string
	PID             int
	Name            string
	Role            string
	Tags            []string
	Command         string
	Args            []string
	Cwd             string
	Signature       string
	State           State
	StartedAt       herdertime.Instant
	ReadyAt         herdertime.Instant
	ExitedAt        herdertime.Instant
	ExitCode        *int
	RestartCount    int
	LastError       string
	InferredPorts   []int
	ReadinessResult string
}

// Snapshot takes a consistent point-in-time copy under the process's own
// lock.
func (p *ManagedProcess) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := make([]int, 0, len(p.InferredPorts))
	for port := range p.InferredPorts {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	var exitCode *int
	if p.ExitCode != nil {
		ec := *p.ExitCode
		exitCode = &ec
	}

	return Snapshot{
		ID: p.ID, PID: p.PID, Name: p.Name, Role: p.Role,
		Tags: append([]string(nil), p.Tags...),
		Command: p.Command, Args: append([]string(nil), p.Args...),
		Cwd: p.Cwd, Signature: p.Signature, State: p.State,
		StartedAt: p.StartedAt, ReadyAt: p.ReadyAt, ExitedAt: p.ExitedAt, ExitCode: exitCode,
		RestartCount: p.RestartCount, LastError: p.LastError,
		InferredPorts: ports, ReadinessResult: p.ReadinessResult,
	}
}

// WithLock runs fn with the process's field lock held, the only way any
// component may mutate a ManagedProcess's fields.
func (p *ManagedProcess) WithLock(fn func(p *ManagedProcess)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// Signature computes the deterministic role|command|cwd|args hash used
// for singleton lookup. Env is deliberately excluded: two starts that
// differ only in environment count as the same singleton.
func Signature(role, command, cwd string, args []string) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(command))
	h.Write([]byte{0})
	h.Write([]byte(cwd))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(args, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// Registry is the canonical process table plus its signature index.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*ManagedProcess
	bySig     map[string]string // signature -> id, only while singleton-active
	order     []string          // insertion order, for list()
	sigLocks  sync.Map          // signature -> *sync.Mutex, for singleton tie-break
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		processes: make(map[string]*ManagedProcess),
		bySig:     make(map[string]string),
	}
}

// AcquireSignatureLock returns the mutex guarding concurrent singleton
// starts for a signature, creating it on first use. Callers hold it for
// the full check-then-insert sequence; the first to acquire it wins.
func (r *Registry) AcquireSignatureLock(sig string) *sync.Mutex {
	v, _ := r.sigLocks.LoadOrStore(sig, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// LookupSingleton returns the existing active ManagedProcess for a
// signature, if one is starting/ready/running/reattached.
func (r *Registry) LookupSingleton(sig string) (*ManagedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySig[sig]
	if !ok {
		return nil, false
	}
	p, ok := r.processes[id]
	if !ok {
		return nil, false
	}
	switch p.State {
	case StateStarting, StateReady, StateRunning, StateReattached:
		return p, true
	default:
		return nil, false
	}
}

// Insert adds a new ManagedProcess to the table and, if singleton, the
// signature index.
func (r *Registry) Insert(p *ManagedProcess, singleton bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[p.ID] = p
	r.order = append(r.order, p.ID)
	if singleton {
		r.bySig[p.Signature] = p.ID
	}
}

// Get returns a process by id.
func (r *Registry) Get(id string) (*ManagedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	return p, ok
}

// GetByName returns the most recently inserted process with the given name.
func (r *Registry) GetByName(name string) (*ManagedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.processes[r.order[i]]
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Remove deletes a process from the table and signature index (used for
// retention-TTL eviction).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[id]
	if !ok {
		return
	}
	if r.bySig[p.Signature] == id {
		delete(r.bySig, p.Signature)
	}
	delete(r.processes, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Reindex restores the signature->id mapping for a process that began a
// new incarnation (restart) so singleton lookups keep finding it.
func (r *Registry) Reindex(sig, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySig[sig] = id
}

// ClearSingletonIndex drops the signature->id mapping for a process once
// it terminates, so a later singleton start spawns fresh rather than
// finding a dead entry.
func (r *Registry) ClearSingletonIndex(sig, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySig[sig] == id {
		delete(r.bySig, sig)
	}
}

// Filter is the role/tag/state query for list-processes.
type Filter struct {
	Role  string
	Tag   string
	State State
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// List returns matching processes in insertion order.
func (r *Registry) List(f Filter) []Snapshot {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	procs := make([]*ManagedProcess, 0, len(ids))
	for _, id := range ids {
		procs = append(procs, r.processes[id])
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		s := p.Snapshot()
		if f.Role != "" && s.Role != f.Role {
			continue
		}
		if f.State != "" && s.State != f.State {
			continue
		}
		if f.Tag != "" {
			p.mu.Lock()
			tagged := hasTag(p.Tags, f.Tag)
			p.mu.Unlock()
			if !tagged {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// All returns every process currently tracked (used by Health/Recovery/
// Snapshot components that iterate unconditionally).
func (r *Registry) All() []*ManagedProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ManagedProcess, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.processes[id])
	}
	return out
}

// NewID mints a new process identity. Grounded on the rest of the pack's
// use of google/uuid (everydev1618-govega) rather than a counter, so ids
// stay stable and collision-free across reattach/restart boundaries.
func NewID(newUUID func() string) string {
	return newUUID()
}

// ValidateTransition enforces the forward-only state machine.
func ValidateTransition(from, to State) error {
	allowed := map[State][]State{
		StateStarting:   {StateReady, StateRunning, StateExiting, StateExited, StateCrashed},
		StateReady:      {StateRunning, StateExiting, StateExited, StateCrashed},
		StateRunning:    {StateExiting, StateExited, StateCrashed},
		StateExiting:    {StateExited, StateCrashed},
		StateReattached: {StateExiting, StateExited, StateCrashed},
	}
	for _, ok := range allowed[from] {
		if ok == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition %s -> %s", from, to)
}
