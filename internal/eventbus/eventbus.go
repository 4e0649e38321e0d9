// Package eventbus is the single typed publish/subscribe channel every
// component uses to talk to every other component: health and recovery
// both produce and consume events here but hold no references to each
// other or to the spawner. Subscribers filter on category and severity; a
// bounded ring retains recent events for queries.
package eventbus

import (
	"sync"

	"github.com/procherder/agent/internal/herdertime"
)

// Category groups events the way RPC subscribers filter them.
type Category string

const (
	CategorySpawn     Category = "spawn"
	CategoryReadiness Category = "readiness"
	CategoryHealth    Category = "health"
	CategoryRecovery  Category = "recovery"
	CategoryTestRun   Category = "testrun"
	CategoryRPC       Category = "rpc"
)

// Severity mirrors the Health Monitor's issue severities, reused here as
// the generic event severity scale.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is the single typed envelope every component publishes.
type Event struct {
	Category  Category          `json:"category"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	ProcessID string            `json:"processId,omitempty"`
	RunID     string            `json:"runId,omitempty"`
	Message   string            `json:"message"`
	Data      map[string]any    `json:"data,omitempty"`
	At        herdertime.Instant `json:"at"`
}

// Filter selects which events a subscriber receives.
type Filter struct {
	Categories []Category
	MinSeverity Severity
}

var severityRank = map[Severity]int{
	SeverityInfo: 0, SeverityWarn: 1, SeverityHigh: 2, SeverityCritical: 3,
}

func (f Filter) matches(e Event) bool {
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if c == e.Category {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinSeverity != "" && severityRank[e.Severity] < severityRank[f.MinSeverity] {
		return false
	}
	return true
}

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan Event
}

// Bus is the process-wide event bus. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscriber
	nextID   uint64
	ring     *Ring
}

// New creates a Bus with a bounded event ring of the given capacity
// backing it (10,000 when cap<=0).
func New(ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = 10000
	}
	return &Bus{
		subs: make(map[uint64]*subscriber),
		ring: NewRing(ringCap),
	}
}

// Publish fans an event out to every matching subscriber (non-blocking,
// buffered channel; slow subscribers drop events rather than stall
// publishers) and appends it to the logger ring.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = herdertime.Now()
	}
	b.ring.Add(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, filter: filter, ch: make(chan Event, 64)}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Query supports level/category/substring/time-range queries over the
// retained ring.
type Query struct {
	Category Category
	MinSeverity Severity
	Substring string
	Since     herdertime.Instant
	Until     herdertime.Instant
}

// Query returns ring entries matching q, oldest first.
func (b *Bus) Query(q Query) []Event {
	return b.ring.Query(q)
}
