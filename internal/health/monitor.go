// Package health samples every live process periodically — CPU, RSS,
// responsiveness, stderr error rate — derives a weighted health score, and
// emits HealthIssue events on severity-band crossings. A bounded window of
// samples is retained per process for status queries and recovery
// condition evaluation.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/procherder/agent/internal/clock"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/herdertime"
	"github.com/procherder/agent/internal/probe"
	"github.com/procherder/agent/internal/registry"
)

// Sample is one periodic observation of a live process.
type Sample struct {
	At           herdertime.Instant `json:"at"`
	CPUPct       float64            `json:"cpuPct"`
	RSSBytes     uint64             `json:"rssBytes"`
	Threads      int32              `json:"threads"`
	UptimeMs     int64              `json:"uptimeMs"`
	ErrorCount   int                `json:"errorCount"` // running stderr-error tally
	Responsive   bool               `json:"responsive"`
	Score        int                `json:"score"`
}

// Thresholds are the weighted scoring knobs (spec defaults).
type Thresholds struct {
	CPUHighPct        float64
	CPUHighFor        time.Duration
	MaxRSSBytes       uint64
	ErrorsPerMinute   int
	UnresponsiveAfter time.Duration
}

// DefaultThresholds returns the documented defaults: cpu>80% for >=30s -20,
// rss over limit -30, >10 errors/min -20, unresponsive >30s -50.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUHighPct:        80,
		CPUHighFor:        30 * time.Second,
		MaxRSSBytes:       0, // 0 disables the RSS penalty
		ErrorsPerMinute:   10,
		UnresponsiveAfter: 30 * time.Second,
	}
}

// Band maps a score to the issue severity scale.
func Band(score int) eventbus.Severity {
	switch {
	case score >= 80:
		return eventbus.SeverityInfo
	case score >= 60:
		return eventbus.SeverityWarn
	case score >= 30:
		return eventbus.SeverityHigh
	default:
		return eventbus.SeverityCritical
	}
}

// history is the per-process bounded sample window plus the rolling state
// the scorer needs between ticks.
type history struct {
	samples        []Sample
	cap            int
	cpuHighSince   time.Time
	responsiveAt   time.Time
	lastBand       eventbus.Severity
	startedAt      time.Time
}

func (h *history) add(s Sample) {
	h.samples = append(h.samples, s)
	if len(h.samples) > h.cap {
		h.samples = h.samples[len(h.samples)-h.cap:]
	}
}

// Monitor owns the sampling loop. It reads the Registry, never mutates
// ManagedProcess fields directly, and talks to Recovery only via the bus.
type Monitor struct {
	registry   *registry.Registry
	bus        *eventbus.Bus
	clock      clock.Clock
	logger     *slog.Logger
	classifier *herderlog.Classifier
	interval   time.Duration
	thresholds Thresholds
	historyCap int

	mu        sync.RWMutex
	histories map[string]*history

	rings func(id string) *herderlog.Ring
}

// Options configures a Monitor.
type Options struct {
	SampleInterval time.Duration
	Thresholds     Thresholds
	HistoryCap     int
	Clock          clock.Clock
	// Rings resolves a process id to its live log ring; the Spawner owns
	// the rings, so the monitor borrows read access through this seam.
	Rings func(id string) *herderlog.Ring
}

// New creates a Monitor over the given registry.
func New(reg *registry.Registry, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Monitor {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 2 * time.Second
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 60
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:   reg,
		bus:        bus,
		clock:      opts.Clock,
		logger:     logger.With("component", "health"),
		classifier: herderlog.DefaultClassifier(),
		interval:   opts.SampleInterval,
		thresholds: opts.Thresholds,
		historyCap: opts.HistoryCap,
		histories:  make(map[string]*history),
		rings:      opts.Rings,
	}
}

// Run samples every live process until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.sampleAll()
		}
	}
}

func (m *Monitor) sampleAll() {
	for _, p := range m.registry.All() {
		snap := p.Snapshot()
		switch snap.State {
		case registry.StateStarting, registry.StateReady, registry.StateRunning, registry.StateReattached:
			m.sampleOne(snap)
		default:
			m.drop(snap.ID)
		}
	}
}

// sampleOne collects one Sample for a live process, scores it, and emits a
// HealthIssue event if the severity band changed.
func (m *Monitor) sampleOne(snap registry.Snapshot) {
	now := m.clock.Now()
	h := m.historyFor(snap.ID, snap.StartedAt.Time)

	sample := Sample{At: herdertime.FromTime(now)}
	if !snap.StartedAt.IsZero() {
		sample.UptimeMs = now.Sub(snap.StartedAt.Time).Milliseconds()
	}

	if proc, err := gopsproc.NewProcess(int32(snap.PID)); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			sample.CPUPct = cpu
		}
		if memInfo, err := proc.MemoryInfo(); err == nil {
			sample.RSSBytes = memInfo.RSS
		}
		if threads, err := proc.NumThreads(); err == nil {
			sample.Threads = threads
		}
	}

	if m.rings != nil {
		if ring := m.rings(snap.ID); ring != nil {
			sample.ErrorCount = herderlog.CountErrors(ring.All(), m.classifier, 0, now)
		}
	}

	sample.Responsive = m.checkLiveness(snap)

	m.mu.Lock()
	if sample.Responsive {
		h.responsiveAt = now
	}
	if sample.CPUPct > m.thresholds.CPUHighPct {
		if h.cpuHighSince.IsZero() {
			h.cpuHighSince = now
		}
	} else {
		h.cpuHighSince = time.Time{}
	}

	sample.Score = m.score(h, sample, now)
	h.add(sample)

	band := Band(sample.Score)
	crossed := band != h.lastBand
	prev := h.lastBand
	h.lastBand = band
	m.mu.Unlock()

	if crossed && m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Category:  eventbus.CategoryHealth,
			Type:      "issue",
			Severity:  band,
			ProcessID: snap.ID,
			Message:   fmt.Sprintf("health score %d (was %s, now %s)", sample.Score, string(prev), string(band)),
			Data: map[string]any{
				"score":      sample.Score,
				"cpuPct":     sample.CPUPct,
				"rssBytes":   sample.RSSBytes,
				"errorCount": sample.ErrorCount,
				"responsive": sample.Responsive,
			},
		})
	}
}

// score applies the weighted thresholds; floors at 0.
func (m *Monitor) score(h *history, s Sample, now time.Time) int {
	score := 100

	if !h.cpuHighSince.IsZero() && now.Sub(h.cpuHighSince) >= m.thresholds.CPUHighFor {
		score -= 20
	}
	if m.thresholds.MaxRSSBytes > 0 && s.RSSBytes > m.thresholds.MaxRSSBytes {
		score -= 30
	}
	if m.errorsInLastMinute(h, s, now) > m.thresholds.ErrorsPerMinute {
		score -= 20
	}
	if !h.responsiveAt.IsZero() && now.Sub(h.responsiveAt) > m.thresholds.UnresponsiveAfter {
		score -= 50
	}

	if score < 0 {
		score = 0
	}
	return score
}

// errorsInLastMinute derives the per-minute rate from the running tally: the
// current count minus the count one minute ago in the window.
func (m *Monitor) errorsInLastMinute(h *history, s Sample, now time.Time) int {
	oldest := s.ErrorCount
	for i := len(h.samples) - 1; i >= 0; i-- {
		if now.Sub(h.samples[i].At.Time) > time.Minute {
			break
		}
		oldest = h.samples[i].ErrorCount
	}
	rate := s.ErrorCount - oldest
	if rate < 0 {
		rate = 0
	}
	return rate
}

// checkLiveness probes the cheapest signal available: signal 0 proves the
// PID exists; a listener on an inferred port proves the event loop answers.
func (m *Monitor) checkLiveness(snap registry.Snapshot) bool {
	if snap.PID <= 0 {
		return false
	}
	if err := syscall.Kill(snap.PID, 0); err != nil {
		return false
	}
	if len(snap.InferredPorts) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return probe.Port(ctx, snap.InferredPorts[0]) == nil
	}
	return true
}

func (m *Monitor) historyFor(id string, startedAt time.Time) *history {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[id]
	if ok && !startedAt.Equal(h.startedAt) {
		// A restart reuses the id; the rolling CPU/responsiveness state
		// belongs to the dead incarnation.
		ok = false
	}
	if !ok {
		// Seed responsiveAt so a process that never answers still trips the
		// unresponsive penalty once the window elapses.
		h = &history{cap: m.historyCap, lastBand: eventbus.SeverityInfo, startedAt: startedAt, responsiveAt: m.clock.Now()}
		m.histories[id] = h
	}
	return h
}

func (m *Monitor) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, id)
}

// Window returns the retained samples for a process whose age is at most
// within (the whole window when within<=0), oldest first. Recovery evaluates
// strategy conditions over this.
func (m *Monitor) Window(id string, within time.Duration) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.histories[id]
	if !ok {
		return nil
	}
	if within <= 0 {
		return append([]Sample(nil), h.samples...)
	}
	now := m.clock.Now()
	out := make([]Sample, 0, len(h.samples))
	for _, s := range h.samples {
		if now.Sub(s.At.Time) <= within {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the most recent sample for a process.
func (m *Monitor) Latest(id string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.histories[id]
	if !ok || len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// ObserveSample injects a sample directly, bypassing the OS collectors.
// Recovery's condition tests and the monitor's own scoring tests use this.
func (m *Monitor) ObserveSample(id string, s Sample) {
	h := m.historyFor(id, time.Time{})
	m.mu.Lock()
	h.add(s)
	m.mu.Unlock()
}
