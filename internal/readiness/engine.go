// Package readiness evaluates a readiness spec against a running child:
// the matching probe polls until the child is usable, the timeout elapses,
// or the child exits. Evaluation is one-shot, distinct from the continuous
// health monitoring that takes over afterward. Readiness never kills the
// process; it only reports.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procherder/agent/internal/clock"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/herdertime"
	"github.com/procherder/agent/internal/probe"
)

// Result is the terminal disposition of one readiness evaluation.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultTimeout   Result = "timeout"
	ResultEarlyExit Result = "early-exit"
)

// Outcome is what Evaluate resolves to. On success ReadyAt is set and, for
// port probes, Port carries the inferred port. On failure Reason explains
// which probe gave up and why.
type Outcome struct {
	Result  Result
	ReadyAt herdertime.Instant
	Port    int
	Reason  string
}

// Target is the slice of a managed process the engine needs: identity for
// events, the exit broadcast channel for early-exit detection, and the log
// ring plus bus for log-pattern probes.
type Target struct {
	ProcessID string
	Done      <-chan struct{}
	Ring      *herderlog.Ring
	Bus       *eventbus.Bus
}

// Engine evaluates readiness specs. One engine is shared by every caller;
// each Evaluate call is independent and cancellable via its context.
type Engine struct {
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an Engine. A nil clock uses the system clock.
func New(clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{clock: clk, logger: logger.With("component", "readiness")}
}

// Evaluate blocks until the spec resolves. TimeoutMs <= 0 resolves
// immediately to timeout; defaults are applied by the caller, not here, so
// an explicit zero keeps its meaning.
func (e *Engine) Evaluate(ctx context.Context, spec config.ReadinessSpec, target Target) Outcome {
	start := e.clock.Now()

	outcome := e.evaluate(ctx, spec, target)

	if target.Bus != nil {
		ev := eventbus.Event{
			Category:  eventbus.CategoryReadiness,
			ProcessID: target.ProcessID,
			Severity:  eventbus.SeverityInfo,
		}
		switch outcome.Result {
		case ResultSuccess:
			ev.Type = "ready"
			ev.Message = fmt.Sprintf("readiness %s resolved in %s", spec.Kind, e.clock.Now().Sub(start).Round(time.Millisecond))
		default:
			ev.Type = string(outcome.Result)
			ev.Severity = eventbus.SeverityWarn
			ev.Message = outcome.Reason
		}
		target.Bus.Publish(ev)
	}

	return outcome
}

func (e *Engine) evaluate(ctx context.Context, spec config.ReadinessSpec, target Target) Outcome {
	if spec.TimeoutMs <= 0 {
		return Outcome{Result: ResultTimeout, Reason: fmt.Sprintf("readiness %s: timeout of 0ms elapsed before first probe", spec.Kind)}
	}

	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	interval := time.Duration(spec.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch spec.Kind {
	case "log":
		return e.waitForLogLine(ctx, spec, target)
	case "port", "http":
		return e.pollProbe(ctx, spec, target, interval)
	default:
		return Outcome{Result: ResultTimeout, Reason: fmt.Sprintf("unknown readiness kind %q", spec.Kind)}
	}
}

// pollProbe drives the port and http probes on a ticker until one attempt
// succeeds, the deadline passes, or the child exits.
func (e *Engine) pollProbe(ctx context.Context, spec config.ReadinessSpec, target Target, interval time.Duration) Outcome {
	try := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if spec.Kind == "port" {
			return probe.Port(attemptCtx, spec.Port)
		}
		return probe.HTTP(attemptCtx, spec.URL)
	}

	var lastErr error
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := try(); err == nil {
			out := Outcome{Result: ResultSuccess, ReadyAt: herdertime.FromTime(e.clock.Now())}
			if spec.Kind == "port" {
				out.Port = spec.Port
			}
			return out
		} else if ctx.Err() == nil {
			lastErr = err
		}

		select {
		case <-target.Done:
			return Outcome{Result: ResultEarlyExit, Reason: earlyExitReason(spec, lastErr)}
		case <-ctx.Done():
			return Outcome{Result: ResultTimeout, Reason: timeoutReason(spec, lastErr)}
		case <-ticker.C():
		}
	}
}

// waitForLogLine resolves when any captured line matches the pattern. Lines
// already in the ring are checked first so a fast child that printed its
// marker before the subscription is not missed; then the live stream is
// followed through the bus.
func (e *Engine) waitForLogLine(ctx context.Context, spec config.ReadinessSpec, target Target) Outcome {
	matcher, err := probe.NewLogMatcher(spec.Pattern, spec.IsRegex)
	if err != nil {
		return Outcome{Result: ResultTimeout, Reason: err.Error()}
	}

	var events <-chan eventbus.Event
	var unsubscribe func()
	if target.Bus != nil {
		events, unsubscribe = target.Bus.Subscribe(eventbus.Filter{Categories: []eventbus.Category{eventbus.CategorySpawn}})
		defer unsubscribe()
	}

	if target.Ring != nil {
		for _, entry := range target.Ring.All() {
			if matcher.Match(entry.Line) {
				return Outcome{Result: ResultSuccess, ReadyAt: herdertime.FromTime(e.clock.Now())}
			}
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type != "log" || ev.ProcessID != target.ProcessID {
				continue
			}
			if matcher.Match(ev.Message) {
				return Outcome{Result: ResultSuccess, ReadyAt: herdertime.FromTime(e.clock.Now())}
			}
		case <-target.Done:
			// The exit event is delivered after all prior log lines, so one
			// final ring scan closes the race with lines emitted just before
			// death.
			if target.Ring != nil {
				for _, entry := range target.Ring.All() {
					if matcher.Match(entry.Line) {
						return Outcome{Result: ResultSuccess, ReadyAt: herdertime.FromTime(e.clock.Now())}
					}
				}
			}
			return Outcome{Result: ResultEarlyExit, Reason: fmt.Sprintf("process exited before log pattern %q matched", spec.Pattern)}
		case <-ctx.Done():
			return Outcome{Result: ResultTimeout, Reason: fmt.Sprintf("log pattern %q not matched within %dms", spec.Pattern, spec.TimeoutMs)}
		}
	}
}

func timeoutReason(spec config.ReadinessSpec, lastErr error) string {
	base := fmt.Sprintf("readiness %s not resolved within %dms", describeProbe(spec), spec.TimeoutMs)
	if lastErr != nil {
		return base + ": " + lastErr.Error()
	}
	return base
}

func earlyExitReason(spec config.ReadinessSpec, lastErr error) string {
	base := fmt.Sprintf("process exited before readiness %s resolved", describeProbe(spec))
	if lastErr != nil {
		return base + ": " + lastErr.Error()
	}
	return base
}

func describeProbe(spec config.ReadinessSpec) string {
	switch spec.Kind {
	case "port":
		return fmt.Sprintf("port %d", spec.Port)
	case "http":
		return fmt.Sprintf("http %s", spec.URL)
	default:
		return spec.Kind
	}
}
