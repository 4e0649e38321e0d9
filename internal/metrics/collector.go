// Package metrics exposes the agent's Prometheus instrumentation and the
// loopback HTTP endpoint serving it alongside a read-only status API. The
// counters are driven off the event bus rather than direct calls, so
// components stay unaware of the metric families.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/procherder/agent/internal/eventbus"
)

var (
	ProcessesSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_spawned_total",
			Help: "Total child processes spawned",
		},
		[]string{"role"},
	)

	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_exits_total",
			Help: "Total child exits by kind",
		},
		[]string{"kind"}, // exited, crashed
	)

	ProcessesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "process_herder_processes_live",
			Help: "Managed processes currently starting, ready, or running",
		},
	)

	ReadinessEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_readiness_total",
			Help: "Readiness evaluations by outcome",
		},
		[]string{"result"}, // ready, timeout, early-exit
	)

	HealthIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_health_issues_total",
			Help: "Health issues by severity",
		},
		[]string{"severity"},
	)

	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_recovery_actions_total",
			Help: "Recovery events by type",
		},
		[]string{"type"}, // notify, recovered, restart-failed, RecoveryExhausted
	)

	TestRunTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_testrun_transitions_total",
			Help: "Test run state transitions",
		},
		[]string{"state"},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_rpc_requests_total",
			Help: "JSON-RPC requests by method and outcome",
		},
		[]string{"method", "outcome"}, // outcome: ok, error
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_herder_events_total",
			Help: "Events published on the bus by category",
		},
		[]string{"category"},
	)
)

// Observe consumes the bus and keeps the counters current. Run it once per
// agent.
func Observe(events <-chan eventbus.Event) {
	for ev := range events {
		EventsPublished.WithLabelValues(string(ev.Category)).Inc()

		switch ev.Category {
		case eventbus.CategorySpawn:
			switch ev.Type {
			case "spawned":
				role, _ := ev.Data["role"].(string)
				if role == "" {
					role = "utility"
				}
				ProcessesSpawned.WithLabelValues(role).Inc()
				ProcessesLive.Inc()
			case "reattached":
				ProcessesLive.Inc()
			case "exit":
				kind, _ := ev.Data["kind"].(string)
				if kind == "" {
					kind = "exited"
				}
				ProcessExits.WithLabelValues(kind).Inc()
				ProcessesLive.Dec()
			}
		case eventbus.CategoryReadiness:
			ReadinessEvaluations.WithLabelValues(ev.Type).Inc()
		case eventbus.CategoryHealth:
			HealthIssues.WithLabelValues(string(ev.Severity)).Inc()
		case eventbus.CategoryRecovery:
			RecoveryActions.WithLabelValues(ev.Type).Inc()
		case eventbus.CategoryTestRun:
			TestRunTransitions.WithLabelValues(ev.Type).Inc()
		}
	}
}
