// Package metrics provides Prometheus metrics for ForgeGuard monitoring.
// Exports build lifecycle, audit, tool-call, cost, and broadcaster metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for ForgeGuard.
type Metrics struct {
	// Build lifecycle
	BuildsStartedTotal   prometheus.Counter
	BuildsByStatus       *prometheus.CounterVec // terminal status: completed|failed|cancelled
	BuildsRunningGauge   prometheus.Gauge
	PhaseDuration        *prometheus.HistogramVec // labels: phase
	PhaseLoopbacksTotal  prometheus.Counter
	OrphanRecoveriesTotal prometheus.Counter

	// Audit
	AuditVerdictsTotal *prometheus.CounterVec // labels: verdict

	// Tools
	ToolCallsTotal   *prometheus.CounterVec // labels: tool, outcome (ok|error)
	ToolCallDuration *prometheus.HistogramVec

	// Cost
	TokensUsedTotal *prometheus.CounterVec // labels: model, direction (input|output)
	CostUSDTotal    *prometheus.CounterVec // labels: model
	CostCapPausesTotal prometheus.Counter

	// Broadcaster
	ObserverSinksGauge  prometheus.Gauge
	EventsEmittedTotal  *prometheus.CounterVec // labels: type
	SinksDroppedTotal   prometheus.Counter
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			BuildsStartedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forgeguard_builds_started_total",
				Help: "Total builds started",
			}),
			BuildsByStatus: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeguard_builds_terminal_total",
				Help: "Builds reaching a terminal status",
			}, []string{"status"}),
			BuildsRunningGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "forgeguard_builds_running",
				Help: "Builds currently driven by a live orchestrator task",
			}),
			PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "forgeguard_phase_duration_seconds",
				Help:    "Wall-clock duration of each build phase",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			}, []string{"phase"}),
			PhaseLoopbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forgeguard_phase_loopbacks_total",
				Help: "Phase retries after an audit FAIL",
			}),
			OrphanRecoveriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forgeguard_orphan_recoveries_total",
				Help: "Builds found running with no live driver at startup",
			}),
			AuditVerdictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeguard_audit_verdicts_total",
				Help: "Inline audit verdicts by outcome",
			}, []string{"verdict"}),
			ToolCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeguard_tool_calls_total",
				Help: "Agent tool dispatches by tool and outcome",
			}, []string{"tool", "outcome"}),
			ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "forgeguard_tool_call_duration_seconds",
				Help:    "Duration of agent tool dispatches",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			TokensUsedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeguard_llm_tokens_total",
				Help: "LLM tokens consumed",
			}, []string{"model", "direction"}),
			CostUSDTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeguard_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD",
			}, []string{"model"}),
			CostCapPausesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forgeguard_cost_cap_pauses_total",
				Help: "Builds paused by the spend-cap gate",
			}),
			ObserverSinksGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "forgeguard_observer_sinks",
				Help: "Connected observer sinks across all users",
			}),
			EventsEmittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "forgeguard_events_emitted_total",
				Help: "Build events emitted to the broadcaster",
			}, []string{"type"}),
			SinksDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forgeguard_sinks_dropped_total",
				Help: "Observer sinks dropped after a failed send",
			}),
		}
	})
	return instance
}
