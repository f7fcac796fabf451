// Package metrics holds the engine's prometheus instrumentation. The registry
// is built once at startup and passed explicitly; mutation after that happens
// only through the counters and gauges themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine exports.
type Metrics struct {
	Registry *prometheus.Registry

	BrokerOpDuration   *prometheus.HistogramVec
	BrokerOpErrors     *prometheus.CounterVec
	BrokerRetries      prometheus.Counter
	BrokerRateLimited  prometheus.Counter
	BreakerTransitions *prometheus.CounterVec

	TicksTotal      *prometheus.CounterVec
	SignalsTotal    *prometheus.CounterVec
	ExitsTotal      *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	EmergencyStatus prometheus.Gauge

	OpenPositions prometheus.Gauge
	AccountEquity prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BrokerOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_op_duration_seconds",
			Help:    "Latency of brokerage gateway operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		BrokerOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_op_errors_total",
			Help: "Brokerage gateway operation failures by kind.",
		}, []string{"op", "kind"}),
		BrokerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_retries_total",
			Help: "Retried brokerage calls.",
		}),
		BrokerRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_rate_limited_total",
			Help: "Calls delayed or rejected by the local rate limiter.",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"to"}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Orchestrator ticks by venue and outcome.",
		}, []string{"venue", "outcome"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Strategy signals by type.",
		}, []string{"signal"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Exit decisions applied, by rule.",
		}, []string{"rule"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected before submission, by reason.",
		}, []string{"reason"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_dropped_total",
			Help: "Outbound events dropped on full subscriber queues.",
		}),
		EmergencyStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_emergency_triggered",
			Help: "1 while the emergency protocol is triggered.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently open positions.",
		}),
		AccountEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_account_equity",
			Help: "Last observed account equity.",
		}),
	}

	reg.MustRegister(
		m.BrokerOpDuration, m.BrokerOpErrors, m.BrokerRetries, m.BrokerRateLimited,
		m.BreakerTransitions, m.TicksTotal, m.SignalsTotal, m.ExitsTotal,
		m.OrdersRejected, m.EventsDropped, m.EmergencyStatus, m.OpenPositions,
		m.AccountEquity,
	)
	return m
}
