package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 引擎指标, 注册到调用方提供的 Registerer
type Metrics struct {
	// EventsTotal labels: adapter, type, result (dispatched, ignored, rejected, failed)
	EventsTotal *prometheus.CounterVec

	// TurnDuration 单个调度回合耗时
	TurnDuration prometheus.Histogram

	// MatcherRuns labels: matcher, status (ok, error)
	MatcherRuns *prometheus.CounterVec

	// RuleErrors labels: matcher
	RuleErrors *prometheus.CounterVec

	// DeliveryErrors labels: adapter
	DeliveryErrors *prometheus.CounterVec

	ActiveSessions     prometheus.Gauge
	RegisteredMatchers prometheus.Gauge
	QueuedEvents       prometheus.Gauge
}

// NewMetrics reg 为 nil 时使用独立的 Registry (不暴露)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shirocore",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Events received by the engine",
		}, []string{"adapter", "type", "result"}),

		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shirocore",
			Subsystem: "dispatch",
			Name:      "turn_duration_seconds",
			Help:      "Duration of one dispatch turn",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		MatcherRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shirocore",
			Subsystem: "dispatch",
			Name:      "matcher_runs_total",
			Help:      "Matcher handler executions by status",
		}, []string{"matcher", "status"}),

		RuleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shirocore",
			Subsystem: "dispatch",
			Name:      "rule_errors_total",
			Help:      "Rule or permission evaluations that failed",
		}, []string{"matcher"}),

		DeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shirocore",
			Subsystem: "engine",
			Name:      "delivery_errors_total",
			Help:      "Actions the adapter failed to deliver",
		}, []string{"adapter"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "shirocore",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held by the store",
		}),

		RegisteredMatchers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "shirocore",
			Subsystem: "registry",
			Name:      "matchers",
			Help:      "Matchers currently registered",
		}),

		QueuedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "shirocore",
			Subsystem: "engine",
			Name:      "queued_events",
			Help:      "Events waiting in conversation queues",
		}),
	}
}
