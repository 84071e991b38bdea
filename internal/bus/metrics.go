package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: общее кол-во публикаций
	PublishTotal *prometheus.CounterVec

	// Решения гейта по исходам
	VerdictTotal *prometheus.CounterVec

	// Latency: сколько времени заняла синхронная доставка
	DispatchDuration *prometheus.HistogramVec

	// Переходы жизненного цикла (decayed/terminated)
	DecayTransitions *prometheus.CounterVec

	// Saturation: заполненность буфера журнала (backpressure)
	LedgerBufferFill prometheus.Gauge

	// Живые сессии relay
	ActiveSessions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		PublishTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_publish_total",
			Help: "Total number of publish attempts.",
		}, []string{"origin", "intent"}),

		VerdictTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_verdict_total",
			Help: "Gate verdicts by decision and ruleset.",
		}, []string{"decision", "ruleset_id"}), // decision: approved, denied, malformed

		DispatchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_dispatch_duration_seconds",
			Help:    "Histogram of synchronous dispatch latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"intent"}),

		DecayTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_decay_transitions_total",
			Help: "Envelope lifecycle transitions performed by the decay sweeper.",
		}, []string{"to_status"}),

		LedgerBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pulse_ledger_buffer_utilization",
			Help: "Current number of records in the provenance ledger buffer.",
		}),

		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pulse_relay_active_sessions",
			Help: "Number of authenticated relay sessions.",
		}),
	}
}
