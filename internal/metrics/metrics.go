// Package metrics provides Prometheus metrics for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Queue metrics
	QueueRunning   *prometheus.GaugeVec
	QueueQueued    *prometheus.GaugeVec
	QueueProcessed *prometheus.CounterVec
	QueueFailed    *prometheus.CounterVec

	// Scanner metrics
	ScannerReconnects *prometheus.CounterVec
	ScannerCandidates *prometheus.CounterVec
	FilterMatches     *prometheus.CounterVec

	// Trade metrics
	Trades        *prometheus.CounterVec
	TradeDuration *prometheus.HistogramVec
	RelayResults  *prometheus.CounterVec

	// Worker metrics
	WorkerTriggers      *prometheus.CounterVec
	WorkerRestarts      prometheus.Counter
	WorkerTrackedTokens prometheus.Gauge
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sniper"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		QueueRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "running",
			Help:      "Tasks currently running",
		}, []string{"queue"}),
		QueueQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "queued",
			Help:      "Tasks waiting for a slot",
		}, []string{"queue"}),
		QueueProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Tasks that completed without error",
		}, []string{"queue"}),
		QueueFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "failed_total",
			Help:      "Tasks that returned an error or panicked",
		}, []string{"queue"}),

		ScannerReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by scanner",
		}, []string{"scanner"}),
		ScannerCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "candidates_total",
			Help:      "Candidate tokens detected by scanner",
		}, []string{"scanner"}),
		FilterMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "evaluations_total",
			Help:      "Filter evaluations by mode and outcome",
		}, []string{"mode", "outcome"}),

		Trades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "total",
			Help:      "Trades by side and status",
		}, []string{"side", "status"}),
		TradeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "duration_seconds",
			Help:      "Time from request to settled receipt",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
		}, []string{"side"}),
		RelayResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "relay_results_total",
			Help:      "Bundle submissions by relay and outcome",
		}, []string{"relay", "outcome"}),

		WorkerTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "triggers_total",
			Help:      "Listener triggers by kind",
		}, []string{"kind"}),
		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Price worker restarts",
		}),
		WorkerTrackedTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tracked_tokens",
			Help:      "Tokens the price worker is polling",
		}),
	}
}

// Handler returns the promhttp handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// QueueChanged implements eventqueue.Observer.
func (m *Metrics) QueueChanged(name string, running, queued int) {
	if m == nil {
		return
	}
	m.QueueRunning.WithLabelValues(name).Set(float64(running))
	m.QueueQueued.WithLabelValues(name).Set(float64(queued))
}

// TaskDone implements eventqueue.Observer.
func (m *Metrics) TaskDone(name string, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.QueueFailed.WithLabelValues(name).Inc()
		return
	}
	m.QueueProcessed.WithLabelValues(name).Inc()
}

func (m *Metrics) Reconnect(scanner string) {
	if m == nil {
		return
	}
	m.ScannerReconnects.WithLabelValues(scanner).Inc()
}

func (m *Metrics) Candidate(scanner string) {
	if m == nil {
		return
	}
	m.ScannerCandidates.WithLabelValues(scanner).Inc()
}

func (m *Metrics) Evaluation(mode string, matched bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if matched {
		outcome = "matched"
	}
	m.FilterMatches.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Trade(side, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(side, status).Inc()
	m.TradeDuration.WithLabelValues(side).Observe(seconds)
}

func (m *Metrics) Relay(relay string, ok bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "accepted"
	}
	m.RelayResults.WithLabelValues(relay, outcome).Inc()
}

func (m *Metrics) Trigger(kind string) {
	if m == nil {
		return
	}
	m.WorkerTriggers.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerRestart() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

func (m *Metrics) TrackedTokens(n int) {
	if m == nil {
		return
	}
	m.WorkerTrackedTokens.Set(float64(n))
}
