// Package observability carries the engine's metrics, health checks and the
// operator HTTP surface (/metrics, /health, /status).
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heaven"

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeSubmitted = "submitted"
	OutcomeDropped   = "dropped"
)

// Metrics holds every Prometheus collector the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	// Trading
	Snipes         *prometheus.CounterVec
	SnipeSales     prometheus.Counter
	CopyTrades     *prometheus.CounterVec
	TradeAmountSOL *prometheus.HistogramVec

	// Bundler
	Bundles        *prometheus.CounterVec
	BundleSize     prometheus.Histogram
	PendingBundles prometheus.Gauge
	ActiveBundles  prometheus.Gauge
	BundleHistory  prometheus.Gauge

	// Positions
	ActivePositions *prometheus.GaugeVec

	// Health
	SOLBalance   prometheus.Gauge
	HealthChecks *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	SinkDropped  prometheus.Counter
}

// NewMetrics registers all collectors on reg. A nil reg gets a fresh
// registry, so tests can build as many instances as they like.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Snipes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sniper",
			Name:      "snipes_total",
			Help:      "Snipe buys by outcome",
		}, []string{"outcome"}),
		SnipeSales: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sniper",
			Name:      "sales_total",
			Help:      "Snipe positions closed",
		}),
		CopyTrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "copytrade",
			Name:      "trades_total",
			Help:      "Copy trades by outcome",
		}, []string{"outcome"}),
		TradeAmountSOL: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "trade_amount_sol",
			Help:      "SOL size of opened positions",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind"}),

		Bundles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "bundles_total",
			Help:      "Bundles by outcome",
		}, []string{"outcome"}),
		BundleSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "bundle_size",
			Help:      "Transactions per submitted bundle",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		PendingBundles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "pending_bundles",
			Help:      "Bundles waiting for a submission trigger",
		}),
		ActiveBundles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "active_bundles",
			Help:      "Bundles submitted and awaiting confirmation",
		}),
		BundleHistory: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "history_size",
			Help:      "Bundle results retained in history",
		}),

		ActivePositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "active",
			Help:      "Open positions by kind",
		}, []string{"kind"}),

		SOLBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "sol_balance",
			Help:      "Wallet SOL balance at the last health check",
		}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by outcome",
		}, []string{"outcome"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and kind",
		}, []string{"component", "kind"}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "events_dropped_total",
			Help:      "Metric events dropped because the sink was full",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
