// Package metrics exposes the ledger node's Prometheus instrumentation
// on a dedicated registry.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry
	logger   log.Logger

	OrdersPlaced      prometheus.Counter
	OrdersExecuted    prometheus.Counter
	OrdersCancelled   prometheus.Counter
	PositionsOpened   prometheus.Counter
	PositionsClosed   *prometheus.CounterVec
	BatchItemsSkipped prometheus.Counter
	RealizedPnL       prometheus.Counter
	OpenExposure      *prometheus.GaugeVec
	ProofAge          prometheus.Histogram
	MemoryUsage       prometheus.Gauge
	Goroutines        prometheus.Gauge
}

// New creates a metrics set on a fresh registry.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger,

		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Limit orders placed",
		}),
		OrdersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Limit orders filled",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Limit orders cancelled",
		}),
		PositionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened (market or fill)",
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed, by reason",
		}, []string{"reason"}),
		BatchItemsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_skipped_total",
			Help:      "Batch items skipped on precondition failure",
		}),
		RealizedPnL: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_pnl_abs_total",
			Help:      "Absolute realized PnL settled, in 1e-6 units",
		}),
		OpenExposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_lots",
			Help:      "Open lot exposure by asset and side",
		}, []string{"asset", "side"}),
		ProofAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_age_seconds",
			Help:      "Age of accepted price proofs",
			Buckets:   prometheus.DefBuckets,
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.OrdersPlaced,
		m.OrdersExecuted,
		m.OrdersCancelled,
		m.PositionsOpened,
		m.PositionsClosed,
		m.BatchItemsSkipped,
		m.RealizedPnL,
		m.OpenExposure,
		m.ProofAge,
		m.MemoryUsage,
		m.Goroutines,
	)
	return m
}

// CollectSystemMetrics samples runtime stats until the context is
// cancelled.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.MemoryUsage.Set(float64(memStats.Alloc))
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
