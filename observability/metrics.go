package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics bundles the collectors tracking vault engine health.
type PoolMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	balances     *prometheus.GaugeVec
	queueBacklog *prometheus.GaugeVec
	sharePrice   *prometheus.GaugeVec
	pauseEngaged prometheus.Gauge
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// Pool returns the lazily-initialised metrics registry for the vault engine.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for vault operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "errors_total",
				Help:      "Count of vault operation failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "balance",
				Help:      "Pool balance sheet totals in wad units.",
			}, []string{"balance"}),
			queueBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "redemption_backlog",
				Help:      "Unprocessed redemption queue depth per tranche in wad units.",
			}, []string{"tranche"}),
			sharePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "share_price",
				Help:      "Estimated share price per tranche, wad scaled to float.",
			}, []string{"tranche"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tranchepool",
				Subsystem: "vault",
				Name:      "pause_engaged",
				Help:      "Indicates whether the engine pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.latency,
			poolRegistry.errors,
			poolRegistry.balances,
			poolRegistry.queueBacklog,
			poolRegistry.sharePrice,
			poolRegistry.pauseEngaged,
		)
	})
	return poolRegistry
}

// Observe records the outcome and latency of one vault operation.
func (m *PoolMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBalances updates the balance sheet gauges.
func (m *PoolMetrics) RecordBalances(loans, cash, reserves, withdrawals *big.Int) {
	if m == nil {
		return
	}
	m.balances.WithLabelValues("loans").Set(bigToFloat(loans))
	m.balances.WithLabelValues("cash").Set(bigToFloat(cash))
	m.balances.WithLabelValues("reserves").Set(bigToFloat(reserves))
	m.balances.WithLabelValues("withdrawals").Set(bigToFloat(withdrawals))
}

// RecordQueueBacklog updates the redemption backlog gauge for one tranche.
func (m *PoolMetrics) RecordQueueBacklog(tranche string, backlog *big.Int) {
	if m == nil {
		return
	}
	m.queueBacklog.WithLabelValues(labelTranche(tranche)).Set(bigToFloat(backlog))
}

// RecordSharePrice updates the share price gauge for one tranche.
func (m *PoolMetrics) RecordSharePrice(tranche string, priceWad *big.Int) {
	if m == nil {
		return
	}
	m.sharePrice.WithLabelValues(labelTranche(tranche)).Set(bigToFloat(priceWad) / 1e18)
}

// SetPause toggles the pause_engaged gauge.
func (m *PoolMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelTranche(tranche string) string {
	trimmed := strings.TrimSpace(tranche)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
