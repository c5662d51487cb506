package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type lendingMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec

	liquidations *prometheus.CounterVec
	badDebt      prometheus.Counter
	redemptions  *prometheus.CounterVec
	redeemFee    prometheus.Histogram
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *lendingMetrics
)

// Lending returns the lazily-initialised metrics registry for the CDP
// engines. Registration happens once per process.
func Lending() *lendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &lendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of lending operations segmented by pair, operation and outcome.",
			}, []string{"pair", "op", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "lending",
				Name:      "errors_total",
				Help:      "Count of rejected lending operations segmented by pair and reason.",
			}, []string{"pair", "op", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablecore",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"pair", "op"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "liquidation",
				Name:      "events_total",
				Help:      "Count of liquidations segmented by pair and shortfall presence.",
			}, []string{"pair", "shortfall"}),
			badDebt: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "liquidation",
				Name:      "bad_debt_wei_total",
				Help:      "Cumulative liquidation shortfall forwarded to the insurance pool, in wei.",
			}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecore",
				Subsystem: "redemption",
				Name:      "events_total",
				Help:      "Count of redemptions segmented by pair and outcome.",
			}, []string{"pair", "outcome"}),
			redeemFee: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "stablecore",
				Subsystem: "redemption",
				Name:      "fee_bps",
				Help:      "Distribution of effective redemption fees in basis points.",
				Buckets:   []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3200},
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.errors,
			lendingRegistry.latency,
			lendingRegistry.liquidations,
			lendingRegistry.badDebt,
			lendingRegistry.redemptions,
			lendingRegistry.redeemFee,
		)
	})
	return lendingRegistry
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveOperation records one lending operation with its latency.
func (m *lendingMetrics) ObserveOperation(pair, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	pair = normalizeLabel(pair)
	op = normalizeLabel(op)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(pair, op, reasonLabel(err)).Inc()
	}
	m.operations.WithLabelValues(pair, op, outcome).Inc()
	m.latency.WithLabelValues(pair, op).Observe(elapsed.Seconds())
}

// RecordLiquidation records one liquidation and any shortfall routed to the
// insurance pool.
func (m *lendingMetrics) RecordLiquidation(pair string, shortfall *big.Int) {
	if m == nil {
		return
	}
	hasShortfall := "false"
	if shortfall != nil && shortfall.Sign() > 0 {
		hasShortfall = "true"
		m.badDebt.Add(bigToFloat(shortfall))
	}
	m.liquidations.WithLabelValues(normalizeLabel(pair), hasShortfall).Inc()
}

// RecordRedemption records one redemption attempt and, on success, the
// effective fee.
func (m *lendingMetrics) RecordRedemption(pair string, feeBps uint64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		m.redeemFee.Observe(float64(feeBps))
	}
	m.redemptions.WithLabelValues(normalizeLabel(pair), outcome).Inc()
}

func reasonLabel(err error) string {
	if err == nil {
		return "none"
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		msg = msg[idx+2:]
	}
	msg = strings.ReplaceAll(strings.TrimSpace(msg), " ", "_")
	if len(msg) > 40 {
		msg = msg[:40]
	}
	return msg
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
