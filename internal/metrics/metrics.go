// Package metrics is the Prometheus observability surface of SPEC_FULL's
// ambient stack: gate-rejection counters, order lifecycle counters,
// reconciliation/position-sync tick latency, and rate-limiter pressure
// gauges, served over /metrics. Grounded on the teacher pack's direct
// prometheus/client_golang usage (metrics.go: package-level CounterVec/
// GaugeVec registered in init(), exposed via promhttp.Handler()).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execcore_gate_rejections_total",
			Help: "Trade plans rejected by the admission pipeline, split by reason.",
		},
		[]string{"reason"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execcore_orders_submitted_total",
			Help: "Orders submitted to the venue, split by purpose and side.",
		},
		[]string{"purpose", "side"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execcore_orders_filled_total",
			Help: "Orders reaching a filled terminal state, split by purpose.",
		},
		[]string{"purpose"},
	)

	OrderReprices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execcore_order_reprices_total",
			Help: "Order timeout-cancel-reprice cycles, split by symbol.",
		},
		[]string{"symbol"},
	)

	OrderFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "execcore_order_fallback_market_total",
			Help: "Entry orders that exhausted retries and fell back to a market order.",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "execcore_open_positions",
			Help: "Currently OPEN positions tracked by the ledger.",
		},
	)

	DailyDrawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "execcore_daily_drawdown_pct",
			Help: "Current trade-date drawdown from the day's equity high.",
		},
	)

	ReconcileTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "execcore_reconcile_tick_duration_seconds",
			Help:    "Wall-clock duration of one reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PositionSyncTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "execcore_position_sync_tick_duration_seconds",
			Help:    "Wall-clock duration of one position-sync pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConsistencyDriftEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execcore_consistency_drift_total",
			Help: "Local/venue position size disagreements exceeding the configured threshold.",
		},
		[]string{"symbol"},
	)

	RateLimiterTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "execcore_rate_limiter_tokens",
			Help: "Token buckets remaining, split by endpoint class.",
		},
		[]string{"bucket"},
	)

	WSReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "execcore_ws_reconnects_total",
			Help: "Private WebSocket reconnect events.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GateRejections,
		OrdersSubmitted,
		OrdersFilled,
		OrderReprices,
		OrderFallbacks,
		OpenPositions,
		DailyDrawdownPct,
		ReconcileTickDuration,
		PositionSyncTickDuration,
		ConsistencyDriftEvents,
		RateLimiterTokens,
		WSReconnects,
	)
}

// Handler returns the promhttp exposition handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }
