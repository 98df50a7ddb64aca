package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the trading engine. Registered via promauto on the
// default registry; the API server exposes them at /metrics.

// ScanCycleDuration is the wall time of one full scan cycle
var ScanCycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "okx_engine",
		Subsystem: "scheduler",
		Name:      "scan_cycle_duration_seconds",
		Help:      "Duration of one full scan cycle in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

// CandleFetches counts upstream candle requests by mode
var CandleFetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "okx_engine",
		Subsystem: "market",
		Name:      "candle_fetches_total",
		Help:      "Candle fetch operations by mode and outcome",
	},
	[]string{"mode", "outcome"}, // mode: bootstrap, incremental; outcome: ok, error, stale
)

// SignalsEmitted counts validated strategy signals by disposition
var SignalsEmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "okx_engine",
		Subsystem: "strategy",
		Name:      "signals_total",
		Help:      "Strategy signals by action and disposition",
	},
	[]string{"action", "disposition"}, // disposition: acted, duplicate, rejected, risk_blocked
)

// OrdersPlaced counts executed orders
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "okx_engine",
		Subsystem: "trading",
		Name:      "orders_total",
		Help:      "Orders placed by kind and outcome",
	},
	[]string{"kind", "outcome"}, // kind: main_open, hedge_open, close; outcome: ok, error
)

// RealizedPnL accumulates closed-trade PnL in USDT
var RealizedPnL = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "okx_engine",
		Subsystem: "trading",
		Name:      "realized_pnl_usdt",
		Help:      "Cumulative realized PnL in USDT",
	},
)

// BreakersOpen is the number of currently tripped circuit breaker keys
var BreakersOpen = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "okx_engine",
		Subsystem: "circuit",
		Name:      "breakers_open",
		Help:      "Number of currently open circuit breaker keys",
	},
)

// StreamDroppedMessages mirrors the stream's dropped-message counter
var StreamDroppedMessages = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "okx_engine",
		Subsystem: "stream",
		Name:      "dropped_messages",
		Help:      "Stream messages dropped due to a full processing queue",
	},
)

// StreamReconnects mirrors the stream's reconnect counter
var StreamReconnects = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "okx_engine",
		Subsystem: "stream",
		Name:      "reconnects",
		Help:      "Websocket reconnect attempts since start",
	},
)

// OpenPositions tracks current exposure by role
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "okx_engine",
		Subsystem: "trading",
		Name:      "open_positions",
		Help:      "Open positions by role",
	},
	[]string{"role"}, // main, hedge
)

// PendingCandleInits is the bootstrap backlog size
var PendingCandleInits = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "okx_engine",
		Subsystem: "market",
		Name:      "pending_candle_inits",
		Help:      "Symbol and timeframe pairs awaiting cold-start initialization",
	},
)

// recordSignal tallies one signal disposition
func recordSignal(action, disposition string) {
	SignalsEmitted.WithLabelValues(action, disposition).Inc()
}

// recordOrder tallies one order outcome
func recordOrder(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OrdersPlaced.WithLabelValues(kind, outcome).Inc()
}
