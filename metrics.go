// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the bot updates during operation:
//   • bot_orders_total{mode,side,result}   – Orders sent (mode: paper|live; result: filled|rejected|unknown)
//   • bot_decisions_total{symbol,signal}   – Signals generated (buy|sell|hold)
//   • bot_suppressed_total{symbol}         – Non-HOLD signals dropped by the trade gate
//   • bot_cycle_errors_total{symbol,kind}  – Cycle failures by error kind
//   • bot_gateway_retries_total{op}        – Retried gateway calls
//   • bot_events_dropped_total             – Events lost to a full presentation buffer
//   • bot_open_trades{symbol}              – Open entries per symbol (gauge)
//   • bot_cost_basis_qty{symbol}           – Quantity held per symbol (gauge)
//   • bot_cost_basis_avg_price{symbol}     – Weighted average entry price (gauge)
//   • bot_realized_profit{symbol}          – Realized profit in quote (gauge)
//   • bot_sweeps_total{symbol}             – Profit sweeps executed
//
// These are registered in init() and served at /metrics by the status server
// (see server.go).

package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side", "result"},
	)

	mtxDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_decisions_total",
			Help: "Signals generated",
		},
		[]string{"symbol", "signal"},
	)

	mtxSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_suppressed_total",
			Help: "Non-HOLD signals suppressed by the trade gate",
		},
		[]string{"symbol"},
	)

	mtxCycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cycle_errors_total",
			Help: "Evaluation cycle errors by kind",
		},
		[]string{"symbol", "kind"},
	)

	mtxGatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gateway_retries_total",
			Help: "Gateway calls retried after a transient failure",
		},
		[]string{"op"},
	)

	mtxEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_events_dropped_total",
			Help: "Events dropped because the presentation buffer was full",
		},
	)

	mtxOpenTrades = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_open_trades",
			Help: "Open entries per symbol",
		},
		[]string{"symbol"},
	)

	mtxCostQty = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_cost_basis_qty",
			Help: "Base quantity held per symbol",
		},
		[]string{"symbol"},
	)

	mtxCostAvg = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_cost_basis_avg_price",
			Help: "Weighted average acquisition price per symbol",
		},
		[]string{"symbol"},
	)

	mtxRealized = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_realized_profit",
			Help: "Realized profit in quote currency per symbol",
		},
		[]string{"symbol"},
	)

	mtxSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_sweeps_total",
			Help: "Profit sweeps executed",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxDecisions, mtxSuppressed, mtxCycleErrors)
	prometheus.MustRegister(mtxGatewayRetries, mtxEventsDropped)
	prometheus.MustRegister(mtxOpenTrades, mtxCostQty, mtxCostAvg, mtxRealized)
	prometheus.MustRegister(mtxSweeps)
}

// observeState pushes the per-symbol gauges.
func observeState(st PositionState, cb CostBasis) {
	mtxOpenTrades.WithLabelValues(st.Symbol).Set(float64(st.OpenCount))
	mtxCostQty.WithLabelValues(st.Symbol).Set(cb.QuantityHeld.InexactFloat64())
	mtxCostAvg.WithLabelValues(st.Symbol).Set(cb.AveragePrice.InexactFloat64())
	mtxRealized.WithLabelValues(st.Symbol).Set(cb.RealizedProfit.InexactFloat64())
}
