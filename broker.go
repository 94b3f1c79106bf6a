// FILE: broker.go
// Package main – Gateway abstractions shared by all execution backends.
//
// This file defines the minimal surfaces the trading loop needs:
//   • MarketData    – closed candles, historical pull and a live stream
//   • OrderGateway  – place order, open orders, account balances
//   • Quoter        – optional best bid/ask spread lookup (bps)
//   • InstrumentSource – optional lot step / tick / min notional lookup
//
// Two implementations live in separate files:
//   • broker_paper.go – in-memory simulator for backtest and dry-run
//   • broker_mexc.go  – MEXC spot REST client (HMAC signed)

package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest is built by the coordinator; Quantity is already clamped and stepped.
// QuoteQuantity is set instead of Quantity for quote-sized market buys.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
	LimitPrice    decimal.Decimal
	ClientTag     string
}

// OrderResult is terminal: consumed once to update state, then discarded.
type OrderResult struct {
	OrderID        string
	Accepted       bool
	FilledQuantity decimal.Decimal
	FilledPrice    decimal.Decimal
	Err            error
	Time           time.Time
}

// Instrument carries the venue filters for one symbol.
type Instrument struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	LotStep     decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// MarketData supplies closed candles in time order.
type MarketData interface {
	GetCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]Candle, error)
	// StreamLatest yields each newly closed candle; it is infinite and not restartable.
	StreamLatest(ctx context.Context, symbol, timeframe string) <-chan Candle
}

// OrderGateway is the execution surface. A definitive exchange rejection is returned
// as an OrderResult with Accepted=false; a POST that may have landed comes back
// wrapped in ErrUnknownOutcome, other transport failures as *GatewayError.
type OrderGateway interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// LookupOrder resolves a placed order by client tag. It returns ErrOrderNotFound
	// when the venue never saw the tag and ErrOrderWorking while it is still on the book.
	LookupOrder(ctx context.Context, symbol, clientTag string) (OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]string, error)
	GetAccountBalance(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Quoter reports the current bid/ask spread in basis points of mid.
type Quoter interface {
	Spread(ctx context.Context, symbol string) (float64, error)
}

// InstrumentSource resolves venue filters for a symbol.
type InstrumentSource interface {
	Instrument(ctx context.Context, symbol string) (Instrument, error)
}
