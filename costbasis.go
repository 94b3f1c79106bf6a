// FILE: costbasis.go
// Package main – Weighted-average cost basis per symbol.
//
//   RecordBuy(q, p):  avg = (held×avg + q×p) / (held + q); held += q
//   RecordSell(q, p): q <= held else ErrOversell; held -= q; avg unchanged
//   IsProfitableSell(p, min%): (p − avg)/avg >= min%/100
//
// Realized profit from sells accumulates for the profit sweep. All values are
// decimals so persisted snapshots round-trip exactly.

package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CostBasis is the acquisition record of one symbol. Never negative quantity.
type CostBasis struct {
	Symbol         string          `json:"symbol"`
	QuantityHeld   decimal.Decimal `json:"quantity_held"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	SweptProfit    decimal.Decimal `json:"swept_profit"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RecordBuy folds a buy fill into the weighted average.
func (cb *CostBasis) RecordBuy(qty, price decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("record buy %s: quantity %s and price %s must be > 0", cb.Symbol, qty, price)
	}
	total := cb.QuantityHeld.Add(qty)
	cost := cb.QuantityHeld.Mul(cb.AveragePrice).Add(qty.Mul(price))
	cb.AveragePrice = cost.Div(total)
	cb.QuantityHeld = total
	cb.UpdatedAt = at
	return nil
}

// RecordSell reduces the holding and returns the realized profit of the fill.
func (cb *CostBasis) RecordSell(qty, price decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("record sell %s: quantity %s must be > 0", cb.Symbol, qty)
	}
	if qty.GreaterThan(cb.QuantityHeld) {
		return decimal.Zero, fmt.Errorf("%w: %s sell %s > held %s", ErrOversell, cb.Symbol, qty, cb.QuantityHeld)
	}
	realized := price.Sub(cb.AveragePrice).Mul(qty)
	cb.QuantityHeld = cb.QuantityHeld.Sub(qty)
	cb.RealizedProfit = cb.RealizedProfit.Add(realized)
	cb.UpdatedAt = at
	return realized, nil
}

// IsProfitableSell reports whether selling at price clears minProfitPct over the average.
// With no basis there is nothing to protect and nothing to sell, so it is false.
func (cb CostBasis) IsProfitableSell(price decimal.Decimal, minProfitPct float64) bool {
	if !cb.AveragePrice.IsPositive() || !cb.QuantityHeld.IsPositive() {
		return false
	}
	gain := price.Sub(cb.AveragePrice).Div(cb.AveragePrice)
	return gain.GreaterThanOrEqual(decimal.NewFromFloat(minProfitPct).Div(decimal.NewFromInt(100)))
}

// UnsweptProfit is realized profit not yet converted by the sweep.
func (cb CostBasis) UnsweptProfit() decimal.Decimal {
	return cb.RealizedProfit.Sub(cb.SweptProfit)
}
