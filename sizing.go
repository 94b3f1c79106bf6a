// FILE: sizing.go
// Package main – Position sizer.
//
// Risk mode:
//   raw = (balance × risk% / 100) / (stopDistance × tickValue)
// Fixed mode bypasses the formula and uses FixedQuantity.
// Both modes clamp to [MinLot, MaxLot] and round down to LotStep in decimal
// arithmetic so the exchange never sees float noise.

package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizingMode selects how order quantity is derived.
type SizingMode string

const (
	SizingRisk  SizingMode = "risk"
	SizingFixed SizingMode = "fixed"
)

// SizingParams are the sizer inputs taken from config and instrument filters.
type SizingParams struct {
	Mode          SizingMode
	RiskPercent   float64
	FixedQuantity decimal.Decimal
	TickValue     float64
	MinLot        decimal.Decimal
	MaxLot        decimal.Decimal
	LotStep       decimal.Decimal
}

// sizeOrder converts a stop distance and account balance into an order quantity.
// It fails with ErrInvalidRisk when stopDistance <= 0 or tickValue <= 0 in risk mode.
func sizeOrder(stopDistance float64, balance decimal.Decimal, p SizingParams) (decimal.Decimal, error) {
	if p.Mode == SizingFixed {
		return clampLot(p.FixedQuantity, p), nil
	}
	if stopDistance <= 0 {
		return decimal.Zero, fmt.Errorf("%w: stop distance %.8g <= 0", ErrInvalidRisk, stopDistance)
	}
	if p.TickValue <= 0 {
		return decimal.Zero, fmt.Errorf("%w: tick value %.8g <= 0", ErrInvalidRisk, p.TickValue)
	}
	budget := balance.Mul(decimal.NewFromFloat(p.RiskPercent)).Div(decimal.NewFromInt(100))
	perUnit := decimal.NewFromFloat(stopDistance).Mul(decimal.NewFromFloat(p.TickValue))
	raw := budget.Div(perUnit)
	return clampLot(raw, p), nil
}

// clampLot bounds q to [MinLot, MaxLot] and snaps it down to LotStep.
func clampLot(q decimal.Decimal, p SizingParams) decimal.Decimal {
	if q.LessThan(p.MinLot) {
		q = p.MinLot
	}
	if p.MaxLot.IsPositive() && q.GreaterThan(p.MaxLot) {
		q = p.MaxLot
	}
	q = snapDown(q, p.LotStep)
	if q.LessThan(p.MinLot) {
		q = p.MinLot
	}
	return q
}

// snapDown rounds x down to a multiple of step; a non-positive step leaves x untouched.
func snapDown(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).Floor().Mul(step)
}
