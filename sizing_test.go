package main

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func riskParams() SizingParams {
	return SizingParams{
		Mode:        SizingRisk,
		RiskPercent: 1,
		TickValue:   1,
		MinLot:      decimal.NewFromInt(1),
		MaxLot:      decimal.NewFromInt(1000),
		LotStep:     decimal.RequireFromString("0.01"),
	}
}

func TestSizeOrderRiskFormula(t *testing.T) {
	// budget 10 / (0.015 × 1) = 666.67 → stepped down to 666.66
	q, err := sizeOrder(0.015, decimal.NewFromInt(1000), riskParams())
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString("666.66"); !q.Equal(want) {
		t.Fatalf("qty=%s want %s", q, want)
	}
}

func TestSizeOrderClamps(t *testing.T) {
	p := riskParams()
	if q, _ := sizeOrder(0.001, decimal.NewFromInt(1_000_000), p); !q.Equal(p.MaxLot) {
		t.Fatalf("qty=%s want max lot %s", q, p.MaxLot)
	}
	if q, _ := sizeOrder(5, decimal.NewFromInt(10), p); !q.Equal(p.MinLot) {
		t.Fatalf("qty=%s want min lot %s", q, p.MinLot)
	}
}

func TestSizeOrderAlwaysWithinLots(t *testing.T) {
	p := riskParams()
	for _, bal := range []int64{0, 1, 50, 999, 12345, 10_000_000} {
		for _, stop := range []float64{0.0001, 0.01, 0.5, 3, 250} {
			q, err := sizeOrder(stop, decimal.NewFromInt(bal), p)
			if err != nil {
				t.Fatalf("bal=%d stop=%v: %v", bal, stop, err)
			}
			if q.LessThan(p.MinLot) || q.GreaterThan(p.MaxLot) {
				t.Fatalf("bal=%d stop=%v: qty %s outside [%s,%s]", bal, stop, q, p.MinLot, p.MaxLot)
			}
			if !q.Mod(p.LotStep).IsZero() {
				t.Fatalf("bal=%d stop=%v: qty %s not on lot step", bal, stop, q)
			}
		}
	}
}

func TestSizeOrderInvalidRisk(t *testing.T) {
	p := riskParams()
	for _, stop := range []float64{0, -0.01} {
		if _, err := sizeOrder(stop, decimal.NewFromInt(1000), p); !errors.Is(err, ErrInvalidRisk) {
			t.Fatalf("stop=%v: err=%v want ErrInvalidRisk", stop, err)
		}
	}
	p.TickValue = 0
	if _, err := sizeOrder(0.01, decimal.NewFromInt(1000), p); !errors.Is(err, ErrInvalidRisk) {
		t.Fatalf("tick 0: err=%v want ErrInvalidRisk", err)
	}
}

func TestSizeOrderFixedBypassesFormula(t *testing.T) {
	p := riskParams()
	p.Mode = SizingFixed
	p.FixedQuantity = decimal.RequireFromString("12.345")
	q, err := sizeOrder(0, decimal.Zero, p)
	if err != nil {
		t.Fatalf("fixed mode must not need a stop: %v", err)
	}
	if want := decimal.RequireFromString("12.34"); !q.Equal(want) {
		t.Fatalf("qty=%s want %s", q, want)
	}
}

func TestSnapDown(t *testing.T) {
	got := snapDown(decimal.RequireFromString("1.239"), decimal.RequireFromString("0.01"))
	if !got.Equal(decimal.RequireFromString("1.23")) {
		t.Fatalf("snapDown=%s", got)
	}
	x := decimal.RequireFromString("1.239")
	if !snapDown(x, decimal.Zero).Equal(x) {
		t.Fatal("zero step must leave the value untouched")
	}
}
