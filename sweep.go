// FILE: sweep.go
// Package main – Profit sweep.
//
// Realized quote profit from cost-basis sells accumulates in
// CostBasis.RealizedProfit. On its interval the sweep converts
//   amount = (RealizedProfit − SweptProfit) × sweep_fraction
// into the symbol's base asset with a quote-sized market buy, when amount
// reaches sweep_threshold. The fill is folded into the cost basis like any
// other buy and SweptProfit advances by the amount spent.
//
// The sweep is not signal-gated and does not touch OpenCount or cooldown, but
// it never runs while an order is pending or awaiting reconcile. An unresolved
// sweep order is looked up by client tag like a trade, yet resolving it returns
// the state to IDLE rather than COOLDOWN. It runs on the symbol's own goroutine,
// so it is serialized with step().

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// maybeSweep runs sweep when the interval since the last attempt has elapsed.
func (t *Trader) maybeSweep(ctx context.Context, now time.Time) {
	if !t.cfg.Portfolio.SweepEnabled {
		return
	}
	every := time.Duration(t.cfg.Portfolio.SweepIntervalSec) * time.Second
	if !t.lastSweep.IsZero() && now.Sub(t.lastSweep) < every {
		return
	}
	t.apply(func(t *Trader) { t.lastSweep = now })
	if err := t.sweep(ctx, now); err != nil {
		mtxCycleErrors.WithLabelValues(t.symbol, errorKind(err)).Inc()
		t.emit(errorEvent(t.symbol, now, fmt.Errorf("sweep: %w", err)))
	}
}

// sweep converts unswept realized profit into the base asset.
func (t *Trader) sweep(ctx context.Context, now time.Time) error {
	if t.state.Phase == PhasePending || t.state.NeedsReconcile {
		t.log.Debug("[SWEEP] skipped: order pending")
		return nil
	}
	amount := t.basis.UnsweptProfit().Mul(decimal.NewFromFloat(t.cfg.Portfolio.SweepFraction))
	threshold := decimal.NewFromFloat(t.cfg.Portfolio.SweepThreshold)
	if !amount.IsPositive() || amount.LessThan(threshold) {
		return nil
	}
	if t.inst.MinNotional.IsPositive() && amount.LessThan(t.inst.MinNotional) {
		return nil
	}

	bal, err := t.balances(ctx)
	if err != nil {
		return err
	}
	if free := bal[t.inst.QuoteAsset]; free.LessThan(amount) {
		t.log.Warnf("[SWEEP] %s free %s below sweep amount %s", t.inst.QuoteAsset, free, amount)
		return nil
	}

	tag := t.tagger()
	req := OrderRequest{
		Symbol:        t.symbol,
		Side:          SideBuy,
		Type:          OrderMarket,
		QuoteQuantity: amount.Round(8),
		ClientTag:     tag,
	}
	res, err := t.place(ctx, req)
	if err != nil {
		t.setState(t.gate.UnknownSweep(t.state, tag))
		t.persist(ctx)
		t.emit(Event{Time: now, Kind: EventUnknown, Side: SideBuy, Message: "sweep order outcome unknown", Error: err.Error()})
		return err
	}
	return t.settleSweep(ctx, req, res, now)
}

// settleSweep folds a sweep fill into the cost basis. A reconciled sweep has no
// QuoteQuantity, so the amount spent is taken from the fill.
func (t *Trader) settleSweep(ctx context.Context, req OrderRequest, res OrderResult, now time.Time) error {
	if !res.Accepted {
		msg := "sweep order rejected"
		if res.Err != nil {
			msg += ": " + res.Err.Error()
		}
		t.persist(ctx)
		t.emit(Event{Time: now, Kind: EventRejected, Side: SideBuy, OrderID: res.OrderID, Message: msg})
		return nil
	}

	spent := req.QuoteQuantity
	if !spent.IsPositive() {
		spent = res.FilledQuantity.Mul(res.FilledPrice)
	}
	var basisErr error
	t.apply(func(t *Trader) {
		basisErr = t.basis.RecordBuy(res.FilledQuantity, res.FilledPrice, now)
		if basisErr == nil {
			t.basis.SweptProfit = t.basis.SweptProfit.Add(spent)
		}
	})
	t.persist(ctx)
	mtxSweeps.WithLabelValues(t.symbol).Inc()
	t.log.Infof("[SWEEP] %s %s -> %s %s @ %s", spent, t.inst.QuoteAsset, res.FilledQuantity, t.inst.BaseAsset, res.FilledPrice)
	t.emit(Event{
		Time:     now,
		Kind:     EventSweep,
		Side:     SideBuy,
		Quantity: res.FilledQuantity,
		Price:    res.FilledPrice,
		OrderID:  res.OrderID,
		Message:  fmt.Sprintf("swept %s %s into %s", spent, t.inst.QuoteAsset, t.inst.BaseAsset),
	})
	return basisErr
}
