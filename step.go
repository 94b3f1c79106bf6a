// ---------------------------------------------------------------------------------------------
// FILE: step.go – One evaluation cycle of the per-symbol coordinator
//
// Overview
//   onCandle(ctx, c, now) appends a newly closed candle and runs cycle(); cycle() wraps step()
//   and turns any failure into a timestamped event without ever stopping the loop.
//
// Deterministic Flow (step)
//   0) Reconcile: an order with unknown outcome is looked up by client tag first
//   1) Indicators over the history → IndicatorSnapshot of the last candle
//   2) Signal generator → BUY / SELL / HOLD
//   3) act():
//        - Trade gate (pending, cooldown, max open trades for entries, spread ceiling)
//        - SELL only: cost-basis gate (price must clear min_profit_percent over average)
//        - Position sizer (risk or fixed), SELL capped to the quantity held (and dropped
//          when the cap falls below min_lot)
//        - Notional guard (venue min notional, safety min/max order notional)
//        - Begin → PlaceOrder once (cancellation-detached, bounded by order_timeout_sec)
//        - Confirm / Reject / Unknown, cost-basis update, persist, event
//
// Errors
//   ErrInsufficientData → wait; ErrSuppressed → debug event; ErrInvalidRisk / ErrOversell →
//   error event (alert); *GatewayError → retried inside withRetry (never for PlaceOrder),
//   then surfaced; a failed order call leaves the state awaiting reconcile.
// ---------------------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// onCandle feeds one closed candle into the coordinator. Duplicate or older
// candles are ignored.
func (t *Trader) onCandle(ctx context.Context, c Candle, now time.Time) {
	if !t.appendCandle(c) {
		return
	}
	t.cycle(ctx, t.history, now)
}

// cycle runs step and records the outcome. It never returns an error: a failed
// cycle is logged, counted and emitted, and the next candle starts fresh.
func (t *Trader) cycle(ctx context.Context, candles []Candle, now time.Time) {
	sig, err := t.step(ctx, candles, now)
	t.apply(func(t *Trader) {
		t.lastCycle = now
		if sig.Symbol != "" {
			t.lastSignal = sig
		}
		t.lastErr = ""
		if err != nil && !errors.Is(err, ErrSuppressed) {
			t.lastErr = err.Error()
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrSuppressed):
		// already emitted by act
	case errors.Is(err, ErrInsufficientData):
		t.log.Debugf("[CYCLE] %v", err)
	default:
		mtxCycleErrors.WithLabelValues(t.symbol, errorKind(err)).Inc()
		t.emit(errorEvent(t.symbol, now, err))
	}
}

// step is one evaluation: reconcile → indicators → signal → act.
func (t *Trader) step(ctx context.Context, candles []Candle, now time.Time) (Signal, error) {
	if err := t.reconcile(ctx, now); err != nil {
		return Signal{}, err
	}

	snaps, err := Snapshots(candles, t.params)
	if err != nil {
		return Signal{}, err
	}
	sig := evaluateRules(t.rules, t.symbol, snaps, t.th)
	mtxDecisions.WithLabelValues(t.symbol, sig.Kind.String()).Inc()
	if sig.Kind != Hold {
		t.emit(Event{Time: now, Kind: EventSignal, Message: sig.Reason, Price: decimal.NewFromFloat(sig.ReferencePrice)})
	} else {
		t.log.Debugf("[CYCLE] %s", sig.Reason)
	}
	return sig, t.act(ctx, sig, now)
}

// reconcile resolves an unknown order outcome before any new order is considered.
// The order is looked up by its client tag and its fill is settled like any
// other; an order the venue never saw returns the state to IDLE.
func (t *Trader) reconcile(ctx context.Context, now time.Time) error {
	st := t.state
	if !st.NeedsReconcile {
		return nil
	}
	if st.PendingTag == "" {
		return t.reconcileOpenOrders(ctx, now)
	}
	res, err := withRetry(ctx, t.retry, t.log, "lookup_order", func(ctx context.Context) (OrderResult, error) {
		return t.gw.LookupOrder(ctx, t.symbol, st.PendingTag)
	})
	switch {
	case errors.Is(err, ErrOrderWorking):
		t.log.Infof("[RECONCILE] order %s still working", st.PendingTag)
		return nil
	case errors.Is(err, ErrOrderNotFound):
		t.setState(t.gate.Reject(st))
		t.persist(ctx)
		t.emit(Event{Time: now, Kind: EventReconciled, Side: st.PendingSide,
			Message: fmt.Sprintf("order %s never reached the exchange", st.PendingTag)})
		return nil
	case err != nil:
		return fmt.Errorf("reconcile %s: %w", st.PendingTag, err)
	}

	t.emit(Event{Time: now, Kind: EventReconciled, Side: st.PendingSide, OrderID: res.OrderID,
		Message: fmt.Sprintf("order %s resolved by client tag", st.PendingTag)})
	req := OrderRequest{Symbol: t.symbol, Side: st.PendingSide, Type: OrderMarket, ClientTag: st.PendingTag}
	if st.PendingSweep {
		t.setState(t.gate.Reject(st))
		return t.settleSweep(ctx, req, res, now)
	}
	return t.settle(ctx, req, res, nil, now)
}

// reconcileOpenOrders handles an unknown outcome without a client tag: with
// nothing left on the book the order is treated as finished.
func (t *Trader) reconcileOpenOrders(ctx context.Context, now time.Time) error {
	open, err := withRetry(ctx, t.retry, t.log, "open_orders", func(ctx context.Context) ([]string, error) {
		return t.gw.GetOpenOrders(ctx, t.symbol)
	})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	next := t.gate.Reconcile(t.state, len(open), now)
	t.setState(next)
	if next.NeedsReconcile {
		t.log.Infof("[RECONCILE] %d open orders still working", len(open))
		return nil
	}
	t.persist(ctx)
	t.emit(Event{Time: now, Kind: EventReconciled, Message: "no open orders; order treated as finished"})
	return nil
}

// act turns a signal into at most one order.
func (t *Trader) act(ctx context.Context, sig Signal, now time.Time) error {
	side, ok := sig.Kind.Side()
	if !ok {
		t.setState(t.gate.Tick(t.state, now))
		return nil
	}

	spread := 0.0
	if t.quoter != nil {
		s, err := withRetry(ctx, t.retry, t.log, "spread", func(ctx context.Context) (float64, error) {
			return t.quoter.Spread(ctx, t.symbol)
		})
		if err != nil {
			return fmt.Errorf("spread: %w", err)
		}
		spread = s
	}

	st, err := t.gate.Admit(t.state, sig, spread, now)
	t.setState(st)
	if err != nil {
		return t.suppress(now, side, err)
	}

	ref := decimal.NewFromFloat(sig.ReferencePrice)
	if side == SideSell && !t.basis.IsProfitableSell(ref, t.cfg.Portfolio.MinProfitPercent) {
		t.setState(t.gate.Reject(t.state))
		return t.suppress(now, side, fmt.Errorf("%w: sell at %s below min profit %.2f%% over avg %s (held %s)",
			ErrSuppressed, ref, t.cfg.Portfolio.MinProfitPercent, t.basis.AveragePrice, t.basis.QuantityHeld))
	}

	bal, err := t.balances(ctx)
	if err != nil {
		t.setState(t.gate.Reject(t.state))
		return err
	}
	qty, err := sizeOrder(sig.StopDistance, bal[t.inst.QuoteAsset], t.sizing)
	if err != nil {
		t.setState(t.gate.Reject(t.state))
		return err
	}
	if side == SideSell {
		held := decimal.Min(t.basis.QuantityHeld, bal[t.inst.BaseAsset])
		if qty.GreaterThan(held) {
			qty = snapDown(held, t.sizing.LotStep)
			if qty.LessThan(t.sizing.MinLot) {
				t.setState(t.gate.Reject(t.state))
				return t.suppress(now, side, fmt.Errorf("%w: holding %s below min lot %s", ErrSuppressed, held, t.sizing.MinLot))
			}
		}
	}
	qty, err = t.guardNotional(qty, ref)
	if err != nil {
		t.setState(t.gate.Reject(t.state))
		return t.suppress(now, side, err)
	}

	tag := t.tagger()
	st, err = t.gate.Begin(t.state, side, tag)
	if err != nil {
		return err
	}
	t.setState(st)
	t.persist(ctx)

	req := OrderRequest{Symbol: t.symbol, Side: side, Type: OrderMarket, Quantity: qty, ClientTag: tag}
	res, err := t.place(ctx, req)
	return t.settle(ctx, req, res, err, now)
}

// suppress counts and reports a dropped signal.
func (t *Trader) suppress(now time.Time, side OrderSide, err error) error {
	mtxSuppressed.WithLabelValues(t.symbol).Inc()
	t.emit(Event{Time: now, Kind: EventSuppressed, Side: side, Message: err.Error()})
	if !errors.Is(err, ErrSuppressed) {
		err = fmt.Errorf("%w: %v", ErrSuppressed, err)
	}
	return err
}

// guardNotional enforces the venue minimum and the configured per-order bounds.
func (t *Trader) guardNotional(qty, price decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return qty, fmt.Errorf("%w: quantity %s after lot step", ErrSuppressed, qty)
	}
	if ceiling := decimal.NewFromFloat(t.cfg.Safety.MaxOrderNotional); ceiling.IsPositive() && qty.Mul(price).GreaterThan(ceiling) {
		qty = snapDown(ceiling.Div(price), t.sizing.LotStep)
	}
	notional := qty.Mul(price)
	if floor := t.inst.MinNotional; floor.IsPositive() && notional.LessThan(floor) {
		return qty, fmt.Errorf("%w: notional %s below venue minimum %s", ErrSuppressed, notional.StringFixed(4), floor)
	}
	if floor := decimal.NewFromFloat(t.cfg.Safety.MinOrderNotional); floor.IsPositive() && notional.LessThan(floor) {
		return qty, fmt.Errorf("%w: notional %s below min_order_notional %s", ErrSuppressed, notional.StringFixed(4), floor)
	}
	if !qty.IsPositive() {
		return qty, fmt.Errorf("%w: quantity %s after notional cap", ErrSuppressed, qty)
	}
	return qty, nil
}

// place submits req once on a context that survives loop cancellation, bounded
// by the order timeout. It is never retried: a second POST with the same client
// tag cannot tell a lost answer from a lost request.
func (t *Trader) place(ctx context.Context, req OrderRequest) (OrderResult, error) {
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.OrderTimeout())
	defer cancel()
	return t.gw.PlaceOrder(octx, req)
}

// settle applies the outcome of an order to state and cost basis.
func (t *Trader) settle(ctx context.Context, req OrderRequest, res OrderResult, err error, now time.Time) error {
	ev := Event{Time: now, Side: req.Side, Quantity: req.Quantity, OrderID: res.OrderID}

	if err != nil {
		t.setState(t.gate.Unknown(t.state))
		t.persist(ctx)
		mtxOrders.WithLabelValues(t.mode, string(req.Side), "unknown").Inc()
		ev.Kind, ev.Message, ev.Error = EventUnknown, "order outcome unknown; reconcile pending", err.Error()
		t.emit(ev)
		if !errors.Is(err, ErrUnknownOutcome) {
			return fmt.Errorf("%w: %w", ErrUnknownOutcome, err)
		}
		return err
	}

	if !res.Accepted {
		t.setState(t.gate.Reject(t.state))
		t.persist(ctx)
		mtxOrders.WithLabelValues(t.mode, string(req.Side), "rejected").Inc()
		ev.Kind, ev.Message = EventRejected, "order rejected"
		if res.Err != nil {
			ev.Error = res.Err.Error()
		}
		t.emit(ev)
		return nil
	}

	t.setState(t.gate.Confirm(t.state, req.Side, now))
	var basisErr error
	t.apply(func(t *Trader) {
		switch req.Side {
		case SideBuy:
			basisErr = t.basis.RecordBuy(res.FilledQuantity, res.FilledPrice, now)
		case SideSell:
			_, basisErr = t.basis.RecordSell(res.FilledQuantity, res.FilledPrice, now)
		}
	})
	t.persist(ctx)
	mtxOrders.WithLabelValues(t.mode, string(req.Side), "filled").Inc()

	ev.Kind = EventOrder
	ev.Quantity, ev.Price = res.FilledQuantity, res.FilledPrice
	ev.Message = fmt.Sprintf("%s %s %s @ %s", req.Side, res.FilledQuantity, t.symbol, res.FilledPrice)
	t.emit(ev)
	return basisErr
}
