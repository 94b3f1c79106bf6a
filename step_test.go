package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// buySnapshot: close 4×ATR below a flat EMA200, RSI 20, EMA50 >= EMA200, ATR 0.01.
func buySnapshot(at time.Time) IndicatorSnapshot {
	return IndicatorSnapshot{Time: at, EMAFast: 1.0, EMASlow: 1.0, ATR: 0.01, RSI: 20, Close: 0.96}
}

func sellSnapshot(at time.Time, price float64) IndicatorSnapshot {
	return IndicatorSnapshot{Time: at, EMAFast: 90, EMASlow: 90, ATR: 1, RSI: 80, Close: price}
}

func xrpConfig() *Config {
	cfg := testConfig()
	cfg.Strategy.DevMult = 3
	cfg.Strategy.RSIOversold = 28
	cfg.Strategy.RSIOverbought = 72
	return cfg
}

func TestActBuySizedFromRiskBudget(t *testing.T) {
	cfg := xrpConfig()
	rig := newTestTrader(t, cfg, nil, nil)
	ctx := context.Background()

	sig := evaluateSignal("XRPUSDT", buySnapshot(t0), cfg.Thresholds())
	if sig.Kind != Buy || !near(sig.StopDistance, cfg.Strategy.SLATRMult*0.01, 1e-12) {
		t.Fatalf("signal %+v", sig)
	}
	rig.paper.SetMark("XRPUSDT", 0.96, t0)

	if err := rig.t.act(ctx, sig, t0); err != nil {
		t.Fatalf("act: %v", err)
	}
	// 1000 × 1% / (0.015 × 1) = 666.67 → clamp [1,1000] → step 0.01
	want := d("666.66")
	snap := rig.t.Snapshot()
	if !snap.CostBasis.QuantityHeld.Equal(want) || !snap.CostBasis.AveragePrice.Equal(d("0.96")) {
		t.Fatalf("basis %+v, want %s @ 0.96", snap.CostBasis, want)
	}
	if snap.Position.Phase != PhaseCooldown || snap.Position.OpenCount != 1 {
		t.Fatalf("position %+v", snap.Position)
	}
	evs := rig.rec.Events()
	if len(evs) != 1 || evs[0].Kind != EventOrder || !evs[0].Quantity.Equal(want) {
		t.Fatalf("events %+v", evs)
	}
	if saved, ok, _ := rig.store.Load(ctx, "XRPUSDT"); !ok || !saved.CostBasis.QuantityHeld.Equal(want) {
		t.Fatalf("state not persisted: %+v", saved)
	}
}

func TestActTwoBuysOneOrderWithMaxOpenTradesOne(t *testing.T) {
	cfg := xrpConfig()
	cfg.Safety.MaxOpenTrades = 1
	cfg.Safety.MinBarsBetweenTrades = 0
	rig := newTestTrader(t, cfg, nil, nil)
	ctx := context.Background()
	rig.paper.SetMark("XRPUSDT", 0.96, t0)

	sig := evaluateSignal("XRPUSDT", buySnapshot(t0), cfg.Thresholds())
	if err := rig.t.act(ctx, sig, t0); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	sig2 := evaluateSignal("XRPUSDT", buySnapshot(t0.Add(time.Hour)), cfg.Thresholds())
	if err := rig.t.act(ctx, sig2, t0.Add(time.Hour)); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("second buy: err=%v want ErrSuppressed", err)
	}
	if rig.paper.Fills() != 1 || rig.rec.Count(EventOrder) != 1 || rig.rec.Count(EventSuppressed) != 1 {
		t.Fatalf("fills=%d orders=%d suppressed=%d", rig.paper.Fills(), rig.rec.Count(EventOrder), rig.rec.Count(EventSuppressed))
	}
}

func TestActSellGatedByCostBasis(t *testing.T) {
	cfg := xrpConfig()
	cfg.Portfolio.MinProfitPercent = 1
	rig := newTestTrader(t, cfg, nil, nil)
	ctx := context.Background()

	rig.t.apply(func(tr *Trader) {
		tr.basis = CostBasis{Symbol: "XRPUSDT", QuantityHeld: d("10"), AveragePrice: d("100")}
	})
	rig.paper.SetBalance("XRP", d("10"))

	// 0.5% over the average: gated, no order.
	rig.paper.SetMark("XRPUSDT", 100.5, t0)
	sig := evaluateSignal("XRPUSDT", sellSnapshot(t0, 100.5), cfg.Thresholds())
	if sig.Kind != Sell {
		t.Fatalf("signal %+v", sig)
	}
	if err := rig.t.act(ctx, sig, t0); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("sell at 100.5: err=%v want ErrSuppressed", err)
	}
	if rig.paper.Fills() != 0 {
		t.Fatalf("order placed below min profit")
	}
	if ph := rig.t.Snapshot().Position.Phase; ph != PhaseIdle {
		t.Fatalf("phase after gated sell=%s", ph)
	}

	// 2% over the average: order placed.
	rig.paper.SetMark("XRPUSDT", 102, t0.Add(time.Hour))
	sig = evaluateSignal("XRPUSDT", sellSnapshot(t0.Add(time.Hour), 102), cfg.Thresholds())
	if err := rig.t.act(ctx, sig, t0.Add(time.Hour)); err != nil {
		t.Fatalf("sell at 102: %v", err)
	}
	if rig.paper.Fills() != 1 {
		t.Fatalf("fills=%d want 1", rig.paper.Fills())
	}
	// 1000 × 1% / 1.5 = 6.67 → 6.66 sold, average unchanged.
	cb := rig.t.Snapshot().CostBasis
	if !cb.QuantityHeld.Equal(d("3.34")) || !cb.AveragePrice.Equal(d("100")) {
		t.Fatalf("basis after sell %+v", cb)
	}
	if !cb.RealizedProfit.Equal(d("13.32")) {
		t.Fatalf("realized=%s want 13.32", cb.RealizedProfit)
	}
}

func TestActSellCappedToHolding(t *testing.T) {
	cfg := xrpConfig()
	cfg.Portfolio.MinProfitPercent = 1
	rig := newTestTrader(t, cfg, nil, nil)
	rig.t.apply(func(tr *Trader) {
		tr.basis = CostBasis{Symbol: "XRPUSDT", QuantityHeld: d("2.5"), AveragePrice: d("100")}
	})
	rig.paper.SetBalance("XRP", d("2.5"))
	rig.paper.SetMark("XRPUSDT", 110, t0)

	sig := evaluateSignal("XRPUSDT", sellSnapshot(t0, 110), cfg.Thresholds())
	if err := rig.t.act(context.Background(), sig, t0); err != nil {
		t.Fatalf("act: %v", err)
	}
	if cb := rig.t.Snapshot().CostBasis; !cb.QuantityHeld.IsZero() {
		t.Fatalf("held=%s, want the whole holding sold", cb.QuantityHeld)
	}
}

func TestActNotionalGuard(t *testing.T) {
	cfg := xrpConfig()
	cfg.Safety.MaxOrderNotional = 50
	rig := newTestTrader(t, cfg, nil, nil)
	rig.paper.SetMark("XRPUSDT", 0.96, t0)

	sig := evaluateSignal("XRPUSDT", buySnapshot(t0), cfg.Thresholds())
	if err := rig.t.act(context.Background(), sig, t0); err != nil {
		t.Fatalf("act: %v", err)
	}
	// 50 / 0.96 = 52.083 → 52.08
	if held := rig.t.Snapshot().CostBasis.QuantityHeld; !held.Equal(d("52.08")) {
		t.Fatalf("held=%s want 52.08", held)
	}

	cfg2 := xrpConfig()
	cfg2.Safety.MinOrderNotional = 5000
	rig2 := newTestTrader(t, cfg2, nil, nil)
	rig2.paper.SetMark("XRPUSDT", 0.96, t0)
	if err := rig2.t.act(context.Background(), sig, t0); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("below min notional: err=%v want ErrSuppressed", err)
	}
	if rig2.paper.Fills() != 0 || rig2.t.Snapshot().Position.Phase != PhaseIdle {
		t.Fatal("order under the minimum notional must not be sent")
	}
}

func TestActRejectionReturnsIdle(t *testing.T) {
	cfg := xrpConfig()
	cfg.Sizing.Mode = string(SizingFixed)
	cfg.Sizing.FixedQuantity = 100
	rig := newTestTrader(t, cfg, nil, nil)
	// 100 × 0.96 is more than the simulator wallet holds.
	rig.paper.SetBalance("USDT", d("10"))
	rig.paper.SetMark("XRPUSDT", 0.96, t0)

	sig := evaluateSignal("XRPUSDT", buySnapshot(t0), cfg.Thresholds())
	if err := rig.t.act(context.Background(), sig, t0); err != nil {
		t.Fatalf("a definitive rejection is not a cycle error: %v", err)
	}
	snap := rig.t.Snapshot()
	if snap.Position.Phase != PhaseIdle || snap.Position.OpenCount != 0 || !snap.CostBasis.QuantityHeld.IsZero() {
		t.Fatalf("after rejection: %+v", snap)
	}
	if rig.rec.Count(EventRejected) != 1 {
		t.Fatalf("events %+v", rig.rec.Events())
	}
}

// timeoutGateway simulates an order call that never got an answer. LookupOrder
// answers for the last placed tag with lookup/lookupErr.
type timeoutGateway struct {
	*PaperBroker
	placeErr  error
	placed    []OrderRequest
	lookup    OrderResult
	lookupErr error
	open      []string
}

func (g *timeoutGateway) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	g.placed = append(g.placed, req)
	if g.placeErr != nil {
		return OrderResult{}, g.placeErr
	}
	return OrderResult{}, &GatewayError{Op: "POST /api/v3/order", Err: context.DeadlineExceeded}
}

func (g *timeoutGateway) LookupOrder(_ context.Context, _ string, tag string) (OrderResult, error) {
	if len(g.placed) == 0 || g.placed[len(g.placed)-1].ClientTag != tag {
		return OrderResult{}, ErrOrderNotFound
	}
	return g.lookup, g.lookupErr
}

func (g *timeoutGateway) GetOpenOrders(context.Context, string) ([]string, error) {
	return g.open, nil
}

func timeoutRig(t *testing.T) (traderRig, *timeoutGateway, Signal) {
	t.Helper()
	cfg := xrpConfig()
	paper := NewPaperBroker("USDT", 1000, 0)
	gw := &timeoutGateway{PaperBroker: paper, lookupErr: ErrOrderWorking}
	rig := newTestTrader(t, cfg, gw, paper)
	paper.SetMark("XRPUSDT", 0.96, t0)
	return rig, gw, evaluateSignal("XRPUSDT", buySnapshot(t0), cfg.Thresholds())
}

func TestUnknownOutcomeResolvedByClientTag(t *testing.T) {
	rig, gw, sig := timeoutRig(t)
	ctx := context.Background()

	err := rig.t.act(ctx, sig, t0)
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("err=%v want ErrUnknownOutcome", err)
	}
	st := rig.t.Snapshot().Position
	if st.Phase != PhasePending || !st.NeedsReconcile || st.OpenCount != 0 || st.PendingSide != SideBuy {
		t.Fatalf("state after timeout %+v", st)
	}
	if st.PendingTag == "" || st.PendingTag != gw.placed[0].ClientTag {
		t.Fatalf("pending tag %q, placed %+v", st.PendingTag, gw.placed)
	}
	if rig.rec.Count(EventUnknown) != 1 {
		t.Fatalf("events %+v", rig.rec.Events())
	}

	// The order is still working: nothing changes and new entries stay blocked.
	if err := rig.t.reconcile(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if !rig.t.Snapshot().Position.NeedsReconcile {
		t.Fatal("reconciled while the order is working")
	}
	if err := rig.t.act(ctx, sig, t0.Add(time.Hour)); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("entry before reconcile: err=%v", err)
	}

	// The venue reports the fill: it is settled like a direct fill.
	gw.lookup = OrderResult{OrderID: "C02__5", Accepted: true, FilledQuantity: d("100"), FilledPrice: d("0.97"), Time: t0}
	gw.lookupErr = nil
	now := t0.Add(2 * time.Hour)
	if err := rig.t.reconcile(ctx, now); err != nil {
		t.Fatal(err)
	}
	snap := rig.t.Snapshot()
	if st := snap.Position; st.NeedsReconcile || st.Phase != PhaseCooldown || st.OpenCount != 1 || !st.LastTradeTime.Equal(now) || st.PendingTag != "" {
		t.Fatalf("after reconcile %+v", st)
	}
	if !snap.CostBasis.QuantityHeld.Equal(d("100")) || !snap.CostBasis.AveragePrice.Equal(d("0.97")) {
		t.Fatalf("reconciled fill not recorded: %+v", snap.CostBasis)
	}
	if rig.rec.Count(EventReconciled) != 1 || rig.rec.Count(EventOrder) != 1 {
		t.Fatalf("events %+v", rig.rec.Events())
	}
	if saved, ok, _ := rig.store.Load(ctx, "XRPUSDT"); !ok || !saved.CostBasis.QuantityHeld.Equal(d("100")) {
		t.Fatalf("reconciled fill not persisted: %+v", saved)
	}
}

func TestUnknownOutcomeNeverPlacedReturnsIdle(t *testing.T) {
	rig, gw, sig := timeoutRig(t)
	ctx := context.Background()
	_ = rig.t.act(ctx, sig, t0)

	gw.placed = nil // the venue never saw the tag
	if err := rig.t.reconcile(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	st := rig.t.Snapshot().Position
	if st.Phase != PhaseIdle || st.NeedsReconcile || !st.LastTradeTime.IsZero() || st.OpenCount != 0 {
		t.Fatalf("an order that never landed must not start a cooldown: %+v", st)
	}
	if err := rig.t.act(ctx, sig, t0.Add(time.Hour)); !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("next entry should be attempted again, err=%v", err)
	}
}

func TestUnknownOutcomeRejectedByVenue(t *testing.T) {
	rig, gw, sig := timeoutRig(t)
	ctx := context.Background()
	_ = rig.t.act(ctx, sig, t0)

	gw.lookup, gw.lookupErr = OrderResult{OrderID: "C02__6", Accepted: false}, nil
	if err := rig.t.reconcile(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if st := rig.t.Snapshot().Position; st.Phase != PhaseIdle || st.NeedsReconcile || st.OpenCount != 0 {
		t.Fatalf("after rejected lookup %+v", st)
	}
	if rig.rec.Count(EventRejected) != 1 {
		t.Fatalf("events %+v", rig.rec.Events())
	}
}

func TestPlaceOrderIsNotRetried(t *testing.T) {
	cfg := xrpConfig()
	paper := NewPaperBroker("USDT", 1000, 0)
	gw := &timeoutGateway{PaperBroker: paper, placeErr: &GatewayError{Op: "POST /api/v3/order", StatusCode: 503}}
	retry := retryPolicy{MaxRetries: 3, Initial: time.Millisecond, Max: time.Millisecond}
	tr, err := NewTrader(context.Background(), cfg, "XRPUSDT", TraderDeps{
		Gateway: gw, Quoter: paper, Instruments: paper, Store: newMemoryStore(),
		Log: quietLogger(), Tagger: sequentialTagger("XRPUSDT"), Retry: &retry,
	})
	if err != nil {
		t.Fatal(err)
	}
	paper.SetMark("XRPUSDT", 0.96, t0)

	err = tr.act(context.Background(), evaluateSignal("XRPUSDT", buySnapshot(t0), cfg.Thresholds()), t0)
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("err=%v want ErrUnknownOutcome", err)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("order posted %d times, want once", len(gw.placed))
	}
	if st := tr.Snapshot().Position; !st.NeedsReconcile {
		t.Fatalf("a failed POST must await reconcile: %+v", st)
	}
}

func TestUntaggedUnknownFallsBackToOpenOrders(t *testing.T) {
	rig, gw, _ := timeoutRig(t)
	ctx := context.Background()
	rig.t.apply(func(tr *Trader) {
		tr.state = PositionState{Symbol: "XRPUSDT", Phase: PhasePending, NeedsReconcile: true}
	})

	gw.open = []string{"123"}
	if err := rig.t.reconcile(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if !rig.t.Snapshot().Position.NeedsReconcile {
		t.Fatal("reconciled while an order is open")
	}

	gw.open = nil
	now := t0.Add(2 * time.Hour)
	if err := rig.t.reconcile(ctx, now); err != nil {
		t.Fatal(err)
	}
	st := rig.t.Snapshot().Position
	if st.NeedsReconcile || st.Phase != PhaseCooldown || !st.LastTradeTime.Equal(now) {
		t.Fatalf("after reconcile %+v", st)
	}
	if rig.rec.Count(EventReconciled) != 1 {
		t.Fatal("missing reconciled event")
	}
}

func TestActSellBelowMinLotAfterCapIsSuppressed(t *testing.T) {
	cfg := xrpConfig()
	cfg.Portfolio.MinProfitPercent = 1
	rig := newTestTrader(t, cfg, nil, nil)
	rig.t.apply(func(tr *Trader) {
		tr.basis = CostBasis{Symbol: "XRPUSDT", QuantityHeld: d("0.5"), AveragePrice: d("100")}
	})
	rig.paper.SetBalance("XRP", d("0.5"))
	rig.paper.SetMark("XRPUSDT", 110, t0)

	sig := evaluateSignal("XRPUSDT", sellSnapshot(t0, 110), cfg.Thresholds())
	if err := rig.t.act(context.Background(), sig, t0); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("err=%v want ErrSuppressed", err)
	}
	if rig.paper.Fills() != 0 || rig.rec.Count(EventSuppressed) != 1 {
		t.Fatalf("fills=%d events %+v", rig.paper.Fills(), rig.rec.Events())
	}
	if st := rig.t.Snapshot().Position; st.Phase != PhaseIdle || !st.LastTradeTime.IsZero() {
		t.Fatalf("position %+v", st)
	}
}

func TestCycleInsufficientDataIsQuiet(t *testing.T) {
	rig := newTestTrader(t, testConfig(), nil, nil)
	rig.t.onCandle(context.Background(), flatCandles(1, 1, 0.01)[0], t0.Add(time.Hour))
	snap := rig.t.Snapshot()
	if snap.LastError == "" || snap.Candles != 1 {
		t.Fatalf("snapshot %+v", snap)
	}
	if n := len(rig.rec.Events()); n != 0 {
		t.Fatalf("insufficient data emitted %d events", n)
	}
}

func TestOnCandleIgnoresStaleCandles(t *testing.T) {
	rig := newTestTrader(t, testConfig(), nil, nil)
	cs := flatCandles(3, 1, 0.01)
	rig.t.seed(cs)
	rig.t.onCandle(context.Background(), cs[1], t0.Add(5*time.Hour))
	if snap := rig.t.Snapshot(); snap.Candles != 3 || !snap.LastCycle.IsZero() {
		t.Fatalf("stale candle ran a cycle: %+v", snap)
	}
}

func TestRestoreFromStore(t *testing.T) {
	cfg := testConfig()
	store := newMemoryStore()
	saved := SymbolState{
		Position:  PositionState{Symbol: "XRPUSDT", Phase: PhaseCooldown, OpenCount: 1, LastTradeTime: t0},
		CostBasis: CostBasis{Symbol: "XRPUSDT", QuantityHeld: d("42"), AveragePrice: d("0.5")},
	}
	_ = store.Save(context.Background(), saved)

	paper := NewPaperBroker("USDT", 1000, 0)
	tr, err := NewTrader(context.Background(), cfg, "XRPUSDT", TraderDeps{Gateway: paper, Store: store, Log: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	snap := tr.Snapshot()
	if snap.Position.OpenCount != 1 || !snap.CostBasis.QuantityHeld.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("restored %+v", snap)
	}
}
