// FILE: trader.go
// Package main – Per-symbol execution coordinator.
//
// What's here:
//   • Trader: holds config, gateway, quoter, venue filters, the trade gate,
//     the symbol's PositionState and CostBasis, its candle history, and a mutex
//   • NewTrader: resolves the instrument and restores persisted state
//   • persistence + snapshot helpers used by the status API
//
// Concurrency design:
//   - Exactly one goroutine (the symbol loop, or the backtest) drives a Trader,
//     so it is the only writer of state/basis/history.
//   - Writes happen under t.mu; the status server reads through Snapshot()
//     under the read lock. Network I/O is never done while holding the lock.
//
// The evaluation cycle itself lives in step.go and the profit sweep in sweep.go.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// TraderDeps are the collaborators of one symbol's coordinator.
type TraderDeps struct {
	Gateway     OrderGateway
	Quoter      Quoter           // optional; nil means spread 0
	Instruments InstrumentSource // optional; nil derives filters from config
	Store       StateStore
	Events      Emitter
	Log         *logrus.Logger
	Tagger      func() string // client order ids; nil uses random tags
	Mode        string        // paper|live, metrics label
	Retry       *retryPolicy  // nil uses defaultRetryPolicy(cfg.Exchange.MaxRetries)
}

type Trader struct {
	cfg    *Config
	symbol string

	gw     OrderGateway
	quoter Quoter
	inst   Instrument
	gate   TradeGate
	params IndicatorParams
	th     Thresholds
	rules  string
	sizing SizingParams

	store  StateStore
	events Emitter
	log    *logrus.Entry
	retry  retryPolicy
	tagger func() string
	mode   string

	mu         sync.RWMutex
	state      PositionState
	basis      CostBasis
	history    []Candle
	lastSignal Signal
	lastErr    string
	lastCycle  time.Time
	lastSweep  time.Time
}

// NewTrader wires a coordinator for symbol and restores its persisted state.
func NewTrader(ctx context.Context, cfg *Config, symbol string, deps TraderDeps) (*Trader, error) {
	if deps.Gateway == nil {
		return nil, errors.New("trader needs an order gateway")
	}
	if deps.Store == nil {
		deps.Store = newMemoryStore()
	}
	if deps.Events == nil {
		deps.Events = directEmitter{}
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Tagger == nil {
		deps.Tagger = randomTagger()
	}
	if deps.Mode == "" {
		deps.Mode = deps.Gateway.Name()
	}
	rules, err := normalizeRules(cfg.Strategy.Name)
	if err != nil {
		return nil, err
	}
	pol := defaultRetryPolicy(cfg.Exchange.MaxRetries)
	if deps.Retry != nil {
		pol = *deps.Retry
	}

	t := &Trader{
		cfg:    cfg,
		symbol: symbol,
		gw:     deps.Gateway,
		quoter: deps.Quoter,
		gate:   cfg.TradeGate(),
		params: cfg.IndicatorParams(),
		th:     cfg.Thresholds(),
		rules:  rules,
		store:  deps.Store,
		events: deps.Events,
		log:    symbolLog(deps.Log, symbol),
		retry:  pol,
		tagger: deps.Tagger,
		mode:   deps.Mode,
		state:  newPositionState(symbol),
		basis:  CostBasis{Symbol: symbol},
	}

	base, quote := splitSymbol(symbol, cfg.Portfolio.QuoteAsset)
	t.inst = Instrument{Symbol: symbol, BaseAsset: base, QuoteAsset: quote}
	if deps.Instruments != nil {
		inst, err := withRetry(ctx, pol, t.log, "instrument", func(ctx context.Context) (Instrument, error) {
			return deps.Instruments.Instrument(ctx, symbol)
		})
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", symbol, err)
		}
		t.inst = inst
	}
	t.sizing = cfg.SizingParams(t.inst)

	st, ok, err := t.store.Load(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", symbol, err)
	}
	if ok {
		t.state = st.Position
		t.state.Symbol = symbol
		t.basis = st.CostBasis
		t.basis.Symbol = symbol
		t.log.Infof("[BOOT] restored state phase=%s open=%d held=%s avg=%s",
			t.state.Phase, t.state.OpenCount, t.basis.QuantityHeld, t.basis.AveragePrice)
	}
	observeState(t.state, t.basis)
	return t, nil
}

func (t *Trader) Symbol() string { return t.symbol }

// ---- Client tags ----

// randomTagger yields unique client order ids for live trading.
func randomTagger() func() string {
	return func() string {
		return "mb" + strings.ReplaceAll(uuid.NewString(), "-", "")[:30]
	}
}

// sequentialTagger yields the same id sequence on every run; backtests use it.
func sequentialTagger(symbol string) func() string {
	var n int
	return func() string {
		n++
		id := uuid.NewSHA1(paperNamespace, []byte("tag:"+symbol+"#"+strconv.Itoa(n)))
		return "mb" + strings.ReplaceAll(id.String(), "-", "")[:30]
	}
}

// ---- State access ----

// apply runs fn under the write lock.
func (t *Trader) apply(fn func(*Trader)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

func (t *Trader) setState(st PositionState) {
	t.apply(func(t *Trader) { t.state = st })
}

// TraderSnapshot is a read-only copy for the status API and reports.
type TraderSnapshot struct {
	Symbol     string        `json:"symbol"`
	Position   PositionState `json:"position"`
	CostBasis  CostBasis     `json:"cost_basis"`
	LastSignal *Signal       `json:"last_signal,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastCycle  time.Time     `json:"last_cycle"`
	Candles    int           `json:"candles"`
}

func (t *Trader) Snapshot() TraderSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := TraderSnapshot{
		Symbol:    t.symbol,
		Position:  t.state,
		CostBasis: t.basis,
		LastError: t.lastErr,
		LastCycle: t.lastCycle,
		Candles:   len(t.history),
	}
	if !t.lastSignal.Time.IsZero() {
		sig := t.lastSignal
		s.LastSignal = &sig
	}
	return s
}

// ---- History ----

// seed replaces the history with candles (warmup).
func (t *Trader) seed(candles []Candle) {
	cs := make([]Candle, len(candles))
	copy(cs, candles)
	t.apply(func(t *Trader) { t.history = t.capHistory(cs) })
}

// appendCandle adds c when it is newer than the last known candle.
func (t *Trader) appendCandle(c Candle) bool {
	added := false
	t.apply(func(t *Trader) {
		if n := len(t.history); n > 0 && !c.OpenTime.After(t.history[n-1].OpenTime) {
			return
		}
		t.history = t.capHistory(append(t.history, c))
		added = true
	})
	return added
}

func (t *Trader) capHistory(cs []Candle) []Candle {
	limit := t.cfg.Runtime.MaxHistoryCandles
	if floor := t.params.MinCandles(); limit < floor {
		limit = floor
	}
	if len(cs) > limit {
		cs = append([]Candle(nil), cs[len(cs)-limit:]...)
	}
	return cs
}

// ---- Persistence ----

// persist checkpoints the symbol state; failures are logged, never fatal.
func (t *Trader) persist(ctx context.Context) {
	t.mu.RLock()
	st := SymbolState{Position: t.state, CostBasis: t.basis}
	t.mu.RUnlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.store.Save(sctx, st); err != nil {
		t.log.WithError(err).Error("[STATE] save failed")
	}
	observeState(st.Position, st.CostBasis)
}

// ---- Balances ----

func (t *Trader) balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return withRetry(ctx, t.retry, t.log, "balance", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return t.gw.GetAccountBalance(ctx)
	})
}

func (t *Trader) emit(ev Event) {
	if ev.Symbol == "" {
		ev.Symbol = t.symbol
	}
	t.events.Emit(ev)
}
