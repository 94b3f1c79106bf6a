// FILE: broker_paper.go
// Package main – In-memory paper broker (simulator).
//
// This broker simulates execution against the latest mark set by the caller.
// It's used for dry runs and backtests: the live loop still pulls real candles
// from MEXC, but orders here never touch the exchange.
//
// Behavior:
//   • Market orders fill immediately at mark ± SlippageBps (buy up, sell down)
//   • Quote-sized buys (QuoteQuantity) convert at the fill price
//   • Balances are checked and moved; a short balance is a definitive rejection
//   • Order ids are uuid v5 over a sequence number, so a replay gives the same ids
//   • GetOpenOrders is always empty (nothing rests on the book)
//   • Every tagged result is kept so LookupOrder can answer for it later

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// paperNamespace seeds deterministic simulator order ids.
var paperNamespace = uuid.MustParse("6f1c3a52-2d8e-4b0e-9a57-3c1f0d7e8b21")

// PaperBroker keeps marks and balances used to simulate fills.
type PaperBroker struct {
	mu          sync.Mutex
	quoteAsset  string
	slippageBps decimal.Decimal
	spreadBps   float64
	marks       map[string]mark
	balances    map[string]decimal.Decimal
	instruments map[string]Instrument
	byTag       map[string]OrderResult
	seq         int
	fills       int
}

type mark struct {
	price decimal.Decimal
	at    time.Time
}

func NewPaperBroker(quoteAsset string, quoteBalance, slippageBps float64) *PaperBroker {
	p := &PaperBroker{
		quoteAsset:  strings.ToUpper(quoteAsset),
		slippageBps: decimal.NewFromFloat(slippageBps),
		marks:       map[string]mark{},
		balances:    map[string]decimal.Decimal{},
		instruments: map[string]Instrument{},
		byTag:       map[string]OrderResult{},
	}
	p.balances[p.quoteAsset] = decimal.NewFromFloat(quoteBalance)
	return p
}

func (p *PaperBroker) Name() string { return "paper" }

// SetMark records the price fills will use for symbol.
func (p *PaperBroker) SetMark(symbol string, price float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = mark{price: decimal.NewFromFloat(price), at: at}
}

// SetSpread fixes the simulated bid/ask spread reported by Spread.
func (p *PaperBroker) SetSpread(bps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spreadBps = bps
}

// SetBalance overrides one asset balance.
func (p *PaperBroker) SetBalance(asset string, v decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToUpper(asset)] = v
}

// AddInstrument registers venue filters, e.g. copied from the live exchange.
func (p *PaperBroker) AddInstrument(inst Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments[inst.Symbol] = inst
}

func (p *PaperBroker) Instrument(_ context.Context, symbol string) (Instrument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instrumentLocked(symbol), nil
}

func (p *PaperBroker) instrumentLocked(symbol string) Instrument {
	if inst, ok := p.instruments[symbol]; ok {
		return inst
	}
	base, quote := splitSymbol(symbol, p.quoteAsset)
	return Instrument{Symbol: symbol, BaseAsset: base, QuoteAsset: quote}
}

func (p *PaperBroker) Spread(_ context.Context, _ string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spreadBps, nil
}

func (p *PaperBroker) GetOpenOrders(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (p *PaperBroker) GetAccountBalance(_ context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// Fills returns how many orders the simulator has filled.
func (p *PaperBroker) Fills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fills
}

// PlaceOrder fills a market order at the current mark.
func (p *PaperBroker) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.placeLocked(req)
	if req.ClientTag != "" {
		p.byTag[req.ClientTag] = res
	}
	return res, nil
}

// LookupOrder returns the result recorded for clientTag.
func (p *PaperBroker) LookupOrder(_ context.Context, _ string, clientTag string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.byTag[clientTag]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientTag)
	}
	return res, nil
}

func (p *PaperBroker) placeLocked(req OrderRequest) OrderResult {
	p.seq++
	id := uuid.NewSHA1(paperNamespace, []byte(req.Symbol+"#"+strconv.Itoa(p.seq))).String()

	m, ok := p.marks[req.Symbol]
	if !ok || !m.price.IsPositive() {
		return rejected(id, m.at, "no mark price for %s", req.Symbol)
	}
	if req.Type != "" && req.Type != OrderMarket {
		return rejected(id, m.at, "order type %s not supported by simulator", req.Type)
	}

	slip := m.price.Mul(p.slippageBps).Div(decimal.NewFromInt(10000))
	price := m.price.Add(slip)
	if req.Side == SideSell {
		price = m.price.Sub(slip)
	}

	qty := req.Quantity
	if req.Side == SideBuy && req.QuoteQuantity.IsPositive() {
		qty = req.QuoteQuantity.Div(price)
		if inst := p.instrumentLocked(req.Symbol); inst.LotStep.IsPositive() {
			qty = snapDown(qty, inst.LotStep)
		}
	}
	if !qty.IsPositive() {
		return rejected(id, m.at, "quantity %s must be > 0", qty)
	}

	inst := p.instrumentLocked(req.Symbol)
	notional := qty.Mul(price)
	switch req.Side {
	case SideBuy:
		if free := p.balances[inst.QuoteAsset]; free.LessThan(notional) {
			return rejected(id, m.at, "insufficient %s: need %s have %s", inst.QuoteAsset, notional.StringFixed(8), free)
		}
		p.balances[inst.QuoteAsset] = p.balances[inst.QuoteAsset].Sub(notional)
		p.balances[inst.BaseAsset] = p.balances[inst.BaseAsset].Add(qty)
	case SideSell:
		if free := p.balances[inst.BaseAsset]; free.LessThan(qty) {
			return rejected(id, m.at, "insufficient %s: need %s have %s", inst.BaseAsset, qty, free)
		}
		p.balances[inst.BaseAsset] = p.balances[inst.BaseAsset].Sub(qty)
		p.balances[inst.QuoteAsset] = p.balances[inst.QuoteAsset].Add(notional)
	default:
		return rejected(id, m.at, "unknown side %q", req.Side)
	}

	p.fills++
	return OrderResult{
		OrderID:        id,
		Accepted:       true,
		FilledQuantity: qty,
		FilledPrice:    price,
		Time:           m.at,
	}
}

func rejected(id string, at time.Time, format string, args ...any) OrderResult {
	return OrderResult{OrderID: id, Accepted: false, Err: fmt.Errorf(format, args...), Time: at}
}

// splitSymbol splits a concatenated symbol like "XRPUSDT" on a known quote asset.
func splitSymbol(symbol, quote string) (base, q string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if quote != "" && strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
		return strings.TrimSuffix(symbol, quote), quote
	}
	for _, q := range []string{"USDT", "USDC", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, quote
}
