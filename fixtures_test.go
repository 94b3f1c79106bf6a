package main

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testConfig is a small-period H1 setup with the notional and spread guards off
// so sizing results are observable directly.
func testConfig() *Config {
	cfg := defaultConfig()
	cfg.Strategy.Timeframe = "1h"
	cfg.Strategy.EMAFast = 3
	cfg.Strategy.EMASlow = 5
	cfg.Strategy.ATRPeriod = 3
	cfg.Strategy.RSIPeriod = 3
	cfg.Strategy.Lookback = 10
	cfg.Strategy.DevMult = 0.5
	cfg.Strategy.RSIOversold = 35
	cfg.Strategy.RSIOverbought = 65
	cfg.Safety.MinOrderNotional = 0
	cfg.Safety.MaxOrderNotional = 0
	cfg.Safety.MaxSpreadBps = 0
	cfg.Safety.PaperSlippageBps = 0
	cfg.Portfolio.SweepEnabled = false
	cfg.State.Backend = "memory"
	return &cfg
}

type traderRig struct {
	t     *Trader
	paper *PaperBroker
	rec   *EventRecorder
	store *memoryStore
}

func newTestTrader(tb testing.TB, cfg *Config, gw OrderGateway, paper *PaperBroker) traderRig {
	tb.Helper()
	if paper == nil {
		paper = NewPaperBroker(cfg.Portfolio.QuoteAsset, cfg.Safety.PaperQuoteBalance, cfg.Safety.PaperSlippageBps)
	}
	if gw == nil {
		gw = paper
	}
	rec := &EventRecorder{}
	store := newMemoryStore()
	noRetry := retryPolicy{}
	tr, err := NewTrader(context.Background(), cfg, "XRPUSDT", TraderDeps{
		Gateway:     gw,
		Quoter:      paper,
		Instruments: paper,
		Store:       store,
		Events:      directEmitter{rec},
		Log:         quietLogger(),
		Tagger:      sequentialTagger("XRPUSDT"),
		Mode:        "paper",
		Retry:       &noRetry,
	})
	if err != nil {
		tb.Fatalf("NewTrader: %v", err)
	}
	return traderRig{t: tr, paper: paper, rec: rec, store: store}
}

// risingThenDrop is an hourly uptrend of 0.01 per bar followed by one bar that
// closes 0.04 below the previous close. With testConfig the last bar is the
// only BUY: close 1.24 under ema_slow-0.5*atr (~1.2423), rsi ~33.3, fast >= slow.
func risingThenDrop(n int) []Candle {
	cs := make([]Candle, 0, n)
	prev := 1.0
	for i := 0; i < n; i++ {
		cl := 1.0 + 0.01*float64(i)
		if i == n-1 {
			cl = prev - 0.04
		}
		op := prev
		if i == 0 {
			op = cl
		}
		cs = append(cs, Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     op,
			High:     math.Max(op, cl) + 0.001,
			Low:      math.Min(op, cl) - 0.001,
			Close:    cl,
			Volume:   100,
		})
		prev = cl
	}
	return cs
}

// flatCandles closes at price every hour with a fixed high-low range.
func flatCandles(n int, price, rng float64) []Candle {
	cs := make([]Candle, n)
	for i := range cs {
		cs[i] = Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price + rng/2,
			Low:      price - rng/2,
			Close:    price,
			Volume:   1,
		}
	}
	return cs
}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }
