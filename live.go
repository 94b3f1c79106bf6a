// FILE: live.go
// Package main – Live loops, one per symbol, supervised by an errgroup.
//
// runLive drives the trading loops in real time:
//   • Build one Trader per configured symbol (state restored from the store).
//   • Warm up each Trader with `strategy.lookback` closed candles from MEXC.
//   • Subscribe to StreamLatest; every newly closed candle runs one cycle.
//   • A ticker runs the profit sweep on `portfolio.sweep_interval_sec`.
//   • Events flow to the EventBus; the status server exposes snapshots.
//
// Dry-run (safety.dry_run, default) keeps real market data and spread but
// routes orders to the in-memory simulator, whose mark follows the last close.
//
// A symbol that cannot warm up keeps retrying without affecting the others.
// Cancellation is checked between cycles; an order already in flight finishes
// on its own detached, time-bounded context (see step.go).

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// liveEnv bundles what runLive wires together; main builds it from Config.
type liveEnv struct {
	cfg    *Config
	log    *logrus.Logger
	mexc   *MexcBroker
	paper  *PaperBroker // nil when trading live
	store  StateStore
	bus    *EventBus
	server func([]*Trader) *statusServer
}

// runLive executes the real-time loops until ctx is canceled.
func runLive(ctx context.Context, env liveEnv) error {
	cfg, log := env.cfg, env.log
	var gw OrderGateway = env.mexc
	mode := "live"
	if env.paper != nil {
		gw, mode = env.paper, "paper"
	}
	log.Infof("[LIVE] starting mode=%s symbols=%v tf=%s poll=%s", mode, cfg.Symbols, cfg.Strategy.Timeframe, cfg.PollInterval())
	log.Infof("[SAFETY] MAX_OPEN_TRADES=%d | MIN_BARS_BETWEEN=%d | MAX_SPREAD_BPS=%.1f | MIN_PROFIT_PCT=%.2f | ORDER_NOTIONAL=[%.2f,%.2f] | RISK_PCT=%.2f",
		cfg.Safety.MaxOpenTrades, cfg.Safety.MinBarsBetweenTrades, cfg.Safety.MaxSpreadBps,
		cfg.Portfolio.MinProfitPercent, cfg.Safety.MinOrderNotional, cfg.Safety.MaxOrderNotional, cfg.Sizing.RiskPercent)

	traders := make([]*Trader, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		inst, err := env.mexc.Instrument(ctx, sym)
		if err != nil {
			return fmt.Errorf("instrument %s: %w", sym, err)
		}
		if env.paper != nil {
			env.paper.AddInstrument(inst)
		}
		t, err := NewTrader(ctx, cfg, sym, TraderDeps{
			Gateway:     gw,
			Quoter:      env.mexc,
			Instruments: env.mexc,
			Store:       env.store,
			Events:      env.bus,
			Log:         log,
			Mode:        mode,
		})
		if err != nil {
			return err
		}
		traders = append(traders, t)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return env.bus.Run(gctx) })
	if env.server != nil {
		srv := env.server(traders)
		g.Go(func() error { return srv.serve(gctx, cfg.Runtime.HTTPAddr, log) })
	}
	for _, t := range traders {
		t := t
		g.Go(func() error { return symbolLoop(gctx, env, t) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// warmup loads the history, retrying on the poll cadence until it succeeds or
// ctx ends. A symbol whose klines keep failing never stops the other loops.
func warmup(ctx context.Context, env liveEnv, t *Trader) ([]Candle, bool) {
	cfg := env.cfg
	for {
		warm, err := withRetry(ctx, t.retry, t.log, "warmup", func(ctx context.Context) ([]Candle, error) {
			return env.mexc.GetCandles(ctx, t.symbol, cfg.Strategy.Timeframe, cfg.Strategy.Lookback)
		})
		if err == nil {
			return warm, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		now := time.Now().UTC()
		mtxCycleErrors.WithLabelValues(t.symbol, errorKind(err)).Inc()
		t.emit(errorEvent(t.symbol, now, fmt.Errorf("warmup: %w", err)))
		t.log.WithError(err).Warnf("[LIVE] warmup failed; retrying in %s", env.mexc.poll)

		wait := time.NewTimer(env.mexc.poll)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, false
		case <-wait.C:
		}
	}
}

// symbolLoop is the per-symbol task: warmup, then one cycle per closed candle.
// It returns nil once ctx is canceled; no per-symbol failure ends it early.
func symbolLoop(ctx context.Context, env liveEnv, t *Trader) error {
	cfg := env.cfg
	log := t.log

	warm, ok := warmup(ctx, env, t)
	if !ok {
		return nil
	}
	t.seed(warm)
	if n := len(warm); n > 0 && env.paper != nil {
		env.paper.SetMark(t.symbol, warm[n-1].Close, time.Now().UTC())
	}
	log.Infof("[LIVE] warmup %d candles (need %d)", len(warm), t.params.MinCandles())

	stream := env.mexc.StreamLatest(ctx, t.symbol, cfg.Strategy.Timeframe)
	sweepEvery := time.Duration(cfg.Portfolio.SweepIntervalSec) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[LIVE] loop stopped")
			return nil
		case c, ok := <-stream:
			if !ok {
				return nil
			}
			now := time.Now().UTC()
			if env.paper != nil {
				env.paper.SetMark(t.symbol, c.Close, now)
			}
			t.onCandle(ctx, c, now)
		case <-sweep.C:
			t.maybeSweep(ctx, time.Now().UTC())
		}
	}
}
