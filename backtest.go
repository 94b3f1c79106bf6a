// FILE: backtest.go
// Package main – CSV loader and deterministic backtest runner.
//
// What's here:
//   • loadCSV(path) / readCandlesCSV(r) -> []Candle : reads time,open,high,low,close,volume
//   • runBacktest(ctx, cfg, symbol, candles, log) -> BacktestReport
//       - one coordinator cycle per historical candle, no delays
//       - simulator fills at the candle close (± paper slippage)
//       - deterministic client tags and order ids: same input, same report
//       - profit sweep on its interval, measured in candle time
//
// Notes:
//   • Time column accepts RFC3339, UNIX seconds or UNIX milliseconds.
//   • Unknown columns are ignored; headers are case-insensitive.
//   • Duplicate timestamps are rejected.

package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// loadCSV reads a generic candle CSV with headers:
// time|timestamp|open_time, open, high, low, close, volume
func loadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCandlesCSV(f)
}

func readCandlesCSV(src io.Reader) ([]Candle, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	var out []Candle
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := first(row, "time", "timestamp", "open_time")
		op := first(row, "open")
		hp := first(row, "high")
		lp := first(row, "low")
		cp := first(row, "close")
		vp := first(row, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(vp, 64)
		out = append(out, Candle{OpenTime: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		rowIdx++
	}

	sortCandles(out)
	if err := checkCandleOrder(out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseTimeFlexible supports RFC3339, UNIX seconds or UNIX milliseconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// sortCandles ensures ascending time.
func sortCandles(c []Candle) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].OpenTime.Before(c[j].OpenTime) })
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// BacktestReport summarizes one simulated run.
type BacktestReport struct {
	Symbol      string                     `json:"symbol"`
	Candles     int                        `json:"candles"`
	From        time.Time                  `json:"from"`
	To          time.Time                  `json:"to"`
	Signals     int                        `json:"signals"`
	Suppressed  int                        `json:"suppressed"`
	Filled      int                        `json:"filled"`
	Rejected    int                        `json:"rejected"`
	Sweeps      int                        `json:"sweeps"`
	Errors      int                        `json:"errors"`
	Balances    map[string]decimal.Decimal `json:"balances"`
	CostBasis   CostBasis                  `json:"cost_basis"`
	Position    PositionState              `json:"position"`
	LastClose   decimal.Decimal            `json:"last_close"`
	Equity      decimal.Decimal            `json:"equity"`
	StartEquity decimal.Decimal            `json:"start_equity"`
	Trades      []Event                    `json:"trades"`
}

// runBacktest replays candles through one coordinator backed by the simulator.
func runBacktest(ctx context.Context, cfg *Config, symbol string, candles []Candle, log *logrus.Logger) (BacktestReport, error) {
	rep := BacktestReport{Symbol: symbol, Candles: len(candles)}
	if len(candles) == 0 {
		return rep, fmt.Errorf("%w: no candles for %s", ErrInsufficientData, symbol)
	}
	if err := checkCandleOrder(candles); err != nil {
		return rep, err
	}

	paper := NewPaperBroker(cfg.Portfolio.QuoteAsset, cfg.Safety.PaperQuoteBalance, cfg.Safety.PaperSlippageBps)
	rec := &EventRecorder{}
	noRetry := retryPolicy{MaxRetries: 0}
	t, err := NewTrader(ctx, cfg, symbol, TraderDeps{
		Gateway:     paper,
		Quoter:      paper,
		Instruments: paper,
		Store:       newMemoryStore(),
		Events:      directEmitter{rec, newLogSink(log)},
		Log:         log,
		Tagger:      sequentialTagger(symbol),
		Mode:        "paper",
		Retry:       &noRetry,
	})
	if err != nil {
		return rep, err
	}

	tf := cfg.Timeframe()
	log.Infof("[BT] %s: %d candles %s → %s tf=%s", symbol, len(candles),
		candles[0].OpenTime.Format(time.RFC3339), candles[len(candles)-1].OpenTime.Format(time.RFC3339), tf)
	for i, c := range candles {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		default:
		}
		now := c.OpenTime.Add(tf)
		paper.SetMark(symbol, c.Close, now)
		t.onCandle(ctx, c, now)
		t.maybeSweep(ctx, now)
		if i > 0 && i%500 == 0 {
			log.Debugf("[BT] i=%d fills=%d", i, paper.Fills())
		}
	}

	last := candles[len(candles)-1]
	rep.From, rep.To = candles[0].OpenTime, last.OpenTime
	rep.Signals = rec.Count(EventSignal)
	rep.Suppressed = rec.Count(EventSuppressed)
	rep.Filled = rec.Count(EventOrder)
	rep.Rejected = rec.Count(EventRejected)
	rep.Sweeps = rec.Count(EventSweep)
	rep.Errors = rec.Count(EventError)
	for _, ev := range rec.Events() {
		if ev.Kind == EventOrder || ev.Kind == EventSweep {
			rep.Trades = append(rep.Trades, ev)
		}
	}

	snap := t.Snapshot()
	rep.CostBasis, rep.Position = snap.CostBasis, snap.Position
	rep.Balances, _ = paper.GetAccountBalance(ctx)
	rep.LastClose = decimal.NewFromFloat(last.Close)
	rep.StartEquity = decimal.NewFromFloat(cfg.Safety.PaperQuoteBalance)
	rep.Equity = rep.Balances[t.inst.QuoteAsset].Add(rep.Balances[t.inst.BaseAsset].Mul(rep.LastClose))
	return rep, nil
}

func (r BacktestReport) logTo(log *logrus.Logger) {
	log.WithFields(logrus.Fields{
		"symbol":     r.Symbol,
		"candles":    r.Candles,
		"signals":    r.Signals,
		"suppressed": r.Suppressed,
		"filled":     r.Filled,
		"rejected":   r.Rejected,
		"sweeps":     r.Sweeps,
		"errors":     r.Errors,
		"held":       r.CostBasis.QuantityHeld.String(),
		"avg_price":  r.CostBasis.AveragePrice.StringFixed(6),
		"realized":   r.CostBasis.RealizedProfit.StringFixed(4),
	}).Infof("[BT] complete. equity %s → %s", r.StartEquity.StringFixed(2), r.Equity.StringFixed(2))
}
