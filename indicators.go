// FILE: indicators.go
// Package main – Indicator pipeline (EMA, ATR, RSI).
//
// All helpers are pure functions of their input slice:
//   • SMA(x, n)  – simple moving average
//   • EMA(x, n)  – alpha 2/(n+1), seeded by the SMA of the first n values
//   • ATR(c, n)  – Wilder smoothing of true range
//   • RSI(c, n)  – Wilder smoothing of average gain/loss, 100 when loss is zero
//
// Outputs are aligned to the input; indices before the first full window are NaN.
// Snapshots() bundles the four series into one IndicatorSnapshot per evaluable index.

package main

import (
	"fmt"
	"math"
	"time"
)

// IndicatorParams are the lookback periods of the pipeline.
type IndicatorParams struct {
	EMAFast   int
	EMASlow   int
	ATRPeriod int
	RSIPeriod int
}

// MinCandles is the shortest sequence that yields one snapshot.
// ATR and RSI need one extra candle for the previous close.
func (p IndicatorParams) MinCandles() int {
	n := p.EMAFast
	for _, v := range []int{p.EMASlow, p.ATRPeriod + 1, p.RSIPeriod + 1} {
		if v > n {
			n = v
		}
	}
	return n
}

// IndicatorSnapshot is the indicator state at one candle, computed without look-ahead.
type IndicatorSnapshot struct {
	Index   int
	Time    time.Time
	EMAFast float64
	EMASlow float64
	ATR     float64
	RSI     float64
	Close   float64
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA returns the n-period simple moving average of x, aligned to x.
func SMA(x []float64, n int) []float64 {
	out := nanSeries(len(x))
	if n <= 0 {
		return out
	}
	var sum float64
	for i := range x {
		sum += x[i]
		if i >= n {
			sum -= x[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the n-period exponential moving average of x, seeded by SMA(x[:n]).
func EMA(x []float64, n int) []float64 {
	out := nanSeries(len(x))
	if n <= 0 || len(x) < n {
		return out
	}
	var seed float64
	for i := 0; i < n; i++ {
		seed += x[i]
	}
	out[n-1] = seed / float64(n)
	k := 2.0 / (float64(n) + 1.0)
	for i := n; i < len(x); i++ {
		out[i] = x[i]*k + out[i-1]*(1-k)
	}
	return out
}

// TrueRange returns max(h-l, |h-prevClose|, |l-prevClose|); index 0 has no previous close and is NaN.
func TrueRange(c []Candle) []float64 {
	out := nanSeries(len(c))
	for i := 1; i < len(c); i++ {
		pc := c[i-1].Close
		out[i] = math.Max(c[i].High-c[i].Low, math.Max(math.Abs(c[i].High-pc), math.Abs(c[i].Low-pc)))
	}
	return out
}

// ATR returns the n-period Average True Range using Wilder's smoothing.
// The first value (index n) is the mean of the first n true ranges.
func ATR(c []Candle, n int) []float64 {
	out := nanSeries(len(c))
	if n <= 0 || len(c) < n+1 {
		return out
	}
	tr := TrueRange(c)
	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	out[n] = sum / float64(n)
	for i := n + 1; i < len(c); i++ {
		out[i] = (out[i-1]*float64(n-1) + tr[i]) / float64(n)
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing.
func RSI(c []Candle, n int) []float64 {
	out := nanSeries(len(c))
	if n <= 0 || len(c) < n+1 {
		return out
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := c[i].Close - c[i-1].Close
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(n)
	loss /= float64(n)
	out[n] = rsiFrom(gain, loss)
	for i := n + 1; i < len(c); i++ {
		d := c[i].Close - c[i-1].Close
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(n-1) + up) / float64(n)
		loss = (loss*float64(n-1) + down) / float64(n)
		out[i] = rsiFrom(gain, loss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

func closesOf(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Close
	}
	return out
}

// checkCandleOrder rejects sequences that are not strictly increasing in open time.
func checkCandleOrder(c []Candle) error {
	for i := 1; i < len(c); i++ {
		if !c[i].OpenTime.After(c[i-1].OpenTime) {
			return fmt.Errorf("%w: index %d (%s) after %s", ErrUnorderedCandles, i, c[i].OpenTime, c[i-1].OpenTime)
		}
	}
	return nil
}

// Snapshots runs the full pipeline and returns one snapshot per evaluable index.
func Snapshots(c []Candle, p IndicatorParams) ([]IndicatorSnapshot, error) {
	need := p.MinCandles()
	if need <= 1 {
		return nil, fmt.Errorf("invalid indicator periods %+v", p)
	}
	if len(c) < need {
		return nil, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientData, len(c), need)
	}
	if err := checkCandleOrder(c); err != nil {
		return nil, err
	}
	cl := closesOf(c)
	fast := EMA(cl, p.EMAFast)
	slow := EMA(cl, p.EMASlow)
	atr := ATR(c, p.ATRPeriod)
	rsi := RSI(c, p.RSIPeriod)

	out := make([]IndicatorSnapshot, 0, len(c)-need+1)
	for i := need - 1; i < len(c); i++ {
		out = append(out, IndicatorSnapshot{
			Index:   i,
			Time:    c[i].OpenTime,
			EMAFast: fast[i],
			EMASlow: slow[i],
			ATR:     atr[i],
			RSI:     rsi[i],
			Close:   c[i].Close,
		})
	}
	return out, nil
}

// LatestSnapshot returns the snapshot of the last candle.
func LatestSnapshot(c []Candle, p IndicatorParams) (IndicatorSnapshot, error) {
	snaps, err := Snapshots(c, p)
	if err != nil {
		return IndicatorSnapshot{}, err
	}
	return snaps[len(snaps)-1], nil
}
