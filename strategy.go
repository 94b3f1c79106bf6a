// FILE: strategy.go
// Package main – Market data types and the mean-reversion signal generator.
//
// This file declares the candle type used across the bot, the signal kinds
// (BUY/SELL/HOLD) and evaluateSignal, a pure function from an IndicatorSnapshot
// and the configured thresholds to a Signal.
//
// Rules (the XRP H4 deviation rule set):
//   BUY : close < EMAslow - ATR*dev  AND rsi < oversold   AND EMAfast >= EMAslow AND atr >= minATR
//   SELL: close > EMAslow + ATR*dev  AND rsi > overbought AND EMAfast <= EMAslow AND atr >= minATR
//   otherwise HOLD; if both sides pass (degenerate thresholds) HOLD wins.

package main

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Candle is the normalized OHLCV row the bot uses everywhere. Immutable once closed.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// SignalKind is the high-level intent.
type SignalKind int

const (
	Hold SignalKind = iota
	Buy
	Sell
)

// String implements fmt.Stringer for pretty logging.
func (k SignalKind) String() string {
	switch k {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Side converts the intent into an order side; HOLD has none.
func (k SignalKind) Side() (OrderSide, bool) {
	switch k {
	case Buy:
		return SideBuy, true
	case Sell:
		return SideSell, true
	default:
		return "", false
	}
}

// Thresholds are the rule parameters of the signal generator.
type Thresholds struct {
	DevMult       float64
	RSIOversold   float64
	RSIOverbought float64
	MinATR        float64
	SLATRMult     float64

	PullbackATRMult float64 // trend pullback rule sets: max distance from EMAfast in ATRs
}

// Signal is produced fresh each evaluation and never mutated.
type Signal struct {
	Kind           SignalKind
	Symbol         string
	Time           time.Time
	ReferencePrice float64
	StopDistance   float64
	StopPrice      float64
	Reason         string
}

type ruleCheck struct {
	name string
	ok   bool
}

func firstFailed(checks []ruleCheck) string {
	for _, c := range checks {
		if !c.ok {
			return c.name
		}
	}
	return ""
}

func allPassed(checks []ruleCheck) bool { return firstFailed(checks) == "" }

// evaluateSignal applies the rule set to one snapshot.
func evaluateSignal(symbol string, s IndicatorSnapshot, th Thresholds) Signal {
	sig := Signal{Kind: Hold, Symbol: symbol, Time: s.Time, ReferencePrice: s.Close}
	for _, v := range []float64{s.EMAFast, s.EMASlow, s.ATR, s.RSI, s.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			sig.Reason = "indicators_not_ready"
			return sig
		}
	}

	band := s.ATR * th.DevMult
	buy := []ruleCheck{
		{fmt.Sprintf("close<ema_slow-atr*dev (%.6g<%.6g)", s.Close, s.EMASlow-band), s.Close < s.EMASlow-band},
		{fmt.Sprintf("rsi<oversold (%.2f<%.2f)", s.RSI, th.RSIOversold), s.RSI < th.RSIOversold},
		{fmt.Sprintf("ema_fast>=ema_slow (%.6g>=%.6g)", s.EMAFast, s.EMASlow), s.EMAFast >= s.EMASlow},
		{fmt.Sprintf("atr>=min_atr (%.6g>=%.6g)", s.ATR, th.MinATR), s.ATR >= th.MinATR},
	}
	sell := []ruleCheck{
		{fmt.Sprintf("close>ema_slow+atr*dev (%.6g>%.6g)", s.Close, s.EMASlow+band), s.Close > s.EMASlow+band},
		{fmt.Sprintf("rsi>overbought (%.2f>%.2f)", s.RSI, th.RSIOverbought), s.RSI > th.RSIOverbought},
		{fmt.Sprintf("ema_fast<=ema_slow (%.6g<=%.6g)", s.EMAFast, s.EMASlow), s.EMAFast <= s.EMASlow},
		{fmt.Sprintf("atr>=min_atr (%.6g>=%.6g)", s.ATR, th.MinATR), s.ATR >= th.MinATR},
	}
	buyOK, sellOK := allPassed(buy), allPassed(sell)

	switch {
	case buyOK && sellOK:
		sig.Reason = "conflict: buy and sell rules both satisfied"
		return sig
	case buyOK:
		sig.Kind = Buy
		sig.Reason = "buy: " + joinChecks(buy)
	case sellOK:
		sig.Kind = Sell
		sig.Reason = "sell: " + joinChecks(sell)
	default:
		sig.Reason = "hold: buy failed " + firstFailed(buy) + "; sell failed " + firstFailed(sell)
		return sig
	}

	withStop(&sig, s.ATR, th)
	return sig
}

// withStop derives the stop from the ATR of the signal candle.
func withStop(sig *Signal, atr float64, th Thresholds) {
	sig.StopDistance = th.SLATRMult * atr
	if sig.Kind == Buy {
		sig.StopPrice = sig.ReferencePrice - sig.StopDistance
	} else {
		sig.StopPrice = sig.ReferencePrice + sig.StopDistance
	}
}

func joinChecks(checks []ruleCheck) string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.name
	}
	return strings.Join(names, " & ")
}
