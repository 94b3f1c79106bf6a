// FILE: rules.go
// Package main – Selectable signal rule sets (strategy.name).
//
//   xrp_mq4_h4        – EMAslow deviation mean reversion (evaluateSignal, the default)
//   h1_trend_pullback – long-only: EMAfast > EMAslow, close within pullback_atr_mult×ATR
//                       of EMAfast, RSI <= rsi_overbought, ATR >= min_atr
//   eth_mq4_h1        – trend + pullback + RSI turn; needs the previous snapshot:
//                       BUY : EMAfast > EMAslow, EMAfast rising, close <= EMAfast + pull,
//                             prev RSI < rsi_oversold, RSI turning up and < 50
//                       SELL: EMAfast < EMAslow, EMAfast falling, close >= EMAfast + 0.5×ATR,
//                             prev RSI > rsi_overbought, RSI turning down and > 70
//
// Every rule set is pure and returns the same Signal/Reason contract as evaluateSignal.

package main

import (
	"fmt"
	"math"
	"strings"
)

const (
	RulesXRPMeanReversion = "xrp_mq4_h4"
	RulesTrendPullback    = "h1_trend_pullback"
	RulesETHPullback      = "eth_mq4_h1"
)

var ruleAliases = map[string]string{
	"":               RulesXRPMeanReversion,
	"mq4_xrp":        RulesXRPMeanReversion,
	"trend_pullback": RulesTrendPullback,
	"mq4_eth":        RulesETHPullback,
}

// normalizeRules maps a configured strategy name onto a known rule set.
func normalizeRules(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ruleAliases[n]; ok {
		n = alias
	}
	switch n {
	case RulesXRPMeanReversion, RulesTrendPullback, RulesETHPullback:
		return n, nil
	}
	return "", fmt.Errorf("strategy.name %q: want %s, %s or %s", name, RulesXRPMeanReversion, RulesTrendPullback, RulesETHPullback)
}

// evaluateRules runs the named rule set over the newest snapshots (oldest first).
func evaluateRules(rules, symbol string, snaps []IndicatorSnapshot, th Thresholds) Signal {
	if len(snaps) == 0 {
		return Signal{Kind: Hold, Symbol: symbol, Reason: "indicators_not_ready"}
	}
	cur := snaps[len(snaps)-1]
	switch rules {
	case RulesTrendPullback:
		return trendPullbackSignal(symbol, cur, th)
	case RulesETHPullback:
		if len(snaps) < 2 {
			return Signal{Kind: Hold, Symbol: symbol, Time: cur.Time, ReferencePrice: cur.Close, Reason: "indicators_not_ready"}
		}
		return ethPullbackSignal(symbol, snaps[len(snaps)-2], cur, th)
	default:
		return evaluateSignal(symbol, cur, th)
	}
}

func snapshotReady(snaps ...IndicatorSnapshot) bool {
	for _, s := range snaps {
		for _, v := range []float64{s.EMAFast, s.EMASlow, s.ATR, s.RSI, s.Close} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func trendPullbackSignal(symbol string, s IndicatorSnapshot, th Thresholds) Signal {
	sig := Signal{Kind: Hold, Symbol: symbol, Time: s.Time, ReferencePrice: s.Close}
	if !snapshotReady(s) {
		sig.Reason = "indicators_not_ready"
		return sig
	}
	pull := s.ATR * th.PullbackATRMult
	buy := []ruleCheck{
		{fmt.Sprintf("atr>=min_atr (%.6g>=%.6g)", s.ATR, th.MinATR), s.ATR >= th.MinATR},
		{fmt.Sprintf("ema_fast>ema_slow (%.6g>%.6g)", s.EMAFast, s.EMASlow), s.EMAFast > s.EMASlow},
		{fmt.Sprintf("|close-ema_fast|<=atr*pullback (%.6g<=%.6g)", math.Abs(s.Close-s.EMAFast), pull), math.Abs(s.Close-s.EMAFast) <= pull},
		{fmt.Sprintf("rsi<=rsi_max (%.2f<=%.2f)", s.RSI, th.RSIOverbought), s.RSI <= th.RSIOverbought},
	}
	if !allPassed(buy) {
		sig.Reason = "hold: buy failed " + firstFailed(buy)
		return sig
	}
	sig.Kind = Buy
	sig.Reason = "buy: " + joinChecks(buy)
	withStop(&sig, s.ATR, th)
	return sig
}

func ethPullbackSignal(symbol string, prev, s IndicatorSnapshot, th Thresholds) Signal {
	sig := Signal{Kind: Hold, Symbol: symbol, Time: s.Time, ReferencePrice: s.Close}
	if !snapshotReady(prev, s) || s.ATR <= 0 {
		sig.Reason = "indicators_not_ready"
		return sig
	}
	pull := s.ATR * th.PullbackATRMult
	buy := []ruleCheck{
		{fmt.Sprintf("ema_fast>ema_slow (%.6g>%.6g)", s.EMAFast, s.EMASlow), s.EMAFast > s.EMASlow},
		{fmt.Sprintf("ema_fast rising (%.6g>%.6g)", s.EMAFast, prev.EMAFast), s.EMAFast > prev.EMAFast},
		{fmt.Sprintf("close<=ema_fast+pull (%.6g<=%.6g)", s.Close, s.EMAFast+pull), s.Close <= s.EMAFast+pull},
		{fmt.Sprintf("prev_rsi<oversold (%.2f<%.2f)", prev.RSI, th.RSIOversold), prev.RSI < th.RSIOversold},
		{fmt.Sprintf("rsi turning up (%.2f>%.2f)", s.RSI, prev.RSI), s.RSI > prev.RSI},
		{fmt.Sprintf("rsi<50 (%.2f)", s.RSI), s.RSI < 50},
	}
	sell := []ruleCheck{
		{fmt.Sprintf("ema_fast<ema_slow (%.6g<%.6g)", s.EMAFast, s.EMASlow), s.EMAFast < s.EMASlow},
		{fmt.Sprintf("ema_fast falling (%.6g<%.6g)", s.EMAFast, prev.EMAFast), s.EMAFast < prev.EMAFast},
		{fmt.Sprintf("close>ema_fast+atr/2 (%.6g>%.6g)", s.Close, s.EMAFast+0.5*s.ATR), s.Close > s.EMAFast+0.5*s.ATR},
		{fmt.Sprintf("prev_rsi>overbought (%.2f>%.2f)", prev.RSI, th.RSIOverbought), prev.RSI > th.RSIOverbought},
		{fmt.Sprintf("rsi turning down (%.2f<%.2f)", s.RSI, prev.RSI), s.RSI < prev.RSI},
		{fmt.Sprintf("rsi>70 (%.2f)", s.RSI), s.RSI > 70},
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
