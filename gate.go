// FILE: gate.go
// Package main – Trade state machine (per-symbol entry gate).
//
// Phases: IDLE → ELIGIBLE → ORDER_PENDING → COOLDOWN → IDLE
//
// TradeGate holds the immutable limits; PositionState is the mutable per-symbol
// record. Every transition takes a PositionState and returns the next one, so the
// coordinator owns the only copy and backtests replay deterministically.
//
// Gate rules for a non-HOLD signal:
//   • no order pending (an unknown outcome must be reconciled first)
//   • elapsed since LastTradeTime >= MinBarsBetween × Timeframe
//   • BUY only: OpenCount < MaxOpenTrades
//   • spread <= MaxSpreadBps (0 disables the check)
// A signal failing any rule is suppressed and counted; it is not an error.

package main

import (
	"fmt"
	"time"
)

// TradePhase is the state machine position.
type TradePhase string

const (
	PhaseIdle     TradePhase = "IDLE"
	PhaseEligible TradePhase = "ELIGIBLE"
	PhasePending  TradePhase = "ORDER_PENDING"
	PhaseCooldown TradePhase = "COOLDOWN"
)

// PositionState is the per-symbol trading state. Persisted as an optional checkpoint.
type PositionState struct {
	Symbol         string     `json:"symbol"`
	Phase          TradePhase `json:"phase"`
	OpenCount      int        `json:"open_count"`
	LastTradeTime  time.Time  `json:"last_trade_time"`
	Suppressed     int        `json:"suppressed"`
	NeedsReconcile bool       `json:"needs_reconcile"`
	PendingTag     string     `json:"pending_tag,omitempty"`
	PendingSide    OrderSide  `json:"pending_side,omitempty"`
	PendingSweep   bool       `json:"pending_sweep,omitempty"` // sweeps never start a cooldown
}

func newPositionState(symbol string) PositionState {
	return PositionState{Symbol: symbol, Phase: PhaseIdle}
}

// TradeGate holds the limits of the state machine.
type TradeGate struct {
	MaxOpenTrades  int
	MaxSpreadBps   float64
	MinBarsBetween int
	Timeframe      time.Duration
}

func (g TradeGate) cooldown() time.Duration {
	return time.Duration(g.MinBarsBetween) * g.Timeframe
}

func (g TradeGate) cooledDown(st PositionState, now time.Time) bool {
	return st.LastTradeTime.IsZero() || now.Sub(st.LastTradeTime) >= g.cooldown()
}

// Tick expires a finished cooldown and drops a stale eligibility.
func (g TradeGate) Tick(st PositionState, now time.Time) PositionState {
	switch st.Phase {
	case PhaseCooldown:
		if g.cooledDown(st, now) {
			st.Phase = PhaseIdle
		}
	case PhaseEligible, "":
		st.Phase = PhaseIdle
	}
	return st
}

// Admit moves the state to ELIGIBLE for sig, or returns ErrSuppressed with the reason.
func (g TradeGate) Admit(st PositionState, sig Signal, spreadBps float64, now time.Time) (PositionState, error) {
	st = g.Tick(st, now)
	if sig.Kind == Hold {
		return st, nil
	}
	var reason string
	switch {
	case st.Phase == PhasePending && st.NeedsReconcile:
		reason = "previous order outcome unknown; awaiting reconcile"
	case st.Phase == PhasePending:
		reason = "order pending"
	case !g.cooledDown(st, now):
		left := g.cooldown() - now.Sub(st.LastTradeTime)
		reason = fmt.Sprintf("cooldown %s remaining", left.Round(time.Second))
	case sig.Kind == Buy && st.OpenCount >= g.MaxOpenTrades:
		reason = fmt.Sprintf("open trades %d >= max %d", st.OpenCount, g.MaxOpenTrades)
	case g.MaxSpreadBps > 0 && spreadBps > g.MaxSpreadBps:
		reason = fmt.Sprintf("spread %.2fbps > max %.2fbps", spreadBps, g.MaxSpreadBps)
	}
	if reason != "" {
		st.Suppressed++
		return st, fmt.Errorf("%w: %s", ErrSuppressed, reason)
	}
	st.Phase = PhaseEligible
	return st, nil
}

// Begin marks an eligible state as having an order in flight.
func (g TradeGate) Begin(st PositionState, side OrderSide, tag string) (PositionState, error) {
	if st.Phase != PhaseEligible {
		return st, fmt.Errorf("begin order from phase %s", st.Phase)
	}
	st.Phase = PhasePending
	st.PendingTag = tag
	st.PendingSide = side
	st.PendingSweep = false
	return st, nil
}

func clearPending(st PositionState) PositionState {
	st.NeedsReconcile = false
	st.PendingTag = ""
	st.PendingSide = ""
	st.PendingSweep = false
	return st
}

// Confirm records a filled order and starts the cooldown.
func (g TradeGate) Confirm(st PositionState, side OrderSide, now time.Time) PositionState {
	st = clearPending(st)
	st.Phase = PhaseCooldown
	st.LastTradeTime = now
	switch side {
	case SideBuy:
		st.OpenCount++
	case SideSell:
		if st.OpenCount > 0 {
			st.OpenCount--
		}
	}
	return st
}

// Reject returns a definitively rejected (or abandoned) order to IDLE.
func (g TradeGate) Reject(st PositionState) PositionState {
	st = clearPending(st)
	st.Phase = PhaseIdle
	return st
}

// Unknown keeps the order pending until a lookup by client tag resolves it.
func (g TradeGate) Unknown(st PositionState) PositionState {
	st.Phase = PhasePending
	st.NeedsReconcile = true
	return st
}

// UnknownSweep parks an unresolved profit-sweep buy. It blocks entries like any
// pending order but resolving it never starts a cooldown.
func (g TradeGate) UnknownSweep(st PositionState, tag string) PositionState {
	st.PendingTag = tag
	st.PendingSide = SideBuy
	st.PendingSweep = true
	return g.Unknown(st)
}

// Reconcile is the fallback when an unknown order cannot be looked up by tag:
// with nothing working on the book it is treated as finished. A trade order
// enters cooldown from now without touching OpenCount; a sweep returns to IDLE.
func (g TradeGate) Reconcile(st PositionState, openOrders int, now time.Time) PositionState {
	if !st.NeedsReconcile || openOrders > 0 {
		return st
	}
	if st.PendingSweep {
		return g.Reject(st)
	}
	st = clearPending(st)
	st.Phase = PhaseCooldown
	st.LastTradeTime = now
	return st
}
