// FILE: errors.go
// Package main – Error taxonomy for the evaluation cycle.
//
// Every cycle error is classified into one of:
//   • ErrInsufficientData – not enough candles yet; wait for the next tick
//   • ErrInvalidRisk      – sizing inputs are unusable; abort the cycle and alert
//   • ErrOversell         – a sell would take the holding negative; never executed
//   • *GatewayError       – exchange/network failure; retried, then surfaced
//   • ErrUnknownOutcome   – an order may or may not have landed; resolved by client tag
//   • ErrSuppressed       – signal dropped by the trade gate (not a failure)
//
// None of these stop the trading loop.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidRisk      = errors.New("invalid risk")
	ErrOversell         = errors.New("oversell")
	ErrSuppressed       = errors.New("signal suppressed")
	ErrUnknownOutcome   = errors.New("order outcome unknown")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderWorking     = errors.New("order still working")
	ErrUnorderedCandles = errors.New("candles not strictly time-ordered")
)

// GatewayError wraps a failed exchange call.
type GatewayError struct {
	Op         string
	StatusCode int // 0 when the request never got an HTTP response
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed: transport failures,
// throttling and 5xx. Timeouts are excluded because the order may have landed.
func (e *GatewayError) Retryable() bool {
	if e.Timeout() || errors.Is(e.Err, context.Canceled) {
		return false
	}
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Timeout reports a request that may or may not have reached the exchange.
func (e *GatewayError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// errorKind maps an error onto the label used in events and metrics.
func errorKind(err error) string {
	var gw *GatewayError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrInvalidRisk):
		return "invalid_risk"
	case errors.Is(err, ErrOversell):
		return "oversell"
	case errors.Is(err, ErrSuppressed):
		return "suppressed"
	case isUnknownOutcome(err):
		return "unknown_outcome"
	case errors.As(err, &gw):
		return "gateway"
	default:
		return "other"
	}
}
