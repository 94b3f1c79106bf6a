// FILE: retry.go
// Package main – Bounded exponential retry for gateway calls.
//
// Only *GatewayError values that report Retryable() are retried (transport
// failures, HTTP 429 and 5xx). Order placement is never retried: a failed POST
// comes back as ErrUnknownOutcome and the next cycle looks the order up by its
// client tag. Everything else (rejections, decode errors, sentinels) is permanent.

package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// retryPolicy bounds the attempts of one gateway call.
type retryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

func defaultRetryPolicy(maxRetries int) retryPolicy {
	return retryPolicy{MaxRetries: maxRetries, Initial: 500 * time.Millisecond, Max: 8 * time.Second}
}

func (p retryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// withRetry runs fn until it succeeds, fails permanently, or the policy is exhausted.
func withRetry[T any](ctx context.Context, p retryPolicy, log *logrus.Entry, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		mtxGatewayRetries.WithLabelValues(op).Inc()
		if log != nil {
			log.WithError(err).Warnf("[RETRY] %s attempt %d failed; retrying in %s", op, attempt, wait.Round(time.Millisecond))
		}
	}
	return backoff.RetryNotifyWithData(operation, p.backoff(ctx), notify)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrUnknownOutcome) {
		return false
	}
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable()
}

// isUnknownOutcome reports whether an order call ended without a definitive answer.
func isUnknownOutcome(err error) bool {
	if errors.Is(err, ErrUnknownOutcome) {
		return true
	}
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Timeout()
}
