/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package retry runs operations under a backoff policy. It is used for Marketo token
// fetches and by the retryable round tripper of the httpclient package.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable reports whether an error is transient and the operation may be repeated.
type IsRetryable func(error) bool

// Notify is called before every repeated attempt with the error of the previous one
// and the delay that precedes the next one.
type Notify func(err error, delay time.Duration)

// Policy produces a fresh backoff for every retried operation.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// PolicyFunc adapts an ordinary function to Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// DoWithRetry runs fn until it succeeds, the policy gives up, ctx is done,
// or fn returns an error that isRetryable rejects. A nil isRetryable treats every error as transient.
func DoWithRetry(
	ctx context.Context, p Policy, isRetryable IsRetryable, notify Notify, fn func(ctx context.Context) error,
) error {
	_, err := DoWithRetryValue(ctx, p, isRetryable, notify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithRetryValue is DoWithRetry for operations that produce a value.
// The value of the last successful attempt is returned.
func DoWithRetryValue[T any](
	ctx context.Context, p Policy, isRetryable IsRetryable, notify Notify, fn func(ctx context.Context) (T, error),
) (T, error) {
	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	var result T
	op := func() error {
		v, err := fn(bctx.Context())
		if err != nil {
			if isRetryable != nil && !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}
	var bnotify backoff.Notify
	if notify != nil {
		bnotify = backoff.Notify(notify)
	}
	if err := backoff.RetryNotify(op, bctx, bnotify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// ExponentialBackoffPolicy retries up to maxRetries times with delays growing by Multiplier.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy returns an exponential policy with the default 1.5 multiplier.
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetries int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{InitialInterval: initialInterval, Multiplier: 1.5, MaxRetries: maxRetries}
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	return withMaxRetries(eb, p.MaxRetries)
}

// ConstantBackoffPolicy retries up to maxRetries times with a fixed delay.
type ConstantBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// NewConstantBackoffPolicy returns a constant policy.
func NewConstantBackoffPolicy(interval time.Duration, maxRetries int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{Interval: interval, MaxRetries: maxRetries}
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	return withMaxRetries(backoff.NewConstantBackOff(p.Interval), p.MaxRetries)
}

func withMaxRetries(b backoff.BackOff, maxRetries int) backoff.BackOff {
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxRetries))
	}
	b.Reset()
	return b
}
