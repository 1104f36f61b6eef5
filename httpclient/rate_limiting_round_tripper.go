/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Default parameter values for RateLimitingRoundTripper.
const (
	DefaultRateLimitingPeriod      = time.Second
	DefaultRateLimitingWaitTimeout = 15 * time.Second
)

// RateLimitingRoundTripperOpts represents options for RateLimitingRoundTripper.
type RateLimitingRoundTripperOpts struct {
	// Period over which the limit applies. DefaultRateLimitingPeriod by default.
	Period time.Duration

	// Burst is the size of the token bucket. The limit itself by default.
	Burst int

	// WaitTimeout bounds the time a request waits for a token.
	WaitTimeout time.Duration
}

// RateLimitingRoundTripper allows at most RateLimit requests per Period.
// Requests wait for a token up to WaitTimeout and fail with *RateLimitingWaitError after that.
type RateLimitingRoundTripper struct {
	Delegate    http.RoundTripper
	RateLimit   int
	Period      time.Duration
	Burst       int
	WaitTimeout time.Duration

	limiter *rate.Limiter
}

// NewRateLimitingRoundTripper allows rateLimit requests per second.
func NewRateLimitingRoundTripper(delegate http.RoundTripper, rateLimit int) (*RateLimitingRoundTripper, error) {
	return NewRateLimitingRoundTripperWithOpts(delegate, rateLimit, RateLimitingRoundTripperOpts{})
}

// NewRateLimitingRoundTripperWithOpts allows rateLimit requests per opts.Period.
func NewRateLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, rateLimit int, opts RateLimitingRoundTripperOpts,
) (*RateLimitingRoundTripper, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if opts.Period < 0 {
		return nil, fmt.Errorf("period must be positive")
	}
	if opts.Period == 0 {
		opts.Period = DefaultRateLimitingPeriod
	}
	if opts.Burst == 0 {
		opts.Burst = rateLimit
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultRateLimitingWaitTimeout
	}
	return &RateLimitingRoundTripper{
		Delegate:    delegate,
		RateLimit:   rateLimit,
		Period:      opts.Period,
		Burst:       opts.Burst,
		WaitTimeout: opts.WaitTimeout,
		limiter:     rate.NewLimiter(rate.Every(opts.Period/time.Duration(rateLimit)), opts.Burst),
	}, nil
}

// RoundTrip waits for the limiter and passes the request on.
func (rt *RateLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.WaitTimeout)
	defer cancel()
	if err := rt.limiter.Wait(ctx); err != nil {
		if r.Body != nil {
			_ = r.Body.Close() // Per RoundTripper contract.
		}
		if errors.Is(r.Context().Err(), context.Canceled) {
			return nil, r.Context().Err()
		}
		return nil, &RateLimitingWaitError{Inner: err}
	}
	return rt.Delegate.RoundTrip(r)
}

// RateLimitingWaitError is returned when no token becomes available within WaitTimeout.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}
