/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/RussellLuo/slidingwindow"

	"github.com/LeadFabric-nv/federale-file-upload/lrucache"
)

// SlidingWindowLimiter allows maxRate.Count requests in any window of maxRate.Duration.
type SlidingWindowLimiter struct {
	maxRate    Rate
	getLimiter func(key string) *slidingwindow.Limiter
}

// NewSlidingWindowLimiter creates a limiter. With maxKeys 0 all keys share one window;
// otherwise per-key windows are kept in an LRU cache of maxKeys entries.
func NewSlidingWindowLimiter(maxRate Rate, maxKeys int) (*SlidingWindowLimiter, error) {
	if err := maxRate.validate(); err != nil {
		return nil, err
	}
	newLimiter := func() *slidingwindow.Limiter {
		lim, _ := slidingwindow.NewLimiter(maxRate.Duration, int64(maxRate.Count),
			func() (slidingwindow.Window, slidingwindow.StopFunc) { return slidingwindow.NewLocalWindow() })
		return lim
	}

	if maxKeys == 0 {
		shared := newLimiter()
		return &SlidingWindowLimiter{maxRate: maxRate, getLimiter: func(string) *slidingwindow.Limiter { return shared }}, nil
	}

	store, err := lrucache.New[string, *slidingwindow.Limiter](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &SlidingWindowLimiter{
		maxRate: maxRate,
		getLimiter: func(key string) *slidingwindow.Limiter {
			lim, _ := store.GetOrAdd(key, newLimiter)
			return lim
		},
	}, nil
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	if l.getLimiter(key).Allow() {
		return true, 0, nil
	}
	now := time.Now()
	return false, now.Truncate(l.maxRate.Duration).Add(l.maxRate.Duration).Sub(now), nil
}
