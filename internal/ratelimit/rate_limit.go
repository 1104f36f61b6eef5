/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Rate is Count requests per Duration.
type Rate struct {
	Count    int
	Duration time.Duration
}

func (r Rate) validate() error {
	if r.Count <= 0 {
		return fmt.Errorf("rate count must be positive, got %d", r.Count)
	}
	if r.Duration <= 0 {
		return fmt.Errorf("rate duration must be positive, got %s", r.Duration)
	}
	return nil
}

// Limiter decides whether a request identified by key may proceed.
// When it may not, retryAfter estimates when it would.
type Limiter interface {
	Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error)
}
