/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"time"
)

// DrainUnit is a Unit with nothing to start. Its graceful stop calls drain, bounded by a timeout,
// e.g. to let an admission queue finish running tasks after the HTTP server has stopped.
type DrainUnit struct {
	drain   func(ctx context.Context) error
	timeout time.Duration
	metrics MetricsRegisterer
}

// NewDrainUnit creates a new DrainUnit. Zero timeout means waiting without limit.
// A non-graceful stop calls drain with an already canceled context.
func NewDrainUnit(drain func(ctx context.Context) error, timeout time.Duration, metrics MetricsRegisterer) *DrainUnit {
	return &DrainUnit{drain: drain, timeout: timeout, metrics: metrics}
}

// Start does nothing.
func (u *DrainUnit) Start(chan<- error) {}

// Stop drains.
func (u *DrainUnit) Stop(gracefully bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !gracefully {
		cancel()
	} else if u.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	return u.drain(ctx)
}

// MustRegisterMetrics registers metrics of the drained component.
func (u *DrainUnit) MustRegisterMetrics() {
	if u.metrics != nil {
		u.metrics.MustRegisterMetrics()
	}
}

// UnregisterMetrics unregisters metrics of the drained component.
func (u *DrainUnit) UnregisterMetrics() {
	if u.metrics != nil {
		u.metrics.UnregisterMetrics()
	}
}
