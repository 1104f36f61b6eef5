/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/log"
)

// ErrPeriodicWorkerStop may be returned by a worker to end the PeriodicWorker loop.
var ErrPeriodicWorkerStop = errors.New("stop periodic worker")

// Worker performs some (usually long-running) work.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorker runs the underlying worker again and again with a delay between runs.
// Errors of a single run are logged and don't stop the loop.
type PeriodicWorker struct {
	worker   Worker
	logger   log.FieldLogger
	interval time.Duration
	opts     PeriodicWorkerOpts
}

// PeriodicWorkerOpts contains optional parameters for PeriodicWorker.
type PeriodicWorkerOpts struct {
	InitialDelay time.Duration

	// NextDelay overrides the interval after each run. It gets the run error (nil on success).
	NextDelay func(err error) time.Duration
}

// NewPeriodicWorker creates a new PeriodicWorker with a constant interval.
func NewPeriodicWorker(worker Worker, interval time.Duration, logger log.FieldLogger) *PeriodicWorker {
	return NewPeriodicWorkerWithOpts(worker, interval, logger, PeriodicWorkerOpts{})
}

// NewPeriodicWorkerWithOpts creates a new PeriodicWorker with options.
func NewPeriodicWorkerWithOpts(worker Worker, interval time.Duration, logger log.FieldLogger, opts PeriodicWorkerOpts) *PeriodicWorker {
	return &PeriodicWorker{worker: worker, logger: logger, interval: interval, opts: opts}
}

// Run runs the loop until ctx is done or the worker returns ErrPeriodicWorkerStop.
func (pw *PeriodicWorker) Run(ctx context.Context) (resErr error) {
	defer func() {
		if p := recover(); p != nil {
			stack := make([]byte, 8192)
			stack = stack[:runtime.Stack(stack, false)]
			pw.logger.Error(fmt.Sprintf("panic: %+v", p), log.Bytes("stack", stack))
			panic(p)
		}
		pw.logger.Info("periodic worker stopped")
	}()

	pw.logger.Info("running periodic worker...",
		log.Duration("initial_delay", pw.opts.InitialDelay), log.Duration("interval", pw.interval))

	timer := time.NewTimer(pw.opts.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		err := pw.worker.Run(ctx)
		if errors.Is(err, ErrPeriodicWorkerStop) {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			pw.logger.Error("periodic worker run failed", log.Error(err))
		}

		delay := pw.interval
		if pw.opts.NextDelay != nil {
			delay = pw.opts.NextDelay(err)
		}
		timer.Reset(delay)
	}
}
