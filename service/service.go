/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LeadFabric-nv/federale-file-upload/log"
)

// DefaultShutdownSignals stop the service gracefully.
var DefaultShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// Opts represents options for Service.
type Opts struct {
	ShutdownSignals []os.Signal
}

// Service registers the unit metrics, starts the unit and stops it gracefully
// when the context is done or a shutdown signal is received.
type Service struct {
	Unit    Unit
	Signals chan os.Signal
	Logger  log.FieldLogger
	Opts    Opts
}

// New creates a new Service stopped by SIGINT and SIGTERM.
func New(logger log.FieldLogger, unit Unit) *Service {
	return NewWithOpts(logger, unit, Opts{ShutdownSignals: DefaultShutdownSignals})
}

// NewWithOpts creates a new Service with options.
func NewWithOpts(logger log.FieldLogger, unit Unit, opts Opts) *Service {
	return &Service{Unit: unit, Signals: make(chan os.Signal, 1), Logger: logger, Opts: opts}
}

// Start is StartContext with the background context.
func (s *Service) Start() error {
	return s.StartContext(context.Background())
}

// StartContext starts the unit in a separate goroutine and blocks until a fatal error,
// the end of ctx or a shutdown signal.
func (s *Service) StartContext(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	fatalErr := make(chan error, 1)
	go s.Unit.Start(fatalErr)

	if len(s.Opts.ShutdownSignals) != 0 {
		signal.Notify(s.Signals, s.Opts.ShutdownSignals...)
		defer signal.Stop(s.Signals)
	}

	select {
	case err := <-fatalErr:
		s.Logger.Error("service fatal error", log.Error(err))
		return fmt.Errorf("fatal error: %w", err)
	case <-ctx.Done():
		s.Logger.Info("context is done, service will be stopped")
	case sig := <-s.Signals:
		s.Logger.Info("service got signal, it will be stopped", log.String("signal", sig.String()))
	}

	if err := s.Unit.Stop(true); err != nil {
		s.Logger.Error("service graceful stop failed", log.Error(err))
		return fmt.Errorf("stop service gracefully: %w", err)
	}
	s.Logger.Info("service stopped")
	return nil
}
