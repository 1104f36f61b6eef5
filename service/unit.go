/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package service runs the relay components (units) and stops them on OS signals.
package service

// Unit is a component of the service with its own lifecycle.
type Unit interface {
	// Start runs the unit. It may return right after initialization or block for the unit lifetime.
	// A failure is reported by writing to fatalErr before returning; the channel must not be used after that.
	Start(fatalErr chan<- error)

	// Stop halts the unit. It may be called even if Start has failed or was never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units owning Prometheus metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
