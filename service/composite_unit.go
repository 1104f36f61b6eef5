/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"strings"
	"sync"

	"go.uber.org/atomic"
)

// CompositeUnit runs several units as one.
//
// Units are started concurrently. A graceful stop goes through the units one by one in reverse order,
// so a unit feeding work into another one (an HTTP server into an admission queue) should be listed
// after it. A non-graceful stop is concurrent.
type CompositeUnit struct {
	Units []Unit
}

// NewCompositeUnit creates a new composite unit.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{units}
}

// Start starts all units and blocks until all their Start calls return.
// If any unit fails, the others are stopped non-gracefully and a CompositeUnitError
// with all collected errors is sent to fatalErr.
func (cu *CompositeUnit) Start(fatalErr chan<- error) {
	unitErrs := make([]chan error, len(cu.Units))
	for i := range unitErrs {
		unitErrs[i] = make(chan error, 1)
	}

	results := make(chan bool, len(cu.Units))
	remaining := atomic.NewInt32(int32(len(cu.Units))) //nolint:gosec // unit count is small
	for i := range cu.Units {
		go func(i int) {
			cu.Units[i].Start(unitErrs[i])
			if len(unitErrs[i]) != 0 {
				results <- false
				return
			}
			if remaining.Dec() == 0 {
				results <- true
			}
		}(i)
	}
	if len(cu.Units) == 0 || <-results {
		return
	}

	stopErr := cu.Stop(false)

	var errs []error
	for _, unitErr := range unitErrs {
		select {
		case err := <-unitErr:
			errs = append(errs, err)
		default:
		}
	}
	if stopErr != nil {
		errs = append(errs, stopErr.(*CompositeUnitError).UnitErrors...)
	}
	fatalErr <- &CompositeUnitError{errs}
}

// Stop stops all units and returns a CompositeUnitError if any of them failed to stop.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	var errs []error
	if gracefully {
		for i := len(cu.Units) - 1; i >= 0; i-- {
			if err := cu.Units[i].Stop(true); err != nil {
				errs = append(errs, err)
			}
		}
	} else {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, u := range cu.Units {
			wg.Add(1)
			go func(u Unit) {
				defer wg.Done()
				if err := u.Stop(false); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(u)
		}
		wg.Wait()
	}
	if len(errs) != 0 {
		return &CompositeUnitError{errs}
	}
	return nil
}

// MustRegisterMetrics registers metrics of all units implementing MetricsRegisterer.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all units implementing MetricsRegisterer.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError joins errors of several units.
type CompositeUnitError struct {
	UnitErrors []error
}

func (cue *CompositeUnitError) Error() string {
	msgs := make([]string, 0, len(cue.UnitErrors))
	for _, err := range cue.UnitErrors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is and errors.As to look into unit errors.
func (cue *CompositeUnitError) Unwrap() []error {
	return cue.UnitErrors
}
