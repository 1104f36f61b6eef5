/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration is returned by New when the queue parameters are malformed.
var ErrInvalidConfiguration = errors.New("invalid admission queue configuration")

// ErrQueueFull is returned by Queue.Admit when the number of pending tasks reached the configured ceiling.
var ErrQueueFull = errors.New("admission queue is full")

// ErrTimeout is used to settle the Future of a task that has been running longer than the configured timeout.
var ErrTimeout = errors.New("admission task timed out")

// ErrShuttingDown is used to settle the Future of a task admitted after (or still pending at) the queue shutdown.
var ErrShuttingDown = errors.New("admission queue is shutting down")

// ErrNotSettled is returned by Future.Result when the task has not finished yet.
var ErrNotSettled = errors.New("admission task is not settled yet")

// PanicError is the error that a Future settles with when its task panics.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("admission task panicked: %v", e.Value)
}

func newConfigurationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
