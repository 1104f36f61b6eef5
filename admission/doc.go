/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission provides a FIFO admission queue that bounds the number of
// concurrently running tasks.
//
// Tasks admitted while all execution slots are busy wait in arrival order and are
// started as soon as a slot frees up. Each admitted task gets a Future that settles
// exactly once with the value or error the task produced.
//
// Optional hardening:
//   - MaxPending rejects admissions with ErrQueueFull once too many tasks are waiting.
//   - TaskTimeout settles the Future with ErrTimeout and cancels the task's context.
//   - Shutdown stops admissions, rejects waiting tasks with ErrShuttingDown
//     and waits for running ones.
package admission
