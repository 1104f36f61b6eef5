/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

const waitTimeout = time.Second * 5

type QueueTestSuite struct {
	suite.Suite
}

func TestQueue(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func (s *QueueTestSuite) TestNew() {
	tests := []struct {
		name  string
		limit int
		opts  Opts
	}{
		{name: "zero limit", limit: 0},
		{name: "negative limit", limit: -1},
		{name: "negative max pending", limit: 1, opts: Opts{MaxPending: -1}},
		{name: "negative task timeout", limit: 1, opts: Opts{TaskTimeout: -time.Second}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			q, err := New(tt.limit, tt.opts)
			s.ErrorIs(err, ErrInvalidConfiguration)
			s.Nil(q)
		})
	}

	q, err := New(3, Opts{})
	s.Require().NoError(err)
	s.Equal(Stats{Limit: 3}, q.Stats())
}

func (s *QueueTestSuite) TestLimitOfOneSerializesInArrivalOrder() {
	q := s.newQueue(1, Opts{})

	var mu sync.Mutex
	var completed []int
	makeTask := func(n int, d time.Duration) Task {
		return func(ctx context.Context) (interface{}, error) {
			time.Sleep(d)
			mu.Lock()
			completed = append(completed, n)
			mu.Unlock()
			return n, nil
		}
	}

	futures := []*Future{
		s.admit(q, makeTask(1, time.Millisecond*100)),
		s.admit(q, makeTask(2, 0)),
		s.admit(q, makeTask(3, 0)),
	}
	for i, f := range futures {
		val, err := s.wait(f)
		s.Require().NoError(err)
		s.Equal(i+1, val)
	}
	s.Equal([]int{1, 2, 3}, completed)
}

func (s *QueueTestSuite) TestExcessTasksStartAsSlotsFree() {
	q := s.newQueue(3, Opts{})

	started := make(chan int, 5)
	releases := make([]chan struct{}, 5)
	futures := make([]*Future, 5)
	for i := range futures {
		i := i
		releases[i] = make(chan struct{})
		futures[i] = s.admit(q, func(ctx context.Context) (interface{}, error) {
			started <- i
			<-releases[i]
			return i, nil
		})
	}

	var first []int
	for i := 0; i < 3; i++ {
		first = append(first, s.receive(started))
	}
	s.ElementsMatch([]int{0, 1, 2}, first)
	s.assertNothingReceived(started)
	s.Equal(Stats{Limit: 3, Running: 3, Pending: 2}, q.Stats())

	close(releases[1])
	s.Equal(3, s.receive(started))
	s.assertNothingReceived(started)

	close(releases[0])
	s.Equal(4, s.receive(started))

	close(releases[2])
	close(releases[3])
	close(releases[4])
	for i, f := range futures {
		val, err := s.wait(f)
		s.Require().NoError(err)
		s.Equal(i, val)
	}
	s.Equal(Stats{Limit: 3}, q.Stats())
}

func (s *QueueTestSuite) TestTaskFailureIsReportedToItsCallerOnly() {
	q := s.newQueue(1, Opts{})

	taskErr := errors.New("downstream call failed")
	failed := s.admit(q, func(ctx context.Context) (interface{}, error) {
		return nil, taskErr
	})
	succeeded := s.admit(q, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	_, err := s.wait(failed)
	s.Same(taskErr, err)

	val, err := s.wait(succeeded)
	s.Require().NoError(err)
	s.Equal("ok", val)
}

func (s *QueueTestSuite) TestRunningNeverExceedsLimit() {
	const limit = 4
	q := s.newQueue(limit, Opts{})

	current := atomic.NewInt32(0)
	maxSeen := atomic.NewInt32(0)
	var futures []*Future
	for i := 0; i < 50; i++ {
		i := i
		futures = append(futures, s.admit(q, func(ctx context.Context) (interface{}, error) {
			n := current.Inc()
			for {
				prev := maxSeen.Load()
				if n <= prev || maxSeen.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Dec()
			if i%7 == 0 {
				return nil, fmt.Errorf("task %d failed", i)
			}
			return i, nil
		}))
	}

	for i, f := range futures {
		val, err := s.wait(f)
		if i%7 == 0 {
			s.EqualError(err, fmt.Sprintf("task %d failed", i))
			continue
		}
		s.Require().NoError(err)
		s.Equal(i, val)
	}
	s.LessOrEqual(maxSeen.Load(), int32(limit))
	s.Equal(int32(0), current.Load())
}

func (s *QueueTestSuite) TestWaitersStartInArrivalOrder() {
	q := s.newQueue(1, Opts{})

	release := make(chan struct{})
	blocker := s.admit(q, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})

	var mu sync.Mutex
	var order []int
	var futures []*Future
	for i := 0; i < 20; i++ {
		i := i
		futures = append(futures, s.admit(q, func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}))
	}
	s.Equal(20, q.Stats().Pending)

	close(release)
	_, err := s.wait(blocker)
	s.Require().NoError(err)
	for _, f := range futures {
		_, err = s.wait(f)
		s.Require().NoError(err)
	}
	for i := range order {
		s.Equal(i, order[i])
	}
	s.Len(order, 20)
}

func (s *QueueTestSuite) TestQueueFull() {
	metrics := NewPrometheusMetrics()
	q := s.newQueue(1, Opts{MaxPending: 1, MetricsCollector: metrics})

	release := make(chan struct{})
	defer close(release)
	blockingTask := func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}
	s.admit(q, blockingTask)
	s.NoError(q.Ready())
	s.admit(q, blockingTask)
	s.ErrorIs(q.Ready(), ErrQueueFull)

	f, err := q.Admit(context.Background(), blockingTask)
	s.ErrorIs(err, ErrQueueFull)
	s.Nil(f)
	s.Equal(1.0, testutil.ToFloat64(metrics.RejectionsTotal.WithLabelValues(string(RejectionReasonQueueFull))))
	s.Equal(1.0, testutil.ToFloat64(metrics.Running))
	s.Equal(1.0, testutil.ToFloat64(metrics.Pending))
}

func (s *QueueTestSuite) TestTaskTimeout() {
	q := s.newQueue(1, Opts{TaskTimeout: time.Millisecond * 50})

	release := make(chan struct{})
	taskCanceled := make(chan struct{})
	slow := s.admit(q, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(taskCanceled)
		<-release
		return "too late", nil
	})
	next := s.admit(q, func(ctx context.Context) (interface{}, error) {
		return "next", nil
	})

	_, err := s.wait(slow)
	s.ErrorIs(err, ErrTimeout)
	s.receiveClosed(taskCanceled)

	// The slot is held until the abandoned task really returns.
	s.Equal(Stats{Limit: 1, Running: 1, Pending: 1}, q.Stats())
	close(release)

	val, err := s.wait(next)
	s.Require().NoError(err)
	s.Equal("next", val)

	val, err = slow.Result()
	s.ErrorIs(err, ErrTimeout)
	s.Nil(val)
}

func (s *QueueTestSuite) TestPanicIsRecovered() {
	q := s.newQueue(1, Opts{})

	panicked := s.admit(q, func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	next := s.admit(q, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	_, err := s.wait(panicked)
	var panicErr *PanicError
	s.Require().ErrorAs(err, &panicErr)
	s.Equal("boom", panicErr.Value)
	s.NotEmpty(panicErr.Stack)

	val, err := s.wait(next)
	s.Require().NoError(err)
	s.Equal(42, val)
}

func (s *QueueTestSuite) TestCanceledWhilePending() {
	q := s.newQueue(1, Opts{})

	release := make(chan struct{})
	blocker := s.admit(q, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	executed := atomic.NewBool(false)
	f, err := q.Admit(ctx, func(ctx context.Context) (interface{}, error) {
		executed.Store(true)
		return nil, nil
	})
	s.Require().NoError(err)
	cancel()

	_, err = s.wait(f)
	s.ErrorIs(err, context.Canceled)
	s.Equal(0, q.Stats().Pending)

	close(release)
	_, err = s.wait(blocker)
	s.Require().NoError(err)
	s.False(executed.Load())

	f, err = q.Admit(ctx, func(ctx context.Context) (interface{}, error) { return nil, nil })
	s.Require().NoError(err)
	_, err = s.wait(f)
	s.ErrorIs(err, context.Canceled)
}

func (s *QueueTestSuite) TestShutdown() {
	q := s.newQueue(1, Opts{})

	release := make(chan struct{})
	running := s.admit(q, func(ctx context.Context) (interface{}, error) {
		<-release
		return "done", nil
	})
	pending := s.admit(q, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer shutdownCancel()
	s.ErrorIs(q.Shutdown(shutdownCtx), context.DeadlineExceeded)
	s.ErrorIs(q.Ready(), ErrShuttingDown)

	_, err := s.wait(pending)
	s.ErrorIs(err, ErrShuttingDown)

	late, err := q.Admit(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil })
	s.Require().NoError(err)
	_, err = s.wait(late)
	s.ErrorIs(err, ErrShuttingDown)

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- q.Shutdown(context.Background())
	}()
	close(release)

	select {
	case err = <-shutdownDone:
		s.NoError(err)
	case <-time.After(waitTimeout):
		s.FailNow("shutdown has not finished")
	}

	val, err := s.wait(running)
	s.Require().NoError(err)
	s.Equal("done", val)
	s.NoError(q.Shutdown(context.Background()))
}

func (s *QueueTestSuite) TestDo() {
	q := s.newQueue(2, Opts{})

	type result struct{ Files int }
	res, err := Do(context.Background(), q, func(ctx context.Context) (*result, error) {
		return &result{Files: 3}, nil
	})
	s.Require().NoError(err)
	s.Equal(3, res.Files)

	res, err = Do(context.Background(), q, func(ctx context.Context) (*result, error) {
		return nil, errors.New("failed")
	})
	s.EqualError(err, "failed")
	s.Nil(res)

	n, err := Do(context.Background(), q, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	s.Require().NoError(err)
	s.Equal(7, n)
}

func (s *QueueTestSuite) newQueue(limit int, opts Opts) *Queue {
	q, err := New(limit, opts)
	s.Require().NoError(err)
	return q
}

func (s *QueueTestSuite) admit(q *Queue, task Task) *Future {
	f, err := q.Admit(context.Background(), task)
	s.Require().NoError(err)
	return f
}

func (s *QueueTestSuite) wait(f *Future) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	select {
	case <-f.Done():
	case <-ctx.Done():
		s.FailNow("future has not been settled")
	}
	return f.Wait(ctx)
}

func (s *QueueTestSuite) receive(ch <-chan int) int {
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		s.FailNow("nothing has been received")
	}
	return -1
}

func (s *QueueTestSuite) receiveClosed(ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		s.FailNow("channel has not been closed")
	}
}

func (s *QueueTestSuite) assertNothingReceived(ch <-chan int) {
	select {
	case v := <-ch:
		s.Failf("unexpected start", "task %d started", v)
	case <-time.After(time.Millisecond * 50):
	}
}
