package server

import (
	"sync"
	"time"
)

// Clock abstracts monotonic time so the keepalive supervisor (C5) can be
// driven deterministically in tests, per spec.md §6 ("Clock.monotonic_ms").
type Clock interface {
	MonotonicMS() int64
}

// TimerHandle is returned by Scheduler.Interval and cancels the periodic
// task when Stop is called. Stop is idempotent.
type TimerHandle interface {
	Stop()
}

// Scheduler is the single-threaded next-tick/interval primitive the core
// depends on instead of running handlers inline, per spec.md §5
// ("Scheduler.spawn", "Scheduler.interval"). A Scheduler implementation
// must serialize every Spawn'd task and every Interval tick onto one
// logical executor: the core's invariant of "no two handlers run in
// parallel" lives here, not in the caller.
type Scheduler interface {
	// Spawn queues task to run on the executor's next tick, never inline
	// from the caller's stack.
	Spawn(task func())
	// Interval runs task every d, serialized with every other task on the
	// same executor, until the returned handle is stopped.
	Interval(d time.Duration, task func()) TimerHandle
	// Close releases the executor. Spawn/Interval after Close are no-ops.
	Close()
}

// realClock reads the Go monotonic clock via time.Now(); time.Time
// subtraction in Go already uses the monotonic reading when present.
type realClock struct{ start time.Time }

// NewRealClock returns a Clock backed by the process's monotonic clock.
func NewRealClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) MonotonicMS() int64 {
	return time.Since(c.start).Milliseconds()
}

// goScheduler implements Scheduler with a single worker goroutine draining
// a task queue, so Spawn'd work and Interval ticks never run concurrently
// with each other - matching the single-threaded, cooperative executor
// spec.md §5 requires, despite being backed by goroutines and channels.
type goScheduler struct {
	tasks chan func()
	quit  chan struct{}
}

// NewGoScheduler returns the default production Scheduler. Call Close when
// the server stops to release the worker goroutine.
func NewGoScheduler() *goScheduler {
	s := &goScheduler{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *goScheduler) run() {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.quit:
			return
		}
	}
}

// Close stops the worker goroutine. Pending queued tasks are dropped.
func (s *goScheduler) Close() {
	close(s.quit)
}

func (s *goScheduler) Spawn(task func()) {
	select {
	case s.tasks <- task:
	case <-s.quit:
	}
}

func (s *goScheduler) Interval(d time.Duration, task func()) TimerHandle {
	t := time.NewTicker(d)
	stop := make(chan struct{})
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Spawn(task)
			case <-stop:
				return
			case <-s.quit:
				return
			}
		}
	}()
	return &tickerHandle{stop: stop}
}

type tickerHandle struct {
	once sync.Once
	stop chan struct{}
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() { close(h.stop) })
}
