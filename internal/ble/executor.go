package ble

import (
	"context"
	"sync"
	"time"
)

// Executor is the serialized context all Manager state lives on. Tasks run
// one at a time in posting order; timer tasks are posted when they fire.
type Executor interface {
	Post(task func())
	AfterFunc(d time.Duration, task func()) (stop func())
	Now() time.Time
}

// Loop is the production Executor: one goroutine draining an unbounded FIFO.
// Post never blocks, so tasks may post further tasks.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	done  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled. Tasks still pending at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.tasks) == 0 {
				l.mu.Unlock()
				break
			}
			task := l.tasks[0]
			l.tasks[0] = nil
			l.tasks = l.tasks[1:]
			l.mu.Unlock()

			task()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, task func()) func() {
	t := time.AfterFunc(d, func() { l.Post(task) })
	return func() { t.Stop() }
}

func (l *Loop) Now() time.Time { return time.Now() }

// Countdown is a one-shot deadline timer owned by the executor. The fire
// closure checks the cancelled flag on the executor, so a timer that was
// already queued when Cancel ran is a no-op. A fired Countdown counts as
// cancelled.
type Countdown struct {
	cancelled bool
	stop      func()
}

func startCountdown(exec Executor, d time.Duration, fire func()) *Countdown {
	c := &Countdown{}
	c.stop = exec.AfterFunc(d, func() {
		if c.cancelled {
			return
		}
		c.cancelled = true
		fire()
	})
	return c
}

// Cancel is safe on a nil Countdown.
func (c *Countdown) Cancel() {
	if c == nil || c.cancelled {
		return
	}
	c.cancelled = true
	if c.stop != nil {
		c.stop()
	}
}

func (c *Countdown) Cancelled() bool { return c == nil || c.cancelled }
