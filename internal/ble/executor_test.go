package ble

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		loop.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	cancel()
	<-loop.Done()

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoopAfterFuncRunsOnLoop(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan struct{})
	loop.AfterFunc(10*time.Millisecond, func() { close(fired) })
	stopped := make(chan struct{}, 1)
	stop := loop.AfterFunc(10*time.Millisecond, func() { stopped <- struct{}{} })
	stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer task did not run")
	}
	select {
	case <-stopped:
		t.Error("stopped timer task ran")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownCancel(t *testing.T) {
	exec := newManualExecutor()
	fired := 0
	cd := startCountdown(exec, time.Second, func() { fired++ })

	if cd.Cancelled() {
		t.Fatal("new countdown reports cancelled")
	}
	cd.Cancel()
	exec.advance(2 * time.Second)
	if fired != 0 {
		t.Errorf("cancelled countdown fired %d times", fired)
	}
	if !cd.Cancelled() {
		t.Error("Cancelled() = false after Cancel")
	}
}

func TestCountdownFiresOnce(t *testing.T) {
	exec := newManualExecutor()
	fired := 0
	cd := startCountdown(exec, time.Second, func() { fired++ })

	exec.advance(time.Second)
	exec.advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
	if !cd.Cancelled() {
		t.Error("fired countdown should count as cancelled")
	}
}

func TestCountdownQueuedFireAfterCancel(t *testing.T) {
	exec := newManualExecutor()
	fired := 0
	cd := startCountdown(exec, time.Second, func() { fired++ })

	// Simulate the timer task being queued before Cancel runs.
	task := exec.timers[0].task
	exec.timers[0].stopped = true
	exec.Post(task)
	cd.Cancel()
	exec.run()

	if fired != 0 {
		t.Errorf("stale timer fired %d times", fired)
	}
}

func TestNilCountdown(t *testing.T) {
	var cd *Countdown
	cd.Cancel()
	if !cd.Cancelled() {
		t.Error("nil countdown should report cancelled")
	}
}
