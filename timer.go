package aio

import (
	"sync/atomic"
	"time"
)

// PeriodicTimer fires a callback at a fixed interval on its own goroutine.
// The schedule is drift-corrected: a long callback does not permanently
// offset subsequent ticks, and catch-up after an overrun is bounded to one
// interval — late ticks are skipped, never queued. Callbacks never overlap.
// The callback is stored per instance, so multiple timers coexist.
type PeriodicTimer struct {
	interval time.Duration
	callback func()
	worker   *Worker
	active   atomic.Bool
	skipped  atomic.Uint64
}

// NewPeriodicTimer creates a stopped timer. The callback must not block
// longer than the interval or ticks will be skipped.
func NewPeriodicTimer(interval time.Duration, callback func()) (*PeriodicTimer, error) {
	if interval <= 0 {
		return nil, NewError("timer_create", ErrCodeInvalidArgument, "non-positive interval")
	}
	if callback == nil {
		return nil, NewError("timer_create", ErrCodeInvalidArgument, "nil callback")
	}
	return &PeriodicTimer{interval: interval, callback: callback}, nil
}

// Start arms the timer; the first tick fires one interval from now.
func (t *PeriodicTimer) Start() error {
	if !t.active.CompareAndSwap(false, true) {
		return NewError("timer_start", ErrCodeInvalidArgument, "timer already active")
	}
	worker, err := NewWorker(t.tickLoop, nil)
	if err != nil {
		t.active.Store(false)
		return err
	}
	t.worker = worker
	return nil
}

func (t *PeriodicTimer) tickLoop(w *Worker) {
	next := time.Now().Add(t.interval)
	for {
		// Sleeping on the stop event makes shutdown and the tick wait one
		// and the same operation.
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		if w.StopEvent().Wait(d) {
			return
		}

		t.callback()
		next = next.Add(t.interval)

		// Overrun: realign to the schedule, allowing at most one late
		// tick before skipping ahead.
		if behind := time.Since(next); behind > t.interval {
			missed := uint64(behind / t.interval)
			t.skipped.Add(missed)
			next = next.Add(time.Duration(missed) * t.interval)
		}
	}
}

// Stop disarms the timer and joins its goroutine. Idempotent.
func (t *PeriodicTimer) Stop() {
	if !t.active.CompareAndSwap(true, false) {
		return
	}
	t.worker.SignalStop()
	t.worker.Join(-1)
	t.worker = nil
}

// IsActive reports whether the timer is armed.
func (t *PeriodicTimer) IsActive() bool {
	return t.active.Load()
}

// SkippedTicks reports how many scheduled ticks were skipped because the
// callback overran its interval.
func (t *PeriodicTimer) SkippedTicks() uint64 {
	return t.skipped.Load()
}

// Heartbeat drives the main loop's periodic work: a timer tick sets a flag
// and wakes the runtime, and the main loop claims the flag on its next
// iteration. Ticks that land before the flag is claimed coalesce.
type Heartbeat struct {
	timer   *PeriodicTimer
	runtime *Runtime
	pending atomic.Bool
}

// StartHeartbeat creates and arms a heartbeat with the given period.
func StartHeartbeat(rt *Runtime, period time.Duration) (*Heartbeat, error) {
	if rt == nil {
		return nil, NewError("heartbeat_start", ErrCodeInvalidArgument, "nil runtime")
	}
	hb := &Heartbeat{runtime: rt}
	timer, err := NewPeriodicTimer(period, hb.tick)
	if err != nil {
		return nil, err
	}
	hb.timer = timer
	if err := timer.Start(); err != nil {
		return nil, err
	}
	return hb, nil
}

func (hb *Heartbeat) tick() {
	hb.pending.Store(true)
	hb.runtime.Wakeup()
}

// Pending claims an outstanding heartbeat, clearing the flag.
func (hb *Heartbeat) Pending() bool {
	return hb.pending.Swap(false)
}

// Stop disarms the heartbeat timer.
func (hb *Heartbeat) Stop() {
	hb.timer.Stop()
}
