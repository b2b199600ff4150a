package aio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicTimerFires(t *testing.T) {
	var ticks atomic.Int64
	timer, err := NewPeriodicTimer(20*time.Millisecond, func() {
		ticks.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	if timer.IsActive() {
		t.Error("timer active before Start")
	}
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	timer.Stop()

	got := ticks.Load()
	if got < 3 || got > 10 {
		t.Errorf("ticks = %d over 150ms at 20ms interval, want 3..10", got)
	}

	// No ticks after Stop
	after := ticks.Load()
	time.Sleep(60 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("timer fired after Stop")
	}
}

func TestPeriodicTimerInvalidArgs(t *testing.T) {
	if _, err := NewPeriodicTimer(0, func() {}); !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("zero interval error = %v", err)
	}
	if _, err := NewPeriodicTimer(time.Second, nil); !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("nil callback error = %v", err)
	}
}

func TestPeriodicTimerDoubleStart(t *testing.T) {
	timer, err := NewPeriodicTimer(time.Hour, func() {})
	if err != nil {
		t.Fatal(err)
	}
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	defer timer.Stop()

	if err := timer.Start(); !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("second Start error = %v", err)
	}
}

func TestPeriodicTimerCallbacksDoNotOverlap(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	timer, err := NewPeriodicTimer(5*time.Millisecond, func() {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(15 * time.Millisecond) // overruns the interval
		inFlight.Add(-1)
	})
	if err != nil {
		t.Fatal(err)
	}
	timer.Start()
	time.Sleep(120 * time.Millisecond)
	timer.Stop()

	if overlapped.Load() {
		t.Error("callbacks overlapped")
	}
	if timer.SkippedTicks() == 0 {
		t.Error("overrunning callback skipped no ticks")
	}
}

func TestPeriodicTimerDriftCorrection(t *testing.T) {
	// A single slow callback must not permanently offset the schedule.
	var mu sync.Mutex
	var stamps []time.Time
	first := true

	timer, err := NewPeriodicTimer(30*time.Millisecond, func() {
		mu.Lock()
		stamps = append(stamps, time.Now())
		slow := first
		first = false
		mu.Unlock()
		if slow {
			time.Sleep(40 * time.Millisecond)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	timer.Start()
	time.Sleep(350 * time.Millisecond)
	timer.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) < 5 {
		t.Fatalf("only %d ticks in 350ms at 30ms interval", len(stamps))
	}
	// Late intervals recover: the steady-state gap stays near the period
	var late int
	for i := 2; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap > 90*time.Millisecond {
			late++
		}
	}
	if late > 1 {
		t.Errorf("%d steady-state gaps exceeded three periods", late)
	}
}

func TestMultipleTimersCoexist(t *testing.T) {
	var a, b atomic.Int64
	t1, _ := NewPeriodicTimer(15*time.Millisecond, func() { a.Add(1) })
	t2, _ := NewPeriodicTimer(15*time.Millisecond, func() { b.Add(1) })

	t1.Start()
	t2.Start()
	time.Sleep(100 * time.Millisecond)
	t1.Stop()
	t2.Stop()

	if a.Load() == 0 || b.Load() == 0 {
		t.Errorf("coexisting timers: a=%d b=%d, both must fire", a.Load(), b.Load())
	}
}

func TestHeartbeat(t *testing.T) {
	rt := newTestRuntime(t)

	hb, err := StartHeartbeat(rt, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer hb.Stop()

	if hb.Pending() {
		t.Error("heartbeat pending before first tick")
	}

	// The tick wakes the blocked wait and raises the flag
	events := make([]Event, 8)
	start := time.Now()
	n, err := rt.Wait(events, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("heartbeat wake delivered %d events, want 0", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait returned after %v, heartbeat wake-up missed", elapsed)
	}
	if !hb.Pending() {
		t.Error("heartbeat flag not set after tick")
	}
	if hb.Pending() {
		t.Error("Pending did not clear the flag")
	}
}

func TestHeartbeatStopJoins(t *testing.T) {
	rt := newTestRuntime(t)
	hb, err := StartHeartbeat(rt, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	hb.Stop()

	hb.Pending() // clear anything in flight
	time.Sleep(40 * time.Millisecond)
	if hb.Pending() {
		t.Error("heartbeat ticked after Stop")
	}
}
