package aio

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerLifecycle(t *testing.T) {
	started := make(chan struct{})
	w, err := NewWorker(func(w *Worker) {
		close(started)
		w.StopEvent().Wait(-1)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-started
	if got := w.State(); got != WorkerRunning {
		t.Errorf("State() = %v, want running", got)
	}

	w.SignalStop()
	if !w.Join(2 * time.Second) {
		t.Fatal("worker did not stop after SignalStop")
	}
	if got := w.State(); got != WorkerStopped {
		t.Errorf("State() after join = %v, want stopped", got)
	}
}

func TestWorkerNilProc(t *testing.T) {
	_, err := NewWorker(nil, nil)
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("NewWorker(nil) error = %v, want invalid argument", err)
	}
}

func TestWorkerContext(t *testing.T) {
	type payload struct{ value int }
	want := &payload{value: 42}

	got := make(chan any, 1)
	w, err := NewWorker(func(w *Worker) {
		got <- w.Context()
	}, want)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Join(-1)

	if ctx := <-got; ctx != any(want) {
		t.Errorf("Context() = %v, want %v", ctx, want)
	}
}

func TestWorkerShouldStopPolling(t *testing.T) {
	var polls atomic.Int64
	w, err := NewWorker(func(w *Worker) {
		for !w.ShouldStop() {
			polls.Add(1)
			time.Sleep(time.Millisecond)
		}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	w.SignalStop()
	if !w.Join(2 * time.Second) {
		t.Fatal("cooperative worker did not observe stop")
	}
	if polls.Load() == 0 {
		t.Error("worker never ran its loop")
	}
}

func TestWorkerJoinTimeout(t *testing.T) {
	release := make(chan struct{})
	w, err := NewWorker(func(w *Worker) {
		<-release
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if w.Join(50 * time.Millisecond) {
		t.Error("join succeeded while the procedure was still running")
	}
	if w.Join(0) {
		t.Error("zero-timeout join succeeded while running")
	}

	close(release)
	if !w.Join(2 * time.Second) {
		t.Fatal("join failed after the procedure returned")
	}
	// Join after stopped stays true
	if !w.Join(0) {
		t.Error("join not idempotent once stopped")
	}
}

func TestWorkerStoppingState(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	w, err := NewWorker(func(w *Worker) {
		close(started)
		<-release
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-started
	w.SignalStop()
	if got := w.State(); got != WorkerStopping {
		t.Errorf("State() after SignalStop = %v, want stopping", got)
	}
	close(release)
	w.Join(-1)
}

func TestWorkerStopEventMultiplexing(t *testing.T) {
	// A worker waiting on its stop event with a timeout behaves like the
	// console worker's "input or stop" wait.
	woke := make(chan bool, 1)
	w, err := NewWorker(func(w *Worker) {
		woke <- w.StopEvent().Wait(5 * time.Second)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	w.SignalStop()
	select {
	case ok := <-woke:
		if !ok {
			t.Error("stop event wait timed out instead of waking")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never woke from stop event")
	}
	w.Join(-1)
}
