package aio

import (
	"sync/atomic"
	"time"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	// WorkerStopped means the goroutine is not running
	WorkerStopped WorkerState = iota
	// WorkerRunning means the procedure is executing
	WorkerRunning
	// WorkerStopping means shutdown was requested but the procedure has
	// not returned yet
	WorkerStopping
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "stopped"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// WorkerProc is the procedure a worker executes. The worker itself is
// passed in so the procedure can poll ShouldStop, wait on StopEvent, and
// read its Context; the reference is scoped to the procedure frame and
// nothing should retain it past return.
type WorkerProc func(w *Worker)

// Worker binds a goroutine to a user procedure with a cooperative
// stop-signal and timed join. Cancellation is edge-triggered through the
// stop event; there is no preemptive kill. Every worker must eventually be
// joined or its goroutine leaks.
type Worker struct {
	proc  WorkerProc
	ctx   any
	stop  *Signal
	done  chan struct{}
	state atomic.Int32
}

// NewWorker starts a goroutine running proc with the given caller-owned
// context. The goroutine transitions to running before proc executes and
// to stopped after it returns.
func NewWorker(proc WorkerProc, ctx any) (*Worker, error) {
	if proc == nil {
		return nil, NewError("worker_create", ErrCodeInvalidArgument, "nil procedure")
	}

	w := &Worker{
		proc: proc,
		ctx:  ctx,
		stop: NewSignal(true, false),
		done: make(chan struct{}),
	}
	w.state.Store(int32(WorkerRunning))

	go w.run()
	return w, nil
}

func (w *Worker) run() {
	// CAS so a stop signaled before the goroutine was scheduled keeps the
	// stopping state visible.
	w.state.CompareAndSwap(int32(WorkerStopped), int32(WorkerRunning))
	defer func() {
		w.state.Store(int32(WorkerStopped))
		close(w.done)
	}()
	w.proc(w)
}

// Context returns the caller-owned context supplied at creation.
func (w *Worker) Context() any {
	return w.ctx
}

// SignalStop asserts the worker's cancellation event. Non-blocking; the
// procedure cooperates by polling ShouldStop or waiting on StopEvent and
// returning.
func (w *Worker) SignalStop() {
	w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopping))
	w.stop.Set()
}

// ShouldStop reports whether shutdown was requested. Zero-timeout poll of
// the stop event; intended to be called from the procedure.
func (w *Worker) ShouldStop() bool {
	return w.stop.Wait(0)
}

// StopEvent exposes the cancellation event for multi-object waits, e.g.
// waiting on "input available or stop requested" in one place.
func (w *Worker) StopEvent() *Signal {
	return w.stop
}

// Join waits until the procedure has returned. A negative timeout waits
// indefinitely; zero polls. Returns true if the worker reached the stopped
// state within the deadline. A false return means the worker has not yet
// noticed its stop event; the caller may wait longer or give the goroutine
// up for lost.
func (w *Worker) Join(timeout time.Duration) bool {
	switch {
	case timeout < 0:
		<-w.done
		return true
	case timeout == 0:
		select {
		case <-w.done:
			return true
		default:
			return false
		}
	default:
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-w.done:
			return true
		case <-t.C:
			return false
		}
	}
}

// State returns the worker's lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}
