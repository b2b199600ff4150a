// Package aio provides the asynchronous I/O and worker coordination core of
// an LPMud-style driver: a unified event-loop runtime over three platform
// demultiplexing strategies, a bounded thread-safe message queue, a worker
// abstraction with cooperative cancellation, a console-input worker, and a
// periodic timer.
//
// The runtime presents one contract regardless of platform: register
// endpoints, wait from exactly one goroutine, and consume a batched list of
// events that interleaves OS I/O readiness (or completions) with
// completions posted by worker goroutines.
package aio

import (
	"sync/atomic"
	"time"

	"github.com/taedlar/neolith-aio/internal/constants"
	"github.com/taedlar/neolith-aio/internal/interfaces"
	"github.com/taedlar/neolith-aio/internal/logging"
	"github.com/taedlar/neolith-aio/internal/poller"
)

// Logger is the optional logging interface accepted via Options.
type Logger = interfaces.Logger

// Observer is the metrics collection interface accepted via Options.
// Implementations must be thread-safe.
type Observer = interfaces.Observer

// Config contains parameters for creating a runtime
type Config struct {
	// Backend selects the demultiplexing strategy: "auto" (default),
	// "epoll", "poll", or "uring" (Linux, requires the giouring build tag)
	Backend string

	// MaxEventsPerWait caps the batch size of a single Wait call
	MaxEventsPerWait int

	// OpBufferSize is the inline buffer size of pooled operation contexts
	// on the completion backend
	OpBufferSize int

	// ContextPoolSize is the initial operation context pool capacity on
	// the completion backend; overflow falls back to allocation
	ContextPoolSize int
}

// DefaultConfig returns default runtime parameters
func DefaultConfig() Config {
	return Config{
		Backend:          "auto",
		MaxEventsPerWait: constants.DefaultEventBatch,
		OpBufferSize:     constants.DefaultOpBufferSize,
		ContextPoolSize:  constants.DefaultContextPoolSize,
	}
}

// Options contains additional options for runtime creation
type Options struct {
	// Logger for debug/info messages (if nil, the process default logger)
	Logger Logger

	// Observer for metrics collection (if nil, a metrics-backed observer)
	Observer Observer
}

// Runtime is the unified event loop. One instance serves a process; it must
// be constructed before any endpoint or worker bound to it and closed after
// all of them are unregistered.
//
// Wait may be called from exactly one goroutine for the life of the
// runtime. Every other method is safe from any goroutine, except PostRead
// and PostWrite which belong to the wait goroutine. On the completion
// backend, Register, Modify and Unregister of connected endpoints belong to
// the wait goroutine as well.
type Runtime struct {
	backend  poller.Backend
	logger   Logger
	observer Observer
	metrics  *Metrics
	scratch  []poller.Event
	inWait   atomic.Bool
	closed   atomic.Bool
}

// NewRuntime constructs a runtime with the given configuration.
func NewRuntime(cfg Config, opts *Options) (*Runtime, error) {
	if cfg.MaxEventsPerWait <= 0 {
		cfg.MaxEventsPerWait = constants.DefaultEventBatch
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	backend, err := poller.New(cfg.Backend, poller.Config{
		OpBufferSize:    cfg.OpBufferSize,
		ContextPoolSize: cfg.ContextPoolSize,
		Logger:          logger,
		Observer:        observer,
	})
	if err != nil {
		return nil, WrapError("init", -1, err)
	}

	logger.Debugf("runtime initialized, backend=%s", backend.Name())

	return &Runtime{
		backend:  backend,
		logger:   logger,
		observer: observer,
		metrics:  metrics,
		scratch:  make([]poller.Event, cfg.MaxEventsPerWait),
	}, nil
}

// BackendName reports which demultiplexing strategy backs this runtime.
func (rt *Runtime) BackendName() string {
	return rt.backend.Name()
}

// Metrics returns the runtime's metrics instance.
func (rt *Runtime) Metrics() *Metrics {
	return rt.metrics
}

// Register adds a connection-oriented endpoint with the given interest mask
// and caller-owned context. The same descriptor may not be registered twice
// without an intervening Unregister. The runtime never closes the
// descriptor.
func (rt *Runtime) Register(fd int, interest uint32, ctx any) error {
	if fd < 0 {
		return NewFdError("register", fd, ErrCodeInvalidArgument, "negative descriptor")
	}
	if rt.closed.Load() {
		return NewFdError("register", fd, ErrCodeClosed, "")
	}
	if err := rt.backend.Register(fd, interest, ctx); err != nil {
		return WrapError("register", fd, err)
	}
	return nil
}

// RegisterListener adds a listening endpoint. Its readable events mean "a
// connection is pending"; on the completion backend the accept is performed
// internally and the event carries the accepted descriptor.
func (rt *Runtime) RegisterListener(fd int, ctx any) error {
	if fd < 0 {
		return NewFdError("register_listener", fd, ErrCodeInvalidArgument, "negative descriptor")
	}
	if rt.closed.Load() {
		return NewFdError("register_listener", fd, ErrCodeClosed, "")
	}
	if err := rt.backend.RegisterListener(fd, ctx); err != nil {
		return WrapError("register_listener", fd, err)
	}
	return nil
}

// Modify changes the interest mask of a registered endpoint; a non-nil ctx
// also refreshes the stored context. On the completion backend the mask is
// advisory: read interest is expressed by a posted read and write interest
// by PostWrite.
func (rt *Runtime) Modify(fd int, interest uint32, ctx any) error {
	if fd < 0 {
		return NewFdError("modify", fd, ErrCodeInvalidArgument, "negative descriptor")
	}
	if err := rt.backend.Modify(fd, interest, ctx); err != nil {
		return WrapError("modify", fd, err)
	}
	return nil
}

// Unregister detaches an endpoint. Pending operations on the completion
// backend are cancelled and reaped as closed events. The descriptor itself
// stays open; closing it is the caller's job.
func (rt *Runtime) Unregister(fd int) error {
	if fd < 0 {
		return NewFdError("unregister", fd, ErrCodeInvalidArgument, "negative descriptor")
	}
	if err := rt.backend.Unregister(fd); err != nil {
		return WrapError("unregister", fd, err)
	}
	return nil
}

// Wakeup causes a concurrent or subsequent Wait to return promptly, with
// zero events if nothing else is pending. Safe from any goroutine.
func (rt *Runtime) Wakeup() error {
	if rt.closed.Load() {
		return NewError("wakeup", ErrCodeClosed, "")
	}
	rt.observer.ObserveWakeup()
	if err := rt.backend.Wakeup(); err != nil {
		return WrapError("wakeup", -1, err)
	}
	return nil
}

// PostCompletion enqueues a worker-originated event carrying key and data.
// Safe from any goroutine; successive posts from one goroutine are observed
// in posting order. Keys must be nonzero and fit in 32 bits.
func (rt *Runtime) PostCompletion(key uintptr, data uint32) error {
	if rt.closed.Load() {
		return NewError("post_completion", ErrCodeClosed, "")
	}
	if err := rt.backend.PostCompletion(key, data); err != nil {
		return WrapError("post_completion", -1, err)
	}
	rt.observer.ObserveCompletion(key)
	return nil
}

// PostRead re-arms the pre-posted read of a registered endpoint on the
// completion backend; a no-op on readiness backends. Wait-goroutine only.
func (rt *Runtime) PostRead(fd int) error {
	if err := rt.backend.PostRead(fd); err != nil {
		return WrapError("post_read", fd, err)
	}
	return nil
}

// PostWrite submits an asynchronous write on the completion backend, or
// raises write interest on readiness backends. Wait-goroutine only.
func (rt *Runtime) PostWrite(fd int, p []byte) error {
	if err := rt.backend.PostWrite(fd, p); err != nil {
		return WrapError("post_write", fd, err)
	}
	return nil
}

// Wait blocks until events are available, the timeout expires, or Wakeup is
// called, and fills out with up to len(out) events. A negative timeout
// blocks indefinitely; zero polls. Returns the number of events stored.
//
// Wait must only ever be called from one goroutine; concurrent entry fails
// fast with ErrCodeConcurrentWait.
func (rt *Runtime) Wait(out []Event, timeout time.Duration) (int, error) {
	if rt.closed.Load() {
		return 0, NewError("wait", ErrCodeClosed, "")
	}
	if !rt.inWait.CompareAndSwap(false, true) {
		return 0, NewError("wait", ErrCodeConcurrentWait, "")
	}
	defer rt.inWait.Store(false)

	max := len(out)
	if max > len(rt.scratch) {
		max = len(rt.scratch)
	}
	if max == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := rt.backend.Wait(rt.scratch[:max], timeout)
	latency := time.Since(start)
	if err != nil {
		return 0, WrapError("wait", -1, err)
	}

	for i := 0; i < n; i++ {
		ev := &rt.scratch[i]
		out[i] = Event{
			Fd:            ev.Fd,
			CompletionKey: ev.Key,
			Type:          EventType(ev.Type),
			Bytes:         ev.Bytes,
			Buffer:        ev.Buffer,
			Context:       ev.Ctx,
		}
		rt.observer.ObserveEvent(ev.Type)
	}
	rt.observer.ObserveWait(n, uint64(latency.Nanoseconds()))

	return n, nil
}

// Close destroys the runtime and releases backend resources. Endpoints
// should be unregistered and workers joined first.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.metrics.Stop()
	if err := rt.backend.Close(); err != nil {
		return WrapError("close", -1, err)
	}
	return nil
}
