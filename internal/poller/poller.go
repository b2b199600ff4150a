// Package poller implements the platform event demultiplexers behind the
// public runtime. One Backend interface, three implementations:
//
//   - uring: completion-based, io_uring (Linux, build tag giouring)
//   - epoll: readiness-based, scalable (Linux, default)
//   - poll: readiness-based, portable fallback (all Unix)
//
// All backends present the same event shape; the runtime on top never
// branches on platform.
package poller

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/taedlar/neolith-aio/internal/constants"
	"github.com/taedlar/neolith-aio/internal/interfaces"
)

// Interest bits for registered descriptors.
const (
	InterestRead  uint32 = 1 << 0
	InterestWrite uint32 = 1 << 1
)

// Event type bits. Readable and Writable mirror the interest bits so a
// registration mask translates directly.
const (
	EventReadable uint32 = 1 << 0
	EventWritable uint32 = 1 << 1
	EventError    uint32 = 1 << 2
	EventClosed   uint32 = 1 << 3
)

// NoFd marks an event that carries no descriptor (worker completions).
const NoFd = -1

// Standard errors.
var (
	ErrAlreadyRegistered  = errors.New("poller: fd already registered")
	ErrNotRegistered      = errors.New("poller: fd not registered")
	ErrTooManyDescriptors = errors.New("poller: descriptor table full")
	ErrClosed             = errors.New("poller: backend closed")
	ErrUnavailable        = errors.New("poller: backend unavailable on this platform")
	ErrKeyOutOfRange      = errors.New("poller: completion key must be nonzero and fit in 32 bits")
	ErrUnknownBackend     = errors.New("poller: unknown backend name")
)

// Event is one demultiplexed occurrence: either an I/O event on a
// registered descriptor or a worker-posted completion. Exactly one of the
// two shapes applies: I/O events have Key == 0; completions have Fd == NoFd
// and a nonzero Key.
type Event struct {
	Fd     int
	Key    uintptr
	Type   uint32
	Bytes  int    // completion backend only
	Buffer []byte // completion backend only; valid until the next Wait
	Ctx    any
}

// Backend is the strategy interface implemented per platform.
//
// Wait must only ever be called from one goroutine; every other method is
// safe from any goroutine unless noted. PostRead and PostWrite must be
// called from the wait goroutine (they stage submissions the completion
// backend flushes on Wait entry; readiness backends treat them as no-ops
// or as interest toggles). The completion backend also confines Register,
// Modify and Unregister of connected descriptors to the wait goroutine.
type Backend interface {
	Name() string
	Register(fd int, interest uint32, ctx any) error
	RegisterListener(fd int, ctx any) error
	Modify(fd int, interest uint32, ctx any) error
	Unregister(fd int) error
	Wakeup() error
	PostCompletion(key uintptr, data uint32) error
	PostRead(fd int) error
	PostWrite(fd int, p []byte) error
	Wait(out []Event, timeout time.Duration) (int, error)
	Close() error
}

// Config carries backend tuning knobs and optional collaborators.
type Config struct {
	OpBufferSize    int
	ContextPoolSize int
	Logger          interfaces.Logger
	Observer        interfaces.Observer
}

func (c Config) opBufferSize() int {
	if c.OpBufferSize <= 0 {
		return constants.DefaultOpBufferSize
	}
	return c.OpBufferSize
}

func (c Config) contextPoolSize() int {
	if c.ContextPoolSize <= 0 {
		return constants.DefaultContextPoolSize
	}
	return c.ContextPoolSize
}

// New constructs a backend by name. The empty string and "auto" select the
// platform default (epoll on Linux, poll elsewhere).
func New(name string, cfg Config) (Backend, error) {
	switch name {
	case "", "auto":
		return newDefault(cfg)
	case "epoll":
		return newEpoll(cfg)
	case "poll":
		return newPoll(cfg)
	case "uring":
		return newURing(cfg)
	default:
		return nil, ErrUnknownBackend
	}
}

// ValidKey reports whether a completion key is usable from callers: nonzero,
// 32-bit, and not one of the reserved sentinels.
func ValidKey(key uintptr) bool {
	if key == 0 || key > 0xFFFFFFFF {
		return false
	}
	return key != constants.WakeupCompletionKey && key != constants.AcceptCompletionKey
}

// packCompletion encodes a completion as a single 64-bit value: key in the
// upper half, data in the lower. The poll backend writes these records to
// its notification pipe; 8-byte writes are atomic there.
func packCompletion(key uintptr, data uint32) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key)<<32|uint64(data))
	return b
}

// unpackCompletion is the inverse of packCompletion.
func unpackCompletion(b []byte) (key uintptr, data uint32) {
	v := binary.LittleEndian.Uint64(b)
	return uintptr(v >> 32), uint32(v)
}

// timeoutMs converts the public timeout convention (negative = infinite,
// zero = poll) to the millisecond convention of epoll/poll. Sub-millisecond
// positive timeouts round up so they do not degenerate into busy polls.
func timeoutMs(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	default:
		ms := int(d / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		return ms
	}
}

// completionEvent builds the uniform worker-completion event record.
func completionEvent(key uintptr, data uint32) Event {
	return Event{
		Fd:    NoFd,
		Key:   key,
		Type:  EventReadable,
		Bytes: int(data),
	}
}
