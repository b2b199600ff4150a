package constants

import "time"

// Default configuration constants
const (
	// DefaultEventBatch is the maximum number of events translated per
	// backend wait call
	DefaultEventBatch = 64

	// DefaultOpBufferSize is the inline buffer size of a pooled operation
	// context on the completion backend
	DefaultOpBufferSize = 2048

	// DefaultContextPoolSize is the initial capacity of the operation
	// context pool; overflow falls back to plain allocation
	DefaultContextPoolSize = 256

	// DefaultQueueCapacity is the default message queue capacity
	DefaultQueueCapacity = 64

	// DefaultMaxMsgSize is the default maximum message size in bytes
	DefaultMaxMsgSize = 4096

	// MaxPollDescriptors caps the portable poll backend's descriptor array
	MaxPollDescriptors = 4096

	// InitialPollCapacity is the starting size of the poll backend's
	// descriptor array; it doubles up to MaxPollDescriptors
	InitialPollCapacity = 64
)

// Completion keys. User-supplied keys must be nonzero, fit in 32 bits, and
// stay clear of the reserved sentinels below.
const (
	// ConsoleCompletionKey identifies console worker completions
	ConsoleCompletionKey = 0xC0701E

	// WakeupCompletionKey is the internal wake-up sentinel; it is consumed
	// by the runtime and never surfaced to callers
	WakeupCompletionKey = 0xFFFE

	// AcceptCompletionKey is the internal key the accept worker uses on the
	// completion backend to hand accepted connections to the wait thread
	AcceptCompletionKey = 0xFFFD
)

// Console constants
const (
	// ConsoleMaxLine is the maximum console line length in bytes
	ConsoleMaxLine = 4096
)

// Timing constants
const (
	// ConsolePollInterval bounds how long the console worker blocks before
	// re-checking its stop event
	ConsolePollInterval = 10 * time.Millisecond

	// AcceptPollInterval bounds how long the accept worker blocks in its
	// readiness poll before re-checking its stop event
	AcceptPollInterval = 100 * time.Millisecond

	// AcceptIdleDelay is how long the accept worker sleeps when no
	// listening endpoints are registered
	AcceptIdleDelay = 100 * time.Millisecond

	// WorkerShutdownTimeout is the default join timeout used by helpers
	// that shut a worker down on the caller's behalf
	WorkerShutdownTimeout = 5 * time.Second
)
