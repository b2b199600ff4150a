package aio

import "github.com/taedlar/neolith-aio/internal/poller"

// EventType is a bitmask describing what happened on an endpoint.
type EventType uint32

const (
	// EventReadable means data arrived, or a listening endpoint can accept
	EventReadable EventType = EventType(poller.EventReadable)
	// EventWritable means the endpoint accepted a write, or drained
	EventWritable EventType = EventType(poller.EventWritable)
	// EventError means the endpoint reported an error condition
	EventError EventType = EventType(poller.EventError)
	// EventClosed means the peer closed or a read completed with zero bytes
	EventClosed EventType = EventType(poller.EventClosed)
)

// NoFd is the descriptor value carried by worker-completion events.
const NoFd = poller.NoFd

// Interest bits for Register and Modify.
const (
	Readable uint32 = poller.InterestRead
	Writable uint32 = poller.InterestWrite
)

// Event is one record returned by Runtime.Wait. Exactly one of two shapes
// applies:
//
//   - I/O event: Fd is a registered descriptor (or, on the completion
//     backend, an already-accepted connection), CompletionKey is zero, and
//     Context is the value supplied at registration (for accepted
//     connections, the listening endpoint's context).
//   - Worker completion: Fd is NoFd, CompletionKey is the nonzero key the
//     worker posted, Context is nil, and Bytes carries the posted data.
//
// Buffer is populated only by the completion backend and remains valid
// until the next call to Wait.
type Event struct {
	Fd            int
	CompletionKey uintptr
	Type          EventType
	Bytes         int
	Buffer        []byte
	Context       any
}

// IsCompletion reports whether the event is a worker completion rather than
// an I/O event.
func (e *Event) IsCompletion() bool {
	return e.CompletionKey != 0
}

func (t EventType) Has(bit EventType) bool { return t&bit != 0 }

func (t EventType) String() string {
	if t == 0 {
		return "none"
	}
	var s string
	appendBit := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if t.Has(EventReadable) {
		appendBit("readable")
	}
	if t.Has(EventWritable) {
		appendBit("writable")
	}
	if t.Has(EventError) {
		appendBit("error")
	}
	if t.Has(EventClosed) {
		appendBit("closed")
	}
	return s
}
