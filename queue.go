package aio

import (
	"sync"

	"github.com/taedlar/neolith-aio/internal/constants"
	"github.com/taedlar/neolith-aio/internal/syncx"
)

// QueueFlag selects message queue overflow and signaling behavior.
type QueueFlag uint32

const (
	// DropOldest drops the oldest message when the queue is full and
	// admits the new one
	DropOldest QueueFlag = 1 << 0
	// BlockWriter suspends Enqueue until space is available
	BlockWriter QueueFlag = 1 << 1
	// SignalOnData sets a reader-visible event on each successful enqueue
	SignalOnData QueueFlag = 1 << 2
)

// QueueStats is a snapshot of queue counters. The invariant
// EnqueueCount - DequeueCount - DroppedCount == CurrentSize holds at every
// observation.
type QueueStats struct {
	Capacity     int
	CurrentSize  int
	MaxMsgSize   int
	EnqueueCount uint64
	DequeueCount uint64
	DroppedCount uint64
}

// MessageQueue is a fixed-capacity thread-safe FIFO of variable-length byte
// messages. Messages are byte-exact: a dequeued message equals the enqueued
// bytes, with the length carried out-of-band. Storage is owned by the queue
// and copied on both ends.
type MessageQueue struct {
	mu sync.Mutex

	slots      []byte // capacity contiguous slots of maxMsgSize bytes
	lens       []int
	capacity   int
	maxMsgSize int

	head  int // write position
	tail  int // read position
	count int

	flags   QueueFlag
	notFull *syncx.Event // blocked writers wake here; nil unless BlockWriter
	dataEv  *syncx.Event // signal-on-insert; nil unless SignalOnData

	enqueueCount uint64
	dequeueCount uint64
	droppedCount uint64
}

// NewMessageQueue creates a queue holding up to capacity messages of at
// most maxMsgSize bytes each. Zero values pick the defaults.
func NewMessageQueue(capacity, maxMsgSize int, flags QueueFlag) (*MessageQueue, error) {
	if capacity == 0 {
		capacity = constants.DefaultQueueCapacity
	}
	if maxMsgSize == 0 {
		maxMsgSize = constants.DefaultMaxMsgSize
	}
	if capacity < 0 || maxMsgSize < 0 {
		return nil, NewError("queue_create", ErrCodeInvalidArgument, "negative capacity or message size")
	}

	q := &MessageQueue{
		slots:      make([]byte, capacity*maxMsgSize),
		lens:       make([]int, capacity),
		capacity:   capacity,
		maxMsgSize: maxMsgSize,
		flags:      flags,
	}
	if flags&BlockWriter != 0 {
		q.notFull = syncx.NewEvent(false, false)
	}
	if flags&SignalOnData != 0 {
		q.dataEv = syncx.NewEvent(false, false)
	}
	return q, nil
}

func (q *MessageQueue) slot(index int) []byte {
	off := index * q.maxMsgSize
	return q.slots[off : off+q.maxMsgSize]
}

// Enqueue copies p into the queue. Returns false when p is empty or larger
// than the maximum message size, or when the queue is full and neither
// DropOldest nor BlockWriter is set. With DropOldest the oldest message is
// discarded to admit p; with BlockWriter the caller suspends until space
// frees up. DropOldest wins when both are set.
func (q *MessageQueue) Enqueue(p []byte) bool {
	if len(p) == 0 || len(p) > q.maxMsgSize {
		return false
	}

	q.mu.Lock()
	for q.count >= q.capacity {
		switch {
		case q.flags&DropOldest != 0:
			q.tail = (q.tail + 1) % q.capacity
			q.count--
			q.droppedCount++
		case q.flags&BlockWriter != 0:
			// Release the lock while suspended, then re-check: another
			// producer may have taken the freed slot first.
			q.mu.Unlock()
			q.notFull.Wait(-1)
			q.mu.Lock()
		default:
			q.mu.Unlock()
			return false
		}
	}

	copy(q.slot(q.head), p)
	q.lens[q.head] = len(p)
	q.head = (q.head + 1) % q.capacity
	q.count++
	q.enqueueCount++

	if q.dataEv != nil {
		q.dataEv.Set()
	}
	q.mu.Unlock()
	return true
}

// Dequeue copies the oldest message into buf and returns its length.
// Returns false when the queue is empty or when buf is smaller than the
// message; in the latter case the message is left in place.
func (q *MessageQueue) Dequeue(buf []byte) (int, bool) {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return 0, false
	}

	n := q.lens[q.tail]
	if n > len(buf) {
		q.mu.Unlock()
		return 0, false
	}

	copy(buf, q.slot(q.tail)[:n])
	q.tail = (q.tail + 1) % q.capacity
	q.count--
	q.dequeueCount++

	if q.notFull != nil {
		q.notFull.Set()
	}
	q.mu.Unlock()
	return n, true
}

// Clear resets the queue to empty. Counters other than depth are preserved.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	q.head = 0
	q.tail = 0
	q.count = 0
	if q.notFull != nil {
		q.notFull.Set()
	}
	q.mu.Unlock()
}

// IsEmpty reports whether the queue holds no messages.
func (q *MessageQueue) IsEmpty() bool {
	q.mu.Lock()
	empty := q.count == 0
	q.mu.Unlock()
	return empty
}

// IsFull reports whether the queue is at capacity.
func (q *MessageQueue) IsFull() bool {
	q.mu.Lock()
	full := q.count >= q.capacity
	q.mu.Unlock()
	return full
}

// Stats returns a consistent snapshot of the queue counters.
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	stats := QueueStats{
		Capacity:     q.capacity,
		CurrentSize:  q.count,
		MaxMsgSize:   q.maxMsgSize,
		EnqueueCount: q.enqueueCount,
		DequeueCount: q.dequeueCount,
		DroppedCount: q.droppedCount,
	}
	q.mu.Unlock()
	return stats
}

// DataEvent returns the signal-on-insert event, or nil when the queue was
// created without SignalOnData. Consumers multiplexing the queue with a
// runtime wait on it with a zero timeout and then drain until empty.
func (q *MessageQueue) DataEvent() *Signal {
	return q.dataEv
}
