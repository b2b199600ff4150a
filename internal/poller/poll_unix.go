//go:build unix

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taedlar/neolith-aio/internal/constants"
)

// pollBackend is the portable fallback: a linearly scanned descriptor array
// behind poll(2). The notifier is a pipe whose read end sits permanently at
// index 0; posters write one packed 8-byte record per completion, which the
// kernel keeps atomic at that size.
type pollBackend struct {
	mu      sync.Mutex
	pollfds []unix.PollFd
	regs    []pollReg
	count   int

	notifyR int
	notifyW int
	closed  bool
}

type pollReg struct {
	fd       int
	interest uint32
	ctx      any
}

func newPoll(cfg Config) (Backend, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, err
	}

	b := &pollBackend{
		pollfds: make([]unix.PollFd, constants.InitialPollCapacity),
		regs:    make([]pollReg, constants.InitialPollCapacity),
		notifyR: p[0],
		notifyW: p[1],
	}
	for i := range b.pollfds {
		b.pollfds[i].Fd = -1
		b.regs[i].fd = -1
	}
	b.pollfds[0] = unix.PollFd{Fd: int32(p[0]), Events: unix.POLLIN}
	b.regs[0] = pollReg{fd: p[0], interest: InterestRead}
	b.count = 1

	return b, nil
}

func (b *pollBackend) Name() string { return "poll" }

func (b *pollBackend) findLocked(fd int) int {
	for i := 1; i < b.count; i++ {
		if b.regs[i].fd == fd {
			return i
		}
	}
	return -1
}

func (b *pollBackend) growLocked() error {
	newCap := len(b.pollfds) * 2
	if newCap > constants.MaxPollDescriptors {
		newCap = constants.MaxPollDescriptors
	}
	if newCap <= len(b.pollfds) {
		return ErrTooManyDescriptors
	}

	pollfds := make([]unix.PollFd, newCap)
	regs := make([]pollReg, newCap)
	copy(pollfds, b.pollfds)
	copy(regs, b.regs)
	for i := len(b.pollfds); i < newCap; i++ {
		pollfds[i].Fd = -1
		regs[i].fd = -1
	}
	b.pollfds = pollfds
	b.regs = regs
	return nil
}

func (b *pollBackend) Register(fd int, interest uint32, ctx any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.findLocked(fd) >= 0 {
		return ErrAlreadyRegistered
	}
	if b.count >= len(b.pollfds) {
		if err := b.growLocked(); err != nil {
			return err
		}
	}

	idx := b.count
	b.pollfds[idx] = unix.PollFd{Fd: int32(fd), Events: interestToPoll(interest)}
	b.regs[idx] = pollReg{fd: fd, interest: interest, ctx: ctx}
	b.count++
	return nil
}

// RegisterListener adds a listening endpoint. On a readiness backend it is
// an ordinary read-interest registration: readability means a connection is
// pending and the caller performs the accept.
func (b *pollBackend) RegisterListener(fd int, ctx any) error {
	return b.Register(fd, InterestRead, ctx)
}

func (b *pollBackend) Modify(fd int, interest uint32, ctx any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.findLocked(fd)
	if idx < 0 {
		return ErrNotRegistered
	}
	b.pollfds[idx].Events = interestToPoll(interest)
	b.regs[idx].interest = interest
	if ctx != nil {
		b.regs[idx].ctx = ctx
	}
	return nil
}

func (b *pollBackend) Unregister(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.findLocked(fd)
	if idx < 0 {
		return ErrNotRegistered
	}

	last := b.count - 1
	if idx < last {
		b.pollfds[idx] = b.pollfds[last]
		b.regs[idx] = b.regs[last]
	}
	b.pollfds[last] = unix.PollFd{Fd: -1}
	b.regs[last] = pollReg{fd: -1}
	b.count--
	return nil
}

func (b *pollBackend) Wakeup() error {
	return b.post(constants.WakeupCompletionKey, 0)
}

func (b *pollBackend) PostCompletion(key uintptr, data uint32) error {
	if !ValidKey(key) {
		return ErrKeyOutOfRange
	}
	return b.post(key, data)
}

func (b *pollBackend) post(key uintptr, data uint32) error {
	rec := packCompletion(key, data)
	_, err := unix.Write(b.notifyW, rec[:])
	return err
}

// PostRead is a no-op on readiness backends.
func (b *pollBackend) PostRead(fd int) error { return nil }

// PostWrite raises write interest; the caller performs the actual write
// once writability is reported.
func (b *pollBackend) PostWrite(fd int, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.findLocked(fd)
	if idx < 0 {
		return ErrNotRegistered
	}
	b.regs[idx].interest |= InterestWrite
	b.pollfds[idx].Events = interestToPoll(b.regs[idx].interest)
	return nil
}

func (b *pollBackend) Wait(out []Event, timeout time.Duration) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	// Snapshot so registrations from other goroutines during the poll do
	// not race with the kernel scanning the array.
	active := make([]unix.PollFd, b.count)
	copy(active, b.pollfds[:b.count])
	b.mu.Unlock()

	n, err := unix.Poll(active, timeoutMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	count := 0
	for i := 0; i < len(active) && count < len(out); i++ {
		revents := active[i].Revents
		if revents == 0 {
			continue
		}

		if i == 0 {
			count = b.drainNotifyPipe(out, count)
			continue
		}

		fd := int(active[i].Fd)
		b.mu.Lock()
		idx := b.findLocked(fd)
		var ctx any
		if idx >= 0 {
			ctx = b.regs[idx].ctx
		}
		b.mu.Unlock()
		if idx < 0 {
			// Unregistered while the poll was in flight.
			continue
		}

		out[count] = Event{
			Fd:   fd,
			Type: pollToEvents(revents),
			Ctx:  ctx,
		}
		count++
	}

	return count, nil
}

// drainNotifyPipe reads packed completion records off the pipe, emitting one
// event per record and swallowing wake-up sentinels. Leftover records stay
// in the pipe and re-trigger the next poll.
func (b *pollBackend) drainNotifyPipe(out []Event, count int) int {
	var rec [8]byte
	for count < len(out) {
		n, err := unix.Read(b.notifyR, rec[:])
		if err != nil || n < len(rec) {
			break
		}
		key, data := unpackCompletion(rec[:])
		if key == constants.WakeupCompletionKey {
			continue
		}
		out[count] = completionEvent(key, data)
		count++
	}
	return count
}

func (b *pollBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	unix.Close(b.notifyR)
	unix.Close(b.notifyW)
	b.notifyR = -1
	b.notifyW = -1
	b.count = 0
	return nil
}

func interestToPoll(interest uint32) int16 {
	var ev int16
	if interest&InterestRead != 0 {
		ev |= unix.POLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func pollToEvents(revents int16) uint32 {
	var t uint32
	if revents&unix.POLLIN != 0 {
		t |= EventReadable
	}
	if revents&unix.POLLOUT != 0 {
		t |= EventWritable
	}
	if revents&unix.POLLERR != 0 {
		t |= EventError
	}
	if revents&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		t |= EventClosed
	}
	return t
}
