//go:build linux

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taedlar/neolith-aio/internal/constants"
)

// epollBackend is the scalable readiness backend. A single eventfd doubles
// as wake-up channel and worker-completion channel: posters append their
// record under notifyMu and ring the eventfd; the wait goroutine drains the
// pending list when the eventfd reads ready. The mutex-ordered list keeps
// per-poster FIFO order, which a bare counter eventfd cannot (concurrent
// 64-bit payload writes sum in the kernel counter).
type epollBackend struct {
	epfd    int
	eventFd int

	mu   sync.Mutex
	regs map[int]*epollReg

	notifyMu sync.Mutex
	pending  []notifyRec

	eventBuf [constants.DefaultEventBatch]unix.EpollEvent
	closed   bool
}

type epollReg struct {
	interest uint32
	ctx      any
}

type notifyRec struct {
	key  uintptr
	data uint32
}

func newEpoll(cfg Config) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	b := &epollBackend{
		epfd:    epfd,
		eventFd: efd,
		regs:    make(map[int]*epollReg),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}

	return b, nil
}

func (b *epollBackend) Name() string { return "epoll" }

func (b *epollBackend) Register(fd int, interest uint32, ctx any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, dup := b.regs[fd]; dup {
		b.mu.Unlock()
		return ErrAlreadyRegistered
	}
	b.regs[fd] = &epollReg{interest: interest, ctx: ctx}
	b.mu.Unlock()

	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		b.mu.Lock()
		delete(b.regs, fd)
		b.mu.Unlock()
		return err
	}
	return nil
}

// RegisterListener adds a listening endpoint. On a readiness backend it is
// an ordinary read-interest registration: readability means a connection is
// pending and the caller performs the accept.
func (b *epollBackend) RegisterListener(fd int, ctx any) error {
	return b.Register(fd, InterestRead, ctx)
}

func (b *epollBackend) Modify(fd int, interest uint32, ctx any) error {
	b.mu.Lock()
	reg, ok := b.regs[fd]
	if !ok {
		b.mu.Unlock()
		return ErrNotRegistered
	}
	reg.interest = interest
	if ctx != nil {
		reg.ctx = ctx
	}
	b.mu.Unlock()

	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) Unregister(fd int) error {
	b.mu.Lock()
	if _, ok := b.regs[fd]; !ok {
		b.mu.Unlock()
		return ErrNotRegistered
	}
	delete(b.regs, fd)
	b.mu.Unlock()

	// Stale events already harvested by an in-flight wait are discarded by
	// the registration lookup during translation.
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wakeup() error {
	return b.post(constants.WakeupCompletionKey, 0)
}

func (b *epollBackend) PostCompletion(key uintptr, data uint32) error {
	if !ValidKey(key) {
		return ErrKeyOutOfRange
	}
	return b.post(key, data)
}

func (b *epollBackend) post(key uintptr, data uint32) error {
	b.notifyMu.Lock()
	if b.closed {
		b.notifyMu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, notifyRec{key: key, data: data})
	b.notifyMu.Unlock()

	var one [8]byte
	one[0] = 1
	_, err := unix.Write(b.eventFd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated; the wait side will drain regardless.
		return nil
	}
	return err
}

// PostRead is a no-op: read interest is level-triggered readiness here.
func (b *epollBackend) PostRead(fd int) error { return nil }

// PostWrite is advisory on readiness backends: it raises write interest so
// the caller learns when the descriptor drains. The caller performs the
// actual write.
func (b *epollBackend) PostWrite(fd int, p []byte) error {
	b.mu.Lock()
	reg, ok := b.regs[fd]
	if !ok {
		b.mu.Unlock()
		return ErrNotRegistered
	}
	interest := reg.interest | InterestWrite
	reg.interest = interest
	b.mu.Unlock()

	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) Wait(out []Event, timeout time.Duration) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}

	max := len(out)
	if max > len(b.eventBuf) {
		max = len(b.eventBuf)
	}

	n, err := unix.EpollWait(b.epfd, b.eventBuf[:max], timeoutMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			// Signal interruption doubles as a wake-up: report an empty
			// batch so the caller can observe shutdown/heartbeat flags.
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n && count < len(out); i++ {
		fd := int(b.eventBuf[i].Fd)
		if fd == b.eventFd {
			count = b.drainNotifications(out, count)
			continue
		}

		b.mu.Lock()
		reg, ok := b.regs[fd]
		var ctx any
		if ok {
			ctx = reg.ctx
		}
		b.mu.Unlock()
		if !ok {
			// Unregistered between readiness and translation.
			continue
		}

		out[count] = Event{
			Fd:   fd,
			Type: epollToEvents(b.eventBuf[i].Events),
			Ctx:  ctx,
		}
		count++
	}

	return count, nil
}

// drainNotifications consumes the eventfd counter and emits one completion
// event per pending record, swallowing wake-up sentinels.
func (b *epollBackend) drainNotifications(out []Event, count int) int {
	var buf [8]byte
	for {
		if _, err := unix.Read(b.eventFd, buf[:]); err != nil {
			break
		}
	}

	b.notifyMu.Lock()
	recs := b.pending
	b.pending = nil
	b.notifyMu.Unlock()

	for i, rec := range recs {
		if rec.key == constants.WakeupCompletionKey {
			continue
		}
		if count >= len(out) {
			// Batch full; push the remainder back for the next wait and
			// re-ring so it fires immediately.
			b.notifyMu.Lock()
			b.pending = append(recs[i:], b.pending...)
			b.notifyMu.Unlock()
			var one [8]byte
			one[0] = 1
			unix.Write(b.eventFd, one[:])
			break
		}
		out[count] = completionEvent(rec.key, rec.data)
		count++
	}
	return count
}

func (b *epollBackend) Close() error {
	b.mu.Lock()
	b.notifyMu.Lock()
	b.closed = true
	b.notifyMu.Unlock()
	b.regs = nil
	b.mu.Unlock()

	if b.eventFd >= 0 {
		unix.Close(b.eventFd)
		b.eventFd = -1
	}
	if b.epfd >= 0 {
		unix.Close(b.epfd)
		b.epfd = -1
	}
	return nil
}

func interestToEpoll(interest uint32) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func epollToEvents(ep uint32) uint32 {
	var t uint32
	if ep&unix.EPOLLIN != 0 {
		t |= EventReadable
	}
	if ep&unix.EPOLLOUT != 0 {
		t |= EventWritable
	}
	if ep&unix.EPOLLERR != 0 {
		t |= EventError
	}
	if ep&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		t |= EventClosed
	}
	return t
}

func newDefault(cfg Config) (Backend, error) {
	return newEpoll(cfg)
}
