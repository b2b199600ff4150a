//go:build linux && giouring

package poller

import (
	"sync"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/taedlar/neolith-aio/internal/constants"
	"github.com/taedlar/neolith-aio/internal/interfaces"
	"github.com/taedlar/neolith-aio/internal/syncx"
)

// Operation kinds carried by pooled contexts.
type opKind uint8

const (
	opRead opKind = iota + 1
	opWrite
	opNotify
)

// userData value reserved for cancel submissions; their CQEs are discarded.
const cancelUserData = ^uint64(0)

// opCtx is the per-operation context on the completion backend: a small
// inline buffer, the operation kind, the user context captured at post time,
// and the descriptor. Contexts are pooled; at any moment a context is owned
// by exactly one of the ring, the retired list, or the free list, so it can
// never be recycled twice even when a cancelled operation completes after
// its descriptor was unregistered.
type opCtx struct {
	kind opKind
	fd   int
	ctx  any
	buf  []byte
}

type uringConn struct {
	ctx any
}

type uringListener struct {
	fd  int
	ctx any
}

// uringNotify is one record on the completion channel. The accept worker
// uses it to carry an accepted descriptor plus the listening endpoint's
// context; workers carry (key, data).
type uringNotify struct {
	key  uintptr
	data uint32
	fd   int
	ctx  any
}

// uringBackend delivers pre-completed I/O. Reads are posted ahead of time
// into pooled contexts; listening sockets are handled by a dedicated accept
// worker because the completion model has no listening semantics of its
// own. A single eventfd read, re-armed after every completion, is the
// doorbell for both wake-ups and worker completions.
type uringBackend struct {
	ring     *giouring.Ring
	eventFd  int
	bufSize  int
	observer interfaces.Observer

	// context table: index == SQE user data
	ops     []*opCtx
	free    []uint32
	retired []uint32

	// connected descriptors; wait-goroutine only
	conns map[int]*uringConn

	listenMu   sync.Mutex
	listeners  []uringListener
	acceptStop *syncx.Event
	acceptDone chan struct{}

	notifyMu  sync.Mutex
	pending   []uringNotify
	notifyIdx uint32
	notifyBuf [8]byte

	cqes   []*giouring.CompletionQueueEvent
	closed bool
}

func newURing(cfg Config) (Backend, error) {
	ring, err := giouring.CreateRing(uint32(constants.DefaultEventBatch * 4))
	if err != nil {
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		return nil, err
	}

	b := &uringBackend{
		ring:       ring,
		eventFd:    efd,
		bufSize:    cfg.opBufferSize(),
		observer:   cfg.Observer,
		conns:      make(map[int]*uringConn),
		acceptStop: syncx.NewEvent(true, false),
		acceptDone: make(chan struct{}),
		cqes:       make([]*giouring.CompletionQueueEvent, constants.DefaultEventBatch),
	}

	// Pre-populate the context pool; overflow grows the table.
	pool := cfg.contextPoolSize()
	b.ops = make([]*opCtx, 0, pool)
	b.free = make([]uint32, 0, pool)
	for i := 0; i < pool; i++ {
		b.ops = append(b.ops, &opCtx{buf: make([]byte, b.bufSize)})
		b.free = append(b.free, uint32(i))
	}

	// Arm the notification read before anything can post.
	b.notifyIdx, _ = b.getCtx(opNotify, efd, nil)
	if err := b.armNotify(); err != nil {
		ring.QueueExit()
		unix.Close(efd)
		return nil, err
	}

	go b.acceptLoop()

	return b, nil
}

func (b *uringBackend) Name() string { return "uring" }

// getCtx pops a pooled context or grows the table.
func (b *uringBackend) getCtx(kind opKind, fd int, userCtx any) (uint32, *opCtx) {
	var idx uint32
	if n := len(b.free); n > 0 {
		idx = b.free[n-1]
		b.free = b.free[:n-1]
	} else {
		idx = uint32(len(b.ops))
		b.ops = append(b.ops, &opCtx{buf: make([]byte, b.bufSize)})
	}
	ctx := b.ops[idx]
	ctx.kind = kind
	ctx.fd = fd
	ctx.ctx = userCtx
	return idx, ctx
}

func (b *uringBackend) putCtx(idx uint32) {
	ctx := b.ops[idx]
	ctx.kind = 0
	ctx.fd = -1
	ctx.ctx = nil
	b.free = append(b.free, idx)
}

// getSQE fetches a submission slot, flushing the queue once if it is full.
func (b *uringBackend) getSQE() (*giouring.SubmissionQueueEntry, error) {
	sqe := b.ring.GetSQE()
	if sqe == nil {
		if _, err := b.ring.Submit(); err != nil {
			return nil, err
		}
		sqe = b.ring.GetSQE()
		if sqe == nil {
			return nil, ErrTooManyDescriptors
		}
	}
	return sqe, nil
}

func (b *uringBackend) armNotify() error {
	sqe, err := b.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRead(b.eventFd, uintptr(unsafe.Pointer(&b.notifyBuf[0])), uint32(len(b.notifyBuf)), 0)
	sqe.UserData = uint64(b.notifyIdx)
	return nil
}

func (b *uringBackend) Register(fd int, interest uint32, ctx any) error {
	if b.closed {
		return ErrClosed
	}
	if _, dup := b.conns[fd]; dup {
		return ErrAlreadyRegistered
	}
	b.conns[fd] = &uringConn{ctx: ctx}
	if interest&InterestRead != 0 {
		return b.PostRead(fd)
	}
	return nil
}

func (b *uringBackend) RegisterListener(fd int, ctx any) error {
	if b.closed {
		return ErrClosed
	}
	b.listenMu.Lock()
	defer b.listenMu.Unlock()
	for _, l := range b.listeners {
		if l.fd == fd {
			return ErrAlreadyRegistered
		}
	}
	b.listeners = append(b.listeners, uringListener{fd: fd, ctx: ctx})
	return nil
}

// Modify is advisory on the completion backend: read interest is expressed
// by a posted read and write interest by PostWrite. Only the context is
// refreshed.
func (b *uringBackend) Modify(fd int, interest uint32, ctx any) error {
	conn, ok := b.conns[fd]
	if !ok {
		return ErrNotRegistered
	}
	if ctx != nil {
		conn.ctx = ctx
	}
	return nil
}

func (b *uringBackend) Unregister(fd int) error {
	b.listenMu.Lock()
	for i, l := range b.listeners {
		if l.fd == fd {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			b.listenMu.Unlock()
			return nil
		}
	}
	b.listenMu.Unlock()

	if _, ok := b.conns[fd]; !ok {
		return ErrNotRegistered
	}
	delete(b.conns, fd)

	// Reap in-flight operations; their completions surface as closed.
	sqe, err := b.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareCancelFd(fd, 0)
	sqe.UserData = cancelUserData
	return nil
}

func (b *uringBackend) Wakeup() error {
	return b.post(uringNotify{key: constants.WakeupCompletionKey})
}

func (b *uringBackend) PostCompletion(key uintptr, data uint32) error {
	if !ValidKey(key) {
		return ErrKeyOutOfRange
	}
	return b.post(uringNotify{key: key, data: data})
}

func (b *uringBackend) post(rec uringNotify) error {
	b.notifyMu.Lock()
	if b.closed {
		b.notifyMu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, rec)
	b.notifyMu.Unlock()

	var one [8]byte
	one[0] = 1
	_, err := unix.Write(b.eventFd, one[:])
	return err
}

// PostRead arms the next pre-posted read on a connected descriptor. Must be
// called from the wait goroutine once the previous readable event has been
// consumed.
func (b *uringBackend) PostRead(fd int) error {
	conn, ok := b.conns[fd]
	if !ok {
		return ErrNotRegistered
	}
	idx, ctx := b.getCtx(opRead, fd, conn.ctx)
	sqe, err := b.getSQE()
	if err != nil {
		b.putCtx(idx)
		return err
	}
	sqe.PrepareRecv(fd, uintptr(unsafe.Pointer(&ctx.buf[0])), uint32(len(ctx.buf)), 0)
	sqe.UserData = uint64(idx)
	return nil
}

// PostWrite copies p into a pooled context and submits an asynchronous
// send; completion surfaces as a writable event carrying the byte count.
func (b *uringBackend) PostWrite(fd int, p []byte) error {
	conn, ok := b.conns[fd]
	if !ok {
		return ErrNotRegistered
	}
	idx, ctx := b.getCtx(opWrite, fd, conn.ctx)
	if len(p) > len(ctx.buf) {
		ctx.buf = make([]byte, len(p))
	}
	n := copy(ctx.buf, p)
	sqe, err := b.getSQE()
	if err != nil {
		b.putCtx(idx)
		return err
	}
	sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&ctx.buf[0])), uint32(n), 0)
	sqe.UserData = uint64(idx)
	return nil
}

func (b *uringBackend) Wait(out []Event, timeout time.Duration) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	if b.closed {
		return 0, ErrClosed
	}

	// Buffers handed out with the previous batch are consumed by now;
	// recycle their contexts.
	for _, idx := range b.retired {
		b.putCtx(idx)
	}
	b.retired = b.retired[:0]

	// Records posted while the notify read was being re-armed.
	count := b.drainPending(out, 0)
	effective := timeout
	if count > 0 {
		effective = 0
	}

	switch {
	case effective == 0:
		if _, err := b.ring.Submit(); err != nil {
			return count, err
		}
	default:
		// Bounded waits ride the completion channel: a timer posts the
		// wake-up sentinel when the deadline passes, which completes the
		// armed eventfd read and unblocks the ring.
		var deadline *time.Timer
		if effective > 0 {
			deadline = time.AfterFunc(effective, func() {
				b.post(uringNotify{key: constants.WakeupCompletionKey})
			})
		}
		_, err := b.ring.SubmitAndWait(1)
		if deadline != nil {
			deadline.Stop()
		}
		if err != nil {
			if err == unix.EINTR {
				return count, nil
			}
			return count, err
		}
	}

	// Stop once the batch is full; unconsumed CQEs stay in the ring for
	// the next Wait.
	n := b.ring.PeekBatchCQE(b.cqes)
	var i uint32
	for ; i < n && count < len(out); i++ {
		count = b.handleCQE(b.cqes[i], out, count)
	}
	b.ring.CQAdvance(i)

	return count, nil
}

func (b *uringBackend) handleCQE(cqe *giouring.CompletionQueueEvent, out []Event, count int) int {
	if cqe.UserData == cancelUserData {
		return count
	}
	idx := uint32(cqe.UserData)
	if idx >= uint32(len(b.ops)) {
		return count
	}
	ctx := b.ops[idx]
	res := cqe.Res

	switch ctx.kind {
	case opNotify:
		count = b.drainPending(out, count)
		// Re-arm; a failure here is only recoverable by closing.
		_ = b.armNotify()

	case opRead:
		if count >= len(out) {
			// Wait hands over no CQE once the batch is full, so this is
			// a guard only; the context is retired rather than leaked.
			b.retired = append(b.retired, idx)
			return count
		}
		ev := Event{Fd: ctx.fd, Ctx: ctx.ctx}
		switch {
		case res > 0:
			ev.Type = EventReadable
			ev.Bytes = int(res)
			ev.Buffer = ctx.buf[:res]
		case res == 0:
			ev.Type = EventClosed
		default:
			ev.Type = readErrorType(-res)
		}
		out[count] = ev
		count++
		b.retired = append(b.retired, idx)

	case opWrite:
		if count >= len(out) {
			b.retired = append(b.retired, idx)
			return count
		}
		ev := Event{Fd: ctx.fd, Ctx: ctx.ctx}
		if res >= 0 {
			ev.Type = EventWritable
			ev.Bytes = int(res)
		} else {
			ev.Type = readErrorType(-res)
		}
		out[count] = ev
		count++
		b.retired = append(b.retired, idx)
	}

	return count
}

// readErrorType maps a completion errno onto the event bitmask. Cancelled
// and reset operations read as closed; everything else is an error.
func readErrorType(errno int32) uint32 {
	switch unix.Errno(errno) {
	case unix.ECANCELED, unix.ECONNRESET, unix.EPIPE:
		return EventClosed
	default:
		return EventError
	}
}

// drainPending moves completion-channel records into the output batch.
// Wake-up sentinels are swallowed; accept records become I/O-shaped events
// carrying the accepted descriptor and the listener's context.
func (b *uringBackend) drainPending(out []Event, count int) int {
	b.notifyMu.Lock()
	recs := b.pending
	b.pending = nil
	b.notifyMu.Unlock()

	for i, rec := range recs {
		switch rec.key {
		case constants.WakeupCompletionKey:
			continue
		case constants.AcceptCompletionKey:
			if count >= len(out) {
				b.requeue(recs[i:])
				return count
			}
			out[count] = Event{Fd: rec.fd, Type: EventReadable, Ctx: rec.ctx}
			count++
		default:
			if count >= len(out) {
				b.requeue(recs[i:])
				return count
			}
			out[count] = completionEvent(rec.key, rec.data)
			count++
		}
	}
	return count
}

func (b *uringBackend) requeue(recs []uringNotify) {
	b.notifyMu.Lock()
	b.pending = append(append([]uringNotify{}, recs...), b.pending...)
	b.notifyMu.Unlock()
	var one [8]byte
	one[0] = 1
	unix.Write(b.eventFd, one[:])
}

// acceptLoop runs on a dedicated goroutine: it polls every listening
// descriptor for readiness, accepts, and hands the accepted descriptor to
// the wait goroutine through the completion channel with the listening
// endpoint's context attached.
func (b *uringBackend) acceptLoop() {
	defer close(b.acceptDone)

	for {
		if b.acceptStop.Wait(0) {
			return
		}

		b.listenMu.Lock()
		pfds := make([]unix.PollFd, len(b.listeners))
		ctxs := make([]uringListener, len(b.listeners))
		for i, l := range b.listeners {
			pfds[i] = unix.PollFd{Fd: int32(l.fd), Events: unix.POLLIN}
			ctxs[i] = l
		}
		b.listenMu.Unlock()

		if len(pfds) == 0 {
			if b.acceptStop.Wait(constants.AcceptIdleDelay) {
				return
			}
			continue
		}

		n, err := unix.Poll(pfds, int(constants.AcceptPollInterval/time.Millisecond))
		if err != nil || n == 0 {
			continue
		}

		for i := range pfds {
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			accepted, _, err := unix.Accept4(ctxs[i].fd, unix.SOCK_CLOEXEC)
			if err != nil {
				continue
			}
			if b.observer != nil {
				b.observer.ObserveAccept()
			}
			b.post(uringNotify{
				key: constants.AcceptCompletionKey,
				fd:  accepted,
				ctx: ctxs[i].ctx,
			})
		}
	}
}

func (b *uringBackend) Close() error {
	if b.closed {
		return nil
	}

	b.acceptStop.Set()
	<-b.acceptDone

	b.notifyMu.Lock()
	b.closed = true
	b.notifyMu.Unlock()

	b.ring.QueueExit()
	unix.Close(b.eventFd)
	b.eventFd = -1
	b.conns = nil
	return nil
}
