package aio

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taedlar/neolith-aio/internal/constants"
	"github.com/taedlar/neolith-aio/internal/logging"
)

// ConsoleType classifies what standard input is attached to.
type ConsoleType int

const (
	// ConsoleNone means no usable standard input (detached process)
	ConsoleNone ConsoleType = iota
	// ConsoleTerminal means an interactive terminal
	ConsoleTerminal
	// ConsolePipe means standard input is a pipe
	ConsolePipe
	// ConsoleFile means standard input is redirected from a regular file
	ConsoleFile
)

func (t ConsoleType) String() string {
	switch t {
	case ConsoleNone:
		return "NONE"
	case ConsoleTerminal:
		return "TERMINAL"
	case ConsolePipe:
		return "PIPE"
	case ConsoleFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// DetectConsoleType classifies standard input.
func DetectConsoleType() ConsoleType {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return ConsoleNone
	}
	mode := fi.Mode()
	switch {
	case mode&os.ModeCharDevice != 0:
		return ConsoleTerminal
	case mode&os.ModeNamedPipe != 0:
		return ConsolePipe
	case mode.IsRegular():
		return ConsoleFile
	default:
		return ConsoleNone
	}
}

// ConsoleWorker reads standard input off the main goroutine. Each line read
// is enqueued to the caller-supplied queue, followed by a completion posted
// to the runtime under the agreed key; the main goroutine drains the queue
// when it sees the completion. On end-of-file the worker exits.
type ConsoleWorker struct {
	runtime *Runtime
	queue   *MessageQueue
	worker  *Worker
	key     uintptr
	ctype   ConsoleType
	logger  Logger
}

// StartConsoleWorker detects the console type and, if standard input is
// attached, starts the reader worker. With no console the returned worker
// is inert and Shutdown is a no-op; callers may treat that as a headless
// run rather than an error.
func StartConsoleWorker(rt *Runtime, queue *MessageQueue, key uintptr, opts *Options) (*ConsoleWorker, error) {
	if rt == nil || queue == nil {
		return nil, NewError("console_init", ErrCodeInvalidArgument, "nil runtime or queue")
	}
	if key == 0 {
		key = constants.ConsoleCompletionKey
	}

	var logger Logger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	} else {
		logger = logging.Default()
	}

	cw := &ConsoleWorker{
		runtime: rt,
		queue:   queue,
		key:     key,
		ctype:   DetectConsoleType(),
		logger:  logger,
	}

	if cw.ctype == ConsoleNone {
		logger.Debugf("no console detected, reader not started")
		return cw, nil
	}

	worker, err := NewWorker(cw.readLoop, nil)
	if err != nil {
		return nil, err
	}
	cw.worker = worker

	logger.Debugf("console worker started, type=%s", cw.ctype)
	return cw, nil
}

// Type returns the detected console type.
func (cw *ConsoleWorker) Type() ConsoleType {
	return cw.ctype
}

// readLoop is the worker procedure: wait for stdin readability with a short
// poll so the stop event is observed promptly, then read one chunk of up to
// ConsoleMaxLine bytes. In canonical terminal mode the kernel delivers
// whole lines.
func (cw *ConsoleWorker) readLoop(w *Worker) {
	stdinFd := int(os.Stdin.Fd())
	buf := make([]byte, constants.ConsoleMaxLine)
	pollMs := int(constants.ConsolePollInterval / time.Millisecond)

	for !w.ShouldStop() {
		pfds := []unix.PollFd{{Fd: int32(stdinFd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, pollMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			cw.logger.Printf("console poll failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		if pfds[0].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
			continue
		}

		nr, err := unix.Read(stdinFd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			cw.logger.Printf("console read failed: %v", err)
			return
		}
		if nr == 0 {
			cw.logger.Debugf("console EOF")
			return
		}

		if !cw.queue.Enqueue(buf[:nr]) {
			cw.logger.Printf("console line queue full, dropping %d bytes", nr)
			continue
		}
		if err := cw.runtime.PostCompletion(cw.key, uint32(nr)); err != nil {
			cw.logger.Printf("console completion post failed: %v", err)
			return
		}
	}
}

// Shutdown signals the reader to stop and joins it. A negative timeout
// waits indefinitely. Returns true when the worker stopped in time (or was
// never started).
func (cw *ConsoleWorker) Shutdown(timeout time.Duration) bool {
	if cw.worker == nil {
		return true
	}
	cw.worker.SignalStop()
	return cw.worker.Join(timeout)
}
