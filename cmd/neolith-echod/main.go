// Command neolith-echod is a reference consumer of the async core: a
// loopback line-echo server wired to the console worker and the heartbeat
// timer, structured the way an LPMud driver's main loop consumes the
// runtime.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	aio "github.com/taedlar/neolith-aio"
	"github.com/taedlar/neolith-aio/internal/logging"
)

func main() {
	var (
		port      = flag.Int("port", 4000, "TCP port to listen on")
		heartbeat = flag.Duration("heartbeat", 2*time.Second, "heartbeat interval")
		backend   = flag.String("backend", "auto", "event backend: auto, epoll, poll, uring")
		verbose   = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := aio.DefaultConfig()
	cfg.Backend = *backend
	rt, err := aio.NewRuntime(cfg, nil)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()
	logger.Infof("runtime ready, backend=%s", rt.BackendName())

	// Listening socket, registered raw so the runtime owns the readiness
	lfd, err := listenLoopback(*port)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}
	defer unix.Close(lfd)
	if err := rt.RegisterListener(lfd, "echo-port"); err != nil {
		log.Fatalf("register listener failed: %v", err)
	}
	logger.Infof("listening on 127.0.0.1:%d", *port)

	// Console worker: lines typed on stdin are admin commands
	lineQueue, err := aio.NewMessageQueue(64, aio.ConsoleMaxLine, aio.SignalOnData)
	if err != nil {
		log.Fatalf("queue create failed: %v", err)
	}
	console, err := aio.StartConsoleWorker(rt, lineQueue, aio.ConsoleCompletionKey, nil)
	if err != nil {
		log.Fatalf("console worker failed: %v", err)
	}
	logger.Infof("console type: %s", console.Type())

	hb, err := aio.StartHeartbeat(rt, *heartbeat)
	if err != nil {
		log.Fatalf("heartbeat start failed: %v", err)
	}
	defer hb.Stop()

	// Signals arrive on their own goroutine and only wake the main loop
	var shutdown atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown.Store(true)
		rt.Wakeup()
	}()

	conns := make(map[int]struct{})
	events := make([]aio.Event, aio.DefaultEventBatch)
	readBuf := make([]byte, 4096)
	lineBuf := make([]byte, aio.ConsoleMaxLine)

	for !shutdown.Load() {
		n, err := rt.Wait(events, -1)
		if err != nil {
			log.Fatalf("wait failed: %v", err)
		}

		if hb.Pending() {
			logger.Debugf("heartbeat, conns=%d", len(conns))
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			switch {
			case ev.CompletionKey == aio.ConsoleCompletionKey:
				drainConsole(lineQueue, lineBuf, rt, &shutdown, logger)
			case ev.Fd == lfd:
				acceptConn(rt, lfd, conns, logger)
			default:
				handleConn(rt, ev, conns, readBuf, logger)
			}
		}
	}

	logger.Infof("shutting down")
	for fd := range conns {
		rt.Unregister(fd)
		unix.Close(fd)
	}
	rt.Unregister(lfd)
	if !console.Shutdown(5 * time.Second) {
		logger.Warnf("console worker did not stop in time")
	}

	snap := rt.Metrics().Snapshot()
	logger.Infof("served %d events over %d waits, %.1fs uptime",
		snap.EventsDelivered, snap.WaitCalls, snap.UptimeSeconds)
}

func listenLoopback(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func acceptConn(rt *aio.Runtime, lfd int, conns map[int]struct{}, logger *logging.Logger) {
	fd, _, err := unix.Accept(lfd)
	if err != nil {
		logger.Warnf("accept failed: %v", err)
		return
	}
	if err := rt.Register(fd, aio.Readable, fmt.Sprintf("conn-%d", fd)); err != nil {
		logger.Warnf("register conn failed: %v", err)
		unix.Close(fd)
		return
	}
	conns[fd] = struct{}{}
	rt.Metrics().RecordAccept()
	logger.Debugf("accepted fd=%d", fd)
}

func handleConn(rt *aio.Runtime, ev *aio.Event, conns map[int]struct{}, buf []byte, logger *logging.Logger) {
	if ev.Type.Has(aio.EventClosed) || ev.Type.Has(aio.EventError) {
		closeConn(rt, ev.Fd, conns, logger)
		return
	}
	if !ev.Type.Has(aio.EventReadable) {
		return
	}

	n, err := unix.Read(ev.Fd, buf)
	if err != nil || n == 0 {
		closeConn(rt, ev.Fd, conns, logger)
		return
	}
	if _, err := unix.Write(ev.Fd, buf[:n]); err != nil {
		closeConn(rt, ev.Fd, conns, logger)
	}
}

func closeConn(rt *aio.Runtime, fd int, conns map[int]struct{}, logger *logging.Logger) {
	if _, ok := conns[fd]; !ok {
		return
	}
	rt.Unregister(fd)
	unix.Close(fd)
	delete(conns, fd)
	logger.Debugf("closed fd=%d", fd)
}

func drainConsole(q *aio.MessageQueue, buf []byte, rt *aio.Runtime, shutdown *atomic.Bool, logger *logging.Logger) {
	for {
		n, ok := q.Dequeue(buf)
		if !ok {
			return
		}
		line := string(trimNewline(buf[:n]))
		switch line {
		case "quit", "shutdown":
			shutdown.Store(true)
			rt.Wakeup()
		case "stats":
			snap := rt.Metrics().Snapshot()
			logger.Infof("waits=%d events=%d completions=%d wakeups=%d",
				snap.WaitCalls, snap.EventsDelivered, snap.CompletionsPosted, snap.Wakeups)
		default:
			logger.Infof("unknown command: %q", line)
		}
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
