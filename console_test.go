package aio

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withStdinPipe swaps standard input for a pipe and returns the write end.
func withStdinPipe(t *testing.T) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = orig
		r.Close()
		w.Close()
	})
	return w
}

func TestDetectConsoleTypePipe(t *testing.T) {
	withStdinPipe(t)
	assert.Equal(t, ConsolePipe, DetectConsoleType())
}

func TestConsoleTypeString(t *testing.T) {
	tests := []struct {
		ctype ConsoleType
		want  string
	}{
		{ConsoleNone, "NONE"},
		{ConsoleTerminal, "TERMINAL"},
		{ConsolePipe, "PIPE"},
		{ConsoleFile, "FILE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ctype.String())
	}
}

func TestConsoleLineDelivery(t *testing.T) {
	stdin := withStdinPipe(t)
	rt := newTestRuntime(t)

	q, err := NewMessageQueue(16, ConsoleMaxLine, SignalOnData)
	require.NoError(t, err)

	cw, err := StartConsoleWorker(rt, q, ConsoleCompletionKey, nil)
	require.NoError(t, err)
	defer cw.Shutdown(5 * time.Second)
	require.Equal(t, ConsolePipe, cw.Type())

	_, err = stdin.Write([]byte("hello\n"))
	require.NoError(t, err)

	// The completion wakes the main loop
	events := make([]Event, 8)
	var got *Event
	deadline := time.Now().Add(5 * time.Second)
	for got == nil {
		require.False(t, time.Now().After(deadline), "console completion never arrived")
		n, err := rt.Wait(events, time.Second)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			if events[i].CompletionKey == ConsoleCompletionKey {
				got = &events[i]
				break
			}
		}
	}

	assert.Equal(t, NoFd, got.Fd)
	assert.Equal(t, 6, got.Bytes)

	// The line is in the queue, byte-exact including the newline
	buf := make([]byte, ConsoleMaxLine)
	n, ok := q.Dequeue(buf)
	require.True(t, ok, "queue empty after console completion")
	assert.Equal(t, "hello\n", string(buf[:n]))
}

func TestConsoleWorkerEOF(t *testing.T) {
	stdin := withStdinPipe(t)
	rt := newTestRuntime(t)

	q, err := NewMessageQueue(16, ConsoleMaxLine, SignalOnData)
	require.NoError(t, err)

	cw, err := StartConsoleWorker(rt, q, 0, nil)
	require.NoError(t, err)

	stdin.Close()

	// Worker exits on its own; Shutdown only reaps it
	assert.True(t, cw.Shutdown(5*time.Second), "worker did not exit on EOF")
}

func TestConsoleWorkerShutdownWhileIdle(t *testing.T) {
	withStdinPipe(t)
	rt := newTestRuntime(t)

	q, err := NewMessageQueue(16, ConsoleMaxLine, 0)
	require.NoError(t, err)

	cw, err := StartConsoleWorker(rt, q, 0, nil)
	require.NoError(t, err)

	// No input ever arrives; the bounded readiness poll must still notice
	// the stop event promptly.
	start := time.Now()
	assert.True(t, cw.Shutdown(5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConsoleWorkerInvalidArgs(t *testing.T) {
	rt := newTestRuntime(t)
	q, err := NewMessageQueue(4, 64, 0)
	require.NoError(t, err)

	_, err = StartConsoleWorker(nil, q, 0, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	_, err = StartConsoleWorker(rt, nil, 0, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}
