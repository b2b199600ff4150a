//go:build unix

package poller

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taedlar/neolith-aio/internal/constants"
)

// backendsUnderTest opens every readiness backend available on this
// platform. The completion backend is covered when built with -tags
// giouring.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	out := make(map[string]Backend)
	for _, name := range []string{"epoll", "poll", "uring"} {
		b, err := New(name, Config{})
		if errors.Is(err, ErrUnavailable) {
			continue
		}
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		t.Cleanup(func() { b.Close() })
		out[name] = b
	}
	return out
}

func testSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestBackendWakeupReturnsZeroEvents(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			go func() {
				time.Sleep(50 * time.Millisecond)
				b.Wakeup()
			}()

			out := make([]Event, 8)
			start := time.Now()
			n, err := b.Wait(out, -1)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("wakeup produced %d events, want 0", n)
			}
			if time.Since(start) > time.Second {
				t.Error("wait did not return promptly on wakeup")
			}
		})
	}
}

func TestBackendCompletionRoundTrip(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.PostCompletion(0xBEEF, 123); err != nil {
				t.Fatal(err)
			}

			out := make([]Event, 8)
			n, err := b.Wait(out, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("got %d events, want 1", n)
			}
			ev := out[0]
			if ev.Fd != NoFd || ev.Key != 0xBEEF || ev.Bytes != 123 || ev.Ctx != nil {
				t.Errorf("completion event = %+v", ev)
			}
			if ev.Type&EventReadable == 0 {
				t.Errorf("completion type = %x", ev.Type)
			}
		})
	}
}

func TestBackendInvalidCompletionKeys(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []uintptr{0, uintptr(constants.WakeupCompletionKey), uintptr(1) << 40} {
				if err := b.PostCompletion(key, 0); !errors.Is(err, ErrKeyOutOfRange) {
					t.Errorf("PostCompletion(%#x) = %v, want ErrKeyOutOfRange", key, err)
				}
			}
		})
	}
}

func TestBackendReadableEvent(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			a, peer := testSocketPair(t)
			if err := b.Register(a, InterestRead, "conn"); err != nil {
				t.Fatal(err)
			}
			defer b.Unregister(a)

			unix.Write(peer, []byte("data"))

			out := make([]Event, 8)
			n, err := b.Wait(out, 2*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("got %d events, want 1", n)
			}
			ev := out[0]
			if ev.Type&EventReadable == 0 {
				t.Errorf("type = %x, want readable", ev.Type)
			}
			if ev.Ctx != any("conn") {
				t.Errorf("ctx = %v", ev.Ctx)
			}
			if ev.Key != 0 {
				t.Errorf("I/O event carries completion key %#x", ev.Key)
			}
		})
	}
}

func TestBackendDuplicateRegister(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := testSocketPair(t)
			if err := b.Register(a, InterestRead, nil); err != nil {
				t.Fatal(err)
			}
			if err := b.Register(a, InterestRead, nil); !errors.Is(err, ErrAlreadyRegistered) {
				t.Errorf("duplicate register = %v", err)
			}
			if err := b.Unregister(a); err != nil {
				t.Fatal(err)
			}
			if err := b.Unregister(a); !errors.Is(err, ErrNotRegistered) {
				t.Errorf("double unregister = %v", err)
			}
		})
	}
}

func TestBackendZeroTimeoutPolls(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			out := make([]Event, 4)
			start := time.Now()
			n, err := b.Wait(out, 0)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("idle poll returned %d events", n)
			}
			if time.Since(start) > 100*time.Millisecond {
				t.Error("zero-timeout wait blocked")
			}
		})
	}
}

func TestUnknownBackendName(t *testing.T) {
	if _, err := New("kqueue", Config{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("New(kqueue) = %v, want ErrUnknownBackend", err)
	}
}

func TestPackCompletionRoundTrip(t *testing.T) {
	tests := []struct {
		key  uintptr
		data uint32
	}{
		{1, 0},
		{constants.ConsoleCompletionKey, 4096},
		{0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		b := packCompletion(tt.key, tt.data)
		key, data := unpackCompletion(b[:])
		if key != tt.key || data != tt.data {
			t.Errorf("pack/unpack(%#x, %d) = (%#x, %d)", tt.key, tt.data, key, data)
		}
	}
}

func TestTimeoutTranslation(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{-1, -1},
		{-time.Second, -1},
		{0, 0},
		{time.Microsecond, 1},
		{1500 * time.Millisecond, 1500},
	}
	for _, tt := range tests {
		if got := timeoutMs(tt.d); got != tt.want {
			t.Errorf("timeoutMs(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
