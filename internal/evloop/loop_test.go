package evloop

import (
	"os"
	"testing"
	"time"
)

func TestRegisterDispatchesOnReadable(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	l := New(nil)
	fired := make(chan struct{}, 1)
	l.Register(int(r.Fd()), func() {
		buf := make([]byte, 16)
		_, _ = r.Read(buf)
		fired <- struct{}{}
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("x"))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.RunOnce()
		select {
		case <-fired:
			return
		default:
		}
	}
	t.Fatalf("handler never fired on readable fd")
}

func TestUnregisterStopsDispatch(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	l := New(nil)
	calls := 0
	l.Register(int(r.Fd()), func() { calls++ })
	l.Unregister(int(r.Fd()))
	if l.Len() != 0 {
		t.Fatalf("expected registration table empty after Unregister, got %d", l.Len())
	}

	_, _ = w.Write([]byte("x"))
	l.RunOnce()
	if calls != 0 {
		t.Fatalf("expected no dispatch after Unregister, got %d calls", calls)
	}
}

func TestRunOnceInvokesDrainEveryIteration(t *testing.T) {
	l := New(nil)
	drains := 0
	l.Drain = func(time.Time) { drains++ }
	l.RunOnce()
	l.RunOnce()
	if drains != 2 {
		t.Fatalf("expected Drain called once per RunOnce, got %d", drains)
	}
}

func TestTimersFireThroughRunOnce(t *testing.T) {
	l := New(nil)
	fired := false
	l.Timers.AddNow(func(any, time.Time) { fired = true }, nil)
	l.RunOnce()
	if !fired {
		t.Fatalf("expected timer scheduled via AddNow to fire on first RunOnce")
	}
}
