package timer

import (
	"testing"
	"time"
)

func TestAddCancelRestoresPriorState(t *testing.T) {
	h := New()
	base := time.Now()
	h.AddAfter(base, time.Second, func(any, time.Time) {}, nil)
	handle := h.AddAfter(base, 2*time.Second, func(any, time.Time) {}, nil)
	before := h.Len()
	h.Cancel(handle)
	if h.Len() != before-1 {
		t.Fatalf("cancel did not shrink heap: before=%d after=%d", before, h.Len())
	}
}

func TestTickFiresDueTimersInOrder(t *testing.T) {
	h := New()
	base := time.Now()
	var fired []string
	h.Add(base.Add(-time.Second), func(_ any, _ time.Time) { fired = append(fired, "past") }, nil)
	h.Add(base, func(_ any, _ time.Time) { fired = append(fired, "now") }, nil)
	h.Add(base.Add(time.Minute), func(_ any, _ time.Time) { fired = append(fired, "future") }, nil)

	h.Tick(base)
	if len(fired) != 2 || fired[0] != "past" || fired[1] != "now" {
		t.Fatalf("expected the 2 due timers to fire as [past now], got %v", fired)
	}
}

func TestTickDelayClippedToOneSecond(t *testing.T) {
	h := New()
	base := time.Now()
	h.Add(base.Add(10*time.Minute), func(any, time.Time) {}, nil)
	d := h.Tick(base)
	if d != MaxDelay {
		t.Fatalf("expected delay clipped to %v, got %v", MaxDelay, d)
	}
}

func TestTickMinDelayWhenAlreadyDue(t *testing.T) {
	h := New()
	base := time.Now()
	// Re-schedule itself for "now" inside the callback; the rescheduled
	// timer must not fire again in this same Tick (spec: a timer
	// scheduled with when<=now fires in a later iteration).
	var calls int
	var selfHandle Handle
	cb := func(_ any, _ time.Time) {
		calls++
		if calls == 1 {
			selfHandle = h.AddNow(func(any, time.Time) { calls++ }, nil)
		}
	}
	h.Add(base, cb, nil)
	h.Tick(base)
	if calls != 1 {
		t.Fatalf("expected exactly 1 call in first tick, got %d", calls)
	}
	_ = selfHandle
	d := h.Tick(base)
	if calls != 2 {
		t.Fatalf("expected rescheduled timer to fire on next tick, got %d calls", calls)
	}
	if d < MinDelay {
		t.Fatalf("delay must be >= %v, got %v", MinDelay, d)
	}
}

func TestTickEmptyHeapReturnsSentinel(t *testing.T) {
	h := New()
	d := h.Tick(time.Now())
	if d != NoNextDelay {
		t.Fatalf("expected sentinel delay %v, got %v", NoNextDelay, d)
	}
}

func TestWhenZeroFiresWithScheduledEqualNow(t *testing.T) {
	h := New()
	base := time.Now()
	var got time.Time
	h.AddNow(func(_ any, scheduled time.Time) { got = scheduled }, nil)
	h.Tick(base)
	if !got.Equal(base) {
		t.Fatalf("expected scheduled==now (%v), got %v", base, got)
	}
}
