// Package timer implements the nanny's min-heap timer wheel (spec C1).
//
// Timers are one-shot: a callback that wants to run again re-adds itself
// from inside its own invocation, passing the fired_at time so periodic
// work can be scheduled off the nominal time instead of the actual
// wakeup time, which limits drift.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/loykin/nanny/internal/metrics"
)

// Func is a timer callback. scheduled is the absolute time the timer was
// due (equal to the value passed to Add, or the tick time for a when=0
// "run now" timer).
type Func func(data any, scheduled time.Time)

// Handle identifies a scheduled timer for cancellation.
type Handle uint64

type entry struct {
	when    time.Time
	seq     uint64 // insertion order: breaks heap ties, and lets Tick hold back timers added during it
	handle  Handle
	fn      Func
	data    any
	index   int // position in the heap slice; maintained by container/heap
	removed bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// NoNextDelay is the sentinel delay returned by Tick when the heap is
// empty: a generous 1-hour wait that still lets the readiness loop poll
// for new registrations.
const NoNextDelay = time.Hour

// MinDelay and MaxDelay bound every delay Tick returns, per spec §1/§4.1:
// scheduling is 1-second granular and no single wait exceeds one second,
// so SIGCHLD and new fd registrations are never starved for long.
const (
	MinDelay = time.Microsecond
	MaxDelay = time.Second
)

// Heap is a min-heap of timers keyed by absolute expiry. It is not
// goroutine-safe by design: the spec's scheduling model is single
// threaded cooperative (§5), and the only caller is the readiness loop.
type Heap struct {
	mu      sync.Mutex // guards against accidental reentrant use; never held across callbacks
	h       entryHeap
	byHndl  map[Handle]*entry
	nextSeq uint64
	nextID  uint64
}

func New() *Heap {
	return &Heap{byHndl: make(map[Handle]*entry)}
}

// Add schedules fn(data, scheduled) to run once when is reached by Tick.
// A when of the zero time.Time means "run on the next Tick", and the
// callback observes the tick's `now` as its scheduled time.
func (t *Heap) Add(when time.Time, fn Func, data any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.nextSeq++
	e := &entry{when: when, seq: t.nextSeq, handle: Handle(t.nextID), fn: fn, data: data}
	heap.Push(&t.h, e)
	t.byHndl[e.handle] = e
	return e.handle
}

// AddAfter is a convenience wrapper scheduling d relative to now.
func (t *Heap) AddAfter(now time.Time, d time.Duration, fn Func, data any) Handle {
	return t.Add(now.Add(d), fn, data)
}

// AddNow schedules fn to run on the next Tick, spec's when==0 sentinel.
func (t *Heap) AddNow(fn Func, data any) Handle {
	return t.Add(time.Time{}, fn, data)
}

// Cancel removes a pending timer. Cancelling an unknown or already-fired
// handle is a silent no-op, matching the original's tolerance for
// replacing timers that may have just fired.
func (t *Heap) Cancel(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHndl[h]
	if !ok {
		return
	}
	delete(t.byHndl, h)
	if e.index >= 0 {
		heap.Remove(&t.h, e.index)
	}
}

// Expiration reports the scheduled time for a still-pending handle.
func (t *Heap) Expiration(h Handle) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHndl[h]
	if !ok {
		return time.Time{}, false
	}
	return e.when, true
}

// Len reports the number of pending timers, used by the metrics surface
// to expose timer-heap depth.
func (t *Heap) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.h)
}

// Tick drains every timer due at or before now, invoking each callback
// synchronously and in heap-pop order (ties are unspecified per spec
// §4.1 fairness note; callers must not depend on ordering beyond
// correctness of individual callbacks). It returns the delay the caller
// should wait before its next readiness poll, clipped to
// [MinDelay, MaxDelay], or NoNextDelay if the heap is empty afterward.
func (t *Heap) Tick(now time.Time) time.Duration {
	t.mu.Lock()
	lastSeq := t.nextSeq
	t.mu.Unlock()
	var deferred []*entry
	for {
		t.mu.Lock()
		if len(t.h) == 0 || t.h[0].when.After(now) {
			t.mu.Unlock()
			break
		}
		e := heap.Pop(&t.h).(*entry)
		if e.seq > lastSeq {
			// Added by a callback during this Tick: it fires on the next one.
			deferred = append(deferred, e)
			t.mu.Unlock()
			continue
		}
		delete(t.byHndl, e.handle)
		t.mu.Unlock()

		scheduled := e.when
		if scheduled.IsZero() {
			scheduled = now
		}
		e.fn(e.data, scheduled)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range deferred {
		if t.byHndl[e.handle] == e { // skip timers cancelled since they were popped
			heap.Push(&t.h, e)
		}
	}
	metrics.SetTimerHeapDepth(len(t.h))
	if len(t.h) == 0 {
		return NoNextDelay
	}
	d := t.h[0].when.Sub(now)
	if d < MinDelay {
		d = MinDelay
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}
