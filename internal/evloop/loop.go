// Package evloop implements the nanny's readiness-driven I/O
// multiplexer (spec C2): a single-threaded loop that binds the timer
// heap to a fixed table of readable-fd registrations and dispatches
// both on every iteration.
//
// Grounded on original_source/nanny/nanny_core.c's select()-based
// nanny_select/nanny_register_server/nanny_unregister_server, restyled
// with golang.org/x/sys/unix.Poll (the teacher already carries
// golang.org/x/sys indirectly via gopsutil) instead of a raw fd_set.
package evloop

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/nanny/internal/metrics"
	"github.com/loykin/nanny/internal/timer"
)

// Handler is invoked once per iteration when its fd is readable.
type Handler func()

type registration struct {
	fd      int
	handler Handler
}

// Loop is the single thread of control for a nanny process: it owns the
// timer heap and the fd readiness table, and nothing else may mutate
// either outside of a callback it dispatches (spec §5).
type Loop struct {
	Timers *timer.Heap

	regs    map[int]*registration
	pollfds []unix.PollFd

	// Drain is invoked at the top of every iteration before Tick, giving
	// the signal bridge (C8) a chance to reap SIGCHLD before the
	// readiness wait. It is optional.
	Drain func(now time.Time)

	log *slog.Logger
}

// New constructs a Loop with its own timer heap.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		Timers: timer.New(),
		regs:   make(map[int]*registration),
		log:    log,
	}
}

// Register binds fd to handler, replacing any previous handler for the
// same fd. Registration takes effect on the next iteration, per spec
// §4.2 — we simply mutate the map directly since callbacks run
// synchronously to completion before we ever re-scan the fd table.
func (l *Loop) Register(fd int, h Handler) {
	l.regs[fd] = &registration{fd: fd, handler: h}
	metrics.SetFDTableOccupancy(len(l.regs))
}

// Unregister removes fd from the readiness table. Unregistering an
// unknown fd is a no-op.
func (l *Loop) Unregister(fd int) {
	delete(l.regs, fd)
	metrics.SetFDTableOccupancy(len(l.regs))
}

// Len reports the number of registered fds, exposed via metrics as the
// fd-table occupancy gauge.
func (l *Loop) Len() int { return len(l.regs) }

// RunOnce executes exactly one iteration: drain, tick, poll, dispatch.
// It is exported so the main supervisor loop and the post-shutdown
// "drain until all children STOPPED" loop (spec §4.2) can share the same
// mechanics with different exit conditions.
func (l *Loop) RunOnce() {
	now := time.Now()
	if l.Drain != nil {
		l.Drain(now)
	}
	delay := l.Timers.Tick(time.Now())
	if delay > timer.MaxDelay {
		// An empty heap reports NoNextDelay; no single wait exceeds one second.
		delay = timer.MaxDelay
	}
	l.poll(delay)
}

// Run drives iterations until shouldContinue returns false. Re-entrancy
// is forbidden by spec §4.2: handlers dispatched from RunOnce must never
// call Run or RunOnce themselves.
func (l *Loop) Run(shouldContinue func() bool) {
	for shouldContinue() {
		l.RunOnce()
	}
}

func (l *Loop) poll(delay time.Duration) {
	if len(l.regs) == 0 {
		// Nothing to wait on; still sleep so we don't spin hot, but
		// never longer than the computed delay.
		time.Sleep(delay)
		return
	}
	l.pollfds = l.pollfds[:0]
	order := make([]int, 0, len(l.regs))
	for fd := range l.regs {
		l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		order = append(order, fd)
	}
	timeoutMS := int(delay / time.Millisecond)
	if timeoutMS < 0 {
		timeoutMS = 0
	}
	n, err := unix.Poll(l.pollfds, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		l.log.Warn("evloop: poll failed", "err", err)
		return
	}
	if n <= 0 {
		return
	}
	for i, pfd := range l.pollfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		fd := order[i]
		reg, ok := l.regs[fd]
		if !ok {
			continue
		}
		reg.handler()
	}
}
