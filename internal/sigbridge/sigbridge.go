// Package sigbridge bridges asynchronous SIGCHLD (and the termination
// signals HUP/INT/QUIT/ABRT/TERM) into the single-threaded event loop
// (spec C8).
//
// Grounded on original_source/nanny/nanny_children.c's sigchld_handler
// and nanny_oversee_children: two single-writer counters
// (sigchld_count/sigchld_handled) form a race-free handshake between the
// signal handler and the main loop, which only assumes integer writes
// are atomic. Go gives us something strictly better for the handler side
// — os/signal delivers signals through a channel rather than running a
// handler on a signal stack — but the counter handshake is kept anyway
// so the reap loop's "catch up, then drain with wait4(WNOHANG)" shape
// matches the original exactly.
package sigbridge

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Bridge owns the OS signal channel and the race-free counter handshake.
type Bridge struct {
	ch       chan os.Signal
	count    uint64
	handled  uint64
	running  atomic.Bool
	onReaped func(pid int, ws syscall.WaitStatus)
}

// New installs signal handlers for SIGCHLD and the termination signals
// the original trapped (HUP, INT, QUIT, ABRT, TERM). onReaped is invoked
// once per reaped child, oldest-registered first is the caller's
// responsibility (the bridge itself is order-agnostic, matching
// wait3/wait4's arbitrary-order delivery).
func New(onReaped func(pid int, ws syscall.WaitStatus)) *Bridge {
	b := &Bridge{
		ch:       make(chan os.Signal, 64),
		onReaped: onReaped,
	}
	b.running.Store(true)
	signal.Notify(b.ch,
		syscall.SIGCHLD,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGABRT,
		syscall.SIGTERM,
	)
	go b.listen()
	return b
}

func (b *Bridge) listen() {
	for sig := range b.ch {
		switch sig {
		case syscall.SIGCHLD:
			atomic.AddUint64(&b.count, 1)
		default:
			// Termination signal: flip the running flag so the event
			// loop's shouldContinue() observes it and begins the stop
			// cascade (spec §4.5).
			b.running.Store(false)
		}
	}
}

// Running reports whether a termination signal has NOT yet been seen.
func (b *Bridge) Running() bool { return b.running.Load() }

// Stop tears down the signal subscription. Safe to call once.
func (b *Bridge) Stop() {
	signal.Stop(b.ch)
	close(b.ch)
}

// Drain is the nanny_oversee_children equivalent: if no SIGCHLD has
// arrived since the last drain, it is a no-op; otherwise it reaps every
// exited child with wait4(WNOHANG) in a loop, invoking onReaped for
// each, exactly mirroring the original's "bump handled once, then drain
// wait3 until it returns <=0" shape.
func (b *Bridge) Drain() {
	count := atomic.LoadUint64(&b.count)
	if count == b.handled {
		return
	}
	b.handled++

	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if b.onReaped != nil {
			b.onReaped(pid, ws)
		}
	}
}
