package nanny

import (
	"log/slog"
	"math/rand"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/nanny/internal/evloop"
	"github.com/loykin/nanny/internal/logbuf"
	"github.com/loykin/nanny/internal/metrics"
	"github.com/loykin/nanny/internal/periodic"
)

// Supervisor owns the live list of children and drives every FSM
// transition from the event loop's timer callbacks — the Go analogue of
// the original's static live_children_oldest/live_children_youngest
// list plus nanny_oversee_children's reap dispatch.
type Supervisor struct {
	loop     *evloop.Loop
	log      *slog.Logger
	children []*Child // oldest first, matching live_children_oldest traversal order
	nextID   int

	NannyPID int
	HTTPPort int

	// Announce, if set, is invoked for every udp_announce() call site in
	// the original (STARTING/RESTARTING/STOPPED/UNSTOPPABLE). Wired to
	// internal/boundary/udpmcast in the full supervisor; nil is a valid
	// no-op for tests.
	Announce func(format string, args ...any)

	// Periodic fires the detached workers registered via Spec.Periodic.
	// New sets it to periodic.NewRunner(""); when nil, periodic tasks keep
	// rescheduling but start no worker.
	Periodic *periodic.Runner

	// healthChecks tracks in-flight health-check sub-processes, which
	// (per the original) are not part of the main live list — they are
	// transient records freed on completion.
	healthChecks []*Child

	// periodicRuns tracks in-flight periodic-task workers by pid so
	// HandleReaped can route their exit to periodic.Runner.Finish instead
	// of mistaking them for a main child or health check.
	periodicRuns map[int]*periodic.Process
}

// New constructs a Supervisor bound to loop. NannyPID/HTTPPort feed the
// well-known NANNY_PID/HTTP_PORT variables (spec C4, envvars).
func New(loop *evloop.Loop, log *slog.Logger) *Supervisor {
	return &Supervisor{
		loop:         loop,
		log:          noopLogger(log),
		NannyPID:     syscall.Getpid(),
		Periodic:     periodic.NewRunner(""),
		periodicRuns: make(map[int]*periodic.Process),
	}
}

// setChildState transitions c.state to st, reporting the change through
// the child-state gauge (spec DOMAIN STACK metrics surface): the
// previous state's series drops to 0, the new one rises to 1.
func (s *Supervisor) setChildState(c *Child, st State) {
	old := c.state
	if old != "" && old != st {
		metrics.SetChildState(c.Spec.Instance, string(old), false)
	}
	c.state = st
	metrics.SetChildState(c.Spec.Instance, string(st), true)
}

func (s *Supervisor) announce(format string, args ...any) {
	if s.Announce != nil {
		s.Announce(format, args...)
	}
}

// AddChild registers a new main child and schedules its first state
// transition for the next tick, combining nanny_child_new and
// nanny_new_child from the original into one call.
func (s *Supervisor) AddChild(spec Spec) *Child {
	s.nextID++
	if spec.ID == 0 {
		spec.ID = s.nextID
	}
	c := &Child{
		Spec:         spec,
		state:        StateNew,
		restartDelay: 0,
		stdout:       logbuf.New(64 * 1024),
		stderr:       logbuf.New(64 * 1024),
		events:       logbuf.New(64 * 1024),
	}
	if spec.LogDir != "" {
		c.stdout.SetFilenameBase(filepath.Join(spec.LogDir, "nanny_stdout.log"))
		c.stderr.SetFilenameBase(filepath.Join(spec.LogDir, "nanny_stderr.log"))
		c.events.SetFilenameBase(filepath.Join(spec.LogDir, "nanny_event.log"))
	}
	c.stdout.SetLabels(spec.Instance, "stdout")
	c.stderr.SetLabels(spec.Instance, "stderr")
	c.events.SetLabels(spec.Instance, "events")
	c.stateHandler = func(now int64) { s.goalRunning(c, now) }
	s.scheduleNow(c)

	for _, raw := range spec.Periodic {
		s.addPeriodic(c, raw)
	}

	s.children = append(s.children, c)
	return c
}

// scheduleNow cancels any pending state timer and arms a new one for the
// next tick, calling c.stateHandler with the fired time.
func (s *Supervisor) scheduleNow(c *Child) {
	s.cancelStateTimer(c)
	c.stateTimer = s.loop.Timers.AddNow(func(_ any, scheduled time.Time) {
		c.stateTimer = 0
		c.hasTimer = false
		c.stateHandler(scheduled.Unix())
	}, nil)
	c.hasTimer = true
}

func (s *Supervisor) scheduleAfter(c *Child, seconds int) {
	s.cancelStateTimer(c)
	d := time.Duration(seconds) * time.Second
	c.stateTimer = s.loop.Timers.AddAfter(time.Now(), d, func(_ any, scheduled time.Time) {
		c.stateTimer = 0
		c.hasTimer = false
		c.stateHandler(scheduled.Unix())
	}, nil)
	c.hasTimer = true
}

func (s *Supervisor) cancelStateTimer(c *Child) {
	if c.hasTimer {
		s.loop.Timers.Cancel(c.stateTimer)
		c.hasTimer = false
	}
}

func (s *Supervisor) cancelHealthTimer(c *Child) {
	if c.hasHealthTimer {
		s.loop.Timers.Cancel(c.healthTimer)
		c.hasHealthTimer = false
	}
}

// Children returns the live list, oldest-registered first.
func (s *Supervisor) Children() []*Child {
	out := make([]*Child, len(s.children))
	copy(out, s.children)
	return out
}

func (s *Supervisor) ChildByID(id int) *Child {
	for _, c := range s.children {
		if c.Spec.ID == id {
			return c
		}
	}
	return nil
}

// HandleReaped is wired as sigbridge's onReaped callback: it finds the
// live child (main or health-check) whose pid matches and invokes its
// ended() handler, mirroring nanny_oversee_children's oldest-to-youngest
// scan.
func (s *Supervisor) HandleReaped(pid int, ws syscall.WaitStatus) {
	if p, ok := s.periodicRuns[pid]; ok {
		delete(s.periodicRuns, pid)
		s.Periodic.Finish(p)
		return
	}
	for _, hc := range s.healthChecks {
		if hc.pid == pid {
			s.healthCheckEnded(hc, ws)
			return
		}
	}
	for _, c := range s.children {
		if c.pid == pid {
			s.mainChildEnded(c, ws)
			return
		}
	}
}

func (s *Supervisor) registerHealthCheck(hc *Child) {
	s.healthChecks = append(s.healthChecks, hc)
}

func (s *Supervisor) unregisterHealthCheck(hc *Child) {
	for i, x := range s.healthChecks {
		if x == hc {
			s.healthChecks = append(s.healthChecks[:i], s.healthChecks[i+1:]...)
			return
		}
	}
}

// StopAll transitions every non-stopped child onto the stop FSM,
// cancelling any pending periodic tasks and timers first — mirrors
// nanny_stop_all_children, returning the count still alive.
func (s *Supervisor) StopAll() int {
	alive := 0
	for _, c := range s.children {
		if c.state == StateStopped {
			c.stateHandler = func(now int64) { s.goalStopped(c, now) }
			continue
		}
		alive++
		for _, t := range c.periodic {
			s.loop.Timers.Cancel(t.timer)
		}
		c.periodic = nil
		s.cancelStateTimer(c)
		s.cancelHealthTimer(c)
		c.stateHandler = func(now int64) { s.goalStopped(c, now) }
		s.scheduleNow(c)
	}
	return alive
}

func (s *Supervisor) addPeriodic(c *Child, raw string) {
	interval, cmd, err := periodic.ParseInterval(raw)
	if err != nil {
		s.log.Warn("nanny: invalid periodic task spec", "spec", raw, "err", err)
		return
	}
	t := &periodicTask{intervalSeconds: interval, cmd: cmd}
	c.periodic = append(c.periodic, t)

	firstDelay := 0
	if interval > 0 {
		firstDelay = rand.Intn(interval)
	}
	t.timer = s.loop.Timers.AddAfter(time.Now(), time.Duration(firstDelay)*time.Second, func(_ any, scheduled time.Time) {
		s.firePeriodic(c, t, scheduled)
	}, nil)
}

// firePeriodic reschedules t for its next interval and starts the
// worker, mirroring timed_event's "reschedule, then fork" ordering. The
// worker's output is drained through the event loop like any other child
// pipe (spec C3), and its exit is reaped exclusively through sigbridge,
// never by a second pid-specific waiter — see periodic.Runner.Start.
func (s *Supervisor) firePeriodic(c *Child, t *periodicTask, scheduled time.Time) {
	t.last = scheduled.Unix()
	t.timer = s.loop.Timers.AddAfter(time.Now(), time.Duration(t.intervalSeconds)*time.Second, func(_ any, next time.Time) {
		s.firePeriodic(c, t, next)
	}, nil)

	if s.Periodic == nil {
		return
	}
	p, err := s.Periodic.Start(t.cmd, scheduled, c.pid)
	if err != nil {
		return
	}
	s.periodicRuns[p.PID()] = p
	s.drainPeriodicPipe(p)
}

// drainPeriodicPipe registers p's output pipe with the event loop,
// copying available bytes into p's buffer on each readiness
// notification. Unlike drainPipeInto, the fd is only unregistered on
// EOF, not closed — periodic.Runner.Finish owns the close, invoked once
// HandleReaped learns the worker's pid has exited.
func (s *Supervisor) drainPeriodicPipe(p *periodic.Process) {
	fd := int(p.Pipe.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		s.log.Warn("nanny: setnonblock failed", "err", err)
	}
	chunk := make([]byte, 4096)
	s.loop.Register(fd, func() {
		for {
			n, err := unix.Read(fd, chunk)
			if n > 0 {
				p.Drain(chunk, n)
			}
			if err != nil || n == 0 {
				if err != nil && isWouldBlock(err) {
					return
				}
				s.loop.Unregister(fd)
				return
			}
		}
	})
}

