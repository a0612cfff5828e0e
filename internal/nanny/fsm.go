package nanny

import (
	"syscall"
	"time"

	"github.com/loykin/nanny/internal/metrics"
)

// goalRunning is the "try to make the child run" state handler,
// grounded on main_child_goal_running. It is the state_handler for
// NEW/RESTARTING/STARTING/STOPPED and walks the child forward one step
// per invocation, exactly as the original does.
func (s *Supervisor) goalRunning(c *Child, now int64) {
	if c.state == StateStopped {
		if c.Spec.Restartable {
			s.setChildState(c, StateRestarting)
			s.scheduleAfter(c, c.restartDelay)
			return
		}
		return
	}

	if c.state == StateRestarting || c.state == StateNew {
		wasNew := c.state == StateNew
		c.pid = s.run(c.pid, c.Spec.Env, c.stdout, c.stderr, c.Spec.StartCmd)
		c.healthFailuresConsec = 0
		c.healthSuccessesConsec = 0
		c.running = true
		c.lastStart = now
		c.startCount++

		verb := "RESTARTING"
		if wasNew {
			verb = "STARTING"
			metrics.IncChildStart(c.Spec.Instance)
		} else {
			metrics.IncChildRestart(c.Spec.Instance)
		}
		s.announce("%s\tPID=%d\tCMD=%s", verb, c.pid, c.Spec.StartCmd)
		c.events.Printf("%s: %s\tPID=%d\tCMD=%s\n", isotime(now), verb, c.pid, c.Spec.StartCmd)

		s.setChildState(c, StateStarting)
		s.scheduleAfter(c, healthPeriod*5)
		s.armHealthTimer(c, healthPeriod)
		return
	}

	if c.state == StateStarting {
		// Probation: 5 consecutive health successes promote to RUNNING.
		// Rearm unconditionally so a dropped reschedule can never stall
		// promotion (spec §9 Open Question: probation stall).
		if c.healthSuccessesConsec > 4 {
			s.setChildState(c, StateRunning)
			c.failures = 0
			c.restartDelay = 1
		}
		s.scheduleAfter(c, healthPeriod)
	}
}

// armHealthTimer schedules the first/next health check at now+seconds.
func (s *Supervisor) armHealthTimer(c *Child, seconds int) {
	s.cancelHealthTimer(c)
	c.healthTimer = s.loop.Timers.AddAfter(time.Now(), time.Duration(seconds)*time.Second, func(_ any, scheduled time.Time) {
		c.healthTimer = 0
		c.hasHealthTimer = false
		s.mainChildHealthCheck(c, scheduled.Unix())
	}, nil)
	c.hasHealthTimer = true
}

// mainChildHealthCheck spawns a health-check sub-process (or, absent a
// configured health command, counts a free success), then reschedules
// itself for healthPeriod later — grounded on main_child_health_check.
//
// Per spec §4.6, the health timer only applies while the child is on
// probation or running; a STOPPING/STOPPED/RESTARTING child must not
// keep spawning health-check subprocesses, so rearming is gated on
// c.state rather than unconditional.
func (s *Supervisor) mainChildHealthCheck(c *Child, now int64) {
	if c.state != StateStarting && c.state != StateRunning {
		return
	}
	if c.Spec.HealthCmd == "" {
		c.healthSuccessesTotal++
		c.healthSuccessesConsec++
	} else {
		hc := &Child{
			Spec:   Spec{StartCmd: c.Spec.HealthCmd, Env: c.Spec.Env},
			state:  StateNew,
			main:   c,
			stdout: c.events,
			stderr: c.events,
			events: c.events,
		}
		hc.stdout.Retain()
		hc.stderr.Retain()
		hc.events.Retain()
		hc.stateHandler = func(t int64) { s.healthCheckGoal(hc, t) }
		s.registerHealthCheck(hc)
		s.scheduleNow(hc)
	}
	s.armHealthTimer(c, healthPeriod)
}

// healthCheckGoal drives the tiny two-state health-check sub-FSM:
// NEW -> spawn, arm a healthTimeout kill-timer; anything else -> kill.
// Grounded on health_check_goal.
func (s *Supervisor) healthCheckGoal(hc *Child, now int64) {
	child := hc.main
	if hc.state == StateNew {
		hc.pid = s.run(hc.pid, hc.Spec.Env, hc.stdout, hc.stderr, hc.Spec.StartCmd)
		child.events.Printf("%s: Started health check, pid=%d\n", isotime(now), hc.pid)
		hc.running = true
		hc.lastStart = now
		hc.state = StateStarting
		s.scheduleAfter(hc, healthTimeout)
		return
	}
	child.events.Printf("%s: Killing health check, pid=%d\n", isotime(now), hc.pid)
	_ = syscall.Kill(hc.pid, syscall.SIGKILL)
}

// healthCheckEnded processes a reaped health-check sub-process,
// grounded on health_check_ended.
func (s *Supervisor) healthCheckEnded(hc *Child, ws syscall.WaitStatus) {
	child := hc.main
	s.unregisterHealthCheck(hc)
	hc.stdout.Release()
	hc.stderr.Release()
	hc.events.Release()

	if ws.Exited() && ws.ExitStatus() == 0 {
		child.healthFailuresConsec = 0
		child.healthSuccessesConsec++
		child.healthSuccessesTotal++
		return
	}

	now := time.Now().Unix()
	if ws.Exited() {
		child.events.Printf("%s: Health check failed with exit code %d\n", isotime(now), ws.ExitStatus())
	} else if ws.Signaled() {
		child.events.Printf("%s: Health check exited on signal %d\n", isotime(now), int(ws.Signal()))
	}

	child.healthSuccessesConsec = 0
	child.healthFailuresConsec++
	child.healthFailuresTotal++
	metrics.IncHealthFailure(child.Spec.Instance)
	child.events.Printf("%s: %d consecutive failures\n", isotime(now), child.healthFailuresConsec)

	if child.healthFailuresConsec > 4 {
		child.stateHandler = func(t int64) { s.goalRestart(child, t) }
		s.scheduleNow(child)
	}
}

// mainChildEnded processes a reaped main child, grounded on
// main_child_ended: records failure, applies exponential backoff,
// re-invokes the current goal handler, and announces the exit.
func (s *Supervisor) mainChildEnded(c *Child, ws syscall.WaitStatus) {
	pid := c.pid
	c.pid = 0
	s.setChildState(c, StateStopped)
	c.running = false
	c.lastStop = time.Now().Unix()
	c.failures++

	c.restartDelay *= 2
	if c.restartDelay < 1 {
		c.restartDelay = 1
	}
	if c.restartDelay > 3600 {
		c.restartDelay = 3600
	}
	metrics.SetRestartDelay(c.Spec.Instance, c.restartDelay)

	s.cancelStateTimer(c)
	s.cancelHealthTimer(c)
	s.scheduleNow(c)

	now := time.Now().Unix()
	if ws.Exited() {
		status := ws.ExitStatus()
		s.announce("STOPPED\tID=%d\tPID=%d\tSTATUS=%d\tINSTANCE=%s\tCMD=%s", c.Spec.ID, pid, status, c.Spec.Instance, c.Spec.StartCmd)
		c.events.Printf("%s: STOPPED\tPID=%d\tSTATUS=%d\n", isotime(now), pid, status)
	} else if ws.Signaled() {
		sig := int(ws.Signal())
		s.announce("STOPPED\tID=%d\tPID=%d\tSIGNAL=%d\tINSTANCE=%s\tCMD=%s", c.Spec.ID, pid, sig, c.Spec.Instance, c.Spec.StartCmd)
		c.events.Printf("%s: STOPPED\tPID=%d\tSIGNAL=%d\n", isotime(now), pid, sig)
	}
}

// goalRestart forces an immediate restart attempt regardless of the
// current backoff, grounded on main_child_goal_restart: if already
// stopped, hand off straight to goalRunning; otherwise route through
// goalStopped first so a running process is torn down before restarting.
func (s *Supervisor) goalRestart(c *Child, now int64) {
	if c.state == StateStopped {
		s.setChildState(c, StateRestarting)
		c.stateHandler = func(t int64) { s.goalRunning(c, t) }
		s.scheduleNow(c)
		return
	}
	s.cancelHealthTimer(c)
	s.goalStopped(c, now)
}

func isotime(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006-01-02T15:04:05Z")
}
