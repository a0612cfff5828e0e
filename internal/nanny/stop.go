package nanny

import (
	"strconv"
	"syscall"
)

// goalStopped drives the stop escalation cascade, grounded on
// main_child_goal_stopped: custom stop_cmd (stopProbation patience) ->
// SIGTERM (stopSignalWait) -> SIGKILL (stopSignalWait) -> give up.
func (s *Supervisor) goalStopped(c *Child, now int64) {
	if c.pid == 0 || c.state == StateStopped || c.state == StateRestarting || c.state == StateNew {
		s.setChildState(c, StateStopped)
		return
	}

	s.cancelHealthTimer(c)

	if !processAlive(c.pid) {
		s.setChildState(c, StateStopped)
		c.pid = 0
		return
	}

	switch c.state {
	case StateStopping1:
		s.setChildState(c, StateStopping2)
		_ = syscall.Kill(c.pid, syscall.SIGTERM)
		c.events.Printf("%s: SENDING SIGTERM to PID=%d\n", isotime(now), c.pid)
		s.scheduleAfter(c, stopSignalWait)
		return
	case StateStopping2:
		s.setChildState(c, StateStopping3)
		_ = syscall.Kill(c.pid, syscall.SIGKILL)
		c.events.Printf("%s: SENDING SIGKILL to PID=%d\n", isotime(now), c.pid)
		s.scheduleAfter(c, stopSignalWait)
		return
	case StateStopping3:
		s.announce("UNSTOPPABLE\tPID=%d\tINSTANCE=%s\tCMD=%s", c.pid, c.Spec.Instance, c.Spec.StartCmd)
		_ = syscall.Kill(c.pid, syscall.SIGKILL)
		c.events.Printf("%s: SENDING SIGKILL to PID=%d\n", isotime(now), c.pid)
		c.events.Printf("%s: GIVING UP ON PID=%d\n", isotime(now), c.pid)
		s.setChildState(c, StateStopped)
		c.pid = 0
		return
	}

	// Default case: haven't asked the child to stop yet.
	if c.Spec.StopCmd != "" {
		// Give the stop command access to the child's PID, per the
		// original's "kill -QUIT ${PID}" convention. Built fresh here
		// rather than mutated into a shared envp, resolving the PID-leak
		// Open Question (spec §9).
		overrides := append(append([]string{}, c.Spec.Env...), "PID="+strconv.Itoa(c.pid))
		s.run(0, overrides, c.events, c.events, c.Spec.StopCmd)
		c.events.Printf("%s: STOPPING\tPID=%d\tCMD=%s\n", isotime(now), c.pid, c.Spec.StopCmd)
		s.setChildState(c, StateStopping1)
	} else {
		s.setChildState(c, StateStopping2)
		_ = syscall.Kill(c.pid, syscall.SIGTERM)
		c.events.Printf("%s: STOPPING\tPID=%d\tSIGNAL=%d\n", isotime(now), c.pid, int(syscall.SIGTERM))
	}
	s.scheduleAfter(c, stopProbation)
}

