// Package nanny implements the supervised-child record and its finite
// state machine (spec C4/C5), plus the health-check sub-FSM (C6).
//
// Grounded on original_source/nanny/nanny_children.c — the child
// struct, the NEW/RESTARTING/STARTING/RUNNING and
// STOPPING1/STOPPING2/STOPPING3/STOPPED goal handlers, and the
// health_check_goal sub-state-machine all track that file's shape.
// Restyled after the teacher's internal/process.Spec (command-line
// building, shell-metacharacter detection) and internal/manager's
// registry-of-records pattern, generalized from the teacher's
// goroutine-per-process model to single-threaded callbacks driven by
// internal/evloop and internal/timer.
package nanny

import (
	"log/slog"

	"github.com/loykin/nanny/internal/logbuf"
	"github.com/loykin/nanny/internal/timer"
)

// State is one of the fixed FSM states a child (or health check) can be
// in. Values match the original's human-readable state strings so event
// logs and status dumps read the same way.
type State string

const (
	StateNew        State = "new"
	StateRestarting State = "waiting to restart after failure"
	StateStarting   State = "starting (on probation)"
	StateRunning    State = "running"
	StateStopping1  State = "stopping(custom)"
	StateStopping2  State = "stopping(sigterm)"
	StateStopping3  State = "stopping(sigkill)"
	StateStopped    State = "stopped"
)

// Tunable periods, named exactly as in nanny_children.c.
const (
	healthPeriod  = 60 // seconds between health checks
	healthTimeout = 60 // seconds before a stuck health check is SIGKILLed
	stopProbation = 300
	stopSignalWait = 15
)

// Spec describes a child to be supervised, analogous to the teacher's
// process.Spec but generalized to the nanny's start/stop/health/restart
// shape (spec §3).
type Spec struct {
	ID          int
	Instance    string
	StartCmd    string
	StopCmd     string
	HealthCmd   string
	Restartable bool
	Env         []string // extra KEY=VALUE pairs layered over the base spawn env
	LogDir      string   // base directory for stdout/stderr/event logs; "" disables disk spillover
	Periodic    []string // raw "<interval><unit>... <cmd>" specs (spec C7 grammar)
}

// Child is one supervised process or health-check sub-process. The
// "main" field distinguishes a health-check record from a main child,
// matching the original's reuse of struct nanny_child for both.
type Child struct {
	Spec Spec

	pid     int
	running bool

	lastStart, lastStop int64 // unix seconds; 0 means never
	startCount          int
	failures            int
	restartDelay        int // seconds; 0 until the first exit, then clamped [1,3600]

	state        State
	stateHandler func(now int64)
	stateTimer   timer.Handle
	hasTimer     bool

	healthTimer            timer.Handle
	hasHealthTimer         bool
	healthFailuresConsec   int
	healthFailuresTotal    int
	healthSuccessesConsec  int
	healthSuccessesTotal   int

	main *Child // non-nil if this Child is a health-check sub-process

	stdout *logbuf.Buffer
	stderr *logbuf.Buffer
	events *logbuf.Buffer

	periodic []*periodicTask
}

type periodicTask struct {
	intervalSeconds int
	cmd             string
	last            int64
	timer           timer.Handle
}

// Status is the read-only snapshot exposed over the HTTP status surface
// and returned by the public facade.
type Status struct {
	ID                    int
	Instance              string
	State                 State
	PID                   int
	Running               bool
	StartCount            int
	Failures              int
	RestartDelaySeconds   int
	HealthFailuresTotal   int
	HealthSuccessesTotal  int
	HealthFailuresConsec  int
	HealthSuccessesConsec int
}

func (c *Child) Status() Status {
	return Status{
		ID:                    c.Spec.ID,
		Instance:              c.Spec.Instance,
		State:                 c.state,
		PID:                   c.pid,
		Running:               c.running,
		StartCount:            c.startCount,
		Failures:              c.failures,
		RestartDelaySeconds:   c.restartDelay,
		HealthFailuresTotal:   c.healthFailuresTotal,
		HealthSuccessesTotal:  c.healthSuccessesTotal,
		HealthFailuresConsec:  c.healthFailuresConsec,
		HealthSuccessesConsec: c.healthSuccessesConsec,
	}
}

func (c *Child) Stdout() *logbuf.Buffer { return c.stdout }
func (c *Child) Stderr() *logbuf.Buffer { return c.stderr }
func (c *Child) Events() *logbuf.Buffer { return c.events }

func noopLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
