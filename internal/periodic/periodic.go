// Package periodic implements the nanny's per-child periodic task
// runner (spec C7): interval-grammar parsing, a detached fork/exec
// worker with env injection, and a mail-on-output notifier for
// non-empty results.
//
// Grounded on original_source/nanny/nanny_children.c's parse_interval
// and timed_event. The mail-failure path reuses the teacher's
// gopkg.in/natefinch/lumberjack.v2 (internal/logger.Config) for its own
// rotating failure log — sendmail delivery itself has no library
// equivalent in the corpus and is shelled out to, exactly as the
// original does.
package periodic

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseInterval parses the "<num><unit>..." grammar (d/h/m/s, seconds
// accumulating) followed by whitespace and a shell command, exactly
// mirroring parse_interval + the whitespace-then-command scan in
// nanny_child_add_periodic.
func ParseInterval(spec string) (seconds int, cmd string, err error) {
	i := 0
	for {
		start := i
		for i < len(spec) && spec[i] >= '0' && spec[i] <= '9' {
			i++
		}
		if i == start {
			return 0, "", fmt.Errorf("periodic: expected a number in %q", spec)
		}
		n, convErr := strconv.Atoi(spec[start:i])
		if convErr != nil {
			return 0, "", fmt.Errorf("periodic: bad number in %q: %w", spec, convErr)
		}
		if i >= len(spec) {
			return 0, "", fmt.Errorf("periodic: missing time unit in %q", spec)
		}
		switch spec[i] {
		case 'd':
			seconds += n * 86400
		case 'h':
			seconds += n * 3600
		case 'm':
			seconds += n * 60
		case 's':
			seconds += n
		default:
			return 0, "", fmt.Errorf("periodic: unknown time unit %q in %q", spec[i], spec)
		}
		i++
		for i < len(spec) && (spec[i] == ' ' || spec[i] == '\t') {
			for i < len(spec) && (spec[i] == ' ' || spec[i] == '\t') {
				i++
			}
			if i >= len(spec) {
				return 0, "", fmt.Errorf("periodic: no command specified in %q", spec)
			}
			return seconds, spec[i:], nil
		}
		if i >= len(spec) {
			return 0, "", fmt.Errorf("periodic: no command specified in %q", spec)
		}
	}
}

// Task is one registered periodic job.
type Task struct {
	IntervalSeconds int
	Cmd             string
}

// MailConfig controls where non-empty task output is delivered.
type MailConfig struct {
	SendmailPath string // default "/usr/sbin/sendmail"
}

// Runner fires detached periodic-task workers and mails any output they
// produce, logging spawn/mail failures through a lumberjack-rotated
// file.
type Runner struct {
	Mail      MailConfig
	FailureLog *lumberjack.Logger // e.g. {Filename: "<logdir>/periodic-failures.log", MaxSize: 5, MaxBackups: 3}
}

// NewRunner constructs a Runner whose failure log rotates at 5 MB,
// keeping 3 compressed backups for up to 28 days.
func NewRunner(failureLogPath string) *Runner {
	return &Runner{
		Mail: MailConfig{SendmailPath: "/usr/sbin/sendmail"},
		FailureLog: &lumberjack.Logger{
			Filename:   failureLogPath,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Process is an in-flight periodic-task worker started via Start. The
// caller (internal/nanny.Supervisor) registers Pipe with the event loop
// to drain its output non-blockingly, then calls Finish once sigbridge
// reports the process's pid has exited.
type Process struct {
	Cmd  *exec.Cmd
	Pipe *os.File // read end of the combined stdout+stderr pipe

	cmd string
	out bytes.Buffer
}

// PID returns the worker's process ID.
func (p *Process) PID() int { return p.Cmd.Process.Pid }

// Drain appends n bytes from chunk to the process's captured output; the
// caller reads into chunk from a non-blocking event-loop registration,
// exactly as internal/nanny's drainPipeInto does for child stdout/stderr.
func (p *Process) Drain(chunk []byte, n int) {
	p.out.Write(chunk[:n])
}

// Start spawns cmd via /bin/sh -c with PID (if childPID>0) and
// NANNY_SCHEDULED=<unix time> layered into the environment, capturing
// combined stdout+stderr through a manual pipe. It calls only
// cmd.Start(), never Wait/Run — matching internal/nanny.run's
// discipline, so the worker is reaped exclusively by sigbridge's
// wait4(-1, WNOHANG) loop rather than raced by a second, pid-specific
// waiter (which is what exec.Cmd.Run()/Wait() does internally).
func (r *Runner) Start(cmd string, scheduled time.Time, childPID int) (*Process, error) {
	env := os.Environ()
	if childPID > 0 {
		env = append(env, "PID="+strconv.Itoa(childPID))
	}
	env = append(env, "NANNY_SCHEDULED="+strconv.FormatInt(scheduled.Unix(), 10))

	// #nosec G204
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Env = env
	c.Dir = os.TempDir()

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("periodic: pipe: %w", err)
	}
	c.Stdout = pw
	c.Stderr = pw

	if err := c.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		r.logFailure("periodic task %q failed to start: %v", cmd, err)
		return nil, err
	}
	_ = pw.Close()

	return &Process{Cmd: c, Pipe: pr, cmd: cmd}, nil
}

// Finish is invoked once sigbridge reports p's pid has exited: it closes
// the read end and, if the worker produced any output, mails it to the
// current user, mirroring timed_event's fork-capture-mail shape.
func (r *Runner) Finish(p *Process) {
	_ = p.Pipe.Close()
	if p.out.Len() == 0 {
		return
	}

	u, err := user.Current()
	if err != nil {
		r.logFailure("periodic task %q produced output but user lookup failed: %v", p.cmd, err)
		return
	}
	if err := r.mail(u.Username, p.cmd, p.out.Bytes()); err != nil {
		r.logFailure("periodic task %q: mail delivery failed: %v", p.cmd, err)
	}
}

func (r *Runner) mail(username, cmd string, body []byte) error {
	host, _ := os.Hostname()
	// #nosec G204
	c := exec.Command(r.Mail.SendmailPath, username)
	stdin, err := c.StdinPipe()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	fmt.Fprintf(stdin, "Subject: <%s@%s> %s\n\n\n", username, host, cmd)
	_, _ = stdin.Write(body)
	_ = stdin.Close()
	return c.Wait()
}

func (r *Runner) logFailure(format string, args ...any) {
	if r.FailureLog == nil {
		return
	}
	fmt.Fprintf(r.FailureLog, format+"\n", args...)
}
