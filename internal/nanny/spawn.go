package nanny

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/loykin/nanny/internal/envvars"
	"github.com/loykin/nanny/internal/logbuf"
)

// buildCommand mirrors the teacher's process.Spec.BuildCommand: every
// non-empty command runs through /bin/sh -c, matching the original's
// unconditional execle("/bin/sh", "/bin/sh", "-c", cmd, ...); an empty
// command runs /bin/true.
func buildCommand(cmdStr string, env []string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		c := exec.Command("/bin/true")
		c.Env = env
		return c
	}
	// #nosec G204
	c := exec.Command("/bin/sh", "-c", cmdStr)
	c.Env = env
	return c
}

// run spawns cmdStr, draining its stdout/stderr into the supplied log
// buffers via non-blocking pipe registrations on the event loop, and
// returns the new PID. If oldpid is still alive (kill(oldpid,0)==0), it
// is returned unchanged rather than spawning a duplicate — the
// "is child already running?" guard from the original's run().
func (s *Supervisor) run(oldpid int, envOverrides []string, stdout, stderr *logbuf.Buffer, cmdStr string) int {
	if oldpid != 0 && processAlive(oldpid) {
		return oldpid
	}
	if cmdStr == "" {
		return 0
	}

	env := envvars.BuildSpawnEnv(s.envValues(oldpid), overridesToMap(envOverrides))
	cmd := buildCommand(cmdStr, env)

	var stdoutR, stdoutW, stderrR, stderrW *os.File
	var err error
	if stdout != nil {
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			stdout = nil
		} else {
			cmd.Stdout = stdoutW
		}
	}
	if stderr != nil {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			stderr = nil
		} else {
			cmd.Stderr = stderrW
		}
	}

	if err := cmd.Start(); err != nil {
		s.log.Warn("nanny: spawn failed", "cmd", cmdStr, "err", err)
		if stdoutW != nil {
			_ = stdoutW.Close()
		}
		if stderrW != nil {
			_ = stderrW.Close()
		}
		if stdoutR != nil {
			_ = stdoutR.Close()
		}
		if stderrR != nil {
			_ = stderrR.Close()
		}
		return 0
	}

	if stdoutW != nil {
		_ = stdoutW.Close()
	}
	if stderrW != nil {
		_ = stderrW.Close()
	}
	if stdoutR != nil {
		s.drainPipeInto(stdoutR, stdout)
	}
	if stderrR != nil {
		s.drainPipeInto(stderrR, stderr)
	}

	// Deliberately never call cmd.Process.Wait(): reaping happens
	// exclusively through sigbridge's wait4(-1, WNOHANG) loop, matching
	// the original's bare fork()+exec() where the parent never blocks
	// waiting for a specific child. Calling both would race two wait4
	// callers over the same exit status.
	return cmd.Process.Pid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func overridesToMap(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// drainPipeInto registers r's fd with the event loop so each readiness
// notification copies available bytes into buf; on EOF the fd is
// unregistered and closed, the non-blocking pipe-drain adapter spec C3
// calls for.
func (s *Supervisor) drainPipeInto(r *os.File, buf *logbuf.Buffer) {
	fd := int(r.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		s.log.Warn("nanny: setnonblock failed", "err", err)
	}
	chunk := make([]byte, 4096)
	s.loop.Register(fd, func() {
		for {
			n, err := unix.Read(fd, chunk)
			if n > 0 && buf != nil {
				_, _ = buf.Write(chunk[:n])
			}
			if err != nil || n == 0 {
				if err != nil && isWouldBlock(err) {
					return
				}
				s.loop.Unregister(fd)
				_ = r.Close()
				return
			}
		}
	})
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func (s *Supervisor) envValues(childPID int) envvars.Values {
	return envvars.Values{
		ChildPID: childPID,
		NannyPID: s.NannyPID,
		HTTPPort: s.HTTPPort,
	}
}
