// Package fifo implements the nanny's named-pipe counter socket (spec
// C9, §6).
//
// Grounded on original_source/nanny/nanny_counter.c: counter_server_init
// opens the pipe exactly once, non-blocking, and registers it with the
// select loop for the life of the process; counter_server_read tallies
// whitespace-delimited words, treating a 0-byte read (no writers
// currently attached) as a word-boundary flush rather than a signal to
// reopen. Per spec §6 this boundary service is specified at interface
// level only — path creation and the read loop are implemented; the
// word-hash/tally table itself is a simple map rather than porting the
// original's fixed 8-bucket open-addressed hash table, since nothing
// elsewhere in this module depends on that table's exact probing
// behavior.
package fifo

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/loykin/nanny/internal/evloop"
)

// Server owns one named pipe and a running word-count tally.
type Server struct {
	path    string
	file    *os.File
	chunk   []byte
	partial []byte // bytes of an in-progress word carried across reads

	counts map[string]int64
}

// New creates (if absent) a named pipe at path, opens it non-blocking
// for reading, and returns a Server ready to Register.
func New(path string) (*Server, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %s: %w", path, err)
	}
	return &Server{path: path, file: f, chunk: make([]byte, 2048), counts: make(map[string]int64)}, nil
}

// Path returns the filesystem path of the named pipe.
func (s *Server) Path() string { return s.path }

// Counts returns a snapshot of the current word tally.
func (s *Server) Counts() map[string]int64 {
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Register binds the pipe's fd to loop: each readiness notification
// reads whatever is currently available and tallies completed words,
// exactly as counter_server_read does from the original's select loop.
// The fd is registered once and never unregistered or reopened — a FIFO
// stays valid across writer connect/disconnect cycles.
func (s *Server) Register(loop *evloop.Loop) {
	loop.Register(int(s.file.Fd()), s.onReadable)
}

func (s *Server) onReadable() {
	n, err := unix.Read(int(s.file.Fd()), s.chunk)
	if n > 0 {
		s.feed(s.chunk[:n])
	}
	if n == 0 || (err != nil && !isWouldBlock(err)) {
		// No writer currently attached: flush any in-progress word, same
		// as the original treating a 0-byte read as a terminator.
		if len(s.partial) > 0 {
			s.counts[string(s.partial)]++
			s.partial = nil
		}
	}
}

func (s *Server) feed(data []byte) {
	s.partial = append(s.partial, data...)
	i, n := 0, len(s.partial)
	for i < n && s.partial[i] <= ' ' {
		i++
	}
	start := i
	for i < n {
		for i < n && s.partial[i] > ' ' {
			i++
		}
		if i >= n {
			break
		}
		if word := string(s.partial[start:i]); word != "" {
			s.counts[word]++
		}
		for i < n && s.partial[i] <= ' ' {
			i++
		}
		start = i
	}
	s.partial = append([]byte{}, s.partial[start:n]...)
}

func (s *Server) Close() error {
	return s.file.Close()
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
