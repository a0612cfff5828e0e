// Package nanny is the public embedding facade over the process-nanny
// supervisor, mirroring the teacher's provisr.go: thin, zero-cost
// aliases over the internal types plus a handful of constructors for
// wiring the event loop, signal bridge, and boundary services together
// without reaching into internal/ directly.
package nanny

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/nanny/internal/boundary/httpapi"
	"github.com/loykin/nanny/internal/boundary/udpmcast"
	cfg "github.com/loykin/nanny/internal/config"
	"github.com/loykin/nanny/internal/evloop"
	"github.com/loykin/nanny/internal/metrics"
	core "github.com/loykin/nanny/internal/nanny"
	"github.com/loykin/nanny/internal/sigbridge"
)

// Re-exported core types for external consumers.
type (
	Spec   = core.Spec
	Status = core.Status
	State  = core.State
	Child  = core.Child
)

// Config is the decoded shape of a supervisor config file.
type Config = cfg.Config

// LoadConfig reads and decodes a supervisor config file (children with
// their stop/health commands, periodic tasks, HTTP/multicast addresses).
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Supervisor is a runnable nanny instance: the event loop, the child
// FSM supervisor, the SIGCHLD bridge, and (optionally) the multicast
// announcer, bundled the way cmd/nanny wires them, but usable directly
// by an embedder that wants the supervisor without a CLI.
type Supervisor struct {
	loop      *evloop.Loop
	core      *core.Supervisor
	bridge    *sigbridge.Bridge
	announcer *udpmcast.Announcer
}

// New constructs a Supervisor. Call AddChild for each child, then Run.
func New() *Supervisor {
	loop := evloop.New(nil)
	sup := core.New(loop, nil)
	s := &Supervisor{loop: loop, core: sup}
	s.bridge = sigbridge.New(sup.HandleReaped)
	loop.Drain = func(_ time.Time) { s.bridge.Drain() }
	return s
}

// AddChild registers a new supervised child and schedules its first
// spawn on the next loop iteration.
func (s *Supervisor) AddChild(spec Spec) *Child { return s.core.AddChild(spec) }

// Children returns a snapshot of every registered child.
func (s *Supervisor) Children() []*Child { return s.core.Children() }

// ChildByID looks up a child by its spec ID, or nil if none matches.
func (s *Supervisor) ChildByID(id int) *Child { return s.core.ChildByID(id) }

// EnableMulticast opens the announce socket used for STARTING/STOPPED/
// UNSTOPPABLE/HTTP_PORT events (spec §6). Safe to skip; an unset
// announcer is a no-op.
func (s *Supervisor) EnableMulticast(addr string, port int) error {
	a, err := udpmcast.NewAnnouncer(addr, port, nil)
	if err != nil {
		return err
	}
	s.announcer = a
	s.core.Announce = a.Announce
	return nil
}

// HTTPHandler returns the read-only status surface (spec §6) mountable
// in any http.Server/mux; basePath may be empty.
func (s *Supervisor) HTTPHandler(basePath string) http.Handler {
	return httpapi.NewRouter(s.core, basePath).Handler()
}

// SetHTTPPort records the port the HTTP surface is actually listening
// on, feeding the well-known HTTP_PORT variable (spec §6).
func (s *Supervisor) SetHTTPPort(port int) { s.core.HTTPPort = port }

// Run drives the event loop until a termination signal arrives, then
// returns the count of children still alive when the stop cascade
// begins. Calling Stop does not end the loop.
func (s *Supervisor) Run() int {
	s.loop.Run(s.bridge.Running)
	return s.core.StopAll()
}

// Stop requests every child begin the stop cascade immediately,
// returning the count that were still alive.
func (s *Supervisor) Stop() int { return s.core.StopAll() }

// Close releases the multicast announcer, if one was enabled.
func (s *Supervisor) Close() error {
	if s.announcer == nil {
		return nil
	}
	return s.announcer.Close()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using
// the default registry, blocking the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
