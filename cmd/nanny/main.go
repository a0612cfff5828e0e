// Command nanny is the process-nanny supervisor's entry point, matching
// spec §6's flag grammar: `-s <start_cmd> [-S <stop_cmd>] [-h
// <health_cmd>] [-t <timed_spec>]... [-d]`, repeatable, where `-S`,
// `-h`, and `-t` attach to the most recently seen `-s`. Built with
// `spf13/cobra` for the command shell the way the teacher's
// cmd/provisr is, but the ordered, attach-to-last grammar can't be
// expressed with cobra/pflag's flag-collects-into-a-slice model, so
// flag parsing is disabled and argv is walked by hand in parseArgs.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/loykin/nanny/internal/boundary/evhttp"
	"github.com/loykin/nanny/internal/boundary/fifo"
	"github.com/loykin/nanny/internal/boundary/httpapi"
	"github.com/loykin/nanny/internal/boundary/udpmcast"
	"github.com/loykin/nanny/internal/config"
	"github.com/loykin/nanny/internal/envvars"
	"github.com/loykin/nanny/internal/evloop"
	"github.com/loykin/nanny/internal/logger"
	"github.com/loykin/nanny/internal/metrics"
	"github.com/loykin/nanny/internal/nanny"
	"github.com/loykin/nanny/internal/sigbridge"
)

// childArgs is one -s/-S/-h/-t grouping parsed from the command line,
// before it's turned into a nanny.Spec.
type childArgs struct {
	startCmd, stopCmd, healthCmd string
	periodic                     []string
}

// options holds every long flag recognized alongside the §6 grammar.
type options struct {
	configPath    string
	httpListen    string
	multicastAddr string
	multicastPort int
	metricsListen string
	fifoPath      string
	pidFile       string
	daemonize     bool
	children      []childArgs
}

var longFlagsWithValue = map[string]func(*options, string) error{
	"--config": func(o *options, v string) error { o.configPath = v; return nil },
	"--http-listen": func(o *options, v string) error { o.httpListen = v; return nil },
	"--multicast-addr": func(o *options, v string) error { o.multicastAddr = v; return nil },
	"--multicast-port": func(o *options, v string) error {
		_, err := fmt.Sscanf(v, "%d", &o.multicastPort)
		return err
	},
	"--metrics-listen": func(o *options, v string) error { o.metricsListen = v; return nil },
	"--fifo-path": func(o *options, v string) error { o.fifoPath = v; return nil },
	"--pidfile":   func(o *options, v string) error { o.pidFile = v; return nil },
}

// parseArgs walks argv applying spec §6's attach-to-most-recent rule:
// -S/-h/-t always modify the child most recently introduced by -s. A
// -S/-h/-t before any -s, or a flag missing its value, is a usage error
// (exit 1 per §6).
func parseArgs(argv []string) (*options, error) {
	o := &options{
		httpListen:    ":0",
		multicastAddr: udpmcast.DefaultAddr,
		multicastPort: udpmcast.DefaultPort,
		daemonize:     true,
	}
	i := 0
	for i < len(argv) {
		arg := argv[i]
		if setter, ok := longFlagsWithValue[arg]; ok {
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			if err := setter(o, argv[i+1]); err != nil {
				return nil, fmt.Errorf("%s: %w", arg, err)
			}
			i += 2
			continue
		}
		switch arg {
		case "-s":
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("-s requires a command")
			}
			o.children = append(o.children, childArgs{startCmd: argv[i+1]})
			i += 2
		case "-S":
			if len(o.children) == 0 {
				return nil, fmt.Errorf("-S must follow a -s")
			}
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("-S requires a command")
			}
			o.children[len(o.children)-1].stopCmd = argv[i+1]
			i += 2
		case "-h":
			if len(o.children) == 0 {
				return nil, fmt.Errorf("-h must follow a -s")
			}
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("-h requires a command")
			}
			o.children[len(o.children)-1].healthCmd = argv[i+1]
			i += 2
		case "-t":
			if len(o.children) == 0 {
				return nil, fmt.Errorf("-t must follow a -s")
			}
			if i+1 >= len(argv) {
				return nil, fmt.Errorf("-t requires a timed spec")
			}
			last := &o.children[len(o.children)-1]
			last.periodic = append(last.periodic, argv[i+1])
			i += 2
		case "-d":
			o.daemonize = false
			i++
		default:
			return nil, fmt.Errorf("unrecognized argument %q", arg)
		}
	}
	if o.configPath == "" && len(o.children) == 0 {
		return nil, fmt.Errorf("at least one -s (or --config) is required")
	}
	return o, nil
}

func main() {
	root := &cobra.Command{
		Use:                "nanny",
		Short:              "single-host process supervisor",
		SilenceUsage:       true,
		SilenceErrors:      true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseArgs(args)
			if err != nil {
				return err
			}
			return run(opts)
		},
	}

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(o *options) error {
	log := logger.NewWithMode(os.Stdout, slog.LevelInfo, o.daemonize)

	loop := evloop.New(log)
	sup := nanny.New(loop, log)

	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		for _, sp := range cfg.Specs {
			sup.AddChild(sp)
		}
		if cfg.HTTP != nil && cfg.HTTP.Listen != "" {
			o.httpListen = cfg.HTTP.Listen
		}
		if cfg.Multicast != nil {
			o.multicastAddr, o.multicastPort = cfg.Multicast.Addr, cfg.Multicast.Port
		}
		if cfg.FifoPath != "" {
			o.fifoPath = cfg.FifoPath
		}
		if cfg.PidFile != "" {
			o.pidFile = cfg.PidFile
		}
	} else {
		for _, g := range o.children {
			sup.AddChild(nanny.Spec{
				StartCmd:    g.startCmd,
				StopCmd:     g.stopCmd,
				HealthCmd:   g.healthCmd,
				Restartable: true,
				Periodic:    g.periodic,
			})
		}
	}

	if o.pidFile != "" {
		unlock, err := writePidFile(o.pidFile)
		if err != nil {
			return fmt.Errorf("fatal init: pid file: %w", err)
		}
		defer unlock()
	}

	announcer, err := udpmcast.NewAnnouncer(o.multicastAddr, o.multicastPort, log)
	if err != nil {
		return fmt.Errorf("fatal init: multicast announcer: %w", err)
	}
	defer func() { _ = announcer.Close() }()
	sup.Announce = announcer.Announce

	// HTTP status surface: a raw non-blocking listener registered with
	// loop, so every request is read/dispatched/answered on the loop
	// goroutine instead of net/http's own accept-loop goroutine (spec §5;
	// this is what used to race the FSM's Child-field mutations).
	httpFd, httpPort, err := evhttp.Listen(o.httpListen)
	if err != nil {
		return fmt.Errorf("fatal init: http listener: %w", err)
	}
	sup.HTTPPort = httpPort
	announcer.Announce("HTTP_PORT=%d", sup.HTTPPort)
	evhttp.Serve(loop, httpFd, httpapi.NewRouter(sup, "").Handler())

	if o.metricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("nanny: metrics register failed", "err", err)
		} else {
			metricsFd, _, err := evhttp.Listen(o.metricsListen)
			if err != nil {
				log.Warn("nanny: metrics listener unavailable", "err", err)
			} else {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				evhttp.Serve(loop, metricsFd, mux)
			}
		}
	}

	if o.fifoPath != "" {
		fs, err := fifo.New(o.fifoPath)
		if err != nil {
			log.Warn("nanny: fifo counter socket unavailable", "err", err)
		} else {
			defer func() { _ = fs.Close() }()
			fs.Register(loop)
		}
	}

	udpListener, err := udpmcast.NewListener(o.multicastAddr, o.multicastPort, func() envvars.Values {
		v := envvars.Values{NannyPID: sup.NannyPID, HTTPPort: sup.HTTPPort}
		if children := sup.Children(); len(children) > 0 {
			v.ChildPID = children[0].Status().PID
		}
		return v
	})
	if err != nil {
		log.Warn("nanny: udp query listener unavailable", "err", err)
	} else {
		defer func() { _ = udpListener.Close() }()
		udpListener.Register(loop)
	}

	bridge := sigbridge.New(sup.HandleReaped)
	loop.Drain = func(_ time.Time) { bridge.Drain() }

	loop.Run(bridge.Running)
	alive := sup.StopAll()
	loop.Run(func() bool {
		for _, c := range sup.Children() {
			if c.Status().State != nanny.StateStopped {
				return true
			}
		}
		return false
	})
	log.Info("nanny: shutdown complete", "children_still_alive", alive)
	return nil
}

// writePidFile writes the process's ASCII-decimal pid to path and takes
// an F_TLOCK-equivalent advisory lock on it (spec.md:215), via fcntl's
// F_SETLK — the POSIX primitive lockf/F_TLOCK is itself built on. The
// returned func releases the lock and closes the file; it does not
// remove path, matching lockf-based pid files which are left in place
// for the next instance to fail its own lock attempt against.
func writePidFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s is locked by another instance: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() { _ = f.Close() }, nil
}
