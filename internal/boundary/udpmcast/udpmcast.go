// Package udpmcast implements the nanny's multicast announce socket
// (spec C9, §6): a fire-and-forget "STARTING/STOPPED/UNSTOPPABLE" event
// feed sent to a well-known multicast group, plus a query-by-example
// listener answering "does variable X compare to Y" probes.
//
// Grounded on original_source/nanny/nanny_udp_server.c (udp_announce,
// MULTICAST_ADDR/MULTICAST_PORT, udp_query/udp_query_match/
// udp_query_response). The listener's query grammar is a direct port of
// that file's token scanner; value resolution and comparison delegate to
// internal/envvars.Lookup/Compare, the same well-known-variable table the
// original calls through nanny_variable/nanny_variable_compare.
package udpmcast

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/loykin/nanny/internal/envvars"
	"github.com/loykin/nanny/internal/evloop"
)

// Default multicast coordinates from nanny.h.
const (
	DefaultAddr = "226.1.1.1"
	DefaultPort = 8889
)

// Announcer sends fire-and-forget UDP datagrams to the multicast group.
// A nil Announcer (or one whose conn is nil) is a valid no-op, so tests
// and single-host setups that don't want multicast traffic can skip
// wiring it.
type Announcer struct {
	conn *net.UDPConn
	addr *net.UDPAddr
	log  *slog.Logger
}

// NewAnnouncer opens a UDP socket and resolves the multicast target.
func NewAnnouncer(addr string, port int, log *slog.Logger) (*Announcer, error) {
	if log == nil {
		log = slog.Default()
	}
	target, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("udpmcast: resolve %s:%d: %w", addr, port, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("udpmcast: listen: %w", err)
	}
	return &Announcer{conn: conn, addr: target, log: log}, nil
}

// Announce formats and sends one datagram, matching udp_announce's
// vsnprintf-then-sendto shape. Send errors are logged, never returned —
// announce failures must never affect child supervision (spec §7).
func (a *Announcer) Announce(format string, args ...any) {
	if a == nil || a.conn == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if _, err := a.conn.WriteToUDP([]byte(msg), a.addr); err != nil {
		a.log.Warn("udpmcast: announce failed", "err", err)
	}
}

func (a *Announcer) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// Listener joins the multicast group and answers query-by-example
// requests, reading through the event loop rather than its own
// goroutine (spec §5: every fd-driven I/O source shares the readiness
// loop). Replies go out on a separate unicast socket, mirroring the
// original's use of nanny_globals.udp_unicast_socket for
// udp_query_response rather than replying on the multicast-joined
// socket itself.
type Listener struct {
	conn      *net.UDPConn
	replyConn *net.UDPConn
	fd        int
	values    func() envvars.Values
}

// NewListener binds to port and joins the multicast group at addr.
// values is called once per inbound query to snapshot the live
// CHILD_PID/NANNY_PID/HTTP_PORT facts the query is matched against.
func NewListener(addr string, port int, values func() envvars.Values) (*Listener, error) {
	group, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("udpmcast: resolve %s:%d: %w", addr, port, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("udpmcast: join multicast: %w", err)
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("udpmcast: raw conn: %w", err)
	}
	var fd int
	if ctlErr := rc.Control(func(sysfd uintptr) { fd = int(sysfd) }); ctlErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("udpmcast: get fd: %w", ctlErr)
	}

	replyConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("udpmcast: reply socket: %w", err)
	}

	return &Listener{conn: conn, replyConn: replyConn, fd: fd, values: values}, nil
}

// Register binds the listener's fd to loop: each readiness notification
// reads and answers exactly one pending query datagram, in-line on the
// loop goroutine.
func (l *Listener) Register(loop *evloop.Loop) {
	loop.Register(l.fd, l.onReadable)
}

func (l *Listener) onReadable() {
	buf := make([]byte, 2048)
	n, from, err := l.conn.ReadFromUDP(buf)
	if err != nil || n == 0 || buf[0] != '?' {
		return
	}
	reply, ok := queryMatch(string(buf[1:n]), l.values())
	if !ok {
		return
	}
	_, _ = l.replyConn.WriteToUDP([]byte(reply), from)
}

func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	_ = l.replyConn.Close()
	return l.conn.Close()
}

// queryMatch parses the `?`-stripped body into whitespace-separated
// tokens — bare KEY, KEY=VALUE, KEY<VALUE, or KEY>VALUE — AND-combining
// every assertion. It returns the space-joined "KEY=VALUE ..." reply
// (current values, regardless of which operator the request used) and
// ok=true only if every single token matched; any failure, including an
// unknown key, means ok=false and the caller must stay silent, exactly
// as udp_query/udp_query_match/udp_query_response behave.
func queryMatch(body string, v envvars.Values) (string, bool) {
	var out []string
	i, n := 0, len(body)
	for i < n {
		for i < n && isSpace(body[i]) {
			i++
		}
		if i >= n {
			break
		}

		keyStart := i
		for i < n && !isSpace(body[i]) && body[i] != '=' && body[i] != '<' && body[i] != '>' {
			i++
		}
		if i == keyStart {
			return "", false
		}
		key := body[keyStart:i]

		if i >= n || isSpace(body[i]) {
			myval, ok := envvars.Lookup(key, v)
			if !ok {
				return "", false
			}
			out = append(out, key+"="+myval)
			continue
		}

		op := body[i]
		i++
		valStart := i
		for i < n && !isSpace(body[i]) {
			i++
		}
		want := body[valStart:i]

		myval, ok := envvars.Lookup(key, v)
		if !ok {
			return "", false
		}
		cmp := envvars.Compare(key, want, myval)
		matched := false
		switch op {
		case '=':
			matched = cmp == 0
		case '<':
			matched = cmp > 0
		case '>':
			matched = cmp < 0
		default:
			return "", false
		}
		if !matched {
			return "", false
		}
		out = append(out, key+"="+myval)
	}
	return strings.Join(out, " "), true
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }
