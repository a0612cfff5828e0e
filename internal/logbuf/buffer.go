// Package logbuf implements the nanny's reference-counted ring-buffer
// log (spec C3): an in-memory circular byte window with optional
// rotating on-disk spillover and a non-blocking pipe-drain adapter.
//
// Grounded on original_source/nanny/nanny_log.c, restyled after the
// teacher's internal/logger.Config (lumberjack-backed rotation) — the
// wrap-around ring view and O_EXCL/symlink rotation scheme here have no
// lumberjack equivalent, so the on-disk half is hand-rolled; see
// DESIGN.md.
package logbuf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/nanny/internal/metrics"
)

const rotateSizeBytes = 1_000_000

// Stats mirrors the bookkeeping fields of the original nanny_log
// structure that are exposed over the status HTTP surface.
type Stats struct {
	TotalBytes     uint64
	Reads          uint64
	Errors         uint64
	BytesPerSecond float64
}

type diskState struct {
	baseName        string
	currentPath     string
	file            *os.File
	lastRotate      time.Time
	lastRotateBytes uint64
	lastRotateCheck time.Time
}

// Buffer is a reference-counted circular byte buffer. Refcount starts at
// 1 (the creator's reference); Retain/Release manage additional owners
// such as a shared health-check record (spec §4 Ownership).
type Buffer struct {
	mu  sync.Mutex
	ref int

	ring []byte
	head int
	full bool // true once the ring has wrapped at least once

	disk diskState

	totalBytes    uint64
	reads         uint64
	errors        uint64
	bps           float64
	bpsLastTime   time.Time
	bpsLastBytes  uint64
	nowForTesting func() time.Time

	// instance/stream label the metrics.SetLogBytesPerSecond gauge; both
	// empty (the default) means "don't report" so bare/test buffers stay
	// usable without a Supervisor context.
	instance string
	stream   string
}

// SetLabels attaches the instance/stream pair metrics reports this
// buffer's throughput under (e.g. "web", "stdout"). Optional; an
// unlabeled buffer simply never calls into internal/metrics.
func (b *Buffer) SetLabels(instance, stream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instance = instance
	b.stream = stream
}

// New allocates a ring buffer of the given size. The original nanny
// used a fixed 64 KiB ring per child log; callers here pass size
// explicitly (spec §5: reimplementations SHOULD make this configurable).
func New(size int) *Buffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &Buffer{ring: make([]byte, size), ref: 1}
}

func (b *Buffer) now() time.Time {
	if b.nowForTesting != nil {
		return b.nowForTesting()
	}
	return time.Now()
}

// Retain increments the reference count.
func (b *Buffer) Retain() {
	b.mu.Lock()
	b.ref++
	b.mu.Unlock()
}

// Release decrements the reference count, tearing down the disk file
// (if any) when it reaches zero. A negative refcount is a defect; it is
// logged rather than panicking, matching the original's tolerance.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ref--
	if b.ref < 0 {
		fmt.Fprintln(os.Stderr, "logbuf: refcount went negative, this is a defect")
		return
	}
	if b.ref == 0 && b.disk.file != nil {
		_ = b.disk.file.Close()
		b.disk.file = nil
	}
}

// SetFilenameBase configures the on-disk rotation target. Passing "" (or
// never calling this) disables disk spillover; the buffer stays purely
// in-memory.
func (b *Buffer) SetFilenameBase(base string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disk.file != nil {
		_ = b.disk.file.Close()
		b.disk.file = nil
	}
	b.disk.baseName = base
	b.disk.currentPath = ""
}

// Write appends p to the ring (wrapping as needed) and, if a disk base
// is configured, to the current rotation file. It always succeeds from
// the ring-buffer point of view; disk write errors are counted but never
// returned, matching the "transient I/O" policy in spec §7.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.rotateLocked(now)
	if b.disk.file != nil {
		if _, err := b.disk.file.Write(p); err != nil {
			b.errors++
		}
	}
	b.writeRingLocked(p)
	b.reads++
	b.totalBytes += uint64(len(p))
	b.updateStatsLocked(now)
	return len(p), nil
}

// Printf is a convenience used for event-log narration ("STARTING PID=…"
// style lines appended by the FSM).
func (b *Buffer) Printf(format string, args ...any) {
	_, _ = b.Write([]byte(fmt.Sprintf(format, args...)))
}

func (b *Buffer) writeRingLocked(p []byte) {
	n := len(b.ring)
	if n == 0 {
		return
	}
	if len(p) >= n {
		copy(b.ring, p[len(p)-n:])
		b.head = 0
		b.full = true
		return
	}
	for len(p) > 0 {
		space := n - b.head
		c := len(p)
		if c > space {
			c = space
		}
		copy(b.ring[b.head:], p[:c])
		b.head += c
		if b.head >= n {
			b.head = 0
			b.full = true
		}
		p = p[c:]
	}
}

func (b *Buffer) updateStatsLocked(now time.Time) {
	if !b.bpsLastTime.IsZero() && now.Equal(b.bpsLastTime) {
		return
	}
	if b.bpsLastTime.IsZero() {
		b.bps = 0
	} else {
		elapsed := now.Sub(b.bpsLastTime).Seconds()
		if elapsed > 0 {
			b.bps = float64(b.totalBytes-b.bpsLastBytes) / elapsed
		}
	}
	b.bpsLastTime = now
	b.bpsLastBytes = b.totalBytes
	if b.instance != "" && b.stream != "" {
		metrics.SetLogBytesPerSecond(b.instance, b.stream, b.bps)
	}
}

// rotateLocked decides whether the current on-disk file must be closed
// and/or a new one opened, exactly mirroring nanny_log_rotate: close on
// an hour-boundary crossing or >1MB written since the last rotation;
// reopen picking an aesthetically-rounded timestamp, retrying once with
// a microsecond suffix on EEXIST, then re-pointing the base symlink.
func (b *Buffer) rotateLocked(now time.Time) {
	if b.disk.file != nil {
		lastHour := now.Truncate(time.Hour)
		crossedHour := !b.disk.lastRotate.IsZero() && b.disk.lastRotate.Before(lastHour)
		tooBig := b.totalBytes-b.disk.lastRotateBytes > rotateSizeBytes
		if crossedHour || tooBig {
			_ = b.disk.file.Close()
			b.disk.file = nil
			b.disk.currentPath = ""
		}
	}

	if b.disk.baseName == "" {
		return
	}

	if b.disk.file == nil {
		creation := now
		if !b.disk.lastRotateCheck.IsZero() {
			if creation.Truncate(time.Hour).After(b.disk.lastRotateCheck) {
				creation = creation.Truncate(time.Hour)
			} else if creation.Truncate(time.Minute).After(b.disk.lastRotateCheck) {
				creation = creation.Truncate(time.Minute)
			}
		}
		stamp := creation.UTC().Format("2006-01-02T15.04.05")
		path := b.disk.baseName + "." + stamp
		f, err := openExclAppend(path)
		if err != nil {
			stamp2 := fmt.Sprintf("%s.%06d", stamp, now.Nanosecond()/1000)
			path = b.disk.baseName + "." + stamp2
			f, err = openExclAppend(path)
		}
		if err == nil {
			b.disk.file = f
			b.disk.currentPath = path
			_ = os.MkdirAll(filepath.Dir(b.disk.baseName), 0o750)
			_ = os.Remove(b.disk.baseName)
			_ = os.Symlink(filepath.Base(path), b.disk.baseName)
			b.disk.lastRotate = now
			b.disk.lastRotateBytes = b.totalBytes
		} else {
			b.errors++
		}
	}
	b.disk.lastRotateCheck = now
}

func openExclAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
}

// Stats returns a snapshot of the buffer's bookkeeping counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{TotalBytes: b.totalBytes, Reads: b.reads, Errors: b.errors, BytesPerSecond: b.bps}
}

// CurrentPath returns the path of the currently-open rotation file, if
// any, for status reporting.
func (b *Buffer) CurrentPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disk.currentPath
}

// DumpRaw re-synthesizes the logical byte stream by concatenating the
// two linear ring segments: [head, end) then [begin, head) — the "ring
// dump" from the GLOSSARY — skipping embedded NULs (unwritten ring
// space).
func (b *Buffer) DumpRaw() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dumpLocked(false)
}

// DumpJSONLines does the same scan but escapes control characters the
// way a JSON string body requires, returning a slice of de-NUL'd,
// escaped lines (split on '\n').
func (b *Buffer) DumpJSONLines() []string {
	b.mu.Lock()
	raw := b.dumpLocked(false)
	b.mu.Unlock()
	lines := []string{}
	var cur []byte
	for _, c := range raw {
		if c == '\n' {
			lines = append(lines, string(cur))
			cur = nil
			continue
		}
		cur = append(cur, escapeJSONByte(c)...)
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	return lines
}

func (b *Buffer) dumpLocked(escape bool) []byte {
	n := len(b.ring)
	out := make([]byte, 0, n)
	appendSeg := func(seg []byte) {
		for _, c := range seg {
			if c == 0 {
				continue
			}
			if escape {
				out = append(out, escapeJSONByte(c)...)
			} else {
				out = append(out, c)
			}
		}
	}
	if b.full {
		appendSeg(b.ring[b.head:])
	}
	appendSeg(b.ring[:b.head])
	return out
}

func escapeJSONByte(c byte) []byte {
	switch c {
	case '"', '\\':
		return []byte{'\\', c}
	case '\b':
		return []byte(`\b`)
	case '\f':
		return []byte(`\f`)
	case '\n':
		return []byte(`\n`)
	case '\r':
		return []byte(`\r`)
	case '\t':
		return []byte(`\t`)
	default:
		if c >= 32 && c < 127 {
			return []byte{c}
		}
		return []byte(fmt.Sprintf(`\u%04X`, c))
	}
}
