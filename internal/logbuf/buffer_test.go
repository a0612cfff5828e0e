package logbuf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteIncreasesTotalBytesRegardlessOfWrap(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcdefgh")) // exactly fills ring
	b.Write([]byte("ij"))       // wraps
	if got := b.Stats().TotalBytes; got != 10 {
		t.Fatalf("expected total_bytes=10, got %d", got)
	}
}

func TestDumpEqualsTailOfLogicalStream(t *testing.T) {
	b := New(4)
	for _, s := range []string{"a", "b", "c", "d", "e", "f"} {
		b.Write([]byte(s))
	}
	// logical stream is "abcdef"; ring size 4 so dump should be last 4 bytes: "cdef"
	got := string(b.DumpRaw())
	if got != "cdef" {
		t.Fatalf("expected dump %q, got %q", "cdef", got)
	}
}

func TestDumpSmallerThanRingBeforeWrap(t *testing.T) {
	b := New(16)
	b.Write([]byte("hello"))
	if got := string(b.DumpRaw()); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestRetainReleaseClosesDiskFileAtZero(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "child.log")
	b := New(64)
	b.SetFilenameBase(base)
	b.Retain()
	b.Write([]byte("line\n"))
	if b.disk.file == nil {
		t.Fatalf("expected disk file to be open after write")
	}
	b.Release() // ref 2 -> 1
	if b.disk.file == nil {
		t.Fatalf("file should stay open while ref > 0")
	}
	b.Release() // ref 1 -> 0
	if b.disk.file != nil {
		t.Fatalf("expected disk file closed once refcount reaches 0")
	}
}

func TestReleaseBelowZeroDoesNotPanic(t *testing.T) {
	b := New(8)
	b.Release()
	b.Release() // ref goes negative; must not panic
}

func TestRotationOnSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "big.log")
	b := New(32)
	b.SetFilenameBase(base)

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tick := start
	b.nowForTesting = func() time.Time { return tick }

	chunk := make([]byte, 1000)
	for i := range chunk {
		chunk[i] = 'x'
	}
	for i := 0; i < rotateSizeBytes/len(chunk)+2; i++ {
		b.Write(chunk)
		tick = tick.Add(time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var rotated int
	var sawSymlink bool
	for _, e := range entries {
		if e.Name() == "big.log" {
			info, _ := os.Lstat(filepath.Join(dir, e.Name()))
			if info != nil && info.Mode()&os.ModeSymlink != 0 {
				sawSymlink = true
			}
			continue
		}
		if strings.HasPrefix(e.Name(), "big.log.") {
			rotated++
		}
	}
	if rotated < 2 {
		t.Fatalf("expected at least 2 rotation files after crossing size threshold, found %d", rotated)
	}
	if !sawSymlink {
		t.Fatalf("expected base path to be a symlink to the current rotation file")
	}
}

func TestRotationOnHourBoundary(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "hourly.log")
	b := New(32)
	b.SetFilenameBase(base)

	before := time.Date(2026, 1, 1, 10, 59, 59, 0, time.UTC)
	b.nowForTesting = func() time.Time { return before }
	b.Write([]byte("pre\n"))
	firstPath := b.CurrentPath()

	after := time.Date(2026, 1, 1, 11, 0, 1, 0, time.UTC)
	b.nowForTesting = func() time.Time { return after }
	b.Write([]byte("post\n"))
	secondPath := b.CurrentPath()

	if firstPath == secondPath {
		t.Fatalf("expected rotation across hour boundary, path stayed %q", firstPath)
	}
}

func TestCollisionWithinSameSecondRetriesWithMicroseconds(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "coll.log")

	stamp := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	existing := base + "." + stamp.Format("2006-01-02T15.04.05")
	if _, err := os.OpenFile(existing, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644); err != nil {
		t.Fatalf("pre-create collision file: %v", err)
	}

	b := New(16)
	b.SetFilenameBase(base)
	b.nowForTesting = func() time.Time { return stamp }
	b.Write([]byte("x"))

	path := b.CurrentPath()
	if path == existing {
		t.Fatalf("expected retry with microsecond suffix, still got %q", path)
	}
	if !strings.HasPrefix(path, existing+".") {
		t.Fatalf("expected retry path to extend the colliding stamp, got %q", path)
	}
}

func TestBytesPerSecondRecomputedAtMostOncePerSecond(t *testing.T) {
	b := New(64)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	b.nowForTesting = func() time.Time { return tick }

	b.Write([]byte("aaaaaaaaaa")) // 10 bytes at t=0
	if got := b.Stats().BytesPerSecond; got != 0 {
		t.Fatalf("expected 0 bps on first sample, got %v", got)
	}

	tick = base.Add(time.Second)
	b.Write([]byte("aaaaaaaaaa")) // another 10 bytes after 1s
	if got := b.Stats().BytesPerSecond; got != 10 {
		t.Fatalf("expected 10 bps, got %v", got)
	}
}

func TestDumpJSONLinesEscapesControlCharacters(t *testing.T) {
	b := New(32)
	b.Write([]byte("a\"b\nc\td"))
	lines := b.DumpJSONLines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines split on newline, got %v", lines)
	}
	if lines[0] != `a\"b` {
		t.Fatalf("expected escaped quote, got %q", lines[0])
	}
}

func TestDumpSkipsUnwrittenNulBytes(t *testing.T) {
	b := New(16)
	b.Write([]byte("hi"))
	got := b.DumpRaw()
	for _, c := range got {
		if c == 0 {
			t.Fatalf("dump must not contain unwritten NUL padding: %q", got)
		}
	}
	if string(got) != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
}
