// Package logger provides the nanny's two logging surfaces: the
// supervisor's own diagnostic logging (log/slog, colorized in the
// foreground, JSON once under a daemon) and an optional lumberjack-
// backed plain-tail mirror of a child's stdout/stderr — distinct from
// the ring-buffered, symlinked rotation internal/logbuf implements for
// the child log buffers the spec mandates.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes one plain-tail mirror destination.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config wraps FileConfig; the extra layer of nesting matches the
// supervisor config's log section, which may grow sibling settings
// (level, format) alongside the file mirror in the future.
type Config struct {
	File FileConfig
}

// ProcessWriters returns io.WriteClosers for stdout and stderr mirrors
// of the named child, or nil when no path or directory is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = &lj.Logger{
			Filename:   stdout,
			MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   f.Compress,
		}
	}
	if stderr != "" {
		errW = &lj.Logger{
			Filename:   stderr,
			MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   f.Compress,
		}
	}
	return outW, errW, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the supervisor's own diagnostic logger: colorized text in
// the foreground, or plain JSON once daemonized (no terminal to color
// for). Mirrors the teacher's ColorTextHandler choice in
// color_text_handler.go, generalized with a daemonized switch per
// SPEC_FULL's ambient-stack logging section.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return NewWithMode(w, level, false)
}

// NewWithMode is New with an explicit daemonized flag.
func NewWithMode(w io.Writer, level slog.Level, daemonized bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if daemonized {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(NewColorTextHandler(w, opts, true))
}
