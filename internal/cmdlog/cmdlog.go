// Package cmdlog writes the append-only, human-readable record of external
// tool invocations and transfer completion markers.
package cmdlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimeFormat is the second-resolution timestamp prefixed to every entry.
const TimeFormat = "2006-01-02 15:04:05"

// Log appends timestamped lines to a writer. A nil *Log discards entries.
type Log struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// Open opens (or creates) the log file at path in append mode.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening command log: %w", err)
	}
	return &Log{w: f, c: f, now: time.Now}, nil
}

// New wraps an arbitrary writer, mainly for tests.
func New(w io.Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// Write appends one entry. Write errors are returned but callers usually
// ignore them: the log is advisory.
func (l *Log) Write(entry string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "[%s] %s\n", l.now().Format(TimeFormat), entry)
	return err
}

// Writef formats and appends one entry.
func (l *Log) Writef(format string, args ...any) error {
	return l.Write(fmt.Sprintf(format, args...))
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l == nil || l.c == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Close()
}
