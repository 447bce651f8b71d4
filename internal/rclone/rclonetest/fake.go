// Package rclonetest builds a scripted stand-in for the rclone binary so
// process supervision can be tested without a real remote.
package rclonetest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Fake describes how the stand-in binary answers each subcommand.
type Fake struct {
	// SizeJSON is printed for `size --json`.
	SizeJSON string
	// ListJSON is printed for `lsjson --recursive`.
	ListJSON string
	// CopyLines are printed, in order, on stderr by `copy`.
	CopyLines []string
	// CopyHang keeps `copy` alive after printing until it is killed.
	CopyHang bool
	// CopyExit is the exit status of `copy`.
	CopyExit int
	// QueryExit is the exit status of `size` and `lsjson`.
	QueryExit int
	// QueryDelay makes `size` and `lsjson` sleep before answering.
	QueryDelay time.Duration
}

// Binary is an installed fake.
type Binary struct {
	Path      string
	callsPath string
}

// Install writes the fake into a temp dir and returns its location.
func Install(t *testing.T, f Fake) *Binary {
	t.Helper()
	dir := t.TempDir()
	b := &Binary{
		Path:      filepath.Join(dir, "rclone"),
		callsPath: filepath.Join(dir, "calls.log"),
	}

	var copyBody strings.Builder
	for _, line := range f.CopyLines {
		fmt.Fprintf(&copyBody, "    printf '%%s\\n' %s >&2\n", quote(line))
	}
	if f.CopyHang {
		// exec so the kill reaches the process holding the pipe
		copyBody.WriteString("    exec sleep 60\n")
	}
	fmt.Fprintf(&copyBody, "    exit %d\n", f.CopyExit)

	delay := ""
	if f.QueryDelay > 0 {
		delay = fmt.Sprintf("    sleep %g\n", f.QueryDelay.Seconds())
	}

	script := fmt.Sprintf(`#!/bin/sh
printf '%%s\n' "$*" >> %s
case "$1" in
  obscure)
    printf 'obscured-%%s\n' "$2"
    ;;
  size)
%s    printf '%%s\n' %s
    exit %d
    ;;
  lsjson)
%s    printf '%%s\n' %s
    exit %d
    ;;
  copy)
%s    ;;
  delete|rmdirs)
    ;;
esac
`, quote(b.callsPath), delay, quote(f.SizeJSON), f.QueryExit, delay, quote(f.ListJSON), f.QueryExit, copyBody.String())

	if err := os.WriteFile(b.Path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake rclone: %v", err)
	}
	return b
}

// Calls returns the argument lists the fake has been invoked with.
func (b *Binary) Calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(b.callsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading fake rclone calls: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// quote wraps s in single quotes for /bin/sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
