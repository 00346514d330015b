// Package terminal provides raw-mode control and window-size tracking for
// the interactive shell path.
package terminal

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	fallbackRows = 24
	fallbackCols = 80
)

// RawMode switches fd (typically os.Stdin's fd) to raw mode and returns a
// restore function. The restore function is safe to call more than once and
// is intended to be deferred so the terminal is restored on any exit path,
// including a panic unwind (Property P7).
func RawMode(fd int) (restore func(), err error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}
	restored := false
	return func() {
		if restored {
			return
		}
		restored = true
		_ = term.Restore(fd, state)
	}, nil
}

// Size returns the current (rows, cols) of fd, falling back to 24x80 when the
// query fails (e.g. stdout is not a TTY).
func Size(fd int) (rows, cols uint16) {
	cols32, rows32, err := term.GetSize(fd)
	if err != nil || cols32 <= 0 || rows32 <= 0 {
		return fallbackRows, fallbackCols
	}
	return uint16(rows32), uint16(cols32)
}

// WatchResize registers for SIGWINCH and returns a channel that receives a
// value each time the window changes, plus a function to stop watching. This
// replaces the hand-rolled atomic-flag-plus-signal-handler pattern with Go's
// idiomatic channel-based signal delivery.
func WatchResize() (changed <-chan os.Signal, stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	return ch, func() { signal.Stop(ch) }
}

// Drain non-blockingly empties a resize-notification channel, returning
// whether at least one notification was pending. Callers use this to coalesce
// a burst of resize events into a single size query, mirroring the original
// flag's "read and clear" semantics.
func Drain(ch <-chan os.Signal) bool {
	got := false
	for {
		select {
		case <-ch:
			got = true
		default:
			return got
		}
	}
}
