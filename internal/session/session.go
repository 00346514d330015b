//go:build darwin

// Package session drives a vsock control session end-to-end: the mount
// handshake, then either a piped exec or an interactive PTY shell.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/protocol"
	"github.com/shuru-dev/shuru/internal/terminal"
	"github.com/shuru-dev/shuru/internal/vm"
)

const (
	ControlPort = 1024
	ForwardPort = 1025

	connectRetries = 10
	connectDelay   = time.Second
)

var (
	ErrGuestUnreachable  = errors.New("session: guest unreachable")
	ErrMountUnsupported  = errors.New("session: guest does not support mounts; upgrade the guest image")
	ErrSessionClosed     = errors.New("session: closed before a response was received")
	ErrProtocolEmptyArgv = errors.New("session: argv must be non-empty")
)

// MountFailedError reports a rejected MountRequest.
type MountFailedError struct {
	Tag       string
	GuestPath string
	Err       string
}

func (e *MountFailedError) Error() string {
	return fmt.Sprintf("session: mount %s (%s) failed: %s", e.Tag, e.GuestPath, e.Err)
}

// Sandbox owns a VM handle and the list of mount requests still pending
// delivery. Mounts are delivered once, on the first session opened after
// Sandbox is constructed, then the pending list is drained (Property P4).
type Sandbox struct {
	VM  vm.Handle
	log *logging.Logger

	mu      sync.Mutex
	pending []vm.MountConfig
}

func NewSandbox(v vm.Handle, log *logging.Logger, mounts []vm.MountConfig) *Sandbox {
	return &Sandbox{VM: v, log: log, pending: append([]vm.MountConfig(nil), mounts...)}
}

// connectWithRetry opens the control-port vsock stream, retrying up to
// connectRetries times, aborting immediately if the VM's state channel
// reports Stopped or Error (resolving the distilled spec's open question on
// tightening the retry policy).
func (s *Sandbox) connectWithRetry(ctx context.Context, port uint32) (*protocol.Writer, *protocol.Reader, io.ReadWriteCloser, error) {
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		select {
		case st := <-s.VM.StateChannel():
			if st == vm.StateStopped || st == vm.StateError {
				return nil, nil, nil, fmt.Errorf("%w: VM reached %s while connecting; check the boot log", ErrGuestUnreachable, st)
			}
		default:
		}

		conn, err := s.VM.ConnectVsock(ctx, port)
		if err == nil {
			return protocol.NewWriter(conn), protocol.NewReader(conn), conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	return nil, nil, nil, fmt.Errorf("%w: %v", ErrGuestUnreachable, lastErr)
}

// doMountHandshake takes and clears the pending mount list, then sends each
// mount request (FIFO) and waits for its response. The list is cleared before
// the first request goes out, so a failed handshake is not retried on the next
// session.
func (s *Sandbox) doMountHandshake(w *protocol.Writer, r *protocol.Reader) error {
	s.mu.Lock()
	mounts := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, m := range mounts {
		tag := fmt.Sprintf("mount%d", i)
		if err := w.WriteFrame(protocol.MountRequest{
			Tag:        tag,
			GuestPath:  m.GuestPath,
			Persistent: m.Persistent,
		}); err != nil {
			return err
		}
		line, err := r.ReadLine()
		if err != nil {
			if err == io.EOF {
				return ErrSessionClosed
			}
			return fmt.Errorf("%w: %v", ErrMountUnsupported, err)
		}
		resp, err := protocol.DecodeMountResponse(line)
		if err != nil {
			if err == io.EOF {
				return ErrSessionClosed
			}
			return fmt.Errorf("%w: %v", ErrMountUnsupported, err)
		}
		if s.log != nil {
			s.log.LogMount(tag, m.GuestPath, m.Persistent, resp.OK, resp.Error)
		}
		if !resp.OK {
			return &MountFailedError{Tag: tag, GuestPath: m.GuestPath, Err: resp.Error}
		}
	}
	return nil
}

// ExecOptions configures a piped (non-interactive) command.
type ExecOptions struct {
	Argv   []string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// Exec runs a command to completion without a PTY, returning the guest exit
// code (scenario 1/2/3 in SPEC_FULL §8).
func (s *Sandbox) Exec(ctx context.Context, opts ExecOptions) (int, error) {
	if len(opts.Argv) == 0 {
		return 0, ErrProtocolEmptyArgv
	}

	w, r, conn, err := s.connectWithRetry(ctx, ControlPort)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := s.doMountHandshake(w, r); err != nil {
		return 0, err
	}

	req := protocol.ExecRequest{Argv: opts.Argv, Env: opts.Env}
	req.Normalize()
	if s.log != nil {
		s.log.LogExec(req.Argv, false)
	}
	if err := w.WriteFrame(req); err != nil {
		return 0, err
	}

	for {
		line, err := r.ReadLine()
		if err != nil {
			return 0, fmt.Errorf("session: read exec response: %w", err)
		}
		resp, err := protocol.DecodeExecResponse(line)
		if err != nil {
			continue // a single malformed line is skipped outside the mount handshake
		}
		switch resp.Type {
		case protocol.ExecStdout:
			if opts.Stdout != nil {
				_, _ = io.WriteString(opts.Stdout, resp.Data)
			}
		case protocol.ExecStderr:
			if opts.Stderr != nil {
				_, _ = io.WriteString(opts.Stderr, resp.Data)
			}
		case protocol.ExecExit:
			if s.log != nil {
				s.log.LogExecExit(resp.Code)
			}
			return int(resp.Code), nil
		case protocol.ExecError:
			if opts.Stderr != nil {
				_, _ = io.WriteString(opts.Stderr, resp.Data+"\n")
			}
			return 1, nil
		}
	}
}

// ShellOptions configures an interactive PTY session.
type ShellOptions struct {
	Argv  []string
	Env   map[string]string
	Stdin io.Reader
	Stdout io.Writer
}

// Shell runs a command attached to a PTY, relaying stdin/stdout and window
// resizes until the guest reports termination, then restores the host
// terminal (Property P7).
func (s *Sandbox) Shell(ctx context.Context, opts ShellOptions) (int, error) {
	if len(opts.Argv) == 0 {
		return 0, ErrProtocolEmptyArgv
	}

	w, r, conn, err := s.connectWithRetry(ctx, ControlPort)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := s.doMountHandshake(w, r); err != nil {
		return 0, err
	}

	fd := int(os.Stdin.Fd())
	restore, rawErr := terminal.RawMode(fd)
	defer restore()
	if rawErr != nil && s.log != nil {
		s.log.Warn("failed to switch terminal to raw mode", "error", rawErr)
	}

	resizeCh, stopWatch := terminal.WatchResize()
	defer stopWatch()

	rows, cols := terminal.Size(fd)
	req := protocol.ExecRequest{Argv: opts.Argv, Env: opts.Env, TTY: true, Rows: rows, Cols: cols}
	req.Normalize()
	if s.log != nil {
		s.log.LogExec(req.Argv, true)
	}
	if err := w.WriteFrame(req); err != nil {
		return 0, err
	}

	var (
		once     sync.Once
		done     = make(chan struct{})
		codeMu   sync.Mutex
		code     int
		wg       sync.WaitGroup
	)
	finish := func(c int) {
		once.Do(func() {
			codeMu.Lock()
			code = c
			codeMu.Unlock()
			close(done)
		})
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	// stdinCh relays bytes from a dedicated blocking reader goroutine so the
	// relay loop below can also poll the resize channel on a short tick,
	// mirroring the original's 100ms-timeout poll over both sources.
	type stdinRead struct {
		data []byte
		err  error
	}
	stdinCh := make(chan stdinRead)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case stdinCh <- stdinRead{data: cp}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case stdinCh <- stdinRead{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if terminal.Drain(resizeCh) {
					newRows, newCols := terminal.Size(fd)
					_ = w.WriteFrame(protocol.ControlMessage{Type: protocol.ControlResize, Rows: newRows, Cols: newCols})
				}
			case sr := <-stdinCh:
				if len(sr.data) > 0 {
					if werr := w.WriteFrame(protocol.ControlMessage{Type: protocol.ControlStdin, Data: string(sr.data)}); werr != nil {
						return
					}
				}
				if sr.err != nil {
					return
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		bw := bufio.NewWriter(stdout)
		defer bw.Flush()
		for {
			line, err := r.ReadLine()
			if err != nil {
				finish(1)
				return
			}
			resp, err := protocol.DecodeExecResponse(line)
			if err != nil {
				continue
			}
			switch resp.Type {
			case protocol.ExecStdout:
				_, _ = bw.WriteString(resp.Data)
				_ = bw.Flush()
			case protocol.ExecExit:
				finish(int(resp.Code))
				return
			case protocol.ExecError:
				finish(1)
				return
			}
		}
	}()

	wg.Wait()
	if s.log != nil {
		s.log.LogExecExit(int32(code))
	}
	return code, nil
}

// Stop stops the underlying VM, ignoring errors: the guest may already have
// powered off via its own SIGTERM handler.
func (s *Sandbox) Stop(ctx context.Context, timeout time.Duration) {
	_ = s.VM.Stop(ctx, timeout)
}

// ResetPending reinstates mounts for delivery on the next session opened
// against this Sandbox. Exposed for callers (and tests) that need to force a
// fresh mount handshake, e.g. after a guest restart.
func (s *Sandbox) ResetPending(mounts []vm.MountConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]vm.MountConfig(nil), mounts...)
}
