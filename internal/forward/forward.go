//go:build darwin

// Package forward implements the host-side TCP port-forwarding proxy: one
// listener per mapping, each accepted connection tunneled through a fresh
// vsock forward session.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/protocol"
	"github.com/shuru-dev/shuru/internal/session"
	"github.com/shuru-dev/shuru/internal/vm"
)

const acceptTick = 50 * time.Millisecond

// PortMapping maps a host-local port to a guest-local port.
type PortMapping struct {
	HostPort uint16
	GuestPort uint16
}

// PortBindFailedError reports a listener that failed to bind.
type PortBindFailedError struct {
	Port uint16
	Err  error
}

func (e *PortBindFailedError) Error() string {
	return fmt.Sprintf("forward: bind host port %d: %v", e.Port, e.Err)
}

// Handle represents a running set of forwarding listeners. Close stops every
// listener; in-flight relays are left to drain to natural closure (P8).
type Handle struct {
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
}

// Start binds one listener per mapping and begins forwarding connections
// through vm to the guest's forward port.
func Start(ctx context.Context, v vm.Handle, log *logging.Logger, mappings []PortMapping) (*Handle, error) {
	h := &Handle{stop: make(chan struct{})}

	for _, m := range mappings {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.HostPort))
		if err != nil {
			h.Close()
			return nil, &PortBindFailedError{Port: m.HostPort, Err: err}
		}

		h.wg.Add(1)
		go acceptLoop(ctx, h, ln, m, v, log)
	}

	return h, nil
}

func acceptLoop(ctx context.Context, h *Handle, ln net.Listener, m PortMapping, v vm.Handle, log *logging.Logger) {
	defer h.wg.Done()
	defer ln.Close()

	go func() {
		<-h.stop
		ln.Close()
	}()

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptTick))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-h.stop:
				return
			default:
			}
			if log != nil {
				log.Warn("forward accept error", "port", m.HostPort, "error", err)
			}
			continue
		}

		go handleConnection(ctx, conn, m, v, log)
	}
}

func handleConnection(ctx context.Context, hostConn net.Conn, m PortMapping, v vm.Handle, log *logging.Logger) {
	defer hostConn.Close()

	guestConn, err := v.ConnectVsock(ctx, session.ForwardPort)
	if err != nil {
		if log != nil {
			log.Warn("forward: failed to open guest session", "port", m.GuestPort, "error", err)
		}
		return
	}
	defer guestConn.Close()

	w := protocol.NewWriter(guestConn)
	if err := w.WriteFrame(protocol.ForwardRequest{Port: m.GuestPort}); err != nil {
		return
	}

	// Byte-at-a-time read through the newline: a buffered reader here would
	// steal bytes belonging to the relay phase that immediately follows.
	line, err := protocol.ReadLineRaw(guestConn)
	if err != nil {
		if log != nil {
			log.Warn("forward: failed to read response", "port", m.GuestPort, "error", err)
		}
		return
	}
	resp, err := protocol.DecodeForwardResponse(line)
	if err != nil {
		if log != nil {
			log.Warn("forward: malformed response", "port", m.GuestPort, "error", err)
		}
		return
	}
	if resp.Status != protocol.ForwardOK {
		if log != nil {
			log.LogForward(m.HostPort, m.GuestPort, false, resp.Message)
		}
		return
	}
	if log != nil {
		log.LogForward(m.HostPort, m.GuestPort, true, "")
	}

	relay(hostConn, guestConn)
}

// relay runs the bidirectional byte pump, shutting down each peer's write
// half as its direction reaches EOF, and only closes the session once both
// io.Copy calls return — a premature full Close on one of the non-half-
// closable vsock ends would truncate the other direction mid-flight.
func relay(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		closeWrite(a)
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		closeWrite(b)
	}()
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
}

type writeCloser interface {
	CloseWrite() error
}

// closeWrite half-closes c's write side so the peer observes EOF without
// tearing down the whole connection. If c cannot half-close (the vsock ends
// never implement CloseWrite), it is a no-op — relay's final Close, run
// after both directions have finished, handles teardown instead.
func closeWrite(c io.ReadWriteCloser) {
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}
