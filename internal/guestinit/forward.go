//go:build linux

package guestinit

import (
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/protocol"
)

// forwardAcceptLoop accepts forward sessions one at a time and hands each to
// its own goroutine so a slow relay never blocks new connections.
func forwardAcceptLoop(ln *vsockListener, log *logging.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("forward accept failed", "error", err)
			continue
		}
		go handleForwardConnection(conn, log)
	}
}

func handleForwardConnection(conn *vsockConn, log *logging.Logger) {
	defer conn.Close()

	w := protocol.NewWriter(conn)

	// Byte-at-a-time through the newline: the bytes immediately after this
	// line belong to the raw relay that follows, and a buffered reader would
	// steal them.
	line, err := protocol.ReadLineRaw(conn)
	if err != nil {
		log.Warn("forward: failed to read request", "error", err)
		return
	}
	var req protocol.ForwardRequest
	if err := json.Unmarshal(line, &req); err != nil {
		_ = w.WriteFrame(protocol.ForwardResponse{Status: protocol.ForwardError, Message: "invalid forward request"})
		return
	}

	tcpConn, err := net.Dial("tcp", forwardAddr(req.Port))
	if err != nil {
		_ = w.WriteFrame(protocol.ForwardResponse{Status: protocol.ForwardError, Message: err.Error()})
		return
	}
	defer tcpConn.Close()

	if err := w.WriteFrame(protocol.ForwardResponse{Status: protocol.ForwardOK}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(tcpConn, conn)
		closeWriteForward(tcpConn)
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, tcpConn)
		closeWriteForward(conn)
	}()
	wg.Wait()
	_ = tcpConn.Close()
	_ = conn.Close()
}

func forwardAddr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

type writeHalfCloser interface {
	CloseWrite() error
}

// closeWriteForward half-closes c's write side so the peer observes EOF
// without tearing down the session. vsockConn never implements CloseWrite,
// so it is a no-op there; the full close happens once after both io.Copy
// calls return, in handleForwardConnection.
func closeWriteForward(c io.ReadWriteCloser) {
	if wc, ok := c.(writeHalfCloser); ok {
		_ = wc.CloseWrite()
	}
}
