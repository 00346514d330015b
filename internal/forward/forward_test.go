//go:build darwin

package forward

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shuru-dev/shuru/internal/protocol"
	"github.com/shuru-dev/shuru/internal/vm"
)

// fakeVM implements vm.Handle by dialing directly into a caller-supplied
// in-memory connection, standing in for a vsock session to a real guest.
type fakeVM struct {
	dial func() (net.Conn, error)
}

func (f *fakeVM) ConnectVsock(ctx context.Context, port uint32) (net.Conn, error) { return f.dial() }
func (f *fakeVM) StateChannel() <-chan vm.State                                  { return nil }
func (f *fakeVM) Stop(ctx context.Context, timeout time.Duration) error          { return nil }

// echoGuestForwardSession answers exactly one ForwardRequest read byte at a
// time (as the real forward acceptor is required to, per SPEC_FULL.md §4.C),
// then echoes every byte it receives back on the same connection, standing
// in for a guest-side TCP peer.
func echoGuestForwardSession(conn net.Conn, status protocol.ForwardStatus) {
	line, err := protocol.ReadLineRaw(conn)
	if err != nil {
		return
	}
	var req protocol.ForwardRequest
	_ = json.Unmarshal(line, &req)

	w := protocol.NewWriter(conn)
	if err := w.WriteFrame(protocol.ForwardResponse{Status: status}); err != nil || status != protocol.ForwardOK {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// TestHandleConnection_RelaysBytesBothWays is Property P5: bytes written on
// the host side of a forwarded connection reach the guest side in order, and
// the reverse holds for the response.
func TestHandleConnection_RelaysBytesBothWays(t *testing.T) {
	hostConn, testSide := net.Pipe()

	v := &fakeVM{dial: func() (net.Conn, error) {
		guestConn, guestSide := net.Pipe()
		go echoGuestForwardSession(guestSide, protocol.ForwardOK)
		return guestConn, nil
	}}

	done := make(chan struct{})
	go func() {
		handleConnection(context.Background(), hostConn, PortMapping{HostPort: 18080, GuestPort: 80}, v, nil)
		close(done)
	}()

	_, err := testSide.Write([]byte("PING"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(testSide, buf)
	require.NoError(t, err)
	require.Equal(t, "PING", string(buf))

	testSide.Close()
	<-done
}

func TestHandleConnection_ForwardRefusedClosesHostConn(t *testing.T) {
	hostConn, testSide := net.Pipe()

	v := &fakeVM{dial: func() (net.Conn, error) {
		guestConn, guestSide := net.Pipe()
		go echoGuestForwardSession(guestSide, protocol.ForwardError)
		return guestConn, nil
	}}

	done := make(chan struct{})
	go func() {
		handleConnection(context.Background(), hostConn, PortMapping{HostPort: 18080, GuestPort: 81}, v, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConnection did not return after a forward refusal")
	}

	_, err := testSide.Write([]byte("x"))
	require.Error(t, err, "host connection should be closed once the guest refuses the forward")
}
