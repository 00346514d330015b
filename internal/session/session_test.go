//go:build darwin

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shuru-dev/shuru/internal/protocol"
	"github.com/shuru-dev/shuru/internal/vm"
)

// fakeVM implements vm.Handle over an in-memory net.Pipe, standing in for a
// real Virtualization.framework VM so Sandbox can be exercised without a
// hypervisor session.
type fakeVM struct {
	dial  func() (net.Conn, error)
	state chan vm.State
}

func newFakeVM(dial func() (net.Conn, error)) *fakeVM {
	return &fakeVM{dial: dial, state: make(chan vm.State, 1)}
}

func (f *fakeVM) ConnectVsock(ctx context.Context, port uint32) (net.Conn, error) { return f.dial() }
func (f *fakeVM) StateChannel() <-chan vm.State                                   { return f.state }
func (f *fakeVM) Stop(ctx context.Context, timeout time.Duration) error           { return nil }

// fakeGuestSession drives one side of a pipe as a minimal guest control
// session: it answers any MountRequest with {ok:true}, counting how many it
// saw, then replies to the ExecRequest with a stdout frame and an exit frame.
func fakeGuestSession(conn net.Conn, mountCount *int32, stdout string, exitCode int32) {
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		if protocol.HasTag(line) {
			atomic.AddInt32(mountCount, 1)
			_ = w.WriteFrame(protocol.MountResponse{OK: true})
			continue
		}
		var req protocol.ExecRequest
		_ = json.Unmarshal(line, &req)
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecStdout, Data: stdout})
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecExit, Code: exitCode})
		return
	}
}

func TestSandboxExec_EmptyArgvRejected(t *testing.T) {
	s := NewSandbox(newFakeVM(nil), nil, nil)
	code, err := s.Exec(context.Background(), ExecOptions{})
	require.ErrorIs(t, err, ErrProtocolEmptyArgv)
	require.Equal(t, 0, code)
}

func TestSandboxExec_PipedReturnsStdoutAndExitCode(t *testing.T) {
	var mountCount int32
	dial := func() (net.Conn, error) {
		client, srv := net.Pipe()
		go fakeGuestSession(srv, &mountCount, "hello\n", 0)
		return client, nil
	}
	s := NewSandbox(newFakeVM(dial), nil, nil)

	var stdout bytes.Buffer
	code, err := s.Exec(context.Background(), ExecOptions{
		Argv:   []string{"/bin/echo", "hello"},
		Stdout: &stdout,
	})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, "hello\n", stdout.String())
}

func TestSandboxExec_NonZeroExitCodePropagates(t *testing.T) {
	var mountCount int32
	dial := func() (net.Conn, error) {
		client, srv := net.Pipe()
		go fakeGuestSession(srv, &mountCount, "", 7)
		return client, nil
	}
	s := NewSandbox(newFakeVM(dial), nil, nil)

	code, err := s.Exec(context.Background(), ExecOptions{Argv: []string{"/bin/sh", "-c", "exit 7"}})
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

// TestSandboxExec_MountHandshakeOnlyOnFirstCall is Property P4: the pending
// mount list is delivered once and drained, so a second Exec on the same
// Sandbox performs no mount frames at all.
func TestSandboxExec_MountHandshakeOnlyOnFirstCall(t *testing.T) {
	var mountCount int32
	dial := func() (net.Conn, error) {
		client, srv := net.Pipe()
		go fakeGuestSession(srv, &mountCount, "", 0)
		return client, nil
	}
	mounts := []vm.MountConfig{{HostPath: "/host/dir", GuestPath: "/workspace", Persistent: false}}
	s := NewSandbox(newFakeVM(dial), nil, mounts)

	_, err := s.Exec(context.Background(), ExecOptions{Argv: []string{"/bin/ls", "/workspace"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&mountCount))

	_, err = s.Exec(context.Background(), ExecOptions{Argv: []string{"/bin/ls", "/workspace"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&mountCount), "second Exec must not resend mount requests")
}

func TestSandboxExec_MountFailureAborts(t *testing.T) {
	dial := func() (net.Conn, error) {
		client, srv := net.Pipe()
		go func() {
			r := protocol.NewReader(srv)
			w := protocol.NewWriter(srv)
			line, err := r.ReadLine()
			if err != nil {
				return
			}
			if protocol.HasTag(line) {
				_ = w.WriteFrame(protocol.MountResponse{OK: false, Error: "no such device"})
			}
		}()
		return client, nil
	}
	mounts := []vm.MountConfig{{HostPath: "/host/dir", GuestPath: "/workspace"}}
	s := NewSandbox(newFakeVM(dial), nil, mounts)

	_, err := s.Exec(context.Background(), ExecOptions{Argv: []string{"/bin/true"}})
	var mf *MountFailedError
	require.ErrorAs(t, err, &mf)
	require.Equal(t, "/workspace", mf.GuestPath)
}
