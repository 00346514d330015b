//go:build linux

package guestinit

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// listenVsock binds a virtio-vsock listener on the given port, accepting
// from any CID (the host is the only possible peer inside a microVM).
func listenVsock(port uint32) (*vsockListener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("guestinit: vsock socket: %w", err)
	}
	sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("guestinit: vsock bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("guestinit: vsock listen port %d: %w", port, err)
	}
	return &vsockListener{fd: fd, port: port}, nil
}

type vsockListener struct {
	fd   int
	port uint32
}

// Accept blocks until a host connects, wrapping the accepted fd in both an
// *os.File (for the exec PTY loop's unix.Poll) and a net.Conn (for the
// protocol reader/writer and io.Copy relays).
func (l *vsockListener) Accept() (*vsockConn, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, fmt.Errorf("guestinit: vsock accept port %d: %w", l.port, err)
	}
	f := os.NewFile(uintptr(nfd), fmt.Sprintf("vsock-conn-%d", l.port))
	return &vsockConn{f: f}, nil
}

func (l *vsockListener) Close() error { return unix.Close(l.fd) }

// vsockConn adapts a raw accepted vsock fd to net.Conn while keeping the
// underlying *os.File reachable for unix.Poll.
type vsockConn struct {
	f         *os.File
	closeOnce sync.Once
}

func (c *vsockConn) File() *os.File { return c.f }
func (c *vsockConn) Fd() int        { return int(c.f.Fd()) }

func (c *vsockConn) Read(b []byte) (int, error)  { return c.f.Read(b) }
func (c *vsockConn) Write(b []byte) (int, error) { return c.f.Write(b) }
func (c *vsockConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.f.Close() })
	return err
}
func (c *vsockConn) LocalAddr() net.Addr                { return vsockFileAddr{} }
func (c *vsockConn) RemoteAddr() net.Addr               { return vsockFileAddr{} }
func (c *vsockConn) SetDeadline(t time.Time) error      { return nil }
func (c *vsockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *vsockConn) SetWriteDeadline(t time.Time) error { return nil }

type vsockFileAddr struct{}

func (vsockFileAddr) Network() string { return "vsock" }
func (vsockFileAddr) String() string  { return "vsock" }
