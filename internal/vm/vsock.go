//go:build darwin

package vm

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
)

// vsockConn wraps vz.VirtioSocketConnection as a plain net.Conn whose
// lifetime is independent of the native connection object, per 4.A's
// requirement that ConnectVsock return a full-duplex stream rather than a
// handle tied to the adapter's internal dispatch queue.
type vsockConn struct {
	*vz.VirtioSocketConnection
	port      uint32
	closeOnce sync.Once
}

func newVsockConn(c *vz.VirtioSocketConnection, port uint32) *vsockConn {
	return &vsockConn{VirtioSocketConnection: c, port: port}
}

func (c *vsockConn) LocalAddr() net.Addr  { return vsockAddr{cid: 2, port: 0} }
func (c *vsockConn) RemoteAddr() net.Addr { return vsockAddr{cid: 3, port: c.port} }

// SetDeadline/SetReadDeadline/SetWriteDeadline are no-ops: the native
// connection has no deadline primitive. Callers needing cancellation use
// context on the surrounding call instead.
func (c *vsockConn) SetDeadline(time.Time) error      { return nil }
func (c *vsockConn) SetReadDeadline(time.Time) error  { return nil }
func (c *vsockConn) SetWriteDeadline(time.Time) error { return nil }

func (c *vsockConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.VirtioSocketConnection.Close()
	})
	return err
}

// vsockAddr implements net.Addr for vsock endpoints.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("vsock://%d:%d", a.cid, a.port) }
