// Package transport abstracts the non-blocking datagram socket the session
// layer rides on, so the protocol engine can be driven by a real UDP
// socket in production or an in-memory fake in tests.
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

func immediateDeadline() time.Time {
	return time.Now()
}

// ErrWouldBlock is returned by RecvFrom when no datagram is currently
// queued; callers treat it as "no event" rather than a failure.
var ErrWouldBlock = errors.New("transport: would block")

// Transport is the capability set the protocol engine needs from a
// datagram socket: send, non-blocking receive, and local address.
// net.UDPConn satisfies it via UDPTransport below.
type Transport interface {
	SendTo(buf []byte, addr net.Addr) (int, error)
	RecvFrom(buf []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
}

// UDPTransport adapts *net.UDPConn (placed in non-blocking mode via
// SetReadDeadline) to the Transport contract.
type UDPTransport struct {
	conn *net.UDPConn
}

// NewUDPTransport wraps an already-bound, non-blocking *net.UDPConn.
func NewUDPTransport(conn *net.UDPConn) *UDPTransport {
	return &UDPTransport{conn: conn}
}

// Listen binds a new UDP socket at addr (":0" picks an ephemeral port).
func Listen(addr string) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: resolve address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	return NewUDPTransport(conn), nil
}

func (t *UDPTransport) SendTo(buf []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("transport: addr is not a *net.UDPAddr")
	}
	return t.conn.WriteToUDP(buf, udpAddr)
}

// RecvFrom performs a non-blocking read: it arms a zero-duration read
// deadline so a timeout surfaces as ErrWouldBlock instead of parking the
// caller's goroutine.
func (t *UDPTransport) RecvFrom(buf []byte) (int, net.Addr, error) {
	if err := t.conn.SetReadDeadline(immediateDeadline()); err != nil {
		return 0, nil, errors.Wrap(err, "transport: set read deadline")
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
