package transport

import (
	"net"
	"sync"
)

// memAddr is a fake net.Addr used by Memory transports so tests don't need
// a real socket to exercise handshake, ack, and timeout behavior.
type memAddr string

func (m memAddr) Network() string { return "memory" }
func (m memAddr) String() string  { return string(m) }

type datagram struct {
	data []byte
	from net.Addr
}

// Memory is an in-process Transport backed by a buffered channel, used by
// tests that need a deterministic, allocation-light stand-in for UDP.
// Pair two Memory transports with Link to let them exchange datagrams.
type Memory struct {
	addr memAddr
	mu   sync.Mutex
	inbox chan datagram
	peers map[memAddr]*Memory
}

// NewMemory creates an unlinked Memory transport bound to addr.
func NewMemory(addr string) *Memory {
	return &Memory{
		addr:  memAddr(addr),
		inbox: make(chan datagram, 256),
		peers: make(map[memAddr]*Memory),
	}
}

// Link registers other as reachable from m (and vice versa is the
// caller's responsibility, mirroring two independently-bound UDP sockets).
func (m *Memory) Link(other *Memory) {
	m.mu.Lock()
	m.peers[other.addr] = other
	m.mu.Unlock()
}

func (m *Memory) SendTo(buf []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	peer, ok := m.peers[memAddr(addr.String())]
	m.mu.Unlock()
	if !ok {
		// No route: behaves like a real socket whose datagram vanished
		// into the ether rather than erroring, so loss scenarios can be
		// built purely out of routing tables.
		return len(buf), nil
	}
	cp := append([]byte(nil), buf...)
	select {
	case peer.inbox <- datagram{data: cp, from: m.addr}:
	default:
		// inbox full: drop, matching UDP's no-backpressure delivery.
	}
	return len(buf), nil
}

func (m *Memory) RecvFrom(buf []byte) (int, net.Addr, error) {
	select {
	case dg := <-m.inbox:
		n := copy(buf, dg.data)
		return n, dg.from, nil
	default:
		return 0, nil, ErrWouldBlock
	}
}

func (m *Memory) LocalAddr() net.Addr {
	return m.addr
}
