package transport

import (
	"math/rand"
	"net"
)

// Lossy wraps a Transport and stochastically drops received datagrams,
// simulating unidirectional receive loss for local testing of the loss
// inference and retransmission machinery. Send-side loss is not modeled:
// a symmetric drop can be built by wrapping both endpoints' transports.
type Lossy struct {
	inner Transport
	rng   *rand.Rand
	// DropProbability is the chance, in [0,1], that a received datagram is
	// silently discarded and RecvFrom recurses to try the next one.
	DropProbability float64
}

// NewLossy wraps inner with a receive-side drop probability p.
func NewLossy(inner Transport, p float64, rng *rand.Rand) *Lossy {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Lossy{inner: inner, rng: rng, DropProbability: p}
}

func (l *Lossy) SendTo(buf []byte, addr net.Addr) (int, error) {
	return l.inner.SendTo(buf, addr)
}

// RecvFrom drops a received datagram with probability DropProbability and
// retries until a kept datagram arrives or the inner transport would
// block.
func (l *Lossy) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, addr, err := l.inner.RecvFrom(buf)
	if err != nil {
		return n, addr, err
	}
	if l.rng.Float64() < l.DropProbability {
		return l.RecvFrom(buf)
	}
	return n, addr, nil
}

func (l *Lossy) LocalAddr() net.Addr {
	return l.inner.LocalAddr()
}
