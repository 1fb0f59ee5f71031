// Package vconn implements the per-peer VirtualConnection record and the
// PacketSocket framing helpers that every endpoint (client or server) uses
// to turn application bytes into acknowledged, loss-tracked datagrams.
package vconn

import (
	"math"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/sidit77/udp-connections/pkg/seqnum"
	"github.com/sidit77/udp-connections/pkg/transport"
	"github.com/sidit77/udp-connections/pkg/wireproto"
)

var errShortWrite = errors.New("vconn: short write to transport")

// Tuning constants for the smoothed RTT/loss estimators; exposed so a host
// can reason about them, but never swapped out by default.
const (
	AlphaRTT        = 0.10
	AlphaPL         = 0.025
	LossCutoff      seqnum.Number = 40
	sentBufCapacity               = 1024
)

// AckEvent classifies what HandleAck reported about a previously sent
// sequence number.
type AckEvent int

const (
	Acked AckEvent = iota
	Lost
)

func (e AckEvent) String() string {
	if e == Acked {
		return "acked"
	}
	return "lost"
}

// PacketInfo is the bookkeeping kept per in-flight transport sequence.
type PacketInfo struct {
	SendTime time.Time
}

// VirtualConnection is the live per-peer state described in the data
// model: address, id, ack-set of received sequences, in-flight send
// buffer, and smoothed RTT/loss estimates.
type VirtualConnection struct {
	addr net.Addr
	id   uint16

	LastSend time.Time
	LastRecv time.Time

	received seqnum.AckSet
	sent     *seqnum.SendBuffer[PacketInfo]

	rtt        float64 // seconds
	packetLoss float64 // fraction
}

// New constructs a VirtualConnection for addr, assigned id, as of now.
func New(addr net.Addr, id uint16, now time.Time) *VirtualConnection {
	return &VirtualConnection{
		addr:     addr,
		id:       id,
		LastSend: now,
		LastRecv: now,
		sent:     seqnum.NewSendBuffer[PacketInfo](sentBufCapacity),
	}
}

func (vc *VirtualConnection) Addr() net.Addr { return vc.addr }
func (vc *VirtualConnection) ID() uint16     { return vc.id }

// RTT returns the smoothed round-trip time estimate in seconds.
func (vc *VirtualConnection) RTT() float64 { return vc.rtt }

// RTTMillis rounds the RTT estimate to whole milliseconds for display.
func (vc *VirtualConnection) RTTMillis() uint32 {
	return uint32(math.Round(vc.rtt * 1000))
}

// PacketLoss returns the smoothed packet-loss fraction, in [0, 1].
func (vc *VirtualConnection) PacketLoss() float64 { return vc.packetLoss }

// PacketLossRounded rounds the loss fraction to three decimal places for
// host-facing display.
func (vc *VirtualConnection) PacketLossRounded() float64 {
	return math.Round(vc.packetLoss*1000) / 1000
}

// OnReceive stamps LastRecv with now; call on any accepted inbound packet.
func (vc *VirtualConnection) OnReceive(now time.Time) {
	vc.LastRecv = now
}

// HandleSeq records a newly received peer sequence number and classifies
// it: Latest/Fresh mean "accept and deliver", Duplicate/TooOld mean "drop
// the payload".
func (vc *VirtualConnection) HandleSeq(seq seqnum.Number) seqnum.Result {
	return vc.received.InsertClassified(seq)
}

// Received exposes the ack-set of peer sequences seen so far, embedded in
// outgoing KeepAlive/Payload frames as "what I've received from you".
func (vc *VirtualConnection) Received() seqnum.AckSet { return vc.received }

// HandleAck retires in-flight entries acknowledged by ack and ages out
// anything older than the loss cutoff, invoking notify once per outcome
// and updating the smoothed RTT/loss estimates.
func (vc *VirtualConnection) HandleAck(ack seqnum.AckSet, now time.Time, notify func(seq seqnum.Number, ev AckEvent)) {
	cutoff := ack.Latest() - LossCutoff
	for _, entry := range vc.sent.DrainOlderThan(cutoff) {
		if notify != nil {
			notify(entry.Seq, Lost)
		}
		vc.packetLoss = lerp(vc.packetLoss, 1.0, AlphaPL)
	}
	for _, seq := range ack.Iter() {
		info, ok := vc.sent.Remove(seq)
		if !ok {
			continue
		}
		if notify != nil {
			notify(seq, Acked)
		}
		vc.rtt = lerp(vc.rtt, now.Sub(info.SendTime).Seconds(), AlphaRTT)
		vc.packetLoss = lerp(vc.packetLoss, 0.0, AlphaPL)
	}
}

// NextSequenceNumber assigns and records the send time for a newly
// outgoing transport sequence.
func (vc *VirtualConnection) NextSequenceNumber(now time.Time) seqnum.Number {
	seq, _, _ := vc.sent.Insert(PacketInfo{SendTime: now})
	return seq
}

// PeekNextSequenceNumber reports which sequence the next
// NextSequenceNumber call will assign, without mutating the buffer. The
// reliable message channel uses this to learn which transport sequence
// its next composite payload will ride on.
func (vc *VirtualConnection) PeekNextSequenceNumber() seqnum.Number {
	return vc.sent.PeekNext()
}

// InFlightCount reports how many sent sequences are still awaiting an ack
// or loss cutoff decision, for metrics and diagnostics.
func (vc *VirtualConnection) InFlightCount() int {
	return len(vc.sent.All())
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// PacketSocket owns the MTU-sized scratch buffer and salt used to frame
// and send/receive wireproto packets over a Transport, shared across every
// VirtualConnection an endpoint manages.
type PacketSocket struct {
	t     transport.Transport
	salt  []byte
	frame []byte
}

// NewPacketSocket wraps t, salting every frame with identifier's bytes.
func NewPacketSocket(t transport.Transport, identifier string) *PacketSocket {
	return &PacketSocket{
		t:     t,
		salt:  []byte(identifier),
		frame: make([]byte, wireproto.MaxPacketSize),
	}
}

func (s *PacketSocket) LocalAddr() net.Addr { return s.t.LocalAddr() }

// RecvFrom pulls one datagram and parses it, propagating would-block as
// transport.ErrWouldBlock so callers can treat it as "no event".
func (s *PacketSocket) RecvFrom(buf []byte) (wireproto.Packet, net.Addr, error) {
	n, addr, err := s.t.RecvFrom(buf)
	if err != nil {
		return wireproto.Packet{}, nil, err
	}
	pkt, err := wireproto.Decode(buf[:n], s.salt)
	return pkt, addr, err
}

// SendTo encodes and sends pkt to addr, asserting the full frame was
// written.
func (s *PacketSocket) SendTo(pkt wireproto.Packet, addr net.Addr) error {
	encoded, err := wireproto.Encode(s.frame, pkt, s.salt)
	if err != nil {
		return err
	}
	n, err := s.t.SendTo(encoded, addr)
	if err != nil {
		return err
	}
	if n != len(encoded) {
		return errShortWrite
	}
	return nil
}

// SendWith stamps conn.LastSend before sending pkt to conn's address.
func (s *PacketSocket) SendWith(pkt wireproto.Packet, conn *VirtualConnection, now time.Time) error {
	conn.LastSend = now
	return s.SendTo(pkt, conn.addr)
}

// SendPayload assigns conn's next transport sequence, bundles its current
// ack-set, frames the result as a Payload packet, and sends it.
func (s *PacketSocket) SendPayload(body []byte, conn *VirtualConnection, now time.Time) (seqnum.Number, error) {
	seq := conn.NextSequenceNumber(now)
	pkt := wireproto.Payload(seq, conn.received, body)
	if err := s.SendWith(pkt, conn, now); err != nil {
		return 0, err
	}
	return seq, nil
}

// SendKeepAlive sends a KeepAlive carrying conn's current ack-set.
func (s *PacketSocket) SendKeepAlive(conn *VirtualConnection, now time.Time) error {
	return s.SendWith(wireproto.KeepAlive(conn.received), conn, now)
}
