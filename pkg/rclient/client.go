// Package rclient implements the initiator ("client") endpoint: a single
// connection state machine bound to one peer, driving handshake,
// keepalive/timeout liveness, and per-packet acknowledgement.
package rclient

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/sidit77/udp-connections/pkg/applog"
	"github.com/sidit77/udp-connections/pkg/seqnum"
	"github.com/sidit77/udp-connections/pkg/transport"
	"github.com/sidit77/udp-connections/pkg/vconn"
	"github.com/sidit77/udp-connections/pkg/wireproto"
)

// Timing constants. KeepAliveInterval is kept strictly below half of
// ConnectionTimeout so one lost keepalive is tolerated.
const (
	ConnectionTimeout = 5 * time.Second
	KeepAliveInterval = 750 * time.Millisecond
)

// DisconnectKind distinguishes why a client observed Disconnected.
type DisconnectKind int

const (
	Disconnected DisconnectKind = iota
	TimedOut
	ConnectionDenied
	SocketError
)

func (k DisconnectKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case TimedOut:
		return "timed_out"
	case ConnectionDenied:
		return "connection_denied"
	case SocketError:
		return "socket_error"
	default:
		return "unknown"
	}
}

// DisconnectReason carries the kind plus, for SocketError, the underlying
// transport error.
type DisconnectReason struct {
	Kind DisconnectKind
	Err  error
}

func (r DisconnectReason) String() string {
	if r.Kind == SocketError && r.Err != nil {
		return "socket_error: " + r.Err.Error()
	}
	return r.Kind.String()
}

// EventKind tags which field of Event is populated.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventPacketReceived
	EventPacketAcknowledged
	EventPacketLost
)

// Event is the single-variant-at-a-time value returned by NextEvent.
type Event struct {
	Kind EventKind

	ConnID   uint16            // EventConnected
	Reason   DisconnectReason  // EventDisconnected
	IsLatest bool              // EventPacketReceived
	Data     []byte            // EventPacketReceived, borrows the caller's buffer
	Seq      seqnum.Number     // EventPacketAcknowledged, EventPacketLost
}

var (
	// ErrNotConnected is returned by Send/NextSequenceNumber/Connection
	// when the client isn't in the Connected state.
	ErrNotConnected = errors.New("rclient: not connected")
	// ErrAlreadyConnecting is returned by Connect when the client isn't Disconnected.
	ErrAlreadyConnecting = errors.New("rclient: already connecting or connected")
)

type stateKind int

const (
	stateDisconnected stateKind = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

type state struct {
	kind      stateKind
	addr      net.Addr
	startedAt time.Time
	vc        *vconn.VirtualConnection
	reason    DisconnectReason
}

type ackNote struct {
	seq seqnum.Number
	ev  vconn.AckEvent
}

// Client is the initiator endpoint: bound to zero or one peer at a time.
type Client struct {
	socket *vconn.PacketSocket
	state  state
	acks   []ackNote
	log    *applog.Logger
}

// New wraps t, salting frames with identifier, logging through log (which
// may be nil to silence output entirely).
func New(t transport.Transport, identifier string, log *applog.Logger) *Client {
	return &Client{
		socket: vconn.NewPacketSocket(t, identifier),
		state:  state{kind: stateDisconnected},
		log:    log,
	}
}

func (c *Client) LocalAddr() net.Addr { return c.socket.LocalAddr() }

// RemoteAddr returns the peer address if connecting or connected.
func (c *Client) RemoteAddr() (net.Addr, bool) {
	switch c.state.kind {
	case stateConnecting:
		return c.state.addr, true
	case stateConnected:
		return c.state.vc.Addr(), true
	default:
		return nil, false
	}
}

func (c *Client) IsConnected() bool { return c.state.kind == stateConnected }

// Connection returns the live VirtualConnection, or ErrNotConnected.
func (c *Client) Connection() (*vconn.VirtualConnection, error) {
	if c.state.kind != stateConnected {
		return nil, ErrNotConnected
	}
	return c.state.vc, nil
}

// Connect transitions Disconnected -> Connecting(addr, now).
func (c *Client) Connect(addr net.Addr, now time.Time) error {
	if c.state.kind != stateDisconnected {
		return ErrAlreadyConnecting
	}
	c.state = state{kind: stateConnecting, addr: addr, startedAt: now}
	if c.log != nil {
		c.log.Info("connecting to %s", addr)
	}
	return nil
}

// Disconnect sends Disconnect ten times, best-effort, and transitions to
// Disconnecting so the next NextEvent call reports Disconnected.
func (c *Client) Disconnect(now time.Time) error {
	if c.state.kind != stateConnected {
		return ErrNotConnected
	}
	vc := c.state.vc
	for i := 0; i < 10; i++ {
		if err := c.socket.SendWith(wireproto.Disconnect(), vc, now); err != nil {
			c.failSend(err)
			return nil
		}
	}
	c.state = state{kind: stateDisconnecting, reason: DisconnectReason{Kind: Disconnected}}
	return nil
}

func (c *Client) failSend(err error) {
	if c.log != nil {
		c.log.Warn("send failed: %v", err)
	}
	c.state = state{kind: stateDisconnecting, reason: DisconnectReason{Kind: SocketError, Err: err}}
}

// Update drives the time-based side of the state machine: resending the
// connection request while Connecting, and sending a keepalive once
// Connected and the keepalive interval has elapsed.
func (c *Client) Update(now time.Time) error {
	switch c.state.kind {
	case stateConnecting:
		if err := c.socket.SendTo(wireproto.ConnectionRequest(), c.state.addr); err != nil {
			c.failSend(err)
		}
	case stateConnected:
		if now.Sub(c.state.vc.LastSend) > KeepAliveInterval {
			if err := c.socket.SendKeepAlive(c.state.vc, now); err != nil {
				c.failSend(err)
			}
		}
	}
	return nil
}

// Send assigns a transport sequence for payload and sends it to the
// connected peer.
func (c *Client) Send(payload []byte, now time.Time) (seqnum.Number, error) {
	if c.state.kind != stateConnected {
		return 0, ErrNotConnected
	}
	return c.socket.SendPayload(payload, c.state.vc, now)
}

// NextSequenceNumber assigns (and consumes) the next outgoing transport
// sequence without sending anything, for hosts building their own
// composite payloads atop the ack stream.
func (c *Client) NextSequenceNumber(now time.Time) (seqnum.Number, error) {
	if c.state.kind != stateConnected {
		return 0, ErrNotConnected
	}
	return c.state.vc.NextSequenceNumber(now), nil
}

// PeekNextSequenceNumber reports which transport sequence the next Send
// call would assign, without consuming it. Hosts driving pkg/reliable
// manually peek this before calling Channel.BuildPacket, then pass the
// built payload to Send so it goes out under exactly that sequence.
func (c *Client) PeekNextSequenceNumber() (seqnum.Number, error) {
	if c.state.kind != stateConnected {
		return 0, ErrNotConnected
	}
	return c.state.vc.PeekNextSequenceNumber(), nil
}

// NextEvent drains at most one event, in priority order: queued ack/loss
// notifications, a pending Disconnecting transition, then one socket
// receive. On a packet that doesn't apply to the current state, it loops
// internally until an event surfaces or the socket would block.
func (c *Client) NextEvent(now time.Time, buf []byte) (*Event, error) {
	if len(c.acks) > 0 {
		note := c.acks[0]
		c.acks = c.acks[1:]
		kind := EventPacketAcknowledged
		if note.ev == vconn.Lost {
			kind = EventPacketLost
		}
		return &Event{Kind: kind, Seq: note.seq}, nil
	}

	switch c.state.kind {
	case stateConnecting:
		if now.Sub(c.state.startedAt) > ConnectionTimeout {
			c.state = state{kind: stateDisconnected}
			return &Event{Kind: EventDisconnected, Reason: DisconnectReason{Kind: TimedOut}}, nil
		}
	case stateConnected:
		if now.Sub(c.state.vc.LastRecv) > ConnectionTimeout {
			c.state = state{kind: stateDisconnected}
			return &Event{Kind: EventDisconnected, Reason: DisconnectReason{Kind: TimedOut}}, nil
		}
	case stateDisconnecting:
		reason := c.state.reason
		c.state = state{kind: stateDisconnected}
		return &Event{Kind: EventDisconnected, Reason: reason}, nil
	}

	for {
		pkt, src, err := c.socket.RecvFrom(buf)
		if err != nil {
			if err == transport.ErrWouldBlock {
				return nil, nil
			}
			if wireproto.IsParseError(err) {
				if c.log != nil {
					c.log.Debug("dropping unparseable datagram from %v: %v", src, err)
				}
				continue
			}
			return nil, err
		}
		if evt := c.dispatch(now, pkt, src, buf); evt != nil {
			return evt, nil
		}
	}
}

// dispatch applies one successfully parsed packet to the
// current state, returning an event if one resulted, or nil to keep
// draining the socket.
func (c *Client) dispatch(now time.Time, pkt wireproto.Packet, src net.Addr, buf []byte) *Event {
	switch c.state.kind {
	case stateConnecting:
		if src == nil || src.String() != c.state.addr.String() {
			return nil
		}
		switch pkt.Kind {
		case wireproto.KindConnectionAccepted:
			vc := vconn.New(src, pkt.ConnID, now)
			c.state = state{kind: stateConnected, vc: vc}
			if c.log != nil {
				c.log.Success("connected as %d", pkt.ConnID)
			}
			return &Event{Kind: EventConnected, ConnID: pkt.ConnID}
		case wireproto.KindConnectionDenied:
			c.state = state{kind: stateDisconnected}
			return &Event{Kind: EventDisconnected, Reason: DisconnectReason{Kind: ConnectionDenied}}
		default:
			return nil
		}
	case stateConnected:
		vc := c.state.vc
		if src == nil || src.String() != vc.Addr().String() {
			return nil
		}
		switch pkt.Kind {
		case wireproto.KindPayload:
			result := vc.HandleSeq(pkt.Seq)
			vc.OnReceive(now)
			vc.HandleAck(pkt.Ack, now, func(seq seqnum.Number, ev vconn.AckEvent) {
				c.acks = append(c.acks, ackNote{seq: seq, ev: ev})
			})
			if result == seqnum.Latest || result == seqnum.Fresh {
				n := copy(buf, pkt.Body)
				return &Event{Kind: EventPacketReceived, IsLatest: result == seqnum.Latest, Data: buf[:n]}
			}
			return nil
		case wireproto.KindKeepAlive:
			vc.OnReceive(now)
			vc.HandleAck(pkt.Ack, now, func(seq seqnum.Number, ev vconn.AckEvent) {
				c.acks = append(c.acks, ackNote{seq: seq, ev: ev})
			})
			return nil
		case wireproto.KindDisconnect:
			c.state = state{kind: stateDisconnected}
			return &Event{Kind: EventDisconnected, Reason: DisconnectReason{Kind: Disconnected}}
		default:
			return nil
		}
	default:
		return nil
	}
}
