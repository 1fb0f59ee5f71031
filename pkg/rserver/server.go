// Package rserver implements the acceptor ("server") endpoint: a fixed
// roster of peer slots, each running its own connection state machine,
// admitted and evicted as ConnectionRequest/Disconnect/timeout events
// dictate.
package rserver

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

// Timing constants mirror rclient's; both sides of the protocol must agree
// on keepalive/timeout cadence for a connection to stay live.
const (
	ConnectionTimeout = 5 * time.Second
	KeepAliveInterval = 750 * time.Millisecond
)

// DisconnectKind distinguishes why a slot observed ClientDisconnected.
type DisconnectKind int

const (
	Disconnected DisconnectKind = iota
	TimedOut
	SocketError
)

func (k DisconnectKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case TimedOut:
		return "timed_out"
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
	EventClientConnected EventKind = iota
	EventClientDisconnected
	EventPacketReceived
	EventPacketAcknowledged
	EventPacketLost
)

// Event is the single-variant-at-a-time value returned by NextEvent,
// always carrying the slot id it concerns.
type Event struct {
	Kind EventKind
	ID   uint16

	Reason   DisconnectReason // EventClientDisconnected
	IsLatest bool             // EventPacketReceived
	Data     []byte           // EventPacketReceived, borrows the caller's buffer
	Seq      seqnum.Number    // EventPacketAcknowledged, EventPacketLost
}

var (
	// ErrNotConnected is returned by Send/Disconnect/PeekNextSequenceNumber/Connection for an id not in Connected state.
	ErrNotConnected = errors.New("rserver: client not connected")
	// ErrUnknownSlot is returned for an id outside [0, max_clients).
	ErrUnknownSlot = errors.New("rserver: unknown slot id")
)

type slotKind int

const (
	slotDisconnected slotKind = iota
	slotConnected
	slotDisconnecting
)

type slot struct {
	kind   slotKind
	vc     *vconn.VirtualConnection
	reason DisconnectReason
}

type ackNote struct {
	id  uint16
	seq seqnum.Number
	ev  vconn.AckEvent
}

// Server is the acceptor endpoint: a fixed-capacity roster of peer slots,
// id being the slot index.
type Server struct {
	socket *vconn.PacketSocket
	slots  []slot
	acks   []ackNote
	log    *applog.Logger
}

// New constructs a Server with maxClients slots, all initially
// Disconnected.
func New(t transport.Transport, identifier string, maxClients int, log *applog.Logger) *Server {
	return &Server{
		socket: vconn.NewPacketSocket(t, identifier),
		slots:  make([]slot, maxClients),
		log:    log,
	}
}

func (s *Server) LocalAddr() net.Addr { return s.socket.LocalAddr() }

func (s *Server) validID(id uint16) bool {
	return int(id) < len(s.slots)
}

// Connection returns the VirtualConnection for a connected slot.
func (s *Server) Connection(id uint16) (*vconn.VirtualConnection, error) {
	if !s.validID(id) {
		return nil, ErrUnknownSlot
	}
	sl := &s.slots[id]
	if sl.kind != slotConnected {
		return nil, ErrNotConnected
	}
	return sl.vc, nil
}

// ConnectedClients returns the ids of every slot currently Connected.
func (s *Server) ConnectedClients() []uint16 {
	var out []uint16
	for i := range s.slots {
		if s.slots[i].kind == slotConnected {
			out = append(out, uint16(i))
		}
	}
	return out
}

func (s *Server) findByAddr(addr net.Addr) (uint16, bool) {
	for i := range s.slots {
		if s.slots[i].kind == slotConnected && s.slots[i].vc.Addr().String() == addr.String() {
			return uint16(i), true
		}
	}
	return 0, false
}

func (s *Server) createConnection(addr net.Addr, now time.Time) (uint16, bool) {
	for i := range s.slots {
		if s.slots[i].kind == slotDisconnected {
			id := uint16(i)
			s.slots[i] = slot{kind: slotConnected, vc: vconn.New(addr, id, now)}
			return id, true
		}
	}
	return 0, false
}

func (s *Server) failSend(id uint16, err error) {
	if s.log != nil {
		s.log.Warn("send to slot %d failed: %v", id, err)
	}
	s.slots[id] = slot{kind: slotDisconnecting, reason: DisconnectReason{Kind: SocketError, Err: err}}
}

// Update walks every connected slot, sending a keepalive if its keepalive
// interval has elapsed. Timeouts are not checked here; NextEvent detects
// and reports them.
func (s *Server) Update(now time.Time) error {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.kind != slotConnected {
			continue
		}
		if now.Sub(sl.vc.LastSend) > KeepAliveInterval {
			if err := s.socket.SendKeepAlive(sl.vc, now); err != nil {
				s.failSend(uint16(i), err)
			}
		}
	}
	return nil
}

// Send assigns a transport sequence for payload and sends it to id's peer.
func (s *Server) Send(id uint16, payload []byte, now time.Time) (seqnum.Number, error) {
	vc, err := s.Connection(id)
	if err != nil {
		return 0, err
	}
	return s.socket.SendPayload(payload, vc, now)
}

// PeekNextSequenceNumber reports the transport sequence id's next Send
// call would assign, without mutating state. Exposed for hosts building a
// composite reliable payload targeting one peer without going through a
// full message channel.
func (s *Server) PeekNextSequenceNumber(id uint16) (seqnum.Number, error) {
	vc, err := s.Connection(id)
	if err != nil {
		return 0, err
	}
	return vc.PeekNextSequenceNumber(), nil
}

// Broadcast sends payload to every currently connected client.
func (s *Server) Broadcast(payload []byte, now time.Time) error {
	for i := range s.slots {
		if s.slots[i].kind != slotConnected {
			continue
		}
		if _, err := s.socket.SendPayload(payload, s.slots[i].vc, now); err != nil {
			s.failSend(uint16(i), err)
		}
	}
	return nil
}

// Disconnect sends Disconnect ten times, best-effort, to id's peer and
// marks the slot Disconnecting.
func (s *Server) Disconnect(id uint16, now time.Time) error {
	vc, err := s.Connection(id)
	if err != nil {
		return err
	}
	for i := 0; i < 10; i++ {
		if err := s.socket.SendWith(wireproto.Disconnect(), vc, now); err != nil {
			s.failSend(id, err)
			return nil
		}
	}
	s.slots[id] = slot{kind: slotDisconnecting, reason: DisconnectReason{Kind: Disconnected}}
	return nil
}

// NextEvent drains at most one event, in priority order: queued ack/loss
// notifications, any slot pending Disconnecting or timed out, then one
// socket receive.
func (s *Server) NextEvent(now time.Time, buf []byte) (*Event, error) {
	if len(s.acks) > 0 {
		note := s.acks[0]
		s.acks = s.acks[1:]
		kind := EventPacketAcknowledged
		if note.ev == vconn.Lost {
			kind = EventPacketLost
		}
		return &Event{Kind: kind, ID: note.id, Seq: note.seq}, nil
	}

	for i := range s.slots {
		sl := &s.slots[i]
		switch {
		case sl.kind == slotDisconnecting:
			reason := sl.reason
			s.slots[i] = slot{kind: slotDisconnected}
			return &Event{Kind: EventClientDisconnected, ID: uint16(i), Reason: reason}, nil
		case sl.kind == slotConnected && now.Sub(sl.vc.LastRecv) > ConnectionTimeout:
			s.slots[i] = slot{kind: slotDisconnected}
			return &Event{Kind: EventClientDisconnected, ID: uint16(i), Reason: DisconnectReason{Kind: TimedOut}}, nil
		}
	}

	for {
		pkt, src, err := s.socket.RecvFrom(buf)
		if err != nil {
			if err == transport.ErrWouldBlock {
				return nil, nil
			}
			if wireproto.IsParseError(err) {
				if s.log != nil {
					s.log.Debug("dropping unparseable datagram from %v: %v", src, err)
				}
				continue
			}
			return nil, err
		}
		if evt := s.dispatch(now, pkt, src, buf); evt != nil {
			return evt, nil
		}
	}
}

func (s *Server) dispatch(now time.Time, pkt wireproto.Packet, src net.Addr, buf []byte) *Event {
	switch pkt.Kind {
	case wireproto.KindConnectionRequest:
		if id, ok := s.findByAddr(src); ok {
			s.slots[id].vc.OnReceive(now)
			if err := s.socket.SendWith(wireproto.ConnectionAccepted(id), s.slots[id].vc, now); err != nil {
				s.failSend(id, err)
			}
			return nil
		}
		id, ok := s.createConnection(src, now)
		if !ok {
			if err := s.socket.SendTo(wireproto.ConnectionDenied(), src); err != nil && s.log != nil {
				s.log.Warn("send ConnectionDenied failed: %v", err)
			}
			return nil
		}
		if err := s.socket.SendWith(wireproto.ConnectionAccepted(id), s.slots[id].vc, now); err != nil {
			s.failSend(id, err)
			return nil
		}
		if s.log != nil {
			s.log.Success("client %d connected from %v", id, src)
		}
		return &Event{Kind: EventClientConnected, ID: id}

	case wireproto.KindPayload:
		id, ok := s.findByAddr(src)
		if !ok {
			return nil
		}
		vc := s.slots[id].vc
		result := vc.HandleSeq(pkt.Seq)
		vc.OnReceive(now)
		vc.HandleAck(pkt.Ack, now, func(seq seqnum.Number, ev vconn.AckEvent) {
			s.acks = append(s.acks, ackNote{id: id, seq: seq, ev: ev})
		})
		if result != seqnum.Latest && result != seqnum.Fresh {
			return nil
		}
		n := copy(buf, pkt.Body)
		return &Event{Kind: EventPacketReceived, ID: id, IsLatest: result == seqnum.Latest, Data: buf[:n]}

	case wireproto.KindKeepAlive:
		id, ok := s.findByAddr(src)
		if !ok {
			return nil
		}
		vc := s.slots[id].vc
		vc.OnReceive(now)
		vc.HandleAck(pkt.Ack, now, func(seq seqnum.Number, ev vconn.AckEvent) {
			s.acks = append(s.acks, ackNote{id: id, seq: seq, ev: ev})
		})
		return nil

	case wireproto.KindDisconnect:
		id, ok := s.findByAddr(src)
		if !ok {
			return nil
		}
		s.slots[id] = slot{kind: slotDisconnected}
		return &Event{Kind: EventClientDisconnected, ID: id, Reason: DisconnectReason{Kind: Disconnected}}

	default:
		return nil
	}
}
