// Package reliable layers in-order, exactly-once message delivery on top
// of the ack-driven payload stream: outgoing messages are retransmitted
// under fresh transport sequences until an ack covers one of their
// attempts, and incoming messages are buffered until delivered strictly
// in order.
package reliable

import (
	"github.com/pkg/errors"

	"github.com/sidit77/udp-connections/pkg/seqnum"
)

const (
	// outgoingCapacity bounds the retransmit window: how many unretired
	// messages may be queued at once.
	outgoingCapacity = 256
	incomingCapacity = 256
	// maxRecordsPerPacket caps how many messages a single composite
	// payload carries, oldest first.
	maxRecordsPerPacket = 5
	maxMessageLen       = 255
)

// ErrQueueFull means the outgoing retransmit window is at capacity; the
// caller should apply backpressure and retry later.
var ErrQueueFull = errors.New("reliable: outgoing queue full")

// ErrMessageTooLarge means payload exceeds what a single record can
// encode (one length byte).
var ErrMessageTooLarge = errors.New("reliable: message exceeds 255 bytes")

type outgoingMessage struct {
	payload  []byte
	attempts []seqnum.Number
}

// Channel is the per-peer reliable message layer. The zero value is not
// usable; construct with NewChannel.
type Channel struct {
	outgoing      *seqnum.SendBuffer[*outgoingMessage]
	outgoingCount int
	incoming      *seqnum.SendBuffer[[]byte]
	lastDelivered seqnum.Number
}

// NewChannel allocates a Channel with the default retransmit and
// reassembly window sizes.
func NewChannel() *Channel {
	return &Channel{
		outgoing: seqnum.NewSendBuffer[*outgoingMessage](outgoingCapacity),
		incoming: seqnum.NewSendBuffer[[]byte](incomingCapacity),
	}
}

// Queue enqueues payload for eventual delivery. It fails with
// ErrQueueFull while the retransmit window cannot take another message.
func (c *Channel) Queue(payload []byte) error {
	if len(payload) > maxMessageLen {
		return errors.Wrapf(ErrMessageTooLarge, "length %d", len(payload))
	}
	cp := append([]byte(nil), payload...)
	// TryInsert rejects when the next slot still holds a live message,
	// which covers both a full window and a stalled oldest entry more than
	// a window behind; displacing either would silently drop a message the
	// peer is still owed.
	if _, ok := c.outgoing.TryInsert(&outgoingMessage{payload: cp}); !ok {
		return ErrQueueFull
	}
	c.outgoingCount++
	return nil
}

// HasPending reports whether any queued message is still awaiting
// acknowledgement.
func (c *Channel) HasPending() bool {
	return c.outgoingCount > 0
}

// BuildPacket assembles a composite payload carrying up to
// maxRecordsPerPacket unretired messages, oldest first, and records
// transportSeq (the sequence the host's next send_payload call will
// assign) against each included message's attempt history. The caller is
// responsible for peeking that sequence number before building and then
// sending the result under exactly that sequence.
func (c *Channel) BuildPacket(transportSeq seqnum.Number) []byte {
	entries := c.outgoing.All()
	out := []byte{0}
	included := 0
	for _, entry := range entries {
		if included >= maxRecordsPerPacket {
			break
		}
		msg := entry.Value
		out = append(out, byte(entry.Seq>>8), byte(entry.Seq))
		out = append(out, byte(len(msg.payload)))
		out = append(out, msg.payload...)
		msg.attempts = append(msg.attempts, transportSeq)
		included++
	}
	out[0] = byte(included)
	return out
}

// OnAck retires every outgoing message whose attempt history contains
// transportSeq: all of its copies, including retransmissions under other
// transport sequences, are considered delivered once any one of them is
// acknowledged.
func (c *Channel) OnAck(transportSeq seqnum.Number) {
	for _, entry := range c.outgoing.All() {
		for _, a := range entry.Value.attempts {
			if a == transportSeq {
				c.outgoing.Remove(entry.Seq)
				c.outgoingCount--
				break
			}
		}
	}
}

// OnLoss is a documented no-op: a lost transport sequence has no direct
// effect on the channel. Still-live outgoing entries are naturally
// re-included the next time BuildPacket runs, under a fresh sequence.
func (c *Channel) OnLoss(seqnum.Number) {}

// OnReceive parses an inbound composite payload, buffering any message
// newer than the last delivered one that isn't already held.
func (c *Channel) OnReceive(body []byte) error {
	if len(body) == 0 {
		return errors.New("reliable: empty composite payload")
	}
	count := int(body[0])
	rest := body[1:]
	for i := 0; i < count; i++ {
		if len(rest) < 3 {
			return errors.New("reliable: truncated message record")
		}
		msgID := seqnum.Number(rest[0])<<8 | seqnum.Number(rest[1])
		size := int(rest[2])
		rest = rest[3:]
		if len(rest) < size {
			return errors.New("reliable: truncated message payload")
		}
		data := rest[:size]
		rest = rest[size:]

		if seqnum.GreaterThan(msgID, c.lastDelivered) && !c.incoming.Exists(msgID) {
			cp := append([]byte(nil), data...)
			c.incoming.Set(msgID, cp)
		}
	}
	return nil
}

// PollMessage returns the next strictly in-order message, if it has
// arrived, advancing the delivery cursor. Returns ok=false if
// last_delivered+1 hasn't been received yet.
func (c *Channel) PollMessage() ([]byte, bool) {
	next := c.lastDelivered + 1
	data, ok := c.incoming.Remove(next)
	if !ok {
		return nil, false
	}
	c.lastDelivered = next
	return data, true
}
