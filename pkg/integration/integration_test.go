// Package integration exercises the client, server, and reliable message
// channel together end to end, the way the demo binaries in cmd/ drive
// them, instead of each package's unit-level fakes.
package integration

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sidit77/udp-connections/pkg/rclient"
	"github.com/sidit77/udp-connections/pkg/reliable"
	"github.com/sidit77/udp-connections/pkg/rserver"
	"github.com/sidit77/udp-connections/pkg/transport"
)

const identifier = "integration-test"

func linkedLossyPair(t *testing.T, dropProb float64) (*transport.Lossy, *transport.Lossy) {
	t.Helper()
	a := transport.NewMemory("client")
	b := transport.NewMemory("server")
	a.Link(b)
	b.Link(a)
	rng := rand.New(rand.NewSource(7))
	return transport.NewLossy(a, dropProb, rng), transport.NewLossy(b, dropProb, rng)
}

// TestReliableChannelSurvivesLossyHandshake drives a full handshake over a
// lossy transport, queues 100 messages on the client's reliable channel,
// and requires the server observe all of them, in order, exactly once.
func TestReliableChannelSurvivesLossyHandshake(t *testing.T) {
	ct, st := linkedLossyPair(t, 0.2)
	client := rclient.New(ct, identifier, nil)
	server := rserver.New(st, identifier, 4, nil)

	now := time.Now()
	require.NoError(t, client.Connect(server.LocalAddr(), now))

	outgoing := reliable.NewChannel()
	incoming := reliable.NewChannel()
	const total = 100
	for i := 1; i <= total; i++ {
		require.NoError(t, outgoing.Queue([]byte{byte(i)}))
	}

	buf := make([]byte, 2048)
	var received []byte
	// Acks only flow back on the server's keepalives, so retiring all 100
	// messages takes a few dozen keepalive intervals of simulated time.
	for round := 0; round < 60000 && len(received) < total; round++ {
		now = now.Add(time.Millisecond)
		require.NoError(t, client.Update(now))
		require.NoError(t, server.Update(now))

		if client.IsConnected() && outgoing.HasPending() {
			seq, err := client.PeekNextSequenceNumber()
			require.NoError(t, err)
			packet := outgoing.BuildPacket(seq)
			_, err = client.Send(packet, now)
			require.NoError(t, err)
		}

		for {
			evt, err := server.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
			if evt.Kind == rserver.EventPacketReceived {
				require.NoError(t, incoming.OnReceive(evt.Data))
				for {
					msg, ok := incoming.PollMessage()
					if !ok {
						break
					}
					received = append(received, msg...)
				}
			}
		}
		for {
			evt, err := client.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
			switch evt.Kind {
			case rclient.EventPacketAcknowledged:
				outgoing.OnAck(evt.Seq)
			case rclient.EventPacketLost:
				outgoing.OnLoss(evt.Seq)
			}
		}
	}

	require.Len(t, received, total, "server must see exactly %d bytes", total)
	for i, v := range received {
		require.Equal(t, byte(i+1), v, "byte %d out of order or duplicated", i)
	}
}

// TestCapacityRejectionAndHandshake exercises a single-slot server: it
// admits its first client and denies the second.
func TestCapacityRejectionAndHandshake(t *testing.T) {
	serverMem := transport.NewMemory("server")
	client1Mem := transport.NewMemory("client1")
	client1Mem.Link(serverMem)
	serverMem.Link(client1Mem)

	server := rserver.New(serverMem, identifier, 1, nil)
	client1 := rclient.New(client1Mem, identifier, nil)

	now := time.Now()
	require.NoError(t, client1.Connect(server.LocalAddr(), now))

	buf := make([]byte, 2048)
	connected := false
	for i := 0; i < 50 && !connected; i++ {
		now = now.Add(10 * time.Millisecond)
		require.NoError(t, client1.Update(now))
		require.NoError(t, server.Update(now))
		for {
			evt, err := server.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
		}
		for {
			evt, err := client1.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
			if evt.Kind == rclient.EventConnected {
				connected = true
			}
		}
	}
	require.True(t, connected, "first client must connect")
	require.Equal(t, []uint16{0}, server.ConnectedClients())

	cm2 := transport.NewMemory("client2")
	cm2.Link(serverMem)
	serverMem.Link(cm2)
	client2 := rclient.New(cm2, identifier, nil)
	require.NoError(t, client2.Connect(server.LocalAddr(), now))

	var deniedReason *rclient.DisconnectReason
	for i := 0; i < 50 && deniedReason == nil; i++ {
		now = now.Add(10 * time.Millisecond)
		require.NoError(t, client2.Update(now))
		require.NoError(t, server.Update(now))
		for {
			evt, err := server.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
		}
		for {
			evt, err := client2.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
			if evt.Kind == rclient.EventDisconnected {
				deniedReason = &evt.Reason
			}
		}
	}
	require.NotNil(t, deniedReason, "second client must observe a Disconnected event")
	require.Equal(t, rclient.ConnectionDenied, deniedReason.Kind)
}

// TestMismatchedIdentifiersNeverHandshake pairs endpoints salted with
// different identifiers: every frame fails its checksum on arrival, the
// handshake never completes, and the client times out.
func TestMismatchedIdentifiersNeverHandshake(t *testing.T) {
	clientMem := transport.NewMemory("client")
	serverMem := transport.NewMemory("server")
	clientMem.Link(serverMem)
	serverMem.Link(clientMem)

	server := rserver.New(serverMem, "application-a", 4, nil)
	client := rclient.New(clientMem, "application-b", nil)

	now := time.Now()
	require.NoError(t, client.Connect(server.LocalAddr(), now))

	buf := make([]byte, 2048)
	var reason *rclient.DisconnectReason
	for round := 0; round < 600 && reason == nil; round++ {
		now = now.Add(10 * time.Millisecond)
		require.NoError(t, client.Update(now))
		require.NoError(t, server.Update(now))
		for {
			evt, err := server.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
			t.Fatalf("server accepted a frame from a foreign application: %+v", evt)
		}
		for {
			evt, err := client.NextEvent(now, buf)
			require.NoError(t, err)
			if evt == nil {
				break
			}
			if evt.Kind == rclient.EventDisconnected {
				reason = &evt.Reason
			}
		}
	}
	require.NotNil(t, reason, "client must give up on the handshake")
	require.Equal(t, rclient.TimedOut, reason.Kind)
}
