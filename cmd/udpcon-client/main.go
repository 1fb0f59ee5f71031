// Command udpcon-client is the initiator-side demo harness: it connects
// to a udpconnd instance, relays stdin lines as reliable messages over
// pkg/reliable, and prints whatever the server sends back.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sidit77/udp-connections/pkg/applog"
	"github.com/sidit77/udp-connections/pkg/rclient"
	"github.com/sidit77/udp-connections/pkg/reliable"
	"github.com/sidit77/udp-connections/pkg/transport"
)

const version = "1.0.0"

type connectOptions struct {
	server       string
	identifier   string
	simulateLoss float64
}

func main() {
	opts := &connectOptions{}
	root := &cobra.Command{
		Use:     "udpcon-client",
		Short:   "Initiator endpoint for the reliable UDP session protocol",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.server, "server", "127.0.0.1:7777", "server address to connect to")
	flags.StringVar(&opts.identifier, "identifier", "udp-connections-demo", "salt identifying this protocol/application version")
	flags.Float64Var(&opts.simulateLoss, "simulate-loss", 0, "artificially drop incoming datagrams with this probability, for testing")

	if err := root.Execute(); err != nil {
		applog.Default().Fatal("%v", err)
	}
}

func runConnect(opts *connectOptions) error {
	runID := uuid.NewString()
	log := applog.Default().With(map[string]interface{}{"run_id": runID})
	log.Banner("udpcon-client", version, runID)

	serverAddr, err := net.ResolveUDPAddr("udp", opts.server)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}

	udpTr, err := transport.Listen(":0")
	if err != nil {
		return fmt.Errorf("bind local socket: %w", err)
	}
	defer udpTr.Close()

	var tr transport.Transport = udpTr
	if opts.simulateLoss > 0 {
		tr = transport.NewLossy(udpTr, opts.simulateLoss, nil)
		log.Warn("simulating %.1f%% inbound packet loss", opts.simulateLoss*100)
	}

	client := rclient.New(tr, opts.identifier, log)
	now := time.Now()
	if err := client.Connect(serverAddr, now); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	channel := reliable.NewChannel()
	lines := make(chan string, 16)
	go readStdinLines(lines)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	buf := make([]byte, 2048)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			if client.IsConnected() {
				_ = client.Disconnect(time.Now())
			}
			return nil
		case line := <-lines:
			if err := channel.Queue([]byte(line)); err != nil {
				log.Warn("queue message: %v", err)
			}
		case now := <-ticker.C:
			if err := client.Update(now); err != nil {
				log.Error("Update: %v", err)
			}
			driveReliableChannel(client, channel, now, log)
			if !drainClientEvents(client, channel, buf, now, log) {
				return nil
			}
		}
	}
}

// driveReliableChannel piggybacks the message channel's composite payload
// on the transport sequence the client's next Send call would assign.
func driveReliableChannel(client *rclient.Client, channel *reliable.Channel, now time.Time, log *applog.Logger) {
	if !client.IsConnected() || !channel.HasPending() {
		return
	}
	seq, err := client.PeekNextSequenceNumber()
	if err != nil {
		return
	}
	packet := channel.BuildPacket(seq)
	if _, err := client.Send(packet, now); err != nil {
		log.Warn("send reliable packet: %v", err)
	}
}

func drainClientEvents(client *rclient.Client, channel *reliable.Channel, buf []byte, now time.Time, log *applog.Logger) bool {
	for {
		evt, err := client.NextEvent(now, buf)
		if err != nil {
			log.Error("NextEvent: %v", err)
			return true
		}
		if evt == nil {
			return true
		}
		switch evt.Kind {
		case rclient.EventConnected:
			log.Success("connected as %d", evt.ConnID)
		case rclient.EventDisconnected:
			log.Warn("disconnected: %s", evt.Reason)
			return false
		case rclient.EventPacketReceived:
			if err := channel.OnReceive(evt.Data); err != nil {
				log.Debug("malformed reliable payload: %v", err)
				continue
			}
			for {
				msg, ok := channel.PollMessage()
				if !ok {
					break
				}
				fmt.Printf("server: %s\n", msg)
			}
		case rclient.EventPacketAcknowledged:
			channel.OnAck(evt.Seq)
		case rclient.EventPacketLost:
			channel.OnLoss(evt.Seq)
		}
	}
}

func readStdinLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
