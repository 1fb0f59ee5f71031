// Command udpconnd runs the acceptor side of the session protocol: it
// binds a UDP socket, accepts and times out clients, exposes Prometheus
// metrics, and echoes every reliable message a client sends back to it.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sidit77/udp-connections/pkg/applog"
	"github.com/sidit77/udp-connections/pkg/netmetrics"
	"github.com/sidit77/udp-connections/pkg/reliable"
	"github.com/sidit77/udp-connections/pkg/rserver"
	"github.com/sidit77/udp-connections/pkg/transport"
)

const version = "1.0.0"

type serveOptions struct {
	host         string
	port         int
	maxClients   int
	identifier   string
	metricsAddr  string
	simulateLoss float64
}

func main() {
	opts := &serveOptions{}
	root := &cobra.Command{
		Use:     "udpconnd",
		Short:   "Acceptor endpoint for the reliable UDP session protocol",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.host, "host", "0.0.0.0", "bind address")
	flags.IntVar(&opts.port, "port", 7777, "bind port")
	flags.IntVar(&opts.maxClients, "max-clients", 64, "maximum concurrently connected peers")
	flags.StringVar(&opts.identifier, "identifier", "udp-connections-demo", "salt identifying this protocol/application version")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", ":9110", "address to serve Prometheus metrics on, empty to disable")
	flags.Float64Var(&opts.simulateLoss, "simulate-loss", 0, "artificially drop incoming datagrams with this probability, for testing")

	if err := root.Execute(); err != nil {
		applog.Default().Fatal("%v", err)
	}
}

func runServe(opts *serveOptions) error {
	runID := uuid.NewString()
	log := applog.Default().With(map[string]interface{}{"run_id": runID})
	log.Banner("udpconnd", version, runID)

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	udpTr, err := transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	var tr transport.Transport = udpTr
	if opts.simulateLoss > 0 {
		tr = transport.NewLossy(udpTr, opts.simulateLoss, nil)
		log.Warn("simulating %.1f%% inbound packet loss", opts.simulateLoss*100)
	}

	srv := rserver.New(tr, opts.identifier, opts.maxClients, log)

	var httpSrv *http.Server
	collector := netmetrics.NewCollector("udpconn", opts.maxClients, nil, prometheus.Labels{"run_id": runID})
	if opts.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped: %v", err)
			}
		}()
		log.Info("metrics listening on %s", opts.metricsAddr)
	}

	log.Success("listening on %s, capacity %d", srv.LocalAddr(), opts.maxClients)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go serverLoop(srv, collector, log, done)

	<-sigCh
	log.Info("shutting down")
	close(done)

	var result *multierror.Error
	if httpSrv != nil {
		if err := httpSrv.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing metrics server: %w", err))
		}
	}
	if err := udpTr.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing transport: %w", err))
	}
	return result.ErrorOrNil()
}

func serverLoop(srv *rserver.Server, collector *netmetrics.Collector, log *applog.Logger, done <-chan struct{}) {
	buf := make([]byte, 2048)
	channels := make(map[uint16]*reliable.Channel)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if err := srv.Update(now); err != nil {
				log.Error("Update: %v", err)
			}
			for {
				evt, err := srv.NextEvent(now, buf)
				if err != nil {
					log.Error("NextEvent: %v", err)
					break
				}
				if evt == nil {
					break
				}
				handleServerEvent(srv, collector, channels, evt, log)
			}
			flushEchoes(srv, channels, now, log)
		}
	}
}

func handleServerEvent(srv *rserver.Server, collector *netmetrics.Collector, channels map[uint16]*reliable.Channel, evt *rserver.Event, log *applog.Logger) {
	switch evt.Kind {
	case rserver.EventClientConnected:
		if vc, err := srv.Connection(evt.ID); err == nil {
			collector.Add(vc, nil)
		}
		channels[evt.ID] = reliable.NewChannel()
		log.Success("client %d connected", evt.ID)
	case rserver.EventClientDisconnected:
		collector.Remove(evt.ID)
		delete(channels, evt.ID)
		log.Warn("client %d disconnected: %s", evt.ID, evt.Reason)
	case rserver.EventPacketReceived:
		ch, ok := channels[evt.ID]
		if !ok {
			return
		}
		if err := ch.OnReceive(evt.Data); err != nil {
			log.Debug("client %d: malformed reliable payload: %v", evt.ID, err)
			return
		}
		for {
			msg, ok := ch.PollMessage()
			if !ok {
				break
			}
			log.Info("client %d: %s", evt.ID, msg)
			if err := ch.Queue(msg); err != nil {
				log.Warn("client %d: echo queue: %v", evt.ID, err)
			}
		}
	case rserver.EventPacketAcknowledged:
		if ch, ok := channels[evt.ID]; ok {
			ch.OnAck(evt.Seq)
		}
	case rserver.EventPacketLost:
		if ch, ok := channels[evt.ID]; ok {
			ch.OnLoss(evt.Seq)
		}
		log.Debug("client %d: packet %d presumed lost", evt.ID, evt.Seq)
	}
}

// flushEchoes piggybacks each peer's pending echo messages on the transport
// sequence its next Send call will assign.
func flushEchoes(srv *rserver.Server, channels map[uint16]*reliable.Channel, now time.Time, log *applog.Logger) {
	for id, ch := range channels {
		if !ch.HasPending() {
			continue
		}
		seq, err := srv.PeekNextSequenceNumber(id)
		if err != nil {
			continue
		}
		if _, err := srv.Send(id, ch.BuildPacket(seq), now); err != nil {
			log.Warn("client %d: send echo: %v", id, err)
		}
	}
}
