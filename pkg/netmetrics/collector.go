// Package netmetrics exposes a live roster of VirtualConnections as a
// Prometheus Collector: per-peer RTT, smoothed packet loss, in-flight
// packet count, plus the endpoint's overall roster occupancy.
package netmetrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sidit77/udp-connections/pkg/vconn"
)

// Peer is the minimal view of a VirtualConnection the collector needs;
// satisfied by *vconn.VirtualConnection.
type Peer interface {
	ID() uint16
	RTT() float64
	PacketLoss() float64
}

type peerEntry struct {
	peer   Peer
	labels []string
}

// Collector reports per-peer connection quality and overall roster
// occupancy on every Prometheus scrape. Safe for concurrent Add/Remove
// from the endpoint's update loop while Collect runs on a scrape goroutine.
type Collector struct {
	mu    sync.Mutex
	peers map[uint16]peerEntry

	capacity int

	rttDesc       *prometheus.Desc
	lossDesc      *prometheus.Desc
	inFlightDesc  *prometheus.Desc
	occupancyDesc *prometheus.Desc
}

// NewCollector builds a Collector whose per-peer metrics are labeled with
// "peer_id" followed by extraLabels (whatever the host wants to add), and
// constLabels constant across the whole process (e.g. "run_id"). capacity
// is the endpoint's roster size; it is stored, but the occupancy gauge
// reports the number of occupied slots, not a fraction of capacity.
func NewCollector(prefix string, capacity int, extraLabels []string, constLabels prometheus.Labels) *Collector {
	labels := append([]string{"peer_id"}, extraLabels...)
	return &Collector{
		peers:    make(map[uint16]peerEntry),
		capacity: capacity,
		rttDesc: prometheus.NewDesc(
			prefix+"_rtt_seconds", "Smoothed round-trip time estimate.", labels, constLabels),
		lossDesc: prometheus.NewDesc(
			prefix+"_packet_loss_ratio", "Smoothed packet loss fraction in [0,1].", labels, constLabels),
		inFlightDesc: prometheus.NewDesc(
			prefix+"_in_flight_packets", "Number of unacknowledged in-flight packets.", labels, constLabels),
		occupancyDesc: prometheus.NewDesc(
			prefix+"_roster_occupied", "Number of occupied roster slots.", nil, constLabels),
	}
}

// Add registers peer under labelValues (matched positionally to the
// extraLabels passed to NewCollector, after peer_id).
func (c *Collector) Add(peer Peer, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer.ID()] = peerEntry{peer: peer, labels: labelValues}
}

// Remove drops id from the collector, called when a slot disconnects.
func (c *Collector) Remove(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rttDesc
	descs <- c.lossDesc
	descs <- c.inFlightDesc
	descs <- c.occupancyDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.peers {
		labels := append([]string{idLabel(id)}, entry.labels...)
		metrics <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, entry.peer.RTT(), labels...)
		metrics <- prometheus.MustNewConstMetric(c.lossDesc, prometheus.GaugeValue, entry.peer.PacketLoss(), labels...)
		if vc, ok := entry.peer.(*vconn.VirtualConnection); ok {
			metrics <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(vc.InFlightCount()), labels...)
		}
	}
	metrics <- prometheus.MustNewConstMetric(c.occupancyDesc, prometheus.GaugeValue, float64(len(c.peers)))
}

func idLabel(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}
