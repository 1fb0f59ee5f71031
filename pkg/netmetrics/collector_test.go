package netmetrics

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sidit77/udp-connections/pkg/vconn"
)

type fakeAddr string

func (f fakeAddr) Network() string { return "udp" }
func (f fakeAddr) String() string  { return string(f) }

func TestCollectorReportsOccupancyAndPeerGauges(t *testing.T) {
	c := NewCollector("udpconn", 4, []string{"remote"}, prometheus.Labels{"run_id": "test"})

	now := time.Now()
	var addr net.Addr = fakeAddr("127.0.0.1:9000")
	vc := vconn.New(addr, 1, now)
	c.Add(vc, []string{addr.String()})

	if count := testutil.CollectAndCount(c); count == 0 {
		t.Fatal("CollectAndCount returned 0, want at least one metric")
	}

	c.Remove(1)
	if count := testutil.CollectAndCount(c); count != 1 {
		// occupancy alone remains once the only peer is removed.
		t.Fatalf("CollectAndCount after Remove = %d, want 1", count)
	}
}
