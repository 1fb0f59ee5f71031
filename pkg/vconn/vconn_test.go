package vconn

import (
	"testing"
	"time"

	"github.com/sidit77/udp-connections/pkg/seqnum"
)

type stubAddr string

func (s stubAddr) Network() string { return "stub" }
func (s stubAddr) String() string  { return string(s) }

func TestHandleAckPartitionsAckedAndLost(t *testing.T) {
	vc := New(stubAddr("peer"), 0, time.Unix(0, 0))

	const total = 100
	seqs := make([]seqnum.Number, total)
	for i := 0; i < total; i++ {
		seqs[i] = vc.NextSequenceNumber(time.Unix(0, 0))
	}

	acked := map[seqnum.Number]bool{}
	lost := map[seqnum.Number]bool{}
	notify := func(seq seqnum.Number, ev AckEvent) {
		switch ev {
		case Acked:
			acked[seq] = true
		case Lost:
			lost[seq] = true
		}
	}

	// A single ack covering the last 33 sends: the window acks the newest
	// entries and the loss cutoff drains the oldest, but entries between
	// the cutoff and the window stay in flight.
	var ack seqnum.AckSet
	for _, s := range seqs {
		ack.Insert(s)
	}
	vc.HandleAck(ack, time.Unix(0, 0).Add(10*time.Millisecond), notify)

	// A later keepalive ack whose window has moved past everything still
	// in flight pushes the stragglers over the cutoff as lost.
	var later seqnum.AckSet
	later.Insert(seqs[total-1] + LossCutoff + 1)
	vc.HandleAck(later, time.Unix(0, 0).Add(20*time.Millisecond), notify)

	for _, s := range seqs {
		if !acked[s] && !lost[s] {
			t.Fatalf("seq %d neither acked nor lost", s)
		}
		if acked[s] && lost[s] {
			t.Fatalf("seq %d both acked and lost", s)
		}
	}
}

func TestHandleSeqClassification(t *testing.T) {
	vc := New(stubAddr("peer"), 0, time.Unix(0, 0))

	if r := vc.HandleSeq(0); r != seqnum.Latest {
		t.Fatalf("first HandleSeq(0) = %v, want Latest", r)
	}
	if r := vc.HandleSeq(5); r != seqnum.Latest {
		t.Fatalf("HandleSeq(5) = %v, want Latest", r)
	}
	if r := vc.HandleSeq(3); r != seqnum.Fresh {
		t.Fatalf("HandleSeq(3) = %v, want Fresh", r)
	}
	if r := vc.HandleSeq(3); r != seqnum.Duplicate {
		t.Fatalf("HandleSeq(3) repeat = %v, want Duplicate", r)
	}
	if r := vc.HandleSeq(5); r != seqnum.Duplicate {
		t.Fatalf("HandleSeq(5) repeat = %v, want Duplicate", r)
	}
}

func TestRTTSmoothingTracksElapsed(t *testing.T) {
	vc := New(stubAddr("peer"), 0, time.Unix(0, 0))
	seq := vc.NextSequenceNumber(time.Unix(0, 0))

	var ack seqnum.AckSet
	ack.Insert(seq)
	vc.HandleAck(ack, time.Unix(0, 0).Add(100*time.Millisecond), nil)

	if vc.RTT() <= 0 {
		t.Fatalf("RTT() = %v, want > 0 after one ack", vc.RTT())
	}
	if got := vc.RTTMillis(); got == 0 {
		t.Fatalf("RTTMillis() = %d, want > 0", got)
	}
}
