package tcp

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/netpkt"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type loopbackEth struct{ v4 *ipv4.Stack }

func (l *loopbackEth) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	l.v4.Receive(ifindex, [6]byte{}, pkt)
	return nil
}

func TestSegmentRoundTrip(t *testing.T) {
	seg := Segment{SrcPort: 1234, DstPort: 80, Seq: 100, Ack: 200, Flags: flagSYN | flagACK, Window: 4096}
	opts := buildOptions(1460, 7, true, true, nil)
	buf := make([]byte, HeaderLen+len(opts))
	seg.Serialize(buf, opts)

	got, body, err := ParseSegment(buf)
	if err != nil {
		t.Fatalf("ParseSegment: %v", err)
	}
	if got.SrcPort != 1234 || got.DstPort != 80 || got.Seq != 100 || got.Ack != 200 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.MSS != 1460 || !got.WScaleOK || got.WScale != 7 || !got.SACKPermitted {
		t.Fatalf("options round trip mismatch: %+v", got)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(body))
	}
}

func TestSeqComparisons(t *testing.T) {
	if !seqLT(10, 20) || seqLT(20, 10) {
		t.Fatalf("seqLT broken")
	}
	// Wraparound: a sequence number just below 2^32 is "less than" a
	// small one when interpreted as a forward distance.
	if !seqLT(0xFFFFFFF0, 10) {
		t.Fatalf("seqLT should handle wraparound")
	}
}

func TestRTTEstimatorConverges(t *testing.T) {
	var r rttEstimator
	for i := 0; i < 20; i++ {
		r.sample(100)
	}
	if r.srtt < 90 || r.srtt > 110 {
		t.Fatalf("srtt did not converge near 100ms, got %d", r.srtt)
	}
	if rto := r.rto(); rto < MinRTO {
		t.Fatalf("rto below floor: %v", rto)
	}
}

func TestNewRenoSlowStartGrowsCwnd(t *testing.T) {
	f := newFlow(false)
	f.MSS = 1000
	f.SndUna = 0
	f.SndNxt = 1000
	f.txq = append(f.txq, &TxSegment{Seq: 0, Data: make([]byte, 1000), SentOnce: true, FirstSentMs: 0})

	before := f.cwnd
	f.onAck(1000, nil)
	if f.cwnd <= before {
		t.Fatalf("expected slow-start to grow cwnd, before=%d after=%d", before, f.cwnd)
	}
}

func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	f := newFlow(false)
	f.MSS = 1000
	f.SndUna = 1000
	f.SndNxt = 4000
	f.txq = []*TxSegment{
		{Seq: 1000, Data: make([]byte, 1000), SentOnce: true},
		{Seq: 2000, Data: make([]byte, 1000), SentOnce: true},
		{Seq: 3000, Data: make([]byte, 1000), SentOnce: true},
	}

	f.onAck(1000, nil)
	f.onAck(1000, nil)
	f.onAck(1000, nil)

	if !f.inRecovery {
		t.Fatalf("expected fast retransmit to enter recovery after 3 dup acks")
	}
}

func TestReassemblyDeliversInOrder(t *testing.T) {
	f := newFlow(false)
	f.RcvNxt = 100
	f.insertReassembly(105, []byte("world"))
	f.insertReassembly(100, []byte("hello"))

	out := f.drainReassembly()
	if string(out) != "helloworld" {
		t.Fatalf("got %q, want helloworld", out)
	}
	if f.RcvNxt != 110 {
		t.Fatalf("RcvNxt = %d, want 110", f.RcvNxt)
	}
}

func TestOnRTOHalvesSsthreshAndResetsCwnd(t *testing.T) {
	f := newFlow(false)
	f.MSS = 1000
	f.cwnd = 10000
	New(nil, nil, nil).onRTO(f)
	if f.ssthresh != 5000 {
		t.Fatalf("ssthresh = %d, want 5000", f.ssthresh)
	}
	if f.cwnd != 1000 {
		t.Fatalf("cwnd = %d, want 1000 (reset to 1 MSS)", f.cwnd)
	}
}

func TestThreeWayHandshakeLoopback(t *testing.T) {
	m := iface.New(testLogger())
	v4 := ipv4.New(m, nil)
	eth := &loopbackEth{v4: v4}
	v4.Eth = eth

	st := New(m, v4, nil)
	v4.Handlers.TCP = st.ReceiveV4

	lf, err := st.Listen(0, 80, 4)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	conn, err := st.Connect(context.Background(), 0, false, []byte{127, 0, 0, 1}, 80)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// The loopback delivers synchronously, so the whole handshake runs
	// inside Connect.
	if conn.State != Established {
		t.Fatalf("expected ESTABLISHED immediately after Connect, got %v", conn.State)
	}

	accepted, err := lf.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.State != Established {
		t.Fatalf("expected accepted flow ESTABLISHED, got %v", accepted.State)
	}
	if conn.State != Established {
		t.Fatalf("expected initiator ESTABLISHED, got %v", conn.State)
	}
}
