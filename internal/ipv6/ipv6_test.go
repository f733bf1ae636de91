package ipv6

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/netpkt"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		PayloadLen: 8,
		NextHeader: NextUDP,
		HopLimit:   64,
		Src:        [16]byte{0x20, 0x01, 0x0d, 0xb8},
		Dst:        [16]byte{0x20, 0x01, 0x0d, 0xb9},
	}
	buf := make([]byte, HeaderLen)
	h.Serialize(buf)
	parsed, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if parsed.Src != h.Src || parsed.Dst != h.Dst || parsed.NextHeader != h.NextHeader {
		t.Fatalf("mismatch: %+v vs %+v", parsed, h)
	}
}

func TestPMTUCacheUpdateAndGet(t *testing.T) {
	c := NewPMTUCache()
	dst := [16]byte{1}
	if got := c.Get(dst); got != 0 {
		t.Fatalf("expected empty cache, got %d", got)
	}
	c.Update(dst, 1280)
	if got := c.Get(dst); got != 1280 {
		t.Fatalf("got %d, want 1280", got)
	}
}

func TestReassemblerTwoFragments(t *testing.T) {
	r := NewReassembler()
	src := [16]byte{1}
	dst := [16]byte{2}
	payload := bytes.Repeat([]byte{0xAB}, 2000)

	complete, _, _ := r.Add(1, 42, src, dst, NextUDP, 0, true, payload[:1232])
	if complete {
		t.Fatalf("expected incomplete after first fragment")
	}
	complete, out, inner := r.Add(1, 42, src, dst, NextUDP, 1232, false, payload[1232:])
	if !complete {
		t.Fatalf("expected complete after second fragment")
	}
	if inner != NextUDP {
		t.Fatalf("inner = %d, want %d", inner, NextUDP)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload mismatch, len=%d want=%d", len(out), len(payload))
	}
}

func TestReassemblerRejectsOverlap(t *testing.T) {
	r := NewReassembler()
	src, dst := [16]byte{1}, [16]byte{2}
	r.Add(1, 1, src, dst, NextUDP, 0, true, bytes.Repeat([]byte{1}, 16))
	complete, out, _ := r.Add(1, 1, src, dst, NextUDP, 8, false, bytes.Repeat([]byte{2}, 16))
	if complete || out != nil {
		t.Fatalf("expected overlap to invalidate the slot")
	}
}

type fakeEth struct {
	frames [][]byte
}

func (f *fakeEth) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	f.frames = append(f.frames, append([]byte(nil), pkt.Data()...))
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSendFragmentsLargePayload(t *testing.T) {
	m := iface.New(testLogger())
	eth := &fakeEth{}
	s := New(m, eth)

	a, _ := m.FindV6ByIP([16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	a.MTU = 1280
	dst := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

	payload := bytes.Repeat([]byte{0x42}, 3000)
	if err := s.Send(context.Background(), dst, NextUDP, payload, SendOpts{BoundL3: a}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(eth.frames) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(eth.frames))
	}
	for i, f := range eth.frames[:len(eth.frames)-1] {
		fragPayloadLen := len(f) - HeaderLen - 8
		if fragPayloadLen%8 != 0 {
			t.Fatalf("fragment %d non-terminal payload %d not 8-aligned", i, fragPayloadLen)
		}
	}
}
