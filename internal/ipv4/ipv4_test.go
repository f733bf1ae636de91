package ipv4

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
		TotalLen: HeaderLen + 8,
		ID:       0x1234,
		DF:       true,
		TTL:      64,
		Proto:    ProtoUDP,
		Src:      [4]byte{192, 168, 1, 10},
		Dst:      [4]byte{192, 168, 1, 20},
	}
	buf := make([]byte, HeaderLen+8)
	h.Serialize(buf)

	parsed, hdrLen, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdrLen != HeaderLen {
		t.Fatalf("hdrLen = %d, want %d", hdrLen, HeaderLen)
	}
	if parsed.Src != h.Src || parsed.Dst != h.Dst || parsed.ID != h.ID || !parsed.DF || parsed.Proto != h.Proto {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, h)
	}
}

func TestParseHeaderRejectsBadChecksum(t *testing.T) {
	h := Header{TotalLen: HeaderLen, TTL: 64, Proto: ProtoUDP, Src: [4]byte{1, 2, 3, 4}, Dst: [4]byte{5, 6, 7, 8}}
	buf := make([]byte, HeaderLen)
	h.Serialize(buf)
	buf[11] ^= 0xff
	if _, _, err := ParseHeader(buf); err == nil {
		t.Fatalf("expected checksum rejection")
	}
}

type fakeEth struct {
	sent    []*netpkt.Buffer
	dstMACs [][6]byte
}

func (f *fakeEth) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	f.sent = append(f.sent, pkt)
	f.dstMACs = append(f.dstMACs, dstMAC)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSendLoopback(t *testing.T) {
	m := iface.New(testLogger())
	eth := &fakeEth{}
	s := New(m, eth)

	a, _ := m.FindV4ByIP([4]byte{127, 0, 0, 1})
	payload := []byte("hello")
	if err := s.Send(context.Background(), [4]byte{127, 0, 0, 1}, ProtoUDP, payload, SendOpts{BoundL3: a}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(eth.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(eth.sent))
	}
	if eth.dstMACs[0] != [6]byte{} {
		t.Fatalf("expected zero MAC for loopback, got %v", eth.dstMACs[0])
	}
	data := eth.sent[0].Data()
	if !bytes.Equal(data[HeaderLen:], payload) {
		t.Fatalf("payload mismatch: %v", data[HeaderLen:])
	}
}

func TestReceiveDispatchesUnicast(t *testing.T) {
	m := iface.New(testLogger())
	s := New(m, &fakeEth{})
	var got []byte
	s.Handlers.UDP = func(ifindex int, srcL3 *iface.L3V4, h Header, payload []byte) {
		got = append([]byte(nil), payload...)
	}

	h := Header{TotalLen: HeaderLen + 5, TTL: 64, Proto: ProtoUDP, Src: [4]byte{127, 0, 0, 1}, Dst: [4]byte{127, 0, 0, 1}}
	raw := make([]byte, HeaderLen+5)
	h.Serialize(raw)
	copy(raw[HeaderLen:], []byte("hello"))

	buf := netpkt.FromBytes(raw)
	s.Receive(1, [6]byte{}, buf)
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}
