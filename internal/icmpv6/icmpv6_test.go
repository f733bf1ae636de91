package icmpv6

import (
	"context"
	"testing"
	"time"

	"github.com/netkern/netkern/internal/checksum"
	"github.com/netkern/netkern/internal/ipv6"
	"github.com/netkern/netkern/internal/ndp"
)

type fakeSender struct {
	sent []sentMsg
}

type sentMsg struct {
	dst     [16]byte
	payload []byte
}

func (f *fakeSender) Send(ctx context.Context, dst [16]byte, nextHeader uint8, payload []byte, opts ipv6.SendOpts) error {
	f.sent = append(f.sent, sentMsg{dst, append([]byte(nil), payload...)})
	return nil
}

func buildValidEcho(typ uint8, src, dst [16]byte, id, seq uint16, body []byte) []byte {
	msg := make([]byte, 8+len(body))
	msg[0] = typ
	msg[4] = byte(id >> 8)
	msg[5] = byte(id)
	msg[6] = byte(seq >> 8)
	msg[7] = byte(seq)
	copy(msg[8:], body)
	sum := checksum.TransportV6(src, dst, ipv6.NextICMPv6, msg)
	msg[2], msg[3] = byte(sum>>8), byte(sum)
	return msg
}

func TestReceiveEchoRequestReplies(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs, ipv6.NewPMTUCache())
	src := [16]byte{1}
	dst := [16]byte{2}
	msg := buildValidEcho(TypeEchoRequest, src, dst, 1, 1, []byte("ping"))

	h.Receive(context.Background(), 1, nil, ipv6.Header{Src: src, Dst: dst, HopLimit: 64}, msg)
	if len(fs.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(fs.sent))
	}
	if fs.sent[0].payload[0] != TypeEchoReply {
		t.Fatalf("expected echo reply type, got %d", fs.sent[0].payload[0])
	}
}

func TestReceiveRejectsBadChecksum(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs, ipv6.NewPMTUCache())
	msg := buildValidEcho(TypeEchoRequest, [16]byte{1}, [16]byte{2}, 1, 1, nil)
	msg[3] ^= 0xff
	h.Receive(context.Background(), 1, nil, ipv6.Header{Src: [16]byte{1}, Dst: [16]byte{2}, HopLimit: 64}, msg)
	if len(fs.sent) != 0 {
		t.Fatalf("expected bad checksum to be dropped")
	}
}

func TestReceiveRejectsNDPWithoutHopLimit255(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs, ipv6.NewPMTUCache())
	called := false
	h.NDP = fakeNDP{onRS: func(int, [16]byte) { called = true }}

	msg := make([]byte, 8)
	msg[0] = TypeRS
	sum := checksum.TransportV6([16]byte{1}, [16]byte{2}, ipv6.NextICMPv6, msg)
	msg[2], msg[3] = byte(sum>>8), byte(sum)

	h.Receive(context.Background(), 1, nil, ipv6.Header{Src: [16]byte{1}, Dst: [16]byte{2}, HopLimit: 64}, msg)
	if called {
		t.Fatalf("expected RS with hop_limit != 255 to be rejected")
	}

	h.Receive(context.Background(), 1, nil, ipv6.Header{Src: [16]byte{1}, Dst: [16]byte{2}, HopLimit: 255}, msg)
	if !called {
		t.Fatalf("expected RS with hop_limit == 255 to be accepted")
	}
}

type fakeNDP struct {
	onRS func(int, [16]byte)
}

func (f fakeNDP) OnNS(ifindex int, srcIP [16]byte, msg ndp.NSMessage) {}
func (f fakeNDP) OnNA(ifindex int, msg ndp.NAMessage)                 {}
func (f fakeNDP) OnRA(ifindex int, srcIP [16]byte, msg ndp.RAMessage) {}
func (f fakeNDP) OnRS(ifindex int, srcIP [16]byte) {
	if f.onRS != nil {
		f.onRS(ifindex, srcIP)
	}
}

func TestPingTimesOut(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs, ipv6.NewPMTUCache())
	_, err := h.Ping(context.Background(), [16]byte{9}, 1, 1, nil, 64, 30*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout")
	}
}
