package icmpv4

import (
	"context"
	"testing"
	"time"

	"github.com/netkern/netkern/internal/ipv4"
)

type fakeSender struct {
	sent []sentMsg
}

type sentMsg struct {
	dst  [4]byte
	proto uint8
	payload []byte
}

func (f *fakeSender) Send(ctx context.Context, dst [4]byte, proto uint8, payload []byte, opts ipv4.SendOpts) error {
	f.sent = append(f.sent, sentMsg{dst, proto, append([]byte(nil), payload...)})
	return nil
}

func TestReceiveEchoRequestRepliesWithEchoReply(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs)
	msg := make([]byte, 8+4)
	msg[0] = TypeEchoRequest
	copy(msg[8:], []byte("ping"))
	binSum := checksumOf(msg)
	msg[2], msg[3] = byte(binSum>>8), byte(binSum)

	h.Receive(context.Background(), 1, nil, ipv4.Header{Src: [4]byte{10, 0, 0, 2}}, msg)

	if len(fs.sent) != 1 {
		t.Fatalf("expected 1 reply sent, got %d", len(fs.sent))
	}
	if fs.sent[0].payload[0] != TypeEchoReply {
		t.Fatalf("expected echo reply type, got %d", fs.sent[0].payload[0])
	}
}

func TestPingResolvesOnEchoReply(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs)

	done := make(chan struct{})
	var rtt int64
	var perr error
	go func() {
		rtt, perr = h.Ping(context.Background(), [4]byte{10, 0, 0, 2}, 0xABCD, 1, []byte("x"), 64, time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s := h.findSlot(0xABCD, 1)
	if s == nil {
		t.Fatalf("expected a tracked slot")
	}

	reply := make([]byte, 8+1)
	reply[0] = TypeEchoReply
	reply[4], reply[5] = 0xAB, 0xCD
	reply[7] = 1
	binSum := checksumOf(reply)
	reply[2], reply[3] = byte(binSum>>8), byte(binSum)
	h.Receive(context.Background(), 1, nil, ipv4.Header{}, reply)

	<-done
	if perr != nil {
		t.Fatalf("Ping: %v", perr)
	}
	if rtt < 0 {
		t.Fatalf("expected non-negative rtt, got %d", rtt)
	}
}

func TestPingTimesOutWithoutReply(t *testing.T) {
	fs := &fakeSender{}
	h := New(fs)
	_, err := h.Ping(context.Background(), [4]byte{10, 0, 0, 9}, 1, 1, nil, 64, 30*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func checksumOf(b []byte) uint16 {
	var acc uint32
	for i := 0; i+1 < len(b); i += 2 {
		acc += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		acc += uint32(b[len(b)-1]) << 8
	}
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return ^uint16(acc)
}
