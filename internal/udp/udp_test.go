package udp

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

type loopbackEth struct {
	v4 *ipv4.Stack
}

func (l *loopbackEth) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	l.v4.Receive(ifindex, [6]byte{}, pkt)
	return nil
}

func TestBindSendRecvLoopback(t *testing.T) {
	m := iface.New(testLogger())
	v4 := ipv4.New(m, nil)
	eth := &loopbackEth{v4: v4}
	v4.Eth = eth

	u := New(m, v4, nil)
	v4.Handlers.UDP = u.ReceiveV4

	sock := u.NewSocket(1, 16)
	if err := u.Bind(sock, BindSpec{Kind: SpecIP, IP: []byte{127, 0, 0, 1}, Ver: 4}, 5353); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	dst := Endpoint{IP: []byte{127, 0, 0, 1}, Ver: 4, Port: 5353}
	if err := u.SendTo(context.Background(), sock, dst, []byte("hello")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	data, src, ok := sock.RecvFrom()
	if !ok {
		t.Fatalf("expected a datagram")
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
	if src.Port != 5353 {
		t.Fatalf("src port = %d, want 5353", src.Port)
	}
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	m := iface.New(testLogger())
	v4 := ipv4.New(m, &loopbackEth{})
	u := New(m, v4, nil)

	sock1 := u.NewSocket(1, 16)
	if err := u.Bind(sock1, BindSpec{Kind: SpecIP, IP: []byte{127, 0, 0, 1}, Ver: 4}, 9999); err != nil {
		t.Fatalf("first bind: %v", err)
	}

	sock2 := u.NewSocket(2, 16)
	if err := u.Bind(sock2, BindSpec{Kind: SpecIP, IP: []byte{127, 0, 0, 1}, Ver: 4}, 9999); err == nil {
		t.Fatalf("expected duplicate bind to fail")
	}
}

func TestRecvFromDrainsOldestOnOverflow(t *testing.T) {
	m := iface.New(testLogger())
	v4 := ipv4.New(m, &loopbackEth{})
	u := New(m, v4, nil)
	sock := u.NewSocket(1, 2)
	h := sock.handler()
	h(1, 4, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}, []byte("a"), 1, 2)
	h(1, 4, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}, []byte("b"), 1, 2)
	h(1, 4, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}, []byte("c"), 1, 2)

	data, _, ok := sock.RecvFrom()
	if !ok || string(data) != "b" {
		t.Fatalf("expected oldest ('a') dropped, got %q ok=%v", data, ok)
	}
}
