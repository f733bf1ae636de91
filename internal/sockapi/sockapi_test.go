package sockapi

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/netpkt"
	"github.com/netkern/netkern/internal/tcp"
	"github.com/netkern/netkern/internal/udp"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type loopbackEth struct {
	v4 *ipv4.Stack
}

func (l *loopbackEth) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	l.v4.Receive(ifindex, [6]byte{}, pkt)
	return nil
}

func newTestStacks() (*iface.Manager, *tcp.Stack, *udp.Stack) {
	m := iface.New(testLogger())
	v4 := ipv4.New(m, nil)
	v4.Eth = &loopbackEth{v4: v4}

	tst := tcp.New(m, v4, nil)
	v4.Handlers.TCP = tst.ReceiveV4

	ust := udp.New(m, v4, nil)
	v4.Handlers.UDP = ust.ReceiveV4

	return m, tst, ust
}

func TestUDPBindSendRecvThroughSockapi(t *testing.T) {
	m, tst, ust := newTestStacks()
	mgr := New(m, tst, ust, testLogger())

	sock, code := mgr.Create(1, ProtoUDP, Options{BufSize: 16})
	if code != OK {
		t.Fatalf("Create: %v", code)
	}
	if code := mgr.Bind(sock, BindSpec{Kind: SpecIP, IP: []byte{127, 0, 0, 1}, Ver: 4}, 5353); code != OK {
		t.Fatalf("Bind: %v", code)
	}

	dst := Endpoint{IP: []byte{127, 0, 0, 1}, Ver: 4, Port: 5353}
	n, code := mgr.SendTo(context.Background(), sock, dst, []byte("hello"))
	if code != OK || n != 5 {
		t.Fatalf("SendTo: n=%d code=%v", n, code)
	}

	buf := make([]byte, 64)
	n, src, code := mgr.RecvFrom(sock, buf)
	if code != OK {
		t.Fatalf("RecvFrom: %v", code)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
	if src.Port != 5353 {
		t.Fatalf("src port = %d, want 5353", src.Port)
	}

	if code := mgr.Close(sock); code != OK {
		t.Fatalf("Close: %v", code)
	}
}

func TestUDPRecvFromWithNoDataWouldBlock(t *testing.T) {
	m, tst, ust := newTestStacks()
	mgr := New(m, tst, ust, testLogger())
	sock, _ := mgr.Create(1, ProtoUDP, Options{})

	buf := make([]byte, 16)
	if _, _, code := mgr.RecvFrom(sock, buf); code != ErrWouldBlock {
		t.Fatalf("expected WOULDBLOCK, got %v", code)
	}
}

func TestTCPHandshakeAndDataThroughSockapi(t *testing.T) {
	m, tst, ust := newTestStacks()
	mgr := New(m, tst, ust, testLogger())

	server, _ := mgr.Create(1, ProtoTCP, Options{})
	if code := mgr.Bind(server, BindSpec{Kind: SpecAny}, 80); code != OK {
		t.Fatalf("Bind: %v", code)
	}
	if code := mgr.Listen(server, 4); code != OK {
		t.Fatalf("Listen: %v", code)
	}

	client, _ := mgr.Create(2, ProtoTCP, Options{})
	dst := Endpoint{IP: []byte{127, 0, 0, 1}, Ver: 4, Port: 80}
	if code := mgr.Connect(context.Background(), client, DstEndpoint, "", dst, 80); code != OK {
		t.Fatalf("Connect: %v", code)
	}

	accepted, code := mgr.Accept(context.Background(), server)
	if code != OK {
		t.Fatalf("Accept: %v", code)
	}

	n, code := mgr.Send(context.Background(), client, []byte("ping"))
	if code != OK || n != 4 {
		t.Fatalf("Send: n=%d code=%v", n, code)
	}

	buf := make([]byte, 2)
	n, code = mgr.Recv(accepted, buf)
	if code != OK || n != 2 {
		t.Fatalf("Recv (short buf): n=%d code=%v", n, code)
	}
	if string(buf) != "pi" {
		t.Fatalf("got %q, want \"pi\"", buf)
	}

	n, code = mgr.Recv(accepted, buf)
	if code != OK || n != 2 || string(buf) != "ng" {
		t.Fatalf("Recv (residual): n=%d code=%v buf=%q", n, code, buf)
	}

	if code := mgr.Close(client); code != OK {
		t.Fatalf("Close client: %v", code)
	}
	if code := mgr.Close(server); code != OK {
		t.Fatalf("Close server: %v", code)
	}
}

func TestConnectDomainReturnsDNSError(t *testing.T) {
	m, tst, ust := newTestStacks()
	mgr := New(m, tst, ust, testLogger())
	sock, _ := mgr.Create(1, ProtoTCP, Options{})

	if code := mgr.Connect(context.Background(), sock, DstDomain, "example.invalid", Endpoint{}, 80); code != ErrDNS {
		t.Fatalf("expected ErrDNS, got %v", code)
	}
}
