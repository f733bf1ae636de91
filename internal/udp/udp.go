// Package udp implements the UDP socket layer: bind expansion across L3
// addresses, the bounded per-socket RX ring, and sendto's destination
// fan-out rules.
package udp

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/netkern/netkern/internal/checksum"
	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/ipv6"
	"github.com/netkern/netkern/internal/portmgr"
)

const HeaderLen = 8

// BindSpecKind discriminates the bind target shapes lists.
type BindSpecKind int

const (
	SpecAny BindSpecKind = iota
	SpecL3
	SpecL2
	SpecIP
)

// BindSpec is the bind() target: spec ∈ {ANY, L3(id), L2(ifindex), IP(ip,ver)}.
type BindSpec struct {
	Kind    BindSpecKind
	L3ID    iface.L3Id
	Ifindex int
	IP      []byte
	Ver     int // 4 or 6, only meaningful for SpecIP
}

// Endpoint is an (ip, port) pair with an explicit IP version.
type Endpoint struct {
	IP  []byte // 4 or 16 bytes
	Ver int
	Port uint16
}

type rxEntry struct {
	data []byte
	src  Endpoint
}

// Socket is one bound or unbound UDP endpoint.
type Socket struct {
	mu       sync.Mutex
	pid      int
	port     uint16
	bound    bool
	l3s      []*iface.L3V4
	l3s6     []*iface.L3V6
	bufSize  int
	rx       []rxEntry
	closed   bool
}

// IPv4Sender/IPv6Sender are the egress hooks into the datapaths.
type IPv4Sender interface {
	Send(ctx context.Context, dst [4]byte, proto uint8, payload []byte, opts ipv4.SendOpts) error
}
type IPv6Sender interface {
	Send(ctx context.Context, dst [16]byte, nextHeader uint8, payload []byte, opts ipv6.SendOpts) error
}

// Stack owns every UDP socket and wires bind/sendto/recvfrom into the
// interface manager's port tables and the IPv4/IPv6 datapaths.
type Stack struct {
	Ifaces *iface.Manager
	V4     IPv4Sender
	V6     IPv6Sender

	mu      sync.Mutex
	sockets map[*Socket]struct{}
}

func New(ifaces *iface.Manager, v4 IPv4Sender, v6 IPv6Sender) *Stack {
	return &Stack{Ifaces: ifaces, V4: v4, V6: v6, sockets: make(map[*Socket]struct{})}
}

// NewSocket creates an unbound socket with the given RX ring capacity.
func (s *Stack) NewSocket(pid int, bufSize int) *Socket {
	if bufSize <= 0 {
		bufSize = 64
	}
	sock := &Socket{pid: pid, bufSize: bufSize}
	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	return sock
}

func (s *Socket) handler() portmgr.Handler {
	return func(ifindex int, ipVer int, srcIP, dstIP []byte, payload []byte, srcPort, dstPort uint16) int {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return 0
		}
		entry := rxEntry{data: append([]byte(nil), payload...), src: Endpoint{IP: append([]byte(nil), srcIP...), Ver: ipVer, Port: srcPort}}
		if len(s.rx) >= s.bufSize {
			s.rx = s.rx[1:]
		}
		s.rx = append(s.rx, entry)
		return len(payload)
	}
}

// Bind expands spec into the matching set of L3 addresses and registers a
// handler on each via the port manager, rolling back on any partial
// failure.
func (s *Stack) Bind(sock *Socket, spec BindSpec, port uint16) error {
	sock.mu.Lock()
	if sock.bound {
		sock.mu.Unlock()
		return fmt.Errorf("udp: socket already bound")
	}
	sock.mu.Unlock()

	var v4targets []*iface.L3V4
	var v6targets []*iface.L3V6

	collect := func(l2 *iface.L2) {
		for _, a := range l2.V4 {
			if a != nil {
				v4targets = append(v4targets, a)
			}
		}
		for _, a := range l2.V6 {
			if a != nil {
				v6targets = append(v6targets, a)
			}
		}
	}

	switch spec.Kind {
	case SpecAny:
		s.Ifaces.ForEachL2(collect)
	case SpecL2:
		l2, err := s.Ifaces.L2At(spec.Ifindex)
		if err != nil {
			return err
		}
		collect(l2)
	case SpecL3:
		ifindex, _, isV6 := spec.L3ID.Unpack()
		if isV6 {
			a, err := s.Ifaces.FindV6ByID(spec.L3ID)
			if err != nil {
				return err
			}
			v6targets = append(v6targets, a)
		} else {
			a, err := s.Ifaces.FindV4ByID(spec.L3ID)
			if err != nil {
				return err
			}
			v4targets = append(v4targets, a)
		}
		_ = ifindex
	case SpecIP:
		if spec.Ver == 6 {
			var ip [16]byte
			copy(ip[:], spec.IP)
			a, ok := s.Ifaces.FindV6ByIP(ip)
			if !ok {
				return fmt.Errorf("udp: no L3 for %v", spec.IP)
			}
			v6targets = append(v6targets, a)
		} else {
			var ip [4]byte
			copy(ip[:], spec.IP)
			a, ok := s.Ifaces.FindV4ByIP(ip)
			if !ok {
				return fmt.Errorf("udp: no L3 for %v", spec.IP)
			}
			v4targets = append(v4targets, a)
		}
	}

	h := sock.handler()
	var boundV4 []*iface.L3V4
	var boundV6 []*iface.L3V6
	rollback := func() {
		for _, a := range boundV4 {
			a.Ports.Unbind(portmgr.UDP, port, sock.pid)
		}
		for _, a := range boundV6 {
			a.Ports.Unbind(portmgr.UDP, port, sock.pid)
		}
	}

	actualPort := port
	for _, a := range v4targets {
		if port == 0 {
			p, err := a.Ports.AllocEphemeral(portmgr.UDP, sock.pid, h)
			if err != nil {
				rollback()
				return err
			}
			actualPort = p
		} else if err := a.Ports.BindManual(portmgr.UDP, port, sock.pid, h); err != nil {
			rollback()
			return err
		}
		boundV4 = append(boundV4, a)
	}
	for _, a := range v6targets {
		bindPort := actualPort
		if port == 0 && len(boundV4) == 0 {
			p, err := a.Ports.AllocEphemeral(portmgr.UDP, sock.pid, h)
			if err != nil {
				rollback()
				return err
			}
			actualPort = p
			bindPort = p
		} else if err := a.Ports.BindManual(portmgr.UDP, bindPort, sock.pid, h); err != nil {
			rollback()
			return err
		}
		boundV6 = append(boundV6, a)
	}

	sock.mu.Lock()
	sock.bound = true
	sock.port = actualPort
	sock.l3s = boundV4
	sock.l3s6 = boundV6
	sock.mu.Unlock()
	return nil
}

// ensureEphemeral binds an unbound socket to an ephemeral port on every L3
// address (SpecAny); a bound socket is left as it is.
func (s *Socket) ensureEphemeral(st *Stack) error {
	if s.bound {
		return nil
	}
	return st.Bind(s, BindSpec{Kind: SpecAny}, 0)
}

func isBroadcast4(ip [4]byte) bool { return ip == [4]byte{255, 255, 255, 255} }
func isMulticast4(ip [4]byte) bool { return ip[0] >= 224 && ip[0] <= 239 }
func isMulticast6(ip [16]byte) bool { return ip[0] == 0xff }

// SendTo sends buf to dst, applying the broadcast/multicast fan-out rules.
func (st *Stack) SendTo(ctx context.Context, sock *Socket, dst Endpoint, buf []byte) error {
	if err := sock.ensureEphemeral(st); err != nil {
		return err
	}
	sock.mu.Lock()
	srcPort := sock.port
	v4s := append([]*iface.L3V4(nil), sock.l3s...)
	v6s := append([]*iface.L3V6(nil), sock.l3s6...)
	sock.mu.Unlock()

	if dst.Ver == 6 {
		var dip [16]byte
		copy(dip[:], dst.IP)
		targets := v6s
		if !isMulticast6(dip) {
			if len(v6s) > 0 {
				targets = v6s[:1]
			}
		}
		for _, a := range targets {
			if isMulticast6(dip) {
				ifindex, _, _ := a.Id.Unpack()
				_ = st.Ifaces.JoinV6(ifindex, dip)
			}
			if err := st.sendV4V6(ctx, nil, a, dst, srcPort, buf); err != nil {
				return err
			}
		}
		return nil
	}

	var dip [4]byte
	copy(dip[:], dst.IP)
	switch {
	case isBroadcast4(dip):
		for _, a := range v4s {
			if err := st.sendV4V6(ctx, a, nil, dst, srcPort, buf); err != nil {
				return err
			}
		}
	case isMulticast4(dip):
		for _, a := range v4s {
			ifindex, _, _ := a.Id.Unpack()
			_ = st.Ifaces.JoinV4(ifindex, dip)
			if err := st.sendV4V6(ctx, a, nil, dst, srcPort, buf); err != nil {
				return err
			}
		}
	default:
		var chosen *iface.L3V4
		for _, a := range v4s {
			if a.Broadcast == dip {
				chosen = a
				break
			}
		}
		if chosen == nil {
			if len(v4s) > 0 {
				chosen = v4s[0]
			} else {
				a, ok := st.Ifaces.ResolveIPv4ToInterface(dip)
				if !ok {
					return fmt.Errorf("udp: no route to %v", dip)
				}
				chosen = a
			}
		}
		return st.sendV4V6(ctx, chosen, nil, dst, srcPort, buf)
	}
	return nil
}

func (st *Stack) sendV4V6(ctx context.Context, v4 *iface.L3V4, v6 *iface.L3V6, dst Endpoint, srcPort uint16, payload []byte) error {
	msg := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(msg[0:2], srcPort)
	binary.BigEndian.PutUint16(msg[2:4], dst.Port)
	binary.BigEndian.PutUint16(msg[4:6], uint16(len(msg)))
	copy(msg[8:], payload)

	if v6 != nil {
		var dip [16]byte
		copy(dip[:], dst.IP)
		return st.V6.Send(ctx, dip, ipv6.NextUDP, msg, ipv6.SendOpts{BoundL3: v6})
	}
	var dip [4]byte
	copy(dip[:], dst.IP)
	sum := checksum.TransportV4(v4.IP, dip, ipv4.ProtoUDP, msg)
	binary.BigEndian.PutUint16(msg[6:8], checksum.FinalizeUDP(uint32(sum)))
	return st.V4.Send(ctx, dip, ipv4.ProtoUDP, msg, ipv4.SendOpts{BoundL3: v4})
}

// RecvFrom non-blockingly dequeues one datagram.
func (s *Socket) RecvFrom() ([]byte, Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx) == 0 {
		return nil, Endpoint{}, false
	}
	e := s.rx[0]
	s.rx = s.rx[1:]
	return e.data, e.src, true
}

// ReceiveV4 parses the UDP header out of an IPv4 payload already routed to
// srcL3 by the IPv4 datapath and dispatches it to the bound handler, if any.
func (st *Stack) ReceiveV4(ifindex int, srcL3 *iface.L3V4, ipHdr ipv4.Header, payload []byte) {
	if len(payload) < HeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) > len(payload) {
		return
	}
	body := payload[:length]
	if chk := binary.BigEndian.Uint16(body[6:8]); chk != 0 {
		if checksum.TransportV4(ipHdr.Src, ipHdr.Dst, ipv4.ProtoUDP, body) != 0 {
			return
		}
	}
	h := srcL3.Ports.GetHandler(portmgr.UDP, dstPort)
	if h == nil {
		return
	}
	h(ifindex, 4, ipHdr.Src[:], ipHdr.Dst[:], body[HeaderLen:], srcPort, dstPort)
}

// ReceiveV6 is ReceiveV4's IPv6 counterpart.
func (st *Stack) ReceiveV6(ifindex int, srcL3 *iface.L3V6, ipHdr ipv6.Header, payload []byte) {
	if len(payload) < HeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) > len(payload) {
		return
	}
	body := payload[:length]
	if checksum.TransportV6(ipHdr.Src, ipHdr.Dst, ipv6.NextUDP, body) != 0 {
		return
	}
	h := srcL3.Ports.GetHandler(portmgr.UDP, dstPort)
	if h == nil {
		return
	}
	h(ifindex, 6, ipHdr.Src[:], ipHdr.Dst[:], body[HeaderLen:], srcPort, dstPort)
}

// Close unbinds every port this socket holds and drains the RX ring.
func (st *Stack) Close(sock *Socket) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	for _, a := range sock.l3s {
		a.Ports.Unbind(portmgr.UDP, sock.port, sock.pid)
	}
	for _, a := range sock.l3s6 {
		a.Ports.Unbind(portmgr.UDP, sock.port, sock.pid)
	}
	sock.rx = nil
	sock.closed = true
	st.mu.Lock()
	delete(st.sockets, sock)
	st.mu.Unlock()
}

// SocketCount reports the number of live UDP sockets, exported for
// internal/metrics.
func (st *Stack) SocketCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sockets)
}
