// Package ipv4 implements the IPv4 datapath: header parse/serialize,
// routing, next-hop resolution, and dispatch to the upper-layer protocols.
package ipv4

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/netkern/netkern/internal/checksum"
	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/netpkt"
)

const (
	HeaderLen  = 20
	DefaultTTL = 64
	DefaultMTU = 1500

	ProtoICMP = 1
	ProtoIGMP = 2
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Header is a parsed IPv4 header (no options on emit, per ).
type Header struct {
	Version  uint8
	IHL      uint8
	DSCP     uint8
	TotalLen uint16
	ID       uint16
	DF       bool
	MF       bool
	FragOff  uint16
	TTL      uint8
	Proto    uint8
	Checksum uint16
	Src      [4]byte
	Dst      [4]byte
}

// ParseHeader validates and parses the fixed 20-byte IPv4 header (options,
// if IHL > 5, are skipped rather than interpreted).
func ParseHeader(b []byte) (Header, int, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, 0, fmt.Errorf("ipv4: short header (%d bytes)", len(b))
	}
	h.Version = b[0] >> 4
	h.IHL = b[0] & 0x0f
	if h.Version != 4 {
		return h, 0, fmt.Errorf("ipv4: bad version %d", h.Version)
	}
	if h.IHL < 5 {
		return h, 0, fmt.Errorf("ipv4: bad IHL %d", h.IHL)
	}
	hdrLen := int(h.IHL) * 4
	if len(b) < hdrLen {
		return h, 0, fmt.Errorf("ipv4: truncated header (IHL=%d, have %d)", h.IHL, len(b))
	}
	h.DSCP = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	if int(h.TotalLen) > len(b) {
		return h, 0, fmt.Errorf("ipv4: total_length %d exceeds buffer %d", h.TotalLen, len(b))
	}
	h.ID = binary.BigEndian.Uint16(b[4:6])
	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	h.DF = flagsFrag&0x4000 != 0
	h.MF = flagsFrag&0x2000 != 0
	h.FragOff = flagsFrag & 0x1fff
	h.TTL = b[8]
	h.Proto = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])

	if checksum.Checksum(b[:hdrLen]) != 0 {
		return h, 0, fmt.Errorf("ipv4: header checksum mismatch")
	}
	return h, hdrLen, nil
}

// Serialize writes a 20-byte IPv4 header (no options) into dst.
func (h Header) Serialize(dst []byte) {
	dst[0] = (4 << 4) | 5
	dst[1] = h.DSCP
	binary.BigEndian.PutUint16(dst[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(dst[4:6], h.ID)
	var flagsFrag uint16
	if h.DF {
		flagsFrag |= 0x4000
	}
	if h.MF {
		flagsFrag |= 0x2000
	}
	flagsFrag |= h.FragOff & 0x1fff
	binary.BigEndian.PutUint16(dst[6:8], flagsFrag)
	dst[8] = h.TTL
	dst[9] = h.Proto
	dst[10], dst[11] = 0, 0
	copy(dst[12:16], h.Src[:])
	copy(dst[16:20], h.Dst[:])
	sum := checksum.Checksum(dst[:HeaderLen])
	binary.BigEndian.PutUint16(dst[10:12], sum)
}

// SendOpts carries the optional per-send overrides lists.
type SendOpts struct {
	BoundL3  *iface.L3V4 // non-nil pins source + route
	TTL      uint8       // 0 means DefaultTTL
	DontFrag bool
}

// EthSender is the L2 transmit hook the stack hands packets to after the
// IPv4 header is prepended, keyed by destination MAC and ethertype.
type EthSender interface {
	SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error
}

// Stack wires the interface manager, ARP table access and Ethernet output
// together into the IPv4 send/receive datapath.
type Stack struct {
	Ifaces *iface.Manager
	Eth    EthSender
	nextID uint32

	Handlers ProtoDispatch
}

// ProtoDispatch routes a fully-validated, trimmed IPv4 payload to the
// matching upper-layer protocol. Any entry may be nil if that protocol is
// not wired up yet.
type ProtoDispatch struct {
	ICMP func(ifindex int, srcL3 *iface.L3V4, h Header, payload []byte)
	IGMP func(ifindex int, srcL3 *iface.L3V4, h Header, payload []byte)
	TCP  func(ifindex int, srcL3 *iface.L3V4, h Header, payload []byte)
	UDP  func(ifindex int, srcL3 *iface.L3V4, h Header, payload []byte)
}

func New(ifaces *iface.Manager, eth EthSender) *Stack {
	return &Stack{Ifaces: ifaces, Eth: eth}
}

func isBroadcast4(ip [4]byte) bool { return ip == [4]byte{255, 255, 255, 255} }

func isMulticast4(ip [4]byte) bool { return ip[0] >= 224 && ip[0] <= 239 }

// Send implements ipv4_send_packet: route, select source,
// resolve next-hop MAC, return an error without sending when the packet
// exceeds the MTU (IPv4 is never fragmented), prepend the header, and
// hand off to Ethernet.
func (s *Stack) Send(ctx context.Context, dst [4]byte, proto uint8, payload []byte, opts SendOpts) error {
	var src *iface.L3V4
	var ifindex int
	var gateway [4]byte

	if opts.BoundL3 != nil {
		src = opts.BoundL3
		ifindex, _, _ = src.Id.Unpack()
	} else if isBroadcast4(dst) {
		return fmt.Errorf("ipv4: limited broadcast requires a bound L3")
	} else {
		a, ok := s.Ifaces.ResolveIPv4ToInterface(dst)
		if !ok {
			return fmt.Errorf("ipv4: no route to %v", dst)
		}
		src = a
		ifindex, _, _ = a.Id.Unpack()
		if r, ok := a.LookupRoute(dst); ok {
			copy(gateway[:], r.Gateway.To4())
		} else if !isZero4(a.Gateway) {
			gateway = a.Gateway
		}
	}

	l2, err := s.Ifaces.L2At(ifindex)
	if err != nil {
		return err
	}

	var dstMAC [6]byte
	switch {
	case isBroadcast4(dst) || dst == src.Broadcast:
		dstMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	case isMulticast4(dst):
		dstMAC = [6]byte{0x01, 0x00, 0x5e, dst[1] & 0x7f, dst[2], dst[3]}
	case l2.Kind == iface.KindLocalhost:
		dstMAC = [6]byte{}
	default:
		nextHop := dst
		if !isZero4(gateway) {
			nextHop = gateway
		}
		if l2.ARP == nil {
			return fmt.Errorf("ipv4: L2 %d has no ARP table", ifindex)
		}
		var mac net.HardwareAddr
		if e, ok := l2.ARP.Lookup(nextHop); ok {
			mac = e.MAC
		} else {
			resolved, err := l2.ARP.Resolve(ctx, nextHop, time.Second)
			if err != nil {
				return fmt.Errorf("ipv4: arp resolve %v: %w", nextHop, err)
			}
			mac = resolved
		}
		copy(dstMAC[:], mac)
	}

	mtu := src.Opts.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	total := HeaderLen + len(payload)
	if total > mtu {
		return fmt.Errorf("ipv4: payload exceeds mtu %d, fragmentation not implemented", mtu)
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	buf := netpkt.Alloc(len(payload), HeaderLen+14, 0)
	copy(buf.Data(), payload)
	hdrSpace := buf.Push(HeaderLen)
	h := Header{
		TotalLen: uint16(total),
		ID:       uint16(atomic.AddUint32(&s.nextID, 1)),
		DF:       opts.DontFrag,
		TTL:      ttl,
		Proto:    proto,
		Src:      src.IP,
		Dst:      dst,
	}
	h.Serialize(hdrSpace)

	if s.Eth == nil {
		return fmt.Errorf("ipv4: no ethernet sender configured")
	}
	return s.Eth.SendEthernet(ifindex, dstMAC, 0x0800, buf)
}

// Receive implements ingress path: validate, learn the ARP
// entry, and dispatch to the matching upper-layer protocol.
func (s *Stack) Receive(ifindex int, srcMAC [6]byte, buf *netpkt.Buffer) {
	data := buf.Data()
	h, hdrLen, err := ParseHeader(data)
	if err != nil {
		return
	}
	buf.Trim(len(data) - int(h.TotalLen))
	payload := buf.Data()[hdrLen:]

	l2, err := s.Ifaces.L2At(ifindex)
	if err != nil {
		return
	}
	if l2.ARP != nil && !isZero4(h.Src) {
		l2.ARP.Learn(h.Src, net.HardwareAddr(srcMAC[:]), arpLearnedTTLMs)
	}

	dispatch := func(srcL3 *iface.L3V4) {
		switch h.Proto {
		case ProtoICMP:
			if s.Handlers.ICMP != nil {
				s.Handlers.ICMP(ifindex, srcL3, h, payload)
			}
		case ProtoIGMP:
			if s.Handlers.IGMP != nil {
				s.Handlers.IGMP(ifindex, srcL3, h, payload)
			}
		case ProtoTCP:
			if s.Handlers.TCP != nil {
				s.Handlers.TCP(ifindex, srcL3, h, payload)
			}
		case ProtoUDP:
			if s.Handlers.UDP != nil {
				s.Handlers.UDP(ifindex, srcL3, h, payload)
			}
		}
	}

	switch {
	case isBroadcast4(h.Dst):
		for _, a := range l2.V4 {
			if a != nil {
				dispatch(a)
			}
		}
	case isMulticast4(h.Dst):
		if s.Ifaces.HasJoinedV4(ifindex, h.Dst) {
			for _, a := range l2.V4 {
				if a != nil {
					dispatch(a)
				}
			}
		}
	default:
		for _, a := range l2.V4 {
			if a == nil {
				continue
			}
			if a.IP == h.Dst || a.Broadcast == h.Dst {
				dispatch(a)
				return
			}
		}
	}
}

func isZero4(b [4]byte) bool { return b == [4]byte{} }

// arpLearnedTTLMs mirrors arp.LearnedTTLMs (180s) for opportunistic
// learning on ingress.
const arpLearnedTTLMs = 180_000
