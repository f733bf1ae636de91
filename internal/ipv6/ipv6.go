// Package ipv6 implements the IPv6 datapath: fixed header parse/build,
// extension header walk, fragmentation/reassembly, PMTU cache, and
// dispatch to the upper-layer protocols.
package ipv6

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netkern/netkern/internal/checksum"
	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/netpkt"
	"github.com/netkern/netkern/internal/sched"
)

const (
	HeaderLen  = 40
	MinMTU     = 1280
	DefaultHop = 64

	NextICMPv6   = 58
	NextTCP      = 6
	NextUDP      = 17
	NextHopByHop = 0
	NextRouting  = 43
	NextFragment = 44
	NextDestOpts = 60
	NextAuth     = 51
)

// Header is a parsed fixed IPv6 header.
type Header struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src, Dst     [16]byte
}

// ParseHeader parses the fixed 40-byte IPv6 header.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("ipv6: short header (%d bytes)", len(b))
	}
	verTCFL := binary.BigEndian.Uint32(b[0:4])
	version := verTCFL >> 28
	if version != 6 {
		return h, fmt.Errorf("ipv6: bad version %d", version)
	}
	h.TrafficClass = uint8((verTCFL >> 20) & 0xff)
	h.FlowLabel = verTCFL & 0xfffff
	h.PayloadLen = binary.BigEndian.Uint16(b[4:6])
	h.NextHeader = b[6]
	h.HopLimit = b[7]
	copy(h.Src[:], b[8:24])
	copy(h.Dst[:], b[24:40])
	if int(h.PayloadLen)+HeaderLen > len(b) {
		return h, fmt.Errorf("ipv6: payload_length %d exceeds buffer", h.PayloadLen)
	}
	return h, nil
}

// Serialize writes the fixed 40-byte header into dst.
func (h Header) Serialize(dst []byte) {
	verTCFL := uint32(6)<<28 | uint32(h.TrafficClass)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(dst[0:4], verTCFL)
	binary.BigEndian.PutUint16(dst[4:6], h.PayloadLen)
	dst[6] = h.NextHeader
	dst[7] = h.HopLimit
	copy(dst[8:24], h.Src[:])
	copy(dst[24:40], h.Dst[:])
}

// writeUpperChecksum fills in the upper-layer checksum field in place,
// using the IPv6 pseudo-header with the now-resolved src address — the
// transport/ICMP layers hand Send a payload with that field zeroed.
func writeUpperChecksum(nextHeader uint8, src, dst [16]byte, payload []byte) {
	var offset int
	switch nextHeader {
	case NextICMPv6:
		offset = 2
	case NextUDP:
		offset = 6
	case NextTCP:
		offset = 16
	default:
		return
	}
	if len(payload) < offset+2 {
		return
	}
	payload[offset], payload[offset+1] = 0, 0
	sum := checksum.TransportV6(src, dst, nextHeader, payload)
	binary.BigEndian.PutUint16(payload[offset:offset+2], sum)
}

func isMulticast6(ip [16]byte) bool { return ip[0] == 0xff }
func isLinkLocal6(ip [16]byte) bool { return ip[0] == 0xfe && ip[1]&0xc0 == 0x80 }

// pmtuEntry is one PMTU cache row, LRU-ordered via lastUseMs.
type pmtuEntry struct {
	dst      [16]byte
	mtu      int
	lastUseMs int64
}

// PMTUCache is a 16-entry LRU cache of per-destination path MTU, updated by
// incoming Packet-Too-Big messages.
type PMTUCache struct {
	mu      sync.Mutex
	entries []pmtuEntry
}

const pmtuCapacity = 16
const pmtuAgeMs = 10 * 60 * 1000

func NewPMTUCache() *PMTUCache { return &PMTUCache{} }

// Get returns the cached PMTU for dst, or 0 if absent/expired.
func (c *PMTUCache) Get(dst [16]byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := sched.Now()
	for i, e := range c.entries {
		if e.dst == dst {
			if now-e.lastUseMs > pmtuAgeMs {
				c.entries = append(c.entries[:i], c.entries[i+1:]...)
				return 0
			}
			c.entries[i].lastUseMs = now
			return e.mtu
		}
	}
	return 0
}

// Update records a Packet-Too-Big-reported MTU for dst, evicting the least
// recently used entry if the cache is full.
func (c *PMTUCache) Update(dst [16]byte, mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := sched.Now()
	for i, e := range c.entries {
		if e.dst == dst {
			c.entries[i].mtu = mtu
			c.entries[i].lastUseMs = now
			return
		}
	}
	if len(c.entries) >= pmtuCapacity {
		oldest := 0
		for i, e := range c.entries {
			if e.lastUseMs < c.entries[oldest].lastUseMs {
				oldest = i
				_ = e
			}
		}
		c.entries = append(c.entries[:oldest], c.entries[oldest+1:]...)
	}
	c.entries = append(c.entries, pmtuEntry{dst: dst, mtu: mtu, lastUseMs: now})
}

// EthSender is the L2 transmit hook.
type EthSender interface {
	SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error
}

// SendOpts carries per-send overrides.
type SendOpts struct {
	BoundL3  *iface.L3V6
	HopLimit uint8
	DontFrag bool
}

// ProtoDispatch routes a fully-validated IPv6 payload to the matching
// upper-layer protocol.
type ProtoDispatch struct {
	ICMPv6 func(ifindex int, srcL3 *iface.L3V6, h Header, payload []byte)
	TCP    func(ifindex int, srcL3 *iface.L3V6, h Header, payload []byte)
	UDP    func(ifindex int, srcL3 *iface.L3V6, h Header, payload []byte)
}

// Stack wires the interface manager, NDP resolution, fragmentation and
// reassembly together into the IPv6 send/receive datapath.
type Stack struct {
	Ifaces *iface.Manager
	Eth    EthSender
	PMTU   *PMTUCache
	Reasm  *Reassembler
	nextID uint32

	Handlers ProtoDispatch
}

func New(ifaces *iface.Manager, eth EthSender) *Stack {
	return &Stack{Ifaces: ifaces, Eth: eth, PMTU: NewPMTUCache(), Reasm: NewReassembler()}
}

// Send implements output path: route, source, next-hop,
// MTU-gated fragmentation.
func (s *Stack) Send(ctx context.Context, dst [16]byte, nextHeader uint8, payload []byte, opts SendOpts) error {
	var src *iface.L3V6
	var ifindex int
	if opts.BoundL3 != nil {
		src = opts.BoundL3
		ifindex, _, _ = src.Id.Unpack()
	} else {
		a, ok := s.Ifaces.ResolveIPv6ToInterface(dst)
		if !ok {
			return fmt.Errorf("ipv6: no route to %v", net.IP(dst[:]))
		}
		src = a
		ifindex, _, _ = a.Id.Unpack()
	}

	l2, err := s.Ifaces.L2At(ifindex)
	if err != nil {
		return err
	}

	var dstMAC [6]byte
	switch {
	case isMulticast6(dst):
		dstMAC = [6]byte{0x33, 0x33, dst[12], dst[13], dst[14], dst[15]}
	case l2.Kind == iface.KindLocalhost:
		dstMAC = [6]byte{}
	default:
		if l2.NDP == nil {
			return fmt.Errorf("ipv6: L2 %d has no NDP table", ifindex)
		}
		var mac net.HardwareAddr
		if e, ok := l2.NDP.Lookup(dst); ok {
			mac = e.MAC
		} else {
			resolved, err := l2.NDP.Resolve(ctx, dst, 200*time.Millisecond)
			if err != nil {
				return fmt.Errorf("ipv6: ndp resolve %v: %w", net.IP(dst[:]), err)
			}
			mac = resolved
		}
		copy(dstMAC[:], mac)
	}

	mtu := src.MTU
	if mtu == 0 {
		mtu = 1500
	}
	if p := s.PMTU.Get(dst); p > 0 && p < mtu {
		mtu = p
	}
	if mtu < MinMTU {
		mtu = MinMTU
	}

	hopLimit := opts.HopLimit
	if hopLimit == 0 {
		hopLimit = DefaultHop
	}

	writeUpperChecksum(nextHeader, src.IP, dst, payload)

	total := HeaderLen + len(payload)
	if total <= mtu {
		return s.sendOne(ifindex, dstMAC, Header{
			PayloadLen: uint16(len(payload)),
			NextHeader: nextHeader,
			HopLimit:   hopLimit,
			Src:        src.IP,
			Dst:        dst,
		}, payload)
	}
	if opts.DontFrag {
		return fmt.Errorf("ipv6: payload exceeds PMTU %d and DONTFRAG set", mtu)
	}
	return s.sendFragmented(ifindex, dstMAC, src.IP, dst, nextHeader, hopLimit, payload, mtu)
}

func (s *Stack) sendOne(ifindex int, dstMAC [6]byte, h Header, payload []byte) error {
	buf := netpkt.Alloc(len(payload), HeaderLen+14, 0)
	copy(buf.Data(), payload)
	hdrSpace := buf.Push(HeaderLen)
	h.Serialize(hdrSpace)
	if s.Eth == nil {
		return fmt.Errorf("ipv6: no ethernet sender configured")
	}
	return s.Eth.SendEthernet(ifindex, dstMAC, 0x86DD, buf)
}

// sendFragmented implements fragmentation rule: 8-byte
// aligned chunks of (mtu-40-8) bytes, each wrapped in its own IPv6 header
// plus an 8-byte Fragment extension header.
func (s *Stack) sendFragmented(ifindex int, dstMAC [6]byte, src, dst [16]byte, nextHeader uint8, hopLimit uint8, payload []byte, mtu int) error {
	chunkSize := ((mtu - HeaderLen - 8) / 8) * 8
	if chunkSize <= 0 {
		return fmt.Errorf("ipv6: mtu %d too small to fragment", mtu)
	}
	ident := atomic.AddUint32(&s.nextID, 1)

	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		chunk := payload[off:end]

		buf := netpkt.Alloc(len(chunk), HeaderLen+8+14, 0)
		copy(buf.Data(), chunk)
		fragHdr := buf.Push(8)
		fragHdr[0] = nextHeader
		fragHdr[1] = 0
		offsetFlags := uint16(off/8) << 3
		if !last {
			offsetFlags |= 1
		}
		binary.BigEndian.PutUint16(fragHdr[2:4], offsetFlags)
		binary.BigEndian.PutUint32(fragHdr[4:8], ident)

		ipHdr := buf.Push(HeaderLen)
		h := Header{
			PayloadLen: uint16(8 + len(chunk)),
			NextHeader: NextFragment,
			HopLimit:   hopLimit,
			Src:        src,
			Dst:        dst,
		}
		h.Serialize(ipHdr)

		if s.Eth == nil {
			return fmt.Errorf("ipv6: no ethernet sender configured")
		}
		if err := s.Eth.SendEthernet(ifindex, dstMAC, 0x86DD, buf); err != nil {
			return err
		}
	}
	return nil
}

// Receive implements ingress path.
func (s *Stack) Receive(ifindex int, srcMAC [6]byte, buf *netpkt.Buffer) {
	data := buf.Data()
	h, err := ParseHeader(data)
	if err != nil {
		return
	}
	end := HeaderLen + int(h.PayloadLen)
	if end > len(data) {
		return
	}
	buf.Trim(len(data) - end)

	l2, err := s.Ifaces.L2At(ifindex)
	if err != nil {
		return
	}
	if isLinkLocal6(h.Src) {
		if !isLinkLocal6(h.Dst) && !isMulticast6(h.Dst) {
			if _, ok := s.Ifaces.ResolveIPv6ToInterface(h.Dst); !ok {
				return
			}
		}
	}
	if l2.NDP != nil && h.Src != ([16]byte{}) {
		l2.NDP.Learn(h.Src, net.HardwareAddr(srcMAC[:]), 180_000)
	}

	nextHeader := h.NextHeader
	payload := buf.Data()[HeaderLen:]
	offset := 0
	for {
		switch nextHeader {
		case NextHopByHop, NextDestOpts:
			if len(payload[offset:]) < 2 {
				return
			}
			hdrLen := (int(payload[offset+1]) + 1) * 8
			nextHeader = payload[offset]
			offset += hdrLen
			continue
		case NextRouting:
			if len(payload[offset:]) < 2 {
				return
			}
			hdrLen := (int(payload[offset+1]) + 1) * 8
			nextHeader = payload[offset]
			offset += hdrLen
			continue
		case NextAuth:
			if len(payload[offset:]) < 2 {
				return
			}
			hdrLen := (int(payload[offset+1]) + 2) * 4
			nextHeader = payload[offset]
			offset += hdrLen
			continue
		case NextFragment:
			s.receiveFragment(ifindex, l2, h, payload[offset:])
			return
		}
		break
	}

	upper := payload[offset:]
	s.dispatch(ifindex, l2, h, nextHeader, upper)
}

func (s *Stack) receiveFragment(ifindex int, l2 *iface.L2, h Header, fragData []byte) {
	if len(fragData) < 8 {
		return
	}
	innerNext := fragData[0]
	offsetFlags := binary.BigEndian.Uint16(fragData[2:4])
	fragOffset := int(offsetFlags>>3) * 8
	moreFragments := offsetFlags&1 != 0
	ident := binary.BigEndian.Uint32(fragData[4:8])
	body := fragData[8:]

	complete, payload, innerHdr := s.Reasm.Add(ifindex, ident, h.Src, h.Dst, innerNext, fragOffset, moreFragments, body)
	if !complete {
		return
	}
	s.dispatch(ifindex, l2, h, innerHdr, payload)
}

func (s *Stack) dispatch(ifindex int, l2 *iface.L2, h Header, nextHeader uint8, payload []byte) {
	dispatchTo := func(srcL3 *iface.L3V6) {
		switch nextHeader {
		case NextICMPv6:
			if s.Handlers.ICMPv6 != nil {
				s.Handlers.ICMPv6(ifindex, srcL3, h, payload)
			}
		case NextTCP:
			if s.Handlers.TCP != nil {
				s.Handlers.TCP(ifindex, srcL3, h, payload)
			}
		case NextUDP:
			if s.Handlers.UDP != nil {
				s.Handlers.UDP(ifindex, srcL3, h, payload)
			}
		}
	}

	if isMulticast6(h.Dst) {
		if s.Ifaces.HasJoinedV6(ifindex, h.Dst) {
			for _, a := range l2.V6 {
				if a != nil {
					dispatchTo(a)
				}
			}
		}
		return
	}
	for _, a := range l2.V6 {
		if a != nil && a.IP == h.Dst {
			dispatchTo(a)
			return
		}
	}
}
