// Package tcp implements the TCP state machine: handshake, segmentation,
// retransmission, RTT estimation, NewReno congestion control, the receive
// path with reassembly, and the close sequence.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/ipv6"
)

// State is one TCP connection's position in the RFC 793 state machine.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "CLOSED"
	}
}

const (
	HeaderLen = 20

	MaxFlows      = 2048
	MaxBacklog    = 128
	SynRetries    = 5
	MaxSynRecvd   = MaxFlows / 4
	MaxSynPerPort = 32

	MinRTO = 200 * time.Millisecond
	MaxRTO = 60 * time.Second

	PersistMinMs = 500
	PersistMaxMs = 60_000
	DelayedAckMs = 200
	TimeWaitMs   = 60_000 // 2*MSL, fixed
	MSSv4Min     = 536
	MSSv6Min     = 1220

	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagPSH = 1 << 3
	flagACK = 1 << 4
	flagURG = 1 << 5

	optMSS        = 2
	optWScale     = 3
	optSACKPerm   = 4
	optSACK       = 5
	optNOP        = 1
	optEnd        = 0
)

// Segment is a parsed TCP segment header.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOff          uint8
	Flags            uint8
	Window           uint16
	Checksum         uint16
	UrgPtr           uint16
	MSS              uint16
	WScale           uint8
	WScaleOK         bool
	SACKPermitted    bool
	SACKBlocks       [][2]uint32
}

// ParseSegment parses a TCP segment and its options.
func ParseSegment(b []byte) (Segment, []byte, error) {
	var s Segment
	if len(b) < HeaderLen {
		return s, nil, fmt.Errorf("tcp: short segment (%d bytes)", len(b))
	}
	s.SrcPort = binary.BigEndian.Uint16(b[0:2])
	s.DstPort = binary.BigEndian.Uint16(b[2:4])
	s.Seq = binary.BigEndian.Uint32(b[4:8])
	s.Ack = binary.BigEndian.Uint32(b[8:12])
	s.DataOff = b[12] >> 4
	s.Flags = b[13]
	s.Window = binary.BigEndian.Uint16(b[14:16])
	s.Checksum = binary.BigEndian.Uint16(b[16:18])
	s.UrgPtr = binary.BigEndian.Uint16(b[18:20])
	hdrLen := int(s.DataOff) * 4
	if hdrLen < HeaderLen || hdrLen > len(b) {
		return s, nil, fmt.Errorf("tcp: bad data offset %d", s.DataOff)
	}
	parseOptions(b[HeaderLen:hdrLen], &s)
	return s, b[hdrLen:], nil
}

func parseOptions(opts []byte, s *Segment) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		if kind == optEnd {
			break
		}
		if kind == optNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			break
		}
		body := opts[i+2 : i+length]
		switch kind {
		case optMSS:
			if len(body) >= 2 {
				s.MSS = binary.BigEndian.Uint16(body)
			}
		case optWScale:
			if len(body) >= 1 {
				s.WScale = body[0]
				s.WScaleOK = true
			}
		case optSACKPerm:
			s.SACKPermitted = true
		case optSACK:
			for j := 0; j+8 <= len(body); j += 8 {
				left := binary.BigEndian.Uint32(body[j : j+4])
				right := binary.BigEndian.Uint32(body[j+4 : j+8])
				s.SACKBlocks = append(s.SACKBlocks, [2]uint32{left, right})
			}
		}
		i += length
	}
}

// buildOptions serializes the SYN options, padded to a 4-byte multiple
// with NOPs.
func buildOptions(mss uint16, wscale uint8, wscaleOK, sackPermitted bool, sackBlocks [][2]uint32) []byte {
	var out []byte
	out = append(out, optMSS, 4)
	out = binary.BigEndian.AppendUint16(out, mss)
	if wscaleOK {
		out = append(out, optWScale, 3, wscale)
	}
	if sackPermitted {
		out = append(out, optSACKPerm, 2)
	}
	for _, blk := range sackBlocks {
		if len(out)+10 > 40 {
			break
		}
		out = append(out, optSACK, 10)
		out = binary.BigEndian.AppendUint32(out, blk[0])
		out = binary.BigEndian.AppendUint32(out, blk[1])
	}
	for len(out)%4 != 0 {
		out = append(out, optNOP)
	}
	return out
}

// Serialize writes the segment header+options into dst (caller-sized).
func (s Segment) Serialize(dst []byte, opts []byte) {
	binary.BigEndian.PutUint16(dst[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], s.DstPort)
	binary.BigEndian.PutUint32(dst[4:8], s.Seq)
	binary.BigEndian.PutUint32(dst[8:12], s.Ack)
	dataOff := (HeaderLen + len(opts)) / 4
	dst[12] = byte(dataOff << 4)
	dst[13] = s.Flags
	binary.BigEndian.PutUint16(dst[14:16], s.Window)
	dst[16], dst[17] = 0, 0
	binary.BigEndian.PutUint16(dst[18:20], s.UrgPtr)
	copy(dst[20:], opts)
}

// TxSegment is one outstanding segment in a flow's retransmission queue.
type TxSegment struct {
	Seq         uint32
	Data        []byte
	FIN         bool
	SentOnce    bool
	FirstSentMs int64
	LastSentMs  int64
	TimeoutMs   int64
	Retransmits int
}

// rttEstimator implements Jacobson/Karels RTT estimation.
type rttEstimator struct {
	srtt, rttvar int64
	hasSample    bool
}

func (r *rttEstimator) sample(rttMs int64) {
	if !r.hasSample {
		r.srtt = rttMs
		r.rttvar = rttMs / 2
		r.hasSample = true
		return
	}
	r.srtt = (7*r.srtt + rttMs) / 8
	diff := r.srtt - rttMs
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (3*r.rttvar + diff) / 4
}

func (r *rttEstimator) rto() time.Duration {
	if !r.hasSample {
		return 1 * time.Second
	}
	rto := time.Duration(r.srtt+4*r.rttvar) * time.Millisecond
	if rto < MinRTO {
		rto = MinRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	return rto
}

// Flow is one TCP connection.
type Flow struct {
	mu sync.Mutex

	State State

	LocalIP, PeerIP     [16]byte
	IsV6                bool
	LocalPort, PeerPort uint16
	Ifindex             int
	BoundV4             *iface.L3V4
	BoundV6             *iface.L3V6

	ISS, IRS     uint32
	SndUna       uint32
	SndNxt       uint32
	SndWnd       uint32
	RcvNxt       uint32
	RcvWndMax    uint32
	RcvBufUsed   uint32
	RcvAdvEdge   uint32

	WScaleOurs   uint8 // shift we apply when stamping our own Window field
	WScalePeer   uint8 // shift we apply to interpret the peer's Window field
	WScaleOK     bool
	MSS          uint16
	SACKOK       bool

	TTL      uint8
	DontFrag bool

	cwnd, ssthresh uint32
	dupAcks        int
	recover        uint32
	inRecovery     bool

	rtt rttEstimator

	txq []*TxSegment

	reassembly []reassemblySeg
	rcvBuf     []byte

	persistMs  int64
	persistArm bool

	delayedAckArm  bool
	delayedAckMs   int64
	pendingFIN     bool
	pendingFINSeq  uint32

	timeWaitMs int64

	keepaliveMs   int64
	keepaliveIdle int64
	keepaliveFails int

	listenBacklog   chan *Flow
	isListener      bool
	pendingListener *Flow

	closed bool
}

type reassemblySeg struct {
	seq  uint32
	data []byte
}

// Sender abstracts the IPv4/IPv6 egress hooks.
type V4Sender interface {
	Send(ctx context.Context, dst [4]byte, proto uint8, payload []byte, opts ipv4.SendOpts) error
}
type V6Sender interface {
	Send(ctx context.Context, dst [16]byte, nextHeader uint8, payload []byte, opts ipv6.SendOpts) error
}

// Stack owns every TCP flow and drives the event-driven daemon.
type Stack struct {
	Ifaces *iface.Manager
	V4     V4Sender
	V6     V6Sender

	mu         sync.Mutex
	flows      map[flowKey]*Flow
	listeners  map[listenKey]*Flow
	synRecvCnt int
}

type flowKey struct {
	isV6           bool
	localIP, peerIP [16]byte
	localPort, peerPort uint16
}

type listenKey struct {
	ifindex int
	port    uint16
}

func New(ifaces *iface.Manager, v4 V4Sender, v6 V6Sender) *Stack {
	return &Stack{
		Ifaces:    ifaces,
		V4:        v4,
		V6:        v6,
		flows:     make(map[flowKey]*Flow),
		listeners: make(map[listenKey]*Flow),
	}
}

func randISS() uint32 { return rand.Uint32() }

func effectiveMSS(isV6 bool, peerMSS uint16, linkMTU int) uint16 {
	min := uint16(MSSv4Min)
	if isV6 {
		min = MSSv6Min
	}
	headers := HeaderLen + ipv4.HeaderLen
	if isV6 {
		headers = HeaderLen + ipv6.HeaderLen
	}
	max := uint16(linkMTU - headers)
	mss := peerMSS
	if mss == 0 || mss > max {
		mss = max
	}
	if mss < min {
		mss = min
	}
	return mss
}

func chooseWScaleOurs(rcvWndMax uint32) uint8 {
	if rcvWndMax > 65535 {
		return 8
	}
	return 0
}
