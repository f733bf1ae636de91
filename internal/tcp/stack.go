package tcp

import (
	"context"
	"errors"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/ipv6"
	"github.com/netkern/netkern/internal/portmgr"
	"github.com/netkern/netkern/internal/sched"
)

var (
	ErrNoRoute       = errors.New("tcp: no route to destination")
	ErrPortInUse     = errors.New("tcp: port already bound")
	ErrConnRefused   = errors.New("tcp: connection refused")
	ErrWouldBlock    = errors.New("tcp: would block")
	ErrClosed        = errors.New("tcp: connection closed")
	ErrBacklogFull   = errors.New("tcp: backlog full")
	ErrNotListening  = errors.New("tcp: socket not listening")
	ErrInvalidState  = errors.New("tcp: operation invalid in current state")
)

// Listen creates a passive-open flow bound to ifindex/port (0 = any
// interface) with the given backlog depth.
func (st *Stack) Listen(ifindex int, port uint16, backlog int) (*Flow, error) {
	if backlog <= 0 || backlog > MaxBacklog {
		backlog = MaxBacklog
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	key := listenKey{ifindex, port}
	if _, exists := st.listeners[key]; exists {
		return nil, ErrPortInUse
	}
	f := newFlow(false)
	f.State = Listen
	f.Ifindex = ifindex
	f.LocalPort = port
	f.isListener = true
	f.listenBacklog = make(chan *Flow, backlog)
	st.listeners[key] = f
	return f, nil
}

func (st *Stack) CloseListener(f *Flow) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.listeners, listenKey{f.Ifindex, f.LocalPort})
}

// Accept pulls the next completed connection off a listener's backlog.
// Non-blocking: returns ErrWouldBlock if nothing is ready.
func (f *Flow) Accept() (*Flow, error) {
	select {
	case conn := <-f.listenBacklog:
		return conn, nil
	default:
		return nil, ErrWouldBlock
	}
}

// Connect performs an active open to dst:port over ifindex (0 = route-resolved).
func (st *Stack) Connect(ctx context.Context, ifindex int, isV6 bool, dst []byte, port uint16) (*Flow, error) {
	f := newFlow(isV6)
	f.PeerPort = port
	f.ISS = randISS()
	f.SndUna = f.ISS
	f.SndNxt = f.ISS + 1
	f.RcvWndMax = 65535
	f.WScaleOK = true
	f.WScaleOurs = chooseWScaleOurs(f.RcvWndMax)
	f.SACKOK = true
	f.TTL = 64

	if isV6 {
		var d [16]byte
		copy(d[:], dst)
		f.PeerIP = d
		l3, ok := st.Ifaces.ResolveIPv6ToInterface(d)
		if !ok {
			return nil, ErrNoRoute
		}
		f.BoundV6 = l3
		ifindex, _, _ := l3.Id.Unpack()
		f.Ifindex = ifindex
		copy(f.LocalIP[:], l3.IP[:])
		f.MSS = effectiveMSS(true, 0, l3.MTU)
	} else {
		var d [4]byte
		copy(d[:], dst)
		copy(f.PeerIP[:4], d[:])
		l3, ok := st.Ifaces.ResolveIPv4ToInterface(d)
		if !ok {
			return nil, ErrNoRoute
		}
		f.BoundV4 = l3
		fidx, _, _ := l3.Id.Unpack()
		f.Ifindex = fidx
		copy(f.LocalIP[:4], l3.IP[:])
		f.MSS = effectiveMSS(false, 0, 1500)
	}

	lp, err := st.allocEphemeralPort(f)
	if err != nil {
		return nil, err
	}
	f.LocalPort = lp

	st.mu.Lock()
	st.flows[flowKeyOf(f)] = f
	st.mu.Unlock()

	f.State = SynSent
	raw := f.buildSegment(f.ISS, 0, flagSYN, nil, true)
	if err := st.sendSegment(ctx, f, raw); err != nil {
		return nil, err
	}
	f.txq = append(f.txq, &TxSegment{Seq: f.ISS, SentOnce: true, FirstSentMs: sched.Now(), LastSentMs: sched.Now(), TimeoutMs: sched.Now() + f.rtt.rto().Milliseconds()})
	return f, nil
}

func (st *Stack) allocEphemeralPort(f *Flow) (uint16, error) {
	// TCP port allocation rides the same portmgr instance the owning L3
	// uses for UDP (per-L3 manager, ), registered with a
	// dispatch handler that routes inbound segments back to this flow's
	// stack-level Receive method.
	var mgr *portmgr.Manager
	if f.IsV6 && f.BoundV6 != nil {
		mgr = f.BoundV6.Ports
	} else if f.BoundV4 != nil {
		mgr = f.BoundV4.Ports
	}
	if mgr == nil {
		return 0, ErrNoRoute
	}
	return mgr.AllocEphemeral(portmgr.TCP, 0, func(ifindex, ipVer int, srcIP, dstIP, payload []byte, srcPort, dstPort uint16) int {
		return 0
	})
}

func flowKeyOf(f *Flow) flowKey {
	return flowKey{f.IsV6, f.LocalIP, f.PeerIP, f.LocalPort, f.PeerPort}
}

// Send queues application data for transmission on an established flow.
func (st *Stack) Send(ctx context.Context, f *Flow, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.State != Established && f.State != CloseWait {
		return 0, ErrInvalidState
	}
	f.enqueueData(data)
	st.sendPending(ctx, f)
	return len(data), nil
}

// Recv drains any data delivered in-order to the flow's receive buffer.
func (f *Flow) Recv() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.rcvBuf
	f.rcvBuf = nil
	if len(out) == 0 && f.State == CloseWait {
		return nil, ErrClosed
	}
	return out, nil
}

// CloseFlow initiates the active-close sequence.
func (st *Stack) CloseFlow(ctx context.Context, f *Flow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingFIN {
		return nil
	}
	switch f.State {
	case Established:
		f.State = FinWait1
	case CloseWait:
		f.State = LastAck
	default:
		return ErrInvalidState
	}
	f.pendingFIN = true
	f.pendingFINSeq = f.SndNxt
	f.txq = append(f.txq, &TxSegment{Seq: f.pendingFINSeq, FIN: true})
	f.SndNxt++
	st.sendPending(ctx, f)
	return nil
}

// Receive dispatches an inbound IPv4 TCP segment.
func (st *Stack) ReceiveV4(ifindex int, srcL3 *iface.L3V4, ipHdr ipv4.Header, payload []byte) {
	var src, dst [16]byte
	copy(src[:4], ipHdr.Src[:])
	copy(dst[:4], ipHdr.Dst[:])
	st.receive(context.Background(), ifindex, false, src, dst, payload, srcL3, nil)
}

// Receive dispatches an inbound IPv6 TCP segment.
func (st *Stack) ReceiveV6(ifindex int, srcL3 *iface.L3V6, ipHdr ipv6.Header, payload []byte) {
	st.receive(context.Background(), ifindex, true, ipHdr.Src, ipHdr.Dst, payload, nil, srcL3)
}

func (st *Stack) receive(ctx context.Context, ifindex int, isV6 bool, src, dst [16]byte, raw []byte, v4l3 *iface.L3V4, v6l3 *iface.L3V6) {
	seg, body, err := ParseSegment(raw)
	if err != nil {
		return
	}

	key := flowKey{isV6, dst, src, seg.DstPort, seg.SrcPort}
	st.mu.Lock()
	f, ok := st.flows[key]
	st.mu.Unlock()

	if !ok {
		if seg.Flags&flagSYN != 0 && seg.Flags&flagACK == 0 {
			st.handlePassiveSyn(ctx, ifindex, isV6, src, dst, seg, v4l3, v6l3)
			return
		}
		if seg.Flags&flagRST == 0 {
			st.sendRST(ctx, ifindex, isV6, dst, src, seg, v4l3, v6l3)
		}
		return
	}

	f.mu.Lock()
	st.processSegment(ctx, f, seg, body)
	f.mu.Unlock()
}

func (st *Stack) handlePassiveSyn(ctx context.Context, ifindex int, isV6 bool, src, dst [16]byte, seg Segment, v4l3 *iface.L3V4, v6l3 *iface.L3V6) {
	st.mu.Lock()
	lf, ok := st.listeners[listenKey{ifindex, seg.DstPort}]
	if !ok {
		lf, ok = st.listeners[listenKey{0, seg.DstPort}]
	}
	if !ok || st.synRecvCnt >= MaxSynRecvd {
		st.mu.Unlock()
		return
	}
	st.synRecvCnt++
	st.mu.Unlock()

	f := newFlow(isV6)
	f.LocalIP, f.PeerIP = dst, src
	f.LocalPort, f.PeerPort = seg.DstPort, seg.SrcPort
	f.Ifindex = ifindex
	f.BoundV4, f.BoundV6 = v4l3, v6l3
	f.TTL = 64
	f.State = SynReceived
	f.IRS = seg.Seq
	f.RcvNxt = seg.Seq + 1
	f.ISS = randISS()
	f.SndUna = f.ISS
	f.SndNxt = f.ISS + 1
	f.RcvWndMax = 65535
	f.SndWnd = uint32(seg.Window)
	f.SACKOK = seg.SACKPermitted
	if seg.WScaleOK {
		f.WScaleOK = true
		f.WScalePeer = seg.WScale
		f.WScaleOurs = chooseWScaleOurs(f.RcvWndMax)
	}
	mtu := 1500
	if isV6 {
		mtu = ipv6.MinMTU
	}
	f.MSS = effectiveMSS(isV6, seg.MSS, mtu)

	// Register the flow before the SYN+ACK goes out so the peer's final
	// ACK finds it even when it is delivered before sendSegment returns.
	f.txq = append(f.txq, &TxSegment{Seq: f.ISS, SentOnce: true, FirstSentMs: sched.Now(), LastSentMs: sched.Now(), TimeoutMs: sched.Now() + f.rtt.rto().Milliseconds()})
	st.mu.Lock()
	st.flows[flowKeyOf(f)] = f
	f.pendingListener = lf
	st.mu.Unlock()

	raw := f.buildSegment(f.ISS, f.RcvNxt, flagSYN|flagACK, nil, true)
	if err := st.sendSegment(ctx, f, raw); err != nil {
		st.mu.Lock()
		delete(st.flows, flowKeyOf(f))
		st.synRecvCnt--
		st.mu.Unlock()
		return
	}
}

func (st *Stack) sendRST(ctx context.Context, ifindex int, isV6 bool, localIP, peerIP [16]byte, seg Segment, v4l3 *iface.L3V4, v6l3 *iface.L3V6) {
	f := newFlow(isV6)
	f.LocalIP, f.PeerIP = localIP, peerIP
	f.LocalPort, f.PeerPort = seg.DstPort, seg.SrcPort
	f.BoundV4, f.BoundV6 = v4l3, v6l3
	f.TTL = 64
	var seq, ack uint32
	flags := uint8(flagRST)
	if seg.Flags&flagACK != 0 {
		seq = seg.Ack
	} else {
		flags |= flagACK
		ack = seg.Seq + 1
	}
	raw := f.buildSegment(seq, ack, flags, nil, false)
	_ = st.sendSegment(ctx, f, raw)
}

// processSegment runs the RFC 793 receive-path state machine for one
// flow while f.mu is held.
func (st *Stack) processSegment(ctx context.Context, f *Flow, seg Segment, body []byte) {
	if seg.Flags&flagRST != 0 {
		f.State = Closed
		f.closed = true
		return
	}

	if f.State == SynSent {
		if seg.Flags&flagACK != 0 && seg.Ack != f.SndNxt {
			return
		}
		if seg.Flags&flagSYN != 0 {
			f.IRS = seg.Seq
			f.RcvNxt = seg.Seq + 1
			if seg.Flags&flagACK != 0 {
				f.onAck(seg.Ack, nil)
				f.State = Established
				f.SACKOK = seg.SACKPermitted
				if seg.WScaleOK && f.WScaleOK {
					f.WScalePeer = seg.WScale
				} else {
					f.WScaleOK = false
					f.WScalePeer = 0
				}
				f.SndWnd = uint32(seg.Window) << f.WScalePeer
				ackRaw := f.buildSegment(f.SndNxt, f.RcvNxt, flagACK, nil, false)
				_ = st.sendSegment(ctx, f, ackRaw)
			} else {
				f.State = SynReceived
				ackRaw := f.buildSegment(f.ISS, f.RcvNxt, flagSYN|flagACK, nil, true)
				_ = st.sendSegment(ctx, f, ackRaw)
			}
		}
		return
	}

	if seg.Flags&flagACK != 0 {
		f.onAck(seg.Ack, seg.SACKBlocks)
		f.SndWnd = uint32(seg.Window) << f.WScalePeer
		f.keepaliveIdle = sched.Now()
		f.keepaliveMs = 0
		f.keepaliveFails = 0
		switch f.State {
		case SynReceived:
			f.State = Established
			if f.pendingListener != nil {
				select {
				case f.pendingListener.listenBacklog <- f:
				default:
				}
				f.pendingListener = nil
			}
			st.mu.Lock()
			st.synRecvCnt--
			st.mu.Unlock()
		case FinWait1:
			if len(f.txq) == 0 {
				f.State = FinWait2
			}
		case Closing:
			f.State = TimeWait
			f.timeWaitMs = sched.Now() + TimeWaitMs
		case LastAck:
			f.State = Closed
			f.closed = true
		}
	}

	if len(body) > 0 || seg.Flags&flagFIN != 0 {
		if seg.Seq == f.RcvNxt {
			f.RcvNxt += uint32(len(body))
			f.RcvBufUsed += uint32(len(body))
			f.rcvBuf = append(f.rcvBuf, body...)
			f.rcvBuf = append(f.rcvBuf, f.drainReassembly()...)
		} else if f.inWindow(seg.Seq, len(body)) {
			f.insertReassembly(seg.Seq, body)
		}
		f.delayedAckArm = true
		f.delayedAckMs = sched.Now() + DelayedAckMs

		if seg.Flags&flagFIN != 0 && seg.Seq+uint32(len(body)) == f.RcvNxt {
			f.RcvNxt++
			switch f.State {
			case Established:
				f.State = CloseWait
			case FinWait1:
				f.State = Closing
			case FinWait2:
				f.State = TimeWait
				f.timeWaitMs = sched.Now() + TimeWaitMs
			}
			ackRaw := f.buildSegment(f.SndNxt, f.RcvNxt, flagACK, nil, false)
			_ = st.sendSegment(ctx, f, ackRaw)
			f.delayedAckArm = false
		}
	}
}

// Tick drives retransmission timeouts, delayed ACKs, persist probes,
// keepalive, and TIME_WAIT expiry for every active flow. Intended to be
// called from a sched.Ticker at a short interval.
func (st *Stack) Tick(ctx context.Context) {
	now := sched.Now()
	st.mu.Lock()
	var toClose []flowKey
	flows := make([]*Flow, 0, len(st.flows))
	for k, f := range st.flows {
		flows = append(flows, f)
		if f.State == TimeWait && now >= f.timeWaitMs {
			toClose = append(toClose, k)
		}
	}
	for _, k := range toClose {
		delete(st.flows, k)
	}
	st.mu.Unlock()

	for _, f := range flows {
		f.mu.Lock()
		if f.State == Closed {
			f.mu.Unlock()
			continue
		}
		st.sendPending(ctx, f)
		if f.delayedAckArm && now >= f.delayedAckMs {
			ackRaw := f.buildSegment(f.SndNxt, f.RcvNxt, flagACK, nil, false)
			_ = st.sendSegment(ctx, f, ackRaw)
			f.delayedAckArm = false
		}
		st.tickPersist(ctx, f, now)
		st.tickKeepalive(ctx, f, now)
		f.mu.Unlock()
	}
}

// tickPersist sends a 1-byte probe on a zero-window connection, doubling
// the probe interval up to PersistMaxMs.
func (st *Stack) tickPersist(ctx context.Context, f *Flow, now int64) {
	if f.State != Established || f.SndWnd != 0 || len(f.txq) == 0 {
		f.persistArm = false
		return
	}
	if !f.persistArm {
		f.persistArm = true
		f.persistMs = now + PersistMinMs
		return
	}
	if now < f.persistMs {
		return
	}
	probe := f.txq[0].Data
	if len(probe) > 1 {
		probe = probe[:1]
	}
	raw := f.buildSegment(f.SndUna, f.RcvNxt, flagACK, probe, false)
	_ = st.sendSegment(ctx, f, raw)
	next := (f.persistMs - now) * 2
	if next <= 0 {
		next = PersistMinMs
	}
	if next > PersistMaxMs {
		next = PersistMaxMs
	}
	f.persistMs = now + next
}

const (
	keepaliveIdleMs  = 2 * 60 * 60 * 1000
	keepaliveProbeMs = 75_000
	keepaliveMaxFail = 9
)

// tickKeepalive probes an idle ESTABLISHED connection and resets it after
// repeated unanswered probes.
func (st *Stack) tickKeepalive(ctx context.Context, f *Flow, now int64) {
	if f.State != Established {
		f.keepaliveFails = 0
		return
	}
	if f.keepaliveIdle == 0 {
		f.keepaliveIdle = now
	}
	if f.keepaliveMs == 0 {
		f.keepaliveMs = f.keepaliveIdle + keepaliveIdleMs
	}
	if now < f.keepaliveMs {
		return
	}
	if f.keepaliveFails >= keepaliveMaxFail {
		f.State = Closed
		f.closed = true
		return
	}
	raw := f.buildSegment(f.SndUna-1, f.RcvNxt, flagACK, nil, false)
	_ = st.sendSegment(ctx, f, raw)
	f.keepaliveFails++
	f.keepaliveMs = now + keepaliveProbeMs
}

// Stats is a point-in-time snapshot of stack-wide and per-flow counters,
// exported for internal/metrics.
type Stats struct {
	FlowCount      int
	ListenerCount  int
	SynRecvCount   int
	Flows          []FlowStat
}

// FlowStat is the subset of Flow state worth exporting as a metric label
// set: identity plus the congestion-control and buffering counters a
// production netkernd would graph.
type FlowStat struct {
	LocalPort, PeerPort uint16
	IsV6                bool
	State               State
	Cwnd, Ssthresh      uint32
	SRTT                int64
	RcvBufUsed          uint32
	TxQueued            int
}

// Stats snapshots the stack's flow table and listener set. Held locks are
// per-flow, not stack-wide, for the duration of each flow read.
func (st *Stack) Stats() Stats {
	st.mu.Lock()
	listeners := len(st.listeners)
	synRecv := st.synRecvCnt
	flows := make([]*Flow, 0, len(st.flows))
	for _, f := range st.flows {
		flows = append(flows, f)
	}
	st.mu.Unlock()

	out := Stats{FlowCount: len(flows), ListenerCount: listeners, SynRecvCount: synRecv}
	for _, f := range flows {
		f.mu.Lock()
		out.Flows = append(out.Flows, FlowStat{
			LocalPort:  f.LocalPort,
			PeerPort:   f.PeerPort,
			IsV6:       f.IsV6,
			State:      f.State,
			Cwnd:       f.cwnd,
			Ssthresh:   f.ssthresh,
			SRTT:       f.rtt.srtt,
			RcvBufUsed: f.RcvBufUsed,
			TxQueued:   len(f.txq),
		})
		f.mu.Unlock()
	}
	return out
}
