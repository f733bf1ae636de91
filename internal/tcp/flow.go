package tcp

import (
	"context"
	"encoding/binary"

	"github.com/netkern/netkern/internal/checksum"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/ipv6"
	"github.com/netkern/netkern/internal/sched"
)

const initialCwndSegments = 4

func newFlow(isV6 bool) *Flow {
	f := &Flow{
		IsV6:     isV6,
		cwnd:     initialCwndSegments * 1460,
		ssthresh: 1 << 30,
		MSS:      1460,
	}
	return f
}

// seqLT/seqLE implement serial-number-arithmetic comparisons (RFC 793 §3.3).
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }

// inWindow reports whether seq falls within [RcvNxt, RcvNxt+RcvWndMax).
func (f *Flow) inWindow(seq uint32, length int) bool {
	if f.RcvWndMax == 0 {
		return seq == f.RcvNxt && length == 0
	}
	end := f.RcvNxt + f.RcvWndMax
	if length == 0 {
		return seqGE(seq, f.RcvNxt) && seqLT(seq, end)
	}
	segEnd := seq + uint32(length) - 1
	return (seqGE(seq, f.RcvNxt) && seqLT(seq, end)) || (seqGE(segEnd, f.RcvNxt) && seqLT(segEnd, end))
}

func (f *Flow) advertisedWindow() uint16 {
	free := f.RcvWndMax - f.RcvBufUsed
	w := free >> f.WScaleOurs
	if w > 65535 {
		w = 65535
	}
	return uint16(w)
}

// sendOptions returns the option set to stamp on this flow's segments.
func (f *Flow) sendOptions(syn bool) []byte {
	if syn {
		return buildOptions(f.MSS, f.WScaleOurs, f.WScaleOK, true, nil)
	}
	if !f.SACKOK || len(f.reassembly) == 0 {
		return nil
	}
	var sack [][2]uint32
	for _, seg := range f.reassembly {
		sack = append(sack, [2]uint32{seg.seq, seg.seq + uint32(len(seg.data))})
	}
	return sackOnlyOptions(sack)
}

func sackOnlyOptions(blocks [][2]uint32) []byte {
	var out []byte
	for _, blk := range blocks {
		if len(out)+10 > 38 { // leave room for the trailing NOP pad
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

// buildSegment serializes one outbound TCP segment for this flow.
func (f *Flow) buildSegment(seq, ack uint32, flags uint8, data []byte, syn bool) []byte {
	opts := f.sendOptions(syn)
	seg := Segment{
		SrcPort: f.LocalPort,
		DstPort: f.PeerPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  f.advertisedWindow(),
	}
	buf := make([]byte, HeaderLen+len(opts)+len(data))
	seg.Serialize(buf, opts)
	copy(buf[HeaderLen+len(opts):], data)
	return buf
}

// sendSegment transmits one segment, computing the IPv4/IPv6 checksum
// per the protocol-specific pattern established by udp.go/ipv6.go: IPv4
// checksums are computed here (source already known via BoundV4); IPv6
// checksums are left zero for ipv6.Stack.Send's writeUpperChecksum.
func (st *Stack) sendSegment(ctx context.Context, f *Flow, raw []byte) error {
	if f.IsV6 {
		var dst [16]byte
		copy(dst[:], f.PeerIP[:])
		opts := ipv6.SendOpts{BoundL3: f.BoundV6, HopLimit: f.TTL, DontFrag: f.DontFrag}
		return st.V6.Send(ctx, dst, ipv6.NextTCP, raw, opts)
	}
	var dst [4]byte
	copy(dst[:], f.PeerIP[:4])
	var src [4]byte
	if f.BoundV4 != nil {
		copy(src[:], f.BoundV4.IP[:])
	}
	raw[16], raw[17] = 0, 0
	sum := checksum.TransportV4(src, dst, 6, raw)
	raw[16], raw[17] = byte(sum>>8), byte(sum)
	opts := ipv4.SendOpts{BoundL3: f.BoundV4, TTL: f.TTL, DontFrag: f.DontFrag}
	return st.V4.Send(ctx, dst, 6, raw, opts)
}

// enqueueData appends application data to the retransmission queue,
// chunked to MSS, without sending (sendPending drives actual transmit).
func (f *Flow) enqueueData(data []byte) {
	for len(data) > 0 {
		n := int(f.MSS)
		if n > len(data) {
			n = len(data)
		}
		chunk := append([]byte(nil), data[:n]...)
		f.txq = append(f.txq, &TxSegment{Seq: f.SndNxt, Data: chunk})
		f.SndNxt += uint32(n)
		data = data[n:]
	}
}

// sendPending transmits segments within the send/congestion window that
// have not yet been sent, or whose retransmit timeout has fired.
func (st *Stack) sendPending(ctx context.Context, f *Flow) {
	now := sched.Now()
	effWnd := f.SndWnd
	if effWnd == 0 {
		effWnd = 1 // persist probe uses a 1-byte window
	}
	win := f.cwnd
	if effWnd < win {
		win = effWnd
	}
	for _, seg := range f.txq {
		inFlight := seg.Seq - f.SndUna
		if !seg.SentOnce {
			if inFlight >= win {
				break
			}
			st.transmitSegment(ctx, f, seg, now)
			continue
		}
		if seg.TimeoutMs != 0 && now >= seg.TimeoutMs {
			st.onRTO(f)
			st.transmitSegment(ctx, f, seg, now)
		}
	}
}

func (st *Stack) transmitSegment(ctx context.Context, f *Flow, seg *TxSegment, now int64) {
	flags := uint8(flagACK)
	if seg.FIN {
		flags |= flagFIN
	}
	raw := f.buildSegment(seg.Seq, f.RcvNxt, flags, seg.Data, false)
	_ = st.sendSegment(ctx, f, raw)
	if !seg.SentOnce {
		seg.FirstSentMs = now
		seg.SentOnce = true
	}
	seg.LastSentMs = now
	// Each retransmission doubles the previous timeout, capped at MaxRTO.
	rto := f.rtt.rto()
	for i := 0; i < seg.Retransmits && rto < MaxRTO; i++ {
		rto *= 2
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	seg.TimeoutMs = now + rto.Milliseconds()
	seg.Retransmits++
}

func (st *Stack) onRTO(f *Flow) {
	f.ssthresh = f.cwnd / 2
	if f.ssthresh < 2*uint32(f.MSS) {
		f.ssthresh = 2 * uint32(f.MSS)
	}
	f.cwnd = uint32(f.MSS)
	f.inRecovery = false
	f.dupAcks = 0
}

// onAck processes an incoming ACK: slides SndUna, retires acked
// segments, samples RTT, and runs NewReno congestion control.
func (f *Flow) onAck(ack uint32, sackBlocks [][2]uint32) (newlyAcked bool) {
	if seqGT(ack, f.SndNxt) {
		return false
	}
	if !seqGT(ack, f.SndUna) {
		// Possible duplicate ACK: fast retransmit bookkeeping.
		if ack == f.SndUna && len(f.txq) > 0 {
			f.dupAcks++
			if f.dupAcks == 3 && !f.inRecovery {
				f.recover = f.SndNxt
				f.ssthresh = f.cwnd / 2
				if f.ssthresh < 2*uint32(f.MSS) {
					f.ssthresh = 2 * uint32(f.MSS)
				}
				f.cwnd = f.ssthresh + 3*uint32(f.MSS)
				f.inRecovery = true
				if len(f.txq) > 0 {
					f.txq[0].TimeoutMs = sched.Now()
				}
			} else if f.inRecovery {
				f.cwnd += uint32(f.MSS)
			}
		}
		return false
	}

	acked := ack - f.SndUna
	f.SndUna = ack
	now := sched.Now()
	kept := f.txq[:0]
	for _, seg := range f.txq {
		segEnd := seg.Seq + uint32(len(seg.Data))
		if seg.FIN {
			segEnd++
		}
		if seqLE(segEnd, ack) {
			if seg.Retransmits <= 1 && seg.FirstSentMs != 0 {
				f.rtt.sample(now - seg.FirstSentMs)
			}
			continue
		}
		kept = append(kept, seg)
	}
	f.txq = kept

	if f.inRecovery {
		if seqGE(ack, f.recover) {
			f.inRecovery = false
			f.cwnd = f.ssthresh
			f.dupAcks = 0
		} else {
			f.cwnd += acked
		}
	} else {
		f.dupAcks = 0
		if f.cwnd < f.ssthresh {
			f.cwnd += uint32(acked)
		} else {
			f.cwnd += uint32(f.MSS) * acked / max32(f.cwnd, 1)
		}
	}
	return true
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// insertReassembly stores an out-of-order segment for later delivery,
// merging contiguous/overlapping runs.
func (f *Flow) insertReassembly(seq uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	f.reassembly = append(f.reassembly, reassemblySeg{seq, append([]byte(nil), data...)})
	for {
		merged := false
		for i := 0; i < len(f.reassembly); i++ {
			for j := 0; j < len(f.reassembly); j++ {
				if i == j {
					continue
				}
				a, b := f.reassembly[i], f.reassembly[j]
				aEnd := a.seq + uint32(len(a.data))
				if seqLE(b.seq, aEnd) && seqGT(b.seq+uint32(len(b.data)), aEnd) {
					overlap := aEnd - b.seq
					combined := append(append([]byte(nil), a.data...), b.data[overlap:]...)
					f.reassembly[i] = reassemblySeg{a.seq, combined}
					f.reassembly = append(f.reassembly[:j], f.reassembly[j+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			break
		}
	}
}

// drainReassembly delivers any reassembly segment contiguous with RcvNxt.
func (f *Flow) drainReassembly() []byte {
	var out []byte
	for {
		advanced := false
		for i, seg := range f.reassembly {
			if seg.seq == f.RcvNxt {
				out = append(out, seg.data...)
				f.RcvNxt += uint32(len(seg.data))
				f.reassembly = append(f.reassembly[:i], f.reassembly[i+1:]...)
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}
	return out
}
