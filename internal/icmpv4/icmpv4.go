// Package icmpv4 implements ICMPv4 echo request/reply and error-type
// processing against the bounded in-flight ping table.
//
// Message framing (the Echo Request/Reply body and the Type/Code/Checksum
// envelope) goes through golang.org/x/net/icmp + golang.org/x/net/ipv4,
// the same pair Splat-NDPeekr wires for raw ICMP traffic in
// lib/ndp_listener.go (icmp.ListenPacket, ipv6.PacketConn) — here used for
// v4 message construction/parsing instead of the v6 control-message path.
package icmpv4

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netkern/netkern/internal/checksum"
	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/sched"
	"golang.org/x/net/icmp"
	xipv4 "golang.org/x/net/ipv4"
)

const (
	TypeEchoReply    = byte(xipv4.ICMPTypeEchoReply)
	TypeDestUnreach  = byte(xipv4.ICMPTypeDestinationUnreachable)
	TypeEchoRequest  = byte(xipv4.ICMPTypeEcho)
	TypeTimeExceeded = byte(xipv4.ICMPTypeTimeExceeded)
	TypeParamProblem = byte(xipv4.ICMPTypeParameterProblem)

	maxInFlight  = 64
	pollInterval = 5 * time.Millisecond
)

// Status is the terminal outcome of a tracked echo.
type Status int

const (
	Pending Status = iota
	Replied
	Unreachable
	TimeExceededStatus
	ParamProblemStatus
	TimedOut
)

type slot struct {
	id, seq  uint16
	startMs  int64
	status   Status
	code     uint8
	rttMs    int64
}

// Sender is the egress hook into the IPv4 datapath.
type Sender interface {
	Send(ctx context.Context, dst [4]byte, proto uint8, payload []byte, opts ipv4.SendOpts) error
}

// Handler tracks outstanding echo requests and answers/forwards incoming
// ICMPv4 traffic.
type Handler struct {
	mu    sync.Mutex
	slots []*slot
	send  Sender
}

func New(send Sender) *Handler {
	return &Handler{send: send}
}

// Ping sends an Echo Request and polls until a reply, error, or timeout.
// Returns the round-trip time in milliseconds.
func (h *Handler) Ping(ctx context.Context, dst [4]byte, id, seq uint16, payload []byte, ttl uint8, timeout time.Duration) (int64, error) {
	h.mu.Lock()
	if len(h.slots) >= maxInFlight {
		h.mu.Unlock()
		return 0, fmt.Errorf("icmpv4: in-flight table full")
	}
	s := &slot{id: id, seq: seq, startMs: sched.Now(), status: Pending}
	h.slots = append(h.slots, s)
	h.mu.Unlock()

	wm := icmp.Message{
		Type: xipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: int(id), Seq: int(seq), Data: payload},
	}
	msg, err := wm.Marshal(nil)
	if err != nil {
		h.removeSlot(s)
		return 0, fmt.Errorf("icmpv4: marshal echo request: %w", err)
	}

	if err := h.send.Send(ctx, dst, ipv4.ProtoICMP, msg, ipv4.SendOpts{TTL: ttl}); err != nil {
		h.removeSlot(s)
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sched.Msleep(ctx, pollInterval)
		if ctx.Err() != nil {
			h.removeSlot(s)
			return 0, ctx.Err()
		}
		h.mu.Lock()
		status, rtt := s.status, s.rttMs
		h.mu.Unlock()
		if status != Pending {
			h.removeSlot(s)
			if status != Replied {
				return 0, fmt.Errorf("icmpv4: echo failed with status %d", status)
			}
			return rtt, nil
		}
	}
	h.removeSlot(s)
	return 0, fmt.Errorf("icmpv4: echo to %v timed out", dst)
}

func (h *Handler) removeSlot(target *slot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.slots {
		if s == target {
			h.slots = append(h.slots[:i], h.slots[i+1:]...)
			return
		}
	}
}

func (h *Handler) findSlot(id, seq uint16) *slot {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.slots {
		if s.id == id && s.seq == seq {
			return s
		}
	}
	return nil
}

// Receive handles an inbound ICMPv4 message: mirrors Echo Requests into
// Echo Replies, and resolves in-flight slots for Echo Reply / error types.
func (h *Handler) Receive(ctx context.Context, ifindex int, srcL3 *iface.L3V4, ipHdr ipv4.Header, payload []byte) {
	if len(payload) < 8 {
		return
	}
	if checksum.Checksum(payload) != 0 {
		return
	}
	m, err := icmp.ParseMessage(xipv4.ICMPTypeEcho.Protocol(), payload)
	if err != nil {
		return
	}
	switch byte(m.Type.(xipv4.ICMPType)) {
	case TypeEchoRequest:
		echo, ok := m.Body.(*icmp.Echo)
		if !ok {
			return
		}
		rm := icmp.Message{Type: xipv4.ICMPTypeEchoReply, Code: 0, Body: echo}
		reply, err := rm.Marshal(nil)
		if err != nil {
			return
		}
		_ = h.send.Send(ctx, ipHdr.Src, ipv4.ProtoICMP, reply, ipv4.SendOpts{BoundL3: srcL3})
	case TypeEchoReply:
		echo, ok := m.Body.(*icmp.Echo)
		if !ok {
			return
		}
		if s := h.findSlot(uint16(echo.ID), uint16(echo.Seq)); s != nil {
			h.mu.Lock()
			s.status = Replied
			s.rttMs = sched.Now() - s.startMs
			h.mu.Unlock()
		}
	case TypeDestUnreach, TypeTimeExceeded, TypeParamProblem:
		h.handleError(byte(m.Type.(xipv4.ICMPType)), m)
	}
}

// handleError extracts the inner Echo id/seq from an error message's
// quoted original datagram and marks the matching slot. golang.org/x/net/
// icmp's DstUnreach/TimeExceeded/ParamProb bodies all carry the quoted
// datagram in a Data field; the quoted IPv4 header is parsed with
// ipv4.ParseHeader and the inner Echo with icmp.ParseMessage.
func (h *Handler) handleError(typ uint8, m *icmp.Message) {
	var data []byte
	var code uint8
	switch b := m.Body.(type) {
	case *icmp.DstUnreach:
		data = b.Data
		code = uint8(m.Code)
	case *icmp.TimeExceeded:
		data = b.Data
		code = uint8(m.Code)
	case *icmp.ParamProb:
		data = b.Data
		code = uint8(m.Code)
	default:
		return
	}
	if len(data) < ipv4.HeaderLen+8 {
		return
	}
	innerHdr, hdrLen, err := ipv4.ParseHeader(data)
	if err != nil || innerHdr.Proto != ipv4.ProtoICMP {
		return
	}
	innerICMP := data[hdrLen:]
	innerMsg, err := icmp.ParseMessage(xipv4.ICMPTypeEcho.Protocol(), innerICMP)
	if err != nil {
		return
	}
	innerEcho, ok := innerMsg.Body.(*icmp.Echo)
	if !ok {
		return
	}
	s := h.findSlot(uint16(innerEcho.ID), uint16(innerEcho.Seq))
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s.code = code
	switch typ {
	case TypeDestUnreach:
		s.status = Unreachable
	case TypeTimeExceeded:
		s.status = TimeExceededStatus
	case TypeParamProblem:
		s.status = ParamProblemStatus
	}
}
