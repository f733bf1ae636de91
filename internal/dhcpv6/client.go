package dhcpv6

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/netdev"
	"github.com/netkern/netkern/internal/sched"
	"github.com/netkern/netkern/internal/udp"
	"github.com/rs/xid"
)

// Tick is the daemon's fixed poll period (dhcpv6_daemon_entry's tick_ms).
const Tick = 250 * time.Millisecond

const (
	maxInfoReqTx = 3
	maxRequestTx = 3
	maxOtherTx   = 5

	minBackoffMs = 4000
	maxBackoffMs = 64000
)

// serversMulticast is All_DHCP_Relay_Agents_and_Servers, ff02::1:2.
var serversMulticast = [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 2}

// binding is the per-address client state, the Go shape of dhcpv6_bind_t.
type binding struct {
	ifindex int
	target  iface.L3Id // the GUA/stateless address this binding is acquiring a lease for
	linkLL  iface.L3Id // the link-local address the client socket is bound to
	mac     [6]byte

	// logID correlates every log line for this binding's lease across its
	// full SOLICIT..BOUND..RENEW lifetime, independent of the wire xid
	// (which changes per transaction).
	logID string

	sock *udp.Socket

	iaid uint32
	xid  uint32

	retryLeftMs int64
	backoffMs   int64

	t1LeftMs, t2LeftMs, leaseLeftMs int64
	t1Sec, t2Sec                     uint32

	lastState iface.DHCPv6State
	txTries   int
	done      bool
	gotDNS    bool

	serverDUID []byte
	dns        [][16]byte
	ntp        [][16]byte
}

// Daemon runs the DHCPv6 client FSM for every eligible address across every
// up L2, grounded on dhcpv6_daemon.c's ensure_binds/fsm_once pair.
type Daemon struct {
	ifaces *iface.Manager
	udp    *udp.Stack
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[int]*binding // keyed by ifindex, one binding per interface

	forceRenewAll   bool
	forceRebindAll  bool
	forceConfirmAll bool
	forceRelease    map[iface.L3Id]bool
	forceDecline    map[iface.L3Id]bool

	// OnTransition, if set, is invoked after every FSM state change
	// (internal/metrics wires this to a transition counter).
	OnTransition func(iface.DHCPv6State)
}

func New(ifaces *iface.Manager, udpStack *udp.Stack, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		ifaces:       ifaces,
		udp:          udpStack,
		logger:       logger,
		bindings:     make(map[int]*binding),
		forceRelease: make(map[iface.L3Id]bool),
		forceDecline: make(map[iface.L3Id]bool),
	}
}

// LeaseInfo is a point-in-time snapshot of one binding's lease state, for
// netkernmon and internal/metrics to read without touching daemon
// internals directly.
type LeaseInfo struct {
	Ifindex      int
	Target       iface.L3Id
	State        iface.DHCPv6State
	T1LeftMs     int64
	T2LeftMs     int64
	LeaseLeftMs  int64
	DNS          [][16]byte
	NTP          [][16]byte
	ServerDUID   []byte
}

// Leases snapshots every active binding.
func (d *Daemon) Leases() []LeaseInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LeaseInfo, 0, len(d.bindings))
	for _, b := range d.bindings {
		state := iface.DHCPv6Init
		if a, err := d.ifaces.FindV6ByID(b.target); err == nil {
			state = a.DHCPv6
		}
		out = append(out, LeaseInfo{
			Ifindex:     b.ifindex,
			Target:      b.target,
			State:       state,
			T1LeftMs:    b.t1LeftMs,
			T2LeftMs:    b.t2LeftMs,
			LeaseLeftMs: b.leaseLeftMs,
			DNS:         b.dns,
			NTP:         b.ntp,
			ServerDUID:  b.serverDUID,
		})
	}
	return out
}

// ForceRenewAll pokes every bound lease into RENEWING on the next tick.
func (d *Daemon) ForceRenewAll() {
	d.mu.Lock()
	d.forceRenewAll = true
	d.mu.Unlock()
}

// ForceRebindAll pokes every bound lease into REBINDING on the next tick.
func (d *Daemon) ForceRebindAll() {
	d.mu.Lock()
	d.forceRebindAll = true
	d.mu.Unlock()
}

// ForceConfirmAll pokes every bound lease into CONFIRMING on the next tick.
func (d *Daemon) ForceConfirmAll() {
	d.mu.Lock()
	d.forceConfirmAll = true
	d.mu.Unlock()
}

// ForceReleaseL3 pokes the binding owning l3 into RELEASING.
func (d *Daemon) ForceReleaseL3(l3 iface.L3Id) {
	d.mu.Lock()
	d.forceRelease[l3] = true
	d.mu.Unlock()
}

// ForceDeclineL3 pokes the binding owning l3 into DECLINING.
func (d *Daemon) ForceDeclineL3(l3 iface.L3Id) {
	d.mu.Lock()
	d.forceDecline[l3] = true
	d.mu.Unlock()
}

// Run drives ensureBindings + fsmOnce on Tick until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) {
	sched.Ticker(ctx, Tick, func() {
		d.ensureBindings()
		d.mu.Lock()
		bindings := make([]*binding, 0, len(d.bindings))
		for _, b := range d.bindings {
			bindings = append(bindings, b)
		}
		d.mu.Unlock()
		for _, b := range bindings {
			d.fsmOnce(ctx, b, int64(Tick/time.Millisecond))
		}
		d.mu.Lock()
		d.forceRenewAll = false
		d.forceRebindAll = false
		d.forceConfirmAll = false
		d.mu.Unlock()
	})
}

func macOf(l2 *iface.L2) ([6]byte, bool) {
	if p, ok := l2.DriverCtx.(*netdev.Port); ok {
		return p.MAC, true
	}
	return [6]byte{}, false
}

// ensureBindings creates a binding for every up, non-loopback L2 carrying
// either a V6DHCPv6-configured address or a stateless-SLAAC address still
// awaiting DHCPv6 INFORMATION-REQUEST data, and tears down bindings whose
// interface or eligible address disappeared (ensure_binds, generalized
// from one DHCPv6_CLIENT_PORT socket per ifindex rather than per
// MAX_IPV6_PER_INTERFACE slot — one stateful/stateless lease per link is
// all this system's address model allows at a time).
func (d *Daemon) ensureBindings() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ifindex, b := range d.bindings {
		l2, err := d.ifaces.L2At(ifindex)
		keep := err == nil && l2.Up
		var target *iface.L3V6
		if keep {
			target, err = d.ifaces.FindV6ByID(b.target)
			keep = err == nil && d.eligible(target)
		}
		if keep {
			if _, err := d.ifaces.FindV6ByID(b.linkLL); err != nil {
				keep = false
			}
		}
		if !keep {
			if b.sock != nil {
				d.udp.Close(b.sock)
			}
			delete(d.bindings, ifindex)
		}
	}

	d.ifaces.ForEachL2(func(l2 *iface.L2) {
		if !l2.Up || l2.Kind == iface.KindLocalhost {
			return
		}
		if _, exists := d.bindings[l2.Index]; exists {
			return
		}
		mac, ok := macOf(l2)
		if !ok {
			return
		}

		var target *iface.L3V6
		for _, a := range l2.V6 {
			if a != nil && d.eligible(a) {
				target = a
				break
			}
		}
		if target == nil {
			return
		}

		var ll *iface.L3V6
		for _, a := range l2.V6 {
			if a != nil && a.IsLinkLocal() && a.DAD == iface.DADOK {
				ll = a
				break
			}
		}
		if ll == nil {
			return
		}

		sock := d.udp.NewSocket(0, 8)
		if err := d.udp.Bind(sock, udp.BindSpec{Kind: udp.SpecL3, L3ID: ll.Id}, ClientPort); err != nil {
			d.logger.Warn("dhcpv6: bind failed", "ifindex", l2.Index, "err", err)
			return
		}
		_ = d.ifaces.JoinV6(l2.Index, serversMulticast)

		logID := xid.New().String()
		d.logger.Info("dhcpv6: bind established", "ifindex", l2.Index, "xid", logID)

		d.bindings[l2.Index] = &binding{
			ifindex: l2.Index,
			target:  target.Id,
			linkLL:  ll.Id,
			mac:     mac,
			logID:   logID,
			sock:    sock,
			iaid:    IAIDFromMAC(mac),
		}
	})
}

func (d *Daemon) eligible(a *iface.L3V6) bool {
	if a == nil || !a.IsGlobal() {
		return false
	}
	stateful := a.Config == iface.V6DHCPv6
	stateless := a.Config == iface.V6SLAAC && a.DHCPv6Stateless
	return stateful || stateless
}

func nextBackoff(b *binding, rand32 func() uint32) int64 {
	if b.backoffMs == 0 {
		b.backoffMs = minBackoffMs
	} else {
		b.backoffMs *= 2
		if b.backoffMs > maxBackoffMs {
			b.backoffMs = maxBackoffMs
		}
	}
	jitter := int64(rand32()%2000) - 1000
	v := b.backoffMs + jitter
	if v < 1000 {
		v = 1000
	}
	return v
}

func (d *Daemon) notify(s iface.DHCPv6State) {
	if d.OnTransition != nil {
		d.OnTransition(s)
	}
}

func resetBackoff(b *binding) {
	b.backoffMs = 0
	b.retryLeftMs = 0
}

func rand32() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// fsmOnce advances one binding by one tick, the Go shape of fsm_once.
func (d *Daemon) fsmOnce(ctx context.Context, b *binding, tickMs int64) {
	target, err := d.ifaces.FindV6ByID(b.target)
	if err != nil || b.done {
		return
	}
	stateless := target.Config == iface.V6SLAAC && target.DHCPv6Stateless

	if b.retryLeftMs > tickMs {
		b.retryLeftMs -= tickMs
	} else {
		b.retryLeftMs = 0
	}
	if target.DHCPv6 == iface.DHCPv6Bound {
		b.t1LeftMs = subClamp(b.t1LeftMs, tickMs)
		b.t2LeftMs = subClamp(b.t2LeftMs, tickMs)
		b.leaseLeftMs = subClamp(b.leaseLeftMs, tickMs)
	}

	d.mu.Lock()
	doRelease := d.forceRelease[b.target]
	delete(d.forceRelease, b.target)
	doDecline := d.forceDecline[b.target]
	delete(d.forceDecline, b.target)
	forceConfirm, forceRebind, forceRenew := d.forceConfirmAll, d.forceRebindAll, d.forceRenewAll
	d.mu.Unlock()

	var nextState *iface.DHCPv6State
	set := func(s iface.DHCPv6State) { nextState = &s; b.retryLeftMs = 0; resetBackoff(b) }

	switch {
	case doRelease:
		set(iface.DHCPv6Releasing)
	case doDecline:
		set(iface.DHCPv6Declining)
	case forceConfirm:
		set(iface.DHCPv6Confirming)
	case forceRebind:
		set(iface.DHCPv6Rebinding)
	case forceRenew:
		set(iface.DHCPv6Renewing)
	}

	if nextState == nil && target.DHCPv6 == iface.DHCPv6Init {
		if stateless && b.gotDNS {
			b.retryLeftMs = 0
			resetBackoff(b)
			return
		}
		set(iface.DHCPv6Soliciting)
	}

	if nextState == nil && target.DHCPv6 == iface.DHCPv6Bound {
		switch {
		case b.leaseLeftMs == 0 && b.t1Sec+b.t2Sec != 0:
			_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) { a.DHCPv6 = iface.DHCPv6Init })
			d.notify(iface.DHCPv6Init)
			return
		case b.t2LeftMs == 0 && b.leaseLeftMs != 0:
			set(iface.DHCPv6Rebinding)
		case b.t1LeftMs == 0 && b.leaseLeftMs != 0:
			set(iface.DHCPv6Renewing)
		default:
			return
		}
	}

	if nextState != nil {
		cur := *nextState
		_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) { a.DHCPv6 = cur })
		d.notify(cur)
		return
	}

	if b.retryLeftMs > 0 {
		return
	}
	if b.lastState != target.DHCPv6 {
		b.lastState = target.DHCPv6
		b.txTries = 0
	}

	msgType := byte(MsgSolicit)
	switch {
	case stateless:
		msgType = MsgInformationRequest
	case target.DHCPv6 == iface.DHCPv6Soliciting:
		msgType = MsgSolicit
	case target.DHCPv6 == iface.DHCPv6Requesting:
		msgType = MsgRequest
	case target.DHCPv6 == iface.DHCPv6Renewing:
		msgType = MsgRenew
	case target.DHCPv6 == iface.DHCPv6Rebinding:
		msgType = MsgRebind
	case target.DHCPv6 == iface.DHCPv6Confirming:
		msgType = MsgConfirm
	case target.DHCPv6 == iface.DHCPv6Releasing:
		msgType = MsgRelease
	case target.DHCPv6 == iface.DHCPv6Declining:
		msgType = MsgDecline
	}

	limit := maxOtherTx
	switch msgType {
	case MsgInformationRequest:
		limit = maxInfoReqTx
	case MsgRequest:
		limit = maxRequestTx
	}

	if b.txTries >= limit {
		if stateless {
			_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) { a.DHCPv6 = iface.DHCPv6Init })
		} else {
			b.done = true
			_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) { a.DHCPv6 = iface.DHCPv6Init })
		}
		d.notify(iface.DHCPv6Init)
		resetBackoff(b)
		return
	}

	b.xid = XID24(rand32())
	msg, err := BuildMessage(msgType, b.xid, BuildOpts{
		ClientDUID: DUIDLL(b.mac),
		ServerDUID: b.serverDUID,
		IAID:       b.iaid,
		T1:         b.t1Sec,
		T2:         b.t2Sec,
		WantAddr:   !stateless,
		LeaseAddr:  target.IP,
	})
	if err != nil {
		b.retryLeftMs = nextBackoff(b, rand32)
		return
	}

	dst := udp.Endpoint{IP: serversMulticast[:], Ver: 6, Port: ServerPort}
	if err := d.udp.SendTo(ctx, b.sock, dst, msg); err != nil {
		b.retryLeftMs = nextBackoff(b, rand32)
		return
	}
	d.logger.Debug("dhcpv6: tx", "xid", b.logID, "msg_type", msgType, "try", b.txTries+1)
	b.txTries++

	reply, ok := d.waitReply(ctx, b)
	if ok {
		d.handleReply(reply, b, target, stateless)
	}

	b.retryLeftMs = nextBackoff(b, rand32)
}

func subClamp(v, d int64) int64 {
	if v > d {
		return v - d
	}
	return 0
}

// waitReply polls the bound socket for up to 250ms, mirroring
// fsm_once's send-then-wait loop.
func (d *Daemon) waitReply(ctx context.Context, b *binding) (*Parsed, bool) {
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if data, src, ok := b.sock.RecvFrom(); ok {
			if src.Port != ServerPort {
				continue
			}
			p, err := ParseMessage(data, b.xid)
			if err == nil {
				return p, true
			}
		}
		sched.Msleep(ctx, 50*time.Millisecond)
		if ctx.Err() != nil {
			return nil, false
		}
	}
	return nil, false
}

func (d *Daemon) handleReply(p *Parsed, b *binding, target *iface.L3V6, stateless bool) {
	if len(p.DNS) > 0 {
		b.dns = p.DNS
		b.gotDNS = true
	}
	if len(p.NTP) > 0 {
		b.ntp = p.NTP
	}

	applyLease := func(a *iface.L3V6) {
		if len(p.ServerDUID) > 0 {
			b.serverDUID = p.ServerDUID
		}
		if p.HasAddr {
			a.IP = p.Addr
			a.PrefixLen = 128
			a.Config = iface.V6DHCPv6

			t1, t2 := p.T1, p.T2
			if t1 == 0 {
				t1 = p.ValidLft / 2
			}
			if t2 == 0 {
				t2 = p.ValidLft / 8 * 7
			}
			b.t1Sec, b.t2Sec = t1, t2
			b.t1LeftMs = int64(t1) * 1000
			b.t2LeftMs = int64(t2) * 1000
			b.leaseLeftMs = int64(p.ValidLft) * 1000
		}
	}

	switch {
	case p.MsgType == MsgAdvertise && target.DHCPv6 == iface.DHCPv6Soliciting:
		_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) {
			applyLease(a)
			a.DHCPv6 = iface.DHCPv6Requesting
		})
		d.notify(iface.DHCPv6Requesting)
		resetBackoff(b)
	case p.MsgType == MsgReply && stateless:
		resetBackoff(b)
	case p.MsgType == MsgReply:
		switch target.DHCPv6 {
		case iface.DHCPv6Requesting, iface.DHCPv6Renewing, iface.DHCPv6Rebinding, iface.DHCPv6Confirming:
			_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) {
				applyLease(a)
				a.DHCPv6 = iface.DHCPv6Bound
			})
			d.notify(iface.DHCPv6Bound)
			resetBackoff(b)
		case iface.DHCPv6Releasing, iface.DHCPv6Declining:
			_ = d.ifaces.UpdateV6(b.target, func(a *iface.L3V6) { a.DHCPv6 = iface.DHCPv6Init })
			b.leaseLeftMs, b.t1LeftMs, b.t2LeftMs = 0, 0, 0
			d.notify(iface.DHCPv6Init)
			resetBackoff(b)
		}
	}
}
