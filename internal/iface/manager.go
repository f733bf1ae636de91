package iface

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/netkern/netkern/internal/arp"
	"github.com/netkern/netkern/internal/ndp"
	"github.com/netkern/netkern/internal/portmgr"
	"github.com/netkern/netkern/internal/sched"
)

// Manager owns every L2/L3 table in the system: the single gatekeeper for
// address/route/multicast changes describes, with
// process-wide lifetime per singleton guidance.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger

	l2s       [MaxL2 + 1]*L2 // index 1..MaxL2; 0 unused
	nextIndex int

	filterSync DriverFilterSync
	igmpKick   func(ifindex int, group [4]byte)
	mldKick    func(ifindex int, group [16]byte)
	arpSender  func(l2 *L2) arp.Sender
	ndpSender  func(l2 *L2) ndp.Sender
}

// New creates an empty interface manager and installs the LOCALHOST
// bootstrap: 127.0.0.1/8 and ::1/128. The bootstrap joins no multicast
// groups on the LOCALHOST L2.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger, nextIndex: 1}
	m.bootstrapLocalhost()
	return m
}

// SetDriverHooks installs the optional collaborators the manager calls
// out to: hardware multicast filter sync, and lazy daemon wakeups for
// IGMP/MLD. All are optional; nil hooks are simply skipped.
func (m *Manager) SetDriverHooks(filterSync DriverFilterSync, igmpKick func(int, [4]byte), mldKick func(int, [16]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterSync = filterSync
	m.igmpKick = igmpKick
	m.mldKick = mldKick
}

// SetNeighborSenders installs the per-L2 ARP/NDP request senders, called
// when a Table needs to emit a who-has/NS — kept as factories so they can
// close over the concrete L2 without the arp/ndp packages depending on
// iface.
func (m *Manager) SetNeighborSenders(arpSender func(*L2) arp.Sender, ndpSender func(*L2) ndp.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arpSender = arpSender
	m.ndpSender = ndpSender
}

func (m *Manager) l2Locked(ifindex int) (*L2, error) {
	if ifindex < 1 || ifindex > MaxL2 || m.l2s[ifindex] == nil {
		return nil, fmt.Errorf("iface: no such L2 index %d", ifindex)
	}
	return m.l2s[ifindex], nil
}

// CreateL2 registers a new L2 interface and returns its stable ifindex.
func (m *Manager) CreateL2(name string, ctx any, baseMetric int, kind Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(name) > 15 {
		return 0, fmt.Errorf("iface: name %q exceeds 15 bytes", name)
	}
	idx := -1
	for i := m.nextIndex; i <= MaxL2; i++ {
		if m.l2s[i] == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := 1; i < m.nextIndex; i++ {
			if m.l2s[i] == nil {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("iface: no free L2 slots")
	}
	l2 := &L2{Index: idx, Name: name, Kind: kind, BaseMetric: baseMetric, DriverCtx: ctx}
	if kind != KindLocalhost {
		var arpSender arp.Sender
		var ndpSender ndp.Sender
		if m.arpSender != nil {
			arpSender = m.arpSender(l2)
		}
		if m.ndpSender != nil {
			ndpSender = m.ndpSender(l2)
		}
		l2.ARP = arp.NewTable(arpSender)
		l2.NDP = ndp.NewTable(ndpSender)
	}
	m.l2s[idx] = l2
	m.nextIndex = idx + 1
	if m.nextIndex > MaxL2 {
		m.nextIndex = 1
	}
	m.logger.Info("l2 created", "ifindex", idx, "name", name, "kind", kind.String())
	return idx, nil
}

// DestroyL2 removes an L2, requiring it to have no remaining L3 children.
func (m *Manager) DestroyL2(ifindex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	for _, a := range l2.V4 {
		if a != nil {
			return fmt.Errorf("iface: L2 %d still has v4 children", ifindex)
		}
	}
	for _, a := range l2.V6 {
		if a != nil {
			return fmt.Errorf("iface: L2 %d still has v6 children", ifindex)
		}
	}
	m.l2s[ifindex] = nil
	return nil
}

// SetUp toggles the administrative up/down flag.
func (m *Manager) SetUp(ifindex int, up bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	l2.Up = up
	return nil
}

// L2At returns the L2 at ifindex, for read-only inspection by other
// subsystems (route lookup, datapath, monitor).
func (m *Manager) L2At(ifindex int) (*L2, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.l2Locked(ifindex)
}

// Count returns the number of live L2 interfaces.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l2 := range m.l2s {
		if l2 != nil {
			n++
		}
	}
	return n
}

// ForEachL2 invokes fn for every live L2, holding the read lock for the
// duration — fn must not call back into the Manager.
func (m *Manager) ForEachL2(fn func(*L2)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l2 := range m.l2s {
		if l2 != nil {
			fn(l2)
		}
	}
}

func (m *Manager) bootstrapLocalhost() {
	idx, err := m.CreateL2("lo", nil, 0, KindLocalhost)
	if err != nil {
		m.logger.Error("bootstrap localhost failed", "err", err)
		return
	}
	if _, err := m.AddV4(idx, [4]byte{127, 0, 0, 1}, [4]byte{255, 0, 0, 0}, [4]byte{}, V4Static, V4RuntimeOpts{}); err != nil {
		m.logger.Error("bootstrap 127.0.0.1/8 failed", "err", err)
	}
	loopback6 := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	if _, err := m.AddV6(idx, loopback6, 128, [16]byte{}, V6Static, V6Global); err != nil {
		m.logger.Error("bootstrap ::1/128 failed", "err", err)
	}
	_ = m.SetUp(idx, true)
}

// --- v4 address management ---

// AddV4 validates and installs a new IPv4 address on ifindex, returning
// its packed L3Id.
func (m *Manager) AddV4(ifindex int, ip, mask, gw [4]byte, mode V4Mode, opts V4RuntimeOpts) (L3Id, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return 0, err
	}

	if mode == V4Static {
		if err := validateStaticV4(ip, mask, l2.Kind); err != nil {
			return 0, err
		}
	}
	if mode == V4DHCP {
		for _, a := range l2.V4 {
			if a != nil && a.Mode == V4DHCP {
				return 0, fmt.Errorf("iface: L2 %d already has a DHCP v4 address", ifindex)
			}
		}
	}

	// System-wide IP uniqueness.
	for idx, other := range m.l2s {
		if other == nil {
			continue
		}
		for _, a := range other.V4 {
			if a != nil && !isZero4(ip) && a.IP == ip {
				return 0, fmt.Errorf("iface: address %v already in use on L2 %d", ip, idx)
			}
		}
	}

	// Same-L2 subnet overlap.
	network := NetworkOf4(ip, mask)
	for _, a := range l2.V4 {
		if a == nil {
			continue
		}
		otherNet := NetworkOf4(a.IP, a.Mask)
		if otherNet == network {
			return 0, fmt.Errorf("iface: subnet %v/%d overlaps an existing address on L2 %d", network, maskLen4(mask), ifindex)
		}
	}

	slot := -1
	for i, a := range l2.V4 {
		if a == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, fmt.Errorf("iface: L2 %d has no free v4 slots", ifindex)
	}

	id := PackL3Id(ifindex, slot, false)
	addr := &L3V4{
		Id: id, ifindex: ifindex, slot: slot,
		IP: ip, Mask: mask, Gateway: gw,
		Broadcast: BroadcastOf4(ip, mask),
		Mode:      mode,
		Localhost: l2.Kind == KindLocalhost,
		Opts:      opts,
		Ports:     portmgr.New(),
	}
	if !isZero4(gw) {
		addr.AddRoute(RouteV4{Network: netIP4(network), Mask: cidrMask4(mask), Gateway: netIP4(gw), Metric: l2.BaseMetric + 10})
	}
	addr.AddRoute(RouteV4{Network: netIP4(network), Mask: cidrMask4(mask), Metric: l2.BaseMetric})
	l2.V4[slot] = addr
	return id, nil
}

// UpdateV4 replaces the runtime options of an existing v4 address (used
// by DHCP lease renewal).
func (m *Manager) UpdateV4(id L3Id, opts V4RuntimeOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.findV4Locked(id)
	if err != nil {
		return err
	}
	a.Opts = opts
	return nil
}

// RemoveV4 removes a v4 address.
func (m *Manager) RemoveV4(id L3Id) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ifindex, slot, isV6 := id.Unpack()
	if isV6 {
		return fmt.Errorf("iface: %v is not a v4 id", id)
	}
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= MaxV4Slot || l2.V4[slot] == nil {
		return fmt.Errorf("iface: no v4 address for id %v", id)
	}
	l2.V4[slot] = nil
	return nil
}

func (m *Manager) findV4Locked(id L3Id) (*L3V4, error) {
	ifindex, slot, isV6 := id.Unpack()
	if isV6 {
		return nil, fmt.Errorf("iface: %v is not a v4 id", id)
	}
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= MaxV4Slot || l2.V4[slot] == nil {
		return nil, fmt.Errorf("iface: no v4 address for id %v", id)
	}
	return l2.V4[slot], nil
}

// FindV4ByID resolves an L3Id to its v4 address.
func (m *Manager) FindV4ByID(id L3Id) (*L3V4, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findV4Locked(id)
}

// FindV4ByIP scans every L2 for a matching enabled v4 address.
func (m *Manager) FindV4ByIP(ip [4]byte) (*L3V4, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l2 := range m.l2s {
		if l2 == nil {
			continue
		}
		for _, a := range l2.V4 {
			if a != nil && a.IP == ip {
				return a, true
			}
		}
	}
	return nil, false
}

// --- v6 address management ---

// AddV6 validates and installs a new IPv6 address on ifindex.
func (m *Manager) AddV6(ifindex int, ip [16]byte, prefixLen int, gw [16]byte, cfg V6Config, kind V6Kind) (L3Id, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return 0, err
	}

	isPlaceholder := isPlaceholderGUA(ip)
	if !isPlaceholder {
		if err := validateV6(ip, prefixLen, l2.Kind); err != nil {
			return 0, err
		}
	}

	hasLinkLocal := false
	for _, a := range l2.V6 {
		if a == nil {
			continue
		}
		if a.IsLinkLocal() {
			hasLinkLocal = true
		}
		if a.IP == ip {
			return 0, fmt.Errorf("iface: address %v already present on L2 %d", net16(ip), ifindex)
		}
	}

	if kind&V6LinkLocal != 0 && hasLinkLocal {
		return 0, fmt.Errorf("iface: L2 %d already has an enabled link-local", ifindex)
	}
	if kind&V6Global != 0 && !hasLinkLocal && l2.Kind != KindLocalhost {
		return 0, fmt.Errorf("iface: GLOBAL address requires an existing link-local on L2 %d", ifindex)
	}

	slot := -1
	for i, a := range l2.V6 {
		if a == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, fmt.Errorf("iface: L2 %d has no free v6 slots", ifindex)
	}

	id := PackL3Id(ifindex, slot, true)
	addr := &L3V6{
		Id: id, ifindex: ifindex, slot: slot,
		IP: ip, PrefixLen: prefixLen, Gateway: gw,
		Flags: kind, Config: cfg,
		Localhost: l2.Kind == KindLocalhost,
		MTU:       1500,
		Ports:     portmgr.New(),
	}
	if cfg == V6Static || cfg == V6SLAAC {
		addr.DAD = DADNone
	}
	network := maskV6(ip, prefixLen)
	addr.AddRoute(RouteV6{Network: net16(network), PrefixLen: prefixLen, Metric: l2.BaseMetric})
	l2.V6[slot] = addr
	return id, nil
}

// UpdateV6 replaces the RA-derived/lease info of an existing v6 address.
func (m *Manager) UpdateV6(id L3Id, fn func(*L3V6)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.findV6Locked(id)
	if err != nil {
		return err
	}
	fn(a)
	return nil
}

// RemoveV6 removes a v6 address, refusing if it is an enabled link-local
// still referenced by an enabled GLOBAL address on the same L2.
func (m *Manager) RemoveV6(id L3Id) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ifindex, slot, isV6 := id.Unpack()
	if !isV6 {
		return fmt.Errorf("iface: %v is not a v6 id", id)
	}
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= MaxV6Slot || l2.V6[slot] == nil {
		return fmt.Errorf("iface: no v6 address for id %v", id)
	}
	target := l2.V6[slot]
	if target.IsLinkLocal() {
		for _, a := range l2.V6 {
			if a != nil && a != target && a.IsGlobal() && a.Config != V6Disable {
				return fmt.Errorf("iface: cannot remove link-local while a GLOBAL address references it")
			}
		}
	}
	l2.V6[slot] = nil
	return nil
}

// SetEnabledV6 with enabled=false disables an address (config V6Disable,
// DAD reset to none) without freeing its slot. With enabled=true it leaves
// the address unchanged; a disabled address is not re-enabled.
func (m *Manager) SetEnabledV6(id L3Id, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.findV6Locked(id)
	if err != nil {
		return err
	}
	if !enabled {
		a.Config = V6Disable
		a.DAD = DADNone
	}
	return nil
}

func (m *Manager) findV6Locked(id L3Id) (*L3V6, error) {
	ifindex, slot, isV6 := id.Unpack()
	if !isV6 {
		return nil, fmt.Errorf("iface: %v is not a v6 id", id)
	}
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= MaxV6Slot || l2.V6[slot] == nil {
		return nil, fmt.Errorf("iface: no v6 address for id %v", id)
	}
	return l2.V6[slot], nil
}

// FindV6ByID resolves an L3Id to its v6 address.
func (m *Manager) FindV6ByID(id L3Id) (*L3V6, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findV6Locked(id)
}

// FindV6ByIP scans every L2 for a matching v6 address.
func (m *Manager) FindV6ByIP(ip [16]byte) (*L3V6, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l2 := range m.l2s {
		if l2 == nil {
			continue
		}
		for _, a := range l2.V6 {
			if a != nil && a.IP == ip {
				return a, true
			}
		}
	}
	return nil, false
}

// ResolveIPv4ToInterface picks the best local v4 address whose unicast
// prefix contains dst — longest-prefix then lowest metric — for ingress
// dispatch and source-address selection.
func (m *Manager) ResolveIPv4ToInterface(dst [4]byte) (*L3V4, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := -1
	bestMetric := 0
	var bestAddr *L3V4
	for _, l2 := range m.l2s {
		if l2 == nil {
			continue
		}
		for _, a := range l2.V4 {
			if a == nil || a.Mode == V4Disabled {
				continue
			}
			if !contains4(NetworkOf4(a.IP, a.Mask), a.Mask, dst) {
				continue
			}
			plen := maskLen4(a.Mask)
			if plen > best || (plen == best && l2.BaseMetric < bestMetric) {
				best = plen
				bestMetric = l2.BaseMetric
				bestAddr = a
			}
		}
	}
	return bestAddr, bestAddr != nil
}

// ResolveIPv6ToInterface is ResolveIPv4ToInterface's v6 counterpart.
func (m *Manager) ResolveIPv6ToInterface(dst [16]byte) (*L3V6, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := -1
	bestMetric := 0
	var bestAddr *L3V6
	for _, l2 := range m.l2s {
		if l2 == nil {
			continue
		}
		for _, a := range l2.V6 {
			if a == nil || a.Config == V6Disable {
				continue
			}
			if !prefixBytesMatch(maskV6(a.IP, a.PrefixLen), a.PrefixLen, dst) {
				continue
			}
			if a.PrefixLen > best || (a.PrefixLen == best && l2.BaseMetric < bestMetric) {
				best = a.PrefixLen
				bestMetric = l2.BaseMetric
				bestAddr = a
			}
		}
	}
	return bestAddr, bestAddr != nil
}

// AutoconfigL2 applies autoconfigure rule on a non-localhost
// L2: install a DHCP v4 slot if none exists, a SLAAC link-local derived
// from mac if none exists, and a placeholder GUA SLAAC slot if none
// exists yet.
func (m *Manager) AutoconfigL2(ifindex int, mac [6]byte) error {
	m.mu.Lock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if l2.Kind == KindLocalhost {
		m.mu.Unlock()
		return nil
	}
	hasV4 := false
	for _, a := range l2.V4 {
		if a != nil {
			hasV4 = true
		}
	}
	hasLL, hasGUA := false, false
	for _, a := range l2.V6 {
		if a == nil {
			continue
		}
		if a.IsLinkLocal() {
			hasLL = true
		}
		if a.IsGlobal() {
			hasGUA = true
		}
	}
	m.mu.Unlock()

	if !hasV4 {
		if _, err := m.AddV4(ifindex, [4]byte{}, [4]byte{255, 255, 255, 0}, [4]byte{}, V4DHCP, V4RuntimeOpts{}); err != nil {
			m.logger.Warn("autoconfig v4 dhcp slot failed", "ifindex", ifindex, "err", err)
		}
	}
	if !hasLL {
		lla := EUI64LinkLocal(mac)
		if _, err := m.AddV6(ifindex, lla, 64, [16]byte{}, V6SLAAC, V6LinkLocal); err != nil {
			m.logger.Warn("autoconfig v6 link-local failed", "ifindex", ifindex, "err", err)
		}
	}
	if !hasGUA {
		placeholder := [16]byte{0x20, 0x00}
		if _, err := m.AddV6(ifindex, placeholder, 128, [16]byte{}, V6SLAAC, V6Global); err != nil {
			m.logger.Warn("autoconfig v6 placeholder GUA failed", "ifindex", ifindex, "err", err)
		}
	}
	return nil
}

// EUI64LinkLocal derives a modified-EUI-64 fe80::/64 link-local address
// from a MAC address.
func EUI64LinkLocal(mac [6]byte) [16]byte {
	var ip [16]byte
	ip[0], ip[1] = 0xfe, 0x80
	ip[8] = mac[0] ^ 0x02
	ip[9] = mac[1]
	ip[10] = mac[2]
	ip[11] = 0xff
	ip[12] = 0xfe
	ip[13] = mac[3]
	ip[14] = mac[4]
	ip[15] = mac[5]
	return ip
}

func maskV6(ip [16]byte, prefixLen int) [16]byte {
	var out [16]byte
	full := prefixLen / 8
	copy(out[:full], ip[:full])
	rem := prefixLen % 8
	if rem != 0 && full < 16 {
		out[full] = ip[full] & (0xff << (8 - rem))
	}
	return out
}

func netIP4(b [4]byte) []byte  { return append([]byte(nil), b[:]...) }
func cidrMask4(b [4]byte) []byte { return append([]byte(nil), b[:]...) }
func net16(b [16]byte) []byte  { return append([]byte(nil), b[:]...) }

// NotifyTick forwards one scheduler tick to every L2's ARP/NDP tables, the
// shared aging step both state machines run each tick.
func (m *Manager) NotifyTick(tickMs int64) {
	m.ForEachL2(func(l2 *L2) {
		if l2.ARP != nil {
			l2.ARP.Age(tickMs)
		}
		if l2.NDP != nil {
			l2.NDP.Age(tickMs)
		}
	})
}

var _ = sched.Now // keep sched import for future tick-timestamped ops
