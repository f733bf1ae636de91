package iface

// DriverFilterSync is the hook the interface manager calls whenever an
// L2's multicast membership set changes, so the "opaque driver context"
// can reprogram the NIC's hardware receive filter with the union of
// IGMP-mapped v4 MACs and solicited-node v6 MACs.
type DriverFilterSync func(l2 *L2, macs [][6]byte)

// igmpMappedMAC maps the low 23 bits of a v4 multicast group into the
// 01:00:5E:xx:xx:xx Ethernet multicast range.
func igmpMappedMAC(group [4]byte) [6]byte {
	return [6]byte{0x01, 0x00, 0x5e, group[1] & 0x7f, group[2], group[3]}
}

// solicitedNodeMAC maps a v6 solicited-node multicast address (or any v6
// multicast group) into the 33:33:xx:xx:xx:xx range from its low 32 bits.
func solicitedNodeMAC(group [16]byte) [6]byte {
	return [6]byte{0x33, 0x33, group[12], group[13], group[14], group[15]}
}

func (m *Manager) syncDriverFilter(l2 *L2) {
	if m.filterSync == nil {
		return
	}
	var macs [][6]byte
	for _, g := range l2.mcastV4 {
		macs = append(macs, igmpMappedMAC(g.Group))
	}
	for _, g := range l2.mcastV6 {
		macs = append(macs, solicitedNodeMAC(g.Group))
	}
	m.filterSync(l2, macs)
}

// JoinV4 joins group on ifindex, a no-op (refcount increment only) if
// already joined. Kicks the IGMP daemon via igmpKick on a fresh join.
func (m *Manager) JoinV4(ifindex int, group [4]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	for i := range l2.mcastV4 {
		if l2.mcastV4[i].Group == group {
			l2.mcastV4[i].Refs++
			return nil
		}
	}
	l2.mcastV4 = append(l2.mcastV4, mcastV4Group{Group: group, Refs: 1})
	m.syncDriverFilter(l2)
	if m.igmpKick != nil {
		m.igmpKick(ifindex, group)
	}
	return nil
}

// LeaveV4 decrements group's refcount on ifindex, removing it and
// reprogramming the driver filter once it reaches zero.
func (m *Manager) LeaveV4(ifindex int, group [4]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	for i := range l2.mcastV4 {
		if l2.mcastV4[i].Group == group {
			l2.mcastV4[i].Refs--
			if l2.mcastV4[i].Refs <= 0 {
				l2.mcastV4 = append(l2.mcastV4[:i], l2.mcastV4[i+1:]...)
				m.syncDriverFilter(l2)
			}
			return nil
		}
	}
	return nil
}

// JoinV6 is JoinV4's v6 counterpart, kicking the MLD daemon instead.
func (m *Manager) JoinV6(ifindex int, group [16]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	for i := range l2.mcastV6 {
		if l2.mcastV6[i].Group == group {
			l2.mcastV6[i].Refs++
			return nil
		}
	}
	l2.mcastV6 = append(l2.mcastV6, mcastV6Group{Group: group, Refs: 1})
	m.syncDriverFilter(l2)
	if m.mldKick != nil {
		m.mldKick(ifindex, group)
	}
	return nil
}

// LeaveV6 is LeaveV4's v6 counterpart.
func (m *Manager) LeaveV6(ifindex int, group [16]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return err
	}
	for i := range l2.mcastV6 {
		if l2.mcastV6[i].Group == group {
			l2.mcastV6[i].Refs--
			if l2.mcastV6[i].Refs <= 0 {
				l2.mcastV6 = append(l2.mcastV6[:i], l2.mcastV6[i+1:]...)
				m.syncDriverFilter(l2)
			}
			return nil
		}
	}
	return nil
}

// HasJoinedV4 reports whether ifindex has joined group, used by IPv4
// multicast ingress delivery to decide whether to accept a datagram.
func (m *Manager) HasJoinedV4(ifindex int, group [4]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return false
	}
	for _, g := range l2.mcastV4 {
		if g.Group == group {
			return true
		}
	}
	return false
}

// HasJoinedV6 is HasJoinedV4's v6 counterpart.
func (m *Manager) HasJoinedV6(ifindex int, group [16]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l2, err := m.l2Locked(ifindex)
	if err != nil {
		return false
	}
	for _, g := range l2.mcastV6 {
		if g.Group == group {
			return true
		}
	}
	return false
}
