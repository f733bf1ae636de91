package iface

import "fmt"

func isZero4(b [4]byte) bool { return b == [4]byte{} }

func isMulticast4(ip [4]byte) bool { return ip[0] >= 224 && ip[0] <= 239 }

func isReserved4(ip [4]byte) bool {
	// 0.0.0.0/8, 127.0.0.0/8 (handled separately for loopback), 240.0.0.0/4
	return ip[0] == 0 || ip[0] >= 240
}

// validateStaticV4 enforces rule list for a STATIC v4
// address, in the order original_source/interface_manager.c applies them:
// unspecified -> mask -> multicast -> reserved -> network/broadcast ->
// duplicate -> overlap. Duplicate/overlap checks are done by the caller,
// which has visibility across L2s; this function covers the
// single-address structural checks.
func validateStaticV4(ip, mask [4]byte, kind Kind) error {
	if isZero4(ip) {
		return fmt.Errorf("iface: unspecified address not allowed")
	}
	if !isContiguousMask4(mask) {
		return fmt.Errorf("iface: non-contiguous netmask")
	}
	if isMulticast4(ip) {
		return fmt.Errorf("iface: multicast address not allowed as unicast")
	}
	if isReserved4(ip) && kind != KindLocalhost {
		return fmt.Errorf("iface: reserved address not allowed")
	}
	if ip[0] == 127 && kind != KindLocalhost {
		return fmt.Errorf("iface: loopback address only allowed on localhost interface")
	}
	network := NetworkOf4(ip, mask)
	broadcast := BroadcastOf4(ip, mask)
	ones := maskLen4(mask)
	if ones < 31 { // /31, /32 have no distinct network/broadcast
		if ip == network {
			return fmt.Errorf("iface: address equals network address of subnet")
		}
		if ip == broadcast {
			return fmt.Errorf("iface: address equals broadcast address of subnet")
		}
	}
	return nil
}

func isMulticast6(ip [16]byte) bool { return ip[0] == 0xff }

func isLoopback6(ip [16]byte) bool {
	for i := 0; i < 15; i++ {
		if ip[i] != 0 {
			return false
		}
	}
	return ip[15] == 1
}

func isULA6(ip [16]byte) bool { return ip[0]&0xfe == 0xfc }

// isPlaceholderGUA reports the 2000::/128 sentinel says the
// system must recognize and tolerate: a placeholder used to reserve a
// SLAAC slot before a prefix is known from an RA.
func isPlaceholderGUA(ip [16]byte) bool {
	want := [16]byte{0x20, 0x00}
	return ip == want
}

// validateV6 enforces v6 rule list for the single-address
// structural checks. The caller, AddV6, checks the link-local rules and
// duplicate addresses on the same L2; neither checks prefix overlap.
func validateV6(ip [16]byte, prefixLen int, kind Kind) error {
	if prefixLen > 128 {
		return fmt.Errorf("iface: prefix length > 128")
	}
	if isMulticast6(ip) {
		return fmt.Errorf("iface: multicast address not allowed as unicast")
	}
	if isLoopback6(ip) && kind != KindLocalhost {
		return fmt.Errorf("iface: loopback ::1 only allowed on localhost interface")
	}
	if isULA6(ip) && !isLoopback6(ip) {
		return fmt.Errorf("iface: ULA address rejected")
	}
	return nil
}
