// Package checksum computes the one's-complement Internet checksum used by
// IPv4, ICMPv4, ICMPv6, TCP and UDP, including the IPv4/IPv6 pseudo-header
// variants required by the transport checksums.
package checksum

import "encoding/binary"

// Partial folds b into a running 32-bit accumulator (not yet complemented),
// so callers can checksum a header and a payload in separate calls before
// a single final Finalize.
func Partial(acc uint32, b []byte) uint32 {
	n := len(b)
	i := 0
	for ; i+1 < n; i += 2 {
		acc += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if i < n {
		acc += uint32(b[i]) << 8
	}
	return acc
}

// Finalize folds the carries of acc and returns the one's complement,
// i.e. the wire checksum value. A packet whose checksum field was filled
// in correctly verifies with Finalize of the whole header+payload equal
// to zero; Finalize itself never rewrites a zero result, since that
// rewrite (RFC 768's "computed zero is sent as all-ones") only applies
// to UDP's sender-side embedding step — see FinalizeUDP.
func Finalize(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return ^uint16(acc)
}

// FinalizeUDP is Finalize with UDP's RFC 768 exception applied: a
// genuinely-zero computed checksum is transmitted as 0xffff so the
// receiver never mistakes a present-but-zero checksum for "none".
func FinalizeUDP(acc uint32) uint16 {
	sum := Finalize(acc)
	if sum == 0 {
		return 0xffff
	}
	return sum
}

// Checksum computes the Internet checksum of b in one call.
func Checksum(b []byte) uint16 {
	return Finalize(Partial(0, b))
}

// PseudoHeaderV4 returns the partial checksum contribution of an IPv4
// pseudo-header (src, dst, zero, proto, length) per RFC 793/768.
func PseudoHeaderV4(src, dst [4]byte, proto uint8, length uint16) uint32 {
	acc := Partial(0, src[:])
	acc = Partial(acc, dst[:])
	acc += uint32(proto)
	acc += uint32(length)
	return acc
}

// PseudoHeaderV6 returns the partial checksum contribution of an IPv6
// pseudo-header (src, dst, upper-layer length, next header) per RFC 8200.
func PseudoHeaderV6(src, dst [16]byte, nextHeader uint8, length uint32) uint32 {
	acc := Partial(0, src[:])
	acc = Partial(acc, dst[:])
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], length)
	acc = Partial(acc, lenBuf[:])
	acc += uint32(nextHeader)
	return acc
}

// TransportV4 computes a TCP/UDP checksum over header+payload with the
// IPv4 pseudo-header (including proto) always folded in. ICMPv4 has no
// pseudo-header, so its checksum comes from Checksum, not from this.
func TransportV4(src, dst [4]byte, proto uint8, hdrAndPayload []byte) uint16 {
	acc := PseudoHeaderV4(src, dst, proto, uint16(len(hdrAndPayload)))
	acc = Partial(acc, hdrAndPayload)
	return Finalize(acc)
}

// TransportV6 computes a TCP/UDP/ICMPv6 checksum with the IPv6
// pseudo-header folded in.
func TransportV6(src, dst [16]byte, nextHeader uint8, hdrAndPayload []byte) uint16 {
	acc := PseudoHeaderV6(src, dst, nextHeader, uint32(len(hdrAndPayload)))
	acc = Partial(acc, hdrAndPayload)
	return Finalize(acc)
}
