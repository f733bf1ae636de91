package checksum

import "testing"

func TestChecksumRoundTrip(t *testing.T) {
	// Classic RFC 1071 example: 0x0001 0xf203 0xf4f5 0xf6f7 sums to 0xddf2,
	// whose one's complement is 0x220d.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	got := Checksum(b)
	if got != 0x220d {
		t.Fatalf("Checksum() = %#04x, want 0x220d", got)
	}
}

func TestChecksumSelfVerifies(t *testing.T) {
	b := []byte{0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06, 0x00, 0x00, 0xac, 0x10, 0x0a, 0x63, 0xac, 0x10, 0x0a, 0x0c}
	sum := Checksum(b)
	binary := append([]byte(nil), b...)
	binary[10] = byte(sum >> 8)
	binary[11] = byte(sum)
	if Checksum(binary) != 0 {
		t.Fatalf("inserting checksum does not yield zero checksum: %#04x", Checksum(binary))
	}
}

func TestTransportV4MatchesManualPseudoHeader(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	payload := []byte("hello udp")
	got := TransportV4(src, dst, 17, payload)

	acc := Partial(0, src[:])
	acc = Partial(acc, dst[:])
	acc += 17
	acc += uint32(len(payload))
	acc = Partial(acc, payload)
	want := Finalize(acc)

	if got != want {
		t.Fatalf("TransportV4 = %#04x, want %#04x", got, want)
	}
}

func TestUDPZeroChecksumSentAsAllOnes(t *testing.T) {
	// Two bytes that already sum to 0xffff give an accumulator whose one's
	// complement is zero. Plain Finalize reports the true zero; FinalizeUDP (used only when
	// embedding a UDP checksum) rewrites it to 0xffff per RFC 768.
	acc := Partial(0, []byte{0xff, 0xff})
	if got := Finalize(acc); got != 0 {
		t.Fatalf("Finalize() = %#04x, want 0x0000", got)
	}
	if got := FinalizeUDP(acc); got != 0xffff {
		t.Fatalf("FinalizeUDP() = %#04x, want 0xffff", got)
	}
}
