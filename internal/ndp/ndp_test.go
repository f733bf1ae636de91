package ndp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestKind_NDPTypes(t *testing.T) {
	cases := []struct {
		name string
		typ  byte
		want string
	}{
		{"RS", TypeRS, "router_solicitation"},
		{"RA", TypeRA, "router_advertisement"},
		{"NS", TypeNS, "neighbor_solicitation"},
		{"NA", TypeNA, "neighbor_advertisement"},
		{"Redirect", TypeRedirect, "redirect"},
		{"MLDQuery", TypeMLDQuery, "mld_query"},
		{"MLDv1Report", TypeMLDReport, "mld_report"},
		{"MLDDone", TypeMLDDone, "mld_done"},
		{"MLDv2Report", TypeMLDv2Rpt, "mld_report"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.typ); got != tc.want {
				t.Fatalf("Kind(%v) = %q, want %q", tc.typ, got, tc.want)
			}
		})
	}
}

func TestKind_NonNDPReturnsEmpty(t *testing.T) {
	for _, typ := range []byte{128, 129, 1, 3} {
		if got := Kind(typ); got != "" {
			t.Fatalf("Kind(%d) = %q, want empty", typ, got)
		}
	}
}

func buildNS(target [16]byte, srcLL net.HardwareAddr) []byte {
	buf := make([]byte, 24+8)
	buf[0] = TypeNS
	copy(buf[8:24], target[:])
	buf[24] = 1 // source link-layer addr option
	buf[25] = 1 // length in 8-byte units
	copy(buf[26:32], srcLL)
	return buf
}

func TestParseNS(t *testing.T) {
	var target [16]byte
	target[0] = 0xfe
	target[1] = 0x80
	target[15] = 0xaa
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	buf := buildNS(target, mac)

	m, err := ParseNS(buf)
	if err != nil {
		t.Fatalf("ParseNS: %v", err)
	}
	if m.Target != target {
		t.Fatalf("Target = %v, want %v", m.Target, target)
	}
	if m.SrcLL.String() != mac.String() {
		t.Fatalf("SrcLL = %v, want %v", m.SrcLL, mac)
	}
}

func TestParseRA_PrefixAndMTU(t *testing.T) {
	buf := make([]byte, 16+32+8)
	buf[0] = TypeRA
	buf[4] = 64          // cur hop limit
	buf[5] = 0x80         // M bit
	binary.BigEndian.PutUint16(buf[6:8], 1800)

	// Prefix Information option at offset 16
	buf[16] = 3
	buf[17] = 4 // 32 bytes / 8
	buf[16+2] = 64
	buf[16+3] = 0xc0 // on-link + autonomous
	binary.BigEndian.PutUint32(buf[16+4:16+8], 2592000)
	binary.BigEndian.PutUint32(buf[16+8:16+12], 604800)
	prefix := [16]byte{0x20, 0x01, 0x0d, 0xb8}
	copy(buf[16+16:16+32], prefix[:])

	// MTU option at offset 48
	buf[48] = 5
	buf[49] = 1
	binary.BigEndian.PutUint32(buf[48+4:48+8], 1500)

	m, err := ParseRA(buf)
	if err != nil {
		t.Fatalf("ParseRA: %v", err)
	}
	if !m.Managed {
		t.Fatal("expected Managed flag set")
	}
	if m.RouterLifetime != 1800 {
		t.Fatalf("RouterLifetime = %d, want 1800", m.RouterLifetime)
	}
	if len(m.Prefixes) != 1 {
		t.Fatalf("Prefixes = %d, want 1", len(m.Prefixes))
	}
	if !m.Prefixes[0].OnLink || !m.Prefixes[0].Autonomous {
		t.Fatal("expected on-link+autonomous prefix flags")
	}
	if m.Prefixes[0].Prefix != prefix {
		t.Fatalf("prefix = %v, want %v", m.Prefixes[0].Prefix, prefix)
	}
	if m.MTU != 1500 {
		t.Fatalf("MTU = %d, want 1500", m.MTU)
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	addr := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x11, 0x22, 0x33}
	g := SolicitedNodeMulticast(addr)
	want := "ff02::1:ff11:2233"
	if net.IP(g[:]).String() != want {
		t.Fatalf("solicited-node = %v, want %v", net.IP(g[:]), want)
	}
}

type fakeNSSender struct {
	sent  [][16]byte
	table *Table
	reply [16]byte
	mac   net.HardwareAddr
}

func (f *fakeNSSender) SendNS(target [16]byte) error {
	f.sent = append(f.sent, target)
	if target == f.reply {
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.table.OnNA(target, f.mac, false, true, false, 0)
		}()
	}
	return nil
}

func TestResolveViaSolicitedNA(t *testing.T) {
	var target [16]byte
	target[15] = 1
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0, 0, 1}
	fs := &fakeNSSender{reply: target, mac: mac}
	table := NewTable(fs)
	fs.table = table

	got, err := table.Resolve(context.Background(), target, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.String() != mac.String() {
		t.Fatalf("got %v, want %v", got, mac)
	}
}

func TestOnNARouterPromotion(t *testing.T) {
	table := NewTable(nil)
	var target [16]byte
	target[15] = 2
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	table.OnNA(target, mac, true, true, true, 1800_000)

	e, ok := table.Lookup(target)
	if !ok {
		t.Fatal("expected entry after OnNA")
	}
	if !e.IsRouter || e.RouterLifetime != 1800_000 {
		t.Fatalf("router promotion failed: %+v", e)
	}
	if e.State != Reachable {
		t.Fatalf("solicited NA should yield Reachable, got %v", e.State)
	}
}
