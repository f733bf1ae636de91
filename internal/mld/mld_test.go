package mld

import (
	"encoding/binary"
	"testing"
)

func TestParseGroups_V1Report(t *testing.T) {
	buf := make([]byte, 24)
	buf[0] = TypeV1Report
	group := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	copy(buf[8:24], group[:])

	got := ParseGroups(buf)
	if len(got) != 1 || got[0] != group {
		t.Fatalf("ParseGroups = %v, want [%v]", got, group)
	}
}

func TestParseGroups_V2ReportMultipleRecords(t *testing.T) {
	g1 := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	g2 := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0xfb}

	buf := make([]byte, 8+20+20)
	buf[0] = TypeV2Report
	binary.BigEndian.PutUint16(buf[6:8], 2)
	copy(buf[8+4:8+20], g1[:])
	copy(buf[28+4:28+20], g2[:])

	got := ParseGroups(buf)
	if len(got) != 2 || got[0] != g1 || got[1] != g2 {
		t.Fatalf("ParseGroups = %v", got)
	}
}

func TestParseGroups_UnspecifiedFiltered(t *testing.T) {
	buf := make([]byte, 24)
	buf[0] = TypeV1Done
	got := ParseGroups(buf)
	if got != nil {
		t.Fatalf("expected nil for unspecified group, got %v", got)
	}
}

func TestDaemonSuppressCancelsPending(t *testing.T) {
	d := NewDaemon(3)
	g := [16]byte{0xff, 0x02}
	d.ScheduleReport(g, 0)
	d.Suppress(g)
	if d.Pending() {
		t.Fatal("expected suppression to clear pending report")
	}
}
