package igmp

import (
	"testing"
	"time"
)

func TestBuildParseRoundTrip(t *testing.T) {
	group := [4]byte{224, 0, 0, 251}
	buf := Build(TypeV2Report, group)
	m, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse failed")
	}
	if m.Type != TypeV2Report || m.Group != group {
		t.Fatalf("got %+v", m)
	}
}

func TestScheduleAndDue(t *testing.T) {
	d := NewDaemon(1)
	group := [4]byte{224, 0, 0, 1}
	d.ScheduleReport(group, 1*time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	due := d.Due(time.Now())
	if len(due) != 1 || due[0] != group {
		t.Fatalf("Due() = %v, want [%v]", due, group)
	}
	if d.Pending() {
		t.Fatal("expected no pending reports after Due drained them")
	}
}

func TestSuppressCancelsPending(t *testing.T) {
	d := NewDaemon(2)
	group := [4]byte{224, 0, 0, 2}
	d.ScheduleReport(group, time.Second)
	d.Suppress(group)
	if d.Pending() {
		t.Fatal("expected Suppress to clear the pending report")
	}
}
