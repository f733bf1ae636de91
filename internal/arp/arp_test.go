package arp

import (
	"context"
	"net"
	"testing"
	"time"
)

type fakeSender struct {
	requests [][4]byte
	reply    net.HardwareAddr
	table    *Table
	replyIP  [4]byte
}

func (f *fakeSender) SendRequest(target [4]byte) error {
	f.requests = append(f.requests, target)
	if f.reply != nil && target == f.replyIP {
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.table.LearnReachable(target, f.reply)
		}()
	}
	return nil
}

func TestResolveViaSenderReply(t *testing.T) {
	target := [4]byte{192, 168, 1, 20}
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	fs := &fakeSender{reply: mac, replyIP: target}
	table := NewTable(fs)
	fs.table = table

	got, err := table.Resolve(context.Background(), target, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.String() != mac.String() {
		t.Fatalf("Resolve MAC = %v, want %v", got, mac)
	}
	if len(fs.requests) == 0 {
		t.Fatal("expected at least one ARP request sent")
	}
}

func TestResolveTimesOut(t *testing.T) {
	target := [4]byte{10, 0, 0, 99}
	fs := &fakeSender{}
	table := NewTable(fs)

	_, err := table.Resolve(context.Background(), target, 120*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestLookupReachableSkipsWire(t *testing.T) {
	target := [4]byte{172, 16, 0, 1}
	mac, _ := net.ParseMAC("11:22:33:44:55:66")
	fs := &fakeSender{}
	table := NewTable(fs)
	table.LearnReachable(target, mac)

	got, err := table.Resolve(context.Background(), target, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.String() != mac.String() {
		t.Fatalf("got %v, want %v", got, mac)
	}
	if len(fs.requests) != 0 {
		t.Fatal("Resolve should not have sent a request for a Reachable entry")
	}
}

func TestAgeIncompleteToUnusedAfterMaxProbes(t *testing.T) {
	target := [4]byte{10, 0, 0, 5}
	fs := &fakeSender{}
	table := NewTable(fs)
	table.mu.Lock()
	table.entries[target] = &Entry{IP: target, State: Incomplete, RetransMs: 1}
	table.mu.Unlock()

	for i := 0; i < maxProbes+1; i++ {
		table.Age(retransMs)
	}

	if _, ok := table.Lookup(target); ok {
		t.Fatal("entry should have been evicted after exceeding max probes")
	}
}

func TestAgeReachableToStale(t *testing.T) {
	target := [4]byte{10, 0, 0, 6}
	fs := &fakeSender{}
	table := NewTable(fs)
	table.LearnReachable(target, net.HardwareAddr{1, 2, 3, 4, 5, 6})
	table.mu.Lock()
	table.entries[target].TTLms = 1
	table.entries[target].lastTick -= 10
	table.mu.Unlock()

	table.Age(1)

	e, ok := table.Lookup(target)
	if !ok || e.State != Stale {
		t.Fatalf("expected Stale after TTL expiry, got %+v ok=%v", e, ok)
	}
}
