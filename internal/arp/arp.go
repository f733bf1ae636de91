// Package arp implements the per-L2 ARP neighbor table and its
// resolve/probe state machine.
package arp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netkern/netkern/internal/sched"
)

// State is shared in shape with NDP's neighbor state machine.
type State int

const (
	Unused State = iota
	Incomplete
	Reachable
	Stale
	Delay
	Probe
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Reachable:
		return "reachable"
	case Stale:
		return "stale"
	case Delay:
		return "delay"
	case Probe:
		return "probe"
	default:
		return "unused"
	}
}

const (
	maxProbes             = 3
	reachableMs           = 30_000
	retransMs             = 1_000
	pollInterval          = 50 * time.Millisecond
	defaultResolveTimeout = 1 * time.Second
)

// LearnedTTLMs is the TTL assigns entries learned
// opportunistically from IPv4 ingress traffic (180s).
const LearnedTTLMs = 180_000

// Entry is one neighbor cache row.
type Entry struct {
	IP          [4]byte
	MAC         net.HardwareAddr
	TTLms       int64
	RetransMs   int64
	State       State
	ProbesSent  int
	lastTick    int64
}

// Sender abstracts the Ethernet/driver send path so the arp package never
// imports the datapath packages (avoiding an import cycle): SendRequest
// emits an ARP who-has for target.
type Sender interface {
	SendRequest(target [4]byte) error
}

// Table is the neighbor cache for exactly one L2 interface.
type Table struct {
	mu      sync.Mutex
	entries map[[4]byte]*Entry
	sender  Sender
}

// NewTable creates an ARP table bound to sender, which drives the actual
// wire request whenever Resolve needs to probe.
func NewTable(sender Sender) *Table {
	return &Table{entries: make(map[[4]byte]*Entry), sender: sender}
}

// Lookup returns the cached entry for ip, if any, without triggering
// resolution.
func (t *Table) Lookup(ip [4]byte) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Learn records src -> mac with the given TTL, used both for unsolicited
// gratuitous information and for opportunistic learning on IPv4 ingress.
func (t *Table) Learn(ip [4]byte, mac net.HardwareAddr, ttlMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		e = &Entry{IP: ip}
		t.entries[ip] = e
	}
	e.MAC = append(net.HardwareAddr(nil), mac...)
	e.State = Stale
	e.TTLms = ttlMs
	e.lastTick = sched.Now()
}

// LearnReachable records a fresh reply, transitioning straight to
// Reachable (used when an ARP reply for an in-flight Resolve arrives).
func (t *Table) LearnReachable(ip [4]byte, mac net.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		e = &Entry{IP: ip}
		t.entries[ip] = e
	}
	e.MAC = append(net.HardwareAddr(nil), mac...)
	e.State = Reachable
	e.TTLms = reachableMs
	e.ProbesSent = 0
	e.lastTick = sched.Now()
}

// Resolve returns the MAC for next_hop, probing the wire and polling at
// 50ms intervals up to timeout if the entry isn't already
// Reachable/Stale — Resolve operation.
func (t *Table) Resolve(ctx context.Context, next_hop [4]byte, timeout time.Duration) (net.HardwareAddr, error) {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}

	t.mu.Lock()
	e, ok := t.entries[next_hop]
	if ok && (e.State == Reachable || e.State == Stale) {
		mac := append(net.HardwareAddr(nil), e.MAC...)
		t.mu.Unlock()
		return mac, nil
	}
	if !ok {
		e = &Entry{IP: next_hop, State: Incomplete}
		t.entries[next_hop] = e
	} else if e.State == Unused {
		e.State = Incomplete
		e.ProbesSent = 0
	}
	t.mu.Unlock()

	if t.sender != nil {
		_ = t.sender.SendRequest(next_hop)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sched.Msleep(ctx, pollInterval)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.mu.Lock()
		e := t.entries[next_hop]
		if e != nil && (e.State == Reachable || e.State == Stale) {
			mac := append(net.HardwareAddr(nil), e.MAC...)
			t.mu.Unlock()
			return mac, nil
		}
		t.mu.Unlock()
	}
	return nil, fmt.Errorf("arp: resolve %v timed out", net.IP(next_hop[:]))
}

// Age runs one tick of aging over every entry: INCOMPLETE cycles through
// further probes up to maxProbes and then reverts to UNUSED; REACHABLE
// entries fall to STALE when their timer expires.
func (t *Table) Age(tickMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := sched.Now()
	for ip, e := range t.entries {
		elapsed := now - e.lastTick
		switch e.State {
		case Incomplete, Probe:
			e.RetransMs -= tickMs
			if e.RetransMs <= 0 {
				e.ProbesSent++
				if e.ProbesSent >= maxProbes {
					e.State = Unused
					delete(t.entries, ip)
					continue
				}
				if t.sender != nil {
					_ = t.sender.SendRequest(e.IP)
				}
				e.RetransMs = retransMs
			}
		case Reachable:
			if elapsed >= e.TTLms {
				e.State = Stale
			}
		case Stale:
			// Stays Stale until refreshed by Learn/LearnReachable or
			// explicitly removed; the reference design only actively
			// times out INCOMPLETE/PROBE.
		}
	}
}

// Count returns the number of entries currently tracked, for metrics.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a snapshot of all cache rows, for display/metrics use.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}
