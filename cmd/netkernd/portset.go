package main

import (
	"fmt"
	"sync"

	"github.com/netkern/netkern/internal/netdev"
	"github.com/netkern/netkern/internal/netpkt"
)

// portSet dispatches outbound Ethernet frames to the right host NIC by
// ifindex, implementing both ipv4.EthSender and ipv6.EthSender (same
// method shape) for every registered port at once so the IPv4/IPv6
// stacks share one egress hook regardless of which interface a route
// picks.
type portSet struct {
	mu    sync.RWMutex
	ports map[int]*netdev.Port
}

func newPortSet() *portSet { return &portSet{ports: make(map[int]*netdev.Port)} }

func (s *portSet) add(ifindex int, p *netdev.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[ifindex] = p
}

func (s *portSet) get(ifindex int) (*netdev.Port, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.ports[ifindex]
	return p, ok
}

func (s *portSet) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	p, ok := s.get(ifindex)
	if !ok {
		pkt.Unref()
		return fmt.Errorf("netkernd: no port registered for ifindex %d", ifindex)
	}
	return p.SendEthernet(ifindex, dstMAC, ethertype, pkt)
}
