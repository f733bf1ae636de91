package main

import (
	"fmt"

	"github.com/netkern/netkern/internal/arp"
	"github.com/netkern/netkern/internal/icmpv6"
	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ndp"
	"github.com/netkern/netkern/internal/netdev"
	"github.com/netkern/netkern/internal/netpkt"
)

const ethTypeARP = 0x0806

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// arpSender builds and emits a raw ARP who-has request directly over the
// owning L2's port. ARP isn't IP-encapsulated (RFC 826), so this goes
// straight to Ethernet rather than through ipv4.Stack.Send.
type arpSender struct {
	l2  *iface.L2
	eth *portSet
}

func (a arpSender) SendRequest(target [4]byte) error {
	port, ok := a.l2.DriverCtx.(*netdev.Port)
	if !ok {
		return fmt.Errorf("netkernd: l2 %d has no netdev port", a.l2.Index)
	}
	var srcIP [4]byte
	for _, v4 := range a.l2.V4 {
		if v4 != nil && v4.IP != ([4]byte{}) {
			srcIP = v4.IP
			break
		}
	}

	buf := make([]byte, 28)
	buf[0], buf[1] = 0, 1    // hardware type: Ethernet
	buf[2], buf[3] = 8, 0    // protocol type: IPv4
	buf[4] = 6               // hardware address length
	buf[5] = 4               // protocol address length
	buf[6], buf[7] = 0, 1    // opcode: request
	copy(buf[8:14], port.MAC[:])
	copy(buf[14:18], srcIP[:])
	// buf[18:24] (target hardware address) left zero on a request.
	copy(buf[24:28], target[:])

	return a.eth.SendEthernet(a.l2.Index, broadcastMAC, ethTypeARP, netpkt.FromBytes(buf))
}

var _ arp.Sender = arpSender{}

// ndpSenderAdapter resolves the owning L2's link-local source address at
// send time rather than at construction: the factory in SetNeighborSenders
// runs at CreateL2, before AutoconfigL2 has installed any address.
type ndpSenderAdapter struct {
	l2   *iface.L2
	send icmpv6.Sender
}

func (a ndpSenderAdapter) SendNS(target [16]byte) error {
	for _, v6 := range a.l2.V6 {
		if v6 != nil && v6.Flags&iface.V6LinkLocal != 0 {
			return icmpv6.NeighborSender{Send: a.send, SrcL3: v6}.SendNS(target)
		}
	}
	return fmt.Errorf("netkernd: l2 %d has no link-local source yet", a.l2.Index)
}

var _ ndp.Sender = ndpSenderAdapter{}
