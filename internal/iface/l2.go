package iface

import (
	"github.com/netkern/netkern/internal/arp"
	"github.com/netkern/netkern/internal/ndp"
	"github.com/netkern/netkern/internal/portmgr"
)

// L2 is one logical NIC, "L2 interface".
type L2 struct {
	Index      int
	Name       string
	Up         bool
	Kind       Kind
	BaseMetric int
	DriverCtx  any

	ARP *arp.Table // nil on the LOCALHOST interface
	NDP *ndp.Table // nil on the LOCALHOST interface

	V4 [MaxV4Slot]*L3V4
	V6 [MaxV6Slot]*L3V6

	mcastV4 []mcastV4Group
	mcastV6 []mcastV6Group
}

type mcastV4Group struct {
	Group [4]byte
	Refs  int
}

type mcastV6Group struct {
	Group [16]byte
	Refs  int
}

// L3V4 is one IPv4 address slot on an L2.
type L3V4 struct {
	Id        L3Id
	ifindex   int
	slot      int
	IP        [4]byte
	Mask      [4]byte
	Gateway   [4]byte
	Broadcast [4]byte
	Mode      V4Mode
	Localhost bool
	Opts      V4RuntimeOpts
	Routes    []RouteV4
	Ports     *portmgr.Manager
}

// L3V6 is one IPv6 address slot on an L2.
type L3V6 struct {
	Id        L3Id
	ifindex   int
	slot      int
	IP        [16]byte
	PrefixLen int
	Gateway   [16]byte
	Flags     V6Kind
	Config    V6Config
	Localhost bool

	RA RAInfo

	DAD          DADState
	DADRequested bool
	DADTimerMs   int64
	DADProbes    int

	DHCPv6        DHCPv6State
	DHCPv6Stateless bool

	MTU int

	Routes []RouteV6
	Ports  *portmgr.Manager
}

// IsGlobal reports whether this is a GLOBAL-scoped address.
func (a *L3V6) IsGlobal() bool { return a.Flags&V6Global != 0 }

// IsLinkLocal reports whether this is a LINK_LOCAL-scoped address.
func (a *L3V6) IsLinkLocal() bool { return a.Flags&V6LinkLocal != 0 }
