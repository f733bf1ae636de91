// Package sockapi implements the unified socket API processes call into
// the kernel through: bind/connect/listen/accept/send/recv/close and the
// extra per-socket options, wrapping internal/udp and internal/tcp behind
// one discriminated result-code surface, grounded on
// csocket.c/csocket.h's create_socket/bind_socket/... dispatch and
// socket_udp.hpp/socket_tcp.hpp's per-protocol behavior.
package sockapi

import "github.com/netkern/netkern/internal/iface"

// Code is the socket API's discriminated result. Zero is success; every
// failure is a distinct negative value, mirroring SOCK_OK/SOCK_ERR_* from
// socket_types.h so callers can switch on it instead of parsing an error
// string.
type Code int

const (
	OK Code = -iota
	ErrPerm
	ErrInval
	ErrBound
	ErrState
	ErrNoPort
	ErrSys
	ErrDNS
	ErrProto
	ErrWouldBlock
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrPerm:
		return "PERM"
	case ErrInval:
		return "INVAL"
	case ErrBound:
		return "BOUND"
	case ErrState:
		return "STATE"
	case ErrNoPort:
		return "NO_PORT"
	case ErrSys:
		return "SYS"
	case ErrDNS:
		return "DNS"
	case ErrProto:
		return "PROTO"
	case ErrWouldBlock:
		return "WOULDBLOCK"
	default:
		return "UNKNOWN"
	}
}

// Protocol selects which transport a socket speaks.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)

// BindSpecKind discriminates bind() targets: ANY, L3(id),
// L2(ifindex), IP(addr, ver) — the same four shapes socket_udp.hpp's
// SockBindSpec carries.
type BindSpecKind int

const (
	SpecAny BindSpecKind = iota
	SpecL3
	SpecL2
	SpecIP
)

// BindSpec is a bind() target.
type BindSpec struct {
	Kind    BindSpecKind
	L3ID    iface.L3Id
	Ifindex int
	IP      []byte
	Ver     int // 4 or 6, only meaningful for SpecIP
}

// DstKind discriminates connect()/sendto() destinations: a resolved
// endpoint, or a domain name the DNS resolver must resolve first.
type DstKind int

const (
	DstEndpoint DstKind = iota
	DstDomain
)

// Endpoint is a protocol-independent (ip, port) pair.
type Endpoint struct {
	IP   []byte // 4 or 16 bytes
	Ver  int
	Port uint16
}

// DebugLevel is the socket extra option gating this socket's own log
// verbosity, mapped onto slog levels.
type DebugLevel int

const (
	DebugLow DebugLevel = iota
	DebugMedium
	DebugAll
)

// Options are the socket extra options of : buf_size, ttl,
// dontfrag, keepalive, debug level, and multicast join.
type Options struct {
	BufSize int

	TTL      uint8
	DontFrag bool

	KeepaliveOn bool
	KeepaliveMs int

	Debug DebugLevel

	JoinGroup []byte // non-nil requests a multicast join at bind time
	JoinVer   int
}
