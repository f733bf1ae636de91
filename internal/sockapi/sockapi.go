package sockapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/tcp"
	"github.com/netkern/netkern/internal/udp"
	"github.com/rs/xid"
)

const (
	// acceptMaxIters/acceptPollMs bound accept()'s 10ms poll loop at one
	// second total, matching socket_tcp.hpp's accept() (max_iters=100).
	acceptMaxIters = 100
	acceptPollMs   = 10 * time.Millisecond
)

func (d DebugLevel) slogLevel() slog.Level {
	switch d {
	case DebugMedium:
		return slog.LevelInfo
	case DebugAll:
		return slog.LevelDebug
	default:
		return slog.LevelWarn
	}
}

// Socket is one process-owned socket handle, the Go shape of
// ksock_handle_t: an id, an owning pid, and the protocol-specific backing
// object it forwards to.
type Socket struct {
	ID  string
	pid int

	proto Protocol
	opts  Options

	udpSock *udp.Socket
	tcpFlow *tcp.Flow

	// pending holds TCP bytes already drained from the flow's receive
	// buffer but not yet delivered to a caller whose buf was too small
	// to take them all in one Recv call — byte-stream semantics that
	// flow.Recv() alone doesn't provide (it hands back the whole buffer).
	mu      sync.Mutex
	pending []byte
}

// Manager is the process-facing socket API, wrapping one TCP stack and
// one UDP stack behind create/bind/connect/listen/accept/send/recv/close,
// the Go counterpart of csocket.c's create_socket/bind_socket/... table.
type Manager struct {
	ifaces *iface.Manager
	tcp    *tcp.Stack
	udp    *udp.Stack
	logger *slog.Logger
}

func New(ifaces *iface.Manager, tcpStack *tcp.Stack, udpStack *udp.Stack, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ifaces: ifaces, tcp: tcpStack, udp: udpStack, logger: logger.With("component", "sockapi")}
}

func (m *Manager) logf(sock *Socket, msg string, args ...any) {
	m.logger.Log(context.Background(), sock.opts.Debug.slogLevel(), msg, append([]any{"socket", sock.ID, "pid", sock.pid}, args...)...)
}

// Create allocates a socket handle for pid over the given protocol,
// matching create_socket's role (here just client-vs-server is implied by
// which of listen/connect the caller makes next, same as the
// TCPSocket/UDPSocket constructors in the reference implementation).
func (m *Manager) Create(pid int, proto Protocol, opts Options) (*Socket, Code) {
	if opts.BufSize <= 0 {
		opts.BufSize = 64
	}
	sock := &Socket{ID: xid.New().String(), pid: pid, proto: proto, opts: opts}
	if proto == ProtoUDP {
		sock.udpSock = m.udp.NewSocket(pid, opts.BufSize)
	}
	m.logf(sock, "sockapi: socket created", "proto", proto)
	return sock, OK
}

func (m *Manager) resolveIfindex(spec BindSpec) (int, Code) {
	switch spec.Kind {
	case SpecAny:
		return 0, OK
	case SpecL2:
		return spec.Ifindex, OK
	case SpecL3:
		ifindex, _, _ := spec.L3ID.Unpack()
		return ifindex, OK
	case SpecIP:
		if spec.Ver == 6 {
			var ip [16]byte
			copy(ip[:], spec.IP)
			a, ok := m.ifaces.FindV6ByIP(ip)
			if !ok {
				return 0, ErrInval
			}
			ifindex, _, _ := a.Id.Unpack()
			return ifindex, OK
		}
		var ip [4]byte
		copy(ip[:], spec.IP)
		a, ok := m.ifaces.FindV4ByIP(ip)
		if !ok {
			return 0, ErrInval
		}
		ifindex, _, _ := a.Id.Unpack()
		return ifindex, OK
	default:
		return 0, ErrInval
	}
}

func toUDPSpec(spec BindSpec) udp.BindSpec {
	return udp.BindSpec{
		Kind:    udp.BindSpecKind(spec.Kind),
		L3ID:    spec.L3ID,
		Ifindex: spec.Ifindex,
		IP:      spec.IP,
		Ver:     spec.Ver,
	}
}

// Bind binds sock to spec/port. For UDP this expands across
// every matching L3 address (internal/udp.Bind); for TCP it resolves spec
// down to one ifindex a later Listen binds on, since TCP Listen is
// ifindex-scoped rather than multi-address like UDP's bind.
func (m *Manager) Bind(sock *Socket, spec BindSpec, port uint16) Code {
	if sock.proto == ProtoUDP {
		if err := m.udp.Bind(sock.udpSock, toUDPSpec(spec), port); err != nil {
			m.logf(sock, "sockapi: bind failed", "err", err)
			return ErrSys
		}
		m.logf(sock, "sockapi: bound", "port", port)
		if len(sock.opts.JoinGroup) > 0 {
			if c := m.joinFromOpts(sock, spec); c != OK {
				return c
			}
		}
		return OK
	}

	ifindex, code := m.resolveIfindex(spec)
	if code != OK {
		return code
	}
	if sock.tcpFlow != nil {
		return ErrBound
	}
	f, err := m.tcp.Listen(ifindex, port, 0)
	if err != nil {
		m.logf(sock, "sockapi: bind failed", "err", err)
		return ErrSys
	}
	sock.tcpFlow = f
	m.logf(sock, "sockapi: bound", "port", port)
	return OK
}

func (m *Manager) joinFromOpts(sock *Socket, spec BindSpec) Code {
	ifindex, code := m.resolveIfindex(spec)
	if code != OK {
		ifindex = 0
	}
	if sock.opts.JoinVer == 6 {
		var g [16]byte
		copy(g[:], sock.opts.JoinGroup)
		if err := m.ifaces.JoinV6(ifindex, g); err != nil {
			return ErrSys
		}
		return OK
	}
	var g [4]byte
	copy(g[:], sock.opts.JoinGroup)
	if err := m.ifaces.JoinV4(ifindex, g); err != nil {
		return ErrSys
	}
	return OK
}

// Listen checks that sock is a bound TCP socket. The listener and its
// backlog (tcp.MaxBacklog) already exist from Bind; the backlog argument is
// only clamped and logged. UDP has no listen
// concept, matching listen_on's SOCK_ERR_PROTO-style rejection in
// socket_udp.hpp.
func (m *Manager) Listen(sock *Socket, backlog int) Code {
	if sock.proto != ProtoTCP {
		return ErrProto
	}
	if sock.tcpFlow == nil {
		return ErrState
	}
	if backlog <= 0 || backlog > tcp.MaxBacklog {
		backlog = tcp.MaxBacklog
	}
	m.logf(sock, "sockapi: listening", "backlog", backlog)
	return OK
}

// Accept polls the listener's backlog for up to one second in 10ms
// increments, returning ErrWouldBlock if nothing completed
// the handshake in time.
func (m *Manager) Accept(ctx context.Context, sock *Socket) (*Socket, Code) {
	if sock.proto != ProtoTCP || sock.tcpFlow == nil {
		return nil, ErrState
	}
	for i := 0; i < acceptMaxIters; i++ {
		conn, err := sock.tcpFlow.Accept()
		if err == nil {
			child := &Socket{ID: xid.New().String(), pid: sock.pid, proto: ProtoTCP, opts: sock.opts, tcpFlow: conn}
			m.logf(child, "sockapi: accepted", "local_port", conn.LocalPort, "peer_port", conn.PeerPort)
			return child, OK
		}
		if ctx.Err() != nil {
			return nil, ErrWouldBlock
		}
		select {
		case <-time.After(acceptPollMs):
		case <-ctx.Done():
			return nil, ErrWouldBlock
		}
	}
	return nil, ErrWouldBlock
}

// Connect performs a TCP active open or, for UDP, just records the peer
// sendto() will default to — UDP has no wire-level connect.
func (m *Manager) Connect(ctx context.Context, sock *Socket, kind DstKind, domain string, ep Endpoint, port uint16) Code {
	dst := ep
	if kind == DstDomain {
		// No resolver is wired into this kernel; a DOMAIN connect
		// always fails DNS the way dns_resolve_a's non-OK path does
		// in socket_udp.hpp.
		_ = domain
		return ErrDNS
	}

	if sock.proto != ProtoTCP {
		return ErrProto
	}
	if sock.tcpFlow != nil {
		return ErrBound
	}
	var dstIP [16]byte
	copy(dstIP[:], dst.IP)
	f, err := m.tcp.Connect(ctx, 0, dst.Ver == 6, dstIP[:], port)
	if err != nil {
		m.logf(sock, "sockapi: connect failed", "err", err)
		return ErrSys
	}
	sock.tcpFlow = f
	m.logf(sock, "sockapi: connecting", "peer_port", port)
	return OK
}

// Send writes application data on a connected TCP socket. Non-blocking:
// returns ErrState if the flow isn't established and ErrWouldBlock is
// never synthesized here since tcp.Send always queues.
func (m *Manager) Send(ctx context.Context, sock *Socket, buf []byte) (int, Code) {
	if sock.proto != ProtoTCP || sock.tcpFlow == nil {
		return 0, ErrState
	}
	n, err := m.tcp.Send(ctx, sock.tcpFlow, buf)
	if err != nil {
		return 0, ErrState
	}
	return n, OK
}

// Recv drains bytes from a TCP socket's receive buffer into buf,
// buffering any overflow internally so a short buf never loses data —
// the ring-buffer behavior socket_tcp.hpp's TCPSocket::recv gets for free
// from its fixed-size ring but flow.Recv() (which hands back everything
// at once) does not.
func (m *Manager) Recv(sock *Socket, buf []byte) (int, Code) {
	if sock.proto != ProtoTCP || sock.tcpFlow == nil {
		return 0, ErrState
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()

	if len(sock.pending) == 0 {
		data, err := sock.tcpFlow.Recv()
		if err != nil {
			return 0, ErrState
		}
		if len(data) == 0 {
			return 0, ErrWouldBlock
		}
		sock.pending = data
	}
	n := copy(buf, sock.pending)
	sock.pending = sock.pending[n:]
	return n, OK
}

// SendTo sends a UDP datagram to dst.
func (m *Manager) SendTo(ctx context.Context, sock *Socket, dst Endpoint, buf []byte) (int, Code) {
	if sock.proto != ProtoUDP {
		return 0, ErrProto
	}
	d := udp.Endpoint{IP: dst.IP, Ver: dst.Ver, Port: dst.Port}
	if err := m.udp.SendTo(ctx, sock.udpSock, d, buf); err != nil {
		m.logf(sock, "sockapi: sendto failed", "err", err)
		return 0, ErrSys
	}
	return len(buf), OK
}

// RecvFrom non-blockingly dequeues one UDP datagram into buf, truncating
// it to len(buf) — datagram truncation on a short buffer is the expected
// UDP behavior the original socket_recvfrom_udp_ex implements.
func (m *Manager) RecvFrom(sock *Socket, buf []byte) (int, Endpoint, Code) {
	if sock.proto != ProtoUDP {
		return 0, Endpoint{}, ErrProto
	}
	data, src, ok := sock.udpSock.RecvFrom()
	if !ok {
		return 0, Endpoint{}, ErrWouldBlock
	}
	n := copy(buf, data)
	return n, Endpoint{IP: src.IP, Ver: src.Ver, Port: src.Port}, OK
}

// Close tears the socket down: unbinds ports, drains queued data, and for
// TCP synthesizes a FIN via the active-close sequence.
func (m *Manager) Close(sock *Socket) Code {
	m.logf(sock, "sockapi: closing")
	if sock.proto == ProtoUDP {
		if sock.udpSock != nil {
			m.udp.Close(sock.udpSock)
		}
		return OK
	}
	if sock.tcpFlow != nil {
		if sock.tcpFlow.State == tcp.Listen {
			m.tcp.CloseListener(sock.tcpFlow)
			return OK
		}
		if err := m.tcp.CloseFlow(context.Background(), sock.tcpFlow); err != nil {
			return ErrState
		}
	}
	return OK
}
