// Package netdev is the driver shim binding the interface manager's
// abstract L2 table to real host NICs: it enumerates interfaces via
// vishvananda/netlink (the same library ngcxy-dranet uses for its device
// bookkeeping) and moves frames over an AF_PACKET raw socket via
// golang.org/x/sys/unix, implementing ipv4.EthSender/ipv6.EthSender so the
// datapaths never need to know a kernel socket is involved at all.
package netdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/netpkt"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	ethPAll  = 0x0003
	ethPIP   = 0x0800
	ethPIPv6 = 0x86DD
)

func htons(v uint16) uint16 { return (v<<8)&0xff00 | v>>8 }

// Port owns one host NIC: the netlink-enumerated attributes, a bound
// AF_PACKET socket, and the goroutine feeding received frames into the
// ipv4/ipv6 stacks registered against this ifindex.
type Port struct {
	Name    string
	MAC     [6]byte
	MTU     int
	fd      int
	ifindex int // host (kernel) ifindex, distinct from the stack's L2 ifindex
	logger  *slog.Logger
}

// OpenPort opens an AF_PACKET raw socket bound to linkName and returns the
// attributes netlink reports for it (name/MAC/MTU), mirroring the
// attribute set ngcxy-dranet's subinterfaces.go reads off netlink.Link.
func OpenPort(linkName string, logger *slog.Logger) (*Port, error) {
	if logger == nil {
		logger = slog.Default()
	}
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return nil, fmt.Errorf("netdev: netlink.LinkByName(%q): %w", linkName, err)
	}
	attrs := link.Attrs()

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(ethPAll)))
	if err != nil {
		return nil, fmt.Errorf("netdev: socket(AF_PACKET): %w", err)
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(ethPAll),
		Ifindex:  attrs.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netdev: bind(AF_PACKET, %s): %w", linkName, err)
	}

	var mac [6]byte
	copy(mac[:], attrs.HardwareAddr)
	mtu := attrs.MTU
	if mtu == 0 {
		mtu = 1500
	}
	return &Port{Name: attrs.Name, MAC: mac, MTU: mtu, fd: fd, ifindex: attrs.Index, logger: logger}, nil
}

// SetUp brings the underlying link administratively up via netlink,
// mirroring ngcxy-dranet's device-plugin startup sequence.
func (p *Port) SetUp() error {
	link, err := netlink.LinkByIndex(p.ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// Close releases the raw socket.
func (p *Port) Close() error {
	return unix.Close(p.fd)
}

// writeFrame sends one raw Ethernet frame: it prepends the 14-byte header
// (dstMAC, the port's own MAC, ethertype) to payload, since a SOCK_RAW
// packet socket transmits the buffer as-is.
func (p *Port) writeFrame(dstMAC [6]byte, ethertype uint16, payload []byte) error {
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(ethertype),
		Ifindex:  p.ifindex,
		Halen:    6,
	}
	copy(sa.Addr[:6], dstMAC[:])
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], p.MAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethertype)
	copy(frame[14:], payload)
	return unix.Sendto(p.fd, frame, 0, sa)
}

// SendEthernet implements ipv4.EthSender/ipv6.EthSender.
func (p *Port) SendEthernet(ifindex int, dstMAC [6]byte, ethertype uint16, pkt *netpkt.Buffer) error {
	defer pkt.Unref()
	return p.writeFrame(dstMAC, ethertype, pkt.Data())
}

// ReceiveFunc is the callback an RX loop delivers raw frames to: the
// stack-facing ifindex (the iface.Manager's, not the kernel's), the frame
// source MAC, and a buffer already wrapping the payload.
type ReceiveFunc func(ifindex int, srcMAC [6]byte, buf *netpkt.Buffer)

// Run reads frames off the raw socket until ctx is canceled, dispatching
// each to onFrame with stackIfindex as the logical interface id (the
// iface.Manager ifindex this port was registered under via
// iface.Manager.CreateL2, which need not match the kernel's).
func (p *Port) Run(ctx context.Context, stackIfindex int, onFrame ReceiveFunc) error {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// SO_RCVTIMEO-style deadline via a short poll, so ctx
		// cancellation is honored without blocking forever on Recvfrom
		// — the same bounded-read discipline Splat-NDPeekr's NDP listener
		// uses around icmp.PacketConn.SetReadDeadline.
		if err := unix.SetsockoptTimeval(p.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 0, Usec: 200_000}); err != nil {
			return fmt.Errorf("netdev: set recv timeout: %w", err)
		}
		n, from, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return fmt.Errorf("netdev: recvfrom: %w", err)
		}
		if n < 14 {
			continue
		}
		var srcMAC [6]byte
		if ll, ok := from.(*unix.SockaddrLinklayer); ok {
			copy(srcMAC[:], ll.Addr[:6])
		} else {
			copy(srcMAC[:], buf[6:12])
		}
		ethertype := binary.BigEndian.Uint16(buf[12:14])
		switch ethertype {
		case ethPIP, ethPIPv6:
		default:
			continue
		}
		payload := append([]byte(nil), buf[14:n]...)
		onFrame(stackIfindex, srcMAC, netpkt.FromBytes(payload))
		p.logger.Debug("netdev: frame received", "ifindex", stackIfindex, "bytes", n)
	}
}

// RegisterWithManager creates the L2 entry backing this port and attaches
// its own MAC/MTU, returning the ifindex iface.Manager assigns.
func RegisterWithManager(m *iface.Manager, p *Port) (int, error) {
	ifindex, err := m.CreateL2(p.Name, p, 0, iface.KindEth)
	if err != nil {
		return 0, err
	}
	if err := m.AutoconfigL2(ifindex, p.MAC); err != nil {
		return 0, err
	}
	return ifindex, nil
}

// ListCandidateLinks enumerates host links netlink reports, excluding
// loopback — the set cmd/netkernd offers as --iface candidates.
func ListCandidateLinks() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netdev: netlink.LinkList: %w", err)
	}
	var names []string
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&unix.IFF_LOOPBACK != 0 {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}
