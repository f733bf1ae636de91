// Command netkernd runs the kernel-resident networking stack as a
// standalone daemon: one process owning the interface manager and every
// datapath (ARP/NDP, IPv4/IPv6, ICMP, UDP/TCP, the DHCPv6 client) bound to
// real host NICs through internal/netdev, the unified socket API other
// processes call into, and a Prometheus metrics endpoint for netkernmon
// and external scrapers alike.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netkern/netkern/internal/arp"
	"github.com/netkern/netkern/internal/dhcpv6"
	"github.com/netkern/netkern/internal/icmpv4"
	"github.com/netkern/netkern/internal/icmpv6"
	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/ipv4"
	"github.com/netkern/netkern/internal/ipv6"
	"github.com/netkern/netkern/internal/metrics"
	"github.com/netkern/netkern/internal/ndp"
	"github.com/netkern/netkern/internal/netdev"
	"github.com/netkern/netkern/internal/netpkt"
	"github.com/netkern/netkern/internal/sched"
	"github.com/netkern/netkern/internal/sockapi"
	"github.com/netkern/netkern/internal/tcp"
	"github.com/netkern/netkern/internal/udp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	linkNames    []string
	logLevel     string
	metricsAddr  string
	enableDHCPv6 bool
	tcpTick      time.Duration
	metricsTick  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "netkernd",
		Short: "Run the netkern networking stack against real host interfaces",
		Long: `netkernd owns the interface manager and every datapath it gatekeeps --
ARP/NDP neighbor resolution, IPv4/IPv6 routing, ICMP, UDP/TCP, and the
DHCPv6 client -- bound to the host NICs named by --iface, and serves the
unified socket API other processes connect to.`,
		RunE:         run,
		SilenceUsage: true,
	}
	var flags *pflag.FlagSet = root.Flags()
	flags.SortFlags = false
	flags.StringSliceVarP(&linkNames, "iface", "i", nil, "host link name to bring under netkernd (repeatable)")
	flags.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	flags.BoolVar(&enableDHCPv6, "dhcpv6", true, "run the DHCPv6 client against each interface's autoconfigured GUA placeholder")
	flags.DurationVar(&tcpTick, "tcp-tick", 200*time.Millisecond, "TCP retransmit/persist/keepalive tick period")
	flags.DurationVar(&metricsTick, "metrics-tick", time.Second, "metrics sampling period")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("netkernd: shutting down", "signal", sig.String())
		cancel()
	}()

	ifaces := iface.New(logger.With("component", "iface"))
	eth := newPortSet()

	v4 := ipv4.New(ifaces, eth)
	v6 := ipv6.New(ifaces, eth)

	ifaces.SetNeighborSenders(
		func(l2 *iface.L2) arp.Sender { return arpSender{l2: l2, eth: eth} },
		func(l2 *iface.L2) ndp.Sender { return ndpSenderAdapter{l2: l2, send: v6} },
	)

	icmp4 := icmpv4.New(v4)
	icmp6 := icmpv6.New(v6, v6.PMTU)
	tst := tcp.New(ifaces, v4, v6)
	ust := udp.New(ifaces, v4, v6)

	v4.Handlers.ICMP = func(ifindex int, srcL3 *iface.L3V4, h ipv4.Header, payload []byte) {
		icmp4.Receive(ctx, ifindex, srcL3, h, payload)
	}
	v4.Handlers.TCP = tst.ReceiveV4
	v4.Handlers.UDP = ust.ReceiveV4
	v6.Handlers.ICMPv6 = func(ifindex int, srcL3 *iface.L3V6, h ipv6.Header, payload []byte) {
		icmp6.Receive(ctx, ifindex, srcL3, h, payload)
	}
	v6.Handlers.TCP = tst.ReceiveV6
	v6.Handlers.UDP = ust.ReceiveV6

	runner := sched.NewRunner(ctx, logger.With("component", "runner"))

	for _, name := range linkNames {
		port, err := netdev.OpenPort(name, logger.With("component", "netdev", "link", name))
		if err != nil {
			return fmt.Errorf("netkernd: open %s: %w", name, err)
		}
		if err := port.SetUp(); err != nil {
			return fmt.Errorf("netkernd: set %s up: %w", name, err)
		}
		ifindex, err := netdev.RegisterWithManager(ifaces, port)
		if err != nil {
			return fmt.Errorf("netkernd: register %s: %w", name, err)
		}
		eth.add(ifindex, port)

		if enableDHCPv6 {
			if err := markStatefulV6(ifaces, ifindex); err != nil {
				logger.Warn("netkernd: could not mark GUA for DHCPv6", "link", name, "err", err)
			}
		}

		runner.Spawn(ctx, sched.Task{
			Name: "netdev:" + name,
			Run: func(ctx context.Context) {
				if err := port.Run(ctx, ifindex, dispatchFrame(v4, v6)); err != nil && ctx.Err() == nil {
					logger.Error("netkernd: port run stopped", "link", name, "err", err)
				}
			},
		})
		logger.Info("netkernd: interface up", "link", name, "ifindex", ifindex, "mac", port.MAC)
	}

	runner.Spawn(ctx, sched.Task{Name: "iface-tick", Run: func(ctx context.Context) {
		sched.Ticker(ctx, 100*time.Millisecond, func() { ifaces.NotifyTick(100) })
	}})
	runner.Spawn(ctx, sched.Task{Name: "tcp-tick", Run: func(ctx context.Context) {
		sched.Ticker(ctx, tcpTick, func() { tst.Tick(ctx) })
	}})

	dhcp := dhcpv6.New(ifaces, ust, logger.With("component", "dhcpv6"))
	dhcp.OnTransition = func(s iface.DHCPv6State) {
		metrics.DHCPv6StateTransitions.WithLabelValues(s.String()).Inc()
	}
	if enableDHCPv6 {
		runner.Spawn(ctx, sched.Task{Name: "dhcpv6", Run: dhcp.Run})
	}

	sockMgr := sockapi.New(ifaces, tst, ust, logger.With("component", "sockapi"))
	_ = sockMgr // held for process socket calls; no IPC transport is wired yet.

	collector := &metrics.Collector{Ifaces: ifaces, TCP: tst, UDP: ust}
	runner.Spawn(ctx, sched.Task{Name: "metrics", Run: func(ctx context.Context) {
		collector.Run(ctx, metricsTick)
	}})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("netkernd: metrics listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("netkernd: metrics server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// dispatchFrame routes a received Ethernet payload to the IPv4 or IPv6
// stack by sniffing the IP version nibble, since netdev.ReceiveFunc
// carries both ethertypes through one callback shape.
func dispatchFrame(v4 *ipv4.Stack, v6 *ipv6.Stack) netdev.ReceiveFunc {
	return func(ifindex int, srcMAC [6]byte, buf *netpkt.Buffer) {
		data := buf.Data()
		if len(data) == 0 {
			return
		}
		switch data[0] >> 4 {
		case 4:
			v4.Receive(ifindex, srcMAC, buf)
		case 6:
			v6.Receive(ifindex, srcMAC, buf)
		}
	}
}

// markStatefulV6 flips the autoconfigured placeholder GUA's config to
// V6DHCPv6 so dhcpv6.Daemon.eligible picks it up, standing in for the RA
// M-flag policy a full SLAAC/RA engine would set this from.
func markStatefulV6(ifaces *iface.Manager, ifindex int) error {
	l2, err := ifaces.L2At(ifindex)
	if err != nil {
		return err
	}
	for _, v6 := range l2.V6 {
		if v6 != nil && v6.Flags&iface.V6Global != 0 {
			return ifaces.UpdateV6(v6.Id, func(a *iface.L3V6) { a.Config = iface.V6DHCPv6 })
		}
	}
	return fmt.Errorf("no global v6 slot on ifindex %d", ifindex)
}
