// Package metrics defines the prometheus metrics netkernd exports and a
// Collector that periodically samples the running stacks to populate them.
// Metric shape and the promauto registration
// style follow m-lab-tcp-info's metrics/metrics.go.
package metrics

import (
	"context"
	"time"

	"github.com/netkern/netkern/internal/iface"
	"github.com/netkern/netkern/internal/sched"
	"github.com/netkern/netkern/internal/tcp"
	"github.com/netkern/netkern/internal/udp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InterfaceCount is the number of live L2 interfaces the kernel knows about.
	InterfaceCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkern_interfaces",
			Help: "Number of live L2 interfaces.",
		},
	)

	// TCPFlowCount is the number of live TCP flows, by state.
	TCPFlowCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netkern_tcp_flows",
			Help: "Number of TCP flows in each connection state.",
		}, []string{"state"})

	// TCPListenerCount is the number of bound passive-open listeners.
	TCPListenerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkern_tcp_listeners",
			Help: "Number of TCP listening sockets.",
		},
	)

	// TCPSynRecvCount tracks half-open connections under SYN flood pressure.
	TCPSynRecvCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkern_tcp_syn_recv",
			Help: "Number of TCP flows currently in SYN-RECEIVED.",
		},
	)

	// TCPCwndHistogram tracks the congestion window distribution across
	// live flows, in segments.
	TCPCwndHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netkern_tcp_cwnd_segments",
			Help:    "Congestion window size across live TCP flows (segments).",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// UDPSocketCount is the number of live UDP sockets.
	UDPSocketCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkern_udp_sockets",
			Help: "Number of open UDP sockets.",
		},
	)

	// PingCount counts completed ICMP echo exchanges, by outcome.
	PingCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netkern_icmp_echo_total",
			Help: "Total ICMP echo exchanges, by outcome.",
		}, []string{"outcome"})

	// DHCPv6StateTransitions counts client FSM transitions, by new state.
	DHCPv6StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netkern_dhcpv6_transitions_total",
			Help: "DHCPv6 client FSM transitions, by destination state.",
		}, []string{"state"})

	// SampleInterval tracks the actual interval between collector ticks.
	SampleInterval = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netkern_metrics_sample_interval_seconds",
			Help:    "Interval between metrics collector samples.",
			Buckets: prometheus.LinearBuckets(0, 0.05, 20),
		},
	)
)

// Collector samples the daemon's live stacks on a fixed period and updates
// the package-level gauges above. It holds no state of its own beyond the
// last sample time, mirroring tcp-info's polling-loop split between
// collection and the metrics package itself.
type Collector struct {
	Ifaces *iface.Manager
	TCP    *tcp.Stack
	UDP    *udp.Stack

	lastTick int64
}

// Run samples every period until ctx is canceled.
func (c *Collector) Run(ctx context.Context, period time.Duration) {
	c.lastTick = sched.Now()
	sched.Ticker(ctx, period, func() {
		now := sched.Now()
		if c.lastTick != 0 {
			SampleInterval.Observe(float64(now-c.lastTick) / 1000)
		}
		c.lastTick = now
		c.sample()
	})
}

func (c *Collector) sample() {
	if c.Ifaces != nil {
		InterfaceCount.Set(float64(c.Ifaces.Count()))
	}
	if c.UDP != nil {
		UDPSocketCount.Set(float64(c.UDP.SocketCount()))
	}
	if c.TCP == nil {
		return
	}
	st := c.TCP.Stats()
	TCPListenerCount.Set(float64(st.ListenerCount))
	TCPSynRecvCount.Set(float64(st.SynRecvCount))

	counts := make(map[string]int)
	for _, f := range st.Flows {
		counts[f.State.String()]++
		TCPCwndHistogram.Observe(float64(f.Cwnd))
	}
	TCPFlowCount.Reset()
	for state, n := range counts {
		TCPFlowCount.WithLabelValues(state).Set(float64(n))
	}
}
