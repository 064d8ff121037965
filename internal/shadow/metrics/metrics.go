// Package metrics exposes the simulation core's internal counters and
// gauges as Prometheus metrics (§2.1 ambient stack), following the same
// promauto-registered package-level vector style the rest of this
// codebase uses for its own subsystem metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelHost   = "host"
	LabelReason = "reason"
)

var (
	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadow_event_queue_depth",
			Help: "Number of events currently queued for delivery.",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_events_delivered_total",
			Help: "Count of events delivered to a host, by kind.",
		},
		[]string{"kind"},
	)

	HostCPUBlockedNanoseconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_host_cpu_blocked_nanoseconds_total",
			Help: "Cumulative simulated CPU-blocked time per host.",
		},
		[]string{LabelHost},
	)

	TCPRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_tcp_retransmits_total",
			Help: "Count of TCP segment retransmissions, by cause (fast_retransmit, rto).",
		},
		[]string{LabelReason},
	)

	TCPStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_tcp_state_transitions_total",
			Help: "Count of TCP connection state transitions.",
		},
		[]string{"from", "to"},
	)

	UDPDatagramsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shadow_udp_datagrams_dropped_total",
			Help: "Count of UDP datagrams dropped, by reason (recv_buffer_full, unrouted).",
		},
		[]string{LabelReason},
	)

	PacketsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadow_packets_in_flight",
			Help: "Number of packets scheduled but not yet delivered.",
		},
	)

	WorkerBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadow_worker_busy",
			Help: "1 while a worker goroutine is processing an event, 0 while idle.",
		},
		[]string{"worker"},
	)
)
