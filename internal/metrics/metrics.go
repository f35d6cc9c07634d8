// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with FramesDroppedTotal.
const (
	DropNotForUs   = "not_for_us"
	DropMalformed  = "malformed"
	DropNoListener = "no_listener"
	DropTruncated  = "truncated"
	DropLinkFrame  = "link_frame"
)

var (
	// FramesReceivedTotal counts decoded layers by protocol
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawnet_frames_received_total",
			Help: "Total number of decoded layers by protocol",
		},
		[]string{"protocol"},
	)

	// FramesDroppedTotal counts inbound frames discarded before delivery
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawnet_frames_dropped_total",
			Help: "Total number of inbound frames dropped",
		},
		[]string{"reason"},
	)

	// FramesSentTotal counts frames handed to the link
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawnet_frames_sent_total",
			Help: "Total number of frames transmitted",
		},
		[]string{"ethertype"},
	)

	// HandshakeTransitionsTotal counts handshake state entries
	HandshakeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawnet_handshake_transitions_total",
			Help: "Total number of handshake state transitions by target state",
		},
		[]string{"state"},
	)

	// HandshakeLatencySeconds measures SYN to SYN-ACK latency
	HandshakeLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rawnet_handshake_latency_seconds",
			Help:    "Time from SYN sent to SYN-ACK received in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
	)

	// ARPRequestsTotal counts ARP requests, labelled by whether the limiter let them through
	ARPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawnet_arp_requests_total",
			Help: "Total number of ARP requests by outcome",
		},
		[]string{"outcome"},
	)

	// NeighborEntries tracks the size of the address resolution cache
	NeighborEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rawnet_neighbor_entries",
			Help: "Number of entries in the address resolution cache",
		},
	)
)
