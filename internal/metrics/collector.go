// Package fprmetrics exposes FPR protocol counters as Prometheus metrics.
package fprmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofpr"
	subsystem = "fpr"
)

// Label names for FPR metrics.
const (
	labelDevice    = "device"
	labelReason    = "reason"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus FPR Metrics
// -------------------------------------------------------------------------

// Collector holds all FPR Prometheus metrics and implements the protocol
// engine's MetricsReporter seam.
//
// Metrics are designed for fleet monitoring:
//   - Peer gauges track the current store size per device.
//   - Packet counters track TX/RX/forward/drop volumes.
//   - Drop counters carry a reason label for precise alerting.
//   - Replay counters flag potential attacks.
//   - Handshake transition counters expose session churn.
type Collector struct {
	// Peers tracks the current peer store size per device.
	Peers *prometheus.GaugeVec

	// PacketsSent counts frames transmitted per device.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts frames delivered toward the application.
	PacketsReceived *prometheus.CounterVec

	// PacketsForwarded counts frames relayed in extender mode.
	PacketsForwarded *prometheus.CounterVec

	// PacketsDropped counts dropped frames by reason (codec, version,
	// orphan, queue_full, policy, ttl, unconnected).
	PacketsDropped *prometheus.CounterVec

	// ReplayBlocked counts frames rejected by the replay filter.
	ReplayBlocked *prometheus.CounterVec

	// SendFailures counts radio transmission failures.
	SendFailures *prometheus.CounterVec

	// HandshakeTransitions counts security state transitions, labeled
	// with the old and new states for alerting on handshake churn.
	HandshakeTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with all FPR metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gofpr_fpr_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Peers,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsForwarded,
		c.PacketsDropped,
		c.ReplayBlocked,
		c.SendFailures,
		c.HandshakeTransitions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	deviceLabels := []string{labelDevice}
	dropLabels := []string{labelDevice, labelReason}
	transitionLabels := []string{labelDevice, labelFromState, labelToState}

	return &Collector{
		Peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of peer records currently held.",
		}, deviceLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total frames transmitted.",
		}, deviceLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total frames delivered toward the application.",
		}, deviceLabels),

		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_forwarded_total",
			Help:      "Total frames relayed in extender mode.",
		}, deviceLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total frames dropped, labeled by reason.",
		}, dropLabels),

		ReplayBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_blocked_total",
			Help:      "Total frames rejected by the replay filter.",
		}, deviceLabels),

		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Total radio transmission failures.",
		}, deviceLabels),

		HandshakeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_transitions_total",
			Help:      "Total security handshake state transitions.",
		}, transitionLabels),
	}
}

// -------------------------------------------------------------------------
// MetricsReporter Implementation
// -------------------------------------------------------------------------

// IncSent records one transmitted frame.
func (c *Collector) IncSent(device string) {
	c.PacketsSent.WithLabelValues(device).Inc()
}

// IncReceived records one frame delivered toward the application.
func (c *Collector) IncReceived(device string) {
	c.PacketsReceived.WithLabelValues(device).Inc()
}

// IncForwarded records one frame relayed in extender mode.
func (c *Collector) IncForwarded(device string) {
	c.PacketsForwarded.WithLabelValues(device).Inc()
}

// IncDropped records one dropped frame with its reason label.
func (c *Collector) IncDropped(device, reason string) {
	c.PacketsDropped.WithLabelValues(device, reason).Inc()
}

// IncReplayBlocked records one frame rejected by the replay filter.
func (c *Collector) IncReplayBlocked(device string) {
	c.ReplayBlocked.WithLabelValues(device).Inc()
}

// IncSendFailure records one radio transmission failure.
func (c *Collector) IncSendFailure(device string) {
	c.SendFailures.WithLabelValues(device).Inc()
}

// SetPeerCount reports the current peer store size.
func (c *Collector) SetPeerCount(device string, n int) {
	c.Peers.WithLabelValues(device).Set(float64(n))
}

// RecordHandshake records one security state transition.
func (c *Collector) RecordHandshake(device, from, to string) {
	c.HandshakeTransitions.WithLabelValues(device, from, to).Inc()
}
