package fpr

import "sync/atomic"

// -------------------------------------------------------------------------
// Drop Reasons
// -------------------------------------------------------------------------

// Drop reason labels. Every inbound frame resolves to exactly one
// outcome: delivered, consumed by the handshake, blocked as a replay, or
// dropped with one of these reasons.
const (
	// DropCodec marks frames whose length or encoding was rejected.
	DropCodec = "codec"

	// DropVersion marks frames rejected by the version dispatcher.
	DropVersion = "version"

	// DropOrphan marks fragments that arrived outside their run.
	DropOrphan = "orphan"

	// DropQueueFull marks frames refused by a full delivery queue.
	DropQueueFull = "queue_full"

	// DropPolicy marks frames refused by the queue-mode policy or
	// displaced by a newer message.
	DropPolicy = "policy"

	// DropTTL marks frames whose hop count reached the forwarding limit.
	DropTTL = "ttl"

	// DropUnconnected marks data frames from peers with no session.
	DropUnconnected = "unconnected"
)

// -------------------------------------------------------------------------
// MetricsReporter — observation seam
// -------------------------------------------------------------------------

// MetricsReporter receives protocol events for external monitoring.
// The device always holds a non-nil reporter; when none is configured a
// no-op implementation is used. Implementations must be safe for
// concurrent use and must not block.
type MetricsReporter interface {
	// IncSent records one transmitted frame.
	IncSent(device string)

	// IncReceived records one frame delivered to the application side.
	IncReceived(device string)

	// IncForwarded records one frame relayed in extender mode.
	IncForwarded(device string)

	// IncDropped records one dropped frame with its reason label.
	IncDropped(device, reason string)

	// IncReplayBlocked records one frame rejected by the replay filter.
	IncReplayBlocked(device string)

	// IncSendFailure records one radio transmission failure.
	IncSendFailure(device string)

	// SetPeerCount reports the current peer store size.
	SetPeerCount(device string, n int)

	// RecordHandshake records one security state transition.
	RecordHandshake(device, from, to string)
}

// noopMetrics is the default reporter when none is configured.
type noopMetrics struct{}

func (noopMetrics) IncSent(string)                 {}
func (noopMetrics) IncReceived(string)             {}
func (noopMetrics) IncForwarded(string)            {}
func (noopMetrics) IncDropped(string, string)      {}
func (noopMetrics) IncReplayBlocked(string)        {}
func (noopMetrics) IncSendFailure(string)          {}
func (noopMetrics) SetPeerCount(string, int)       {}
func (noopMetrics) RecordHandshake(_, _, _ string) {}

// -------------------------------------------------------------------------
// NetworkStats — device counters
// -------------------------------------------------------------------------

// NetworkStats is a point-in-time copy of the device counters.
type NetworkStats struct {
	// PacketsSent counts frames handed to the radio successfully.
	PacketsSent uint32 `json:"packets_sent"`

	// PacketsReceived counts frames delivered toward the application.
	PacketsReceived uint32 `json:"packets_received"`

	// PacketsForwarded counts frames relayed in extender mode.
	PacketsForwarded uint32 `json:"packets_forwarded"`

	// PacketsDropped counts frames discarded for any reason other than
	// replay.
	PacketsDropped uint32 `json:"packets_dropped"`

	// SendFailures counts radio transmission failures.
	SendFailures uint32 `json:"send_failures"`

	// ReplayAttacksBlocked counts frames rejected by the replay filter.
	ReplayAttacksBlocked uint32 `json:"replay_attacks_blocked"`

	// PeerCount is the current peer store size.
	PeerCount int `json:"peer_count"`
}

// netStats holds the live device counters. Updated on the hot path with
// atomics; snapshot methods read them without coordination.
type netStats struct {
	sent          atomic.Uint32
	received      atomic.Uint32
	forwarded     atomic.Uint32
	dropped       atomic.Uint32
	sendFailures  atomic.Uint32
	replayBlocked atomic.Uint32
}

// snapshot copies the counters.
func (s *netStats) snapshot(peerCount int) NetworkStats {
	return NetworkStats{
		PacketsSent:          s.sent.Load(),
		PacketsReceived:      s.received.Load(),
		PacketsForwarded:     s.forwarded.Load(),
		PacketsDropped:       s.dropped.Load(),
		SendFailures:         s.sendFailures.Load(),
		ReplayAttacksBlocked: s.replayBlocked.Load(),
		PeerCount:            peerCount,
	}
}

// reset zeroes all counters.
func (s *netStats) reset() {
	s.sent.Store(0)
	s.received.Store(0)
	s.forwarded.Store(0)
	s.dropped.Store(0)
	s.sendFailures.Store(0)
	s.replayBlocked.Store(0)
}
