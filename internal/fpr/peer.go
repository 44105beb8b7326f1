package fpr

import (
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Peer Connection State
// -------------------------------------------------------------------------

// PeerState is a peer's connection state.
//
// State diagram:
//
//	                 +---- reject ----> Rejected
//	Discovered --request--> Pending --approve--> Connected
//	                   \--auto-------------------/        \
//	                                                      v
//	Blocked <--block--- any                     Discovered (restart/timeout)
type PeerState uint8

const (
	// PeerDiscovered means the peer was seen but is not connected.
	PeerDiscovered PeerState = iota

	// PeerPending means a connection request awaits manual approval.
	PeerPending

	// PeerConnected means the handshake completed and data flows.
	PeerConnected

	// PeerRejected means the connection request was declined.
	PeerRejected

	// PeerBlocked means the peer is barred from connecting.
	PeerBlocked
)

// peerStateNames maps peer states to human-readable strings.
var peerStateNames = [5]string{"Discovered", "Pending", "Connected", "Rejected", "Blocked"}

// String returns the human-readable name for the peer state.
func (s PeerState) String() string {
	if int(s) < len(peerStateNames) {
		return peerStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// -------------------------------------------------------------------------
// Peer Security State
// -------------------------------------------------------------------------

// SecurityState tracks a peer's progress through the 4-way handshake.
type SecurityState uint8

const (
	// SecNone means no handshake material has been exchanged.
	SecNone SecurityState = iota

	// SecPwkSent means the host has offered its PWK (step 2 sent).
	SecPwkSent

	// SecPwkReceived means the client has stored the host's PWK.
	SecPwkReceived

	// SecLwkSent means the client has sent PWK+LWK (step 3 sent) and
	// awaits the host's acknowledgment.
	SecLwkSent

	// SecLwkReceived means the host has stored the client's LWK.
	SecLwkReceived

	// SecEstablished means both sides hold both keys.
	SecEstablished
)

// securityStateNames maps security states to human-readable strings.
var securityStateNames = [6]string{
	"None", "PwkSent", "PwkReceived", "LwkSent", "LwkReceived", "Established",
}

// String returns the human-readable name for the security state.
func (s SecurityState) String() string {
	if int(s) < len(securityStateNames) {
		return securityStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// -------------------------------------------------------------------------
// Queue Mode
// -------------------------------------------------------------------------

// QueueMode is the per-peer delivery queue policy.
type QueueMode uint8

const (
	// QueueNormal retains every complete frame, fragments included.
	QueueNormal QueueMode = iota

	// QueueLatestOnly keeps only the newest complete single-frame
	// message. Fragmented messages are refused in this mode because
	// cross-message ordering cannot be preserved when newer messages
	// pre-empt older ones.
	QueueLatestOnly
)

// String returns the human-readable name for the queue mode.
func (m QueueMode) String() string {
	switch m {
	case QueueNormal:
		return "Normal"
	case QueueLatestOnly:
		return "LatestOnly"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(m))
	}
}

// -------------------------------------------------------------------------
// Peer — one remote device
// -------------------------------------------------------------------------

// Peer is the record kept for one remote device, keyed by its hardware
// address in the device's peer store.
//
// All fields except the delivery queue are guarded by the owning Store's
// lock; the queue carries its own synchronization so consumers can block
// on it without holding the store.
type Peer struct {
	// Name is the peer's display name, at most NameSize-1 bytes.
	Name string

	// Addr is the peer's hardware address.
	Addr MAC

	// State is the connection state. Connected is authoritative;
	// IsConnected derives from it.
	State PeerState

	// SecState is the handshake progress.
	SecState SecurityState

	// Keys holds the working keys exchanged with this peer.
	Keys SecurityKeys

	// LastSeen is the timestamp of the last frame heard from the peer,
	// in microseconds since the Unix epoch.
	LastSeen int64

	// RSSI is the last observed signal strength.
	RSSI int8

	// LastSeq is the highest accepted inbound sequence number. Frames
	// with a strictly older nonzero sequence are dropped as replays.
	LastSeq uint32

	// ReceivingFragmented is set while a Start..End run is in progress.
	ReceivingFragmented bool

	// FragmentSeq is the sequence number of the in-progress run.
	FragmentSeq uint32

	// PacketsReceived counts frames accepted from this peer.
	PacketsReceived uint32

	// HopCount is the learned distance to the peer in hops. Zero means
	// direct or unknown.
	HopCount uint8

	// NextHop is the address of the next device on the route to this
	// peer. Stored as an address, not a pointer, so peer records never
	// reference each other.
	NextHop MAC

	// Mode is the delivery queue policy for this peer.
	Mode QueueMode

	// Queue is the bounded FIFO of frames awaiting the application.
	Queue *DeliveryQueue
}

// newPeer builds a fresh peer record in the Discovered state.
func newPeer(name string, addr MAC, mode QueueMode) *Peer {
	return &Peer{
		Name:     name,
		Addr:     addr,
		State:    PeerDiscovered,
		SecState: SecNone,
		LastSeen: time.Now().UnixMicro(),
		Mode:     mode,
		Queue:    NewDeliveryQueue(QueueDepth),
	}
}

// IsConnected reports whether the peer is fully connected. Derived from
// State so the two can never disagree.
func (p *Peer) IsConnected() bool { return p.State == PeerConnected }

// touch refreshes the last-seen timestamp and signal strength.
func (p *Peer) touch(rssi int8) {
	p.LastSeen = time.Now().UnixMicro()
	p.RSSI = rssi
}

// age returns how long ago the peer was last heard from.
func (p *Peer) age() time.Duration {
	return time.Duration(time.Now().UnixMicro()-p.LastSeen) * time.Microsecond
}

// resetSession clears the session-scoped receive state: the replay
// cursor, any fragment run in progress, and stale queued frames from the
// prior session. Called on every transition to Established.
func (p *Peer) resetSession() {
	p.LastSeq = 0
	p.ReceivingFragmented = false
	p.FragmentSeq = 0
	p.Queue.Drain()
}

// disconnect downgrades the peer to Discovered and wipes the handshake
// state so a fresh exchange can run.
func (p *Peer) disconnect() {
	p.State = PeerDiscovered
	p.SecState = SecNone
	p.Keys.Clear()
}

// -------------------------------------------------------------------------
// PeerInfo — read-only snapshot
// -------------------------------------------------------------------------

// PeerInfo is a point-in-time copy of a peer record for external
// consumers. No references to mutable state are held.
type PeerInfo struct {
	// Name is the peer's display name.
	Name string

	// Addr is the peer's hardware address.
	Addr MAC

	// Connected mirrors State == PeerConnected.
	Connected bool

	// State is the connection state at snapshot time.
	State PeerState

	// SecState is the handshake progress at snapshot time.
	SecState SecurityState

	// HopCount is the learned route distance.
	HopCount uint8

	// NextHop is the learned route next hop.
	NextHop MAC

	// RSSI is the last observed signal strength.
	RSSI int8

	// LastSeen is how long ago the peer was heard from.
	LastSeen time.Duration

	// PacketsReceived counts frames accepted from the peer.
	PacketsReceived uint32

	// Queued is the number of complete messages awaiting the application.
	Queued int
}

// snapshot copies the peer's externally visible fields.
func (p *Peer) snapshot() PeerInfo {
	return PeerInfo{
		Name:            p.Name,
		Addr:            p.Addr,
		Connected:       p.IsConnected(),
		State:           p.State,
		SecState:        p.SecState,
		HopCount:        p.HopCount,
		NextHop:         p.NextHop,
		RSSI:            p.RSSI,
		LastSeen:        p.age(),
		PacketsReceived: p.PacketsReceived,
		Queued:          p.Queue.CompleteCount(),
	}
}
