package fpr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/repvi/fpr/internal/radio"
)

// -------------------------------------------------------------------------
// Modes & Network State
// -------------------------------------------------------------------------

// Mode selects how the device participates in the network.
type Mode uint8

const (
	// ModeDefault is the initial mode; the device neither answers
	// discovery nor forwards traffic until a mode is selected.
	ModeDefault Mode = iota

	// ModeClient discovers hosts and connects to at most one of them.
	ModeClient

	// ModeHost accepts client connections and broadcasts device info.
	ModeHost

	// ModeBroadcast is reserved for a future one-to-many mode and cannot
	// be selected.
	ModeBroadcast

	// ModeExtender relays frames for other devices to extend range.
	ModeExtender
)

// modeNames maps modes to human-readable strings.
var modeNames = [5]string{"Default", "Client", "Host", "Broadcast", "Extender"}

// String returns the human-readable name for the mode.
func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(m))
}

// NetworkState is the device lifecycle state.
//
// Uninitialized -> Initialized -> Started <-> Paused; Started/Paused -> Stopped.
type NetworkState uint8

const (
	// StateUninitialized means the device has not been constructed.
	StateUninitialized NetworkState = iota

	// StateInitialized means the device is constructed but not running.
	StateInitialized

	// StateStarted means the device is processing traffic.
	StateStarted

	// StatePaused means inbound frames are discarded and sends refused;
	// peer records, keys, and queues are retained.
	StatePaused

	// StateStopped means the device has shut down.
	StateStopped
)

// networkStateNames maps network states to human-readable strings.
var networkStateNames = [5]string{"Uninitialized", "Initialized", "Started", "Paused", "Stopped"}

// String returns the human-readable name for the network state.
func (s NetworkState) String() string {
	if int(s) < len(networkStateNames) {
		return networkStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// PowerMode scales the protocol's cadences and timeouts.
type PowerMode uint8

const (
	// PowerNormal runs all timers at their nominal rates.
	PowerNormal PowerMode = iota

	// PowerLow multiplies the Timings cadences and timeouts (announcement,
	// keepalive, reconnect timeout and check) by lowPowerFactor. The scan
	// solicit and connect retry cadences are not scaled.
	PowerLow
)

// lowPowerFactor is the cadence multiplier applied in PowerLow mode.
const lowPowerFactor = 4

// ConnectionMode selects automatic or manually approved connections.
type ConnectionMode uint8

const (
	// ConnectionAuto accepts or initiates connections without asking.
	ConnectionAuto ConnectionMode = iota

	// ConnectionManual defers the decision to an application callback.
	ConnectionManual
)

// -------------------------------------------------------------------------
// Timing Constants
// -------------------------------------------------------------------------

const (
	// broadcastInterval is the host device-info broadcast cadence.
	broadcastInterval = 1 * time.Second

	// keepaliveInterval is the cadence of keepalive control frames on an
	// established session.
	keepaliveInterval = 3 * time.Second

	// reconnectTimeout is how long a connected peer may stay silent
	// before it is downgraded to Discovered.
	reconnectTimeout = 10 * time.Second

	// reconnectCheckInterval is how often the reconnect task wakes.
	reconnectCheckInterval = 500 * time.Millisecond

	// scanBroadcastInterval is the solicit cadence during a host scan.
	scanBroadcastInterval = 1 * time.Second

	// scanPollInterval is the scan loop wake interval.
	scanPollInterval = 100 * time.Millisecond

	// connectRetryInterval is the retry cadence for a manual connect.
	connectRetryInterval = 500 * time.Millisecond

	// fragmentPause is the inter-fragment delay within one send burst,
	// giving the receiver's radio time to drain.
	fragmentPause = 2 * time.Millisecond

	// reachablePollInterval is the wake interval for IsPeerReachable.
	reachablePollInterval = 50 * time.Millisecond
)

// -------------------------------------------------------------------------
// Configuration & Callbacks
// -------------------------------------------------------------------------

// Config holds the device construction parameters.
type Config struct {
	// Channel is the radio channel, 1 through 14.
	Channel int

	// PowerMode scales the protocol timers.
	PowerMode PowerMode

	// Timings overrides the protocol cadences. Zero fields keep their
	// defaults.
	Timings Timings
}

// Timings holds the protocol cadences and timeouts. The power mode
// multiplies all of them uniformly without changing semantics.
type Timings struct {
	// BroadcastInterval is the host device-info announcement cadence.
	BroadcastInterval time.Duration

	// KeepaliveInterval is the cadence of keepalive control frames on an
	// established session.
	KeepaliveInterval time.Duration

	// ReconnectTimeout is how long a connected peer may stay silent
	// before it is downgraded to Discovered.
	ReconnectTimeout time.Duration

	// ReconnectCheckInterval is how often the reconnect task wakes.
	ReconnectCheckInterval time.Duration
}

// withDefaults fills zero fields with the nominal cadences.
func (t Timings) withDefaults() Timings {
	if t.BroadcastInterval <= 0 {
		t.BroadcastInterval = broadcastInterval
	}
	if t.KeepaliveInterval <= 0 {
		t.KeepaliveInterval = keepaliveInterval
	}
	if t.ReconnectTimeout <= 0 {
		t.ReconnectTimeout = reconnectTimeout
	}
	if t.ReconnectCheckInterval <= 0 {
		t.ReconnectCheckInterval = reconnectCheckInterval
	}
	return t
}

// HostConfig controls host-mode connection policy.
type HostConfig struct {
	// MaxPeers caps concurrent connected clients. Zero means unlimited.
	MaxPeers int

	// ConnectionMode selects auto-accept or manual approval.
	ConnectionMode ConnectionMode

	// RequestCB is consulted for each connection request in manual mode.
	// Returning true approves the peer. May be nil, in which case
	// requests stay Pending until ApprovePeer is called.
	RequestCB func(addr MAC, name string) bool
}

// ClientConfig controls client-mode connection policy.
type ClientConfig struct {
	// ConnectionMode selects auto-connect or manual selection.
	ConnectionMode ConnectionMode

	// DiscoveryCB is invoked when an announcement engages a host: one not
	// yet recorded, or a recorded host still Discovered without a session
	// while no host is connected. May be nil.
	DiscoveryCB func(addr MAC, name string, rssi int8)

	// SelectionCB is consulted in manual mode before initiating a
	// connection. Returning true connects. When nil, manual mode never
	// initiates; hosts are recorded as Discovered only.
	SelectionCB func(addr MAC, name string, rssi int8) bool
}

// ReceiveFunc is the application data callback, invoked synchronously on
// the receive path with the opaque payload of each accepted data frame.
// It runs with no protocol lock held but must still return promptly.
type ReceiveFunc func(src MAC, payload []byte)

// SendOptions parameterizes SendWithOptions.
type SendOptions struct {
	// PackageID identifies the packet stream; must be >= 0 for
	// application data.
	PackageID int32

	// MaxHops overrides the forwarding TTL. Zero selects DefaultMaxHops.
	MaxHops uint8
}

// -------------------------------------------------------------------------
// Device
// -------------------------------------------------------------------------

// Device is one FPR protocol endpoint: a name, a hardware address, a
// mode, a peer store, counters, and the background discovery and
// reconnect tasks. All handlers receive the device explicitly; there is
// no package-level instance.
type Device struct {
	name   string
	mac    MAC
	drv    radio.Driver
	logger *slog.Logger

	store   *Store
	metrics MetricsReporter
	stats   netStats
	timings Timings

	// seq is the device-wide outbound sequence counter. A single
	// increment covers all fragments of one logical message.
	seq atomic.Uint32

	// mu guards the mode, state, configuration, visibility, callbacks,
	// and host key below. Never held across radio sends or application
	// callbacks.
	mu               sync.Mutex
	mode             Mode
	netState         NetworkState
	visibility       Visibility
	powerMode        PowerMode
	defaultQueueMode QueueMode
	hostCfg          HostConfig
	clientCfg        ClientConfig
	recvCB           ReceiveFunc
	hostPWK          [KeySize]byte
	hostPWKValid     bool

	// Background tasks. Cancelled cooperatively via context.
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
	reconCancel  context.CancelFunc
	reconDone    chan struct{}
}

// DeviceOption configures optional Device parameters.
type DeviceOption func(*Device)

// WithMetrics attaches a MetricsReporter to the device. If mr is nil,
// the default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) DeviceOption {
	return func(d *Device) {
		if mr != nil {
			d.metrics = mr
		}
	}
}

// NewDevice constructs a device on top of the given radio driver.
//
// The name must fit in NameSize-1 bytes and the channel must be within
// the radio's range. The radio is tuned, the broadcast peer registered,
// and the receive callback installed; the device comes up in the
// Initialized state and processes no traffic until Start.
func NewDevice(name string, cfg Config, drv radio.Driver, logger *slog.Logger, opts ...DeviceOption) (*Device, error) {
	if name == "" || len(name) > NameSize-1 {
		return nil, fmt.Errorf("device name %q must be 1-%d bytes: %w",
			name, NameSize-1, ErrInvalidArgument)
	}
	if drv == nil {
		return nil, fmt.Errorf("radio driver is nil: %w", ErrInvalidArgument)
	}
	if cfg.Channel < radio.MinChannel || cfg.Channel > radio.MaxChannel {
		return nil, fmt.Errorf("channel %d out of range [%d, %d]: %w",
			cfg.Channel, radio.MinChannel, radio.MaxChannel, ErrInvalidArgument)
	}
	if drv.MaxPayload() < FrameSize {
		return nil, fmt.Errorf("radio payload limit %d below frame size %d: %w",
			drv.MaxPayload(), FrameSize, ErrInvalidArgument)
	}

	d := &Device{
		name:      name,
		mac:       drv.SelfMAC(),
		drv:       drv,
		store:     NewStore(),
		metrics:   noopMetrics{},
		netState:  StateInitialized,
		timings:   cfg.Timings.withDefaults(),
		powerMode: cfg.PowerMode,
		logger: logger.With(
			slog.String("device", name),
			slog.String("mac", drv.SelfMAC().String()),
		),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := drv.SetChannel(cfg.Channel); err != nil {
		return nil, fmt.Errorf("set channel %d: %w", cfg.Channel, err)
	}
	if err := drv.RegisterBroadcastPeer(); err != nil {
		return nil, fmt.Errorf("register broadcast peer: %w", err)
	}
	drv.OnReceive(d.handleReceive)
	drv.OnSendComplete(d.handleSendComplete)

	d.logger.Info("device initialized", slog.Int("channel", cfg.Channel))

	return d, nil
}

// -------------------------------------------------------------------------
// Identity Accessors
// -------------------------------------------------------------------------

// Name returns the device's display name.
func (d *Device) Name() string { return d.name }

// MAC returns the device's hardware address.
func (d *Device) MAC() MAC { return d.mac }

// Mode returns the current operating mode.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// State returns the current network state.
func (d *Device) State() NetworkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.netState
}

// ProtocolVersion returns the packed protocol version this device stamps
// on outbound frames.
func (d *Device) ProtocolVersion() Version { return ProtocolVersion }

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Start begins processing traffic. Valid only from Initialized.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.netState != StateInitialized {
		return fmt.Errorf("start from %s: %w", d.netState, ErrInvalidState)
	}
	d.netState = StateStarted
	d.logger.Info("network started")
	return nil
}

// Pause suspends the device: all inbound frames are discarded and new
// sends are refused. Peer records, keys, and queues are retained.
func (d *Device) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.netState != StateStarted {
		return fmt.Errorf("pause from %s: %w", d.netState, ErrInvalidState)
	}
	d.netState = StatePaused
	d.logger.Info("network paused")
	return nil
}

// Resume returns a paused device to Started. All prior peer records and
// handshake states are preserved.
func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.netState != StatePaused {
		return fmt.Errorf("resume from %s: %w", d.netState, ErrInvalidState)
	}
	d.netState = StateStarted
	d.logger.Info("network resumed")
	return nil
}

// Stop halts the device and its background tasks. Valid from Started or
// Paused.
func (d *Device) Stop() error {
	d.mu.Lock()
	if d.netState != StateStarted && d.netState != StatePaused {
		d.mu.Unlock()
		return fmt.Errorf("stop from %s: %w", d.netState, ErrInvalidState)
	}
	d.netState = StateStopped
	d.mu.Unlock()

	d.StopLoopTask()
	d.StopReconnectTask()
	d.logger.Info("network stopped")
	return nil
}

// Close tears the device down: background tasks are cancelled, queues
// drained, key material wiped, and all peer records released. The radio
// callbacks are uninstalled last so nothing races the teardown.
func (d *Device) Close() error {
	d.StopLoopTask()
	d.StopReconnectTask()

	d.mu.Lock()
	d.netState = StateStopped
	if d.hostPWKValid {
		d.clearHostPWKLocked()
	}
	d.mu.Unlock()

	d.store.Clear()
	d.metrics.SetPeerCount(d.name, 0)

	d.drv.OnReceive(nil)
	d.drv.OnSendComplete(nil)

	d.logger.Info("device closed")
	return nil
}

// -------------------------------------------------------------------------
// Mode & Configuration
// -------------------------------------------------------------------------

// SetMode switches the device between client, host, and extender roles.
// At most one mode is active. Entering host mode generates a fresh PWK;
// leaving it wipes the key. The broadcast peer is re-registered with the
// radio on every switch.
func (d *Device) SetMode(mode Mode) error {
	switch mode {
	case ModeClient, ModeHost, ModeExtender:
	case ModeBroadcast:
		return fmt.Errorf("mode %s is reserved: %w", mode, ErrInvalidArgument)
	default:
		return fmt.Errorf("mode %s: %w", mode, ErrInvalidArgument)
	}

	d.mu.Lock()
	if d.netState == StateUninitialized || d.netState == StateStopped {
		state := d.netState
		d.mu.Unlock()
		return fmt.Errorf("set mode in state %s: %w", state, ErrInvalidState)
	}

	prev := d.mode
	if prev == ModeHost && mode != ModeHost {
		d.clearHostPWKLocked()
	}
	if mode == ModeHost && !d.hostPWKValid {
		key, err := GenerateKey()
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("generate host PWK: %w", err)
		}
		d.hostPWK = key
		d.hostPWKValid = true
	}
	d.mode = mode
	d.mu.Unlock()

	if err := d.drv.RegisterBroadcastPeer(); err != nil {
		return fmt.Errorf("re-register broadcast peer: %w", err)
	}

	d.logger.Info("mode changed",
		slog.String("from", prev.String()),
		slog.String("to", mode.String()),
	)
	return nil
}

// SetHostConfig installs the host-mode connection policy.
func (d *Device) SetHostConfig(cfg HostConfig) error {
	if cfg.MaxPeers < 0 {
		return fmt.Errorf("max peers %d: %w", cfg.MaxPeers, ErrInvalidArgument)
	}
	d.mu.Lock()
	d.hostCfg = cfg
	d.mu.Unlock()
	return nil
}

// SetClientConfig installs the client-mode connection policy.
func (d *Device) SetClientConfig(cfg ClientConfig) error {
	d.mu.Lock()
	d.clientCfg = cfg
	d.mu.Unlock()
	return nil
}

// SetVisibility switches the device between public and private
// discoverability.
func (d *Device) SetVisibility(v Visibility) {
	d.mu.Lock()
	d.visibility = v
	d.mu.Unlock()
}

// Visibility returns the current discoverability setting.
func (d *Device) Visibility() Visibility {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibility
}

// SetPowerMode switches the timer scaling; semantics are unchanged. The
// discovery loop and reconnect task read the scale when they start, so a
// running task keeps its cadence until it is restarted.
func (d *Device) SetPowerMode(pm PowerMode) {
	d.mu.Lock()
	d.powerMode = pm
	d.mu.Unlock()
}

// SetDefaultQueueMode sets the queue mode applied to peers created from
// now on. Existing peers keep their mode.
func (d *Device) SetDefaultQueueMode(m QueueMode) {
	d.mu.Lock()
	d.defaultQueueMode = m
	d.mu.Unlock()
}

// SetPeerQueueMode overrides the queue mode for one existing peer.
func (d *Device) SetPeerQueueMode(addr MAC, m QueueMode) error {
	if !d.store.Update(addr, func(p *Peer) { p.Mode = m }) {
		return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	return nil
}

// RegisterReceiveCallback installs the application data callback. It is
// invoked synchronously on the receive path before each enqueue attempt.
func (d *Device) RegisterReceiveCallback(cb ReceiveFunc) {
	d.mu.Lock()
	d.recvCB = cb
	d.mu.Unlock()
}

// clearHostPWKLocked wipes the host key. Caller holds d.mu.
func (d *Device) clearHostPWKLocked() {
	var keys SecurityKeys
	keys.PWK = d.hostPWK
	keys.PWKValid = true
	keys.Clear()
	d.hostPWK = keys.PWK
	d.hostPWKValid = false
}

// timerScale returns the cadence multiplier for the current power mode.
func (d *Device) timerScale() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powerMode == PowerLow {
		return lowPowerFactor
	}
	return 1
}

// -------------------------------------------------------------------------
// Peer Operations
// -------------------------------------------------------------------------

// AddPeer registers a peer record and the radio-layer unicast peer for
// the address. The peer starts in the Discovered state.
func (d *Device) AddPeer(addr MAC, name string) error {
	if addr.IsZero() || addr.IsBroadcast() {
		return fmt.Errorf("peer address %s: %w", addr, ErrInvalidArgument)
	}
	if len(name) > NameSize-1 {
		return fmt.Errorf("peer name %q too long: %w", name, ErrInvalidArgument)
	}
	return d.addPeerRecord(addr, name)
}

// addPeerRecord inserts (or refreshes) the peer record and registers the
// unicast address with the radio.
func (d *Device) addPeerRecord(addr MAC, name string) error {
	d.mu.Lock()
	mode := d.defaultQueueMode
	d.mu.Unlock()

	d.store.Upsert(addr,
		func() *Peer { return newPeer(name, addr, mode) },
		func(p *Peer) {
			if name != "" {
				p.Name = name
			}
		},
	)
	d.metrics.SetPeerCount(d.name, d.store.Len())

	if err := d.drv.AddPeer(addr); err != nil {
		d.store.Delete(addr)
		d.metrics.SetPeerCount(d.name, d.store.Len())
		return fmt.Errorf("register radio peer %s: %w: %w", addr, ErrRadio, err)
	}
	return nil
}

// RemovePeer deletes a peer record, its queued frames, and the radio
// registration.
func (d *Device) RemovePeer(addr MAC) error {
	if !d.store.Delete(addr) {
		return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	d.metrics.SetPeerCount(d.name, d.store.Len())
	if err := d.drv.DelPeer(addr); err != nil {
		d.logger.Warn("deregister radio peer failed",
			slog.String("peer", addr.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// PeerByName returns the address of the first peer with the given name.
func (d *Device) PeerByName(name string) (MAC, error) {
	addr, ok := d.store.Find(func(p *Peer) bool { return p.Name == name })
	if !ok {
		return MAC{}, fmt.Errorf("peer named %q: %w", name, ErrNotFound)
	}
	return addr, nil
}

// PeerInfo returns a snapshot of one peer record.
func (d *Device) PeerInfo(addr MAC) (PeerInfo, error) {
	var info PeerInfo
	ok := d.store.Update(addr, func(p *Peer) { info = p.snapshot() })
	if !ok {
		return PeerInfo{}, fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	return info, nil
}

// Peers returns snapshots of every peer record.
func (d *Device) Peers() []PeerInfo { return d.store.Snapshot() }

// ClearPeers removes every peer record, draining queues and wiping keys.
func (d *Device) ClearPeers() {
	for _, addr := range d.store.Clear() {
		if err := d.drv.DelPeer(addr); err != nil {
			d.logger.Warn("deregister radio peer failed",
				slog.String("peer", addr.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	d.metrics.SetPeerCount(d.name, 0)
}

// IsPeerReachable probes a peer with a control keepalive and reports
// whether it responds (any frame heard) within the timeout.
func (d *Device) IsPeerReachable(addr MAC, timeout time.Duration) bool {
	var before int64
	if !d.store.Update(addr, func(p *Peer) { before = p.LastSeen }) {
		return false
	}
	if err := d.sendDeviceInfo(addr); err != nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var after int64
		if !d.store.Update(addr, func(p *Peer) { after = p.LastSeen }) {
			return false
		}
		if after > before {
			return true
		}
		time.Sleep(reachablePollInterval)
	}
	return false
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() NetworkStats {
	return d.stats.snapshot(d.store.Len())
}

// ResetStats zeroes the device counters.
func (d *Device) ResetStats() { d.stats.reset() }

// -------------------------------------------------------------------------
// Send Path
// -------------------------------------------------------------------------

// SendToPeer sends application data to a connected peer. Messages larger
// than one frame are fragmented transparently.
func (d *Device) SendToPeer(addr MAC, data []byte, id int32) error {
	return d.SendWithOptions(addr, data, SendOptions{PackageID: id})
}

// Broadcast sends application data to every listener in range.
func (d *Device) Broadcast(data []byte, id int32) error {
	return d.SendWithOptions(Broadcast, data, SendOptions{PackageID: id})
}

// SendWithOptions sends application data with explicit options.
//
// One sequence number is drawn for the whole call and shared by every
// fragment. A message of up to ProtocolSize bytes goes out as a single
// frame; larger messages go out as Start, Continued*, End with a short
// pause between fragments. Any radio failure aborts the rest of the
// burst.
func (d *Device) SendWithOptions(dest MAC, data []byte, opts SendOptions) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload: %w", ErrInvalidArgument)
	}
	if opts.PackageID < 0 {
		return fmt.Errorf("package id %d: %w", opts.PackageID, ErrInvalidArgument)
	}
	if err := d.checkSendState(); err != nil {
		return err
	}

	if !dest.IsBroadcast() {
		var connected bool
		ok := d.store.Update(dest, func(p *Peer) { connected = p.IsConnected() })
		if !ok {
			return fmt.Errorf("peer %s: %w", dest, ErrNotFound)
		}
		if !connected {
			return fmt.Errorf("peer %s not connected: %w", dest, ErrInvalidState)
		}
	}

	maxHops := opts.MaxHops
	if maxHops == 0 {
		maxHops = DefaultMaxHops
	}
	seq := d.seq.Add(1)

	if len(data) <= ProtocolSize {
		return d.sendDataFrame(dest, data, opts.PackageID, PackageSingle, seq, maxHops)
	}
	return d.sendFragmented(dest, data, opts.PackageID, seq, maxHops)
}

// sendFragmented emits a Start, Continued*, End burst for one message.
func (d *Device) sendFragmented(dest MAC, data []byte, id int32, seq uint32, maxHops uint8) error {
	total := len(data)
	for off := 0; off < total; off += ProtocolSize {
		end := off + ProtocolSize
		if end > total {
			end = total
		}

		var typ PackageType
		switch {
		case off == 0:
			typ = PackageStart
		case end == total:
			typ = PackageEnd
		default:
			typ = PackageContinued
		}

		if off > 0 {
			time.Sleep(fragmentPause)
		}
		if err := d.sendDataFrame(dest, data[off:end], id, typ, seq, maxHops); err != nil {
			return fmt.Errorf("fragment at offset %d: %w", off, err)
		}
	}
	return nil
}

// sendDataFrame builds and transmits one data frame.
func (d *Device) sendDataFrame(dest MAC, chunk []byte, id int32, typ PackageType, seq uint32, maxHops uint8) error {
	f := Frame{
		Type:        typ,
		ID:          id,
		Dest:        dest,
		MaxHops:     maxHops,
		Sequence:    seq,
		PayloadSize: uint16(len(chunk)),
	}
	copy(f.Protocol[:], chunk)
	return d.transmit(dest, &f)
}

// checkSendState gates the outbound path on the network state.
func (d *Device) checkSendState() error {
	d.mu.Lock()
	state := d.netState
	d.mu.Unlock()
	if state != StateStarted {
		return fmt.Errorf("send in state %s: %w", state, ErrInvalidState)
	}
	return nil
}

// transmit stamps the frame with the device identity and protocol
// version, encodes it, and hands it to the radio. Send failures are
// counted and returned; the protocol never retries on its own.
func (d *Device) transmit(dest MAC, f *Frame) error {
	f.Origin = d.mac
	f.Version = ProtocolVersion

	bufp := FramePool.Get().(*[]byte)
	defer FramePool.Put(bufp)

	n, err := MarshalFrame(f, *bufp)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := d.drv.Send(dest, (*bufp)[:n]); err != nil {
		d.stats.sendFailures.Add(1)
		d.metrics.IncSendFailure(d.name)
		return fmt.Errorf("send to %s: %w: %w", dest, ErrRadio, err)
	}
	d.stats.sent.Add(1)
	d.metrics.IncSent(d.name)
	return nil
}

// handleSendComplete receives the radio's asynchronous transmit status.
func (d *Device) handleSendComplete(dest MAC, status radio.SendStatus) {
	if status == radio.SendFail {
		d.logger.Debug("send completion failure",
			slog.String("dest", dest.String()),
		)
	}
}

// -------------------------------------------------------------------------
// Control Frames
// -------------------------------------------------------------------------

// sendDeviceInfo transmits a control frame carrying this device's
// ConnectInfo without any key material: discovery announcements,
// connection requests, and keepalives. Control frames use sequence zero
// so they pass the replay filter of any session. The handshake helpers
// build their own key-bearing ConnectInfo.
func (d *Device) sendDeviceInfo(dest MAC) error {
	d.mu.Lock()
	ci := ConnectInfo{
		Name:       d.name,
		PeerAddr:   d.mac,
		Visibility: d.visibility,
	}
	d.mu.Unlock()
	return d.sendConnectInfo(dest, &ci)
}

// sendConnectInfo transmits an arbitrary ConnectInfo as a control frame.
func (d *Device) sendConnectInfo(dest MAC, ci *ConnectInfo) error {
	if err := d.checkSendState(); err != nil {
		return err
	}
	f := Frame{
		Type:    PackageSingle,
		ID:      PacketIDControl,
		Dest:    dest,
		MaxHops: DefaultMaxHops,
	}
	f.EncodeConnectInfo(ci)
	return d.transmit(dest, &f)
}

// broadcastDeviceInfo announces this device to everyone in range.
func (d *Device) broadcastDeviceInfo() error {
	return d.sendDeviceInfo(Broadcast)
}

// -------------------------------------------------------------------------
// Receive Dispatch
// -------------------------------------------------------------------------

// handleReceive is the radio driver's inbound callback. It decodes the
// frame, applies version dispatch, and routes to the active mode's
// handler. Errors never propagate back into the driver; every failure is
// counted and swallowed.
func (d *Device) handleReceive(info radio.RecvInfo, buf []byte) {
	d.mu.Lock()
	state := d.netState
	mode := d.mode
	d.mu.Unlock()

	// While paused (or not yet started), all inbound traffic is
	// discarded without touching peer state.
	if state != StateStarted {
		return
	}

	f := new(Frame)
	if err := UnmarshalFrame(buf, f); err != nil {
		d.dropFrame(DropCodec)
		d.logger.Debug("undecodable frame",
			slog.String("src", info.Src.String()),
			slog.Int("len", len(buf)),
		)
		return
	}

	if !d.dispatchVersion(info.Src, f) {
		return
	}

	switch mode {
	case ModeClient:
		d.handleClientReceive(info, f)
	case ModeHost:
		d.handleHostReceive(info, f)
	case ModeExtender:
		d.handleExtenderReceive(info, f)
	default:
		// No mode selected; nothing listens.
		d.dropFrame(DropPolicy)
	}
}

// dropFrame counts one dropped inbound frame with its reason.
func (d *Device) dropFrame(reason string) {
	d.stats.dropped.Add(1)
	d.metrics.IncDropped(d.name, reason)
}

// -------------------------------------------------------------------------
// Inbound Data Path — replay filter, fragment discipline, queueing
// -------------------------------------------------------------------------

// storeDataFromPeer runs an accepted data frame from a connected peer
// through the replay filter, the fragment discipline, and the queue-mode
// policy, then delivers it: the application callback fires first, the
// enqueue attempt follows. Exactly one counter is bumped per frame.
func (d *Device) storeDataFromPeer(src MAC, rssi int8, f *Frame) {
	var (
		queue     *DeliveryQueue
		displaced int
		accepted  bool
		reason    string
	)

	ok := d.store.Update(src, func(p *Peer) {
		p.touch(rssi)

		// Replay filter: strictly older nonzero sequences are attacks or
		// stale duplicates. Equal sequences are fragments of the current
		// message; zero is reserved for control/legacy and always passes.
		if f.Sequence != 0 && f.Sequence < p.LastSeq {
			reason = "replay"
			return
		}
		if f.Sequence > p.LastSeq {
			p.LastSeq = f.Sequence
		}

		if p.Mode == QueueLatestOnly {
			if f.Type.IsFragment() {
				// Newer messages may displace older ones here, so a
				// fragment run can never be guaranteed contiguous.
				reason = DropPolicy
				p.ReceivingFragmented = false
				p.FragmentSeq = 0
				return
			}
			// Newest single wins: displace everything already queued.
			displaced = p.Queue.Drain()
		} else {
			switch f.Type {
			case PackageStart:
				if p.ReceivingFragmented {
					// A new run pre-empts an unfinished one; its
					// buffered fragments are lost.
					displaced = p.Queue.DrainSequence(p.FragmentSeq)
				}
				p.ReceivingFragmented = true
				p.FragmentSeq = f.Sequence
			case PackageContinued, PackageEnd:
				if !p.ReceivingFragmented || f.Sequence != p.FragmentSeq {
					reason = DropOrphan
					return
				}
				if f.Type == PackageEnd {
					p.ReceivingFragmented = false
					p.FragmentSeq = 0
				}
			case PackageSingle:
			}
		}

		p.PacketsReceived++
		queue = p.Queue
		accepted = true
	})
	if !ok {
		d.dropFrame(DropUnconnected)
		return
	}

	if displaced > 0 {
		d.stats.dropped.Add(uint32(displaced))
		for i := 0; i < displaced; i++ {
			d.metrics.IncDropped(d.name, DropPolicy)
		}
	}

	if !accepted {
		if reason == "replay" {
			d.stats.replayBlocked.Add(1)
			d.metrics.IncReplayBlocked(d.name)
			d.logger.Warn("replay blocked",
				slog.String("src", src.String()),
				slog.Uint64("seq", uint64(f.Sequence)),
			)
			return
		}
		d.dropFrame(reason)
		return
	}

	// Application callback first, then the non-blocking enqueue. The
	// callback runs with no lock held.
	d.mu.Lock()
	cb := d.recvCB
	d.mu.Unlock()
	if cb != nil {
		cb(src, f.Payload())
	}

	if !queue.Push(f) {
		d.dropFrame(DropQueueFull)
		return
	}
	d.stats.received.Add(1)
	d.metrics.IncReceived(d.name)
}

// -------------------------------------------------------------------------
// Consumer Side — message assembly
// -------------------------------------------------------------------------

// DataFromPeer assembles the next complete message from the peer's
// delivery queue into buf, waiting up to timeout for frames to arrive.
//
// A Single frame yields its payload directly; a Start..End run is
// concatenated fragment by fragment. Continued or End frames with no
// preceding Start are skipped. Assembly stops at the terminal frame or
// when buf is full, whichever comes first. Returns the number of bytes
// written, or ErrTimeout if no complete message arrived in time.
func (d *Device) DataFromPeer(addr MAC, buf []byte, timeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("empty buffer: %w", ErrInvalidArgument)
	}

	var queue *DeliveryQueue
	if !d.store.Update(addr, func(p *Peer) { queue = p.Queue }) {
		return 0, fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}

	deadline := time.Now().Add(timeout)
	var (
		n          int
		assembling bool
		wantSeq    uint32
	)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if assembling && n > 0 {
				// Ran out of time mid-run; the partial bytes are not a
				// message.
				return 0, fmt.Errorf("fragment run incomplete: %w", ErrTimeout)
			}
			return 0, fmt.Errorf("no data from %s: %w", addr, ErrTimeout)
		}

		f := queue.PopWait(remaining)
		if f == nil {
			continue
		}

		switch f.Type {
		case PackageSingle:
			if assembling {
				// A single pre-empting a run means the run was lost.
				assembling = false
				n = 0
			}
			return copyPayload(buf, 0, f), nil

		case PackageStart:
			assembling = true
			wantSeq = f.Sequence
			n = copyPayload(buf, 0, f)
			if n == len(buf) {
				return n, nil
			}

		case PackageContinued, PackageEnd:
			if !assembling || f.Sequence != wantSeq {
				// Orphan with no Start; skip and keep waiting.
				continue
			}
			n = copyPayload(buf, n, f)
			if f.Type == PackageEnd || n == len(buf) {
				return n, nil
			}
		}
	}
}

// copyPayload appends the frame's payload into buf at offset n, bounded
// by the buffer, and returns the new offset.
func copyPayload(buf []byte, n int, f *Frame) int {
	return n + copy(buf[n:], f.Payload())
}
