package fpr

// Client mode: discover hosts, connect to at most one of them, keep the
// session alive, and consume its data.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/repvi/fpr/internal/radio"
)

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

// handleClientReceive routes one inbound frame in client mode.
func (d *Device) handleClientReceive(info radio.RecvInfo, f *Frame) {
	if !f.IsControl() {
		// Application data is accepted from the connected host only.
		var connected bool
		known := d.store.Update(info.Src, func(p *Peer) { connected = p.IsConnected() })
		if !known || !connected {
			d.dropFrame(DropUnconnected)
			return
		}
		d.storeDataFromPeer(info.Src, info.RSSI, f)
		return
	}

	ci := f.DecodeConnectInfo()

	if info.Dst.IsBroadcast() {
		d.clientHandleBroadcast(info, &ci)
		return
	}
	d.clientHandleUnicast(info, &ci)
}

// clientHandleBroadcast processes a host's discovery announcement.
func (d *Device) clientHandleBroadcast(info radio.RecvInfo, ci *ConnectInfo) {
	var (
		state    PeerState
		secState SecurityState
	)
	known := d.store.Update(info.Src, func(p *Peer) {
		p.touch(info.RSSI)
		state = p.State
		secState = p.SecState
	})

	if !known {
		d.logger.Info("found new host",
			slog.String("name", ci.Name),
			slog.String("mac", info.Src.String()),
		)
		d.engageHost(info.Src, ci.Name, info.RSSI)
		return
	}

	// A known host that we are not connected to re-enters the discovery
	// flow; this is how a timed-out session reconnects on the host's
	// next announcement. A handshake already in flight (security state
	// past None) is left to finish — re-requesting mid-exchange would
	// read to the host as a client restart.
	if state == PeerDiscovered && secState == SecNone && !d.IsConnected() {
		d.engageHost(info.Src, ci.Name, info.RSSI)
	}
}

// engageHost records a discovered host and, policy permitting, initiates
// the handshake with a key-less connection request (step 1).
func (d *Device) engageHost(addr MAC, name string, rssi int8) {
	d.mu.Lock()
	cfg := d.clientCfg
	d.mu.Unlock()

	if cfg.DiscoveryCB != nil {
		cfg.DiscoveryCB(addr, name, rssi)
	}

	// One host at a time: a second host heard while connected is
	// recorded but never engaged.
	if d.IsConnected() {
		d.recordDiscoveredHost(addr, name, rssi)
		return
	}

	if cfg.ConnectionMode == ConnectionManual {
		if cfg.SelectionCB == nil {
			d.recordDiscoveredHost(addr, name, rssi)
			return
		}
		if !cfg.SelectionCB(addr, name, rssi) {
			d.logger.Info("host declined by application",
				slog.String("name", name),
			)
			d.recordDiscoveredHost(addr, name, rssi)
			return
		}
	}

	if err := d.addPeerRecord(addr, name); err != nil {
		d.logger.Warn("failed to record host",
			slog.String("mac", addr.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.store.Update(addr, func(p *Peer) { p.touch(rssi) })

	if err := d.sendDeviceInfo(addr); err != nil {
		d.logger.Warn("connection request send failed",
			slog.String("mac", addr.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.Info("sent connection request to host",
		slog.String("name", name),
		slog.String("mac", addr.String()),
	)
}

// recordDiscoveredHost adds the host as Discovered without engaging it.
func (d *Device) recordDiscoveredHost(addr MAC, name string, rssi int8) {
	if err := d.addPeerRecord(addr, name); err != nil {
		return
	}
	d.store.Update(addr, func(p *Peer) { p.touch(rssi) })
}

// clientHandleUnicast processes a direct control frame from a host:
// handshake steps 2 and 4, and keepalives.
func (d *Device) clientHandleUnicast(info radio.RecvInfo, ci *ConnectInfo) {
	var (
		secState SecurityState
		samePWK  bool
	)
	known := d.store.Update(info.Src, func(p *Peer) {
		p.touch(info.RSSI)
		secState = p.SecState
		samePWK = p.Keys.PWKValid && VerifyKey(&ci.PWK, &p.Keys.PWK)
	})
	if !known {
		return
	}

	switch {
	case ci.HasPWK && !ci.HasLWK:
		d.clientHandleStep2(info.Src, ci, secState, samePWK)

	case ci.HasPWK && ci.HasLWK:
		// Step 4 acknowledgment. Only meaningful while awaiting it; a
		// retransmit after establishment is ignored.
		if secState == SecLwkSent {
			d.clientVerifyAck(info.Src, ci)
		}

	default:
		// Key-less unicast is a keepalive; the timestamp update above
		// is all it carries.
	}
}

// clientHandleStep2 applies the state rules for a PWK-only frame.
func (d *Device) clientHandleStep2(addr MAC, ci *ConnectInfo, secState SecurityState, samePWK bool) {
	switch secState {
	case SecEstablished:
		// A bare PWK on an established session means the host restarted
		// and lost its keys. Rewind completely and run the exchange again.
		d.logger.Info("host restarted, restarting handshake",
			slog.String("mac", addr.String()),
		)
		d.store.Update(addr, func(p *Peer) { p.disconnect() })
		d.clientHandlePWK(addr, ci)

	case SecLwkSent:
		if samePWK {
			// Retransmit of step 2; our step 3 is already in flight.
			return
		}
		// A different PWK means the host restarted before accepting our
		// step 3; restart from step 2 with the new key.
		d.logger.Info("fresh PWK mid-handshake, restarting from step 2",
			slog.String("mac", addr.String()),
		)
		d.clientHandlePWK(addr, ci)

	default:
		d.clientHandlePWK(addr, ci)
	}
}

// -------------------------------------------------------------------------
// Client API
// -------------------------------------------------------------------------

// IsConnected reports whether the device holds a connected session with
// any host.
func (d *Device) IsConnected() bool {
	_, ok := d.store.Find(func(p *Peer) bool { return p.IsConnected() })
	return ok
}

// HostInfo returns a snapshot of the connected host.
func (d *Device) HostInfo() (PeerInfo, error) {
	addr, ok := d.store.Find(func(p *Peer) bool { return p.IsConnected() })
	if !ok {
		return PeerInfo{}, fmt.Errorf("no connected host: %w", ErrNotFound)
	}
	return d.PeerInfo(addr)
}

// DiscoveredHosts returns snapshots of every host heard so far.
func (d *Device) DiscoveredHosts() []PeerInfo {
	return d.store.Snapshot()
}

// ScanForHosts listens for host announcements for the given duration,
// soliciting with periodic broadcasts, and returns the number of new
// hosts discovered. Valid in client mode while started.
func (d *Device) ScanForHosts(ctx context.Context, duration time.Duration) (int, error) {
	if d.Mode() != ModeClient {
		return 0, fmt.Errorf("scan in mode %s: %w", d.Mode(), ErrInvalidState)
	}
	if err := d.checkSendState(); err != nil {
		return 0, err
	}

	initial := d.store.Len()
	deadline := time.Now().Add(duration)

	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()
	lastSolicit := time.Time{}

	for time.Now().Before(deadline) {
		if time.Since(lastSolicit) >= scanBroadcastInterval {
			if err := d.broadcastDeviceInfo(); err != nil {
				d.logger.Debug("scan solicit failed",
					slog.String("error", err.Error()),
				)
			}
			lastSolicit = time.Now()
		}
		select {
		case <-ctx.Done():
			return d.discoveredSince(initial), ctx.Err()
		case <-ticker.C:
		}
	}

	found := d.discoveredSince(initial)
	d.logger.Info("scan complete", slog.Int("discovered", found))
	return found, nil
}

// discoveredSince computes the store growth since a scan started.
func (d *Device) discoveredSince(initial int) int {
	if n := d.store.Len(); n > initial {
		return n - initial
	}
	return 0
}

// ConnectToHost drives the handshake toward a specific host, retrying
// the connection request until the session establishes or the timeout
// expires. The host must already be in the store (scan first).
func (d *Device) ConnectToHost(ctx context.Context, addr MAC, timeout time.Duration) error {
	var connected bool
	if !d.store.Update(addr, func(p *Peer) { connected = p.IsConnected() }) {
		return fmt.Errorf("host %s not discovered: %w", addr, ErrNotFound)
	}
	if connected {
		return nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(connectRetryInterval)
	defer ticker.Stop()

	for {
		if err := d.sendDeviceInfo(addr); err != nil {
			d.logger.Warn("connection request failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		d.store.Update(addr, func(p *Peer) { connected = p.IsConnected() })
		if connected {
			d.logger.Info("connected to host", slog.String("mac", addr.String()))
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("connect to %s: %w", addr, ErrTimeout)
		}
	}
}

// Disconnect drops the session with the connected host. The host record
// survives as Discovered so a later reconnect can skip discovery.
func (d *Device) Disconnect() error {
	addr, ok := d.store.Find(func(p *Peer) bool { return p.IsConnected() })
	if !ok {
		return fmt.Errorf("no connected host: %w", ErrNotFound)
	}
	d.store.Update(addr, func(p *Peer) { p.disconnect() })
	d.logger.Info("disconnected from host", slog.String("mac", addr.String()))
	return nil
}
