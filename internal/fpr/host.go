package fpr

// Host mode: answer discovery, authenticate clients through the 4-way
// handshake, enforce the connection policy, and serve connected peers.

import (
	"fmt"
	"log/slog"

	"github.com/repvi/fpr/internal/radio"
)

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

// handleHostReceive routes one inbound frame in host mode. Hosts act on
// unicast traffic only; broadcasts from scanning clients are satisfied
// by the periodic announcement loop.
func (d *Device) handleHostReceive(info radio.RecvInfo, f *Frame) {
	if info.Dst.IsBroadcast() {
		return
	}

	if !f.IsControl() {
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
	d.hostHandleControl(info, &ci)
}

// hostHandleControl processes a client's control frame: connection
// requests, handshake steps 1 and 3, and keepalives.
func (d *Device) hostHandleControl(info radio.RecvInfo, ci *ConnectInfo) {
	src := info.Src

	d.mu.Lock()
	cfg := d.hostCfg
	visibility := d.visibility
	pwkValid := d.hostPWKValid
	hostPWK := d.hostPWK
	d.mu.Unlock()

	var (
		known     bool
		state     PeerState
		connected bool
	)
	known = d.store.Update(src, func(p *Peer) {
		state = p.State
		connected = p.IsConnected()
	})

	if known && state == PeerBlocked {
		d.logger.Warn("blocked peer ignored", slog.String("mac", src.String()))
		return
	}

	// A private host engages only peers added explicitly.
	if !known && visibility == VisibilityPrivate {
		d.logger.Debug("private mode, unknown peer ignored",
			slog.String("mac", src.String()),
		)
		return
	}

	// Any frame claiming the PWK must actually carry it.
	if ci.HasPWK && pwkValid && !VerifyKey(&ci.PWK, &hostPWK) {
		d.logger.Warn("invalid PWK", slog.String("mac", src.String()))
		return
	}

	// A key-less request from a connected client means the client
	// restarted and lost its keys.
	isReconnection := known && connected && !ci.HasPWK && !ci.HasLWK
	isRequest := !known || !connected || isReconnection

	if !isRequest {
		// Connected peer: step-3 retransmits are ignored, key-less
		// keepalives just refresh the timestamp.
		d.store.Update(src, func(p *Peer) { p.touch(info.RSSI) })
		return
	}

	// Connection admission: new sessions respect the peer limit.
	if cfg.MaxPeers > 0 && !connected && d.ConnectedCount() >= cfg.MaxPeers {
		d.logger.Warn("peer limit reached, rejecting",
			slog.Int("max_peers", cfg.MaxPeers),
			slog.String("name", ci.Name),
		)
		return
	}

	if cfg.ConnectionMode == ConnectionAuto {
		d.hostHandleAuto(src, info.RSSI, ci)
	} else {
		d.hostHandleManual(src, info.RSSI, ci, cfg)
	}
}

// hostHandleAuto runs the auto-accept connection flow.
func (d *Device) hostHandleAuto(src MAC, rssi int8, ci *ConnectInfo) {
	var connected bool
	known := d.store.Update(src, func(p *Peer) { connected = p.IsConnected() })

	if known && connected {
		// Only reachable for a reconnection: rewind the session and
		// restart the handshake from step 2.
		d.logger.Info("client restarted, reinitiating handshake",
			slog.String("mac", src.String()),
		)
		d.store.Update(src, func(p *Peer) {
			p.disconnect()
			p.touch(rssi)
		})
		if err := d.hostSendPWK(src); err != nil {
			d.logger.Warn("handshake restart failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if !known {
		if err := d.addPeerRecord(src, ci.Name); err != nil {
			d.logger.Warn("failed to add peer",
				slog.String("mac", src.String()),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	d.store.Update(src, func(p *Peer) {
		p.touch(rssi)
		if ci.Name != "" {
			p.Name = ci.Name
		}
	})

	switch {
	case !ci.HasPWK:
		// Step 1: key-less request; answer with our PWK.
		if err := d.hostSendPWK(src); err != nil {
			d.logger.Warn("PWK send failed", slog.String("error", err.Error()))
		}
	case ci.HasPWK && ci.HasLWK:
		// Step 3: the client proved the PWK and contributed its LWK.
		d.hostVerifyAndAck(src, ci)
	}
}

// hostHandleManual runs the manual-approval connection flow. The
// approval callback fires once per request, when the peer first enters
// Pending; handshake frames from an already approved peer continue the
// exchange instead of re-pending it.
func (d *Device) hostHandleManual(src MAC, rssi int8, ci *ConnectInfo, cfg HostConfig) {
	var (
		secState     SecurityState
		newlyPending bool
	)

	if !d.store.Contains(src) {
		if err := d.addPeerRecord(src, ci.Name); err != nil {
			return
		}
	}
	d.store.Update(src, func(p *Peer) {
		p.touch(rssi)
		if ci.Name != "" {
			p.Name = ci.Name
		}
		if p.IsConnected() && !ci.HasPWK && !ci.HasLWK {
			// Restarted client: back through approval.
			p.disconnect()
			p.Keys.Clear()
			p.State = PeerPending
			newlyPending = true
		} else if p.State != PeerConnected && p.State != PeerPending {
			p.State = PeerPending
			newlyPending = true
		}
		secState = p.SecState
	})

	// An approved peer answering our PWK continues the handshake.
	if secState == SecPwkSent && ci.HasPWK && ci.HasLWK {
		d.hostVerifyAndAck(src, ci)
		return
	}

	if !newlyPending {
		return
	}

	d.logger.Info("connection request pending approval",
		slog.String("name", ci.Name),
		slog.String("mac", src.String()),
	)

	if cfg.RequestCB == nil {
		return
	}
	if cfg.RequestCB(src, ci.Name) {
		if err := d.ApprovePeer(src); err != nil {
			d.logger.Warn("approval failed", slog.String("error", err.Error()))
		}
	} else {
		_ = d.RejectPeer(src)
	}
}

// -------------------------------------------------------------------------
// Host API
// -------------------------------------------------------------------------

// ConnectedCount returns the number of peers in the Connected state.
func (d *Device) ConnectedCount() int {
	n := 0
	d.store.Visit(func(p *Peer) {
		if p.State == PeerConnected {
			n++
		}
	})
	return n
}

// ApprovePeer accepts a pending connection request and initiates the
// handshake by sending the host's PWK.
func (d *Device) ApprovePeer(addr MAC) error {
	var state PeerState
	if !d.store.Update(addr, func(p *Peer) { state = p.State }) {
		return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	if state == PeerBlocked {
		return fmt.Errorf("peer %s is blocked: %w", addr, ErrInvalidState)
	}

	d.mu.Lock()
	maxPeers := d.hostCfg.MaxPeers
	d.mu.Unlock()
	if maxPeers > 0 && state != PeerConnected && d.ConnectedCount() >= maxPeers {
		return fmt.Errorf("peer limit %d reached: %w", maxPeers, ErrNoSpace)
	}

	d.logger.Info("peer approved", slog.String("mac", addr.String()))
	return d.hostSendPWK(addr)
}

// RejectPeer declines a connection request.
func (d *Device) RejectPeer(addr MAC) error {
	if !d.store.Update(addr, func(p *Peer) { p.State = PeerRejected }) {
		return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	d.logger.Info("peer rejected", slog.String("mac", addr.String()))
	return nil
}

// BlockPeer bars a peer from connecting. Unknown addresses are recorded
// so the block holds before first contact.
func (d *Device) BlockPeer(addr MAC) error {
	if addr.IsZero() || addr.IsBroadcast() {
		return fmt.Errorf("peer address %s: %w", addr, ErrInvalidArgument)
	}
	if !d.store.Contains(addr) {
		if err := d.addPeerRecord(addr, "Blocked"); err != nil {
			return err
		}
	}
	d.store.Update(addr, func(p *Peer) {
		p.State = PeerBlocked
		p.SecState = SecNone
		p.Keys.Clear()
	})
	d.logger.Info("peer blocked", slog.String("mac", addr.String()))
	return nil
}

// UnblockPeer lifts a block, returning the peer to Discovered.
func (d *Device) UnblockPeer(addr MAC) error {
	var state PeerState
	if !d.store.Update(addr, func(p *Peer) { state = p.State }) {
		return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	if state != PeerBlocked {
		return fmt.Errorf("peer %s is %s, not blocked: %w", addr, state, ErrInvalidState)
	}
	d.store.Update(addr, func(p *Peer) { p.State = PeerDiscovered })
	d.logger.Info("peer unblocked", slog.String("mac", addr.String()))
	return nil
}

// DisconnectPeer drops a client's session. The record survives as
// Discovered.
func (d *Device) DisconnectPeer(addr MAC) error {
	if !d.store.Update(addr, func(p *Peer) { p.disconnect() }) {
		return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}
	d.logger.Info("peer disconnected", slog.String("mac", addr.String()))
	return nil
}
