package fpr

// The 4-way mutual authentication handshake, modeled on WPA2's key
// exchange at the state-machine level. No payload encryption results;
// the exchange authenticates the session participants and gives both
// sides a contribution to the session identity.
//
//	1. client -> host   ConnectInfo, no keys        (request)
//	2. host -> client   ConnectInfo + PWK           (host offers its key)
//	3. client -> host   ConnectInfo + PWK + LWK     (client proves + contributes)
//	4. host -> client   ConnectInfo + PWK + LWK     (host echoes both)
//
// After step 3 the host is Connected/Established; after step 4 the
// client is. Either side receiving a frame that only makes sense at an
// earlier point of the exchange treats it as a peer restart and rewinds.

import (
	"fmt"
	"log/slog"
)

// secTransition records a security state change on a peer, with logging
// and metrics. Caller holds the store lock via Update.
func (d *Device) secTransition(p *Peer, to SecurityState) {
	if p.SecState == to {
		return
	}
	from := p.SecState
	p.SecState = to
	d.logger.Debug("handshake state changed",
		slog.String("peer", p.Addr.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	d.metrics.RecordHandshake(d.name, from.String(), to.String())
}

// -------------------------------------------------------------------------
// Host Side
// -------------------------------------------------------------------------

// hostSendPWK performs step 2: the host offers its PWK to the client.
// The peer's state advances before the frame goes out so the client's
// response can never outrun it; a failed send rolls the state back.
func (d *Device) hostSendPWK(addr MAC) error {
	d.mu.Lock()
	if !d.hostPWKValid {
		d.mu.Unlock()
		return fmt.Errorf("host PWK not generated: %w", ErrInvalidState)
	}
	ci := ConnectInfo{
		Name:       d.name,
		PeerAddr:   d.mac,
		Visibility: d.visibility,
		PWK:        d.hostPWK,
		HasPWK:     true,
	}
	d.mu.Unlock()

	d.store.Update(addr, func(p *Peer) {
		p.Keys.PWK = ci.PWK
		p.Keys.PWKValid = true
		d.secTransition(p, SecPwkSent)
	})

	if err := d.sendConnectInfo(addr, &ci); err != nil {
		d.store.Update(addr, func(p *Peer) {
			p.Keys.PWKValid = false
			d.secTransition(p, SecNone)
		})
		return err
	}

	d.logger.Info("sent PWK", slog.String("peer", addr.String()))
	return nil
}

// hostVerifyAndAck performs step 3 receipt and step 4: verify the
// client's echoed PWK, store the client's LWK, acknowledge with both
// keys, and mark the session established.
func (d *Device) hostVerifyAndAck(addr MAC, ci *ConnectInfo) {
	d.mu.Lock()
	pwkValid := d.hostPWKValid
	hostPWK := d.hostPWK
	visibility := d.visibility
	d.mu.Unlock()

	if !pwkValid || !VerifyKey(&ci.PWK, &hostPWK) {
		d.logger.Warn("PWK verification failed",
			slog.String("peer", addr.String()),
		)
		return
	}

	var clientLWK [KeySize]byte
	ok := d.store.Update(addr, func(p *Peer) {
		p.Keys.LWK = ci.LWK
		p.Keys.LWKValid = true
		d.secTransition(p, SecLwkReceived)
		clientLWK = p.Keys.LWK
	})
	if !ok {
		return
	}

	ack := ConnectInfo{
		Name:       d.name,
		PeerAddr:   d.mac,
		Visibility: visibility,
		PWK:        hostPWK,
		LWK:        clientLWK,
		HasPWK:     true,
		HasLWK:     true,
	}
	if err := d.sendConnectInfo(addr, &ack); err != nil {
		d.logger.Warn("handshake ack send failed",
			slog.String("peer", addr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	d.store.Update(addr, func(p *Peer) {
		p.State = PeerConnected
		d.secTransition(p, SecEstablished)
		p.resetSession()
	})
	d.logger.Info("peer connected with mutual keys",
		slog.String("peer", addr.String()),
	)
}

// -------------------------------------------------------------------------
// Client Side
// -------------------------------------------------------------------------

// clientHandlePWK performs step 2 receipt and step 3: store the host's
// PWK, generate a fresh LWK, and send both back.
func (d *Device) clientHandlePWK(addr MAC, ci *ConnectInfo) {
	lwk, err := GenerateKey()
	if err != nil {
		d.logger.Error("LWK generation failed",
			slog.String("error", err.Error()),
		)
		return
	}

	ok := d.store.Update(addr, func(p *Peer) {
		p.Keys.PWK = ci.PWK
		p.Keys.PWKValid = true
		p.Keys.LWK = lwk
		p.Keys.LWKValid = true
		d.secTransition(p, SecPwkReceived)
	})
	if !ok {
		return
	}

	resp := ConnectInfo{
		Name:     d.name,
		PeerAddr: d.mac,
		PWK:      ci.PWK,
		LWK:      lwk,
		HasPWK:   true,
		HasLWK:   true,
	}
	if err := d.sendConnectInfo(addr, &resp); err != nil {
		d.logger.Warn("handshake response send failed",
			slog.String("peer", addr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	d.store.Update(addr, func(p *Peer) {
		d.secTransition(p, SecLwkSent)
	})
	d.logger.Info("sent PWK+LWK to host", slog.String("peer", addr.String()))
}

// clientVerifyAck performs step 4 receipt: verify the host echoed both
// keys correctly and mark the session established.
func (d *Device) clientVerifyAck(addr MAC, ci *ConnectInfo) {
	established := false
	d.store.Update(addr, func(p *Peer) {
		if !VerifyKey(&ci.PWK, &p.Keys.PWK) {
			d.logger.Warn("PWK verification failed in host ack",
				slog.String("peer", addr.String()),
			)
			return
		}
		if !VerifyKey(&ci.LWK, &p.Keys.LWK) {
			d.logger.Warn("LWK verification failed in host ack",
				slog.String("peer", addr.String()),
			)
			return
		}
		p.State = PeerConnected
		d.secTransition(p, SecEstablished)
		p.resetSession()
		established = true
	})
	if established {
		d.logger.Info("connection established with mutual keys",
			slog.String("peer", addr.String()),
		)
	}
}
