package fpr

// Background tasks: the discovery loop announces the device (host mode)
// for a bounded duration, and the reconnect task keeps established
// sessions alive indefinitely. Both are cooperative goroutines cancelled
// through their contexts; stopping never kills a task mid-iteration.

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Discovery Loop
// -------------------------------------------------------------------------

// StartLoopTask runs the discovery loop for the given duration. In host
// mode the loop broadcasts a device-info control frame at a fixed
// cadence; in client mode discovery is passive (the receive path handles
// announcements) and the loop merely keeps the task alive.
//
// A loop already running is left alone unless forceRestart is set, in
// which case it is cancelled and replaced.
func (d *Device) StartLoopTask(duration time.Duration, forceRestart bool) error {
	if err := d.checkSendState(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.loopCancel != nil {
		if !forceRestart {
			d.mu.Unlock()
			return fmt.Errorf("discovery loop already running: %w", ErrInvalidState)
		}
		cancel, done := d.loopCancel, d.loopDone
		d.loopCancel, d.loopDone = nil, nil
		d.mu.Unlock()
		cancel()
		<-done
		d.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.loopCancel = cancel
	d.loopDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.discoveryLoop(ctx, duration)
		d.mu.Lock()
		if d.loopDone == done {
			d.loopCancel, d.loopDone = nil, nil
		}
		d.mu.Unlock()
		cancel()
	}()

	d.logger.Info("discovery loop started", slog.Duration("duration", duration))
	return nil
}

// StopLoopTask cancels the discovery loop and waits for it to exit.
// Stopping an idle device is a no-op.
func (d *Device) StopLoopTask() {
	d.mu.Lock()
	cancel, done := d.loopCancel, d.loopDone
	d.loopCancel, d.loopDone = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		d.logger.Info("discovery loop stopped")
	}
}

// discoveryLoop is the loop body. It exits when the duration elapses or
// the context is cancelled.
func (d *Device) discoveryLoop(ctx context.Context, duration time.Duration) {
	interval := d.timings.BroadcastInterval * d.timerScale()
	deadline := time.Now().Add(duration)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if d.Mode() == ModeHost {
			if err := d.broadcastDeviceInfo(); err != nil {
				d.logger.Debug("discovery broadcast failed",
					slog.String("error", err.Error()),
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if duration > 0 && !time.Now().Before(deadline) {
			return
		}
	}
}

// -------------------------------------------------------------------------
// Reconnect Task
// -------------------------------------------------------------------------

// StartReconnectTask starts the keepalive and timeout watchdog. Clients
// ping their host and downgrade it to Discovered when it goes silent;
// hosts sweep their connected clients the same way. The task runs until
// StopReconnectTask.
func (d *Device) StartReconnectTask() error {
	if err := d.checkSendState(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.reconCancel != nil {
		d.mu.Unlock()
		return fmt.Errorf("reconnect task already running: %w", ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.reconCancel = cancel
	d.reconDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.reconnectLoop(ctx)
	}()

	d.logger.Info("reconnect task started")
	return nil
}

// StopReconnectTask signals the reconnect task to exit and waits for it.
// Stopping an idle device is a no-op.
func (d *Device) StopReconnectTask() {
	d.mu.Lock()
	cancel, done := d.reconCancel, d.reconDone
	d.reconCancel, d.reconDone = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		d.logger.Info("reconnect task stopped")
	}
}

// reconnectLoop is the watchdog body.
func (d *Device) reconnectLoop(ctx context.Context) {
	scale := d.timerScale()
	keepEvery := d.timings.KeepaliveInterval * scale
	timeout := d.timings.ReconnectTimeout * scale
	check := d.timings.ReconnectCheckInterval * scale

	ticker := time.NewTicker(check)
	defer ticker.Stop()

	lastKeepalive := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sendKeepalive := time.Since(lastKeepalive) >= keepEvery
		if sendKeepalive {
			lastKeepalive = time.Now()
		}
		d.sweepConnectedPeers(timeout, sendKeepalive)
	}
}

// sweepConnectedPeers times out silent connected peers and optionally
// sends keepalives to the live ones. Keepalives go out after the store
// lock is released.
func (d *Device) sweepConnectedPeers(timeout time.Duration, sendKeepalive bool) {
	var alive []MAC
	d.store.Visit(func(p *Peer) {
		if p.State != PeerConnected {
			return
		}
		if p.age() > timeout {
			d.logger.Warn("peer timed out",
				slog.String("mac", p.Addr.String()),
				slog.Duration("age", p.age().Round(time.Millisecond)),
			)
			p.disconnect()
			return
		}
		if sendKeepalive {
			alive = append(alive, p.Addr)
		}
	})

	for _, addr := range alive {
		if err := d.sendDeviceInfo(addr); err != nil {
			d.logger.Debug("keepalive failed",
				slog.String("mac", addr.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
