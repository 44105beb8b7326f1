package fpr

// Extender mode: relay frames for other devices to extend network range.
// Routes are learned passively from the hop counts of observed traffic;
// forwarding is bounded by the per-frame TTL and a loop check on the
// origin address.

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/repvi/fpr/internal/radio"
)

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

// handleExtenderReceive processes one inbound frame in extender mode:
// learn a route from it, deliver it locally when addressed here, and
// relay it onward when the forwarding rules allow.
func (d *Device) handleExtenderReceive(info radio.RecvInfo, f *Frame) {
	d.learnRoute(info, f)

	local := f.Dest == d.mac || f.Dest.IsBroadcast()
	if local {
		d.deliverLocal(info.Src, f)
	}

	// Forwarding rules: never relay our own frames back into the mesh,
	// never exceed the TTL, and never relay a frame that terminated here.
	if f.Origin == d.mac {
		if !local {
			d.dropFrame(DropPolicy)
		}
		return
	}
	if !f.Dest.IsBroadcast() && f.Dest == d.mac {
		return
	}
	if f.HopCount >= f.MaxHops {
		d.dropFrame(DropTTL)
		d.logger.Debug("TTL exhausted",
			slog.String("origin", f.Origin.String()),
			slog.String("dest", f.Dest.String()),
			slog.Int("hop_count", int(f.HopCount)),
		)
		return
	}

	d.forwardFrame(f)
}

// learnRoute updates the sender's peer record and installs a route to
// the frame's origin when the observed path is shorter than what we
// know. The next hop is the transmitting neighbor, stored as an address
// so records never point at each other.
func (d *Device) learnRoute(info radio.RecvInfo, f *Frame) {
	d.store.Upsert(info.Src,
		func() *Peer {
			d.mu.Lock()
			mode := d.defaultQueueMode
			d.mu.Unlock()
			p := newPeer("", info.Src, mode)
			if err := d.drv.AddPeer(info.Src); err != nil {
				d.logger.Debug("radio peer registration failed",
					slog.String("mac", info.Src.String()),
					slog.String("error", err.Error()),
				)
			}
			return p
		},
		func(p *Peer) {
			p.touch(info.RSSI)
		},
	)
	d.metrics.SetPeerCount(d.name, d.store.Len())

	if f.Origin == d.mac || f.Origin == info.Src {
		// Direct neighbor; nothing beyond the neighbor entry to learn.
		return
	}

	d.store.Upsert(f.Origin,
		func() *Peer {
			d.mu.Lock()
			mode := d.defaultQueueMode
			d.mu.Unlock()
			return newPeer("", f.Origin, mode)
		},
		func(p *Peer) {
			hops := f.HopCount + 1
			if p.HopCount == 0 || hops < p.HopCount {
				p.HopCount = hops
				p.NextHop = info.Src
			}
		},
	)
}

// deliverLocal hands a frame addressed to this device to the
// application callback.
func (d *Device) deliverLocal(src MAC, f *Frame) {
	if f.IsControl() {
		return
	}
	d.mu.Lock()
	cb := d.recvCB
	d.mu.Unlock()
	if cb != nil {
		cb(src, f.Payload())
	}
	d.stats.received.Add(1)
	d.metrics.IncReceived(d.name)
}

// forwardFrame relays a frame toward its destination: bump the hop
// count, pick the learned next hop (broadcast when no route is known),
// and re-emit.
func (d *Device) forwardFrame(f *Frame) {
	fwd := *f
	fwd.HopCount++

	next := Broadcast
	if !fwd.Dest.IsBroadcast() {
		d.store.Update(fwd.Dest, func(p *Peer) {
			if !p.NextHop.IsZero() {
				next = p.NextHop
			}
		})
	}
	if !next.IsBroadcast() {
		// Route may point at a neighbor the radio has not seen yet.
		if err := d.drv.AddPeer(next); err != nil {
			next = Broadcast
		}
	}

	bufp := FramePool.Get().(*[]byte)
	defer FramePool.Put(bufp)
	n, err := MarshalFrame(&fwd, *bufp)
	if err != nil {
		d.dropFrame(DropCodec)
		return
	}
	if err := d.drv.Send(next, (*bufp)[:n]); err != nil {
		d.stats.sendFailures.Add(1)
		d.metrics.IncSendFailure(d.name)
		d.logger.Warn("forward failed",
			slog.String("dest", fwd.Dest.String()),
			slog.String("next_hop", next.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	d.stats.forwarded.Add(1)
	d.metrics.IncForwarded(d.name)
}

// -------------------------------------------------------------------------
// Route Table
// -------------------------------------------------------------------------

// RouteEntry is one learned route in a table snapshot.
type RouteEntry struct {
	// Dest is the route's destination address.
	Dest MAC `json:"dest"`

	// NextHop is the neighbor frames are relayed through.
	NextHop MAC `json:"next_hop"`

	// HopCount is the learned distance in hops.
	HopCount uint8 `json:"hop_count"`

	// Age is how long ago the destination was last observed.
	Age time.Duration `json:"age"`
}

// RouteTable returns a snapshot of every learned route.
func (d *Device) RouteTable() []RouteEntry {
	var routes []RouteEntry
	d.store.Visit(func(p *Peer) {
		if p.HopCount == 0 && p.NextHop.IsZero() {
			return
		}
		routes = append(routes, RouteEntry{
			Dest:     p.Addr,
			NextHop:  p.NextHop,
			HopCount: p.HopCount,
			Age:      p.age(),
		})
	})
	return routes
}

// FormatRouteTable renders the route table for logs and diagnostics.
func (d *Device) FormatRouteTable() string {
	routes := d.RouteTable()
	var b strings.Builder
	fmt.Fprintf(&b, "route table (%d entries)\n", len(routes))
	for _, r := range routes {
		fmt.Fprintf(&b, "  %s via %s hops=%d age=%s\n",
			r.Dest, r.NextHop, r.HopCount, r.Age.Round(time.Millisecond))
	}
	return b.String()
}

// CleanupStaleRoutes clears routes whose destination has not been heard
// from within maxAge and returns the number cleared. Peer records stay;
// only the routing fields are reset, so a fresh frame re-learns the path.
func (d *Device) CleanupStaleRoutes(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMicro()
	cleared := 0
	d.store.Visit(func(p *Peer) {
		if p.LastSeen >= cutoff {
			return
		}
		if p.HopCount == 0 && p.NextHop.IsZero() {
			return
		}
		p.HopCount = 0
		p.NextHop = MAC{}
		cleared++
	})
	if cleared > 0 {
		d.logger.Info("stale routes cleared", slog.Int("count", cleared))
	}
	return cleared
}
