package radio

import (
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// In-Memory Bus
// -------------------------------------------------------------------------

// maxPayload is the payload ceiling of the simulated link, matching the
// ESP-NOW v1 datagram limit.
const maxPayload = 250

// deliveryQueueSize bounds the per-port inbound frame buffer. Frames that
// arrive while the buffer is full are dropped, like a saturated air
// interface.
const deliveryQueueSize = 64

// RSSIFunc computes the signal strength a receiver observes for a frame
// from src. Used to simulate distance in tests and the simulator daemon.
type RSSIFunc func(src, dst MAC) int8

// Bus is an in-memory broadcast medium connecting any number of Ports.
//
// Each Port implements Driver. Unicast frames are delivered to the port
// owning the destination address; broadcast frames are delivered to every
// port except the sender. Ports on different channels do not hear each
// other. Delivery is asynchronous: each port drains its own buffered
// queue on a dedicated goroutine, so a sender is never blocked by (and
// never re-enters) a receiver's callback.
type Bus struct {
	mu    sync.Mutex
	ports map[MAC]*Port
	rssi  RSSIFunc
}

// NewBus creates an empty in-memory radio medium. rssi may be nil, in
// which case all receivers observe a fixed nominal strength.
func NewBus(rssi RSSIFunc) *Bus {
	if rssi == nil {
		rssi = func(MAC, MAC) int8 { return -40 }
	}
	return &Bus{
		ports: make(map[MAC]*Port),
		rssi:  rssi,
	}
}

// Join attaches a new device with the given hardware address to the bus.
func (b *Bus) Join(mac MAC) (*Port, error) {
	if mac.IsZero() || mac.IsBroadcast() {
		return nil, fmt.Errorf("join bus with %s: %w", mac, ErrInvalidAddress)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.ports[mac]; exists {
		return nil, fmt.Errorf("join bus with %s: address already joined: %w", mac, ErrInvalidAddress)
	}

	p := &Port{
		bus:     b,
		mac:     mac,
		channel: MinChannel,
		peers:   make(map[MAC]struct{}),
		queue:   make(chan delivery, deliveryQueueSize),
		done:    make(chan struct{}),
	}
	b.ports[mac] = p

	go p.deliverLoop()

	return p, nil
}

// transmit routes one frame from src to dest across the bus.
func (b *Bus) transmit(src *Port, dest MAC, frame []byte) error {
	// Copy once so receivers never alias the sender's buffer.
	buf := make([]byte, len(frame))
	copy(buf, frame)

	b.mu.Lock()
	defer b.mu.Unlock()

	if dest.IsBroadcast() {
		for mac, p := range b.ports {
			if mac == src.mac || p.channelLocked() != src.channelLocked() {
				continue
			}
			p.offer(delivery{src: src.mac, dst: Broadcast, rssi: b.rssi(src.mac, mac), frame: buf})
		}
		return nil
	}

	p, ok := b.ports[dest]
	if !ok || p.channelLocked() != src.channelLocked() {
		return fmt.Errorf("transmit to %s: %w", dest, ErrSendFailed)
	}
	p.offer(delivery{src: src.mac, dst: dest, rssi: b.rssi(src.mac, dest), frame: buf})
	return nil
}

// Inject delivers a raw frame to dst carrying an arbitrary source
// address, bypassing peer registration and channel checks. This models
// an attacker or an out-of-band transmitter: the air accepts any bytes
// with any claimed sender. Returns false when no port owns dst.
func (b *Bus) Inject(src, dst MAC, rssi int8, frame []byte) bool {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	b.mu.Lock()
	defer b.mu.Unlock()

	if dst.IsBroadcast() {
		for mac, p := range b.ports {
			if mac == src {
				continue
			}
			p.offer(delivery{src: src, dst: Broadcast, rssi: rssi, frame: buf})
		}
		return len(b.ports) > 0
	}

	p, ok := b.ports[dst]
	if !ok {
		return false
	}
	p.offer(delivery{src: src, dst: dst, rssi: rssi, frame: buf})
	return true
}

// leave detaches a port from the bus.
func (b *Bus) leave(mac MAC) {
	b.mu.Lock()
	delete(b.ports, mac)
	b.mu.Unlock()
}

// -------------------------------------------------------------------------
// Port — one simulated device
// -------------------------------------------------------------------------

// delivery is one inbound frame queued for a port.
type delivery struct {
	src   MAC
	dst   MAC
	rssi  int8
	frame []byte
}

// Port is a Bus endpoint implementing Driver.
type Port struct {
	bus *Bus
	mac MAC

	mu        sync.Mutex
	channel   int
	broadcast bool
	peers     map[MAC]struct{}
	recvCB    ReceiveFunc
	sentCB    SendCompleteFunc
	closed    bool

	queue chan delivery
	done  chan struct{}
}

// SelfMAC returns the port's hardware address.
func (p *Port) SelfMAC() MAC { return p.mac }

// SetChannel tunes the port. Frames only pass between ports on the same
// channel.
func (p *Port) SetChannel(ch int) error {
	if ch < MinChannel || ch > MaxChannel {
		return fmt.Errorf("set channel %d: %w", ch, ErrInvalidChannel)
	}
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
	return nil
}

// channelLocked reads the channel; callers may hold the bus lock only.
func (p *Port) channelLocked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// RegisterBroadcastPeer enables broadcast transmission from this port.
func (p *Port) RegisterBroadcastPeer() error {
	p.mu.Lock()
	p.broadcast = true
	p.mu.Unlock()
	return nil
}

// AddPeer registers a unicast destination.
func (p *Port) AddPeer(mac MAC) error {
	if mac.IsZero() {
		return fmt.Errorf("add peer: %w", ErrInvalidAddress)
	}
	p.mu.Lock()
	p.peers[mac] = struct{}{}
	p.mu.Unlock()
	return nil
}

// DelPeer removes a unicast destination registration.
func (p *Port) DelPeer(mac MAC) error {
	p.mu.Lock()
	delete(p.peers, mac)
	p.mu.Unlock()
	return nil
}

// Send transmits a frame. The send-complete callback fires with the
// routing outcome; a missing peer registration fails before touching
// the medium.
func (p *Port) Send(dest MAC, frame []byte) error {
	if len(frame) > maxPayload {
		return fmt.Errorf("send %d bytes exceeds payload limit %d: %w",
			len(frame), maxPayload, ErrSendFailed)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if dest.IsBroadcast() {
		if !p.broadcast {
			p.mu.Unlock()
			return fmt.Errorf("broadcast: %w", ErrPeerNotRegistered)
		}
	} else if _, ok := p.peers[dest]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("send to %s: %w", dest, ErrPeerNotRegistered)
	}
	sentCB := p.sentCB
	p.mu.Unlock()

	err := p.bus.transmit(p, dest, frame)

	if sentCB != nil {
		status := SendOK
		if err != nil {
			status = SendFail
		}
		sentCB(dest, status)
	}

	return err
}

// OnReceive installs the inbound frame callback.
func (p *Port) OnReceive(cb ReceiveFunc) {
	p.mu.Lock()
	p.recvCB = cb
	p.mu.Unlock()
}

// OnSendComplete installs the transmission status callback.
func (p *Port) OnSendComplete(cb SendCompleteFunc) {
	p.mu.Lock()
	p.sentCB = cb
	p.mu.Unlock()
}

// MaxPayload returns the simulated link's payload ceiling.
func (p *Port) MaxPayload() int { return maxPayload }

// Close detaches the port from the bus and stops its delivery goroutine.
// Frames already queued are discarded.
func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.bus.leave(p.mac)
	close(p.done)
}

// offer enqueues an inbound frame, dropping on overflow.
func (p *Port) offer(d delivery) {
	select {
	case p.queue <- d:
	default:
		// Receiver saturated; the air gives no backpressure.
	}
}

// deliverLoop drains the inbound queue and invokes the receive callback.
// Runs until Close.
func (p *Port) deliverLoop() {
	for {
		select {
		case <-p.done:
			return
		case d := <-p.queue:
			p.mu.Lock()
			cb := p.recvCB
			closed := p.closed
			p.mu.Unlock()
			if closed || cb == nil {
				continue
			}
			cb(RecvInfo{Src: d.src, Dst: d.dst, RSSI: d.rssi}, d.frame)
		}
	}
}
