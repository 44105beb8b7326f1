// Package radio abstracts the broadcast-capable datagram radio that the
// FPR protocol engine runs over.
//
// The Driver interface mirrors the operations of an ESP-NOW-class link
// layer: a fixed hardware address, channel selection, explicit peer
// registration, connectionless frame transmission, and asynchronous
// receive/send-complete callbacks. The protocol engine never touches a
// socket or a chipset directly; it talks to a Driver.
package radio

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Addressing
// -------------------------------------------------------------------------

// MACLength is the hardware address length in bytes.
const MACLength = 6

// MAC is a 6-byte link-layer hardware address.
type MAC [MACLength]byte

// Broadcast is the all-ones broadcast address.
var Broadcast = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsBroadcast reports whether the address is the broadcast address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// IsZero reports whether the address is all zeros (unset).
func (m MAC) IsZero() bool { return m == MAC{} }

// String formats the address as colon-separated hex, e.g. "aa:bb:cc:dd:ee:ff".
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a colon-separated hex address into a MAC.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != MACLength {
		return MAC{}, fmt.Errorf("parse MAC %q: %w", s, ErrInvalidAddress)
	}
	return m, nil
}

// -------------------------------------------------------------------------
// Channel bounds
// -------------------------------------------------------------------------

const (
	// MinChannel is the lowest valid radio channel.
	MinChannel = 1

	// MaxChannel is the highest valid radio channel.
	MaxChannel = 14
)

// -------------------------------------------------------------------------
// Driver Errors
// -------------------------------------------------------------------------

// Sentinel errors shared by Driver implementations.
var (
	// ErrInvalidAddress indicates a malformed hardware address.
	ErrInvalidAddress = errors.New("invalid hardware address")

	// ErrInvalidChannel indicates a channel outside [MinChannel, MaxChannel].
	ErrInvalidChannel = errors.New("channel out of range")

	// ErrSendFailed indicates the driver could not transmit the frame.
	ErrSendFailed = errors.New("radio send failed")

	// ErrPeerNotRegistered indicates a unicast destination was never
	// registered with AddPeer.
	ErrPeerNotRegistered = errors.New("peer not registered with radio")

	// ErrClosed indicates the driver has been shut down.
	ErrClosed = errors.New("radio driver closed")
)

// -------------------------------------------------------------------------
// Callbacks & Interface
// -------------------------------------------------------------------------

// RecvInfo carries the link-layer metadata for a received frame.
type RecvInfo struct {
	// Src is the transmitting device's hardware address.
	Src MAC

	// Dst is the destination address of the frame (self or broadcast).
	Dst MAC

	// RSSI is the observed signal strength in dBm.
	RSSI int8
}

// SendStatus reports the outcome of an asynchronous transmission.
type SendStatus uint8

const (
	// SendOK indicates the frame was handed to the air successfully.
	SendOK SendStatus = iota

	// SendFail indicates the link layer could not deliver the frame.
	SendFail
)

// ReceiveFunc is invoked by the driver for every inbound frame. It runs on
// the driver's delivery goroutine and is serialized with respect to itself;
// implementations must not block for long.
type ReceiveFunc func(info RecvInfo, frame []byte)

// SendCompleteFunc is invoked after each transmission attempt completes.
type SendCompleteFunc func(dest MAC, status SendStatus)

// Driver is the link-layer contract consumed by the protocol engine.
//
// Frames handed to Send must not exceed MaxPayload bytes. Unicast
// destinations must be registered with AddPeer before sending; the
// broadcast address is registered once via RegisterBroadcastPeer.
type Driver interface {
	// SelfMAC returns the device's own hardware address.
	SelfMAC() MAC

	// SetChannel tunes the radio to the given channel.
	SetChannel(ch int) error

	// RegisterBroadcastPeer registers the all-ones broadcast address so
	// that broadcast transmission and reception work.
	RegisterBroadcastPeer() error

	// AddPeer registers a unicast peer address with the link layer.
	// Registering an already-known peer is a no-op.
	AddPeer(mac MAC) error

	// DelPeer removes a unicast peer registration.
	DelPeer(mac MAC) error

	// Send transmits a frame to dest. dest may be the broadcast address.
	Send(dest MAC, frame []byte) error

	// OnReceive installs the inbound frame callback. Passing nil removes it.
	OnReceive(cb ReceiveFunc)

	// OnSendComplete installs the transmission status callback.
	// Passing nil removes it.
	OnSendComplete(cb SendCompleteFunc)

	// MaxPayload returns the largest frame the driver can carry.
	MaxPayload() int
}
