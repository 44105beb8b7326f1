// Package fpr implements the Fast Peer Router protocol engine: a
// best-effort peer-to-peer messaging protocol for broadcast-capable,
// connectionless datagram radios with small payloads.
//
// This includes the fixed-size frame codec, the peer store, the WPA2-style
// 4-way authentication handshake, fragment reassembly with replay
// protection, client/host/extender mode handling, and discovery/keepalive
// background tasks.
package fpr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/repvi/fpr/internal/radio"
)

// MAC is the 6-byte hardware address used to identify peers. It is the
// same type the radio driver speaks, so addresses cross the boundary
// without conversion.
type MAC = radio.MAC

// Broadcast is the all-ones broadcast address.
var Broadcast = radio.Broadcast

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

const (
	// NameSize is the fixed on-wire size of a device name, including the
	// terminating zero byte. Names are therefore at most NameSize-1 bytes.
	NameSize = 32

	// KeySize is the length of the PWK and LWK working keys in bytes.
	KeySize = 16

	// ProtocolSize is the opaque payload area carried by every frame.
	ProtocolSize = 180

	// FrameSize is the exact encoded size of a frame. Decode rejects any
	// other length. It fits within the 250-byte radio payload limit.
	FrameSize = 224

	// reservedSize pads the frame out to FrameSize. Reserved bytes are
	// zero on transmit and ignored on receipt.
	reservedSize = 15

	// PacketIDControl is the sentinel packet identifier for control
	// frames: device-info broadcasts, handshake steps, and keepalives.
	PacketIDControl = -1

	// DefaultMaxHops is the default forwarding TTL.
	DefaultMaxHops = 10

	// QueueDepth is the per-peer delivery queue capacity in frames.
	QueueDepth = 10
)

// -------------------------------------------------------------------------
// Version — packed major.minor.patch
// -------------------------------------------------------------------------

// Version is a protocol version packed as major<<16 | minor<<8 | patch.
// The value zero denotes the pre-versioning era.
type Version uint32

// PackVersion builds a Version from its components.
func PackVersion(major, minor, patch uint8) Version {
	return Version(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

// ProtocolVersion is the protocol version stamped on every transmitted
// frame.
const ProtocolVersion = Version(1<<16 | 1<<8) // 1.1.0

// Major returns the major component.
func (v Version) Major() uint8 { return uint8(v >> 16) }

// Minor returns the minor component.
func (v Version) Minor() uint8 { return uint8(v >> 8) }

// Patch returns the patch component.
func (v Version) Patch() uint8 { return uint8(v) }

// String formats the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// IsCurrent reports whether the version shares the local major version
// and so can be processed by the current handlers.
func (v Version) IsCurrent() bool {
	return v != 0 && v.Major() == ProtocolVersion.Major()
}

// NeedsLegacy reports whether the version predates the local major
// version (or predates versioning entirely).
func (v Version) NeedsLegacy() bool {
	return v == 0 || v.Major() < ProtocolVersion.Major()
}

// NeedsFuture reports whether the version is from a newer major release
// than this implementation understands.
func (v Version) NeedsFuture() bool {
	return v.Major() > ProtocolVersion.Major()
}

// -------------------------------------------------------------------------
// Enumerations
// -------------------------------------------------------------------------

// PackageType tags a frame's position within a logical message.
type PackageType uint8

const (
	// PackageSingle is a complete message in one frame.
	PackageSingle PackageType = iota

	// PackageStart opens a fragmented message.
	PackageStart

	// PackageContinued carries a middle fragment.
	PackageContinued

	// PackageEnd closes a fragmented message.
	PackageEnd
)

// packageTypeNames maps package types to human-readable strings.
var packageTypeNames = [4]string{"Single", "Start", "Continued", "End"}

// String returns the human-readable name for the package type.
func (t PackageType) String() string {
	if int(t) < len(packageTypeNames) {
		return packageTypeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// IsFragment reports whether the type belongs to a multi-frame message.
func (t PackageType) IsFragment() bool {
	return t == PackageStart || t == PackageContinued || t == PackageEnd
}

// IsComplete reports whether the frame terminates a logical message.
func (t PackageType) IsComplete() bool {
	return t == PackageSingle || t == PackageEnd
}

// Visibility controls whether a device engages unknown discoverers.
type Visibility uint8

const (
	// VisibilityPublic accepts any discoverer.
	VisibilityPublic Visibility = iota

	// VisibilityPrivate restricts engagement to peers added explicitly.
	VisibilityPrivate
)

// String returns the human-readable name for the visibility setting.
func (v Visibility) String() string {
	switch v {
	case VisibilityPublic:
		return "Public"
	case VisibilityPrivate:
		return "Private"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(v))
	}
}

// -------------------------------------------------------------------------
// Frame — the single fixed-size wire unit
// -------------------------------------------------------------------------

// Frame is one decoded protocol frame. Exactly one logical message is
// either a single PackageSingle frame or a PackageStart, PackageContinued*,
// PackageEnd run sharing one sequence number.
//
// The Protocol area is opaque payload for data frames (ID >= 0) and a
// ConnectInfo sub-structure for control frames (ID == PacketIDControl).
type Frame struct {
	// Protocol is the payload area. PayloadSize bytes are meaningful.
	Protocol [ProtocolSize]byte

	// Type tags the frame's position within a logical message.
	Type PackageType

	// ID identifies the packet stream. PacketIDControl marks control
	// frames; values >= 0 carry application data.
	ID int32

	// Origin is the original sender's hardware address. Every frame a
	// device transmits carries its own address here; forwarders leave it
	// untouched.
	Origin MAC

	// Dest is the final destination, or Broadcast.
	Dest MAC

	// HopCount is the number of forwards the frame has taken so far.
	HopCount uint8

	// MaxHops is the forwarding TTL.
	MaxHops uint8

	// Version is the sender's packed protocol version.
	Version Version

	// Sequence is the sender's outbound counter at transmission time.
	// All fragments of one logical message share it. Zero is reserved
	// for control and legacy traffic and always passes the replay filter.
	Sequence uint32

	// PayloadSize is the number of meaningful bytes in Protocol.
	PayloadSize uint16
}

// IsControl reports whether the frame is a control frame.
func (f *Frame) IsControl() bool { return f.ID == PacketIDControl }

// Payload returns the meaningful slice of the protocol area.
func (f *Frame) Payload() []byte {
	n := int(f.PayloadSize)
	if n > ProtocolSize {
		n = ProtocolSize
	}
	return f.Protocol[:n]
}

// Fixed field offsets within the encoded frame. All multi-byte fields are
// little-endian.
const (
	offType        = ProtocolSize
	offID          = offType + 1
	offOrigin      = offID + 4
	offDest        = offOrigin + radio.MACLength
	offHopCount    = offDest + radio.MACLength
	offMaxHops     = offHopCount + 1
	offVersion     = offMaxHops + 1
	offSequence    = offVersion + 4
	offPayloadSize = offSequence + 4
	offReserved    = offPayloadSize + 2
)

// Codec sentinel errors.
var (
	// ErrFrameSize indicates an encoded frame whose length differs from
	// FrameSize.
	ErrFrameSize = errors.New("frame length mismatch")

	// ErrPayloadTooLarge indicates a payload exceeding ProtocolSize.
	ErrPayloadTooLarge = errors.New("payload exceeds protocol area")

	// ErrBufTooSmall indicates the caller-provided buffer cannot hold an
	// encoded frame.
	ErrBufTooSmall = errors.New("buffer too small for frame")
)

// MarshalFrame serializes f into buf, which must be at least FrameSize
// bytes. Returns the number of bytes written (always FrameSize).
//
// Zero-allocation: fields are written with encoding/binary directly into
// the buffer. Callers typically provide a FramePool buffer.
func MarshalFrame(f *Frame, buf []byte) (int, error) {
	if len(buf) < FrameSize {
		return 0, fmt.Errorf("marshal frame: need %d bytes, got %d: %w",
			FrameSize, len(buf), ErrBufTooSmall)
	}
	if int(f.PayloadSize) > ProtocolSize {
		return 0, fmt.Errorf("marshal frame: payload size %d: %w",
			f.PayloadSize, ErrPayloadTooLarge)
	}

	copy(buf[:ProtocolSize], f.Protocol[:])
	buf[offType] = uint8(f.Type)
	binary.LittleEndian.PutUint32(buf[offID:], uint32(f.ID))
	copy(buf[offOrigin:], f.Origin[:])
	copy(buf[offDest:], f.Dest[:])
	buf[offHopCount] = f.HopCount
	buf[offMaxHops] = f.MaxHops
	binary.LittleEndian.PutUint32(buf[offVersion:], uint32(f.Version))
	binary.LittleEndian.PutUint32(buf[offSequence:], f.Sequence)
	binary.LittleEndian.PutUint16(buf[offPayloadSize:], f.PayloadSize)
	for i := offReserved; i < FrameSize; i++ {
		buf[i] = 0
	}

	return FrameSize, nil
}

// UnmarshalFrame decodes buf into f. The buffer length must be exactly
// FrameSize; anything else is rejected before any field is read.
func UnmarshalFrame(buf []byte, f *Frame) error {
	if len(buf) != FrameSize {
		return fmt.Errorf("unmarshal frame: received %d bytes, expected %d: %w",
			len(buf), FrameSize, ErrFrameSize)
	}

	copy(f.Protocol[:], buf[:ProtocolSize])
	f.Type = PackageType(buf[offType])
	f.ID = int32(binary.LittleEndian.Uint32(buf[offID:]))
	copy(f.Origin[:], buf[offOrigin:])
	copy(f.Dest[:], buf[offDest:])
	f.HopCount = buf[offHopCount]
	f.MaxHops = buf[offMaxHops]
	f.Version = Version(binary.LittleEndian.Uint32(buf[offVersion:]))
	f.Sequence = binary.LittleEndian.Uint32(buf[offSequence:])
	f.PayloadSize = binary.LittleEndian.Uint16(buf[offPayloadSize:])

	return nil
}

// -------------------------------------------------------------------------
// ConnectInfo — control frame payload
// -------------------------------------------------------------------------

// ConnectInfo is the structured payload of a control frame: device-info
// broadcasts, handshake steps, and keepalives all carry one.
//
// The HasPWK/HasLWK flags distinguish the handshake steps:
//
//	no keys      initial discovery / keepalive (step 1)
//	PWK only     host offering its key (step 2)
//	PWK + LWK    client response (step 3) or host acknowledgment (step 4)
type ConnectInfo struct {
	// Name is the sender's display name, at most NameSize-1 bytes.
	Name string

	// PeerAddr is the sender's hardware address as it knows it.
	PeerAddr MAC

	// Visibility is the sender's discoverability setting.
	Visibility Visibility

	// PWK is the Primary Working Key, meaningful when HasPWK is set.
	PWK [KeySize]byte

	// LWK is the Local Working Key, meaningful when HasLWK is set.
	LWK [KeySize]byte

	// HasPWK marks the PWK field as populated.
	HasPWK bool

	// HasLWK marks the LWK field as populated.
	HasLWK bool
}

// ConnectInfo layout within the protocol area.
const (
	ciOffName       = 0
	ciOffPeerAddr   = ciOffName + NameSize
	ciOffVisibility = ciOffPeerAddr + radio.MACLength
	ciOffPWK        = ciOffVisibility + 1
	ciOffLWK        = ciOffPWK + KeySize
	ciOffHasPWK     = ciOffLWK + KeySize
	ciOffHasLWK     = ciOffHasPWK + 1

	// ConnectInfoSize is the encoded size of a ConnectInfo within the
	// protocol area.
	ConnectInfoSize = ciOffHasLWK + 1
)

// EncodeConnectInfo writes ci into the frame's protocol area and sets the
// payload size accordingly.
func (f *Frame) EncodeConnectInfo(ci *ConnectInfo) {
	for i := range f.Protocol {
		f.Protocol[i] = 0
	}
	name := ci.Name
	if len(name) > NameSize-1 {
		name = name[:NameSize-1]
	}
	copy(f.Protocol[ciOffName:ciOffName+NameSize-1], name)
	copy(f.Protocol[ciOffPeerAddr:], ci.PeerAddr[:])
	f.Protocol[ciOffVisibility] = uint8(ci.Visibility)
	copy(f.Protocol[ciOffPWK:], ci.PWK[:])
	copy(f.Protocol[ciOffLWK:], ci.LWK[:])
	f.Protocol[ciOffHasPWK] = boolByte(ci.HasPWK)
	f.Protocol[ciOffHasLWK] = boolByte(ci.HasLWK)
	f.PayloadSize = ConnectInfoSize
}

// DecodeConnectInfo extracts the ConnectInfo from a control frame's
// protocol area.
func (f *Frame) DecodeConnectInfo() ConnectInfo {
	var ci ConnectInfo
	raw := f.Protocol[ciOffName : ciOffName+NameSize]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	ci.Name = string(raw)
	copy(ci.PeerAddr[:], f.Protocol[ciOffPeerAddr:])
	ci.Visibility = Visibility(f.Protocol[ciOffVisibility])
	copy(ci.PWK[:], f.Protocol[ciOffPWK:])
	copy(ci.LWK[:], f.Protocol[ciOffLWK:])
	ci.HasPWK = f.Protocol[ciOffHasPWK] != 0
	ci.HasLWK = f.Protocol[ciOffHasLWK] != 0
	return ci
}

// boolByte encodes a bool as a wire byte.
func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// -------------------------------------------------------------------------
// FramePool — reusable encode buffers
// -------------------------------------------------------------------------

// FramePool provides reusable FrameSize buffers for the transmit path.
// The pool stores *[]byte to avoid interface allocation on Get/Put.
var FramePool = sync.Pool{
	New: func() any {
		buf := make([]byte, FrameSize)
		return &buf
	},
}
