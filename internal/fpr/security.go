package fpr

// Key generation and verification for the 4-way handshake. The exchange
// follows the shape of WPA2's PTK derivation at the state-machine level:
// the host contributes the PWK, the client contributes the LWK, and both
// sides verify the other's echo. Payload bytes are NOT encrypted; the
// keys authenticate session participants only.

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// -------------------------------------------------------------------------
// Key Material
// -------------------------------------------------------------------------

// SecurityKeys holds the per-peer working keys and their validity flags.
type SecurityKeys struct {
	// PWK is the Primary Working Key, generated by the host.
	PWK [KeySize]byte

	// LWK is the Local Working Key, generated by the client.
	LWK [KeySize]byte

	// PWKValid marks PWK as set.
	PWKValid bool

	// LWKValid marks LWK as set.
	LWKValid bool
}

// Established reports whether both working keys are present, i.e. the
// mutual exchange has completed.
func (k *SecurityKeys) Established() bool {
	return k.PWKValid && k.LWKValid
}

// Clear wipes the key material. The keys are overwritten with fresh
// random bytes before zeroing so the plaintext never lingers in memory.
func (k *SecurityKeys) Clear() {
	_, _ = rand.Read(k.PWK[:])
	_, _ = rand.Read(k.LWK[:])
	for i := range k.PWK {
		k.PWK[i] = 0
	}
	for i := range k.LWK {
		k.LWK[i] = 0
	}
	k.PWKValid = false
	k.LWKValid = false
}

// -------------------------------------------------------------------------
// Generation & Verification
// -------------------------------------------------------------------------

// GenerateKey produces a fresh 16-byte working key from the system CSPRNG.
// Used for both PWK (host side) and LWK (client side).
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate working key: %w", err)
	}
	return key, nil
}

// VerifyKey compares a received key against the expected value in
// constant time. A byte-by-byte comparison that short-circuits on the
// first mismatch would leak match-prefix length through timing; the
// comparison must touch every byte regardless of content.
func VerifyKey(received, expected *[KeySize]byte) bool {
	return subtle.ConstantTimeCompare(received[:], expected[:]) == 1
}
