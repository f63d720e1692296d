package fhe

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HandleSize is the byte length of a ciphertext handle.
const HandleSize = 32

// Handle is an opaque reference to an encrypted value held by the external
// coprocessor. The engine stores and combines handles without ever seeing
// the underlying plaintext.
type Handle [HandleSize]byte

// ZeroHandle is the uninitialised handle value.
var ZeroHandle Handle

// IsZero reports whether the handle is the zero value.
func (h Handle) IsZero() bool {
	return h == ZeroHandle
}

// Bytes returns the raw handle bytes.
func (h Handle) Bytes() []byte {
	return h[:]
}

// Hex renders the handle as a 0x-prefixed hex string.
func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return h.Hex()
}

// HandleFromHex parses a 0x-prefixed 32-byte hex string.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != HandleSize*2 {
		return h, fmt.Errorf("handle must be %d bytes, got %d hex chars", HandleSize, len(trimmed))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return h, fmt.Errorf("parse handle: %w", err)
	}
	copy(h[:], raw)
	return h, nil
}

// HandleFromBytes copies a 32-byte slice into a Handle.
func HandleFromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleSize {
		return h, fmt.Errorf("handle must be %d bytes, got %d", HandleSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := HandleFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
