// Package crypto defines the caller identity type shared by the lending
// engine and its transports. Key management and signature verification are
// part of the surrounding transaction/RPC harness and are out of scope here
// (the harness hands the engine an already-authenticated caller Address).
package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix distinguishes the human-readable address namespace. Pools may
// be configured to present distinct prefixes for operator tooling even though
// the engine treats all addresses as opaque identifiers.
type AddressPrefix string

const (
	// DefaultPrefix is used when a pool does not configure its own.
	DefaultPrefix AddressPrefix = "p2l"
)

// addressLen is the fixed width of a 20-byte account identity.
const addressLen = 20

// Address is an opaque 20-byte caller identity. The zero Address (no prefix,
// no bytes) represents "unset" — used for Loan.Lender before an offer is
// accepted and for routing targets that have not been configured.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress constructs an Address from exactly addressLen raw bytes.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != addressLen {
		return Address{}, fmt.Errorf("address must be %d bytes long, got %d", addressLen, len(b))
	}
	cloned := append([]byte(nil), b...)
	return Address{prefix: prefix, bytes: cloned}, nil
}

// MustNewAddress constructs an address and panics if the input is invalid.
// Reserved for test fixtures and static wiring; request-path code must use
// NewAddress and propagate the error.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// String renders the address as a bech32 string under its configured prefix.
func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	prefix := a.prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	encoded, err := bech32.Encode(string(prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a defensive copy of the address's raw bytes.
func (a Address) Bytes() []byte {
	if a.bytes == nil {
		return nil
	}
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address carries no identity — the sentinel used
// throughout the engine for "lender not yet assigned" and "routing target not
// configured".
func (a Address) IsZero() bool {
	if len(a.bytes) == 0 {
		return true
	}
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two addresses identify the same caller.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

// DecodeAddress parses a bech32-encoded address string produced by String.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}
