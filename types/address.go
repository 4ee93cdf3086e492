package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const AddressLength = 16

// An account address. Modules are published under an address, and global
// storage cells are keyed by an address plus a resource type.
type Address [AddressLength]byte

// The address that owns the standard library and native modules.
var CoreAddress = AddressFromUint64(1)

func AddressFromUint64(v uint64) Address {
	var a Address
	for i := 0; i < 8; i++ {
		a[AddressLength-1-i] = byte(v >> (8 * i))
	}
	return a
}

// Parses an address from hex, with or without a 0x prefix. Short forms are
// left-padded with zeros, so "0x1" is the core address.
func ParseAddress(s string) (Address, error) {
	var a Address
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(digits) == 0 || len(digits) > 2*AddressLength {
		return a, fmt.Errorf("types: invalid address %q", s)
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	raw, err := hex.DecodeString(digits)
	if err != nil {
		return a, fmt.Errorf("types: invalid address %q: %w", s, err)
	}
	copy(a[AddressLength-len(raw):], raw)
	return a, nil
}

func (a Address) String() string {
	s := strings.TrimLeft(hex.EncodeToString(a[:]), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

func (a Address) Bytes() []byte {
	return a[:]
}

// Used by flag parsing in the CLI.
func (a *Address) Set(s string) error {
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a *Address) Type() string {
	return "address"
}
