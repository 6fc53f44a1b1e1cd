package ident

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

const AddressBytes = 64

// Address is a 512-bit overlay identifier.
type Address [AddressBytes]byte

func ParseHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != AddressBytes {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressBytes, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func MustParseHex(s string) Address {
	a, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// Short is a log-friendly prefix.
func (a Address) Short() string { return hex.EncodeToString(a[:4]) }

func (a Address) IsZero() bool {
	var zero Address
	return a == zero
}

// FromPublicKey derives an address from a node's long-term public key.
func FromPublicKey(pub ed25519.PublicKey) Address {
	return Address(blake2b.Sum512(pub))
}

// NameOf derives the content name for a payload.
func NameOf(data []byte) Address {
	return Address(blake2b.Sum512(data))
}

// Distance is the XOR metric: d = a ^ b.
func Distance(a, b Address) (out Address) {
	for i := 0; i < AddressBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// CommonLeadingBits counts the shared leading bits of a and b, MSB first.
// This is the bucket index, in [0..511]. Identical addresses return -1.
func CommonLeadingBits(a, b Address) int {
	d := Distance(a, b)
	for byteIdx := 0; byteIdx < AddressBytes; byteIdx++ {
		x := d[byteIdx]
		if x == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if x&(1<<(7-bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// Closer reports whether a is strictly closer to target than b is.
// Ties are impossible for distinct a, b since the metric is XOR.
func Closer(a, b, target Address) bool {
	da := Distance(a, target)
	db := Distance(b, target)
	return bytes.Compare(da[:], db[:]) < 0
}

// SortByDistance orders addrs ascending by XOR distance to target.
func SortByDistance(addrs []Address, target Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return Closer(addrs[i], addrs[j], target)
	})
}
