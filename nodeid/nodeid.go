// Package nodeid implements the 160-bit identifier space shared by DHT node
// IDs and info-hashes, and the XOR distance metric used to route queries.
package nodeid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Len is the length in bytes of a NodeID, matching a SHA-1 digest.
const Len = 20

// Bits is the size of the identifier space in bits.
const Bits = Len * 8

// ID is an opaque 160-bit identifier. The zero value is the all-zero ID.
type ID [Len]byte

// Random draws a new ID from a cryptographically acceptable source.
func Random() (ID, error) {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ID{}, errors.Wrap(err, "nodeid: read random bytes")
	}
	return id, nil
}

// FromBytes copies b into a new ID. b must be exactly Len bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, errors.Errorf("nodeid: expected %d bytes, got %d", Len, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a hex-encoded ID, e.g. for CLI flags and fixtures.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, errors.Wrap(err, "nodeid: decode hex")
	}
	return FromBytes(b)
}

// Bytes returns the big-endian byte representation of id.
func (id ID) Bytes() []byte {
	b := make([]byte, Len)
	copy(b, id[:])
	return b
}

// String renders the ID as lowercase hex, for logging and display only.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Equal reports whether a and b are the same identifier.
func Equal(a, b ID) bool {
	return a == b
}

// Distance returns the XOR distance between a and b, itself a 160-bit value
// with the same total ordering semantics used to pick the K closest nodes.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance x is strictly closer (smaller) than y, when
// both are interpreted as big-endian unsigned 160-bit integers.
func Less(x, y ID) bool {
	return bytes.Compare(x[:], y[:]) < 0
}

// LeadingZeroBits counts the number of leading zero bits in id, used to
// derive a bucket index from a distance value. An all-zero ID (distance to
// itself) reports Bits.
func LeadingZeroBits(id ID) int {
	n := 0
	for _, b := range id {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// BucketIndex returns the routing-table bucket index that other belongs in,
// relative to local: 159 - leading_zero_bits(distance(local, other)). The
// local ID itself (distance zero) is reported as Bits-1 instead of a
// negative index.
func BucketIndex(local, other ID) int {
	d := Distance(local, other)
	lz := LeadingZeroBits(d)
	idx := Bits - 1 - lz
	if idx < 0 {
		// other == local; reported as Bits-1.
		return Bits - 1
	}
	return idx
}

// SortByDistance sorts ids in place by ascending distance to pivot, breaking
// ties by lexicographic ID order for determinism.
func SortByDistance(pivot ID, ids []ID) {
	// Insertion sort, quadratic in len(ids). The routing table passes every
	// node it holds and truncates the sorted result to K afterwards.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && closer(pivot, ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// closer reports whether a is strictly closer to pivot than b, ties broken
// by lexicographic ID order.
func closer(pivot, a, b ID) bool {
	da, db := Distance(pivot, a), Distance(pivot, b)
	if da != db {
		return Less(da, db)
	}
	return bytes.Compare(a[:], b[:]) < 0
}
