package nodeid

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	IDBytes = 64
	IDBits  = IDBytes * 8
)

// ID addresses a node in the 512-bit overlay key space.
type ID [IDBytes]byte

var zeroID ID

// New returns a uniformly random ID.
func New() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// FromPublicKey derives a node's overlay address from its signing key.
// The address is the BLAKE2b-512 digest of the raw public key bytes, so
// a node cannot pick its own position in the key space.
func FromPublicKey(pub ed25519.PublicKey) ID {
	return ID(blake2b.Sum512(pub))
}

func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDBytes {
		return id, fmt.Errorf("node id must be %d bytes, got %d", IDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// Short returns a log-friendly prefix of the hex form.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

func (id ID) IsZero() bool { return id == zeroID }

// XOR distance: d = a ^ b
func Xor(a, b ID) (out ID) {
	for i := 0; i < IDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// Less compares two ids lexicographically (big-endian unsigned order).
func Less(a, b ID) bool {
	for i := 0; i < IDBytes; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CommonLeadingBits returns the number of leading bits a and b share,
// in [0, IDBits]. Identical ids share all IDBits bits.
func CommonLeadingBits(a, b ID) int {
	d := Xor(a, b)
	for byteIdx := 0; byteIdx < IDBytes; byteIdx++ {
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
	return IDBits
}

// CloserToTarget reports whether x is strictly closer to target than y
// under the XOR metric.
func CloserToTarget(target, x, y ID) bool {
	return Less(Xor(target, x), Xor(target, y))
}
