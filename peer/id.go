package peer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDSize is the wire size of a peer id.
const IDSize = 16

// DigestSize is the wire size of a public key digest.
const DigestSize = 8

// ID is the stable identifier a device picks for itself and carries in every frame.
// It is not the BLE link address, which may rotate.
type ID uuid.UUID

// Digest is a short digest of a peer's public key, used as an identity hint before
// the handshake completes.
type Digest [DigestSize]byte

// NewID returns a random peer id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical string form of an id.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("peer: invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

// IDFromBytes copies a 16-byte id.
func IDFromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ID{}, fmt.Errorf("peer: invalid id bytes: %w", err)
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the first 8 hex characters, the form used in log prefixes.
func (id ID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText renders the canonical string form, so ids read well in JSON dumps.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// Less orders ids bytewise.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// DigestOf computes the digest of a public key.
func DigestOf(publicKey []byte) Digest {
	sum := sha256.Sum256(publicKey)
	var d Digest
	copy(d[:], sum[:DigestSize])
	return d
}

// IsZero reports whether the digest is absent.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
