package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/user/blepeer/peer"
)

// KeySize is the size of an X25519 key.
const KeySize = curve25519.ScalarSize

// Identity is a device's key-agreement key pair. It lives for the process only.
type Identity struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// NewIdentity generates a fresh X25519 key pair.
// The private key is clamped per RFC 7748.
func NewIdentity() (*Identity, error) {
	id := &Identity{}
	if _, err := rand.Read(id.private[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate key: %w", err)
	}
	clamp(&id.private)

	pub, err := curve25519.X25519(id.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive public key: %w", err)
	}
	copy(id.public[:], pub)
	return id, nil
}

// PublicKey returns a copy of the public key.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, KeySize)
	copy(out, id.public[:])
	return out
}

// Digest returns the short digest advertised before the handshake.
func (id *Identity) Digest() peer.Digest {
	return peer.DigestOf(id.public[:])
}

// sharedSecret computes X25519(private, remote). Low-order remote points are rejected.
func (id *Identity) sharedSecret(remote []byte) ([]byte, error) {
	if len(remote) != KeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(remote))
	}
	secret, err := curve25519.X25519(id.private[:], remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return secret, nil
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// wipe zeroes b.
func wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
