package frame

import (
	"fmt"

	"github.com/user/blepeer/peer"
)

// Hint is the identity hint a device puts in its advertisement service data, so a
// scanner can tell who it is about to connect to before any handshake.
// Format: [PeerID:16][Digest:8 optional]
type Hint struct {
	PeerID peer.ID
	Digest peer.Digest
}

// EncodeHint serializes a hint. The digest is omitted when zero.
func EncodeHint(h Hint) []byte {
	if h.Digest.IsZero() {
		out := make([]byte, peer.IDSize)
		copy(out, h.PeerID[:])
		return out
	}
	out := make([]byte, peer.IDSize+peer.DigestSize)
	copy(out, h.PeerID[:])
	copy(out[peer.IDSize:], h.Digest[:])
	return out
}

// DecodeHint parses advertisement service data.
func DecodeHint(data []byte) (Hint, error) {
	var h Hint
	switch len(data) {
	case peer.IDSize, peer.IDSize + peer.DigestSize:
	default:
		return h, fmt.Errorf("frame: hint has %d bytes (want %d or %d)", len(data), peer.IDSize, peer.IDSize+peer.DigestSize)
	}
	copy(h.PeerID[:], data[:peer.IDSize])
	if len(data) > peer.IDSize {
		copy(h.Digest[:], data[peer.IDSize:])
	}
	if h.PeerID.IsZero() {
		return h, fmt.Errorf("frame: hint carries a zero peer id")
	}
	return h, nil
}
