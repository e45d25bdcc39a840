package handshake

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/blepeer/peer"
)

// ProtocolVersion is carried in every Announce.
const ProtocolVersion = 1

// Field numbers. Both messages are plain protobuf wire format so older peers skip fields
// they do not know.
const (
	announcePeerID   protowire.Number = 1
	announceNickname protowire.Number = 2
	announceDigest   protowire.Number = 3
	announceVersion  protowire.Number = 4

	kxPeerID    protowire.Number = 1
	kxPublicKey protowire.Number = 2
)

// Announce carries a peer's identity before any encryption exists.
type Announce struct {
	PeerID          peer.ID
	Nickname        string
	Digest          peer.Digest // zero when the sender does not advertise one
	ProtocolVersion uint64
}

// KeyExchange carries a peer's key-agreement public key.
type KeyExchange struct {
	PeerID    peer.ID
	PublicKey []byte
}

// Marshal encodes the announce.
func (a *Announce) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, announcePeerID, protowire.BytesType)
	b = protowire.AppendBytes(b, a.PeerID[:])
	if a.Nickname != "" {
		b = protowire.AppendTag(b, announceNickname, protowire.BytesType)
		b = protowire.AppendString(b, a.Nickname)
	}
	if !a.Digest.IsZero() {
		b = protowire.AppendTag(b, announceDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Digest[:])
	}
	b = protowire.AppendTag(b, announceVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, a.ProtocolVersion)
	return b
}

// UnmarshalAnnounce decodes an announce payload.
func UnmarshalAnnounce(data []byte) (*Announce, error) {
	a := &Announce{}
	var sawID bool

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == announcePeerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := peer.IDFromBytes(v)
			if err != nil {
				return 0, err
			}
			a.PeerID, sawID = id, true
			return n, nil
		case num == announceNickname && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.Nickname = v
			return n, nil
		case num == announceDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				if len(v) != peer.DigestSize {
					return 0, fmt.Errorf("digest is %d bytes", len(v))
				}
				copy(a.Digest[:], v)
			}
			return n, nil
		case num == announceVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			a.ProtocolVersion = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: announce: %v", ErrBadMessage, err)
	}
	if !sawID || a.PeerID.IsZero() {
		return nil, fmt.Errorf("%w: announce without peer id", ErrBadMessage)
	}
	if a.ProtocolVersion < ProtocolVersion {
		return nil, fmt.Errorf("%w: announce protocol version %d", ErrBadMessage, a.ProtocolVersion)
	}
	return a, nil
}

// Marshal encodes the key exchange.
func (k *KeyExchange) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, kxPeerID, protowire.BytesType)
	b = protowire.AppendBytes(b, k.PeerID[:])
	b = protowire.AppendTag(b, kxPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, k.PublicKey)
	return b
}

// UnmarshalKeyExchange decodes a key exchange payload.
func UnmarshalKeyExchange(data []byte) (*KeyExchange, error) {
	k := &KeyExchange{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == kxPeerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := peer.IDFromBytes(v)
			if err != nil {
				return 0, err
			}
			k.PeerID = id
			return n, nil
		case num == kxPublicKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				k.PublicKey = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: key exchange: %v", ErrBadMessage, err)
	}
	if k.PeerID.IsZero() {
		return nil, fmt.Errorf("%w: key exchange without peer id", ErrBadMessage)
	}
	if len(k.PublicKey) != KeySize {
		return nil, fmt.Errorf("%w: key exchange public key is %d bytes", ErrBadMessage, len(k.PublicKey))
	}
	return k, nil
}

// walkFields iterates tagged fields, letting fn consume each value. fn returns the number
// of bytes consumed or a negative protowire error code.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}
