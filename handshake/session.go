package handshake

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/user/blepeer/peer"
)

const (
	sessionInfo    = "blepeer/session/v1"
	sessionKeySize = 2 * chacha20poly1305.KeySize
	replayWindow   = 64
)

// Session is the symmetric state two peers share after KeyExchange. One key per direction,
// so the same nonce is never used twice under one key.
type Session struct {
	local  peer.ID
	remote peer.ID

	key  [sessionKeySize]byte
	send cipher.AEAD
	recv cipher.AEAD

	// Inbound replay window: highest accepted sequence and a bitmap of the 64 below it.
	highest uint32
	seen    uint64
	primed  bool
}

// DeriveSession computes the session both sides agree on. The result does not depend on
// which side calls it first: the salt orders the public keys and directions are assigned
// by comparing peer ids.
func DeriveSession(local, remote peer.ID, id *Identity, remotePublic []byte) (*Session, error) {
	if local == remote {
		return nil, fmt.Errorf("%w: session with self", ErrInvalidKey)
	}
	shared, err := id.sharedSecret(remotePublic)
	if err != nil {
		return nil, err
	}
	defer wipe(shared)

	lo, hi := id.public[:], remotePublic
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	s := &Session{local: local, remote: remote}
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sessionInfo)), s.key[:]); err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}

	// The lower id sends with the first half; the higher id receives with it.
	first, second := s.key[:chacha20poly1305.KeySize], s.key[chacha20poly1305.KeySize:]
	sendKey, recvKey := first, second
	if remote.Less(local) {
		sendKey, recvKey = second, first
	}
	if s.send, err = chacha20poly1305.New(sendKey); err != nil {
		return nil, err
	}
	if s.recv, err = chacha20poly1305.New(recvKey); err != nil {
		return nil, err
	}
	return s, nil
}

// Key returns a copy of the derived key material. It is never transmitted.
func (s *Session) Key() []byte {
	out := make([]byte, sessionKeySize)
	copy(out, s.key[:])
	return out
}

func nonce(seq uint32) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], uint64(seq))
	return n
}

func additionalData(sender peer.ID, seq uint32) []byte {
	ad := make([]byte, peer.IDSize+4)
	copy(ad, sender[:])
	binary.BigEndian.PutUint32(ad[peer.IDSize:], seq)
	return ad
}

// Seal encrypts an outbound message sent under seq.
func (s *Session) Seal(seq uint32, plaintext []byte) ([]byte, error) {
	if s.send == nil {
		return nil, ErrSessionClosed
	}
	return s.send.Seal(nil, nonce(seq), plaintext, additionalData(s.local, seq)), nil
}

// Open decrypts an inbound message received under seq. It does not update the replay
// window; call Accept once the message is known to be authentic.
func (s *Session) Open(seq uint32, ciphertext []byte) ([]byte, error) {
	if s.recv == nil {
		return nil, ErrSessionClosed
	}
	pt, err := s.recv.Open(nil, nonce(seq), ciphertext, additionalData(s.remote, seq))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// Accept records an inbound sequence number and reports whether it is new. Sequences
// more than 64 behind the highest seen are rejected as replays.
func (s *Session) Accept(seq uint32) bool {
	if !s.primed {
		s.primed, s.highest, s.seen = true, seq, 1
		return true
	}
	if seq > s.highest {
		shift := seq - s.highest
		if shift >= replayWindow {
			s.seen = 1
		} else {
			s.seen = s.seen<<shift | 1
		}
		s.highest = seq
		return true
	}
	back := s.highest - seq
	if back >= replayWindow {
		return false
	}
	bit := uint64(1) << back
	if s.seen&bit != 0 {
		return false
	}
	s.seen |= bit
	return true
}

// Wipe destroys the key material. The session cannot be used afterwards.
func (s *Session) Wipe() {
	wipe(s.key[:])
	s.send, s.recv = nil, nil
}
