package session

import (
	"errors"
	"fmt"

	"github.com/user/blepeer/peer"
)

var (
	// ErrPeerNotConnected: the peer is unknown or has not finished the key exchange.
	// Surfaced to the caller, never retried internally.
	ErrPeerNotConnected = errors.New("session: peer not connected")
	ErrSendQueueFull    = errors.New("session: link send queue full")
	ErrMessageTooLarge  = errors.New("session: message too large for link")
	ErrClosed           = errors.New("session: node closed")
	ErrNotRunning       = errors.New("session: node not running")
	ErrAlreadyRunning   = errors.New("session: node already running")
)

// SendError is a send failure detected before any byte was written.
type SendError struct {
	PeerID peer.ID
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("session: send to %s: %v", e.PeerID.Short(), e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
