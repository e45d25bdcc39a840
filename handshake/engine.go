package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
)

var (
	ErrHandshakeTimeout = errors.New("handshake: timed out before key exchange completed")
	ErrDigestMismatch   = errors.New("handshake: public key does not match announced digest")
	ErrPeerMismatch     = errors.New("handshake: message peer id does not match sender")
	ErrBadMessage       = errors.New("handshake: malformed handshake message")
	ErrInvalidKey       = errors.New("handshake: invalid public key")
	ErrDecrypt          = errors.New("handshake: message authentication failed")
	ErrSessionClosed    = errors.New("handshake: session closed")
)

// DefaultTimeout bounds the time from Announce to a completed key exchange.
const DefaultTimeout = 10 * time.Second

// Action tells the caller which handshake frames to send next.
type Action uint8

const (
	SendAnnounce Action = 1 << iota
	SendKeyExchange

	ActionNone Action = 0
)

// Has reports whether a includes every bit of other.
func (a Action) Has(other Action) bool {
	return a&other == other && other != 0
}

// Outcome is the result of feeding one handshake message to the engine.
type Outcome struct {
	Action  Action
	Session *Session // set exactly once, when the key exchange completes
}

type handshakeState struct {
	sentAnnounce bool
	recvAnnounce bool
	sentKX       bool
	remoteDigest peer.Digest
	remotePublic []byte
	startedAt    time.Time
	announcedAt  time.Time // when Announce was first sent or received
	done         bool
}

// Engine drives Announce -> KeyExchange for every peer. It is not safe for concurrent use;
// the session actor owns it.
type Engine struct {
	local    peer.ID
	nickname string
	identity *Identity
	timeout  time.Duration
	clock    clock.Clock
	states   map[peer.ID]*handshakeState
}

// NewEngine creates a key exchange engine for the local device.
func NewEngine(local peer.ID, nickname string, identity *Identity, timeout time.Duration, clk clock.Clock) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		local:    local,
		nickname: nickname,
		identity: identity,
		timeout:  timeout,
		clock:    clk,
		states:   make(map[peer.ID]*handshakeState),
	}
}

// SetNickname changes the nickname carried by future Announces.
func (e *Engine) SetNickname(nickname string) {
	e.nickname = nickname
}

// Announce builds the local Announce.
func (e *Engine) Announce() *Announce {
	return &Announce{
		PeerID:          e.local,
		Nickname:        e.nickname,
		Digest:          e.identity.Digest(),
		ProtocolVersion: ProtocolVersion,
	}
}

// KeyExchange builds the local KeyExchange.
func (e *Engine) KeyExchange() *KeyExchange {
	return &KeyExchange{PeerID: e.local, PublicKey: e.identity.PublicKey()}
}

func (e *Engine) state(id peer.ID) *handshakeState {
	st, ok := e.states[id]
	if !ok {
		st = &handshakeState{startedAt: e.clock.Now()}
		e.states[id] = st
	}
	return st
}

func (e *Engine) markAnnounced(st *handshakeState) {
	if st.announcedAt.IsZero() {
		st.announcedAt = e.clock.Now()
	}
}

// MarkAnnounceSent records that our Announce went out to id.
func (e *Engine) MarkAnnounceSent(id peer.ID) {
	st := e.state(id)
	st.sentAnnounce = true
	e.markAnnounced(st)
}

// MarkKeyExchangeSent records that our KeyExchange went out to id.
func (e *Engine) MarkKeyExchangeSent(id peer.ID) {
	e.state(id).sentKX = true
}

// Completed reports whether the key exchange with id has finished.
func (e *Engine) Completed(id peer.ID) bool {
	st, ok := e.states[id]
	return ok && st.done
}

// Pending reports whether id has started but not finished a handshake.
func (e *Engine) Pending(id peer.ID) bool {
	st, ok := e.states[id]
	return ok && !st.done
}

// OnAnnounce handles an Announce from id. Repeats after completion are ignored.
func (e *Engine) OnAnnounce(id peer.ID, a *Announce) (Outcome, error) {
	if a.PeerID != id {
		return Outcome{}, fmt.Errorf("%w: announce for %s from %s", ErrPeerMismatch, a.PeerID.Short(), id.Short())
	}
	st := e.state(id)
	if st.done {
		return Outcome{}, nil
	}

	st.recvAnnounce = true
	st.remoteDigest = a.Digest
	e.markAnnounced(st)

	var out Outcome
	if !st.sentAnnounce {
		out.Action |= SendAnnounce
	}
	if !st.sentKX {
		out.Action |= SendKeyExchange
	}

	// Their KeyExchange may have overtaken their Announce.
	if st.remotePublic != nil {
		s, err := e.complete(id, st)
		if err != nil {
			return Outcome{}, err
		}
		out.Session = s
	}
	return out, nil
}

// OnKeyExchange handles a KeyExchange from id. The session is derived only once both
// Announces are exchanged and the remote public key is known.
func (e *Engine) OnKeyExchange(id peer.ID, kx *KeyExchange) (Outcome, error) {
	if kx.PeerID != id {
		return Outcome{}, fmt.Errorf("%w: key exchange for %s from %s", ErrPeerMismatch, kx.PeerID.Short(), id.Short())
	}
	st := e.state(id)
	if st.done {
		return Outcome{}, nil
	}

	st.remotePublic = append([]byte(nil), kx.PublicKey...)
	if !st.recvAnnounce {
		logger.Debug(e.local.Short(), "key exchange from %s before its announce, holding", id.Short())
		return Outcome{}, nil
	}

	var out Outcome
	if !st.sentKX {
		out.Action |= SendKeyExchange
	}
	s, err := e.complete(id, st)
	if err != nil {
		return Outcome{}, err
	}
	out.Session = s
	return out, nil
}

func (e *Engine) complete(id peer.ID, st *handshakeState) (*Session, error) {
	if !st.remoteDigest.IsZero() && peer.DigestOf(st.remotePublic) != st.remoteDigest {
		delete(e.states, id)
		return nil, fmt.Errorf("%w: peer %s", ErrDigestMismatch, id.Short())
	}
	s, err := DeriveSession(e.local, id, e.identity, st.remotePublic)
	if err != nil {
		delete(e.states, id)
		return nil, err
	}
	st.done = true
	st.remotePublic = nil
	return s, nil
}

// Expire returns peers whose handshake has been running for longer than the timeout
// without completing, and forgets them so they can be retried from scratch. The clock
// starts at the first Announce, or at whatever message created the state when no
// Announce has been seen.
func (e *Engine) Expire() []peer.ID {
	now := e.clock.Now()
	var expired []peer.ID
	for id, st := range e.states {
		if st.done {
			continue
		}
		since := st.announcedAt
		if since.IsZero() {
			since = st.startedAt
		}
		if now.Sub(since) >= e.timeout {
			delete(e.states, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Reset forgets all handshake state for id.
func (e *Engine) Reset(id peer.ID) {
	delete(e.states, id)
}
