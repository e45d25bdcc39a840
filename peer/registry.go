package peer

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownPeer     = errors.New("peer: unknown peer")
	ErrStateRegression = errors.New("peer: state may not move backwards")
)

// Registry is the single source of truth for known peers.
//
// It is not safe for concurrent use: exactly one goroutine (the session actor) owns it and
// performs every read-then-write transition.
type Registry struct {
	peers map[ID]*Peer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{peers: make(map[ID]*Peer)}
}

// Get returns the live record for id. Callers must not retain it past the current event.
func (r *Registry) Get(id ID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	return len(r.peers)
}

// Upsert records a discovery of id through role on link. A new record starts in
// Discovered; an existing one merges the role and keeps its state, except that a
// Disconnected peer is revived to Discovered. discovered is true when the peer was created
// or revived, which is when the host should hear about it.
func (r *Registry) Upsert(id ID, role Role, link string, now time.Time) (p *Peer, discovered bool) {
	p, ok := r.peers[id]
	if !ok {
		p = &Peer{ID: id, State: Discovered}
		r.peers[id] = p
		discovered = true
	} else if p.State == Disconnected {
		p.State = Discovered
		p.RetryCount++
		discovered = true
	}

	p.LastSeen = now
	if role == 0 || link == "" {
		return p, discovered
	}

	p.Role |= role
	p.setLink(role, link)
	r.arbitrate(p, role)
	return p, discovered
}

// arbitrate picks the canonical link when role has just been attached to p.
func (r *Registry) arbitrate(p *Peer, added Role) {
	switch {
	case p.Canonical == 0:
		p.Canonical = added
	case p.Canonical == added:
		// Same role reconnected; handle was replaced.
	case added == Central && p.Standby == 0:
		// Central wins when a peer becomes reachable both ways.
		p.Standby = p.Canonical
		p.Canonical = Central
	default:
		p.Standby = added
	}
}

// Advance moves id forward to state. Moving to Disconnected is always allowed and destroys
// the session; any other backwards move is rejected with ErrStateRegression.
func (r *Registry) Advance(id ID, state State) (*Peer, error) {
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id.Short())
	}
	if state == Disconnected {
		p.State = Disconnected
		p.destroySession()
		return p, nil
	}
	if p.State == Disconnected || state <= p.State {
		if state == p.State {
			return p, nil
		}
		return p, fmt.Errorf("%w: %s %s -> %s", ErrStateRegression, id.Short(), p.State, state)
	}
	p.State = state
	return p, nil
}

// AttachSession hands session ownership to the peer and advances it to KeyExchanged.
func (r *Registry) AttachSession(id ID, s Session) (*Peer, error) {
	p, err := r.Advance(id, KeyExchanged)
	if err != nil {
		return p, err
	}
	p.destroySession()
	p.Session = s
	return p, nil
}

// RemoveLink detaches the link for role. If it was canonical the standby is promoted.
// When the peer has no links left it becomes Disconnected. ok is false for unknown peers.
func (r *Registry) RemoveLink(id ID, role Role) (p *Peer, ok bool) {
	p, ok = r.peers[id]
	if !ok {
		return nil, false
	}
	p.setLink(role, "")
	p.Role &^= role

	switch role {
	case p.Canonical:
		p.Canonical, p.Standby = p.Standby, 0
	case p.Standby:
		p.Standby = 0
	}

	if p.Role == 0 {
		p.Canonical, p.Standby = 0, 0
		p.State = Disconnected
		p.destroySession()
	}
	return p, true
}

// Touch records activity for id.
func (r *Registry) Touch(id ID, now time.Time) {
	if p, ok := r.peers[id]; ok {
		p.LastSeen = now
	}
}

// Idle returns peers with no activity for at least ttl, oldest first.
func (r *Registry) Idle(now time.Time, ttl time.Duration) []ID {
	var idle []*Peer
	for _, p := range r.peers {
		if now.Sub(p.LastSeen) >= ttl {
			idle = append(idle, p)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastSeen.Before(idle[j].LastSeen) })

	ids := make([]ID, len(idle))
	for i, p := range idle {
		ids[i] = p.ID
	}
	return ids
}

// Evict removes a peer and destroys its session.
func (r *Registry) Evict(id ID) (Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	delete(r.peers, id)
	p.destroySession()
	return p.Clone(), true
}

// Snapshot copies every record, sorted by id, without session material.
func (r *Registry) Snapshot() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
