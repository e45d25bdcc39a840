package peer

import (
	"fmt"
	"time"
)

// Role records which BLE role(s) a peer was reached through.
type Role uint8

const (
	Central    Role = 1 << iota // We scanned and connected to them
	Peripheral                  // They connected to our advertisement
	Both       = Central | Peripheral
)

func (r Role) String() string {
	switch r {
	case 0:
		return "none"
	case Central:
		return "central"
	case Peripheral:
		return "peripheral"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Has reports whether r includes every bit of other.
func (r Role) Has(other Role) bool {
	return other != 0 && r&other == other
}

// State is a peer's position in the session lifecycle.
// Discovered < Announced < KeyExchanged < Connected; Disconnected is terminal until the
// peer is rediscovered.
type State uint8

const (
	Discovered State = iota + 1
	Announced
	KeyExchanged
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Announced:
		return "announced"
	case KeyExchanged:
		return "key-exchanged"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// HasSession reports whether a peer in this state holds session keys.
func (s State) HasSession() bool {
	return s == KeyExchanged || s == Connected
}

// Session is the key material a peer owns once it reaches KeyExchanged.
type Session interface {
	Key() []byte
	Wipe()
}

// Peer is the registry record for a remote device.
type Peer struct {
	ID       ID
	Nickname string
	Digest   Digest // zero when not yet known
	Role     Role
	State    State

	// Link handles per role. Canonical carries sends; Standby is promoted if it drops.
	CentralLink    string
	PeripheralLink string
	Canonical      Role
	Standby        Role

	Session    Session
	LastSeen   time.Time
	RetryCount int
}

// Link returns the link handle for a single role.
func (p *Peer) Link(role Role) string {
	switch role {
	case Central:
		return p.CentralLink
	case Peripheral:
		return p.PeripheralLink
	}
	return ""
}

// CanonicalLink returns the handle sends should use, or "" when the peer has no link.
func (p *Peer) CanonicalLink() string {
	return p.Link(p.Canonical)
}

func (p *Peer) setLink(role Role, handle string) {
	switch role {
	case Central:
		p.CentralLink = handle
	case Peripheral:
		p.PeripheralLink = handle
	}
}

func (p *Peer) destroySession() {
	if p.Session != nil {
		p.Session.Wipe()
		p.Session = nil
	}
}

// Clone returns a copy that does not share the session.
func (p *Peer) Clone() Peer {
	cp := *p
	cp.Session = nil
	return cp
}
