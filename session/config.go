package session

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/blepeer/central"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/handshake"
	"github.com/user/blepeer/peer"
)

// Config configures a Node.
type Config struct {
	PeerID   peer.ID             // zero: a random id is generated
	Nickname string              // carried in Announce and the advertisement local name
	Identity *handshake.Identity // nil: a fresh key pair is generated

	HandshakeTimeout time.Duration // Announce to completed key exchange. Default: 10s
	IdleTimeout      time.Duration // evict peers with no traffic. Default: 5m
	SweepInterval    time.Duration // how often timers are checked. Default: 1s

	SendQueue     int // frames queued per link before sends fail fast. Default: 512
	PendingFrames int // frames held for a link before its Announce. Default: 64

	Reassembly frame.Config
	Central    central.Config // zero fields take central.DefaultConfig values
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: handshake.DefaultTimeout,
		IdleTimeout:      5 * time.Minute,
		SweepInterval:    time.Second,
		SendQueue:        512,
		PendingFrames:    64,
		Reassembly:       frame.DefaultConfig(),
		Central:          central.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.PendingFrames <= 0 {
		c.PendingFrames = def.PendingFrames
	}
}

// Option customises a Node.
type Option func(*Node)

// WithPeerDiscovered is called once per peer reaching Discovered, whichever role found it.
// digest is nil when the peer did not advertise one.
func WithPeerDiscovered(fn func(id peer.ID, digest *peer.Digest)) Option {
	return func(n *Node) { n.onDiscovered = fn }
}

// WithMessageReceived is called once per reassembled, decrypted, deduplicated message.
func WithMessageReceived(fn func(id peer.ID, payload []byte)) Option {
	return func(n *Node) { n.onMessage = fn }
}

// WithPeerStateChanged is called on every peer state transition.
func WithPeerStateChanged(fn func(id peer.ID, state peer.State)) Option {
	return func(n *Node) { n.onState = fn }
}

// WithErrorHandler receives per-peer failures: handshake timeouts, malformed frames,
// authentication failures, write errors. id is zero when the peer is not yet known.
func WithErrorHandler(fn func(id peer.ID, err error)) Option {
	return func(n *Node) { n.onError = fn }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(n *Node) { n.clock = clk }
}

// WithName sets the log prefix. Defaults to the short peer id.
func WithName(name string) Option {
	return func(n *Node) { n.name = name }
}
