// Package session is the coordinator the host application talks to. A Node runs both BLE
// roles at once, drives the Announce/KeyExchange handshake with every peer it meets, and
// sends and receives encrypted, chunked messages over whichever link currently reaches
// each peer.
//
// All peer, handshake, reassembly and link state is owned by one actor goroutine. Role
// drivers and host calls reach it through channels; host callbacks are delivered in order
// on a separate dispatcher goroutine, so a callback may call back into the Node.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/central"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/handshake"
	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
	"github.com/user/blepeer/peripheral"
)

// Node is one local device on the mesh.
type Node struct {
	cfg      Config
	id       peer.ID
	identity *handshake.Identity
	name     string
	clock    clock.Clock

	central    *central.Driver
	peripheral *peripheral.Driver

	// Host callbacks, fixed at construction.
	onDiscovered func(peer.ID, *peer.Digest)
	onMessage    func(peer.ID, []byte)
	onState      func(peer.ID, peer.State)
	onError      func(peer.ID, error)

	events   chan event
	requests chan request
	notify   *dispatcher

	ctx       context.Context // parent of every driver and link writer
	cancel    context.CancelFunc
	closed    chan struct{} // closed when Close starts
	loopDone  chan struct{} // closed when the actor exits
	stopped   chan struct{} // closed when Run returns
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error // link teardown errors, written by the actor before loopDone

	// Actor-owned state. Touched only from the actor goroutine.
	registry    *peer.Registry
	engine      *handshake.Engine
	reassembler *frame.Reassembler
	links       map[string]*linkState
	early       *expirable.LRU[peer.ID, []frame.Result] // data that beat its key exchange
	seq         uint32                                  // one counter for every outbound frame, so (id, seq) never repeats
}

type request struct {
	fn    func() error
	reply chan error
}

// New creates a node over the given adapters. The node does nothing until Run is called.
func New(cfg Config, c ble.Central, p ble.Peripheral, opts ...Option) (*Node, error) {
	cfg.applyDefaults()

	identity := cfg.Identity
	if identity == nil {
		var err error
		if identity, err = handshake.NewIdentity(); err != nil {
			return nil, fmt.Errorf("session: generate identity: %w", err)
		}
	}
	id := cfg.PeerID
	if id.IsZero() {
		id = peer.NewID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		id:       id,
		identity: identity,
		events:   make(chan event, 1024),
		requests: make(chan request),
		notify:   newDispatcher(),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
		registry: peer.NewRegistry(),
		links:    make(map[string]*linkState),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if n.name == "" {
		n.name = id.Short()
	}

	n.engine = handshake.NewEngine(id, cfg.Nickname, identity, cfg.HandshakeTimeout, n.clock)
	n.reassembler = frame.NewReassembler(n.name, cfg.Reassembly, n.clock)
	n.early = expirable.NewLRU[peer.ID, []frame.Result](maxEarlyPeers, nil, cfg.HandshakeTimeout)

	s := sink{n}
	n.central = central.New(id, c, s, cfg.Central, n.clock)
	n.peripheral = peripheral.New(p, s, cfg.Central.ServiceUUID)
	return n, nil
}

// ID returns the local peer id.
func (n *Node) ID() peer.ID {
	return n.id
}

// Digest returns the digest of the local public key, as advertised.
func (n *Node) Digest() peer.Digest {
	return n.identity.Digest()
}

func (n *Node) prefix() string {
	return n.name + " Session"
}

// Run processes events until ctx is done or Close is called. It may be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(n.stopped)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(n.loopDone)
		return n.loop(gctx)
	})
	g.Go(func() error {
		n.notify.run(n.loopDone)
		return nil
	})
	return g.Wait()
}

// call runs fn on the actor and waits for its result.
func (n *Node) call(fn func() error) error {
	if !n.started.Load() {
		return ErrNotRunning
	}
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case n.requests <- req:
	case <-n.loopDone:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-n.loopDone:
		return ErrClosed
	}
}

// StartScanning starts the central role. Discovered peripherals are connected and
// handshaken automatically.
func (n *Node) StartScanning() error {
	select {
	case <-n.closed:
		return ErrClosed
	default:
	}
	return n.central.Start(n.ctx)
}

// StopScanning stops discovery. Existing links and sessions are kept.
func (n *Node) StopScanning() {
	n.central.Stop()
}

// IsScanning reports whether the central role is scanning.
func (n *Node) IsScanning() bool {
	return n.central.IsScanning()
}

// StartPeripheralService advertises the node under nickname and accepts connections.
func (n *Node) StartPeripheralService(nickname string) error {
	if err := n.call(func() error {
		n.engine.SetNickname(nickname)
		return nil
	}); err != nil {
		return err
	}
	return n.peripheral.Start(n.ctx, n.id, nickname, n.identity.Digest())
}

// StopPeripheralService stops advertising and drops every link that reached us through
// it. Peers still reachable through the central role keep their sessions.
func (n *Node) StopPeripheralService() error {
	return n.peripheral.Stop()
}

// IsAdvertising reports whether the peripheral service is running.
func (n *Node) IsAdvertising() bool {
	return n.peripheral.IsAdvertising()
}

// SendAnnounce re-sends our Announce to every peer that has not finished the handshake.
func (n *Node) SendAnnounce() error {
	return n.call(func() error {
		n.announceAll()
		return nil
	})
}

// SendKeyExchange sends our public key to every peer whose Announce we hold but whose
// handshake has not completed.
func (n *Node) SendKeyExchange() error {
	return n.call(func() error {
		n.keyExchangeAll()
		return nil
	})
}

// SendMessage encrypts payload for id and queues it on the peer's canonical link. It
// returns as soon as the frames are queued; write failures surface later through the
// error handler. Failures detected here are *SendError.
func (n *Node) SendMessage(id peer.ID, payload []byte) error {
	return n.call(func() error {
		return n.send(id, payload)
	})
}

// Broadcast sends payload to every peer holding a session. Per-peer failures are combined.
func (n *Node) Broadcast(payload []byte) error {
	return n.call(func() error {
		var errs error
		for _, p := range n.registry.Snapshot() {
			if p.State.HasSession() {
				errs = multierr.Append(errs, n.send(p.ID, payload))
			}
		}
		return errs
	})
}

// Disconnect drops every link to id and forgets it.
func (n *Node) Disconnect(id peer.ID) error {
	return n.call(func() error {
		if _, ok := n.registry.Get(id); !ok {
			return &SendError{PeerID: id, Err: ErrPeerNotConnected}
		}
		n.forget(id, "disconnect requested")
		return nil
	})
}

// Peers returns a snapshot of every known peer. Session keys are never included.
func (n *Node) Peers() []peer.Peer {
	var out []peer.Peer
	if err := n.call(func() error {
		out = n.registry.Snapshot()
		return nil
	}); err != nil {
		return nil
	}
	return out
}

// Peer returns a snapshot of one peer.
func (n *Node) Peer(id peer.ID) (peer.Peer, bool) {
	for _, p := range n.Peers() {
		if p.ID == id {
			return p, true
		}
	}
	return peer.Peer{}, false
}

// Close stops both roles, drops every link and waits for Run to return.
func (n *Node) Close() error {
	var errs error
	n.closeOnce.Do(func() {
		close(n.closed)
		n.central.Stop()
		errs = multierr.Append(errs, n.peripheral.Stop())
		n.cancel()
		if n.started.Load() {
			<-n.stopped
			errs = multierr.Append(errs, n.closeErr)
		}
		logger.Info(n.prefix(), "closed")
	})
	return errs
}
