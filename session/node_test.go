package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/handshake"
	"github.com/user/blepeer/peer"
	"github.com/user/blepeer/wire"
)

const waitFor = 3 * time.Second

type received struct {
	from    peer.ID
	payload []byte
}

// harness is one running node on a simulated radio, recording every callback.
type harness struct {
	t    *testing.T
	name string
	dev  *wire.Device
	node *Node

	mu         sync.Mutex
	discovered []peer.ID
	digests    []*peer.Digest
	messages   []received
	states     map[peer.ID][]peer.State
	errs       []error
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	central    ble.Central
	peripheral ble.Peripheral
	clock      clock.Clock
	mtu        int
}

func withCentral(wrap func(ble.Central) ble.Central) harnessOption {
	return func(c *harnessConfig) { c.central = wrap(c.central) }
}

func withPeripheral(wrap func(ble.Peripheral) ble.Peripheral) harnessOption {
	return func(c *harnessConfig) { c.peripheral = wrap(c.peripheral) }
}

func withMockClock(clk clock.Clock) harnessOption {
	return func(c *harnessConfig) { c.clock = clk }
}

func withMTU(mtu int) harnessOption {
	return func(c *harnessConfig) { c.mtu = mtu }
}

func newHarness(t *testing.T, radio *wire.Radio, name string, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{t: t, name: name, dev: radio.NewDevice(name), states: make(map[peer.ID][]peer.State)}

	hc := &harnessConfig{central: h.dev.Central(), peripheral: h.dev.Peripheral()}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.mtu > 0 {
		h.dev.SetMTU(hc.mtu)
	}

	cfg := DefaultConfig()
	cfg.Nickname = name
	nodeOpts := []Option{
		WithName(name),
		WithPeerDiscovered(func(id peer.ID, d *peer.Digest) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.discovered = append(h.discovered, id)
			h.digests = append(h.digests, d)
		}),
		WithMessageReceived(func(id peer.ID, payload []byte) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.messages = append(h.messages, received{id, payload})
		}),
		WithPeerStateChanged(func(id peer.ID, s peer.State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states[id] = append(h.states[id], s)
		}),
		WithErrorHandler(func(id peer.ID, err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		}),
	}
	if hc.clock != nil {
		nodeOpts = append(nodeOpts, WithClock(hc.clock))
	}

	n, err := New(cfg, hc.central, hc.peripheral, nodeOpts...)
	require.NoError(t, err)
	h.node = n

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	require.Eventually(t, n.started.Load, time.Second, time.Millisecond)

	t.Cleanup(func() {
		assert.NoError(t, n.Close())
		cancel()
		<-done
	})
	return h
}

func (h *harness) state(id peer.ID) peer.State {
	p, ok := h.node.Peer(id)
	if !ok {
		return 0
	}
	return p.State
}

func (h *harness) waitState(id peer.ID, want ...peer.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got := h.state(id)
		for _, s := range want {
			if got == s {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "%s: peer %s never reached %v", h.name, id.Short(), want)
}

func (h *harness) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *harness) message(i int) received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages[i]
}

func (h *harness) discoveredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.discovered)
}

func (h *harness) hasError(target error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, err := range h.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// pair starts a scanning and an advertising node and waits until both hold a session.
func pair(t *testing.T, radio *wire.Radio, scanner, advertiser *harness) {
	t.Helper()
	require.NoError(t, advertiser.node.StartPeripheralService(advertiser.name))
	require.NoError(t, scanner.node.StartScanning())
	scanner.waitState(advertiser.node.ID(), peer.KeyExchanged, peer.Connected)
	advertiser.waitState(scanner.node.ID(), peer.KeyExchanged, peer.Connected)
}

func perfectRadio() *wire.Radio {
	return wire.NewRadio(wire.PerfectSimulationConfig(), nil)
}

func TestNode_SendToUnknownPeerFailsFast(t *testing.T) {
	h := newHarness(t, perfectRadio(), "alice")

	start := time.Now()
	err := h.node.SendMessage(peer.NewID(), []byte("anyone there?"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.True(t, errors.Is(err, ErrPeerNotConnected))
	var se *SendError
	require.True(t, errors.As(err, &se))
}

func TestNode_NotRunning(t *testing.T) {
	dev := perfectRadio().NewDevice("idle")
	n, err := New(DefaultConfig(), dev.Central(), dev.Peripheral())
	require.NoError(t, err)
	assert.ErrorIs(t, n.SendMessage(peer.NewID(), nil), ErrNotRunning)
	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}

func TestNode_PeerIDFromConfigOnBothRoles(t *testing.T) {
	radio := perfectRadio()
	id := peer.NewID()
	dev := radio.NewDevice("fixed")
	cfg := DefaultConfig()
	cfg.PeerID = id
	fixed, err := New(cfg, dev.Central(), dev.Peripheral())
	require.NoError(t, err)
	assert.Equal(t, id, fixed.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fixed.Run(ctx)
	require.Eventually(t, fixed.started.Load, time.Second, time.Millisecond)
	defer fixed.Close()

	// Reached through either role, the node is known by the configured id.
	bob := newHarness(t, radio, "bob")
	require.NoError(t, fixed.StartPeripheralService("fixed"))
	require.NoError(t, fixed.StartScanning())
	require.NoError(t, bob.node.StartPeripheralService("bob"))
	require.NoError(t, bob.node.StartScanning())
	require.Eventually(t, func() bool {
		p, ok := bob.node.Peer(id)
		return ok && p.Role == peer.Both
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, bob.node.Peers(), 1)
}

func TestNode_HandshakeThenMessage(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	pair(t, radio, alice, bob)

	assert.Equal(t, 1, alice.discoveredCount())
	assert.Equal(t, 1, bob.discoveredCount())

	// Alice learns Bob's digest from his Announce; it matches his key.
	p, ok := alice.node.Peer(bob.node.ID())
	require.True(t, ok)
	assert.Equal(t, bob.node.Digest(), p.Digest)
	assert.Equal(t, "bob", p.Nickname)
	assert.Nil(t, p.Session, "snapshots never carry key material")

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("hello bob")))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	got := bob.message(0)
	assert.Equal(t, alice.node.ID(), got.from)
	assert.Equal(t, "hello bob", string(got.payload))
	bob.waitState(alice.node.ID(), peer.Connected)

	require.NoError(t, bob.node.SendMessage(alice.node.ID(), []byte("hi alice")))
	require.Eventually(t, func() bool { return alice.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "hi alice", string(alice.message(0).payload))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.messageCount(), "delivered exactly once")
}

func TestNode_LargeMessage(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice", withMTU(200))
	bob := newHarness(t, radio, "bob", withMTU(200))
	pair(t, radio, alice, bob)

	payload := make([]byte, 5000)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), payload))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, bytes.Equal(payload, bob.message(0).payload))
}

// reversingCentral holds every chunk of a multi-frame Data message and writes them last
// chunk first.
type reversingCentral struct {
	ble.Central
	mu     sync.Mutex
	chunks []int
}

func (r *reversingCentral) Connect(ctx context.Context, address string) (ble.Link, error) {
	l, err := r.Central.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	return &reversingLink{Link: l, owner: r}, nil
}

func (r *reversingCentral) totals() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.chunks...)
}

type reversingLink struct {
	ble.Link
	owner *reversingCentral
	held  [][]byte
}

func (l *reversingLink) Write(p []byte) error {
	f, err := frame.Unmarshal(p)
	if err != nil || f.Type != frame.TypeData || f.TotalChunks == 1 {
		return l.Link.Write(p)
	}
	l.held = append(l.held, append([]byte(nil), p...))
	if len(l.held) < int(f.TotalChunks) {
		return nil
	}
	held := l.held
	l.held = nil

	l.owner.mu.Lock()
	l.owner.chunks = append(l.owner.chunks, len(held))
	l.owner.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		if err := l.Link.Write(held[i]); err != nil {
			return err
		}
	}
	return nil
}

func TestNode_ReverseOrderChunksYieldOneMessage(t *testing.T) {
	radio := perfectRadio()
	rev := &reversingCentral{}
	alice := newHarness(t, radio, "alice", withMTU(200), withCentral(func(c ble.Central) ble.Central {
		rev.Central = c
		return rev
	}))
	bob := newHarness(t, radio, "bob", withMTU(200))
	pair(t, radio, alice, bob)

	payload := bytes.Repeat([]byte("0123456789"), 500)
	require.NoError(t, alice.node.SendMessage(bob.node.ID(), payload))

	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, payload, bob.message(0).payload)

	// 5000 bytes plus the 16-byte tag, at 200-27 bytes per chunk.
	chunk := frame.MaxChunkSize(200)
	assert.Equal(t, []int{(5000 + 16 + chunk - 1) / chunk}, rev.totals())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.messageCount())
}

func TestNode_DualRoleDiscoveredOnce(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	waitDualRole(t, alice, bob)

	assert.Equal(t, 1, alice.discoveredCount())
	assert.Equal(t, 1, bob.discoveredCount())
	assert.Len(t, alice.node.Peers(), 1)
	assert.Len(t, bob.node.Peers(), 1)

	p, _ := alice.node.Peer(bob.node.ID())
	assert.Equal(t, peer.Central, p.Canonical)
	assert.Equal(t, peer.Peripheral, p.Standby)

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("one")))
	require.NoError(t, bob.node.SendMessage(alice.node.ID(), []byte("two")))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 && alice.messageCount() == 1 }, waitFor, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, bob.messageCount())
	assert.Equal(t, 1, alice.messageCount())
}

// waitDualRole starts both roles on both nodes and waits until each holds one record with a
// session, reachable both ways.
func waitDualRole(t *testing.T, alice, bob *harness) {
	t.Helper()
	for _, h := range []*harness{alice, bob} {
		require.NoError(t, h.node.StartPeripheralService(h.name))
		require.NoError(t, h.node.StartScanning())
	}
	require.Eventually(t, func() bool {
		p, ok := alice.node.Peer(bob.node.ID())
		q, ok2 := bob.node.Peer(alice.node.ID())
		return ok && ok2 && p.Role == peer.Both && q.Role == peer.Both &&
			p.State.HasSession() && q.State.HasSession()
	}, waitFor, 5*time.Millisecond)
}

// capturingCentral remembers every link it dials.
type capturingCentral struct {
	ble.Central
	mu    sync.Mutex
	links []ble.Link
}

func (c *capturingCentral) Connect(ctx context.Context, address string) (ble.Link, error) {
	l, err := c.Central.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.links = append(c.links, l)
	c.mu.Unlock()
	return l, nil
}

func (c *capturingCentral) link(i int) ble.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[i]
}

func TestNode_StandbyLinkTakesOverWhenCanonicalDrops(t *testing.T) {
	radio := perfectRadio()
	cc := &capturingCentral{}
	alice := newHarness(t, radio, "alice", withCentral(func(c ble.Central) ble.Central {
		cc.Central = c
		return cc
	}))
	bob := newHarness(t, radio, "bob")
	waitDualRole(t, alice, bob)

	p, _ := alice.node.Peer(bob.node.ID())
	require.Equal(t, peer.Central, p.Canonical)

	// No redial, so only the peripheral link is left.
	alice.node.StopScanning()
	require.NoError(t, cc.link(0).Close())

	require.Eventually(t, func() bool {
		p, ok := alice.node.Peer(bob.node.ID())
		return ok && p.Role == peer.Peripheral && p.Canonical == peer.Peripheral
	}, waitFor, 5*time.Millisecond)
	p, _ = alice.node.Peer(bob.node.ID())
	assert.True(t, p.State.HasSession(), "the session survives the promotion")
	assert.Equal(t, 1, alice.discoveredCount())

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("over the standby")))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "over the standby", string(bob.message(0).payload))

	require.NoError(t, bob.node.SendMessage(alice.node.ID(), []byte("back")))
	require.Eventually(t, func() bool { return alice.messageCount() == 1 }, waitFor, 5*time.Millisecond)
}

// duplicatingCentral writes every Data frame twice and keeps a copy of each.
type duplicatingCentral struct {
	ble.Central
	mu   sync.Mutex
	sent [][]byte
}

func (d *duplicatingCentral) Connect(ctx context.Context, address string) (ble.Link, error) {
	l, err := d.Central.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	return &duplicatingLink{Link: l, owner: d}, nil
}

func (d *duplicatingCentral) dataFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

type duplicatingLink struct {
	ble.Link
	owner *duplicatingCentral
}

func (l *duplicatingLink) Write(p []byte) error {
	if err := l.Link.Write(p); err != nil {
		return err
	}
	if f, err := frame.Unmarshal(p); err != nil || f.Type != frame.TypeData {
		return nil
	}
	l.owner.mu.Lock()
	l.owner.sent = append(l.owner.sent, append([]byte(nil), p...))
	l.owner.mu.Unlock()
	return l.Link.Write(p)
}

// capturingPeripheral remembers every link it accepts.
type capturingPeripheral struct {
	ble.Peripheral
	mu    sync.Mutex
	links []ble.Link
}

func (c *capturingPeripheral) StartAdvertise(ctx context.Context, ad ble.Advertisement) (<-chan ble.Link, error) {
	in, err := c.Peripheral.StartAdvertise(ctx, ad)
	if err != nil {
		return nil, err
	}
	out := make(chan ble.Link)
	go func() {
		defer close(out)
		for l := range in {
			c.mu.Lock()
			c.links = append(c.links, l)
			c.mu.Unlock()
			out <- l
		}
	}()
	return out, nil
}

func (c *capturingPeripheral) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

func (c *capturingPeripheral) link(i int) ble.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[i]
}

func TestNode_RedeliveredDataOnEitherLinkIsDeliveredOnce(t *testing.T) {
	radio := perfectRadio()
	dup := &duplicatingCentral{}
	cp := &capturingPeripheral{}
	alice := newHarness(t, radio, "alice",
		withCentral(func(c ble.Central) ble.Central {
			dup.Central = c
			return dup
		}),
		withPeripheral(func(p ble.Peripheral) ble.Peripheral {
			cp.Peripheral = p
			return cp
		}))
	bob := newHarness(t, radio, "bob")
	waitDualRole(t, alice, bob)
	require.NotZero(t, cp.count())

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("exactly once")))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	sent := dup.dataFrames()
	require.NotEmpty(t, sent)

	// The same frames again, this time over the standby link.
	standby := cp.link(cp.count() - 1)
	for _, f := range sent {
		require.NoError(t, standby.Write(f))
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, bob.messageCount())
	assert.Equal(t, "exactly once", string(bob.message(0).payload))

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("and the next")))
	require.Eventually(t, func() bool { return bob.messageCount() == 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, bob.messageCount())
}

func TestNode_StopScanningKeepsSessions(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	pair(t, radio, alice, bob)

	assert.True(t, alice.node.IsScanning())
	alice.node.StopScanning()
	assert.False(t, alice.node.IsScanning())

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("still here")))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
}

func TestNode_StopPeripheralServiceDropsItsLinks(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	pair(t, radio, alice, bob)

	assert.True(t, bob.node.IsAdvertising())
	require.NoError(t, bob.node.StopPeripheralService())
	assert.False(t, bob.node.IsAdvertising())

	bob.waitState(alice.node.ID(), peer.Disconnected)
	alice.waitState(bob.node.ID(), peer.Disconnected)

	err := alice.node.SendMessage(bob.node.ID(), []byte("gone"))
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestNode_Broadcast(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	carol := newHarness(t, radio, "carol")
	require.NoError(t, carol.node.StartPeripheralService("carol"))
	pair(t, radio, alice, bob)
	alice.waitState(carol.node.ID(), peer.KeyExchanged)

	require.NoError(t, alice.node.Broadcast([]byte("all hands")))
	for _, h := range []*harness{bob, carol} {
		require.Eventually(t, func() bool { return h.messageCount() == 1 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, "all hands", string(h.message(0).payload))
	}
}

func TestNode_Disconnect(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	pair(t, radio, alice, bob)
	alice.node.StopScanning()

	require.NoError(t, alice.node.Disconnect(bob.node.ID()))
	_, ok := alice.node.Peer(bob.node.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, alice.node.SendMessage(bob.node.ID(), []byte("x")), ErrPeerNotConnected)
	assert.ErrorIs(t, alice.node.Disconnect(bob.node.ID()), ErrPeerNotConnected)

	bob.waitState(alice.node.ID(), peer.Disconnected)
}

func TestNode_CallbacksMayCallBack(t *testing.T) {
	radio := perfectRadio()
	bob := newHarness(t, radio, "bob")

	seen := make(chan int, 1)
	dev := radio.NewDevice("carol")
	var carol *Node
	carol, err := New(DefaultConfig(), dev.Central(), dev.Peripheral(),
		WithPeerDiscovered(func(peer.ID, *peer.Digest) {
			select {
			case seen <- len(carol.Peers()): // re-enters the node from a callback
			default:
			}
		}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go carol.Run(ctx)
	require.Eventually(t, carol.started.Load, time.Second, time.Millisecond)
	defer carol.Close()

	require.NoError(t, bob.node.StartPeripheralService("bob"))
	require.NoError(t, carol.StartScanning())
	select {
	case n := <-seen:
		assert.Equal(t, 1, n)
	case <-time.After(waitFor):
		t.Fatal("discovery callback never ran")
	}
}

// muteAnnounce sends an Announce over link and never follows up with a KeyExchange.
func muteAnnounce(t *testing.T, link ble.Link, id peer.ID, seq uint32) {
	t.Helper()
	ann := &handshake.Announce{PeerID: id, Nickname: "mute", ProtocolVersion: handshake.ProtocolVersion}
	frames, err := frame.EncodeBytes(frame.TypeAnnounce, id, seq, ann.Marshal(), frame.MaxChunkSize(link.MTU()))
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, link.Write(f))
	}
}

func TestNode_HandshakeTimeoutDisconnectsAndAllowsRetry(t *testing.T) {
	radio := perfectRadio()
	clk := clock.NewMock()
	alice := newHarness(t, radio, "alice", withMockClock(clk))
	require.NoError(t, alice.node.StartPeripheralService("alice"))

	mute := radio.NewDevice("mute")
	muteID := peer.NewID()
	ctx := context.Background()

	link, err := mute.Central().Connect(ctx, alice.dev.Address())
	require.NoError(t, err)
	muteAnnounce(t, link, muteID, 1)
	alice.waitState(muteID, peer.Announced)

	// Never stuck in Announced: time moves on and the peer is dropped.
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return alice.state(muteID) == peer.Disconnected
	}, waitFor, 10*time.Millisecond)
	assert.True(t, alice.hasError(handshake.ErrHandshakeTimeout))

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-link.Inbound():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, 5*time.Millisecond, "the stalled link is closed")

	// Retry-eligible: a fresh link revives the peer.
	link, err = mute.Central().Connect(ctx, alice.dev.Address())
	require.NoError(t, err)
	muteAnnounce(t, link, muteID, 2)
	alice.waitState(muteID, peer.Announced)
	require.Eventually(t, func() bool { return alice.discoveredCount() == 2 }, waitFor, 5*time.Millisecond)

	alice.mu.Lock()
	defer alice.mu.Unlock()
	assert.Equal(t, []peer.State{
		peer.Discovered, peer.Announced, peer.Disconnected, peer.Discovered, peer.Announced,
	}, alice.states[muteID])
}

func TestNode_InvalidKeyExchangeDisconnects(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	require.NoError(t, alice.node.StartPeripheralService("alice"))

	mute := radio.NewDevice("mute")
	muteID := peer.NewID()
	link, err := mute.Central().Connect(context.Background(), alice.dev.Address())
	require.NoError(t, err)
	muteAnnounce(t, link, muteID, 1)
	alice.waitState(muteID, peer.Announced)

	// The all-zero point is the right size but can never yield a shared secret.
	kx := &handshake.KeyExchange{PeerID: muteID, PublicKey: make([]byte, handshake.KeySize)}
	frames, err := frame.EncodeBytes(frame.TypeKeyExchange, muteID, 2, kx.Marshal(), frame.MaxChunkSize(link.MTU()))
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, link.Write(f))
	}

	// Well before the handshake timeout.
	alice.waitState(muteID, peer.Disconnected)
	assert.True(t, alice.hasError(handshake.ErrInvalidKey))
	assert.ErrorIs(t, alice.node.SendMessage(muteID, []byte("x")), ErrPeerNotConnected)

	// Retry-eligible: a fresh link starts over.
	link, err = mute.Central().Connect(context.Background(), alice.dev.Address())
	require.NoError(t, err)
	muteAnnounce(t, link, muteID, 3)
	alice.waitState(muteID, peer.Announced)
}

func TestNode_MalformedFrameIsReportedAndLinkSurvives(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	require.NoError(t, alice.node.StartPeripheralService("alice"))

	raw := radio.NewDevice("raw")
	link, err := raw.Central().Connect(context.Background(), alice.dev.Address())
	require.NoError(t, err)

	require.NoError(t, link.Write([]byte{0x01, 0x02}))
	require.Eventually(t, func() bool { return alice.hasError(frame.ErrMalformedFrame) }, waitFor, 5*time.Millisecond)

	rawID := peer.NewID()
	muteAnnounce(t, link, rawID, 1)
	alice.waitState(rawID, peer.Announced)
}

func TestNode_ManualHandshakeSendsAreHarmless(t *testing.T) {
	radio := perfectRadio()
	alice := newHarness(t, radio, "alice")
	bob := newHarness(t, radio, "bob")
	pair(t, radio, alice, bob)

	// Peers with a session are skipped; re-announcing must not reset them.
	require.NoError(t, alice.node.SendAnnounce())
	require.NoError(t, alice.node.SendKeyExchange())
	require.NoError(t, bob.node.SendAnnounce())

	require.NoError(t, alice.node.SendMessage(bob.node.ID(), []byte("after")))
	require.Eventually(t, func() bool { return bob.messageCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, alice.discoveredCount())
	assert.Equal(t, 1, bob.discoveredCount())
}
