package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/handshake"
	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
)

// maxEarlyData bounds data messages held for a peer whose key exchange is still finishing.
// They can overtake the last KeyExchange when the peer sends on a different link.
const maxEarlyData = 16

// maxEarlyPeers bounds how many peers may have early data held at once.
const maxEarlyPeers = 64

type event any

type linkUpEvent struct {
	role peer.Role
	link ble.Link
	hint *frame.Hint
}

type inboundEvent struct {
	handle string
	data   []byte
}

type linkDownEvent struct {
	handle string
	err    error
}

type writeFailedEvent struct {
	handle string
	err    error
}

// sink is what the role drivers see of the node. Every method only enqueues.
type sink struct{ n *Node }

func (s sink) LinkUp(role peer.Role, link ble.Link, hint *frame.Hint) {
	s.n.post(linkUpEvent{role: role, link: link, hint: hint})
}

func (s sink) Inbound(handle string, data []byte) {
	s.n.post(inboundEvent{handle: handle, data: data})
}

func (s sink) LinkDown(handle string, err error) {
	s.n.post(linkDownEvent{handle: handle, err: err})
}

func (n *Node) post(ev event) {
	select {
	case n.events <- ev:
	case <-n.closed:
		discard(ev)
	case <-n.loopDone:
		discard(ev)
	}
}

// discard releases whatever an unprocessed event owns.
func discard(ev event) {
	if up, ok := ev.(linkUpEvent); ok {
		up.link.Close()
	}
}

func (n *Node) loop(ctx context.Context) error {
	ticker := n.clock.Ticker(n.cfg.SweepInterval)
	defer ticker.Stop()
	defer n.teardown()

	logger.Info(n.prefix(), "running as %s (digest %s)", n.id, n.identity.Digest())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closed:
			return nil
		case ev := <-n.events:
			n.handle(ev)
		case req := <-n.requests:
			req.reply <- req.fn()
		case <-ticker.C:
			n.sweep()
		}
	}
}

func (n *Node) handle(ev event) {
	switch ev := ev.(type) {
	case linkUpEvent:
		n.linkUp(ev)
	case inboundEvent:
		n.inbound(ev.handle, ev.data)
	case linkDownEvent:
		n.linkDown(ev.handle, ev.err)
	case writeFailedEvent:
		n.writeFailed(ev.handle, ev.err)
	}
}

// teardown runs as the actor exits: every link is dropped and every session wiped.
func (n *Node) teardown() {
	var errs error
	for handle, ls := range n.links {
		errs = multierr.Append(errs, ls.close())
		delete(n.links, handle)
	}
	for _, p := range n.registry.Snapshot() {
		n.registry.Evict(p.ID)
	}
	for {
		select {
		case ev := <-n.events:
			discard(ev)
		default:
			n.closeErr = errs
			return
		}
	}
}

func (n *Node) nextSeq() uint32 {
	n.seq++
	return n.seq
}

func (n *Node) reportError(id peer.ID, err error) {
	logger.Warn(n.prefix(), "peer %s: %v", id.Short(), err)
	if n.onError != nil {
		fn := n.onError
		n.notify.post(func() { fn(id, err) })
	}
}

func (n *Node) stateChanged(id peer.ID, prev, next peer.State) {
	if prev == next {
		return
	}
	if prev == 0 {
		logger.Info(n.prefix(), "peer %s: %s", id.Short(), next)
	} else {
		logger.Info(n.prefix(), "peer %s: %s -> %s", id.Short(), prev, next)
	}
	if p, ok := n.registry.Get(id); ok {
		logger.TraceJSON(n.prefix(), "peer "+id.Short(), p.Clone())
	}
	if n.onState != nil {
		fn := n.onState
		n.notify.post(func() { fn(id, next) })
	}
}

func (n *Node) linkUp(ev linkUpEvent) {
	handle, mtu := ev.link.Handle(), ev.link.MTU()
	if frame.MaxChunkSize(mtu) <= 0 {
		logger.Warn(n.prefix(), "link %s mtu %d cannot carry a frame header, dropping", handle, mtu)
		ev.link.Close()
		return
	}

	ls := openLink(n.ctx, ev.role, ev.link, ev.hint, n.clock.Now(), n.cfg.SendQueue, func(h string, err error) {
		n.post(writeFailedEvent{handle: h, err: err})
	})
	n.links[handle] = ls
	logger.Info(n.prefix(), "%s link %s up to %s (mtu=%d)", ev.role, handle, ev.link.Address(), mtu)

	// The connecting side speaks first.
	if ev.role == peer.Central {
		n.sendAnnounce(ls)
	}
}

func (n *Node) sendFrame(ls *linkState, typ frame.Type, payload []byte) error {
	seq := n.nextSeq()
	frames, err := frame.EncodeBytes(typ, n.id, seq, payload, frame.MaxChunkSize(ls.link.MTU()))
	if err != nil {
		return err
	}
	if err := ls.enqueue(frames); err != nil {
		return err
	}
	logger.Trace(n.prefix(), "queued %s seq %d (%d frames) on %s", typ, seq, len(frames), ls.handle)
	return nil
}

func (n *Node) sendAnnounce(ls *linkState) {
	if err := n.sendFrame(ls, frame.TypeAnnounce, n.engine.Announce().Marshal()); err != nil {
		n.reportError(ls.peerID, fmt.Errorf("session: announce on %s: %w", ls.handle, err))
		return
	}
	ls.sentAnnounce = true
	if ls.resolved() {
		n.engine.MarkAnnounceSent(ls.peerID)
	}
	logger.Debug(n.prefix(), "announce sent on %s", ls.handle)
}

func (n *Node) sendKeyExchange(ls *linkState, id peer.ID) {
	if err := n.sendFrame(ls, frame.TypeKeyExchange, n.engine.KeyExchange().Marshal()); err != nil {
		n.reportError(id, fmt.Errorf("session: key exchange on %s: %w", ls.handle, err))
		return
	}
	n.engine.MarkKeyExchangeSent(id)
	logger.Debug(n.prefix(), "key exchange sent to %s on %s", id.Short(), ls.handle)
}

func (n *Node) inbound(handle string, data []byte) {
	ls, ok := n.links[handle]
	if !ok {
		return
	}
	f, err := frame.Unmarshal(data)
	if err != nil {
		n.reportError(ls.peerID, err)
		return
	}
	if f.PeerID == n.id {
		return
	}

	if !ls.resolved() {
		// Only an Announce can tell us who is on the other end.
		if f.Type != frame.TypeAnnounce {
			if ls.hold(data, n.cfg.PendingFrames) {
				logger.Warn(n.prefix(), "link %s: too many frames before announce, dropped oldest", handle)
			}
			return
		}
	} else if f.PeerID != ls.peerID {
		n.reportError(ls.peerID, fmt.Errorf("%w: frame from %s on link %s", frame.ErrMalformedFrame, f.PeerID.Short(), handle))
		return
	}
	n.ingest(ls, f)
}

func (n *Node) ingest(ls *linkState, f *frame.Frame) {
	res, err := n.reassembler.Add(f)
	if err != nil {
		n.reportError(f.PeerID, err)
		return
	}
	if res.Status != frame.Complete {
		return
	}
	switch res.Type {
	case frame.TypeAnnounce:
		n.onAnnounce(ls, res)
	case frame.TypeKeyExchange:
		n.onKeyExchange(ls, res)
	case frame.TypeData:
		n.onData(res)
	}
}

func (n *Node) onAnnounce(ls *linkState, res frame.Result) {
	id := res.PeerID
	a, err := handshake.UnmarshalAnnounce(res.Payload)
	if err != nil {
		n.reportError(id, err)
		return
	}
	if a.PeerID != id {
		n.reportError(id, fmt.Errorf("%w: announce for %s", handshake.ErrPeerMismatch, a.PeerID.Short()))
		return
	}
	logger.DebugJSON(n.prefix(), "announce from "+id.Short(), a)

	if !ls.resolved() {
		n.resolve(ls, id, a)
	}
	p, ok := n.registry.Get(id)
	if !ok {
		return
	}
	if a.Nickname != "" {
		p.Nickname = a.Nickname
	}
	if !a.Digest.IsZero() {
		p.Digest = a.Digest
	}
	if prev := p.State; prev == peer.Discovered {
		if _, err := n.registry.Advance(id, peer.Announced); err == nil {
			n.stateChanged(id, prev, peer.Announced)
		}
	}

	if ls.sentAnnounce {
		n.engine.MarkAnnounceSent(id)
	}
	out, err := n.engine.OnAnnounce(id, a)
	if err != nil {
		n.handshakeFailed(id, err)
		return
	}
	// Every link gets our Announce once, so the far end can resolve it too.
	if !ls.sentAnnounce {
		n.sendAnnounce(ls)
	}
	if out.Action.Has(handshake.SendKeyExchange) {
		n.sendKeyExchange(ls, id)
	}
	if out.Session != nil {
		n.attach(id, out.Session)
	}
	n.replay(ls)
}

// resolve binds ls to id and records the discovery.
func (n *Node) resolve(ls *linkState, id peer.ID, a *handshake.Announce) {
	ls.peerID = id
	if ls.hint != nil && ls.hint.PeerID != id {
		logger.Warn(n.prefix(), "link %s advertised %s but announced %s", ls.handle, ls.hint.PeerID.Short(), id.Short())
	}

	var prev peer.State
	if p, ok := n.registry.Get(id); ok {
		prev = p.State
		// A newer link for the same role replaces the old one.
		if old := p.Link(ls.role); old != "" && old != ls.handle {
			if ols, ok := n.links[old]; ok {
				logger.Debug(n.prefix(), "link %s supersedes %s for %s", ls.handle, old, id.Short())
				ols.close()
			}
		}
	}

	p, discovered := n.registry.Upsert(id, ls.role, ls.handle, n.clock.Now())
	logger.Debug(n.prefix(), "link %s is %s (%s, canonical %s)", ls.handle, id.Short(), p.Role, p.Canonical)
	if !discovered {
		return
	}

	digest := a.Digest
	if digest.IsZero() && ls.hint != nil && ls.hint.PeerID == id {
		digest = ls.hint.Digest
	}
	var dp *peer.Digest
	if !digest.IsZero() {
		p.Digest = digest
		d := digest
		dp = &d
	}
	logger.Info(n.prefix(), "discovered %s %q via %s", id.Short(), a.Nickname, ls.role)
	if n.onDiscovered != nil {
		fn := n.onDiscovered
		n.notify.post(func() { fn(id, dp) })
	}
	n.stateChanged(id, prev, peer.Discovered)
}

// replay feeds frames held before resolution back through the normal path.
func (n *Node) replay(ls *linkState) {
	held := ls.pending
	ls.pending = nil
	for _, data := range held {
		n.inbound(ls.handle, data)
	}
}

func (n *Node) onKeyExchange(ls *linkState, res frame.Result) {
	id := res.PeerID
	kx, err := handshake.UnmarshalKeyExchange(res.Payload)
	if err != nil {
		n.reportError(id, err)
		return
	}
	out, err := n.engine.OnKeyExchange(id, kx)
	if err != nil {
		n.handshakeFailed(id, err)
		return
	}
	if out.Action.Has(handshake.SendKeyExchange) {
		n.sendKeyExchange(ls, id)
	}
	if out.Session != nil {
		n.attach(id, out.Session)
	}
}

// handshakeFailed reports err and, unless the message was merely misaddressed, drops the
// peer. The engine has already forgotten the attempt, so a later link starts over.
func (n *Node) handshakeFailed(id peer.ID, err error) {
	n.reportError(id, err)
	if errors.Is(err, handshake.ErrPeerMismatch) {
		return
	}
	n.disconnect(id)
}

func (n *Node) attach(id peer.ID, s *handshake.Session) {
	p, ok := n.registry.Get(id)
	if !ok {
		s.Wipe()
		return
	}
	prev := p.State
	if _, err := n.registry.AttachSession(id, s); err != nil {
		s.Wipe()
		n.reportError(id, err)
		return
	}
	n.stateChanged(id, prev, peer.KeyExchanged)

	early, _ := n.early.Get(id)
	n.early.Remove(id)
	for _, res := range early {
		n.onData(res)
	}
}

func (n *Node) onData(res frame.Result) {
	id := res.PeerID
	p, ok := n.registry.Get(id)
	if !ok {
		return
	}
	s, _ := p.Session.(*handshake.Session)
	if s == nil {
		if held, _ := n.early.Get(id); n.engine.Pending(id) && len(held) < maxEarlyData {
			n.early.Add(id, append(held, res))
			return
		}
		logger.Debug(n.prefix(), "data from %s without a session, dropped", id.Short())
		return
	}

	pt, err := s.Open(res.Sequence, res.Payload)
	if err != nil {
		n.reportError(id, err)
		return
	}
	// Accept rejects anything this session already delivered, whichever link it came in on.
	if !s.Accept(res.Sequence) {
		logger.Debug(n.prefix(), "replayed seq %d from %s", res.Sequence, id.Short())
		return
	}
	n.registry.Touch(id, n.clock.Now())

	if prev := p.State; prev == peer.KeyExchanged {
		if _, err := n.registry.Advance(id, peer.Connected); err == nil {
			n.stateChanged(id, prev, peer.Connected)
		}
	}
	logger.Debug(n.prefix(), "message from %s: %d bytes (seq %d)", id.Short(), len(pt), res.Sequence)
	if n.onMessage != nil {
		fn := n.onMessage
		n.notify.post(func() { fn(id, pt) })
	}
}

func (n *Node) linkDown(handle string, err error) {
	ls, ok := n.links[handle]
	if !ok {
		return
	}
	delete(n.links, handle)
	ls.close()
	if err != nil {
		logger.Info(n.prefix(), "link %s down: %v", handle, err)
	} else {
		logger.Info(n.prefix(), "link %s down", handle)
	}
	if !ls.resolved() {
		return
	}

	id := ls.peerID
	p, ok := n.registry.Get(id)
	if !ok || p.Link(ls.role) != handle {
		return
	}
	prev := p.State
	p, _ = n.registry.RemoveLink(id, ls.role)
	if p.State == peer.Disconnected {
		n.release(id)
	}
	n.stateChanged(id, prev, p.State)
}

func (n *Node) writeFailed(handle string, err error) {
	ls, ok := n.links[handle]
	if !ok {
		return
	}
	if !errors.Is(err, ble.ErrLinkClosed) {
		n.reportError(ls.peerID, fmt.Errorf("session: write on %s: %w", handle, err))
	}
	ls.close()
}

// release frees per-peer protocol state once the peer has no links.
func (n *Node) release(id peer.ID) {
	n.reassembler.DropPeer(id)
	n.engine.Reset(id)
	n.early.Remove(id)
}

// closeLinks closes every link to id; the drivers report them down afterwards.
func (n *Node) closeLinks(id peer.ID) {
	for _, ls := range n.links {
		if ls.peerID == id {
			ls.close()
		}
	}
}

// disconnect moves id to Disconnected and drops its links, keeping the record so a later
// link revives it.
func (n *Node) disconnect(id peer.ID) {
	p, ok := n.registry.Get(id)
	if !ok {
		return
	}
	prev := p.State
	n.registry.Advance(id, peer.Disconnected)
	n.closeLinks(id)
	n.release(id)
	n.stateChanged(id, prev, peer.Disconnected)
}

// forget drops the links to id and removes its record.
func (n *Node) forget(id peer.ID, reason string) {
	p, ok := n.registry.Get(id)
	if !ok {
		return
	}
	prev := p.State
	n.closeLinks(id)
	n.registry.Evict(id)
	n.release(id)
	logger.Info(n.prefix(), "forgot %s: %s", id.Short(), reason)
	if prev != peer.Disconnected && n.onState != nil {
		fn := n.onState
		n.notify.post(func() { fn(id, peer.Disconnected) })
	}
}

func (n *Node) sweep() {
	now := n.clock.Now()
	n.reassembler.Expire()

	for _, id := range n.engine.Expire() {
		n.reportError(id, fmt.Errorf("%w: peer %s", handshake.ErrHandshakeTimeout, id.Short()))
		n.disconnect(id)
	}

	for _, ls := range n.links {
		if !ls.resolved() && now.Sub(ls.openedAt) >= n.cfg.HandshakeTimeout {
			n.reportError(peer.ID{}, fmt.Errorf("%w: no announce on link %s", handshake.ErrHandshakeTimeout, ls.handle))
			ls.close()
		}
	}

	for _, id := range n.registry.Idle(now, n.cfg.IdleTimeout) {
		n.forget(id, "idle")
	}
}

func (n *Node) announceAll() {
	for _, ls := range n.links {
		if ls.resolved() {
			if p, ok := n.registry.Get(ls.peerID); ok && p.State.HasSession() {
				continue
			}
		}
		n.sendAnnounce(ls)
	}
}

func (n *Node) keyExchangeAll() {
	for _, p := range n.registry.Snapshot() {
		if p.State != peer.Announced {
			continue
		}
		if ls, ok := n.links[p.CanonicalLink()]; ok {
			n.sendKeyExchange(ls, p.ID)
		}
	}
}

func (n *Node) send(id peer.ID, payload []byte) error {
	p, ok := n.registry.Get(id)
	if !ok || !p.State.HasSession() {
		return &SendError{PeerID: id, Err: ErrPeerNotConnected}
	}
	s, _ := p.Session.(*handshake.Session)
	ls, ok := n.links[p.CanonicalLink()]
	if s == nil || !ok {
		return &SendError{PeerID: id, Err: ErrPeerNotConnected}
	}

	seq := n.nextSeq()
	sealed, err := s.Seal(seq, payload)
	if err != nil {
		return &SendError{PeerID: id, Err: err}
	}
	frames, err := frame.EncodeBytes(frame.TypeData, n.id, seq, sealed, frame.MaxChunkSize(ls.link.MTU()))
	if err != nil {
		return &SendError{PeerID: id, Err: fmt.Errorf("%w: %v", ErrMessageTooLarge, err)}
	}
	if err := ls.enqueue(frames); err != nil {
		return &SendError{PeerID: id, Err: err}
	}
	n.registry.Touch(id, n.clock.Now())
	logger.Debug(n.prefix(), "queued %d bytes for %s as %d frames on %s", len(payload), id.Short(), len(frames), ls.handle)
	return nil
}
