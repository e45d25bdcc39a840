package session

import (
	"context"
	"sync"
	"time"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/peer"
)

// linkState is everything tied to one adapter link. close is the only teardown path; it
// stops the writer and drops the adapter link, which in turn makes the driver report
// LinkDown.
type linkState struct {
	handle   string
	role     peer.Role
	link     ble.Link
	hint     *frame.Hint
	openedAt time.Time

	peerID       peer.ID // zero until the remote's Announce arrives
	sentAnnounce bool
	pending      [][]byte // frames received before the link was resolved

	queue     chan []byte
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// openLink creates the state for a new link and starts its writer. Writes happen on the
// writer goroutine, never on the actor; a failed write is reported through failed.
func openLink(parent context.Context, role peer.Role, l ble.Link, hint *frame.Hint, now time.Time, queue int, failed func(handle string, err error)) *linkState {
	ctx, cancel := context.WithCancel(parent)
	ls := &linkState{
		handle:   l.Handle(),
		role:     role,
		link:     l,
		hint:     hint,
		openedAt: now,
		queue:    make(chan []byte, queue),
		cancel:   cancel,
	}
	go ls.write(ctx, failed)
	return ls
}

func (ls *linkState) write(ctx context.Context, failed func(handle string, err error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-ls.queue:
			if err := ls.link.Write(b); err != nil {
				failed(ls.handle, err)
				return
			}
		}
	}
}

func (ls *linkState) resolved() bool {
	return !ls.peerID.IsZero()
}

// enqueue queues every frame or none of them.
func (ls *linkState) enqueue(frames [][]byte) error {
	if cap(ls.queue)-len(ls.queue) < len(frames) {
		return ErrSendQueueFull
	}
	for _, f := range frames {
		ls.queue <- f
	}
	return nil
}

// hold buffers a frame until the link is resolved, dropping the oldest beyond max.
func (ls *linkState) hold(data []byte, max int) (dropped bool) {
	if len(ls.pending) >= max {
		ls.pending = ls.pending[1:]
		dropped = true
	}
	ls.pending = append(ls.pending, data)
	return dropped
}

func (ls *linkState) close() error {
	var err error
	ls.closeOnce.Do(func() {
		ls.cancel()
		ls.pending = nil
		err = ls.link.Close()
	})
	return err
}
