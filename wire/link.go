package wire

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/logger"
)

const inboundBuffer = 256

// pipe is the shared state of both ends of one connection.
type pipe struct {
	mu        sync.RWMutex // writers hold RLock while sending; close takes Lock
	done      chan struct{}
	closeOnce sync.Once
	ends      [2]*link
}

// link is one end of a simulated connection. It implements ble.Link.
type link struct {
	handle  string
	address string // remote address as seen from this end
	mtu     int
	inbound chan []byte

	pipe  *pipe
	other *link
	owner *Device
	sim   *Simulator
	clock clock.Clock
}

func newPipe(sim *Simulator, clk clock.Clock, mtu int, central, periph *Device, n uint64) (*link, *link) {
	p := &pipe{done: make(chan struct{})}
	c := &link{
		handle:  handleName("c", central, n),
		address: periph.Address(),
		mtu:     mtu,
		inbound: make(chan []byte, inboundBuffer),
		pipe:    p,
		owner:   central,
		sim:     sim,
		clock:   clk,
	}
	pp := &link{
		handle:  handleName("p", periph, n),
		address: central.Address(),
		mtu:     mtu,
		inbound: make(chan []byte, inboundBuffer),
		pipe:    p,
		owner:   periph,
		sim:     sim,
		clock:   clk,
	}
	c.other, pp.other = pp, c
	p.ends = [2]*link{c, pp}
	return c, pp
}

func (l *link) Handle() string         { return l.handle }
func (l *link) Address() string        { return l.address }
func (l *link) MTU() int               { return l.mtu }
func (l *link) Inbound() <-chan []byte { return l.inbound }

func (l *link) closed() bool {
	select {
	case <-l.pipe.done:
		return true
	default:
		return false
	}
}

// Write delivers p to the other end. Lost writes are dropped without error, the way an
// unacknowledged notification would be.
func (l *link) Write(p []byte) error {
	if len(p) > l.mtu {
		return ble.ErrTooLarge
	}
	if l.closed() {
		return ble.ErrLinkClosed
	}
	if !l.sim.Deliver() {
		logger.Trace(l.owner.short(), "dropped %d bytes on %s", len(p), l.handle)
		return nil
	}

	data := append([]byte(nil), p...)
	if d := l.sim.ReorderDelay(); d > 0 {
		go func() {
			l.clock.Sleep(d)
			l.deliver(data)
		}()
		return nil
	}
	if !l.deliver(data) {
		return ble.ErrLinkClosed
	}
	return nil
}

func (l *link) deliver(data []byte) bool {
	l.pipe.mu.RLock()
	defer l.pipe.mu.RUnlock()
	if l.closed() {
		return false
	}
	select {
	case l.other.inbound <- data:
		return true
	case <-l.pipe.done:
		return false
	}
}

// Close tears down both ends. Safe to call more than once, from either end.
func (l *link) Close() error {
	p := l.pipe
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		for _, end := range p.ends {
			close(end.inbound)
		}
		p.mu.Unlock()

		for _, end := range p.ends {
			end.owner.forget(end)
		}
		logger.Debug(l.owner.short(), "link %s closed", l.handle)
	})
	return nil
}
