// Package peripheral runs the advertising/accepting half of the radio.
package peripheral

import (
	"context"
	"sync"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
)

// Sink receives link events from inbound connections.
type Sink interface {
	LinkUp(role peer.Role, link ble.Link, hint *frame.Hint)
	Inbound(handle string, data []byte)
	LinkDown(handle string, err error)
}

// Driver is the peripheral role. Every link it accepts belongs to the running service
// and is closed when the service stops.
type Driver struct {
	adapter     ble.Peripheral
	sink        Sink
	serviceUUID string

	mu      sync.Mutex
	local   peer.ID
	running bool
	cancel  context.CancelFunc
	links   map[string]ble.Link
	wg      sync.WaitGroup
}

// New creates a peripheral driver advertising serviceUUID (ble.ServiceUUID when empty).
func New(adapter ble.Peripheral, sink Sink, serviceUUID string) *Driver {
	if serviceUUID == "" {
		serviceUUID = ble.ServiceUUID
	}
	return &Driver{
		adapter:     adapter,
		sink:        sink,
		serviceUUID: serviceUUID,
		links:       make(map[string]ble.Link),
	}
}

func (d *Driver) prefix() string {
	return d.local.Short() + " Peripheral"
}

// IsAdvertising reports whether the service is running.
func (d *Driver) IsAdvertising() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start publishes the service and advertises it. It is a no-op when already running.
func (d *Driver) Start(ctx context.Context, id peer.ID, nickname string, digest peer.Digest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	svcCtx, cancel := context.WithCancel(ctx)
	incoming, err := d.adapter.StartAdvertise(svcCtx, ble.Advertisement{
		LocalName:   nickname,
		ServiceUUID: d.serviceUUID,
		ServiceData: frame.EncodeHint(frame.Hint{PeerID: id, Digest: digest}),
	})
	if err != nil {
		cancel()
		return err
	}
	d.local, d.running, d.cancel = id, true, cancel

	d.wg.Add(1)
	go d.accept(svcCtx, incoming)
	logger.Info(d.prefix(), "advertising as %q", nickname)
	return nil
}

func (d *Driver) accept(ctx context.Context, incoming <-chan ble.Link) {
	defer d.wg.Done()
	for link := range incoming {
		d.mu.Lock()
		if ctx.Err() != nil {
			d.mu.Unlock()
			link.Close()
			continue
		}
		d.links[link.Handle()] = link
		d.wg.Add(1)
		d.mu.Unlock()

		logger.Debug(d.prefix(), "central connected on %s from %s", link.Handle(), link.Address())
		d.sink.LinkUp(peer.Peripheral, link, nil)
		go d.forward(link)
	}
}

func (d *Driver) forward(link ble.Link) {
	defer d.wg.Done()
	for data := range link.Inbound() {
		d.sink.Inbound(link.Handle(), data)
	}
	d.sink.LinkDown(link.Handle(), nil)

	d.mu.Lock()
	delete(d.links, link.Handle())
	d.mu.Unlock()
	logger.Debug(d.prefix(), "link %s down", link.Handle())
}

// Stop stops advertising and disconnects every link accepted by the service. Links the
// central role opened are not affected. Stop returns once every accepted link has been
// reported down.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.running, d.cancel = false, nil
	links := make([]ble.Link, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	d.mu.Unlock()

	err := d.adapter.StopAdvertise()
	for _, l := range links {
		l.Close()
	}
	d.wg.Wait()
	logger.Info(d.prefix(), "service stopped, %d links closed", len(links))
	return err
}
