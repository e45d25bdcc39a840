// Package wire is an in-process BLE medium: devices advertise, scan, connect and exchange
// writes over channel pairs, with configurable MTU, latency, loss and reordering.
package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/logger"
)

var (
	ErrNotAdvertising   = errors.New("wire: address is not advertising")
	ErrConnectionFailed = errors.New("wire: connection failed")
)

// Radio is the shared air every Device talks over.
type Radio struct {
	sim   *Simulator
	clock clock.Clock

	mu          sync.Mutex
	advertisers map[string]*advertiser // address -> live advertiser
	nextLink    uint64
}

// NewRadio creates an empty medium. A nil config means DefaultSimulationConfig.
func NewRadio(config *SimulationConfig, clk clock.Clock) *Radio {
	if clk == nil {
		clk = clock.New()
	}
	return &Radio{
		sim:         NewSimulator(config),
		clock:       clk,
		advertisers: make(map[string]*advertiser),
	}
}

// Simulator exposes the radio's dice, mostly for tests.
func (r *Radio) Simulator() *Simulator {
	return r.sim
}

type advertiser struct {
	dev    *Device
	ad     ble.Advertisement
	accept chan ble.Link
	stop   chan struct{}
	once   sync.Once
}

func (a *advertiser) halt() {
	a.once.Do(func() { close(a.stop) })
}

// Device is one simulated handset: a central and a peripheral sharing an address.
type Device struct {
	radio *Radio
	name  string

	mu      sync.Mutex
	address string
	mtu     int
	adv     *advertiser
	links   map[*link]struct{}
}

// NewDevice attaches a device to the radio.
func (r *Radio) NewDevice(name string) *Device {
	return &Device{
		radio:   r,
		name:    name,
		address: newAddress(),
		mtu:     r.sim.config.DefaultMTU,
		links:   make(map[*link]struct{}),
	}
}

func newAddress() string {
	id := uuid.New()
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", id[0], id[1], id[2], id[3], id[4], id[5])
}

func handleName(role string, d *Device, n uint64) string {
	return fmt.Sprintf("%s/%s-%d", d.name, role, n)
}

func (d *Device) short() string {
	return d.name + " Wire"
}

// Name returns the label the device was created with.
func (d *Device) Name() string {
	return d.name
}

// Address returns the device's current link-layer address.
func (d *Device) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// SetMTU sets the MTU this device proposes during negotiation.
func (d *Device) SetMTU(mtu int) {
	d.mu.Lock()
	d.mtu = mtu
	d.mu.Unlock()
}

func (d *Device) proposedMTU() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

// RotateAddress gives the device a new link-layer address, as phones do for privacy.
// A running advertisement moves to the new address; established links are unaffected.
func (d *Device) RotateAddress() string {
	r := d.radio
	r.mu.Lock()
	d.mu.Lock()
	old := d.address
	d.address = newAddress()
	if d.adv != nil {
		delete(r.advertisers, old)
		d.adv.ad.Address = d.address
		r.advertisers[d.address] = d.adv
	}
	addr := d.address
	d.mu.Unlock()
	r.mu.Unlock()
	logger.Debug(d.short(), "address rotated %s -> %s", old, addr)
	return addr
}

// Links returns the number of open links this device holds, in either role.
func (d *Device) Links() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *Device) track(l *link) {
	d.mu.Lock()
	d.links[l] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) forget(l *link) {
	d.mu.Lock()
	delete(d.links, l)
	d.mu.Unlock()
}

// Close stops advertising and drops every link the device holds. Idempotent.
func (d *Device) Close() error {
	_ = d.Peripheral().StopAdvertise()
	d.mu.Lock()
	links := make([]*link, 0, len(d.links))
	for l := range d.links {
		links = append(links, l)
	}
	d.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
	return nil
}

// Central returns the device's central role.
func (d *Device) Central() ble.Central {
	return centralSide{d}
}

// Peripheral returns the device's peripheral role.
func (d *Device) Peripheral() ble.Peripheral {
	return peripheralSide{d}
}

type centralSide struct{ d *Device }

// Scan reports every other device's advertisement once per advertising interval.
func (c centralSide) Scan(ctx context.Context) (<-chan ble.Advertisement, error) {
	r := c.d.radio
	out := make(chan ble.Advertisement, 16)
	go func() {
		defer close(out)
		ticker := r.clock.Ticker(r.sim.AdvertisingInterval())
		defer ticker.Stop()
		for {
			for _, ad := range r.visible(c.d) {
				select {
				case out <- ad:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (r *Radio) visible(from *Device) []ble.Advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	ads := make([]ble.Advertisement, 0, len(r.advertisers))
	for _, a := range r.advertisers {
		if a.dev == from {
			continue
		}
		ad := a.ad
		ad.ServiceData = append([]byte(nil), a.ad.ServiceData...)
		ad.RSSI = r.sim.GenerateRSSI(2)
		ads = append(ads, ad)
	}
	return ads
}

// Connect dials the advertiser at address.
func (c centralSide) Connect(ctx context.Context, address string) (ble.Link, error) {
	r := c.d.radio

	if d := r.sim.ConnectionDelay(); d > 0 {
		t := r.clock.Timer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, &ble.ConnectError{Address: address, Err: ctx.Err()}
		}
	}

	r.mu.Lock()
	adv, ok := r.advertisers[address]
	r.nextLink++
	n := r.nextLink
	r.mu.Unlock()
	if !ok {
		return nil, &ble.ConnectError{Address: address, Err: ErrNotAdvertising}
	}
	if !r.sim.ShouldConnectionSucceed() {
		return nil, &ble.ConnectError{Address: address, Err: ErrConnectionFailed}
	}

	mtu := r.sim.NegotiatedMTU(c.d.proposedMTU(), adv.dev.proposedMTU())
	cl, pl := newPipe(r.sim, r.clock, mtu, c.d, adv.dev, n)
	c.d.track(cl)
	adv.dev.track(pl)

	select {
	case adv.accept <- pl:
	case <-adv.stop:
		cl.Close()
		return nil, &ble.ConnectError{Address: address, Err: ErrNotAdvertising}
	case <-ctx.Done():
		cl.Close()
		return nil, &ble.ConnectError{Address: address, Err: ctx.Err()}
	}
	logger.Debug(c.d.short(), "connected to %s as %s (mtu=%d)", address, cl.handle, mtu)
	return cl, nil
}

type peripheralSide struct{ d *Device }

// StartAdvertise puts ad on the air under the device's address.
func (p peripheralSide) StartAdvertise(ctx context.Context, ad ble.Advertisement) (<-chan ble.Link, error) {
	d, r := p.d, p.d.radio

	r.mu.Lock()
	d.mu.Lock()
	if d.adv != nil {
		d.mu.Unlock()
		r.mu.Unlock()
		return nil, ble.ErrAdvertising
	}
	ad.Address = d.address
	a := &advertiser{
		dev:    d,
		ad:     ad,
		accept: make(chan ble.Link),
		stop:   make(chan struct{}),
	}
	d.adv = a
	r.advertisers[d.address] = a
	d.mu.Unlock()
	r.mu.Unlock()

	out := make(chan ble.Link)
	go func() {
		defer close(out)
		defer p.retire(a)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case l := <-a.accept:
				select {
				case out <- l:
				case <-ctx.Done():
					l.Close()
					return
				case <-a.stop:
					l.Close()
					return
				}
			}
		}
	}()
	logger.Debug(d.short(), "advertising %q at %s", ad.LocalName, ad.Address)
	return out, nil
}

// retire takes a off the air if it is still the device's advertiser.
func (p peripheralSide) retire(a *advertiser) {
	d, r := p.d, p.d.radio
	a.halt()
	r.mu.Lock()
	d.mu.Lock()
	if d.adv == a {
		d.adv = nil
	}
	for addr, cur := range r.advertisers {
		if cur == a {
			delete(r.advertisers, addr)
		}
	}
	d.mu.Unlock()
	r.mu.Unlock()
}

// StopAdvertise takes the device off the air. Established links are not touched.
func (p peripheralSide) StopAdvertise() error {
	p.d.mu.Lock()
	a := p.d.adv
	p.d.mu.Unlock()
	if a == nil {
		return nil
	}
	p.retire(a)
	return nil
}
