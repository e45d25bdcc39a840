// Package central runs the scanning/connecting half of the radio: it turns advertisements
// into links, with per-address backoff so a flaky neighbour cannot monopolise the adapter.
package central

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
)

// Sink receives link events. Implementations must not block for long; the driver calls
// them from its own goroutines.
type Sink interface {
	LinkUp(role peer.Role, link ble.Link, hint *frame.Hint)
	Inbound(handle string, data []byte)
	LinkDown(handle string, err error)
}

// Config tunes discovery and reconnection.
type Config struct {
	ServiceUUID    string
	DedupWindow    time.Duration // ignore repeat advertisements from an address for this long
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int           // consecutive failures before quarantine
	Cooldown       time.Duration // quarantine length
	ConnectTimeout time.Duration

	// Global connection attempt budget, across all addresses. A negative rate means no limit.
	AttemptRate  rate.Limit
	AttemptBurst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ServiceUUID:    ble.ServiceUUID,
		DedupWindow:    2 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
		MaxAttempts:    5,
		Cooldown:       60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		AttemptRate:    rate.Limit(4),
		AttemptBurst:   4,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ServiceUUID == "" {
		c.ServiceUUID = def.ServiceUUID
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	switch {
	case c.AttemptRate < 0:
		c.AttemptRate = rate.Inf
	case c.AttemptRate == 0:
		c.AttemptRate = def.AttemptRate
	}
	if c.AttemptBurst <= 0 {
		c.AttemptBurst = def.AttemptBurst
	}
	return c
}

type addrState struct {
	lastAttempt      time.Time
	nextAttempt      time.Time
	quarantinedUntil time.Time
	failures         int
	pending          bool
	connected        bool
	peerID           peer.ID // from the advertisement hint, when present
}

// Driver is the central role. Start and Stop may be called from any goroutine.
type Driver struct {
	local   peer.ID
	adapter ble.Central
	sink    Sink
	cfg     Config
	clock   clock.Clock
	limiter *rate.Limiter

	mu       sync.Mutex
	scanning bool
	scanGen  uint64
	cancel   context.CancelFunc
	attempts sync.WaitGroup
	addrs    map[string]*addrState
	linked   map[peer.ID]string // peer -> address with an up or pending central link
}

// New creates a central driver. local is used to ignore our own advertisement.
func New(local peer.ID, adapter ble.Central, sink Sink, cfg Config, clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	return &Driver{
		local:   local,
		adapter: adapter,
		sink:    sink,
		cfg:     cfg,
		clock:   clk,
		limiter: rate.NewLimiter(cfg.AttemptRate, cfg.AttemptBurst),
		addrs:   make(map[string]*addrState),
		linked:  make(map[peer.ID]string),
	}
}

func (d *Driver) prefix() string {
	return d.local.Short() + " Central"
}

// IsScanning reports whether a scan is running.
func (d *Driver) IsScanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// Start begins scanning. It is a no-op when already scanning.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanning {
		return nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	ads, err := d.adapter.Scan(scanCtx)
	if err != nil {
		cancel()
		return err
	}
	d.scanGen++
	gen := d.scanGen
	d.scanning, d.cancel = true, cancel

	go func() {
		for ad := range ads {
			d.onAdvertisement(scanCtx, ad)
		}
		// The adapter ended the scan on its own, or ctx was cancelled.
		d.mu.Lock()
		if d.scanGen == gen && d.scanning {
			d.scanning, d.cancel = false, nil
			cancel()
		}
		d.mu.Unlock()
	}()
	logger.Info(d.prefix(), "scanning for %s", d.cfg.ServiceUUID)
	return nil
}

// Stop ends scanning and abandons attempts that have not connected yet. Established
// links stay up.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.scanning {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.scanning, d.cancel = false, nil
	d.mu.Unlock()

	d.attempts.Wait()
	logger.Info(d.prefix(), "scanning stopped")
}

func (d *Driver) state(addr string) *addrState {
	st, ok := d.addrs[addr]
	if !ok {
		st = &addrState{}
		d.addrs[addr] = st
	}
	return st
}

func (d *Driver) onAdvertisement(ctx context.Context, ad ble.Advertisement) {
	if ad.ServiceUUID != d.cfg.ServiceUUID {
		return
	}
	var hint *frame.Hint
	if len(ad.ServiceData) > 0 {
		h, err := frame.DecodeHint(ad.ServiceData)
		if err != nil {
			logger.Trace(d.prefix(), "ignoring bad hint from %s: %v", ad.Address, err)
		} else {
			hint = &h
		}
	}
	if hint != nil && hint.PeerID == d.local {
		return
	}

	d.mu.Lock()
	if ctx.Err() != nil || !d.eligible(ad.Address, hint) {
		d.mu.Unlock()
		return
	}
	st := d.state(ad.Address)
	st.pending = true
	st.lastAttempt = d.clock.Now()
	if hint != nil {
		st.peerID = hint.PeerID
		d.linked[hint.PeerID] = ad.Address
	}
	d.attempts.Add(1)
	d.mu.Unlock()

	go d.connect(ctx, ad.Address, hint)
}

// eligible decides whether an advertisement should produce a connection attempt.
// Called with d.mu held.
func (d *Driver) eligible(addr string, hint *frame.Hint) bool {
	if hint != nil {
		if _, ok := d.linked[hint.PeerID]; ok {
			return false // already linked, possibly under an older address
		}
	}
	st, ok := d.addrs[addr]
	if !ok {
		return true
	}
	now := d.clock.Now()
	switch {
	case st.pending, st.connected:
		return false
	case now.Before(st.quarantinedUntil):
		return false
	case now.Before(st.nextAttempt):
		return false
	case !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < d.cfg.DedupWindow:
		return false
	}
	return true
}

func (d *Driver) connect(ctx context.Context, addr string, hint *frame.Hint) {
	defer d.attempts.Done()

	if err := d.limiter.Wait(ctx); err != nil {
		d.abandon(addr)
		return
	}
	connCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	link, err := d.adapter.Connect(connCtx, addr)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			d.abandon(addr)
			return
		}
		d.fail(addr, err)
		return
	}

	d.mu.Lock()
	st := d.state(addr)
	st.pending, st.connected, st.failures = false, true, 0
	d.mu.Unlock()

	logger.Debug(d.prefix(), "link %s up to %s", link.Handle(), addr)
	d.sink.LinkUp(peer.Central, link, hint)
	go d.forward(addr, link)
}

// forward pumps notifications to the sink until the link drops. It outlives the scan.
func (d *Driver) forward(addr string, link ble.Link) {
	for data := range link.Inbound() {
		d.sink.Inbound(link.Handle(), data)
	}
	d.sink.LinkDown(link.Handle(), nil)

	d.mu.Lock()
	st := d.state(addr)
	st.connected = false
	st.lastAttempt = time.Time{}
	d.unlink(addr, st)
	d.mu.Unlock()
	logger.Debug(d.prefix(), "link %s to %s down", link.Handle(), addr)
}

// unlink clears the peer mapping owned by addr. Called with d.mu held.
func (d *Driver) unlink(addr string, st *addrState) {
	if st.peerID.IsZero() {
		return
	}
	if d.linked[st.peerID] == addr {
		delete(d.linked, st.peerID)
	}
	st.peerID = peer.ID{}
}

func (d *Driver) abandon(addr string) {
	d.mu.Lock()
	st := d.state(addr)
	st.pending = false
	st.lastAttempt = time.Time{}
	d.unlink(addr, st)
	d.mu.Unlock()
}

func (d *Driver) fail(addr string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(addr)
	st.pending = false
	st.failures++
	d.unlink(addr, st)
	now := d.clock.Now()

	var ce *ble.ConnectError
	if !errors.As(err, &ce) {
		err = &ble.ConnectError{Address: addr, Err: err}
	}
	if st.failures >= d.cfg.MaxAttempts {
		st.quarantinedUntil = now.Add(d.cfg.Cooldown)
		st.failures = 0
		logger.Warn(d.prefix(), "%v; quarantined for %s", err, d.cfg.Cooldown)
		return
	}
	wait := d.backoff(st.failures)
	st.nextAttempt = now.Add(wait)
	logger.Debug(d.prefix(), "%v; attempt %d, retry in %s", err, st.failures, wait)
}

// backoff is capped exponential backoff with full jitter.
func (d *Driver) backoff(failures int) time.Duration {
	ceiling := d.cfg.BackoffBase
	for i := 1; i < failures && ceiling < d.cfg.BackoffCap; i++ {
		ceiling *= 2
	}
	if ceiling > d.cfg.BackoffCap {
		ceiling = d.cfg.BackoffCap
	}
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling)
}
