package wire

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls the realism of the simulated radio.
// Default: ~98.4% reliability with realistic timing
type SimulationConfig struct {
	// MTU limits. A link uses the smaller of the two devices' MTU, clamped to [MinMTU, MaxMTU].
	MinMTU     int // Default: 23 bytes (BLE 4.0 minimum)
	MaxMTU     int // Default: 512 bytes (BLE 5.0+ maximum)
	DefaultMTU int // Default: 185 bytes (common negotiated value)

	// Connection timing (in milliseconds)
	MinConnectionDelay    int     // Default: 30ms
	MaxConnectionDelay    int     // Default: 100ms
	ConnectionFailureRate float64 // Default: 0.016 (1.6% failure rate)

	// How often an active scan re-reports every advertiser (in milliseconds)
	AdvertisingInterval int // Default: 100ms

	// Radio characteristics
	EnableRSSI   bool // Default: true
	BaseRSSI     int  // Default: -50 dBm (close range)
	RSSIVariance int  // Default: 10 dBm (realistic fluctuation)

	// Packet loss. A lost write is retried up to MaxRetries times, then dropped silently.
	PacketLossRate float64 // Default: 0.015 (1.5% packet loss)
	MaxRetries     int     // Default: 3 retries

	// ReorderWrites delivers each write after a small random delay, so consecutive
	// frames can overtake each other.
	ReorderWrites  bool
	MaxReorderWait int // Default: 5ms

	// Deterministic mode for testing
	Deterministic bool  // Default: false (use for reproducible scenarios)
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultSimulationConfig returns realistic BLE simulation parameters
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinMTU:     23,
		MaxMTU:     512,
		DefaultMTU: 185,

		MinConnectionDelay:    30,
		MaxConnectionDelay:    100,
		ConnectionFailureRate: 0.016, // 1.6% connection failures

		AdvertisingInterval: 100,

		EnableRSSI:   true,
		BaseRSSI:     -50,
		RSSIVariance: 10,

		PacketLossRate: 0.015, // 1.5% packet loss
		MaxRetries:     3,

		MaxReorderWait: 5,
	}
}

// PerfectSimulationConfig returns 100% reliable config for testing
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.AdvertisingInterval = 20
	cfg.PacketLossRate = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator rolls the dice for the radio. Safe for concurrent use.
type Simulator struct {
	config *SimulationConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewSimulator creates a new BLE simulator
func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

func (s *Simulator) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) intn(n int) int {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// ShouldConnectionSucceed returns true if connection should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	return s.float64() >= s.config.ConnectionFailureRate
}

// ConnectionDelay returns realistic connection delay
func (s *Simulator) ConnectionDelay() time.Duration {
	lo, hi := s.config.MinConnectionDelay, s.config.MaxConnectionDelay
	return time.Duration(lo+s.intn(hi-lo)) * time.Millisecond
}

// ShouldPacketSucceed returns true if packet transmission should succeed
func (s *Simulator) ShouldPacketSucceed() bool {
	return s.float64() >= s.config.PacketLossRate
}

// Deliver reports whether a write survives, counting link-layer retries.
func (s *Simulator) Deliver() bool {
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.ShouldPacketSucceed() {
			return true
		}
	}
	return false
}

// ReorderDelay returns how long to hold a write before delivering it.
func (s *Simulator) ReorderDelay() time.Duration {
	if !s.config.ReorderWrites {
		return 0
	}
	return time.Duration(s.intn(s.config.MaxReorderWait*1000)) * time.Microsecond
}

// GenerateRSSI returns realistic RSSI value with variance
// distance: approximate distance in meters (1-10)
func (s *Simulator) GenerateRSSI(distance float64) int {
	if !s.config.EnableRSSI {
		return s.config.BaseRSSI
	}

	// RSSI decreases by ~20dB per 10x distance
	pathLoss := 20 * math.Log10(distance)
	rssi := float64(s.config.BaseRSSI) - pathLoss
	rssi += float64(s.intn(s.config.RSSIVariance*2) - s.config.RSSIVariance)

	// Clamp to realistic BLE range (-100 to -20 dBm)
	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}

	return int(rssi)
}

// NegotiatedMTU returns the MTU after negotiation
// Both devices propose their max MTU, the minimum is selected
func (s *Simulator) NegotiatedMTU(device1MTU, device2MTU int) int {
	mtu := device1MTU
	if device2MTU < mtu {
		mtu = device2MTU
	}

	if mtu < s.config.MinMTU {
		mtu = s.config.MinMTU
	} else if mtu > s.config.MaxMTU {
		mtu = s.config.MaxMTU
	}

	return mtu
}

// AdvertisingInterval returns how often scans re-report advertisers.
func (s *Simulator) AdvertisingInterval() time.Duration {
	if s.config.AdvertisingInterval <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(s.config.AdvertisingInterval) * time.Millisecond
}
