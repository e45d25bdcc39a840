package frame

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
)

// UnitKey identifies one reassembly unit: every chunk of one logical message.
type UnitKey struct {
	PeerID   peer.ID
	Sequence uint32
}

// Status is the outcome of ingesting one frame.
type Status int

const (
	Incomplete Status = iota // More chunks are pending
	Complete                 // The unit is whole; Result.Payload is the message
	Duplicate                // The unit was already delivered; nothing to do
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result describes the state of the unit a frame belonged to.
type Result struct {
	Status   Status
	Type     Type
	PeerID   peer.ID
	Sequence uint32
	Received int
	Total    int
	Payload  []byte // set only when Status == Complete
}

// Config bounds reassembly state.
type Config struct {
	Timeout          time.Duration // Partial units older than this are dropped. Default: 30s
	MaxUnits         int           // Concurrent partial units; the oldest is evicted. Default: 256
	CompletedHistory int           // Delivered unit keys remembered for duplicate detection. Default: 1024
}

// DefaultConfig returns the default reassembly bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MaxUnits:         256,
		CompletedHistory: 1024,
	}
}

type unit struct {
	typ      Type
	chunks   [][]byte
	present  []bool
	received int
	started  time.Time
}

// Reassembler turns frames arriving in any order back into complete messages.
// It is not safe for concurrent use; the session actor owns it.
type Reassembler struct {
	owner     string
	cfg       Config
	clock     clock.Clock
	units     map[UnitKey]*unit
	completed *lru.Cache[UnitKey, struct{}]
}

// NewReassembler creates a reassembler. owner is used as the log prefix.
func NewReassembler(owner string, cfg Config, clk clock.Clock) *Reassembler {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = def.MaxUnits
	}
	if cfg.CompletedHistory <= 0 {
		cfg.CompletedHistory = def.CompletedHistory
	}
	if clk == nil {
		clk = clock.New()
	}

	// Only errors on a non-positive size, which was ruled out above.
	completed, _ := lru.New[UnitKey, struct{}](cfg.CompletedHistory)

	return &Reassembler{
		owner:     owner,
		cfg:       cfg,
		clock:     clk,
		units:     make(map[UnitKey]*unit),
		completed: completed,
	}
}

// Ingest parses raw frame bytes and adds the chunk to its unit.
func (r *Reassembler) Ingest(data []byte) (Result, error) {
	f, err := Unmarshal(data)
	if err != nil {
		return Result{}, err
	}
	return r.Add(f)
}

// Add stores one parsed chunk. Re-delivering a chunk overwrites it without changing the
// unit's completion state; chunks of an already delivered unit yield Duplicate.
func (r *Reassembler) Add(f *Frame) (Result, error) {
	key := UnitKey{PeerID: f.PeerID, Sequence: f.Sequence}
	res := Result{Type: f.Type, PeerID: f.PeerID, Sequence: f.Sequence, Total: int(f.TotalChunks)}

	if r.completed.Contains(key) {
		res.Status = Duplicate
		res.Received = res.Total
		return res, nil
	}

	u, ok := r.units[key]
	if !ok {
		if len(r.units) >= r.cfg.MaxUnits {
			r.evictOldest()
		}
		u = &unit{
			typ:     f.Type,
			chunks:  make([][]byte, f.TotalChunks),
			present: make([]bool, f.TotalChunks),
			started: r.clock.Now(),
		}
		r.units[key] = u
	} else if len(u.chunks) != int(f.TotalChunks) || u.typ != f.Type {
		delete(r.units, key)
		return Result{}, fmt.Errorf("%w: unit %s/%d changed shape (type %s/%s, chunks %d/%d)",
			ErrMalformedFrame, f.PeerID.Short(), f.Sequence, u.typ, f.Type, len(u.chunks), f.TotalChunks)
	}

	if !u.present[f.ChunkIndex] {
		u.present[f.ChunkIndex] = true
		u.received++
	}
	u.chunks[f.ChunkIndex] = f.Payload

	res.Received = u.received
	if u.received < len(u.chunks) {
		res.Status = Incomplete
		logger.Trace(r.owner, "chunk %d/%d of %s %s/%d", f.ChunkIndex+1, f.TotalChunks, f.Type, f.PeerID.Short(), f.Sequence)
		return res, nil
	}

	size := 0
	for _, c := range u.chunks {
		size += len(c)
	}
	payload := make([]byte, 0, size)
	for _, c := range u.chunks {
		payload = append(payload, c...)
	}

	delete(r.units, key)
	r.completed.Add(key, struct{}{})

	res.Status = Complete
	res.Payload = payload
	return res, nil
}

func (r *Reassembler) evictOldest() {
	var (
		oldestKey UnitKey
		oldest    *unit
	)
	for k, u := range r.units {
		if oldest == nil || u.started.Before(oldest.started) {
			oldestKey, oldest = k, u
		}
	}
	if oldest != nil {
		delete(r.units, oldestKey)
		logger.Warn(r.owner, "reassembly table full, dropped %s/%d (%d/%d chunks)",
			oldestKey.PeerID.Short(), oldestKey.Sequence, oldest.received, len(oldest.chunks))
	}
}

// Expire drops partial units older than the timeout and returns their keys.
func (r *Reassembler) Expire() []UnitKey {
	now := r.clock.Now()
	var expired []UnitKey
	for k, u := range r.units {
		if now.Sub(u.started) >= r.cfg.Timeout {
			delete(r.units, k)
			expired = append(expired, k)
			logger.Debug(r.owner, "%v: %s/%d after %s with %d/%d chunks",
				ErrReassemblyExpired, k.PeerID.Short(), k.Sequence, r.cfg.Timeout, u.received, len(u.chunks))
		}
	}
	return expired
}

// DropPeer releases all reassembly state for a peer, including duplicate history so a
// restarted peer may reuse sequence numbers.
func (r *Reassembler) DropPeer(id peer.ID) int {
	dropped := 0
	for k := range r.units {
		if k.PeerID == id {
			delete(r.units, k)
			dropped++
		}
	}
	for _, k := range r.completed.Keys() {
		if k.PeerID == id {
			r.completed.Remove(k)
		}
	}
	return dropped
}

// Pending returns the number of partial units held.
func (r *Reassembler) Pending() int {
	return len(r.units)
}
