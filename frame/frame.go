package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user/blepeer/peer"
)

// Type identifies what a frame's reassembled payload carries.
type Type uint8

const (
	TypeAnnounce    Type = 0x01 // Identity: peer id, nickname, key digest
	TypeKeyExchange Type = 0x02 // Key agreement material
	TypeData        Type = 0x03 // Encrypted application message
)

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeKeyExchange:
		return "key-exchange"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("Type(0x%02X)", uint8(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeAnnounce && t <= TypeData
}

// HeaderSize is the fixed header length:
// [Type:1][PeerID:16][Sequence:4][TotalChunks:2][ChunkIndex:2][PayloadLength:2]
const HeaderSize = 1 + peer.IDSize + 4 + 2 + 2 + 2

var (
	// ErrMalformedFrame means the header is corrupt or disagrees with the bytes present.
	// The frame is dropped; the link is unaffected.
	ErrMalformedFrame = errors.New("frame: malformed frame")

	// ErrReassemblyExpired is recorded when a partial message is discarded after its
	// timeout. It is logged, never returned to callers.
	ErrReassemblyExpired = errors.New("frame: reassembly expired")
)

// Frame is one MTU-sized piece of a logical message.
type Frame struct {
	Type        Type
	PeerID      peer.ID
	Sequence    uint32
	TotalChunks uint16
	ChunkIndex  uint16
	Payload     []byte
}

// Size returns the encoded length of f.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Marshal serializes a frame to its wire format
func (f *Frame) Marshal() []byte {
	buf := make([]byte, f.Size())
	buf[0] = byte(f.Type)
	copy(buf[1:17], f.PeerID[:])
	binary.BigEndian.PutUint32(buf[17:21], f.Sequence)
	binary.BigEndian.PutUint16(buf[21:23], f.TotalChunks)
	binary.BigEndian.PutUint16(buf[23:25], f.ChunkIndex)
	binary.BigEndian.PutUint16(buf[25:27], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Unmarshal parses a single frame. The payload is copied so the caller may reuse data.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: too short (need at least %d bytes, got %d)", ErrMalformedFrame, HeaderSize, len(data))
	}

	f := &Frame{
		Type:        Type(data[0]),
		Sequence:    binary.BigEndian.Uint32(data[17:21]),
		TotalChunks: binary.BigEndian.Uint16(data[21:23]),
		ChunkIndex:  binary.BigEndian.Uint16(data[23:25]),
	}
	copy(f.PeerID[:], data[1:17])

	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type 0x%02X", ErrMalformedFrame, data[0])
	}
	if f.TotalChunks == 0 {
		return nil, fmt.Errorf("%w: zero total chunks", ErrMalformedFrame)
	}
	if f.ChunkIndex >= f.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range (total %d)", ErrMalformedFrame, f.ChunkIndex, f.TotalChunks)
	}

	payloadLen := int(binary.BigEndian.Uint16(data[25:27]))
	if payloadLen != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: payload length %d but %d bytes present", ErrMalformedFrame, payloadLen, len(data)-HeaderSize)
	}

	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, data[HeaderSize:])
	return f, nil
}

// MaxChunkSize returns the largest payload that fits a frame into mtu bytes.
// Returns 0 when the MTU cannot hold a header plus one byte.
func MaxChunkSize(mtu int) int {
	if mtu <= HeaderSize {
		return 0
	}
	return mtu - HeaderSize
}

// Encode splits payload into ordered frames of at most maxChunkSize payload bytes.
// An empty payload still produces a single frame.
func Encode(typ Type, id peer.ID, seq uint32, payload []byte, maxChunkSize int) ([]*Frame, error) {
	if !typ.valid() {
		return nil, fmt.Errorf("frame: cannot encode unknown type 0x%02X", uint8(typ))
	}
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("frame: chunk size must be positive (got %d)", maxChunkSize)
	}
	if maxChunkSize > 0xFFFF {
		maxChunkSize = 0xFFFF
	}

	total := (len(payload) + maxChunkSize - 1) / maxChunkSize
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("frame: payload of %d bytes needs %d chunks (max %d)", len(payload), total, 0xFFFF)
	}

	frames := make([]*Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunkSize
		end := start + maxChunkSize
		if end > len(payload) {
			end = len(payload)
		}

		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])

		frames = append(frames, &Frame{
			Type:        typ,
			PeerID:      id,
			Sequence:    seq,
			TotalChunks: uint16(total),
			ChunkIndex:  uint16(i),
			Payload:     chunk,
		})
	}
	return frames, nil
}

// EncodeBytes is Encode followed by Marshal of every frame.
func EncodeBytes(typ Type, id peer.ID, seq uint32, payload []byte, maxChunkSize int) ([][]byte, error) {
	frames, err := Encode(typ, id, seq, payload, maxChunkSize)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Marshal()
	}
	return out, nil
}
