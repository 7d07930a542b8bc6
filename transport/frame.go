package transport

import (
	"encoding/binary"
	"errors"
)

// frameHeaderSize is the fixed size of the binary frame header.
const frameHeaderSize = 17

// FlagHeader marks a frame carrying codec setup pages rather than audio.
const FlagHeader byte = 0x01

// ErrFrameTooShort is returned when a binary message cannot hold the
// frame header.
var ErrFrameTooShort = errors.New("frame too short")

// WireFrame is one binary audio message as transmitted on the wire.
type WireFrame struct {
	// Sequence is the producer-assigned monotonic frame number.
	Sequence uint64
	// TimestampUS is the producer send time in microseconds since the
	// Unix epoch, used for listener latency estimation.
	TimestampUS int64
	// Flags carries frame attributes such as FlagHeader.
	Flags byte
	// Payload is the opaque container data.
	Payload []byte
}

// IsHeader reports whether the frame carries codec setup pages.
func (f *WireFrame) IsHeader() bool {
	return f.Flags&FlagHeader != 0
}

// Serialize converts a frame to a byte slice for transmission.
func (f *WireFrame) Serialize() []byte {
	// Format: [sequence (8 bytes)][timestamp (8 bytes)][flags (1 byte)][payload]
	result := make([]byte, frameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint64(result[0:8], f.Sequence)
	binary.BigEndian.PutUint64(result[8:16], uint64(f.TimestampUS))
	result[16] = f.Flags
	copy(result[frameHeaderSize:], f.Payload)
	return result
}

// ParseFrame converts a byte slice to a WireFrame structure.
func ParseFrame(data []byte) (*WireFrame, error) {
	if len(data) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}

	frame := &WireFrame{
		Sequence:    binary.BigEndian.Uint64(data[0:8]),
		TimestampUS: int64(binary.BigEndian.Uint64(data[8:16])),
		Flags:       data[16],
		Payload:     make([]byte, len(data)-frameHeaderSize),
	}
	copy(frame.Payload, data[frameHeaderSize:])

	return frame, nil
}
