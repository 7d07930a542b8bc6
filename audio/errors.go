package audio

import "errors"

// Sentinel errors for audio package operations.
var (
	// ErrEmptyBatch indicates a decode batch contained no parseable pages.
	ErrEmptyBatch = errors.New("decode batch contains no pages")

	// ErrNoAudioPackets indicates a batch parsed but held only codec
	// header pages.
	ErrNoAudioPackets = errors.New("decode batch contains no audio packets")

	// ErrDecodeFailed indicates the codec rejected a packet in the batch.
	ErrDecodeFailed = errors.New("opus decode failed")
)
