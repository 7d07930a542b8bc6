// Package ogg implements a minimal parser for the Ogg container format as
// used by the live microphone stream.
//
// The parser is deliberately pure: it takes a byte buffer received as one
// wire message and returns the sequence of well-formed pages found at the
// start of the buffer. It has no transport or codec dependencies, which
// keeps it trivially testable against hand-built and fuzzed inputs.
//
// Only the subset of Ogg needed for live playback is implemented:
//   - capture pattern and header field decoding
//   - segment table (lacing value) packet reassembly
//   - recognition of the Opus identification and comment header pages
//
// Page CRC values are decoded but not verified; a corrupted payload is
// caught downstream by the codec and handled as a recoverable decode
// failure rather than a parse failure.
package ogg
