// Package audio implements batched Opus decoding for live playback.
//
// The wire stream delivers Ogg pages whose codec setup pages (the header
// prefix) are transmitted exactly once. Decoding happens in batches: each
// call receives the cached header bytes concatenated with the accumulated
// payload pages, so every batch is a self-contained Ogg fragment the
// decoder can process from scratch.
//
// Decoding uses the pure Go pion/opus decoder. The package also provides a
// coarse RMS level meter over decoded PCM for UI feedback.
package audio
