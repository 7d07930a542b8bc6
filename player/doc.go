// Package player implements the listener-side jitter buffer and playback
// scheduler.
//
// Incoming wire messages carry Ogg pages. The player recognizes and caches
// the codec header prefix the first time it arrives, discards any resend,
// and accumulates payload pages until either a batch size threshold is
// reached or the inbound queue drains. Each accumulated batch is prefixed
// with the cached header and handed to the decoder, and the resulting PCM
// is scheduled on a monotonic timeline: every unit starts at or after the
// previous unit's end, so playback is gap free and overlap free even
// though decode calls complete at irregular wall-clock times.
//
// The raw inbound queue is bounded; on overflow the oldest unit is
// dropped. A failed decode discards only the current batch and playback of
// previously scheduled audio is unaffected. Liveness is prioritized over
// completeness throughout.
package player
