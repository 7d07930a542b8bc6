// Package stream implements the live audio streaming core: the per-device
// session state machine and the relay broker that fans producer frames out
// to subscribed listeners.
//
// The design follows established patterns from this codebase:
//   - Interface-based collaborators for testability
//   - Thread-safe operations with appropriate mutex usage
//   - Sentinel errors for reliable classification with errors.Is
//   - Injectable time source for deterministic testing
//
// A device has at most one non-terminal session at a time. Sessions move
// through Requested, Waiting, Active and end in Stopped or Error. The
// broker owns all session bookkeeping; listeners observe it only through
// the typed Event union delivered on their subscription channels.
//
// Frame fan-out never blocks on a slow listener: each listener connection
// has a bounded outbound queue and the oldest queued event is dropped when
// it fills. Stale live audio has no value, so recency wins over
// completeness.
package stream
