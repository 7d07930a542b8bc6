package stream

import (
	"sync"
	"time"
)

// SessionState represents the lifecycle state of a stream session.
type SessionState uint32

const (
	// StateRequested indicates a listener has requested the stream and the
	// start command has not yet been dispatched to the device.
	StateRequested SessionState = iota
	// StateWaiting indicates the start command was dispatched and the
	// session is waiting for the device to signal ready.
	StateWaiting
	// StateActive indicates the device is producing frames.
	StateActive
	// StateStopped indicates the session ended normally.
	StateStopped
	// StateError indicates the session ended with a failure.
	StateError
)

// String returns a human readable state name.
func (s SessionState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Frame is one wire unit flowing from device to listeners. Frames are
// immutable once emitted.
type Frame struct {
	// Sequence is monotonic per device.
	Sequence uint64
	// Timestamp is the device-stamped send time.
	Timestamp time.Time
	// Payload is opaque container bytes.
	Payload []byte
	// IsHeader marks codec setup frames.
	IsHeader bool
}

// Listener is one subscriber of a session. A listener does not outlive its
// session.
type Listener struct {
	ID        string
	SessionID string
	JoinedAt  time.Time
	// LeftAt is the zero time while the listener is still joined.
	LeftAt time.Time
}

// Joined reports whether the listener is currently subscribed.
func (l *Listener) Joined() bool {
	return l.LeftAt.IsZero()
}

// Session identifies one device's live broadcast.
//
// All session bookkeeping is owned by the Manager; state transitions are
// serialized under the session mutex so concurrent joins, leaves and
// timeouts never lose listener count updates.
type Session struct {
	id       string
	deviceID string

	state            SessionState
	startedAt        time.Time
	endedAt          time.Time
	bytesTransferred uint64
	lastSequence     uint64

	listeners map[string]*Listener

	// Thread safety
	mu sync.RWMutex
}

// newSession creates a session in StateRequested.
func newSession(id, deviceID string, now time.Time) *Session {
	return &Session{
		id:        id,
		deviceID:  deviceID,
		state:     StateRequested,
		startedAt: now,
		listeners: make(map[string]*Listener),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// DeviceID returns the device this session broadcasts from.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StartedAt returns when the session was requested.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// BytesTransferred returns the total payload bytes accepted from the
// device producer.
func (s *Session) BytesTransferred() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesTransferred
}

// LastSequence returns the highest frame sequence accepted so far.
func (s *Session) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequence
}

// ListenerCount returns the number of listeners currently joined.
func (s *Session) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenerCountLocked()
}

// listenerCountLocked counts listeners with no leave time. Callers must
// hold the session mutex.
func (s *Session) listenerCountLocked() int {
	count := 0
	for _, l := range s.listeners {
		if l.Joined() {
			count++
		}
	}
	return count
}
