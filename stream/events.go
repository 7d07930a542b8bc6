package stream

// EventType identifies one broker-to-listener message.
type EventType string

const (
	// EventStreamRequested acknowledges a stream request with the new
	// session ID.
	EventStreamRequested EventType = "stream_requested"
	// EventStreamJoined acknowledges joining an existing session and
	// carries its current state.
	EventStreamJoined EventType = "stream_joined"
	// EventStreamStarted announces the device is live.
	EventStreamStarted EventType = "stream_started"
	// EventListenerCount announces a listener count change.
	EventListenerCount EventType = "listener_count_update"
	// EventAudioData carries one audio frame.
	EventAudioData EventType = "audio_data"
	// EventStreamError announces a session failure.
	EventStreamError EventType = "stream_error"
)

// Event is the single typed message union delivered to listener
// connections. One union instead of independently registered per-message
// callbacks keeps the session state machine exhaustive: every consumer
// switches on Type in one place.
//
// Only the fields relevant to the Type are populated.
type Event struct {
	Type          EventType `json:"type"`
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state,omitempty"`
	ListenerCount int       `json:"listener_count,omitempty"`
	Sequence      uint64    `json:"sequence,omitempty"`
	TimestampUS   int64     `json:"timestamp_us,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	Header        bool      `json:"header,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// RequestType identifies one listener-to-broker message.
type RequestType string

const (
	// RequestLiveStream asks the broker to start or join a device stream.
	RequestLiveStream RequestType = "request_live_stream"
	// RequestLeaveStream tells the broker the listener is leaving.
	RequestLeaveStream RequestType = "leave_stream"
)

// Request is one listener-to-broker control message.
type Request struct {
	Type     RequestType `json:"type"`
	DeviceID string      `json:"device_id"`
}
