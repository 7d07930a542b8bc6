package interfaces

import "time"

// StreamCommand is a command dispatched to a remote device.
type StreamCommand string

const (
	// CommandStreamStart tells the device to begin capturing and sending
	// microphone audio for the given session.
	CommandStreamStart StreamCommand = "stream_start"

	// CommandStreamStop tells the device to stop capturing and tear down
	// its producer connection.
	CommandStreamStop StreamCommand = "stream_stop"
)

// AuditEventType classifies stream lifecycle audit events.
type AuditEventType string

const (
	// AuditStreamStarted records a session transitioning to active.
	AuditStreamStarted AuditEventType = "STREAM_STARTED"
	// AuditStreamStopped records a session reaching a terminal state.
	AuditStreamStopped AuditEventType = "STREAM_STOPPED"
	// AuditStreamJoined records a listener joining a session.
	AuditStreamJoined AuditEventType = "STREAM_JOINED"
	// AuditStreamLeft records a listener leaving a session.
	AuditStreamLeft AuditEventType = "STREAM_LEFT"
)

// AuditEvent is one stream lifecycle event keyed by session and listener.
type AuditEvent struct {
	Type       AuditEventType
	DeviceID   string
	SessionID  string
	ListenerID string
	Timestamp  time.Time
	Detail     string
}

// ICommandDispatcher delivers commands to remote devices.
//
// Implementations must be safe for concurrent use. Dispatch is fire-and-
// forget from the caller's perspective: a nil error means the command was
// accepted for delivery, not that the device acted on it.
type ICommandDispatcher interface {
	// Dispatch sends a command to the device identified by deviceID.
	Dispatch(deviceID string, command StreamCommand, sessionID string) error
}

// IAuditSink accepts stream lifecycle events for external persistence.
//
// Record must not block the caller; implementations buffer or drop as
// their persistence layer requires.
type IAuditSink interface {
	// Record submits one audit event.
	Record(event AuditEvent)
}

// IDeviceAuthorizer answers device access questions for listener identities.
type IDeviceAuthorizer interface {
	// CanAccessDevice reports whether the listener identity may receive
	// live audio from the device.
	CanAccessDevice(listenerIdentity, deviceID string) bool
}

// ICredentialVerifier resolves presented credentials to listener identities.
type ICredentialVerifier interface {
	// Verify resolves a credential to an identity, or returns an error
	// when the credential is invalid or expired.
	Verify(credential string) (identity string, err error)
}
