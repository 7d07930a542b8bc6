package interfaces

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidCredential is returned by verifiers for unknown credentials.
var ErrInvalidCredential = errors.New("invalid credential")

// DispatchedCommand records one command seen by a SimulatedDispatcher.
type DispatchedCommand struct {
	DeviceID  string
	Command   StreamCommand
	SessionID string
	At        time.Time
}

// SimulatedDispatcher is an in-memory ICommandDispatcher for tests and
// demos. It records every dispatched command and can invoke a callback so
// tests can react to start/stop commands (for example by signaling device
// ready).
type SimulatedDispatcher struct {
	mu       sync.Mutex
	commands []DispatchedCommand

	// OnDispatch, when set, is invoked synchronously for every command.
	OnDispatch func(deviceID string, command StreamCommand, sessionID string)

	// FailNext, when set, causes the next Dispatch call to return this
	// error once.
	FailNext error
}

// NewSimulatedDispatcher creates an empty simulated dispatcher.
func NewSimulatedDispatcher() *SimulatedDispatcher {
	return &SimulatedDispatcher{}
}

// Dispatch records the command and invokes the OnDispatch callback.
func (d *SimulatedDispatcher) Dispatch(deviceID string, command StreamCommand, sessionID string) error {
	d.mu.Lock()
	if d.FailNext != nil {
		err := d.FailNext
		d.FailNext = nil
		d.mu.Unlock()
		return err
	}
	d.commands = append(d.commands, DispatchedCommand{
		DeviceID:  deviceID,
		Command:   command,
		SessionID: sessionID,
		At:        time.Now(),
	})
	callback := d.OnDispatch
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "SimulatedDispatcher.Dispatch",
		"device_id":  deviceID,
		"command":    command,
		"session_id": sessionID,
	}).Debug("Simulated command dispatched")

	if callback != nil {
		callback(deviceID, command, sessionID)
	}
	return nil
}

// Commands returns a copy of every dispatched command in order.
func (d *SimulatedDispatcher) Commands() []DispatchedCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DispatchedCommand, len(d.commands))
	copy(out, d.commands)
	return out
}

// CommandsFor returns the dispatched commands for one device.
func (d *SimulatedDispatcher) CommandsFor(deviceID string) []DispatchedCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DispatchedCommand
	for _, cmd := range d.commands {
		if cmd.DeviceID == deviceID {
			out = append(out, cmd)
		}
	}
	return out
}

// MemoryAuditSink is an in-memory IAuditSink for tests and demos.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditSink creates an empty in-memory audit sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

// Record appends the event.
func (s *MemoryAuditSink) Record(event AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of all recorded events in order.
func (s *MemoryAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType returns the recorded events matching the given type.
func (s *MemoryAuditSink) EventsOfType(eventType AuditEventType) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// NoopAuditSink discards every event. Used as the default when no audit
// collaborator is configured.
type NoopAuditSink struct{}

// Record discards the event.
func (NoopAuditSink) Record(AuditEvent) {}

// AllowAllAuthorizer grants every listener access to every device.
type AllowAllAuthorizer struct{}

// CanAccessDevice always returns true.
func (AllowAllAuthorizer) CanAccessDevice(string, string) bool { return true }

// DenyAllAuthorizer denies every access request.
type DenyAllAuthorizer struct{}

// CanAccessDevice always returns false.
func (DenyAllAuthorizer) CanAccessDevice(string, string) bool { return false }

// StaticVerifier is an ICredentialVerifier backed by a fixed credential to
// identity mapping.
type StaticVerifier struct {
	// Credentials maps credential strings to listener identities.
	Credentials map[string]string
}

// Verify looks the credential up in the static table.
func (v *StaticVerifier) Verify(credential string) (string, error) {
	if identity, ok := v.Credentials[credential]; ok {
		return identity, nil
	}
	return "", ErrInvalidCredential
}
