package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/livemic/interfaces"
)

// testHarness bundles a manager with its simulated collaborators.
type testHarness struct {
	manager    *Manager
	dispatcher *interfaces.SimulatedDispatcher
	audit      *interfaces.MemoryAuditSink
}

func newHarness(t *testing.T, mutate ...func(*ManagerConfig)) *testHarness {
	t.Helper()

	dispatcher := interfaces.NewSimulatedDispatcher()
	audit := interfaces.NewMemoryAuditSink()
	cfg := ManagerConfig{
		Dispatcher:    dispatcher,
		Authorizer:    interfaces.AllowAllAuthorizer{},
		AuditSink:     audit,
		ReadyTimeout:  60 * time.Millisecond,
		SweepInterval: -1,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	manager, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return &testHarness{manager: manager, dispatcher: dispatcher, audit: audit}
}

// drain consumes buffered events from a subscription without blocking.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerConfig{Authorizer: interfaces.AllowAllAuthorizer{}})
	assert.Error(t, err)

	_, err = NewManager(ManagerConfig{Dispatcher: interfaces.NewSimulatedDispatcher()})
	assert.Error(t, err)
}

func TestRequestStream_DeniedByAuthorizer(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.Authorizer = interfaces.DenyAllAuthorizer{}
	})

	_, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.ErrorIs(t, err, ErrAccessDenied)

	// No session was created and no command dispatched.
	assert.Empty(t, h.manager.ActiveSessions())
	assert.Empty(t, h.dispatcher.Commands())
}

func TestRequestStream_CreatesSessionAndDispatchesStart(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Created)
	assert.Equal(t, StateWaiting, result.State)
	assert.Equal(t, 1, result.ListenerCount)
	assert.NotEmpty(t, result.SessionID)

	commands := h.dispatcher.CommandsFor("device-1")
	require.Len(t, commands, 1)
	assert.Equal(t, interfaces.CommandStreamStart, commands[0].Command)
	assert.Equal(t, result.SessionID, commands[0].SessionID)

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "device-1", session.DeviceID())
	assert.Equal(t, 1, session.ListenerCount())
}

func TestRequestStream_IdempotentSessionCreation(t *testing.T) {
	h := newHarness(t)

	// Many listeners request the same device concurrently within the
	// same instant; exactly one session must be created.
	const listeners = 16
	results := make([]*JoinResult, listeners)
	errs := make([]error, listeners)
	var wg sync.WaitGroup
	for i := 0; i < listeners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.manager.RequestStream("user", listenerName(i), "device-1")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	sessionID := results[0].SessionID
	created := 0
	for _, r := range results {
		assert.Equal(t, sessionID, r.SessionID)
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	session, err := h.manager.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, listeners, session.ListenerCount())

	starts := 0
	for _, cmd := range h.dispatcher.CommandsFor("device-1") {
		if cmd.Command == interfaces.CommandStreamStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func listenerName(i int) string {
	return string(rune('a'+i)) + "-listener"
}

func TestRequestStream_DispatchFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.FailNext = errors.New("device offline")

	_, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.ErrorIs(t, err, ErrDispatchFailed)

	// The failed session does not block a fresh request.
	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	assert.True(t, result.Created)
}

// Scenario: request, device ready, frames flow with increasing sequence,
// last listener leaves, device gets a stop dispatch, session stops.
func TestSessionLifecycle_FullHappyPath(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	sessionID := result.SessionID

	require.NoError(t, h.manager.DeviceReady(sessionID))
	session, err := h.manager.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State())

	for seq := uint64(1); seq <= 5; seq++ {
		err := h.manager.PublishFrame(sessionID, Frame{
			Sequence:  seq,
			Timestamp: time.Now(),
			Payload:   []byte{byte(seq)},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(5), session.LastSequence())
	assert.Equal(t, uint64(5), session.BytesTransferred())

	// The listener observed the started event and strictly increasing
	// audio sequences.
	events := drain(result.Events)
	var lastSeq uint64
	sawStarted := false
	for _, ev := range events {
		switch ev.Type {
		case EventStreamStarted:
			sawStarted = true
		case EventAudioData:
			assert.Greater(t, ev.Sequence, lastSeq)
			lastSeq = ev.Sequence
		}
	}
	assert.True(t, sawStarted)
	assert.Equal(t, uint64(5), lastSeq)

	require.NoError(t, h.manager.LeaveStream(sessionID, "listener-1"))
	assert.Equal(t, StateStopped, session.State())
	assert.Equal(t, 0, session.ListenerCount())

	commands := h.dispatcher.CommandsFor("device-1")
	require.Len(t, commands, 2)
	assert.Equal(t, interfaces.CommandStreamStop, commands[1].Command)
	assert.Equal(t, sessionID, commands[1].SessionID)
}

// Scenario: two listeners share a session; one leaving must not stop the
// device and both see count updates.
func TestSessionLifecycle_TwoListeners(t *testing.T) {
	h := newHarness(t)

	first, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.DeviceReady(first.SessionID))

	second, err := h.manager.RequestStream("user-2", "listener-2", "device-1")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, StateActive, second.State)
	assert.Equal(t, 2, second.ListenerCount)

	// Both subscriptions saw the count reach 2.
	for _, ch := range []<-chan Event{first.Events, second.Events} {
		events := drain(ch)
		found := false
		for _, ev := range events {
			if ev.Type == EventListenerCount && ev.ListenerCount == 2 {
				found = true
			}
		}
		assert.True(t, found, "listener_count_update{2} missing")
	}

	require.NoError(t, h.manager.LeaveStream(first.SessionID, "listener-1"))

	// The leaver also receives the final count before teardown.
	leaverEvents := drain(first.Events)
	require.NotEmpty(t, leaverEvents)
	last := leaverEvents[len(leaverEvents)-1]
	assert.Equal(t, EventListenerCount, last.Type)
	assert.Equal(t, 1, last.ListenerCount)

	remaining := drain(second.Events)
	found := false
	for _, ev := range remaining {
		if ev.Type == EventListenerCount && ev.ListenerCount == 1 {
			found = true
		}
	}
	assert.True(t, found)

	// Device must NOT be sent a stop command while a listener remains.
	for _, cmd := range h.dispatcher.CommandsFor("device-1") {
		assert.NotEqual(t, interfaces.CommandStreamStop, cmd.Command)
	}

	session, err := h.manager.GetSession(first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State())
	assert.Equal(t, 1, session.ListenerCount())
}

// Scenario: the device never signals ready; the session errors exactly
// once, the listener is notified and no audio was ever emitted.
func TestSessionLifecycle_ReadyTimeout(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return session.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)

	events := drain(result.Events)
	sawError := false
	for _, ev := range events {
		assert.NotEqual(t, EventAudioData, ev.Type, "no audio may be emitted for an errored session")
		if ev.Type == EventStreamError {
			sawError = true
			assert.NotEmpty(t, ev.Message)
		}
	}
	assert.True(t, sawError)

	// Publishing after the error is rejected, so audio can never flow.
	err = h.manager.PublishFrame(result.SessionID, Frame{Sequence: 1})
	assert.ErrorIs(t, err, ErrSessionNotActive)

	// A defensive stop was dispatched.
	commands := h.dispatcher.CommandsFor("device-1")
	require.Len(t, commands, 2)
	assert.Equal(t, interfaces.CommandStreamStop, commands[1].Command)

	// Device ready arriving after the timeout cannot resurrect the
	// session.
	assert.ErrorIs(t, h.manager.DeviceReady(result.SessionID), ErrInvalidTransition)
	assert.Equal(t, StateError, session.State())
}

func TestDeviceReady_CancelsTimeout(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.DeviceReady(result.SessionID))

	// Wait out the (short) timeout window; the session must stay active.
	time.Sleep(120 * time.Millisecond)

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State())
}

func TestLeaveStream_NotJoinedIsNoOp(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)

	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-ghost"))

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.ListenerCount())
	assert.False(t, session.State().Terminal())

	// Leaving twice is equally harmless.
	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-1"))
	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-1"))
	assert.Equal(t, 0, session.ListenerCount())
}

func TestLeaveStream_UnknownSession(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.manager.LeaveStream("no-such-session", "listener-1"), ErrSessionNotFound)
}

func TestStopGrace_RejoinCancelsStop(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.StopGrace = 80 * time.Millisecond
	})

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.DeviceReady(result.SessionID))

	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-1"))

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State(), "grace window must defer the stop")

	// A quick reconnect keeps the device streaming.
	_, err = h.manager.JoinStream(result.SessionID, "listener-1b")
	require.NoError(t, err)

	time.Sleep(160 * time.Millisecond)
	assert.Equal(t, StateActive, session.State())
	for _, cmd := range h.dispatcher.CommandsFor("device-1") {
		assert.NotEqual(t, interfaces.CommandStreamStop, cmd.Command)
	}
}

func TestStopGrace_ExpiresWithoutRejoin(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.StopGrace = 40 * time.Millisecond
	})

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.DeviceReady(result.SessionID))
	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-1"))

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return session.State() == StateStopped
	}, 2*time.Second, 5*time.Millisecond)

	commands := h.dispatcher.CommandsFor("device-1")
	require.Len(t, commands, 2)
	assert.Equal(t, interfaces.CommandStreamStop, commands[1].Command)
}

func TestPublishFrame_RequiresActiveSession(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)

	err = h.manager.PublishFrame(result.SessionID, Frame{Sequence: 1})
	assert.ErrorIs(t, err, ErrSessionNotActive)

	assert.ErrorIs(t, h.manager.PublishFrame("no-such-session", Frame{}), ErrSessionNotFound)
}

func TestAuditTrail(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.DeviceReady(result.SessionID))
	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-1"))

	assert.Len(t, h.audit.EventsOfType(interfaces.AuditStreamJoined), 1)
	assert.Len(t, h.audit.EventsOfType(interfaces.AuditStreamStarted), 1)
	assert.Len(t, h.audit.EventsOfType(interfaces.AuditStreamLeft), 1)
	assert.Len(t, h.audit.EventsOfType(interfaces.AuditStreamStopped), 1)
}

func TestSweep_ReapsTerminalSessions(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.DeviceReady(result.SessionID))
	require.NoError(t, h.manager.LeaveStream(result.SessionID, "listener-1"))

	h.manager.Sweep()

	_, err = h.manager.GetSession(result.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerClose_RejectsNewRequests(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.RequestStream("user-1", "listener-1", "device-1")
	require.NoError(t, err)

	require.NoError(t, h.manager.Close())

	_, err = h.manager.RequestStream("user-1", "listener-2", "device-2")
	assert.ErrorIs(t, err, ErrManagerClosed)

	session, err := h.manager.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.True(t, session.State().Terminal())
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "requested", StateRequested.String())
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "error", StateError.String())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateError.Terminal())
}
