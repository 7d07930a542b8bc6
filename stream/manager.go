package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/interfaces"
	"github.com/opd-ai/livemic/metrics"
)

// DefaultReadyTimeout is the window a device has to signal ready after the
// start command is dispatched.
const DefaultReadyTimeout = 120 * time.Second

// DefaultSweepInterval is how often terminal sessions with no remaining
// listener references are reaped.
const DefaultSweepInterval = 60 * time.Second

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Dispatcher delivers start/stop commands to devices. Required.
	Dispatcher interfaces.ICommandDispatcher
	// Authorizer is consulted before any session is created. Required.
	Authorizer interfaces.IDeviceAuthorizer
	// AuditSink receives lifecycle events. Defaults to a no-op sink.
	AuditSink interfaces.IAuditSink
	// Metrics instruments the broker. May be nil.
	Metrics *metrics.Metrics
	// ReadyTimeout bounds the wait for the device ready signal.
	// Defaults to DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// StopGrace defers the stop dispatch after the last listener leaves,
	// so a brief reconnect does not cycle the device. Zero dispatches the
	// stop immediately.
	StopGrace time.Duration
	// QueueCapacity bounds each listener's outbound queue.
	// Defaults to DefaultQueueCapacity.
	QueueCapacity int
	// TimeProvider supplies time and timers. Defaults to system time.
	TimeProvider TimeProvider
	// SweepInterval controls terminal session reaping. Zero selects
	// DefaultSweepInterval; negative disables the sweeper.
	SweepInterval time.Duration
}

// managedSession pairs a session with its room and lifecycle timers.
type managedSession struct {
	session *Session
	room    *Room

	readyTimer *time.Timer
	stopTimer  *time.Timer
}

// Manager owns every stream session and room. It is the only writer of
// session state, which serializes join/leave/ready/timeout transitions and
// keeps the listener count consistent with room membership.
type Manager struct {
	dispatcher    interfaces.ICommandDispatcher
	authorizer    interfaces.IDeviceAuthorizer
	audit         interfaces.IAuditSink
	metrics       *metrics.Metrics
	readyTimeout  time.Duration
	stopGrace     time.Duration
	queueCap      int
	timeProvider  TimeProvider
	sweepInterval time.Duration

	mu       sync.RWMutex
	byDevice map[string]*managedSession // non-terminal session per device
	byID     map[string]*managedSession // all sessions until swept
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// JoinResult describes the outcome of a request or join for one listener.
type JoinResult struct {
	// SessionID identifies the session the listener is now part of.
	SessionID string
	// State is the session state at join time, so the caller can render
	// "waiting" versus "already live".
	State SessionState
	// ListenerCount is the count after this join.
	ListenerCount int
	// Created reports whether this request created the session.
	Created bool
	// Events is the listener's subscription channel. It is closed when
	// the listener leaves or the session terminates.
	Events <-chan Event
}

// NewManager creates a stream manager with the given collaborators.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Creating stream manager")

	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("command dispatcher cannot be nil")
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("device authorizer cannot be nil")
	}
	if cfg.AuditSink == nil {
		cfg.AuditSink = interfaces.NoopAuditSink{}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	m := &Manager{
		dispatcher:    cfg.Dispatcher,
		authorizer:    cfg.Authorizer,
		audit:         cfg.AuditSink,
		metrics:       cfg.Metrics,
		readyTimeout:  cfg.ReadyTimeout,
		stopGrace:     cfg.StopGrace,
		queueCap:      cfg.QueueCapacity,
		timeProvider:  cfg.TimeProvider,
		sweepInterval: cfg.SweepInterval,
		byDevice:      make(map[string]*managedSession),
		byID:          make(map[string]*managedSession),
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.sweepDone)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewManager",
		"ready_timeout": m.readyTimeout,
		"stop_grace":    m.stopGrace,
		"queue_cap":     m.queueCap,
	}).Info("Stream manager created successfully")

	return m, nil
}

// RequestStream starts or joins the live stream for a device.
//
// The authorization collaborator is consulted first; a denied request
// creates no session. When the device has no live session a new one is
// created in StateRequested, a start command is dispatched and the ready
// timeout armed. When a session already exists in Waiting or Active the
// listener joins it and the existing session ID and state are returned.
func (m *Manager) RequestStream(listenerIdentity, listenerID, deviceID string) (*JoinResult, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "RequestStream",
		"identity":    listenerIdentity,
		"listener_id": listenerID,
		"device_id":   deviceID,
	}).Info("Processing stream request")

	if !m.authorizer.CanAccessDevice(listenerIdentity, deviceID) {
		logrus.WithFields(logrus.Fields{
			"function":  "RequestStream",
			"identity":  listenerIdentity,
			"device_id": deviceID,
		}).Warn("Stream request denied by authorizer")
		return nil, ErrAccessDenied
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	if ms, ok := m.byDevice[deviceID]; ok && !ms.session.State().Terminal() {
		result := m.joinLocked(ms, listenerID)
		m.mu.Unlock()
		return result, nil
	}

	// No live session for this device: create one and dispatch the start
	// command.
	sessionID := uuid.NewString()
	now := m.timeProvider.Now()
	ms := &managedSession{
		session: newSession(sessionID, deviceID, now),
		room:    NewRoom(deviceID, m.queueCap, m.metrics),
	}
	m.byDevice[deviceID] = ms
	m.byID[sessionID] = ms
	m.metrics.RecordSessionCreated()
	result := m.joinLocked(ms, listenerID)
	result.Created = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "RequestStream",
		"session_id": sessionID,
		"device_id":  deviceID,
	}).Info("Stream session created")

	// Dispatch outside the lock: the dispatcher may call back into the
	// manager synchronously (simulated devices do).
	if err := m.dispatcher.Dispatch(deviceID, interfaces.CommandStreamStart, sessionID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "RequestStream",
			"session_id": sessionID,
			"device_id":  deviceID,
			"error":      err.Error(),
		}).Error("Start command dispatch failed")
		m.failSession(sessionID, "device start command failed")
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	m.mu.Lock()
	if ms.session.State() == StateRequested {
		m.setStateLocked(ms, StateWaiting)
		ms.readyTimer = m.timeProvider.AfterFunc(m.readyTimeout, func() {
			m.handleReadyTimeout(sessionID)
		})
	}
	result.State = ms.session.State()
	m.mu.Unlock()

	return result, nil
}

// JoinStream adds a listener to an existing session.
func (m *Manager) JoinStream(sessionID, listenerID string) (*JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if ms.session.State().Terminal() {
		return nil, ErrSessionTerminal
	}
	return m.joinLocked(ms, listenerID), nil
}

// joinLocked subscribes a listener to a session's room and broadcasts the
// new listener count to the whole room, including the joiner. Callers must
// hold m.mu.
func (m *Manager) joinLocked(ms *managedSession, listenerID string) *JoinResult {
	// A re-join within the stop grace window cancels the pending stop.
	if ms.stopTimer != nil {
		ms.stopTimer.Stop()
		ms.stopTimer = nil
	}

	s := ms.session
	events := ms.room.Add(listenerID)

	s.mu.Lock()
	if existing, ok := s.listeners[listenerID]; ok && existing.Joined() {
		// Already joined; nothing to change.
		count := s.listenerCountLocked()
		state := s.state
		s.mu.Unlock()
		return &JoinResult{
			SessionID:     s.id,
			State:         state,
			ListenerCount: count,
			Events:        events,
		}
	}
	s.listeners[listenerID] = &Listener{
		ID:        listenerID,
		SessionID: s.id,
		JoinedAt:  m.timeProvider.Now(),
	}
	count := s.listenerCountLocked()
	state := s.state
	s.mu.Unlock()

	m.metrics.RecordListenerJoined()
	m.audit.Record(interfaces.AuditEvent{
		Type:       interfaces.AuditStreamJoined,
		DeviceID:   s.deviceID,
		SessionID:  s.id,
		ListenerID: listenerID,
		Timestamp:  m.timeProvider.Now(),
	})

	ms.room.Broadcast(Event{
		Type:          EventListenerCount,
		SessionID:     s.id,
		ListenerCount: count,
	})

	logrus.WithFields(logrus.Fields{
		"function":       "joinLocked",
		"session_id":     s.id,
		"listener_id":    listenerID,
		"listener_count": count,
		"state":          state.String(),
	}).Info("Listener joined stream")

	return &JoinResult{
		SessionID:     s.id,
		State:         state,
		ListenerCount: count,
		Events:        events,
	}
}

// LeaveStream removes a listener from a session. Leaving a listener that
// is not currently joined is a no-op. When the last listener leaves, the
// stop command is dispatched (immediately, or after the configured grace
// window) and the session transitions to Stopped.
func (m *Manager) LeaveStream(sessionID, listenerID string) error {
	m.mu.Lock()

	ms, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s := ms.session

	s.mu.Lock()
	listener, joined := s.listeners[listenerID]
	if !joined || !listener.Joined() {
		s.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
	listener.LeftAt = m.timeProvider.Now()
	count := s.listenerCountLocked()
	terminal := s.state.Terminal()
	s.mu.Unlock()

	m.metrics.RecordListenerLeft()
	m.audit.Record(interfaces.AuditEvent{
		Type:       interfaces.AuditStreamLeft,
		DeviceID:   s.deviceID,
		SessionID:  s.id,
		ListenerID: listenerID,
		Timestamp:  m.timeProvider.Now(),
	})

	// Broadcast before removing the leaver so its connection also sees
	// the final count, then tear down its queue.
	ms.room.Broadcast(Event{
		Type:          EventListenerCount,
		SessionID:     s.id,
		ListenerCount: count,
	})
	ms.room.Remove(listenerID)

	logrus.WithFields(logrus.Fields{
		"function":       "LeaveStream",
		"session_id":     s.id,
		"listener_id":    listenerID,
		"listener_count": count,
	}).Info("Listener left stream")

	var stopNow bool
	if count == 0 && !terminal {
		if m.stopGrace > 0 {
			sessionID := s.id
			ms.stopTimer = m.timeProvider.AfterFunc(m.stopGrace, func() {
				m.stopIfAbandoned(sessionID)
			})
		} else {
			m.stopLocked(ms, "last listener left")
			stopNow = true
		}
	}
	m.mu.Unlock()

	if stopNow {
		m.dispatchStop(s.deviceID, s.id)
	}
	return nil
}

// DeviceReady signals that the device has begun producing. It transitions
// Requested/Waiting to Active, cancels the ready timeout and announces the
// stream to every subscribed listener.
func (m *Manager) DeviceReady(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.byID[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s := ms.session

	state := s.State()
	if state != StateRequested && state != StateWaiting {
		logrus.WithFields(logrus.Fields{
			"function":   "DeviceReady",
			"session_id": sessionID,
			"state":      state.String(),
		}).Warn("Device ready in unexpected state")
		return fmt.Errorf("%w: device ready in state %s", ErrInvalidTransition, state)
	}

	if ms.readyTimer != nil {
		ms.readyTimer.Stop()
		ms.readyTimer = nil
	}
	m.setStateLocked(ms, StateActive)

	m.audit.Record(interfaces.AuditEvent{
		Type:      interfaces.AuditStreamStarted,
		DeviceID:  s.deviceID,
		SessionID: s.id,
		Timestamp: m.timeProvider.Now(),
	})

	ms.room.Broadcast(Event{
		Type:          EventStreamStarted,
		SessionID:     s.id,
		ListenerCount: s.ListenerCount(),
	})

	logrus.WithFields(logrus.Fields{
		"function":   "DeviceReady",
		"session_id": sessionID,
		"device_id":  s.deviceID,
	}).Info("Stream session active")

	return nil
}

// PublishFrame relays one producer frame to every subscribed listener.
// Valid only while the session is Active; the producer is never blocked by
// a slow listener.
func (m *Manager) PublishFrame(sessionID string, frame Frame) error {
	m.mu.RLock()
	ms, ok := m.byID[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	s := ms.session

	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: publish in state %s", ErrSessionNotActive, state)
	}
	s.bytesTransferred += uint64(len(frame.Payload))
	if frame.Sequence > s.lastSequence {
		s.lastSequence = frame.Sequence
	}
	s.mu.Unlock()

	m.metrics.RecordFrameRelayed(len(frame.Payload))

	ms.room.Broadcast(Event{
		Type:        EventAudioData,
		SessionID:   sessionID,
		Sequence:    frame.Sequence,
		TimestampUS: frame.Timestamp.UnixMicro(),
		Payload:     frame.Payload,
		Header:      frame.IsHeader,
	})

	logrus.WithFields(logrus.Fields{
		"function":   "PublishFrame",
		"session_id": sessionID,
		"sequence":   frame.Sequence,
		"size":       len(frame.Payload),
	}).Trace("Frame relayed")

	return nil
}

// GetSession returns the session with the given ID.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms.session, nil
}

// ActiveSessions returns every non-terminal session.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, ms := range m.byDevice {
		if !ms.session.State().Terminal() {
			out = append(out, ms.session)
		}
	}
	return out
}

// handleReadyTimeout fires when the device never signaled ready. The
// session transitions to Error exactly once, every waiting listener is
// notified and a stop command is dispatched defensively.
func (m *Manager) handleReadyTimeout(sessionID string) {
	logrus.WithFields(logrus.Fields{
		"function":   "handleReadyTimeout",
		"session_id": sessionID,
	}).Warn("Device ready timeout fired")

	m.failSession(sessionID, ErrDeviceTimeout.Error())
}

// failSession transitions a non-terminal session to Error, notifies
// listeners and dispatches a defensive stop.
func (m *Manager) failSession(sessionID, reason string) {
	m.mu.Lock()
	ms, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s := ms.session
	if s.State().Terminal() {
		m.mu.Unlock()
		return
	}

	m.setStateLocked(ms, StateError)
	ms.room.Broadcast(Event{
		Type:      EventStreamError,
		SessionID: s.id,
		Message:   reason,
	})
	m.finishLocked(ms, true, reason)
	m.mu.Unlock()

	m.dispatchStop(s.deviceID, s.id)
}

// stopIfAbandoned ends the session if no listener re-joined during the
// stop grace window.
func (m *Manager) stopIfAbandoned(sessionID string) {
	m.mu.Lock()
	ms, ok := m.byID[sessionID]
	if !ok || ms.session.State().Terminal() || ms.session.ListenerCount() > 0 {
		m.mu.Unlock()
		return
	}
	m.stopLocked(ms, "stop grace expired with no listeners")
	m.mu.Unlock()

	m.dispatchStop(ms.session.deviceID, sessionID)
}

// stopLocked transitions a session to Stopped and finishes bookkeeping.
// Callers must hold m.mu and dispatch the stop command after unlocking.
func (m *Manager) stopLocked(ms *managedSession, reason string) {
	m.setStateLocked(ms, StateStopped)
	m.finishLocked(ms, false, reason)
}

// finishLocked performs terminal-state bookkeeping: cancels timers, closes
// the room, releases the device slot and records audit and metrics.
// Callers must hold m.mu and have already set a terminal state.
func (m *Manager) finishLocked(ms *managedSession, errored bool, reason string) {
	s := ms.session

	if ms.readyTimer != nil {
		ms.readyTimer.Stop()
		ms.readyTimer = nil
	}
	if ms.stopTimer != nil {
		ms.stopTimer.Stop()
		ms.stopTimer = nil
	}
	ms.room.Close()

	if current, ok := m.byDevice[s.deviceID]; ok && current == ms {
		delete(m.byDevice, s.deviceID)
	}

	now := m.timeProvider.Now()
	s.mu.Lock()
	s.endedAt = now
	started := s.startedAt
	s.mu.Unlock()

	m.metrics.RecordSessionEnded(now.Sub(started).Seconds(), errored)
	m.audit.Record(interfaces.AuditEvent{
		Type:      interfaces.AuditStreamStopped,
		DeviceID:  s.deviceID,
		SessionID: s.id,
		Timestamp: now,
		Detail:    reason,
	})

	logrus.WithFields(logrus.Fields{
		"function":   "finishLocked",
		"session_id": s.id,
		"device_id":  s.deviceID,
		"state":      s.State().String(),
		"reason":     reason,
		"bytes":      s.BytesTransferred(),
	}).Info("Stream session finished")
}

// setStateLocked updates the session state. Callers must hold m.mu.
func (m *Manager) setStateLocked(ms *managedSession, state SessionState) {
	ms.session.mu.Lock()
	ms.session.state = state
	ms.session.mu.Unlock()
}

// dispatchStop sends the stop command to a device, logging failures.
// Stop dispatch is best effort: the session is already terminal.
func (m *Manager) dispatchStop(deviceID, sessionID string) {
	if err := m.dispatcher.Dispatch(deviceID, interfaces.CommandStreamStop, sessionID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dispatchStop",
			"device_id":  deviceID,
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Stop command dispatch failed")
	}
}

// sweepLoop periodically reaps terminal sessions with no remaining
// listener references.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes terminal sessions whose rooms are empty from the session
// index.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ms := range m.byID {
		if ms.session.State().Terminal() && ms.room.Len() == 0 {
			delete(m.byID, id)
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"session_id": id,
			}).Debug("Terminal session swept")
		}
	}
}

// Close shuts the manager down: the sweeper stops, every non-terminal
// session is stopped and every room closed. Further requests fail with
// ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	type pendingStop struct{ deviceID, sessionID string }
	var stops []pendingStop
	for _, ms := range m.byID {
		if !ms.session.State().Terminal() {
			m.stopLocked(ms, "manager shutdown")
			stops = append(stops, pendingStop{ms.session.deviceID, ms.session.id})
		}
	}
	m.mu.Unlock()

	close(m.sweepStop)
	<-m.sweepDone

	for _, stop := range stops {
		m.dispatchStop(stop.deviceID, stop.sessionID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Close",
	}).Info("Stream manager closed")

	return nil
}
