package stream

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/metrics"
)

// DefaultQueueCapacity bounds each listener's outbound event queue. Tuned
// to roughly one second of audio at the expected frame rate.
const DefaultQueueCapacity = 20

// member is one listener connection's outbound queue inside a room.
type member struct {
	listenerID string
	events     chan Event
	dropped    uint64 // atomic
}

// Room is the set of listener connections subscribed to one device's
// session. Fan-out copies every event to every member queue; a full queue
// drops its oldest event first, so the producer is never blocked by a slow
// listener.
type Room struct {
	deviceID string
	queueCap int
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	members map[string]*member
	closed  bool
}

// NewRoom creates an empty room for the given device. A queueCap of zero
// or less selects DefaultQueueCapacity.
func NewRoom(deviceID string, queueCap int, m *metrics.Metrics) *Room {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Room{
		deviceID: deviceID,
		queueCap: queueCap,
		metrics:  m,
		members:  make(map[string]*member),
	}
}

// Add subscribes a listener and returns its event channel. Adding an
// already subscribed listener returns the existing channel.
func (r *Room) Add(listenerID string) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[listenerID]; ok {
		return existing.events
	}
	m := &member{
		listenerID: listenerID,
		events:     make(chan Event, r.queueCap),
	}
	r.members[listenerID] = m

	logrus.WithFields(logrus.Fields{
		"function":    "Room.Add",
		"device_id":   r.deviceID,
		"listener_id": listenerID,
		"members":     len(r.members),
	}).Debug("Listener subscribed to room")

	return m.events
}

// Remove unsubscribes a listener and closes its event channel. Removing an
// unknown listener is a no-op.
func (r *Room) Remove(listenerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[listenerID]
	if !ok {
		return
	}
	delete(r.members, listenerID)
	close(m.events)

	logrus.WithFields(logrus.Fields{
		"function":    "Room.Remove",
		"device_id":   r.deviceID,
		"listener_id": listenerID,
		"members":     len(r.members),
		"dropped":     atomic.LoadUint64(&m.dropped),
	}).Debug("Listener unsubscribed from room")
}

// Broadcast copies the event to every member queue, including the member
// whose action triggered it.
func (r *Room) Broadcast(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	for _, m := range r.members {
		r.send(m, ev)
	}
}

// send enqueues the event on one member queue, dropping the oldest queued
// event when the queue is full. Recency is preferred over completeness:
// stale live audio has no value.
func (r *Room) send(m *member, ev Event) {
	select {
	case m.events <- ev:
		return
	default:
	}

	// Queue full: make room by discarding the oldest event, then retry
	// once. If another consumer drained the queue meanwhile the second
	// enqueue succeeds without a drop.
	select {
	case <-m.events:
		atomic.AddUint64(&m.dropped, 1)
		r.metrics.RecordFrameDropped()
	default:
	}
	select {
	case m.events <- ev:
	default:
		atomic.AddUint64(&m.dropped, 1)
		r.metrics.RecordFrameDropped()
		logrus.WithFields(logrus.Fields{
			"function":    "Room.send",
			"device_id":   r.deviceID,
			"listener_id": m.listenerID,
		}).Warn("Listener queue saturated, frame dropped")
	}
}

// Len returns the number of subscribed listeners.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Dropped returns the total number of events dropped across all current
// members.
func (r *Room) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, m := range r.members {
		total += atomic.LoadUint64(&m.dropped)
	}
	return total
}

// Close removes every member and closes their channels. The room must not
// be broadcast to afterwards.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, m := range r.members {
		delete(r.members, id)
		close(m.events)
	}
}
