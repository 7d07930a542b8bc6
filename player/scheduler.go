package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLeadBuffer is the small safety margin applied when scheduling
// starts from an idle timeline, so the sink has time to begin rendering
// before the deadline.
const DefaultLeadBuffer = 50 * time.Millisecond

// AudioSink renders scheduled PCM. Implementations must not block the
// caller beyond handing the buffer to the audio backend; decoding always
// happens ahead of the scheduled deadline, never on the rendering path.
type AudioSink interface {
	// Play renders the samples starting at the given time.
	Play(pcm []int16, sampleRate uint32, at time.Time) error
}

// Scheduler places decoded audio units on a monotonic timeline.
//
// The next unit starts at max(now + lead, nextPlayTime); nextPlayTime then
// advances by the unit's duration. nextPlayTime is strictly non-decreasing
// and consecutive units never overlap.
type Scheduler struct {
	sink         AudioSink
	timeProvider TimeProvider
	leadBuffer   time.Duration

	mu           sync.Mutex
	nextPlayTime time.Time
}

// NewScheduler creates a scheduler that renders through sink. A nil
// timeProvider selects the system clock; a zero leadBuffer selects
// DefaultLeadBuffer.
func NewScheduler(sink AudioSink, timeProvider TimeProvider, leadBuffer time.Duration) (*Scheduler, error) {
	if sink == nil {
		return nil, fmt.Errorf("audio sink cannot be nil")
	}
	if timeProvider == nil {
		timeProvider = RealTimeProvider{}
	}
	if leadBuffer <= 0 {
		leadBuffer = DefaultLeadBuffer
	}
	return &Scheduler{
		sink:         sink,
		timeProvider: timeProvider,
		leadBuffer:   leadBuffer,
	}, nil
}

// Schedule renders one decoded unit at the next gap-free slot and returns
// its start time.
func (s *Scheduler) Schedule(pcm []int16, sampleRate uint32) (time.Time, error) {
	if sampleRate == 0 {
		return time.Time{}, fmt.Errorf("sample rate cannot be zero")
	}
	duration := time.Duration(len(pcm)) * time.Second / time.Duration(sampleRate)

	s.mu.Lock()
	now := s.timeProvider.Now()
	start := now.Add(s.leadBuffer)
	if s.nextPlayTime.After(start) {
		// Timeline is ahead of the clock: butt this unit directly against
		// the previous one.
		start = s.nextPlayTime
	}
	s.nextPlayTime = start.Add(duration)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Scheduler.Schedule",
		"samples":     len(pcm),
		"sample_rate": sampleRate,
		"duration":    duration,
		"start":       start,
	}).Trace("Audio unit scheduled")

	if err := s.sink.Play(pcm, sampleRate, start); err != nil {
		return start, fmt.Errorf("sink rejected scheduled audio: %w", err)
	}
	return start, nil
}

// NextPlayTime returns the end of the currently scheduled timeline.
func (s *Scheduler) NextPlayTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}
