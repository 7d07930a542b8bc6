package stream

import "time"

// TimeProvider is an interface for reading the current time and arming
// timers. This allows injecting a mock time provider for deterministic
// testing of the ready timeout and stop grace behavior.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc arms a timer that invokes f after d elapses.
	AfterFunc(d time.Duration, f func()) *time.Timer
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc arms a timer using the standard library.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}
