package stream

import "errors"

// Sentinel errors for stream package operations.
// These errors enable reliable error classification using errors.Is().

// Request errors.
var (
	// ErrAccessDenied indicates the listener identity may not access the
	// device. Fatal to the request only; no session is created.
	ErrAccessDenied = errors.New("listener may not access device")

	// ErrDispatchFailed indicates the start command could not be delivered
	// to the device.
	ErrDispatchFailed = errors.New("device command dispatch failed")
)

// Session lookup and state errors.
var (
	// ErrSessionNotFound indicates no session exists for the given ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal indicates the session has already stopped or
	// errored.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrSessionNotActive indicates an operation valid only for active
	// sessions was attempted in another state.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrInvalidTransition indicates an invalid state transition.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrDeviceTimeout indicates the device never signaled ready within
	// the configured window.
	ErrDeviceTimeout = errors.New("device ready timeout")
)

// Manager state errors.
var (
	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("manager is closed")
)
