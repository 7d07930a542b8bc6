// Package transport carries the live stream over WebSocket connections.
//
// The server side exposes two endpoints: one for listeners, which speak a
// small JSON control protocol and receive audio as binary frames, and one
// for producing devices, which push binary frames upstream. The client
// side implements the listener connection with automatic reconnection and
// exponential backoff.
//
// Binary frames use a fixed 17-byte header followed by the opaque
// container payload:
//
//	[SEQUENCE(8)][TIMESTAMP_US(8)][FLAGS(1)][PAYLOAD]
//
// All integers are big-endian.
package transport
