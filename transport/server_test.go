package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/livemic/interfaces"
	"github.com/opd-ai/livemic/stream"
)

// serverHarness wires a broker behind a real HTTP server.
type serverHarness struct {
	manager    *stream.Manager
	dispatcher *interfaces.SimulatedDispatcher
	ts         *httptest.Server
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	dispatcher := interfaces.NewSimulatedDispatcher()
	manager, err := stream.NewManager(stream.ManagerConfig{
		Dispatcher:    dispatcher,
		Authorizer:    interfaces.AllowAllAuthorizer{},
		ReadyTimeout:  5 * time.Second,
		SweepInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	server, err := NewServer(manager, &interfaces.StaticVerifier{
		Credentials: map[string]string{"valid-token": "alice"},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/listen", server.ListenHandler)
	mux.HandleFunc("/ws/device", server.DeviceHandler)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &serverHarness{manager: manager, dispatcher: dispatcher, ts: ts}
}

func (h *serverHarness) wsURL(path, query string) string {
	return strings.Replace(h.ts.URL, "http", "ws", 1) + path + "?" + query
}

// dialListener connects a listener and issues the stream request,
// returning the connection and the acknowledgment event.
func dialListener(t *testing.T, h *serverHarness, deviceID string) (*websocket.Conn, stream.Event) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/listen", "token=valid-token"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	request, _ := json.Marshal(stream.Request{Type: stream.RequestLiveStream, DeviceID: deviceID})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, request))

	return conn, readJSONEvent(t, conn)
}

func readJSONEvent(t *testing.T, conn *websocket.Conn) stream.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	var event stream.Event
	require.NoError(t, json.Unmarshal(message, &event))
	return event
}

func TestListenHandler_RejectsBadToken(t *testing.T) {
	h := newServerHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/listen", "token=wrong"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListenHandler_RejectsMalformedFirstMessage(t *testing.T) {
	h := newServerHarness(t)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/listen", "token=valid-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave_stream"}`)))

	event := readJSONEvent(t, conn)
	assert.Equal(t, stream.EventStreamError, event.Type)
}

func TestEndToEnd_ListenerAndDevice(t *testing.T) {
	h := newServerHarness(t)

	listener, ack := dialListener(t, h, "device-1")
	require.Equal(t, stream.EventStreamRequested, ack.Type)
	require.NotEmpty(t, ack.SessionID)

	// The start command reached the device controller.
	commands := h.dispatcher.CommandsFor("device-1")
	require.Len(t, commands, 1)
	assert.Equal(t, interfaces.CommandStreamStart, commands[0].Command)

	// The device connects once it is producing.
	device, _, err := websocket.DefaultDialer.Dial(
		h.wsURL("/ws/device", "session_id="+ack.SessionID+"&device_id=device-1"), nil)
	require.NoError(t, err)
	defer device.Close()

	// The listener observes the count update from its own join and then
	// the live announcement.
	sawStarted := false
	for i := 0; i < 4 && !sawStarted; i++ {
		event := readJSONEvent(t, listener)
		if event.Type == stream.EventStreamStarted {
			sawStarted = true
		}
	}
	require.True(t, sawStarted)

	// Audio flows device to listener as binary frames.
	frame := &WireFrame{
		Sequence:    7,
		TimestampUS: time.Now().UnixMicro(),
		Flags:       FlagHeader,
		Payload:     []byte("OpusHead"),
	}
	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, frame.Serialize()))

	listener.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := listener.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)

	received, err := ParseFrame(message)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), received.Sequence)
	assert.Equal(t, []byte("OpusHead"), received.Payload)
	assert.True(t, received.IsHeader())

	// Leaving tears the session down and stops the device.
	leave, _ := json.Marshal(stream.Request{Type: stream.RequestLeaveStream})
	require.NoError(t, listener.WriteMessage(websocket.TextMessage, leave))

	require.Eventually(t, func() bool {
		for _, cmd := range h.dispatcher.CommandsFor("device-1") {
			if cmd.Command == interfaces.CommandStreamStop {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	session, err := h.manager.GetSession(ack.SessionID)
	require.NoError(t, err)
	assert.Equal(t, stream.StateStopped, session.State())
}

func TestEndToEnd_SecondListenerJoins(t *testing.T) {
	h := newServerHarness(t)

	_, first := dialListener(t, h, "device-1")
	require.Equal(t, stream.EventStreamRequested, first.Type)

	_, second := dialListener(t, h, "device-1")
	assert.Equal(t, stream.EventStreamJoined, second.Type)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, second.ListenerCount)
}

func TestDeviceHandler_UnknownSession(t *testing.T) {
	h := newServerHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(
		h.wsURL("/ws/device", "session_id=nope&device_id=device-1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeviceHandler_MismatchedDevice(t *testing.T) {
	h := newServerHarness(t)

	_, ack := dialListener(t, h, "device-1")

	_, resp, err := websocket.DefaultDialer.Dial(
		h.wsURL("/ws/device", "session_id="+ack.SessionID+"&device_id=device-2"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
