package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/interfaces"
	"github.com/opd-ai/livemic/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Server exposes the stream broker over WebSocket endpoints.
type Server struct {
	manager  *stream.Manager
	verifier interfaces.ICredentialVerifier
	upgrader websocket.Upgrader
}

// NewServer creates a transport server in front of the given broker.
func NewServer(manager *stream.Manager, verifier interfaces.ICredentialVerifier) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("stream manager cannot be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("credential verifier cannot be nil")
	}
	return &Server{
		manager:  manager,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// ListenHandler serves the listener endpoint. The connection presents a
// credential token as a query parameter, sends a request_live_stream
// control message and then receives session events as JSON and audio as
// binary frames until it leaves or the session ends.
func (s *Server) ListenHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListenHandler",
			"remote":   r.RemoteAddr,
		}).Warn("Listener credential rejected")
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListenHandler",
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// The first message must ask for a device stream.
	request, err := readRequest(conn)
	if err != nil || request.Type != stream.RequestLiveStream || request.DeviceID == "" {
		writeEvent(conn, stream.Event{
			Type:    stream.EventStreamError,
			Message: "expected request_live_stream with device_id",
		})
		return
	}

	listenerID := uuid.NewString()
	result, err := s.manager.RequestStream(identity, listenerID, request.DeviceID)
	if err != nil {
		writeEvent(conn, stream.Event{
			Type:    stream.EventStreamError,
			Message: err.Error(),
		})
		return
	}

	ack := stream.Event{
		Type:          stream.EventStreamJoined,
		SessionID:     result.SessionID,
		State:         result.State.String(),
		ListenerCount: result.ListenerCount,
	}
	if result.Created {
		ack.Type = stream.EventStreamRequested
	}
	if err := writeEvent(conn, ack); err != nil {
		s.manager.LeaveStream(result.SessionID, listenerID)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "ListenHandler",
		"identity":    identity,
		"listener_id": listenerID,
		"session_id":  result.SessionID,
		"device_id":   request.DeviceID,
	}).Info("Listener connection established")

	done := make(chan struct{})
	go s.listenerWritePump(conn, result.Events, done)

	// The read side only carries leave_stream and the connection close.
	s.listenerReadPump(conn)
	s.manager.LeaveStream(result.SessionID, listenerID)
	close(done)

	logrus.WithFields(logrus.Fields{
		"function":    "ListenHandler",
		"listener_id": listenerID,
		"session_id":  result.SessionID,
	}).Info("Listener connection closed")
}

// listenerWritePump drains the listener's subscription onto the
// connection: audio as binary frames, everything else as JSON. It also
// keeps the connection alive with pings.
func (s *Server) listenerWritePump(conn *websocket.Conn, events <-chan stream.Event, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				// Session terminated; tell the listener to hang up.
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if ev.Type == stream.EventAudioData {
				frame := WireFrame{
					Sequence:    ev.Sequence,
					TimestampUS: ev.TimestampUS,
					Payload:     ev.Payload,
				}
				if ev.Header {
					frame.Flags |= FlagHeader
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, frame.Serialize()); err != nil {
					return
				}
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// listenerReadPump consumes the connection until it closes or the
// listener asks to leave.
func (s *Server) listenerReadPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var request stream.Request
		if err := json.Unmarshal(message, &request); err != nil {
			continue
		}
		if request.Type == stream.RequestLeaveStream {
			return
		}
	}
}

// DeviceHandler serves the producer endpoint. The device connects once it
// is capturing, which signals readiness, then pushes binary frames for
// the session named in the query string.
func (s *Server) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	deviceID := r.URL.Query().Get("device_id")

	session, err := s.manager.GetSession(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if session.DeviceID() != deviceID {
		logrus.WithFields(logrus.Fields{
			"function":   "DeviceHandler",
			"session_id": sessionID,
			"device_id":  deviceID,
		}).Warn("Device connected with mismatched session")
		http.Error(w, "session does not belong to device", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	if err := s.manager.DeviceReady(sessionID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "DeviceHandler",
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Device ready rejected")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not startable"),
			time.Now().Add(writeWait))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "DeviceHandler",
		"session_id": sessionID,
		"device_id":  deviceID,
	}).Info("Device connection established")

	done := make(chan struct{})
	defer close(done)
	go pingPump(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		frame, err := ParseFrame(message)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "DeviceHandler",
				"session_id": sessionID,
				"size":       len(message),
			}).Warn("Malformed device frame discarded")
			continue
		}

		err = s.manager.PublishFrame(sessionID, stream.Frame{
			Sequence:  frame.Sequence,
			Timestamp: time.UnixMicro(frame.TimestampUS),
			Payload:   frame.Payload,
			IsHeader:  frame.IsHeader(),
		})
		if err != nil {
			// The session ended underneath the device; hang up so it
			// stops producing.
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// pingPump keeps a connection alive until done is closed.
func pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readRequest reads one JSON control message from the connection.
func readRequest(conn *websocket.Conn) (*stream.Request, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var request stream.Request
	if err := json.Unmarshal(message, &request); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	return &request, nil
}

// writeEvent writes one event as a JSON text message.
func writeEvent(conn *websocket.Conn, event stream.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
