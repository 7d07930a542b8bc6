package transport

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/stream"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
	leaveWait      = 2 * time.Second
)

// EventHandler consumes events received by a listener client. Audio
// frames arrive as EventAudioData with the payload and sequence fields
// populated; control messages arrive with their JSON fields.
type EventHandler func(event stream.Event)

// ClientConfig holds listener client configuration.
type ClientConfig struct {
	// ServerURL is the broker's base URL (http, https, ws or wss).
	ServerURL string
	// Token is the credential presented on connect.
	Token string
	// DeviceID names the device whose stream to request.
	DeviceID string
	// MaxRetries bounds reconnection attempts. Zero means retry forever.
	MaxRetries int
}

// Client is a listener connection to the broker. Unexpected disconnects
// are retried with exponential backoff and the stream is re-requested
// after every reconnect, so a broker restart resumes the stream without
// caller involvement. Intentional termination — a stream_error from the
// broker or a normal close after the session ends — stops the client
// instead of reconnecting.
type Client struct {
	config  ClientConfig
	handler EventHandler

	connMu sync.RWMutex
	conn   *websocket.Conn

	// writeMu serializes data writes on the connection: the connect
	// goroutine's stream request and Stop's leave message must never
	// interleave.
	writeMu sync.Mutex

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	sessionID string
	running   bool
}

// NewClient creates a listener client.
func NewClient(cfg ClientConfig, handler EventHandler) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler cannot be nil")
	}
	return &Client{
		config:  cfg,
		handler: handler,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the connection loop in the background.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("client is already running")
	}
	c.running = true
	c.mu.Unlock()

	go c.reconnectLoop()

	logrus.WithFields(logrus.Fields{
		"function":  "Client.Start",
		"server":    c.config.ServerURL,
		"device_id": c.config.DeviceID,
	}).Info("Listener client started")

	return nil
}

// Stop leaves the stream and closes the connection. The broker is told
// about the departure first so the device can be stopped promptly; the
// connection is torn down regardless of whether that message got out.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn != nil {
			leave, _ := json.Marshal(stream.Request{Type: stream.RequestLeaveStream})
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(leaveWait))
			conn.WriteMessage(websocket.TextMessage, leave)
			c.writeMu.Unlock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(leaveWait))
			conn.Close()
		}

		select {
		case <-c.stopped:
		case <-time.After(leaveWait):
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.Stop",
		}).Info("Listener client stopped")
	})
}

// SessionID returns the session the client is currently subscribed to.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}

	serverURL.Path = "/ws/listen"
	q := serverURL.Query()
	q.Set("token", c.config.Token)
	serverURL.RawQuery = q.Encode()

	return serverURL.String(), nil
}

// connect dials the broker and issues the stream request.
func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	request, _ := json.Marshal(stream.Request{
		Type:     stream.RequestLiveStream,
		DeviceID: c.config.DeviceID,
	})
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, request)
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to send stream request: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Client.connect",
		"server":    c.config.ServerURL,
		"device_id": c.config.DeviceID,
	}).Info("Connected, stream requested")

	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) reconnectLoop() {
	defer close(c.stopped)

	backoff := initialBackoff
	attempts := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		err := c.connect()
		if err == nil {
			established, terminal := c.readPump()
			c.closeConn()

			if terminal {
				// The broker ended the exchange on purpose (rejection or
				// normal session end); redialing would only start the
				// device again.
				logrus.WithFields(logrus.Fields{
					"function": "Client.reconnectLoop",
				}).Info("Stream terminated by broker, not reconnecting")
				return
			}
			if established {
				// The connection carried traffic before dropping, so the
				// drop is a fresh transport fault and the budget resets.
				backoff = initialBackoff
				attempts = 0
				continue
			}
			// Dialed but dropped before a single event arrived; treat it
			// like a failed dial so a flapping broker cannot induce a
			// hot reconnect loop.
			err = fmt.Errorf("connection dropped before any event")
		}

		attempts++
		logrus.WithFields(logrus.Fields{
			"function": "Client.reconnectLoop",
			"attempt":  attempts,
			"error":    err.Error(),
		}).Warn("Connection failed")

		if c.config.MaxRetries > 0 && attempts >= c.config.MaxRetries {
			logrus.WithFields(logrus.Fields{
				"function": "Client.reconnectLoop",
				"attempts": attempts,
			}).Error("Retry budget exhausted, giving up")
			c.handler(stream.Event{
				Type:    stream.EventStreamError,
				Message: "connection retries exhausted",
			})
			return
		}

		jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-c.done:
			return
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// readPump translates inbound messages to events until the connection
// drops: JSON text carries control events, binary carries audio frames.
//
// established reports whether at least one message was received on this
// connection. terminal reports intentional termination: the broker sent
// a stream_error, or closed the connection normally after the session
// ended, in which case the client must not reconnect.
func (c *Client) readPump() (established, terminal bool) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return false, false
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(message string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readPump",
				}).Info("Broker closed the stream")
				return established, true
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readPump",
					"error":    err.Error(),
				}).Warn("Read error")
			}
			return established, false
		}
		established = true
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			frame, err := ParseFrame(message)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readPump",
					"size":     len(message),
				}).Warn("Malformed frame discarded")
				continue
			}
			c.handler(stream.Event{
				Type:        stream.EventAudioData,
				SessionID:   c.SessionID(),
				Sequence:    frame.Sequence,
				TimestampUS: frame.TimestampUS,
				Payload:     frame.Payload,
				Header:      frame.IsHeader(),
			})

		case websocket.TextMessage:
			var event stream.Event
			if err := json.Unmarshal(message, &event); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.readPump",
				}).Warn("Malformed event discarded")
				continue
			}
			if event.Type == stream.EventStreamRequested || event.Type == stream.EventStreamJoined {
				c.mu.Lock()
				c.sessionID = event.SessionID
				c.mu.Unlock()
			}
			c.handler(event)
			if event.Type == stream.EventStreamError {
				// The broker rejected or failed the stream; this is fatal
				// to the request, not a transport fault.
				return established, true
			}
		}
	}
}
