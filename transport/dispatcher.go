package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/interfaces"
)

// dispatchTimeout bounds one webhook delivery attempt.
const dispatchTimeout = 10 * time.Second

// WebhookDispatcher delivers device commands to an external control
// service as JSON webhooks. It implements interfaces.ICommandDispatcher.
type WebhookDispatcher struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewWebhookDispatcher creates a dispatcher posting to the given endpoint.
// token, when non-empty, is sent as a bearer credential.
func NewWebhookDispatcher(endpoint, token string) (*WebhookDispatcher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("dispatch endpoint cannot be empty")
	}
	return &WebhookDispatcher{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: dispatchTimeout},
	}, nil
}

// dispatchPayload is the webhook body.
type dispatchPayload struct {
	DeviceID  string `json:"device_id"`
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
}

// Dispatch posts the command. Any non-2xx response is an error so the
// broker can fail the session instead of waiting out the ready timeout.
func (d *WebhookDispatcher) Dispatch(deviceID string, command interfaces.StreamCommand, sessionID string) error {
	body, err := json.Marshal(dispatchPayload{
		DeviceID:  deviceID,
		Command:   string(command),
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch rejected with status %d", resp.StatusCode)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "WebhookDispatcher.Dispatch",
		"device_id":  deviceID,
		"command":    command,
		"session_id": sessionID,
	}).Debug("Command dispatched")

	return nil
}
