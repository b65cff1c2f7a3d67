// Package wstransport implements the notify_identity_creation push path of
// the transport delegate over a persistent gorilla/websocket connection,
// grounded on the teacher's internal/websocket/client.go connection
// lifecycle and internal/websocket/hub.go message framing.
package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coriolis-chat/pqsession/internal/transport"
)

const (
	writeWait = 10 * time.Second
	dialWait  = 10 * time.Second
)

// notifyFrame mirrors the teacher's WebSocketMessage envelope shape
// (type + sender/device + payload) specialized to the zero-text
// identity-creation notification of spec.md §6.
type notifyFrame struct {
	Type          string                        `json:"type"`
	SecretName    string                        `json:"secret_name"`
	DeviceID      uuid.UUID                      `json:"device_id"`
	TransportInfo transport.IdentityCreationPayload `json:"transport_info"`
}

// Client is a gorilla/websocket client dedicated to the notify path. It
// owns a single long-lived connection, reconnecting lazily on first use;
// a write failure tears the connection down so the next call redials,
// following the teacher's ReadPump/WritePump pattern of treating any
// conn error as terminal for that connection.
type Client struct {
	URL      string
	Header   http.Header
	DeviceID uuid.UUID

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Client bound to a websocket URL (ws:// or wss://).
func New(wsURL string, header http.Header, deviceID uuid.UUID) *Client {
	return &Client{URL: wsURL, Header: header, DeviceID: deviceID}
}

func (c *Client) connection() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialWait}
	conn, _, err := dialer.Dial(c.URL, c.Header)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", redactedURL(c.URL), err)
	}
	c.conn = conn
	return conn, nil
}

// NotifyIdentityCreation implements the notify_identity_creation method of
// transport.Delegate by writing a single JSON text frame.
func (c *Client) NotifyIdentityCreation(ctx context.Context, secretName string, payload transport.IdentityCreationPayload) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	frame := notifyFrame{
		Type:          "identity_created",
		SecretName:    secretName,
		DeviceID:      c.DeviceID,
		TransportInfo: payload,
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wstransport: encode notify frame: %w", err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("wstransport: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		c.discardConnection()
		return fmt.Errorf("wstransport: write notify frame: %w", err)
	}
	return nil
}

func (c *Client) discardConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	return u.String()
}
