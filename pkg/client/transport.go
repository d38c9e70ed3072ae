package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a duplex frame stream. The real implementation wraps a
// websocket; tests substitute an in-memory pipe.
type Transport interface {
	// ReadFrame blocks until a full frame arrives or the transport fails.
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a Transport against a server. The session token rides as
// a query parameter, matching the server's handshake contract.
type Dialer interface {
	Dial(serverURL, token string) (Transport, error)
}

// WebSocketDialer is the production dialer.
type WebSocketDialer struct {
	Timeout time.Duration
}

func (d *WebSocketDialer) Dial(serverURL, token string) (Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: d.Timeout}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The protocol is JSON text frames; ignore anything else.
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
