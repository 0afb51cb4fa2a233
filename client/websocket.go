package client

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/kioskrelay/proto"
)

type WebSocketTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Connect dials addr, which may be a ws:// URL or a bare host:port.
func (t *WebSocketTransport) Connect(addr string) error {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		// host:port parses as scheme:opaque, so retry it as a ws URL
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return fmt.Errorf("invalid WebSocket URL: %w", err)
		}
	}
	if u.Scheme == "tcp" {
		u.Scheme = "ws"
	}
	if u.Path == "" {
		u.Path = "/"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(env proto.Envelope) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	data, err := proto.EncodeLine(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// one envelope per frame, no newline
	if err := t.conn.WriteMessage(websocket.TextMessage, data[:len(data)-1]); err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}

	slog.Debug("Sent WebSocket Message", "type", env.Payload.Type(), "txn_id", env.Payload.TxnID(), "size", len(data))
	return nil
}

func (t *WebSocketTransport) Read() (proto.RawEnvelope, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("transport is not connected")
	}

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return nil, fmt.Errorf("WebSocket connection error: %w", err)
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}

		raw, err := proto.DecodeLine(frame)
		if err != nil {
			slog.Warn("Dropping malformed frame from relay", "error", err)
			continue
		}
		return raw, nil
	}
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	t.mu.Lock()
	err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	if err != nil {
		slog.Warn("Failed to send close message", "error", err)
	}

	return t.conn.Close()
}
