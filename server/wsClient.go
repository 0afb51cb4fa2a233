package server

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WSClient struct {
	ClientMetadata
	conn         *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func NewWSClient(conn *websocket.Conn, t Transport, remoteAddr string, writeTimeout time.Duration) *WSClient {
	return &WSClient{
		conn:         conn,
		writeTimeout: writeTimeout,
		ClientMetadata: ClientMetadata{
			Id:          generateClientId("ws"),
			RemoteAddr:  remoteAddr,
			ConnectedAt: time.Now(),
			Transport:   t,
		},
	}
}

// Send writes one envelope per text frame, without the line terminator.
func (c *WSClient) Send(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	err := c.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(line, "\n"))
	if err != nil {
		return err
	}

	slog.Debug("Sent WebSocket message", "to", c.Id, "size", len(line))
	return nil
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *WSClient) Meta() *ClientMetadata {
	return &c.ClientMetadata
}
