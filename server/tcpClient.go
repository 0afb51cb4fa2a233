package server

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

type TCPClient struct {
	ClientMetadata
	conn         net.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func NewTCPClient(conn net.Conn, t Transport, writeTimeout time.Duration) *TCPClient {
	return &TCPClient{
		conn:         conn,
		writeTimeout: writeTimeout,
		ClientMetadata: ClientMetadata{
			Id:          generateClientId("tcp"),
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
			Transport:   t,
		},
	}
}

func (c *TCPClient) Send(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(line)
	if err != nil {
		return err
	}
	slog.Debug("Sent message", "to", c.Id, "size", len(line))
	return nil
}

func (c *TCPClient) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *TCPClient) Meta() *ClientMetadata {
	return &c.ClientMetadata
}
