package client

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mbocsi/kioskrelay/proto"
)

const maxLineSize = 1 << 20

type TCPTransport struct {
	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.scanner = bufio.NewScanner(conn)
	t.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return nil
}

func (t *TCPTransport) Send(env proto.Envelope) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}
	data, err := proto.EncodeLine(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.conn.Write(data)
	return err
}

// Read returns the next envelope. Lines that are not JSON objects are
// logged and skipped.
func (t *TCPTransport) Read() (proto.RawEnvelope, error) {
	if t.scanner == nil {
		return nil, fmt.Errorf("transport is not connected")
	}
	for t.scanner.Scan() {
		raw, err := proto.DecodeLine(t.scanner.Bytes())
		if err != nil {
			slog.Warn("Dropping malformed line from relay", "error", err)
			continue
		}
		return raw, nil
	}

	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("connection closed")
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
