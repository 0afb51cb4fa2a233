package server

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/kioskrelay/proto"
)

type Transport interface {
	Start() error
	OnMessage(func(Inbound))
	OnConnect(func(Client) error)
	OnDisconnect(func(Client))
	Shutdown() error
	Meta() TransportMetadata
	SetName(name string)
	SetDescription(description string)
}

type TransportMetadata struct {
	ID          string
	Name        string // Human-friendly name, e.g., "Terminal TCP"
	Protocol    string // "tcp" or "websocket"
	Address     string // Bind address, e.g., "0.0.0.0:8080"
	Description string

	Clients    int  // Current active clients
	MaxClients int  // Max allowed clients
	Connected  bool // Whether the transport is currently bound
}

// ConnLimits bound what a single transport accepts.
type ConnLimits struct {
	MaxClients   int
	WriteTimeout time.Duration
	InboundRate  float64 // lines per second per connection; <= 0 disables the limit
	InboundBurst int
}

var DefaultConnLimits = ConnLimits{
	MaxClients:   16,
	WriteTimeout: 5 * time.Second,
	InboundRate:  20,
	InboundBurst: 40,
}

type ClientMetadata struct {
	Id          string
	RemoteAddr  string
	ConnectedAt time.Time
	Transport   Transport
}

// Client is one connected terminal. Send writes an already encoded,
// newline-terminated envelope.
type Client interface {
	Send(line []byte) error
	Close() error
	Meta() *ClientMetadata
}

// Inbound is a decoded line from a terminal, tagged with who sent it.
type Inbound struct {
	Sender   string
	Protocol string
	Envelope proto.RawEnvelope
}

func generateClientId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// connSlots counts connections from accept until their handler returns, so
// MaxClients holds even while onConnect is still running.
type connSlots struct{ n atomic.Int32 }

func (s *connSlots) acquire(max int) bool {
	for {
		cur := s.n.Load()
		if int(cur) >= max {
			return false
		}
		if s.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *connSlots) release() { s.n.Add(-1) }
