package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/kioskrelay/proto"
	"golang.org/x/time/rate"
)

const maxLineSize = 1 << 20

type TCPTransport struct {
	Addr         string
	listener     net.Listener
	onMessage    func(Inbound)
	onConnect    func(Client) error
	onDisconnect func(Client)

	name        string
	description string
	clients     map[string]Client
	cmu         sync.RWMutex
	slots       connSlots

	limits    ConnLimits
	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		Addr:    addr,
		limits:  DefaultConnLimits,
		clients: make(map[string]Client),
		ready:   make(chan struct{}),
	}
}

func (t *TCPTransport) Start() error {
	slog.Info("Starting tcp server", "addr", t.Addr)

	if t.onConnect == nil || t.onDisconnect == nil || t.onMessage == nil {
		return fmt.Errorf("the OnConnect, OnDisconnect, or OnMessage function is not defined; the transport must be registered with a coordinator")
	}

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	t.cmu.Lock()
	t.listener = l
	t.cmu.Unlock()
	t.connected.Store(true)
	t.readyOnce.Do(func() { close(t.ready) })
	defer func() {
		l.Close()
		t.connected.Store(false)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err // exits when listener is closed
		}

		if !t.slots.acquire(t.limits.MaxClients) {
			slog.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go func() {
			defer t.slots.release()
			t.handleConnection(conn)
		}()
	}
}

// Ready is closed once the listener is bound.
func (t *TCPTransport) Ready() <-chan struct{} {
	return t.ready
}

// ListenAddr returns the bound address, which differs from Addr when
// listening on port 0.
func (t *TCPTransport) ListenAddr() string {
	t.cmu.RLock()
	defer t.cmu.RUnlock()
	if t.listener == nil {
		return t.Addr
	}
	return t.listener.Addr().String()
}

func (t *TCPTransport) handleConnection(c net.Conn) {
	ip := c.RemoteAddr().String()
	slog.Info("Terminal connected", "addr", ip)

	client := NewTCPClient(c, t, t.limits.WriteTimeout)

	defer func() {
		t.cmu.Lock()
		delete(t.clients, client.Id)
		t.cmu.Unlock()

		t.onDisconnect(client)

		client.Close()
		slog.Info("Terminal disconnected", "addr", ip, "id", client.Id)
	}()

	err := t.onConnect(client)
	if err != nil {
		slog.Error("Failed to register terminal", "addr", ip, "error", err.Error())
		return
	}
	t.cmu.Lock()
	t.clients[client.Id] = client
	t.cmu.Unlock()

	limiter := newInboundLimiter(t.limits)
	reader := bufio.NewScanner(c)
	reader.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for reader.Scan() {
		line := reader.Bytes()
		if len(line) == 0 {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			slog.Warn("Inbound rate exceeded, dropping message", "id", client.Id, "size", len(line))
			continue
		}
		env, err := proto.DecodeLine(line)
		if err != nil {
			slog.Warn("Invalid JSON message received", "error", err, "data", string(line))
			continue
		}
		slog.Debug("Message received", "sender", client.Id, "size", len(line))
		t.onMessage(Inbound{Sender: client.Id, Protocol: "tcp", Envelope: env})
	}

	if err := reader.Err(); err != nil {
		slog.Warn("Connection error", "addr", ip, "error", err)
	}
}

func newInboundLimiter(limits ConnLimits) *rate.Limiter {
	if limits.InboundRate <= 0 {
		return nil
	}
	burst := limits.InboundBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limits.InboundRate), burst)
}

func (t *TCPTransport) Shutdown() error {
	slog.Info("Shutting down tcp server", "addr", t.Addr)
	t.cmu.RLock()
	l := t.listener
	clients := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.cmu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

func (t *TCPTransport) OnMessage(fn func(Inbound)) {
	t.onMessage = fn
}

func (t *TCPTransport) OnConnect(fn func(Client) error) {
	t.onConnect = fn
}

func (t *TCPTransport) OnDisconnect(fn func(Client)) {
	t.onDisconnect = fn
}

func (t *TCPTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	clients := len(t.clients)
	t.cmu.RUnlock()
	return TransportMetadata{
		ID:          "tcp-" + t.Addr,
		Name:        t.name,
		Description: t.description,
		Protocol:    "tcp",
		Address:     t.ListenAddr(),
		Clients:     clients,
		MaxClients:  t.limits.MaxClients,
		Connected:   t.connected.Load(),
	}
}

func (t *TCPTransport) SetName(name string) {
	t.name = name
}

func (t *TCPTransport) SetDescription(description string) {
	t.description = description
}

func (t *TCPTransport) SetLimits(limits ConnLimits) {
	t.limits = limits
}
