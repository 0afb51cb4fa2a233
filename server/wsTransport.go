package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/kioskrelay/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // terminals are not browsers
	},
}

type WSTransport struct {
	Addr         string
	server       *http.Server
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

func NewWSTransport(addr string) *WSTransport {
	return &WSTransport{
		Addr:    addr,
		limits:  DefaultConnLimits,
		clients: make(map[string]Client),
		ready:   make(chan struct{}),
	}
}

func (t *WSTransport) Start() error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	if t.onConnect == nil || t.onDisconnect == nil || t.onMessage == nil {
		return fmt.Errorf("the OnConnect, OnDisconnect, or OnMessage function is not defined; the transport must be registered with a coordinator")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebSocket)

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}

	t.cmu.Lock()
	t.listener = l
	t.server = &http.Server{Handler: mux}
	srv := t.server
	t.cmu.Unlock()

	t.connected.Store(true)
	t.readyOnce.Do(func() { close(t.ready) })
	defer t.connected.Store(false)

	err = srv.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (t *WSTransport) Ready() <-chan struct{} {
	return t.ready
}

func (t *WSTransport) ListenAddr() string {
	t.cmu.RLock()
	defer t.cmu.RUnlock()
	if t.listener == nil {
		return t.Addr
	}
	return t.listener.Addr().String()
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !t.slots.acquire(t.limits.MaxClients) {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many terminals", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.slots.release()
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	go func() {
		defer t.slots.release()
		t.handleConnection(conn, r.RemoteAddr)
	}()
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, remoteAddr string) {
	slog.Info("WebSocket terminal connected", "addr", remoteAddr)

	client := NewWSClient(conn, t, remoteAddr, t.limits.WriteTimeout)

	defer func() {
		t.cmu.Lock()
		delete(t.clients, client.Id)
		t.cmu.Unlock()

		t.onDisconnect(client)

		client.Close()
		slog.Info("WebSocket terminal disconnected", "addr", remoteAddr, "id", client.Id)
	}()

	err := t.onConnect(client)
	if err != nil {
		slog.Error("Failed to register WebSocket terminal", "addr", remoteAddr, "error", err.Error())
		return
	}

	t.cmu.Lock()
	t.clients[client.Id] = client
	t.cmu.Unlock()

	conn.SetReadLimit(maxLineSize)
	limiter := newInboundLimiter(t.limits)

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			break
		}

		if limiter != nil && !limiter.Allow() {
			slog.Warn("Inbound rate exceeded, dropping message", "id", client.Id, "size", len(messageBytes))
			continue
		}
		env, err := proto.DecodeLine(messageBytes)
		if err != nil {
			slog.Warn("Invalid JSON message received", "error", err, "data", string(messageBytes))
			continue
		}

		slog.Debug("WebSocket message received", "sender", client.Id, "size", len(messageBytes))
		t.onMessage(Inbound{Sender: client.Id, Protocol: "websocket", Envelope: env})
	}
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)
	t.cmu.RLock()
	srv := t.server
	clients := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.cmu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (t *WSTransport) OnMessage(fn func(Inbound)) {
	t.onMessage = fn
}

func (t *WSTransport) OnConnect(fn func(Client) error) {
	t.onConnect = fn
}

func (t *WSTransport) OnDisconnect(fn func(Client)) {
	t.onDisconnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	clients := len(t.clients)
	t.cmu.RUnlock()
	return TransportMetadata{
		ID:          "ws-" + t.Addr,
		Name:        t.name,
		Description: t.description,
		Protocol:    "websocket",
		Address:     t.ListenAddr(),
		Clients:     clients,
		MaxClients:  t.limits.MaxClients,
		Connected:   t.connected.Load(),
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetDescription(description string) {
	t.description = description
}

func (t *WSTransport) SetLimits(limits ConnLimits) {
	t.limits = limits
}
