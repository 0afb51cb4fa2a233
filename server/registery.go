package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/telemetry"
)

// ConnectionRegistry holds live terminal connections in the order they
// connected.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	clients []Client
	metrics *telemetry.Recorder
}

func NewConnectionRegistry(metrics *telemetry.Recorder) *ConnectionRegistry {
	return &ConnectionRegistry{metrics: metrics}
}

func (r *ConnectionRegistry) Accept(client Client) {
	r.mu.Lock()
	r.clients = append(r.clients, client)
	r.mu.Unlock()
	r.metrics.TerminalConnected(context.Background())
}

// Remove deregisters and closes client. Removing an unknown client only
// closes it.
func (r *ConnectionRegistry) Remove(client Client) {
	id := client.Meta().Id
	removed := false

	r.mu.Lock()
	for i, c := range r.clients {
		if c.Meta().Id == id {
			r.clients = append(r.clients[:i:i], r.clients[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()

	client.Close()
	if removed {
		r.metrics.TerminalDisconnected(context.Background())
		slog.Info("Removed terminal", "id", id)
	}
}

func (r *ConnectionRegistry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.Meta().Id == id {
			return c, true
		}
	}
	return nil, false
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List returns a snapshot in registration order.
func (r *ConnectionRegistry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Client(nil), r.clients...)
}

// BroadcastOnce delivers env to the first terminal that takes it. Terminals
// that fail the write are dropped along the way. Sends run outside the lock.
func (r *ConnectionRegistry) BroadcastOnce(ctx context.Context, env proto.Envelope) bool {
	line, err := proto.EncodeLine(env)
	if err != nil {
		slog.Error("Failed to encode envelope", "type", env.Payload.Type(), "error", err)
		return false
	}

	for _, client := range r.List() {
		if ctx.Err() != nil {
			break
		}
		if err := client.Send(line); err != nil {
			slog.Warn("Send failed, dropping terminal", "id", client.Meta().Id, "error", err)
			r.Remove(client)
			continue
		}
		slog.Debug("Broadcast delivered", "type", env.Payload.Type(), "to", client.Meta().Id)
		r.metrics.Broadcast(ctx, true)
		return true
	}

	slog.Warn("No terminal accepted broadcast", "type", env.Payload.Type())
	r.metrics.Broadcast(ctx, false)
	return false
}
