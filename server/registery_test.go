package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbocsi/kioskrelay/proto"
)

// MockClient implements Client for registry testing
type MockClient struct {
	metadata ClientMetadata
	failSend bool

	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func NewMockClient(id string) *MockClient {
	return &MockClient{metadata: ClientMetadata{Id: id, RemoteAddr: "pipe"}}
}

func (mc *MockClient) Send(line []byte) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.failSend {
		return errors.New("broken pipe")
	}
	mc.sent = append(mc.sent, line)
	return nil
}

func (mc *MockClient) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.closed++
	return nil
}

func (mc *MockClient) Meta() *ClientMetadata {
	return &mc.metadata
}

func (mc *MockClient) sentCount() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.sent)
}

func (mc *MockClient) closedCount() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.closed
}

func testEnvelope() proto.Envelope {
	return proto.Envelope{
		Payload:   proto.Payload{"type": proto.TypeTransactionRequest, "txn_id": "TXN1"},
		Signature: "00",
	}
}

func TestConnectionRegistry_AcceptKeepsOrder(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	registry.Accept(NewMockClient("a"))
	registry.Accept(NewMockClient("b"))
	registry.Accept(NewMockClient("c"))

	list := registry.List()
	if len(list) != 3 {
		t.Fatalf("Expected 3 clients, got %d", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].Meta().Id != want {
			t.Errorf("Expected client %d to be %s, got %s", i, want, list[i].Meta().Id)
		}
	}
}

func TestConnectionRegistry_RemoveIsIdempotent(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	a := NewMockClient("a")
	b := NewMockClient("b")
	registry.Accept(a)
	registry.Accept(b)

	registry.Remove(a)
	registry.Remove(a)

	if registry.Len() != 1 {
		t.Errorf("Expected 1 client after removal, got %d", registry.Len())
	}
	if _, ok := registry.Get("a"); ok {
		t.Error("Expected client a to be gone")
	}
	if _, ok := registry.Get("b"); !ok {
		t.Error("Expected client b to remain")
	}
	if a.closedCount() == 0 {
		t.Error("Expected removed client to be closed")
	}
}

func TestConnectionRegistry_BroadcastOnceFirstOnly(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	a := NewMockClient("a")
	b := NewMockClient("b")
	registry.Accept(a)
	registry.Accept(b)

	if !registry.BroadcastOnce(context.Background(), testEnvelope()) {
		t.Fatal("Expected broadcast to succeed")
	}
	if a.sentCount() != 1 {
		t.Errorf("Expected first client to receive 1 message, got %d", a.sentCount())
	}
	if b.sentCount() != 0 {
		t.Errorf("Expected second client to receive nothing, got %d", b.sentCount())
	}

	line := a.sent[0]
	if line[len(line)-1] != '\n' {
		t.Error("Expected newline-terminated line")
	}
	env, err := proto.DecodeEnvelope(line)
	if err != nil {
		t.Fatalf("Failed to decode sent line: %v", err)
	}
	if env.Payload.TxnID() != "TXN1" {
		t.Errorf("Expected txn_id TXN1, got %s", env.Payload.TxnID())
	}
}

func TestConnectionRegistry_BroadcastSkipsBrokenClients(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	broken := NewMockClient("broken")
	broken.failSend = true
	healthy := NewMockClient("healthy")
	registry.Accept(broken)
	registry.Accept(healthy)

	if !registry.BroadcastOnce(context.Background(), testEnvelope()) {
		t.Fatal("Expected broadcast to reach the healthy client")
	}
	if healthy.sentCount() != 1 {
		t.Errorf("Expected healthy client to receive 1 message, got %d", healthy.sentCount())
	}
	if registry.Len() != 1 {
		t.Errorf("Expected broken client to be removed, registry has %d", registry.Len())
	}
	if broken.closedCount() == 0 {
		t.Error("Expected broken client to be closed")
	}
}

func TestConnectionRegistry_BroadcastWithNoClients(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	if registry.BroadcastOnce(context.Background(), testEnvelope()) {
		t.Error("Expected broadcast to fail with no clients")
	}

	broken := NewMockClient("broken")
	broken.failSend = true
	registry.Accept(broken)
	if registry.BroadcastOnce(context.Background(), testEnvelope()) {
		t.Error("Expected broadcast to fail when every client fails")
	}
	if registry.Len() != 0 {
		t.Errorf("Expected registry to be empty, got %d", registry.Len())
	}
}

func TestConnectionRegistry_BroadcastCancelled(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	a := NewMockClient("a")
	registry.Accept(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if registry.BroadcastOnce(ctx, testEnvelope()) {
		t.Error("Expected cancelled broadcast to fail")
	}
	if a.sentCount() != 0 {
		t.Errorf("Expected nothing sent, got %d", a.sentCount())
	}
}

func TestConnectionRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewMockClient(string(rune('a' + i)))
			registry.Accept(c)
			registry.BroadcastOnce(context.Background(), testEnvelope())
			if i%2 == 0 {
				registry.Remove(c)
			}
		}(i)
	}
	wg.Wait()

	if registry.Len() != 10 {
		t.Errorf("Expected 10 clients, got %d", registry.Len())
	}
}
