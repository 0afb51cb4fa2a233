package security

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultNonceCapacity   = 1000
	DefaultFreshnessWindow = 60 * time.Second
)

// Clock supplies the current time in milliseconds since the epoch.
type Clock interface {
	NowMillis() int64
}

type SystemClock struct{}

func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// ReplayGuard remembers consumed nonces and enforces the timestamp window.
//
// The nonce set is bounded coarsely: once an insert pushes it past capacity
// the whole set is dropped, so nonces seen before the reset are accepted again.
type ReplayGuard struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	capacity int
	window   int64
	clock    Clock
}

func NewReplayGuard(capacity int, window time.Duration, clock Clock) *ReplayGuard {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ReplayGuard{
		seen:     make(map[string]struct{}),
		capacity: capacity,
		window:   window.Milliseconds(),
		clock:    clock,
	}
}

// ValidateNonce returns false if nonce was already accepted, otherwise records it.
func (g *ReplayGuard) ValidateNonce(nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[nonce]; ok {
		return false
	}
	g.seen[nonce] = struct{}{}

	if len(g.seen) > g.capacity {
		slog.Debug("Nonce set over capacity, clearing", "size", len(g.seen), "capacity", g.capacity)
		g.seen = make(map[string]struct{})
	}
	return true
}

// ValidateTimestamp accepts integer millisecond timestamps given as a string
// or JSON number, valid iff strictly within the freshness window of now.
func (g *ReplayGuard) ValidateTimestamp(ts any) bool {
	requestTime, ok := parseMillis(ts)
	if !ok {
		slog.Debug("Timestamp failed: invalid format", "timestamp", ts)
		return false
	}

	now := g.clock.NowMillis()
	diff := now - requestTime
	if diff < 0 {
		diff = -diff
	}
	if diff >= g.window {
		slog.Debug("Timestamp failed: outside window", "timestamp", requestTime, "now", now, "diff_ms", diff)
		return false
	}
	return true
}

// Len reports how many nonces are currently retained.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func parseMillis(ts any) (int64, bool) {
	var s string
	switch t := ts.(type) {
	case string:
		s = strings.TrimSpace(t)
	case json.Number:
		s = t.String()
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
