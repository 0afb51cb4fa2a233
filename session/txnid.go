package session

import (
	"strconv"
	"sync"

	"github.com/mbocsi/kioskrelay/security"
)

// IDGenerator issues transaction ids of the form "TXN<unix millis>".
// Ids never repeat within a process, even when two are requested in the
// same millisecond or the clock steps backwards.
type IDGenerator struct {
	mu    sync.Mutex
	clock security.Clock
	last  int64
}

func NewIDGenerator(clock security.Clock) *IDGenerator {
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &IDGenerator{clock: clock}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.clock.NowMillis()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return "TXN" + strconv.FormatInt(ms, 10)
}
