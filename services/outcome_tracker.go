package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbocsi/kioskrelay/session"
)

// OutcomeTracker lets callers wait for a transaction to reach a final state
type OutcomeTracker struct {
	waiters map[string][]chan OutcomeInfo
	timeout time.Duration
	mu      sync.Mutex
}

// NewOutcomeTracker creates a tracker whose waits default to defaultTimeout
func NewOutcomeTracker(defaultTimeout time.Duration) *OutcomeTracker {
	return &OutcomeTracker{
		waiters: make(map[string][]chan OutcomeInfo),
		timeout: defaultTimeout,
	}
}

// Wait blocks until txnID finishes. lookup is consulted after the waiter is
// registered so an outcome that landed just before the call is not missed.
func (ot *OutcomeTracker) Wait(ctx context.Context, txnID string, lookup func() *OutcomeInfo, timeout time.Duration) (*OutcomeInfo, error) {
	if timeout <= 0 {
		timeout = ot.timeout
	}

	ch := make(chan OutcomeInfo, 1)
	ot.mu.Lock()
	ot.waiters[txnID] = append(ot.waiters[txnID], ch)
	ot.mu.Unlock()
	defer ot.drop(txnID, ch)

	if lookup != nil {
		if out := lookup(); out != nil && out.TxnID == txnID {
			return out, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return &out, nil
	case <-timer.C:
		return nil, ServiceError{
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("No outcome for %s after %v", txnID, timeout),
		}
	case <-ctx.Done():
		return nil, ServiceError{Code: ErrCodeTimeout, Message: "Wait cancelled", Cause: ctx.Err()}
	}
}

func (ot *OutcomeTracker) drop(txnID string, ch chan OutcomeInfo) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	var list []chan OutcomeInfo
	for _, c := range ot.waiters[txnID] {
		if c != ch {
			list = append(list, c)
		}
	}
	if len(list) == 0 {
		delete(ot.waiters, txnID)
	} else {
		ot.waiters[txnID] = list
	}
}

// HandleEvent releases waiters when their transaction finishes. It is
// registered as a session listener.
func (ot *OutcomeTracker) HandleEvent(ev session.Event) {
	if ev.Outcome == nil {
		return
	}
	out := convertOutcome(ev.Outcome)

	// Waiter channels are buffered, so delivery never blocks under the lock.
	ot.mu.Lock()
	defer ot.mu.Unlock()
	for _, ch := range ot.waiters[ev.TxnID] {
		select {
		case ch <- *out:
		default:
		}
	}
}

// Pending reports how many callers are waiting
func (ot *OutcomeTracker) Pending() int {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	n := 0
	for _, list := range ot.waiters {
		n += len(list)
	}
	return n
}
