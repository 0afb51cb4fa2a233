package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/security"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ ms atomic.Int64 }

func (c *stepClock) NowMillis() int64 { return c.ms.Load() }

type fakeBroadcaster struct {
	mu      sync.Mutex
	offline bool
	sent    []proto.Envelope
}

func (b *fakeBroadcaster) BroadcastOnce(ctx context.Context, env proto.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return false
	}
	b.sent = append(b.sent, env)
	return true
}

func (b *fakeBroadcaster) setOffline(v bool) {
	b.mu.Lock()
	b.offline = v
	b.mu.Unlock()
}

func (b *fakeBroadcaster) last(t *testing.T) proto.Payload {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.sent, "nothing was broadcast")
	return b.sent[len(b.sent)-1].Payload
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fixture struct {
	session *Session
	bus     *fakeBroadcaster
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &stepClock{}
	clock.ms.Store(1_700_000_000_000)
	signer, err := security.NewSigner(security.DefaultSharedSecret)
	require.NoError(t, err)
	codec := security.NewCodec(signer, security.NewReplayGuard(security.DefaultNonceCapacity, security.DefaultFreshnessWindow, clock), clock)

	bus := &fakeBroadcaster{}
	s := New(Options{KioskID: "KIOSK001", Clock: clock}, codec, bus)
	log := &eventLog{}
	s.OnEvent(log.record)
	return &fixture{session: s, bus: bus, events: log}
}

func (f *fixture) send(t *testing.T, amount string) string {
	t.Helper()
	txnID, err := f.session.SendPaymentRequest(context.Background(), proto.ModeCard, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return txnID
}

func TestSendPaymentRequest(t *testing.T) {
	f := newFixture(t)
	txnID := f.send(t, "25.50")

	assert.Equal(t, "TXN1700000000000", txnID)
	assert.Equal(t, AwaitingResponse, f.session.State())

	sent := f.bus.last(t)
	assert.Equal(t, proto.TypeTransactionRequest, sent.Type())
	assert.Equal(t, txnID, sent.TxnID())
	assert.Equal(t, json.Number("25.5"), sent[proto.FieldAmount])
	assert.Equal(t, "card", sent[proto.FieldMode])
	assert.Equal(t, "KIOSK001", sent[proto.FieldKioskID])
	assert.NotEmpty(t, sent.String(proto.FieldNonce))
	assert.Equal(t, []EventKind{EventRequestSent}, f.events.kinds())
}

func TestSendPaymentRequest_RejectsInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.SendPaymentRequest(context.Background(), "cash", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrInvalidPaymentMode)

	_, err = f.session.SendPaymentRequest(context.Background(), proto.ModeCard, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.session.SendPaymentRequest(context.Background(), proto.ModeCard, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, 0, f.bus.count())
	assert.Equal(t, Idle, f.session.State())
}

func TestSendPaymentRequest_NoTerminal(t *testing.T) {
	f := newFixture(t)
	f.bus.setOffline(true)

	_, err := f.session.SendPaymentRequest(context.Background(), proto.ModeCard, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrNoTerminal)
	assert.Equal(t, Idle, f.session.State())
	assert.Empty(t, f.events.kinds())
}

func TestSendPaymentRequest_OneAtATime(t *testing.T) {
	f := newFixture(t)
	f.send(t, "10")

	_, err := f.session.SendPaymentRequest(context.Background(), proto.ModeBNPL, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrTransactionActive)
	assert.Equal(t, 1, f.bus.count())
}

func TestSendPaymentRequest_ConcurrentCallersStartOne(t *testing.T) {
	f := newFixture(t)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.session.SendPaymentRequest(context.Background(), proto.ModeCard, decimal.NewFromInt(1)); err == nil {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 1, f.bus.count())
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestDispatch_ConcurrentResultsFinishOnce(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		f := newFixture(t)
		txnID := f.send(t, "10")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "approved"})
			}()
		}
		wg.Wait()

		require.Equal(t, 1, f.events.count(EventCompleted), "iteration %d", iter)
		assert.Equal(t, Completed, f.session.State())
		out := f.session.Snapshot().LastOutcome
		require.NotNil(t, out)
		assert.Equal(t, txnID, out.TxnID)
	}
}

func TestCancelRacingResultFinishesOnce(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		f := newFixture(t)
		txnID := f.send(t, "10")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.session.CancelTransaction(context.Background())
		}()
		go func() {
			defer wg.Done()
			f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "approved"})
		}()
		wg.Wait()

		completed := f.events.count(EventCompleted)
		cancelled := f.events.count(EventCancelled)
		require.Equal(t, 1, completed+cancelled, "iteration %d", iter)

		state := f.session.State()
		out := f.session.Snapshot().LastOutcome
		require.NotNil(t, out)
		assert.Equal(t, state, out.State)
		if completed == 1 {
			assert.Equal(t, Completed, state)
		} else {
			assert.Equal(t, Cancelled, state)
		}
	}
}

func TestDispatch_AckThenApproved(t *testing.T) {
	f := newFixture(t)
	txnID := f.send(t, "25.50")

	f.session.Dispatch(proto.Payload{"type": "ack", "txn_id": txnID, "status": "received"})
	assert.Equal(t, AwaitingResponse, f.session.State())

	f.session.Dispatch(proto.Payload{
		"type":               "transaction_result",
		"txn_id":             txnID,
		"status":             "approved",
		"authorization_code": "AUTH1",
		"card_last4":         "4242",
	})

	snap := f.session.Snapshot()
	assert.Equal(t, Completed, snap.State)
	assert.Nil(t, snap.Transaction)
	require.NotNil(t, snap.LastOutcome)
	assert.Equal(t, txnID, snap.LastOutcome.TxnID)
	assert.Equal(t, "AUTH1", snap.LastOutcome.AuthorizationCode)
	assert.Equal(t, "4242", snap.LastOutcome.CardLast4)
	assert.Equal(t, []EventKind{EventRequestSent, EventAcknowledged, EventCompleted}, f.events.kinds())
}

func TestDispatch_ResultStatuses(t *testing.T) {
	tests := []struct {
		status string
		want   State
	}{
		{"approved", Completed},
		{"SUCCESS", Completed},
		{"payment_successful", Completed},
		{"Approved_Offline", Completed},
		{"declined", Failed},
		{"timeout", Failed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newFixture(t)
			txnID := f.send(t, "1")
			f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": tt.status})
			assert.Equal(t, tt.want, f.session.State())
		})
	}
}

func TestDispatch_ResultWithoutStatusIgnored(t *testing.T) {
	f := newFixture(t)
	txnID := f.send(t, "1")

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID})
	assert.Equal(t, AwaitingResponse, f.session.State())
}

func TestDispatch_IgnoresOtherTransactions(t *testing.T) {
	f := newFixture(t)
	f.send(t, "1")

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": "TXN1", "status": "approved"})
	f.session.Dispatch(proto.Payload{"type": "ack", "status": "received"})
	f.session.Dispatch(proto.Payload{"type": "error", "txn_id": "TXN1", "message": "stale"})

	assert.Equal(t, AwaitingResponse, f.session.State())
	assert.Equal(t, []EventKind{EventRequestSent}, f.events.kinds())
}

func TestDispatch_IgnoredWhenIdle(t *testing.T) {
	f := newFixture(t)

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": "TXN1", "status": "approved"})
	assert.Equal(t, Idle, f.session.State())
	assert.Empty(t, f.events.kinds())
}

func TestDispatch_UnknownTypeIgnored(t *testing.T) {
	f := newFixture(t)
	txnID := f.send(t, "1")

	f.session.Dispatch(proto.Payload{"type": "heartbeat", "txn_id": txnID})
	assert.Equal(t, AwaitingResponse, f.session.State())
}

func TestDispatch_ErrorMessageFails(t *testing.T) {
	f := newFixture(t)
	f.send(t, "1")

	f.session.Dispatch(proto.Payload{"type": "error", "message": "card reader offline"})

	snap := f.session.Snapshot()
	assert.Equal(t, Failed, snap.State)
	require.NotNil(t, snap.LastOutcome)
	assert.Equal(t, "card reader offline", snap.LastOutcome.Message)
}

func TestTerminalStatesAcceptNewRequests(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "1")
	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": first, "status": "declined"})
	require.Equal(t, Failed, f.session.State())

	second := f.send(t, "2")
	assert.NotEqual(t, first, second)
	assert.Equal(t, AwaitingResponse, f.session.State())
	assert.Nil(t, f.session.Snapshot().LastOutcome)
}

func TestCancelTransaction(t *testing.T) {
	f := newFixture(t)
	txnID := f.send(t, "25.50")

	require.NoError(t, f.session.CancelTransaction(context.Background()))
	assert.Equal(t, Cancelled, f.session.State())

	sent := f.bus.last(t)
	assert.Equal(t, proto.TypeCancelTransaction, sent.Type())
	assert.Equal(t, txnID, sent.TxnID())

	// A result arriving after the cancel changes nothing.
	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "approved"})
	assert.Equal(t, Cancelled, f.session.State())
}

func TestCancelTransaction_NothingActive(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.session.CancelTransaction(context.Background()), ErrNoActiveTransaction)
	assert.Equal(t, 0, f.bus.count())
}

func TestCancelTransaction_NoTerminalKeepsState(t *testing.T) {
	f := newFixture(t)
	f.send(t, "1")
	f.bus.setOffline(true)

	assert.ErrorIs(t, f.session.CancelTransaction(context.Background()), ErrNoTerminal)
	assert.Equal(t, AwaitingResponse, f.session.State())
}

func TestIDGenerator_StrictlyIncreasing(t *testing.T) {
	clock := &stepClock{}
	clock.ms.Store(1000)
	g := NewIDGenerator(clock)

	assert.Equal(t, "TXN1000", g.Next())
	assert.Equal(t, "TXN1001", g.Next())

	clock.ms.Store(900)
	assert.Equal(t, "TXN1002", g.Next())

	clock.ms.Store(5000)
	assert.Equal(t, "TXN5000", g.Next())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "plan_selection_pending", PlanSelectionPending.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, AwaitingResponse.Active())
	assert.False(t, Completed.Active())
}
