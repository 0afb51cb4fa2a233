// Package session tracks the single payment attempt a kiosk can have in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/security"
	"github.com/shopspring/decimal"
)

type State int

const (
	Idle State = iota
	AwaitingResponse
	PlanSelectionPending
	Completed
	Failed
	Cancelled
)

var stateNames = map[State]string{
	Idle:                 "idle",
	AwaitingResponse:     "awaiting_response",
	PlanSelectionPending: "plan_selection_pending",
	Completed:            "completed",
	Failed:               "failed",
	Cancelled:            "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether a transaction is in flight.
func (s State) Active() bool {
	return s == AwaitingResponse || s == PlanSelectionPending
}

var (
	ErrTransactionActive   = errors.New("a transaction is already in progress")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrNoTerminal          = errors.New("no POS terminal accepted the message")
	ErrInvalidPaymentMode  = errors.New("invalid payment mode")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Broadcaster delivers an envelope to the first reachable terminal.
type Broadcaster interface {
	BroadcastOnce(ctx context.Context, env proto.Envelope) bool
}

// MessageFactory stamps and signs outbound payloads.
type MessageFactory interface {
	CreateSecureMessage(fields proto.Payload) (proto.Envelope, error)
}

type Transaction struct {
	TxnID     string
	Amount    decimal.Decimal
	Mode      proto.PaymentMode
	CreatedAt time.Time
}

// Outcome is how the last transaction ended.
type Outcome struct {
	TxnID             string
	State             State
	Status            string
	Message           string
	AuthorizationCode string
	CardLast4         string
	At                time.Time
}

type Snapshot struct {
	State       State
	Transaction *Transaction
	Offer       *PlanOffer
	LastOutcome *Outcome
}

type Options struct {
	KioskID string
	Clock   security.Clock
}

type Session struct {
	mu          sync.Mutex
	kioskID     string
	factory     MessageFactory
	broadcaster Broadcaster
	ids         *IDGenerator

	state State
	txn   *Transaction
	offer *PlanOffer
	last  *Outcome

	lmu       sync.RWMutex
	listeners []func(Event)
}

func New(opts Options, factory MessageFactory, broadcaster Broadcaster) *Session {
	if opts.KioskID == "" {
		opts.KioskID = "KIOSK001"
	}
	if opts.Clock == nil {
		opts.Clock = security.SystemClock{}
	}
	return &Session{
		kioskID:     opts.KioskID,
		factory:     factory,
		broadcaster: broadcaster,
		ids:         NewIDGenerator(opts.Clock),
		state:       Idle,
	}
}

// OnEvent registers fn to receive session events. Listeners run on the
// goroutine that caused the transition, after the session lock is released;
// they must not block.
func (s *Session) OnEvent(fn func(Event)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) emit(events ...Event) {
	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func (s *Session) KioskID() string { return s.kioskID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: s.state}
	if s.txn != nil {
		txn := *s.txn
		snap.Transaction = &txn
	}
	if s.offer != nil {
		offer := s.offer.clone()
		snap.Offer = &offer
	}
	if s.last != nil {
		last := *s.last
		snap.LastOutcome = &last
	}
	return snap
}

// SendPaymentRequest broadcasts a transaction_request and, once a terminal
// has taken it, waits for that terminal's response.
func (s *Session) SendPaymentRequest(ctx context.Context, mode proto.PaymentMode, amount decimal.Decimal) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMode, mode)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	s.mu.Lock()
	if s.state.Active() {
		txnID := s.txn.TxnID
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTransactionActive, txnID)
	}

	txnID := s.ids.Next()
	env, err := s.factory.CreateSecureMessage(proto.Payload{
		proto.FieldType:    proto.TypeTransactionRequest,
		proto.FieldTxnID:   txnID,
		proto.FieldAmount:  proto.AmountNumber(amount),
		proto.FieldMode:    string(mode),
		proto.FieldKioskID: s.kioskID,
	})
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	if !s.broadcaster.BroadcastOnce(ctx, env) {
		s.mu.Unlock()
		slog.Warn("Payment request not delivered", "txn_id", txnID, "mode", mode)
		return "", ErrNoTerminal
	}

	s.state = AwaitingResponse
	s.txn = &Transaction{TxnID: txnID, Amount: amount, Mode: mode, CreatedAt: time.Now()}
	s.offer = nil
	s.last = nil
	s.mu.Unlock()

	slog.Info("Payment request sent", "txn_id", txnID, "mode", mode, "amount", amount.StringFixed(2))
	s.emit(Event{Kind: EventRequestSent, TxnID: txnID, State: AwaitingResponse, Amount: amount})
	return txnID, nil
}

// CancelTransaction asks the terminal to abort the active transaction.
func (s *Session) CancelTransaction(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Active() {
		s.mu.Unlock()
		return ErrNoActiveTransaction
	}

	txnID := s.txn.TxnID
	env, err := s.factory.CreateSecureMessage(proto.Payload{
		proto.FieldType:    proto.TypeCancelTransaction,
		proto.FieldTxnID:   txnID,
		proto.FieldKioskID: s.kioskID,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.broadcaster.BroadcastOnce(ctx, env) {
		s.mu.Unlock()
		slog.Warn("Cancel request not delivered", "txn_id", txnID)
		return ErrNoTerminal
	}

	ev := s.finishLocked(Cancelled, Outcome{Status: "cancelled"})
	s.mu.Unlock()

	slog.Info("Transaction cancelled", "txn_id", txnID)
	s.emit(ev)
	return nil
}

// Dispatch applies a validated inbound payload. Messages for anything other
// than the transaction awaiting a response are ignored.
func (s *Session) Dispatch(payload proto.Payload) {
	kind := payload.Type()
	switch kind {
	case proto.TypeAck, proto.TypeTransactionResult, proto.TypeError:
	default:
		slog.Warn("Unknown message type", "type", kind)
		return
	}

	s.mu.Lock()
	if s.state != AwaitingResponse {
		state := s.state
		s.mu.Unlock()
		slog.Debug("Ignoring message, nothing awaiting a response", "type", kind, "txn_id", payload.TxnID(), "state", state)
		return
	}

	active := s.txn.TxnID
	txnID := payload.TxnID()
	// error messages may omit txn_id; one that names another transaction is stale.
	if txnID != active && !(kind == proto.TypeError && txnID == "") {
		s.mu.Unlock()
		slog.Debug("Ignoring message for another transaction", "type", kind, "txn_id", txnID, "active", active)
		return
	}

	var events []Event
	switch kind {
	case proto.TypeAck:
		status := payload.String(proto.FieldStatus)
		slog.Info("Payment acknowledged by POS", "txn_id", active, "status", status)
		events = append(events, Event{Kind: EventAcknowledged, TxnID: active, State: s.state, Status: status})

	case proto.TypeTransactionResult:
		events = s.applyResultLocked(payload)

	case proto.TypeError:
		msg := payload.String(proto.FieldMessage)
		slog.Warn("Payment error from POS", "txn_id", active, "message", msg)
		events = append(events, s.finishLocked(Failed, Outcome{Status: "error", Message: msg}))
	}
	s.mu.Unlock()

	s.emit(events...)
}

func (s *Session) applyResultLocked(payload proto.Payload) []Event {
	active := s.txn.TxnID
	status, ok := payload[proto.FieldStatus].(string)
	if !ok {
		slog.Warn("Transaction result without a status, ignoring", "txn_id", active)
		return nil
	}
	slog.Info("Payment result", "txn_id", active, "status", status)

	if status == proto.StatusIPPPlans {
		return s.offerPlansLocked(payload)
	}

	lower := strings.ToLower(status)
	if strings.Contains(lower, "success") || strings.Contains(lower, "approved") {
		return []Event{s.finishLocked(Completed, Outcome{
			Status:            status,
			AuthorizationCode: payload.String(proto.FieldAuthCode),
			CardLast4:         payload.String(proto.FieldCardLast4),
		})}
	}
	return []Event{s.finishLocked(Failed, Outcome{Status: status})}
}

// finishLocked records a terminal outcome and clears the active transaction.
func (s *Session) finishLocked(state State, outcome Outcome) Event {
	outcome.TxnID = s.txn.TxnID
	outcome.State = state
	outcome.At = time.Now()

	s.state = state
	s.txn = nil
	s.offer = nil
	s.last = &outcome

	kind := EventFailed
	switch state {
	case Completed:
		kind = EventCompleted
	case Cancelled:
		kind = EventCancelled
	}
	result := outcome
	return Event{Kind: kind, TxnID: outcome.TxnID, State: state, Status: outcome.Status, Message: outcome.Message, Outcome: &result}
}
