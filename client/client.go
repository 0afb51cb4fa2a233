// Package client is the POS-terminal side of the relay protocol. It is used
// by the terminal simulator and by end-to-end tests.
package client

import (
	"bytes"
	"encoding/json"
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

// Behavior scripts how the simulated terminal answers payment requests.
type Behavior struct {
	// Status reported in transaction_result; defaults to "approved".
	Status            string
	AuthorizationCode string
	CardLast4         string
	// Delay before the result is sent. A cancel that arrives first
	// suppresses the result.
	Delay time.Duration
	// Plans offered for ipp requests, or PlansFor when Plans is empty.
	// With neither, ipp is answered like card.
	Plans    []proto.Plan
	PlansFor func(amount decimal.Decimal) []proto.Plan
	// IgnoreCancel keeps sending the result after a cancel, as a slow
	// terminal would.
	IgnoreCancel bool
	SkipAck      bool
}

// DefaultBehavior approves everything immediately.
func DefaultBehavior() Behavior {
	return Behavior{Status: "approved", AuthorizationCode: "AUTH1", CardLast4: "4242"}
}

// Terminal is a simulated POS terminal connected to the relay.
type Terminal struct {
	Name      string
	Connected bool
	transport Transport
	codec     *security.Codec

	mu       sync.Mutex
	behavior Behavior
	pending  map[string]*time.Timer

	// Handlers
	handlerMu sync.RWMutex
	onMessage func(proto.Payload)
}

func NewTerminal(name string, t Transport, codec *security.Codec, b Behavior) *Terminal {
	if b.Status == "" {
		b.Status = "approved"
	}
	return &Terminal{
		Name:      name,
		transport: t,
		codec:     codec,
		behavior:  b,
		pending:   make(map[string]*time.Timer),
	}
}

// OnMessage registers a hook called with every validated kiosk message.
func (c *Terminal) OnMessage(fn func(proto.Payload)) {
	c.handlerMu.Lock()
	c.onMessage = fn
	c.handlerMu.Unlock()
}

func (c *Terminal) SetBehavior(b Behavior) {
	if b.Status == "" {
		b.Status = "approved"
	}
	c.mu.Lock()
	c.behavior = b
	c.mu.Unlock()
}

func (c *Terminal) Connect(addr string) error {
	if err := c.transport.Connect(addr); err != nil {
		return err
	}
	c.Connected = true
	slog.Info("Connected to kiosk relay", "name", c.Name, "addr", addr)
	return nil
}

// Start connects and serves kiosk messages until the connection closes.
func (c *Terminal) Start(addr string) error {
	if err := c.Connect(addr); err != nil {
		return err
	}
	return c.Run()
}

// Run reads and answers kiosk messages until the connection closes.
func (c *Terminal) Run() error {
	for {
		raw, err := c.transport.Read()
		if err != nil {
			c.stopPending()
			return err
		}

		payload, err := c.codec.ValidateSecureMessage(raw)
		if err != nil {
			var verr *security.ValidationError
			if errors.As(err, &verr) {
				slog.Warn("Rejected message from kiosk", "reason", verr.Reason, "error", err)
			} else {
				slog.Warn("Rejected message from kiosk", "error", err)
			}
			continue
		}
		slog.Debug("Message Received", "type", payload.Type(), "txn_id", payload.TxnID())

		c.handlerMu.RLock()
		hook := c.onMessage
		c.handlerMu.RUnlock()
		if hook != nil {
			hook(payload)
		}

		c.handle(payload)
	}
}

func (c *Terminal) Close() error {
	c.stopPending()
	c.Connected = false
	return c.transport.Close()
}

func (c *Terminal) handle(payload proto.Payload) {
	txnID := payload.TxnID()
	switch payload.Type() {
	case proto.TypeTransactionRequest:
		c.handleRequest(payload)

	case proto.TypePlanSelection:
		planID := payload.String(proto.FieldPlanID)
		slog.Info("Installment plan chosen", "txn_id", txnID, "plan_id", planID)
		c.schedule(txnID, func(b Behavior) proto.Payload {
			result := c.resultPayload(txnID, b)
			result[proto.FieldPlanID] = planID
			return result
		})

	case proto.TypeCancelTransaction:
		c.mu.Lock()
		ignore := c.behavior.IgnoreCancel
		timer, ok := c.pending[txnID]
		if ok && !ignore {
			timer.Stop()
			delete(c.pending, txnID)
		}
		c.mu.Unlock()
		slog.Info("Transaction cancelled by kiosk", "txn_id", txnID, "pending", ok, "ignored", ignore)

	default:
		slog.Warn("Unhandled message", "type", payload.Type())
	}
}

func (c *Terminal) handleRequest(payload proto.Payload) {
	txnID := payload.TxnID()
	mode := payload.String(proto.FieldMode)
	amount, err := proto.ParseAmount(payload[proto.FieldAmount])
	if err != nil {
		slog.Warn("Payment request with a bad amount", "txn_id", txnID, "error", err)
		c.send(proto.Payload{
			proto.FieldType:    proto.TypeError,
			proto.FieldTxnID:   txnID,
			proto.FieldMessage: "invalid amount",
		})
		return
	}
	slog.Info("Payment requested", "txn_id", txnID, "mode", mode, "amount", amount.StringFixed(2))

	c.mu.Lock()
	b := c.behavior
	c.mu.Unlock()

	if !b.SkipAck {
		c.send(proto.Payload{
			proto.FieldType:   proto.TypeAck,
			proto.FieldTxnID:  txnID,
			proto.FieldStatus: "received",
		})
	}

	plans := b.Plans
	if len(plans) == 0 && b.PlansFor != nil {
		plans = b.PlansFor(amount)
	}
	if mode == string(proto.ModeIPP) && len(plans) > 0 {
		c.schedule(txnID, func(Behavior) proto.Payload {
			return c.plansPayload(txnID, amount, plans)
		})
		return
	}
	c.schedule(txnID, func(b Behavior) proto.Payload {
		return c.resultPayload(txnID, b)
	})
}

// schedule sends build's payload after the behavior's delay unless the
// transaction is cancelled first.
func (c *Terminal) schedule(txnID string, build func(Behavior) proto.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.behavior

	if old, ok := c.pending[txnID]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(b.Delay, func() {
		c.mu.Lock()
		if c.pending[txnID] != timer {
			c.mu.Unlock()
			return
		}
		delete(c.pending, txnID)
		c.mu.Unlock()

		payload := build(b)
		if payload != nil {
			c.send(payload)
		}
	})
	c.pending[txnID] = timer
}

func (c *Terminal) stopPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
}

func (c *Terminal) resultPayload(txnID string, b Behavior) proto.Payload {
	result := proto.Payload{
		proto.FieldType:   proto.TypeTransactionResult,
		proto.FieldTxnID:  txnID,
		proto.FieldStatus: b.Status,
	}
	lower := strings.ToLower(b.Status)
	if strings.Contains(lower, "approved") || strings.Contains(lower, "success") {
		if b.AuthorizationCode != "" {
			result[proto.FieldAuthCode] = b.AuthorizationCode
		}
		if b.CardLast4 != "" {
			result[proto.FieldCardLast4] = b.CardLast4
		}
	}
	return result
}

func (c *Terminal) plansPayload(txnID string, amount decimal.Decimal, plans []proto.Plan) proto.Payload {
	value, err := plansValue(plans)
	if err != nil {
		slog.Error("Failed to encode plans", "txn_id", txnID, "error", err)
		return nil
	}
	return proto.Payload{
		proto.FieldType:   proto.TypeTransactionResult,
		proto.FieldTxnID:  txnID,
		proto.FieldStatus: proto.StatusIPPPlans,
		proto.FieldAmount: proto.AmountNumber(amount),
		proto.FieldPlans:  value,
	}
}

// SendResult reports an outcome outside the scripted behavior, such as a
// late result after a cancel.
func (c *Terminal) SendResult(txnID, status string) error {
	return c.send(proto.Payload{
		proto.FieldType:   proto.TypeTransactionResult,
		proto.FieldTxnID:  txnID,
		proto.FieldStatus: status,
	})
}

// SendError reports a terminal-side failure for txnID.
func (c *Terminal) SendError(txnID, message string) error {
	payload := proto.Payload{
		proto.FieldType:    proto.TypeError,
		proto.FieldMessage: message,
	}
	if txnID != "" {
		payload[proto.FieldTxnID] = txnID
	}
	return c.send(payload)
}

func (c *Terminal) send(payload proto.Payload) error {
	env, err := c.codec.CreateSecureMessage(payload)
	if err != nil {
		slog.Error("Failed to sign message", "type", payload.Type(), "error", err)
		return err
	}
	if err := c.transport.Send(env); err != nil {
		slog.Warn("Failed to send message to kiosk", "type", payload.Type(), "txn_id", payload.TxnID(), "error", err)
		return err
	}
	slog.Debug("Message Sent", "type", payload.Type(), "txn_id", payload.TxnID())
	return nil
}

// plansValue converts plans into the generic JSON form the canonical
// encoder signs.
func plansValue(plans []proto.Plan) (any, error) {
	data, err := json.Marshal(plans)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v []any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("plans: %w", err)
	}
	return v, nil
}
