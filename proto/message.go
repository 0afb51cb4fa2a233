package proto

import (
	"encoding/json"
	"fmt"
)

// Outbound message types (kiosk -> terminal).
const (
	TypeTransactionRequest = "transaction_request"
	TypeCancelTransaction  = "cancel_transaction"
	TypePlanSelection      = "ipp_plan_selection"
)

// Inbound message types (terminal -> kiosk).
const (
	TypeAck               = "ack"
	TypeTransactionResult = "transaction_result"
	TypeError             = "error"
)

// StatusIPPPlans is the transaction_result status asking the kiosk to pick an installment plan.
const StatusIPPPlans = "ipp_plans"

// Payload field names shared by every message.
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldNonce     = "nonce"
	FieldTxnID     = "txn_id"
	FieldKioskID   = "kiosk_id"
	FieldStatus    = "status"
	FieldAmount    = "amount"
	FieldMode      = "payment_mode"
	FieldPlanID    = "plan_id"
	FieldPlans     = "plans"
	FieldMessage   = "message"
	FieldAuthCode  = "authorization_code"
	FieldCardLast4 = "card_last4"
)

type PaymentMode string

const (
	ModeCard      PaymentMode = "card"
	ModeBNPL      PaymentMode = "bnpl"
	ModeDuitNowQR PaymentMode = "duitnow_qr"
	ModeIPP       PaymentMode = "ipp"
)

var PaymentModes = []PaymentMode{ModeCard, ModeBNPL, ModeDuitNowQR, ModeIPP}

func (m PaymentMode) Valid() bool {
	switch m {
	case ModeCard, ModeBNPL, ModeDuitNowQR, ModeIPP:
		return true
	}
	return false
}

func ParsePaymentMode(s string) (PaymentMode, error) {
	m := PaymentMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown payment mode %q", s)
	}
	return m, nil
}

// Payload is the signed body of an envelope. Numbers decoded from the wire are
// kept as json.Number so they re-encode to the exact literal the peer signed.
type Payload map[string]any

// Envelope is the unit exchanged over the wire.
type Envelope struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}

// RawEnvelope is an inbound line decoded only down to its top-level keys.
type RawEnvelope map[string]json.RawMessage

func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the field as a string. Numbers are returned in their literal
// form; anything else yields "".
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func (p Payload) Type() string  { return p.String(FieldType) }
func (p Payload) TxnID() string { return p.String(FieldTxnID) }

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}
