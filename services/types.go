package services

import (
	"time"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/shopspring/decimal"
)

// PaymentRequest is an operator's request to start a payment
type PaymentRequest struct {
	Mode   string          `json:"payment_mode"`
	Amount decimal.Decimal `json:"amount"`
}

// TransactionInfo describes the transaction currently in flight
type TransactionInfo struct {
	TxnID     string          `json:"txn_id"`
	Amount    decimal.Decimal `json:"amount"`
	Mode      string          `json:"payment_mode"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutcomeInfo describes how a transaction ended
type OutcomeInfo struct {
	TxnID             string    `json:"txn_id"`
	State             string    `json:"state"`
	Status            string    `json:"status,omitempty"`
	Message           string    `json:"message,omitempty"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	CardLast4         string    `json:"card_last4,omitempty"`
	At                time.Time `json:"at"`
}

// OfferInfo lists installment plans awaiting a choice
type OfferInfo struct {
	TxnID  string          `json:"txn_id"`
	Amount decimal.Decimal `json:"amount"`
	Plans  []proto.Plan    `json:"plans"`
}

// StatusInfo is the kiosk status view
type StatusInfo struct {
	KioskID     string           `json:"kiosk_id"`
	State       string           `json:"state"`
	Listening   bool             `json:"listening"` // waiting on a terminal response
	Bound       bool             `json:"bound"`     // some transport is accepting terminals
	Terminals   int              `json:"terminals"`
	Transaction *TransactionInfo `json:"transaction,omitempty"`
	Offer       *OfferInfo       `json:"offer,omitempty"`
	LastOutcome *OutcomeInfo     `json:"last_outcome,omitempty"`
}

// TerminalInfo represents a connected POS terminal
type TerminalInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Protocol    string    `json:"protocol"`
	ConnectedAt time.Time `json:"connected_at"`
}

// TransportInfo represents transport listener information
type TransportInfo struct {
	Index       int    `json:"index"`
	Type        string `json:"type"`
	Address     string `json:"address"`
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error { return e.Cause }

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
