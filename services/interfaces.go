package services

import (
	"context"
	"time"
)

// PaymentService drives the kiosk's single payment session
type PaymentService interface {
	// Transaction lifecycle
	SendPayment(ctx context.Context, req PaymentRequest) (*TransactionInfo, error)
	AwaitOutcome(ctx context.Context, txnID string, timeout time.Duration) (*OutcomeInfo, error)
	CancelTransaction(ctx context.Context) error

	// Installment plans
	PendingPlans() (*OfferInfo, error)
	SelectPlan(ctx context.Context, index int) (string, error)
	AbandonPlanSelection() error

	Status() (*StatusInfo, error)
}

// TerminalService reports connected terminals and listeners
type TerminalService interface {
	ListTerminals() ([]TerminalInfo, error)
	ListTransports() ([]TransportInfo, error)
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Payment  PaymentService
	Terminal TerminalService
}
