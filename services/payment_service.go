package services

import (
	"context"
	"time"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/session"
)

// PaymentServiceImpl implements PaymentService on top of a session
type PaymentServiceImpl struct {
	session   *session.Session
	tracker   *OutcomeTracker
	terminals TerminalService
}

// NewPaymentService creates a new payment service
func NewPaymentService(s *session.Session, tracker *OutcomeTracker, terminals TerminalService) PaymentService {
	return &PaymentServiceImpl{session: s, tracker: tracker, terminals: terminals}
}

// SendPayment validates the request and broadcasts it to a terminal
func (ps *PaymentServiceImpl) SendPayment(ctx context.Context, req PaymentRequest) (*TransactionInfo, error) {
	mode, err := proto.ParsePaymentMode(req.Mode)
	if err != nil {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid payment mode", Cause: err}
	}
	if !req.Amount.Equal(req.Amount.Truncate(2)) {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "Amount cannot have more than two decimal places"}
	}

	txnID, err := ps.session.SendPaymentRequest(ctx, mode, req.Amount)
	if err != nil {
		return nil, toServiceError(err)
	}
	return &TransactionInfo{TxnID: txnID, Amount: req.Amount, Mode: string(mode), CreatedAt: time.Now()}, nil
}

// AwaitOutcome waits for txnID to complete, fail or be cancelled
func (ps *PaymentServiceImpl) AwaitOutcome(ctx context.Context, txnID string, timeout time.Duration) (*OutcomeInfo, error) {
	if txnID == "" {
		return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "Transaction id cannot be empty"}
	}
	return ps.tracker.Wait(ctx, txnID, func() *OutcomeInfo {
		return convertOutcome(ps.session.Snapshot().LastOutcome)
	}, timeout)
}

// CancelTransaction cancels the active transaction
func (ps *PaymentServiceImpl) CancelTransaction(ctx context.Context) error {
	return toServiceError(ps.session.CancelTransaction(ctx))
}

// PendingPlans returns the installment plans awaiting a choice
func (ps *PaymentServiceImpl) PendingPlans() (*OfferInfo, error) {
	offer, ok := ps.session.PendingOffer()
	if !ok {
		return nil, toServiceError(session.ErrNotSelectingPlan)
	}
	return convertOffer(&offer), nil
}

// SelectPlan picks the plan at the 1-based index
func (ps *PaymentServiceImpl) SelectPlan(ctx context.Context, index int) (string, error) {
	planID, err := ps.session.SelectPlan(ctx, index)
	return planID, toServiceError(err)
}

// AbandonPlanSelection cancels the transaction without choosing a plan
func (ps *PaymentServiceImpl) AbandonPlanSelection() error {
	return toServiceError(ps.session.AbandonPlanSelection())
}

// Status returns the kiosk status view
func (ps *PaymentServiceImpl) Status() (*StatusInfo, error) {
	snap := ps.session.Snapshot()
	info := &StatusInfo{
		KioskID:     ps.session.KioskID(),
		State:       snap.State.String(),
		Listening:   snap.State == session.AwaitingResponse || snap.State == session.PlanSelectionPending,
		Transaction: convertTransaction(snap.Transaction),
		Offer:       convertOffer(snap.Offer),
		LastOutcome: convertOutcome(snap.LastOutcome),
	}

	if ps.terminals != nil {
		terminals, err := ps.terminals.ListTerminals()
		if err != nil {
			return nil, err
		}
		info.Terminals = len(terminals)

		transports, err := ps.terminals.ListTransports()
		if err != nil {
			return nil, err
		}
		for _, t := range transports {
			if t.Status == "connected" {
				info.Bound = true
			}
		}
	}
	return info, nil
}
