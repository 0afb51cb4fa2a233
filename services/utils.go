package services

import (
	"errors"

	"github.com/mbocsi/kioskrelay/server"
	"github.com/mbocsi/kioskrelay/session"
)

// toServiceError maps session errors onto service error codes
func toServiceError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	code := ErrCodeInternal
	switch {
	case errors.Is(err, session.ErrInvalidPaymentMode),
		errors.Is(err, session.ErrInvalidAmount),
		errors.Is(err, session.ErrInvalidChoice),
		errors.Is(err, session.ErrInvalidPlan):
		code = ErrCodeInvalidInput
	case errors.Is(err, session.ErrTransactionActive),
		errors.Is(err, session.ErrNotSelectingPlan):
		code = ErrCodeConflict
	case errors.Is(err, session.ErrNoActiveTransaction):
		code = ErrCodeNotFound
	case errors.Is(err, session.ErrNoTerminal):
		code = ErrCodeUnavailable
	}
	return ServiceError{Code: code, Message: err.Error(), Cause: err}
}

func convertTransaction(txn *session.Transaction) *TransactionInfo {
	if txn == nil {
		return nil
	}
	return &TransactionInfo{
		TxnID:     txn.TxnID,
		Amount:    txn.Amount,
		Mode:      string(txn.Mode),
		CreatedAt: txn.CreatedAt,
	}
}

func convertOutcome(out *session.Outcome) *OutcomeInfo {
	if out == nil {
		return nil
	}
	return &OutcomeInfo{
		TxnID:             out.TxnID,
		State:             out.State.String(),
		Status:            out.Status,
		Message:           out.Message,
		AuthorizationCode: out.AuthorizationCode,
		CardLast4:         out.CardLast4,
		At:                out.At,
	}
}

func convertOffer(offer *session.PlanOffer) *OfferInfo {
	if offer == nil {
		return nil
	}
	return &OfferInfo{TxnID: offer.TxnID, Amount: offer.Amount, Plans: offer.Plans}
}

func convertClient(c server.Client) TerminalInfo {
	meta := c.Meta()
	info := TerminalInfo{
		ID:          meta.Id,
		RemoteAddr:  meta.RemoteAddr,
		ConnectedAt: meta.ConnectedAt,
	}
	if meta.Transport != nil {
		info.Protocol = meta.Transport.Meta().Protocol
	}
	return info
}

// convertTransportMeta converts transport metadata to TransportInfo
func convertTransportMeta(index int, transport server.Transport) TransportInfo {
	meta := transport.Meta()
	status := "disconnected"
	if meta.Connected {
		status = "connected"
	}

	return TransportInfo{
		Index:       index,
		Type:        meta.Protocol,
		Address:     meta.Address,
		Status:      status,
		Connections: meta.Clients,
	}
}
