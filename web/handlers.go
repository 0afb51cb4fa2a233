package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/kioskrelay/services"
)

type paymentResponse struct {
	Transaction *services.TransactionInfo `json:"transaction"`
	Outcome     *services.OutcomeInfo     `json:"outcome,omitempty"`
}

type selectPlanRequest struct {
	Index int `json:"index"`
}

func (a *API) HandleStatus(wr http.ResponseWriter, r *http.Request) {
	status, err := a.services.Payment.Status()
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, status)
}

func (a *API) HandleTerminals(wr http.ResponseWriter, r *http.Request) {
	terminals, err := a.services.Terminal.ListTerminals()
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, terminals)
}

func (a *API) HandleTransports(wr http.ResponseWriter, r *http.Request) {
	transports, err := a.services.Terminal.ListTransports()
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, transports)
}

// HandleSendPayment starts a payment. With ?wait=<duration> it also blocks
// until the terminal reports an outcome.
func (a *API) HandleSendPayment(wr http.ResponseWriter, r *http.Request) {
	var req services.PaymentRequest
	if err := decodeBody(wr, r, &req); err != nil {
		a.handleError(wr, err)
		return
	}

	wait, err := durationParam(r, "wait", 0)
	if err != nil {
		a.handleError(wr, err)
		return
	}

	txn, err := a.services.Payment.SendPayment(r.Context(), req)
	if err != nil {
		a.handleError(wr, err)
		return
	}
	if wait <= 0 {
		writeJSON(wr, http.StatusAccepted, paymentResponse{Transaction: txn})
		return
	}

	outcome, err := a.services.Payment.AwaitOutcome(r.Context(), txn.TxnID, wait)
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, paymentResponse{Transaction: txn, Outcome: outcome})
}

func (a *API) HandleAwaitOutcome(wr http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")
	timeout, err := durationParam(r, "timeout", a.outcomeTimeout)
	if err != nil {
		a.handleError(wr, err)
		return
	}

	outcome, err := a.services.Payment.AwaitOutcome(r.Context(), txnID, timeout)
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, outcome)
}

func (a *API) HandleCancel(wr http.ResponseWriter, r *http.Request) {
	if err := a.services.Payment.CancelTransaction(r.Context()); err != nil {
		a.handleError(wr, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func (a *API) HandlePlans(wr http.ResponseWriter, r *http.Request) {
	offer, err := a.services.Payment.PendingPlans()
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, offer)
}

func (a *API) HandleSelectPlan(wr http.ResponseWriter, r *http.Request) {
	var req selectPlanRequest
	if err := decodeBody(wr, r, &req); err != nil {
		a.handleError(wr, err)
		return
	}

	planID, err := a.services.Payment.SelectPlan(r.Context(), req.Index)
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]string{"plan_id": planID})
}

func (a *API) HandleAbandonPlans(wr http.ResponseWriter, r *http.Request) {
	if err := a.services.Payment.AbandonPlanSelection(); err != nil {
		a.handleError(wr, err)
		return
	}
	wr.WriteHeader(http.StatusNoContent)
}

func (a *API) HandleMetrics(wr http.ResponseWriter, r *http.Request) {
	totals, err := a.metrics.Totals(r.Context())
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, totals)
}

func decodeBody(wr http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(wr, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid request body", Cause: err}
	}
	return nil
}

func durationParam(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid " + name + " duration"}
	}
	return d, nil
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

// handleError handles service errors with proper HTTP status codes
func (a *API) handleError(wr http.ResponseWriter, err error) {
	var serviceErr services.ServiceError
	if !errors.As(err, &serviceErr) {
		slog.Error("Service error", "error", err)
		writeJSON(wr, http.StatusInternalServerError, services.ServiceError{Code: services.ErrCodeInternal, Message: "Internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch serviceErr.Code {
	case services.ErrCodeNotFound:
		status = http.StatusNotFound
	case services.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case services.ErrCodeConflict:
		status = http.StatusConflict
	case services.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	case services.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("Service error", "error", err)
	} else {
		slog.Warn("Request rejected", "code", serviceErr.Code, "error", err)
	}
	writeJSON(wr, status, serviceErr)
}
