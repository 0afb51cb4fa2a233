package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/shopspring/decimal"
)

var (
	ErrNotSelectingPlan = errors.New("no installment plan selection pending")
	ErrInvalidChoice    = errors.New("invalid plan choice")
	ErrInvalidPlan      = errors.New("selected plan has no plan id")
	ErrPromptAborted    = errors.New("plan prompt aborted")
)

// PlanOffer is the set of installment plans a terminal is waiting on.
type PlanOffer struct {
	TxnID  string
	Amount decimal.Decimal
	Plans  []proto.Plan
}

func (o PlanOffer) clone() PlanOffer {
	o.Plans = append([]proto.Plan(nil), o.Plans...)
	return o
}

func (s *Session) offerPlansLocked(payload proto.Payload) []Event {
	active := s.txn.TxnID
	plans, err := proto.PlansFrom(payload)
	if err != nil {
		slog.Warn("Unreadable installment plans", "txn_id", active, "error", err)
		plans = nil
	}
	if len(plans) == 0 {
		slog.Warn("No installment plans available", "txn_id", active)
		return []Event{{Kind: EventNoPlans, TxnID: active, State: s.state}}
	}

	amount, err := proto.ParseAmount(payload[proto.FieldAmount])
	if err != nil {
		amount = decimal.Zero
	}
	s.state = PlanSelectionPending
	s.offer = &PlanOffer{TxnID: active, Amount: amount, Plans: plans}

	offer := s.offer.clone()
	slog.Info("Installment plans offered", "txn_id", active, "count", len(plans))
	return []Event{{Kind: EventPlansOffered, TxnID: active, State: PlanSelectionPending, Amount: amount, Offer: &offer}}
}

// PendingOffer returns the plans awaiting a choice, if any.
func (s *Session) PendingOffer() (PlanOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PlanSelectionPending || s.offer == nil {
		return PlanOffer{}, false
	}
	return s.offer.clone(), true
}

// SelectPlan sends the plan at the 1-based index to the terminal. On a
// failed broadcast the offer stays pending so the operator can retry.
func (s *Session) SelectPlan(ctx context.Context, index int) (string, error) {
	s.mu.Lock()
	if s.state != PlanSelectionPending || s.offer == nil {
		s.mu.Unlock()
		return "", ErrNotSelectingPlan
	}
	plans := s.offer.Plans
	if index < 1 || index > len(plans) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: enter a number between 1 and %d", ErrInvalidChoice, len(plans))
	}
	planID := plans[index-1].PlanID
	if planID == "" {
		s.mu.Unlock()
		return "", ErrInvalidPlan
	}

	txnID := s.txn.TxnID
	env, err := s.factory.CreateSecureMessage(proto.Payload{
		proto.FieldType:    proto.TypePlanSelection,
		proto.FieldTxnID:   txnID,
		proto.FieldPlanID:  planID,
		proto.FieldKioskID: s.kioskID,
	})
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if !s.broadcaster.BroadcastOnce(ctx, env) {
		s.mu.Unlock()
		slog.Warn("Plan selection not delivered", "txn_id", txnID, "plan_id", planID)
		return "", ErrNoTerminal
	}

	s.state = AwaitingResponse
	s.offer = nil
	s.mu.Unlock()

	slog.Info("Installment plan selected", "txn_id", txnID, "plan_id", planID)
	s.emit(Event{Kind: EventPlanSelected, TxnID: txnID, State: AwaitingResponse, PlanID: planID})
	return planID, nil
}

// AbandonPlanSelection cancels the transaction locally. The terminal is not
// told; it times the request out on its own.
func (s *Session) AbandonPlanSelection() error {
	s.mu.Lock()
	if s.state != PlanSelectionPending {
		s.mu.Unlock()
		return ErrNotSelectingPlan
	}
	ev := s.finishLocked(Cancelled, Outcome{Status: "cancelled", Message: "plan selection abandoned"})
	s.mu.Unlock()

	slog.Info("Installment plan selection abandoned", "txn_id", ev.TxnID)
	s.emit(ev)
	return nil
}

// Choice is a parsed operator answer to a plan prompt.
type Choice struct {
	Cancel bool
	Index  int
}

// ParseChoice reads "q" as cancel and otherwise expects a number in 1..n.
func ParseChoice(input string, n int) (Choice, error) {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, "q") {
		return Choice{Cancel: true}, nil
	}
	idx, err := strconv.Atoi(input)
	if err != nil {
		return Choice{}, fmt.Errorf("%w: please enter a valid number", ErrInvalidChoice)
	}
	if idx < 1 || idx > n {
		return Choice{}, fmt.Errorf("%w: enter a number between 1 and %d", ErrInvalidChoice, n)
	}
	return Choice{Index: idx}, nil
}

// Prompter asks an operator to pick one of the offered plans.
type Prompter interface {
	// PromptPlan blocks until the operator answers or ctx ends.
	PromptPlan(ctx context.Context, offer PlanOffer) (string, error)
	// Reject tells the operator why the last answer was not accepted.
	Reject(err error)
}

// RunPlanSelection drives a prompter until a plan is sent or the selection is
// abandoned. It is meant to run on its own goroutine after EventPlansOffered,
// so inbound traffic keeps flowing while the operator decides.
func RunPlanSelection(ctx context.Context, s *Session, p Prompter) error {
	offer, ok := s.PendingOffer()
	if !ok {
		return ErrNotSelectingPlan
	}

	for {
		input, err := p.PromptPlan(ctx, offer)
		if err != nil {
			if errors.Is(err, ErrPromptAborted) || ctx.Err() != nil {
				if abandonErr := s.AbandonPlanSelection(); abandonErr != nil && !errors.Is(abandonErr, ErrNotSelectingPlan) {
					return abandonErr
				}
			}
			return err
		}

		choice, err := ParseChoice(input, len(offer.Plans))
		if err != nil {
			p.Reject(err)
			continue
		}
		if choice.Cancel {
			return s.AbandonPlanSelection()
		}

		_, err = s.SelectPlan(ctx, choice.Index)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrInvalidPlan), errors.Is(err, ErrInvalidChoice):
			p.Reject(err)
		default:
			return err
		}
	}
}

// RenderPlans writes a numbered plan table for an operator.
func RenderPlans(w io.Writer, offer PlanOffer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Installment plans for %s (RM %s)\n", offer.TxnID, offer.Amount.StringFixed(2))
	for i, plan := range offer.Plans {
		fmt.Fprintf(&b, "%d. %s: %d installments, %s\n", i+1, plan.PlanID, plan.TotalInstallments, strings.ToLower(plan.Frequency))
		for _, d := range plan.InstallmentDetails {
			fmt.Fprintf(&b, "   #%d %s  RM %s  fee RM %s (%s%%)\n",
				d.InstallmentNumber, d.Date, d.Amount.StringFixed(2), d.InstallmentFee.StringFixed(2), d.InstallmentFeePercentage.String())
		}
	}
	fmt.Fprintf(&b, "Enter 1-%d, or q to cancel\n", len(offer.Plans))
	_, err := io.WriteString(w, b.String())
	return err
}
