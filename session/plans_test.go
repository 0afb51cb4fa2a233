package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ippPlans() []any {
	return []any{
		map[string]any{
			"planId":            "P3",
			"frequency":         "MONTHLY",
			"totalInstallments": 3,
			"installmentDetails": []any{
				map[string]any{"installmentNumber": 1, "date": "2024-07-01", "amount": 40, "installmentFee": 1.2, "installmentFeePercentage": 1},
			},
		},
		map[string]any{"planId": "P6", "frequency": "MONTHLY", "totalInstallments": 6},
		map[string]any{"frequency": "WEEKLY", "totalInstallments": 4},
	}
}

func (f *fixture) offerPlans(t *testing.T) string {
	t.Helper()
	txnID := f.send(t, "120")
	f.session.Dispatch(proto.Payload{
		"type":   "transaction_result",
		"txn_id": txnID,
		"status": "ipp_plans",
		"amount": 120.0,
		"plans":  ippPlans(),
	})
	require.Equal(t, PlanSelectionPending, f.session.State())
	return txnID
}

func TestPlansOffered(t *testing.T) {
	f := newFixture(t)
	txnID := f.offerPlans(t)

	offer, ok := f.session.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, txnID, offer.TxnID)
	assert.Equal(t, "120", offer.Amount.String())
	require.Len(t, offer.Plans, 3)
	assert.Equal(t, "P3", offer.Plans[0].PlanID)
	assert.Equal(t, "1.2", offer.Plans[0].InstallmentDetails[0].InstallmentFee.String())
	assert.Equal(t, []EventKind{EventRequestSent, EventPlansOffered}, f.events.kinds())
}

func TestPlansOffered_EmptyListIsNoOp(t *testing.T) {
	f := newFixture(t)
	txnID := f.send(t, "120")

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "ipp_plans", "plans": []any{}})
	assert.Equal(t, AwaitingResponse, f.session.State())

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "ipp_plans"})
	assert.Equal(t, AwaitingResponse, f.session.State())
	assert.Equal(t, []EventKind{EventRequestSent, EventNoPlans, EventNoPlans}, f.events.kinds())
}

func TestSelectPlan(t *testing.T) {
	f := newFixture(t)
	txnID := f.offerPlans(t)

	planID, err := f.session.SelectPlan(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "P6", planID)
	assert.Equal(t, AwaitingResponse, f.session.State())

	sent := f.bus.last(t)
	assert.Equal(t, proto.TypePlanSelection, sent.Type())
	assert.Equal(t, txnID, sent.TxnID())
	assert.Equal(t, "P6", sent[proto.FieldPlanID])

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "approved"})
	assert.Equal(t, Completed, f.session.State())
}

func TestSelectPlan_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.SelectPlan(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotSelectingPlan)

	f.offerPlans(t)
	_, err = f.session.SelectPlan(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidChoice)
	_, err = f.session.SelectPlan(context.Background(), 4)
	assert.ErrorIs(t, err, ErrInvalidChoice)
	_, err = f.session.SelectPlan(context.Background(), 3)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	f.bus.setOffline(true)
	_, err = f.session.SelectPlan(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoTerminal)
	assert.Equal(t, PlanSelectionPending, f.session.State())
}

func TestAbandonPlanSelection(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)
	sentBefore := f.bus.count()

	require.NoError(t, f.session.AbandonPlanSelection())
	assert.Equal(t, Cancelled, f.session.State())
	assert.Equal(t, sentBefore, f.bus.count(), "abandoning is local only")

	assert.ErrorIs(t, f.session.AbandonPlanSelection(), ErrNotSelectingPlan)
}

func TestDispatch_ResultIgnoredWhileSelectingPlan(t *testing.T) {
	f := newFixture(t)
	txnID := f.offerPlans(t)

	f.session.Dispatch(proto.Payload{"type": "transaction_result", "txn_id": txnID, "status": "approved"})
	assert.Equal(t, PlanSelectionPending, f.session.State())
}

func TestCancelWhileSelectingPlan(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)

	require.NoError(t, f.session.CancelTransaction(context.Background()))
	assert.Equal(t, Cancelled, f.session.State())
	assert.Equal(t, proto.TypeCancelTransaction, f.bus.last(t).Type())
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		input string
		want  Choice
		err   bool
	}{
		{"1", Choice{Index: 1}, false},
		{" 3 ", Choice{Index: 3}, false},
		{"q", Choice{Cancel: true}, false},
		{"Q", Choice{Cancel: true}, false},
		{"0", Choice{}, true},
		{"4", Choice{}, true},
		{"two", Choice{}, true},
		{"", Choice{}, true},
	}

	for _, tt := range tests {
		got, err := ParseChoice(tt.input, 3)
		if tt.err {
			assert.ErrorIs(t, err, ErrInvalidChoice, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got)
	}
}

type scriptedPrompter struct {
	mu       sync.Mutex
	answers  []string
	err      error
	rejected []error
}

func (p *scriptedPrompter) PromptPlan(ctx context.Context, offer PlanOffer) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.answers) == 0 {
		if p.err != nil {
			return "", p.err
		}
		return "", ErrPromptAborted
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

func (p *scriptedPrompter) Reject(err error) {
	p.mu.Lock()
	p.rejected = append(p.rejected, err)
	p.mu.Unlock()
}

func TestRunPlanSelection_RetriesUntilValid(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)
	p := &scriptedPrompter{answers: []string{"abc", "9", "3", "1"}}

	require.NoError(t, RunPlanSelection(context.Background(), f.session, p))
	assert.Equal(t, AwaitingResponse, f.session.State())
	assert.Equal(t, "P3", f.bus.last(t)[proto.FieldPlanID])
	require.Len(t, p.rejected, 3)
	assert.ErrorIs(t, p.rejected[2], ErrInvalidPlan)
}

func TestRunPlanSelection_Quit(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)

	require.NoError(t, RunPlanSelection(context.Background(), f.session, &scriptedPrompter{answers: []string{"q"}}))
	assert.Equal(t, Cancelled, f.session.State())
}

func TestRunPlanSelection_AbortAbandons(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)

	err := RunPlanSelection(context.Background(), f.session, &scriptedPrompter{})
	assert.ErrorIs(t, err, ErrPromptAborted)
	assert.Equal(t, Cancelled, f.session.State())
}

func TestRunPlanSelection_PromptFailureKeepsOffer(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)
	boom := errors.New("terminal closed")

	err := RunPlanSelection(context.Background(), f.session, &scriptedPrompter{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, PlanSelectionPending, f.session.State())
}

func TestRunPlanSelection_NothingPending(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, RunPlanSelection(context.Background(), f.session, &scriptedPrompter{}), ErrNotSelectingPlan)
}

func TestRenderPlans(t *testing.T) {
	f := newFixture(t)
	f.offerPlans(t)
	offer, _ := f.session.PendingOffer()

	var buf bytes.Buffer
	require.NoError(t, RenderPlans(&buf, offer))
	out := buf.String()
	assert.Contains(t, out, "(RM 120.00)")
	assert.Contains(t, out, "1. P3: 3 installments, monthly")
	assert.Contains(t, out, "#1 2024-07-01  RM 40.00  fee RM 1.20 (1%)")
	assert.Contains(t, out, "Enter 1-3, or q to cancel")
}
