package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/security"
	"github.com/mbocsi/kioskrelay/server"
	"github.com/mbocsi/kioskrelay/services"
	"github.com/mbocsi/kioskrelay/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeTerminal struct {
	meta server.ClientMetadata
	mu   sync.Mutex
	sent []proto.Envelope
}

func (c *pipeTerminal) Send(line []byte) error {
	env, err := proto.DecodeEnvelope(line)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *pipeTerminal) Close() error                 { return nil }
func (c *pipeTerminal) Meta() *server.ClientMetadata { return &c.meta }

func (c *pipeTerminal) last() proto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type noTransports struct{}

func (noTransports) Transports() []server.Transport { return nil }

func newTestServer(t *testing.T) (*MCPServer, *session.Session, *services.ServiceManager, *pipeTerminal) {
	t.Helper()
	signer, err := security.NewSigner(security.DefaultSharedSecret)
	require.NoError(t, err)
	codec := security.NewCodec(signer, security.NewReplayGuard(0, 0, nil), nil)

	registry := server.NewConnectionRegistry(nil)
	s := session.New(session.Options{KioskID: "KIOSK001"}, codec, registry)
	sm := services.NewServiceManager(s, registry, noTransports{}, nil)

	terminal := &pipeTerminal{meta: server.ClientMetadata{Id: "tcp-1", RemoteAddr: "10.0.0.5:5000"}}
	registry.Accept(terminal)

	return NewMCPServer(sm.GetServices(), time.Second), s, sm, terminal
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestSendPaymentTool(t *testing.T) {
	s, _, _, terminal := newTestServer(t)

	res, err := s.handleSendPayment(context.Background(), callRequest("send_payment", map[string]any{
		"payment_mode": "card",
		"amount":       "25.50",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError, resultText(t, res))

	var body struct {
		Transaction services.TransactionInfo `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
	assert.Equal(t, "card", body.Transaction.Mode)

	sent := terminal.last()
	assert.Equal(t, proto.TypeTransactionRequest, sent.Payload.Type())
	assert.Equal(t, body.Transaction.TxnID, sent.Payload.TxnID())
}

func TestSendPaymentTool_Rejections(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing mode", map[string]any{"amount": "1.00"}},
		{"missing amount", map[string]any{"payment_mode": "card"}},
		{"not a number", map[string]any{"payment_mode": "card", "amount": "ten"}},
		{"unknown mode", map[string]any{"payment_mode": "cash", "amount": "1.00"}},
		{"too many decimals", map[string]any{"payment_mode": "card", "amount": "1.005"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _, _ := newTestServer(t)
			res, err := s.handleSendPayment(context.Background(), callRequest("send_payment", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
}

func TestSendPaymentTool_WaitsForOutcome(t *testing.T) {
	s, sess, sm, terminal := newTestServer(t)

	go func() {
		for sm.Tracker().Pending() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		sess.Dispatch(proto.Payload{
			"type":               proto.TypeTransactionResult,
			"txn_id":             terminal.last().Payload.TxnID(),
			"status":             "approved",
			"authorization_code": "AUTH1",
		})
	}()

	res, err := s.handleSendPayment(context.Background(), callRequest("send_payment", map[string]any{
		"payment_mode": "duitnow_qr",
		"amount":       "10",
		"wait_seconds": 2.0,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var body struct {
		Outcome services.OutcomeInfo `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
	assert.Equal(t, "completed", body.Outcome.State)
	assert.Equal(t, "AUTH1", body.Outcome.AuthorizationCode)
}

func TestCancelTransactionTool(t *testing.T) {
	s, _, _, terminal := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCancelTransaction(ctx, callRequest("cancel_transaction", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError, "nothing to cancel")
	assert.Contains(t, resultText(t, res), services.ErrCodeNotFound)

	_, err = s.handleSendPayment(ctx, callRequest("send_payment", map[string]any{"payment_mode": "bnpl", "amount": "40"}))
	require.NoError(t, err)

	res, err = s.handleCancelTransaction(ctx, callRequest("cancel_transaction", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, proto.TypeCancelTransaction, terminal.last().Payload.Type())
}

func TestPlanTools(t *testing.T) {
	s, sess, _, terminal := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleListPlans(ctx, callRequest("list_plans", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = s.handleSendPayment(ctx, callRequest("send_payment", map[string]any{"payment_mode": "ipp", "amount": "120.00"}))
	require.NoError(t, err)
	sess.Dispatch(proto.Payload{
		"type":   proto.TypeTransactionResult,
		"txn_id": terminal.last().Payload.TxnID(),
		"status": "ipp_plans",
		"amount": 120,
		"plans": []any{
			map[string]any{"planId": "P3", "frequency": "MONTHLY", "totalInstallments": 3},
			map[string]any{"planId": "P6", "frequency": "MONTHLY", "totalInstallments": 6},
		},
	})

	res, err = s.handleListPlans(ctx, callRequest("list_plans", nil))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var offer services.OfferInfo
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &offer))
	require.Len(t, offer.Plans, 2)

	res, err = s.handleSelectPlan(ctx, callRequest("select_plan", map[string]any{"index": 9}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSelectPlan(ctx, callRequest("select_plan", map[string]any{"index": 2}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "P6")

	sent := terminal.last()
	assert.Equal(t, proto.TypePlanSelection, sent.Payload.Type())
	assert.Equal(t, "P6", sent.Payload.String(proto.FieldPlanID))
}

func TestAbandonPlanSelectionTool(t *testing.T) {
	s, sess, _, terminal := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleSendPayment(ctx, callRequest("send_payment", map[string]any{"payment_mode": "ipp", "amount": "120"}))
	require.NoError(t, err)
	sess.Dispatch(proto.Payload{
		"type":   proto.TypeTransactionResult,
		"txn_id": terminal.last().Payload.TxnID(),
		"status": "ipp_plans",
		"plans":  []any{map[string]any{"planId": "P3", "totalInstallments": 3}},
	})

	res, err := s.handleAbandonPlanSelection(ctx, callRequest("abandon_plan_selection", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, session.Cancelled, sess.State())
}

func TestStatusAndTerminalTools(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleGetStatus(ctx, callRequest("get_status", nil))
	require.NoError(t, err)
	var status services.StatusInfo
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &status))
	assert.Equal(t, "KIOSK001", status.KioskID)
	assert.Equal(t, "idle", status.State)

	res, err = s.handleListTerminals(ctx, callRequest("list_terminals", map[string]any{"include_transports": true}))
	require.NoError(t, err)
	var body struct {
		Count      int                      `json:"count"`
		Terminals  []services.TerminalInfo  `json:"terminals"`
		Transports []services.TransportInfo `json:"transports"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "tcp-1", body.Terminals[0].ID)
}
