package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/services"
	"github.com/shopspring/decimal"
)

func (s *MCPServer) registerPaymentTools() {
	sendPaymentTool := mcp.NewTool("send_payment",
		mcp.WithDescription("Ask the connected POS terminal to collect a payment"),
		mcp.WithString("payment_mode",
			mcp.Required(),
			mcp.Description("How the customer pays"),
			mcp.Enum(paymentModes()...),
		),
		mcp.WithString("amount",
			mcp.Required(),
			mcp.Description("Amount in ringgit, at most two decimal places, e.g. \"25.50\""),
		),
		mcp.WithNumber("wait_seconds",
			mcp.Description("Wait this long for the terminal's outcome; 0 returns immediately"),
		),
	)
	s.Server.AddTool(sendPaymentTool, s.handleSendPayment)

	cancelTool := mcp.NewTool("cancel_transaction",
		mcp.WithDescription("Cancel the transaction in flight"),
	)
	s.Server.AddTool(cancelTool, s.handleCancelTransaction)

	outcomeTool := mcp.NewTool("await_outcome",
		mcp.WithDescription("Wait for the outcome of a transaction"),
		mcp.WithString("txn_id",
			mcp.Required(),
			mcp.Description("Transaction id returned by send_payment"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Timeout in seconds"),
		),
	)
	s.Server.AddTool(outcomeTool, s.handleAwaitOutcome)
}

func (s *MCPServer) registerPlanTools() {
	listPlansTool := mcp.NewTool("list_plans",
		mcp.WithDescription("List the installment plans the terminal offered for the current transaction"),
	)
	s.Server.AddTool(listPlansTool, s.handleListPlans)

	selectPlanTool := mcp.NewTool("select_plan",
		mcp.WithDescription("Choose one of the offered installment plans"),
		mcp.WithNumber("index",
			mcp.Required(),
			mcp.Description("1-based position of the plan in list_plans"),
		),
	)
	s.Server.AddTool(selectPlanTool, s.handleSelectPlan)

	abandonTool := mcp.NewTool("abandon_plan_selection",
		mcp.WithDescription("Give up on the installment offer without choosing a plan"),
	)
	s.Server.AddTool(abandonTool, s.handleAbandonPlanSelection)
}

func (s *MCPServer) registerSystemTools() {
	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Get the kiosk state, current transaction and last outcome"),
	)
	s.Server.AddTool(statusTool, s.handleGetStatus)

	terminalsTool := mcp.NewTool("list_terminals",
		mcp.WithDescription("List connected POS terminals"),
		mcp.WithBoolean("include_transports",
			mcp.Description("Include listener information"),
		),
	)
	s.Server.AddTool(terminalsTool, s.handleListTerminals)
}

func (s *MCPServer) handleSendPayment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode, err := request.RequireString("payment_mode")
	if err != nil {
		return mcp.NewToolResultError("payment_mode is required and must be a string"), nil
	}
	rawAmount, err := request.RequireString("amount")
	if err != nil {
		return mcp.NewToolResultError("amount is required and must be a string"), nil
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("amount %q is not a number", rawAmount)), nil
	}

	txn, err := s.services.Payment.SendPayment(ctx, services.PaymentRequest{Mode: mode, Amount: amount})
	if err != nil {
		return toolError("Failed to send payment", err), nil
	}

	wait := request.GetFloat("wait_seconds", 0)
	if wait <= 0 {
		return jsonResult(map[string]any{"transaction": txn})
	}

	outcome, err := s.services.Payment.AwaitOutcome(ctx, txn.TxnID, seconds(wait))
	if err != nil {
		return toolError("Payment "+txn.TxnID+" sent but no outcome", err), nil
	}
	return jsonResult(map[string]any{"transaction": txn, "outcome": outcome})
}

func (s *MCPServer) handleCancelTransaction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.services.Payment.CancelTransaction(ctx); err != nil {
		return toolError("Failed to cancel", err), nil
	}
	return mcp.NewToolResultText("Transaction cancelled"), nil
}

func (s *MCPServer) handleAwaitOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txnID, err := request.RequireString("txn_id")
	if err != nil {
		return mcp.NewToolResultError("txn_id is required and must be a string"), nil
	}
	timeout := s.outcomeTimeout
	if secs := request.GetFloat("timeout", 0); secs > 0 {
		timeout = seconds(secs)
	}

	outcome, err := s.services.Payment.AwaitOutcome(ctx, txnID, timeout)
	if err != nil {
		return toolError("No outcome for "+txnID, err), nil
	}
	return jsonResult(outcome)
}

func (s *MCPServer) handleListPlans(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offer, err := s.services.Payment.PendingPlans()
	if err != nil {
		return toolError("No plans", err), nil
	}
	return jsonResult(offer)
}

func (s *MCPServer) handleSelectPlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	index, err := request.RequireInt("index")
	if err != nil {
		return mcp.NewToolResultError("index is required and must be a number"), nil
	}
	planID, err := s.services.Payment.SelectPlan(ctx, index)
	if err != nil {
		return toolError("Failed to select plan", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Selected plan %s", planID)), nil
}

func (s *MCPServer) handleAbandonPlanSelection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.services.Payment.AbandonPlanSelection(); err != nil {
		return toolError("Failed to abandon plan selection", err), nil
	}
	return mcp.NewToolResultText("Plan selection abandoned"), nil
}

func (s *MCPServer) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.services.Payment.Status()
	if err != nil {
		return toolError("Failed to get status", err), nil
	}
	return jsonResult(status)
}

func (s *MCPServer) handleListTerminals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	terminals, err := s.services.Terminal.ListTerminals()
	if err != nil {
		return toolError("Error listing terminals", err), nil
	}
	result := map[string]any{
		"terminals": terminals,
		"count":     len(terminals),
	}
	if request.GetBool("include_transports", false) {
		transports, err := s.services.Terminal.ListTransports()
		if err == nil {
			result["transports"] = transports
		}
	}
	return jsonResult(result)
}

func paymentModes() []string {
	modes := make([]string, len(proto.PaymentModes))
	for i, m := range proto.PaymentModes {
		modes[i] = string(m)
	}
	return modes
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError reports service errors as tool-level failures so the model sees
// the code and message.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var serviceErr services.ServiceError
	if errors.As(err, &serviceErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s (%s)", prefix, serviceErr.Message, serviceErr.Code))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
