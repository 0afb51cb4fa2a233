package proto

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Plan is one installment option offered by the terminal in an ipp_plans result.
type Plan struct {
	PlanID             string              `json:"planId"`
	Frequency          string              `json:"frequency,omitempty"`
	TotalInstallments  int                 `json:"totalInstallments,omitempty"`
	InstallmentDetails []InstallmentDetail `json:"installmentDetails,omitempty"`
}

type InstallmentDetail struct {
	InstallmentNumber        int             `json:"installmentNumber"`
	Date                     string          `json:"date"`
	Amount                   decimal.Decimal `json:"amount"`
	InstallmentFee           decimal.Decimal `json:"installmentFee"`
	InstallmentFeePercentage decimal.Decimal `json:"installmentFeePercentage"`
}

// PlansFrom extracts the offered plans from a transaction_result payload.
// A missing or null plans field yields an empty list.
func PlansFrom(p Payload) ([]Plan, error) {
	v, ok := p[FieldPlans]
	if !ok || v == nil {
		return nil, nil
	}
	if _, isList := v.([]any); !isList {
		return nil, fmt.Errorf("plans: expected a list, got %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("plans: %w", err)
	}
	var plans []Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("plans: %w", err)
	}
	return plans, nil
}
