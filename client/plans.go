package client

import (
	"fmt"
	"time"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/shopspring/decimal"
)

var onePercent = decimal.RequireFromString("0.01")

// SamplePlans builds monthly installment plans for amount, one per count.
// Each installment carries a 1% fee; the last installment absorbs rounding.
func SamplePlans(amount decimal.Decimal, start time.Time, counts ...int) []proto.Plan {
	plans := make([]proto.Plan, 0, len(counts))
	for _, n := range counts {
		if n <= 0 {
			continue
		}
		each := amount.Div(decimal.NewFromInt(int64(n))).Round(2)
		details := make([]proto.InstallmentDetail, n)
		remaining := amount
		for i := range details {
			part := each
			if i == n-1 {
				part = remaining
			}
			remaining = remaining.Sub(part)
			details[i] = proto.InstallmentDetail{
				InstallmentNumber:        i + 1,
				Date:                     start.AddDate(0, i, 0).Format("2006-01-02"),
				Amount:                   part,
				InstallmentFee:           part.Mul(onePercent).Round(2),
				InstallmentFeePercentage: decimal.NewFromInt(1),
			}
		}
		plans = append(plans, proto.Plan{
			PlanID:             fmt.Sprintf("P%d", n),
			Frequency:          "MONTHLY",
			TotalInstallments:  n,
			InstallmentDetails: details,
		})
	}
	return plans
}
