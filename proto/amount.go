package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountNumber renders an amount as a JSON number literal in the form float
// producers use: trailing zeros trimmed, integral values keep ".0".
func AmountNumber(d decimal.Decimal) json.Number {
	s := d.String()
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

// ParseAmount reads an amount field that may arrive as a number or a string.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(t))
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case nil:
		return decimal.Zero, fmt.Errorf("amount missing")
	}
	return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
}
