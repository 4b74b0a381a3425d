package lifecycle

import (
	"encoding/json"

	"ValoraRamp/internal/models"
	"ValoraRamp/internal/pricing"

	"github.com/shopspring/decimal"
)

type fixedOrder struct {
	models.Order
	TokenAmount string `json:"tokenAmount"`
	FiatAmount  string `json:"fiatAmount"`
	Rate        string `json:"rate"`
}

type fixedBreakdown struct {
	Rate        string `json:"rate"`
	TokenAmount string `json:"tokenAmount"`
	FiatAmount  string `json:"fiatAmount"`
	Fee         string `json:"fee"`
	Total       string `json:"total"`
	Display     string `json:"display"`
}

// MarshalJSON renders order amounts, the rate, the fee breakdown and the
// balance with exactly pricing.Places decimals ("4500.0000").
func (v View) MarshalJSON() ([]byte, error) {
	type plain View
	out := struct {
		plain
		Order     fixedOrder      `json:"order"`
		Breakdown *fixedBreakdown `json:"breakdown,omitempty"`
		Balance   *string         `json:"balance,omitempty"`
	}{
		plain: plain(v),
		Order: fixedOrder{
			Order:       v.Order,
			TokenAmount: pricing.Fixed(v.Order.TokenAmount),
			FiatAmount:  pricing.Fixed(v.Order.FiatAmount),
			Rate:        pricing.Fixed(v.Order.Rate),
		},
	}
	if b := v.Breakdown; b != nil {
		out.Breakdown = &fixedBreakdown{
			Rate:        pricing.Fixed(b.Rate),
			TokenAmount: pricing.Fixed(b.TokenAmount),
			FiatAmount:  pricing.Fixed(b.FiatAmount),
			Fee:         pricing.Fixed(b.Fee),
			Total:       pricing.Fixed(b.Total),
			Display:     b.Display,
		}
	}
	if v.Balance != nil {
		out.Balance = fixedPtr(*v.Balance)
	}
	return json.Marshal(out)
}

func fixedPtr(d decimal.Decimal) *string {
	s := pricing.Fixed(d)
	return &s
}
