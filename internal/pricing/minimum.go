package pricing

import (
	"fmt"

	"ValoraRamp/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultMinimum applies to tokens without an explicit entry.
var DefaultMinimum = decimal.NewFromInt(10)

type Minimum struct {
	Token  models.Token    `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	// Explicit is false when Amount is DefaultMinimum.
	Explicit bool `json:"explicit"`
}

type Minimums struct {
	table    map[models.Token]decimal.Decimal
	fallback decimal.Decimal
}

// NewMinimums builds the minimum table. A zero fallback means DefaultMinimum.
func NewMinimums(table map[models.Token]decimal.Decimal, fallback decimal.Decimal) Minimums {
	if fallback.IsZero() {
		fallback = DefaultMinimum
	}
	cp := make(map[models.Token]decimal.Decimal, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return Minimums{table: cp, fallback: fallback}
}

// StandardMinimums is the table used when nothing is configured.
func StandardMinimums() Minimums {
	return NewMinimums(map[models.Token]decimal.Decimal{
		models.TokenCELO: decimal.NewFromInt(5),
	}, DefaultMinimum)
}

func (m Minimums) For(token models.Token) Minimum {
	if v, ok := m.table[token]; ok {
		return Minimum{Token: token, Amount: v, Explicit: true}
	}
	fallback := m.fallback
	if fallback.IsZero() {
		fallback = DefaultMinimum
	}
	return Minimum{Token: token, Amount: fallback}
}

// Check returns a user-facing message when amount is below the minimum.
// The minimum itself is accepted.
func (m Minimums) Check(token models.Token, amount decimal.Decimal) string {
	floor := m.For(token)
	if amount.LessThan(floor.Amount) {
		return fmt.Sprintf("Minimum amount is %s %s", floor.Amount.String(), token.Symbol())
	}
	return ""
}
