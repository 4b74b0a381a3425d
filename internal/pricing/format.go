package pricing

import (
	"strings"

	"ValoraRamp/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var fiatLocales = map[string]string{
	"NGN": "en-NG",
	"GHS": "en-GH",
}

const (
	fallbackCurrency = "NGN"
	fallbackLocale   = "en-NG"
)

// FormatFiat renders amount in the locale of the given currency code.
// Unknown or invalid codes fall back to NGN in en-NG.
func FormatFiat(amount decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	locale, ok := fiatLocales[code]
	if !ok {
		code, locale = fallbackCurrency, fallbackLocale
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.MustParseISO(fallbackCurrency)
	}
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.MustParse(fallbackLocale)
	}
	p := message.NewPrinter(tag)
	symbol := p.Sprint(currency.NarrowSymbol(unit))
	return symbol + p.Sprint(number.Decimal(amount.Round(2).InexactFloat64(), number.Scale(2)))
}

func FormatOrderFiat(amount decimal.Decimal, fiat models.Fiat) string {
	return FormatFiat(amount, fiat.Code())
}

// Breakdown is the fee and total shown before submission.
type Breakdown struct {
	Rate        decimal.Decimal `json:"rate"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
	FiatAmount  decimal.Decimal `json:"fiatAmount"`
	Fee         decimal.Decimal `json:"fee"`
	Total       decimal.Decimal `json:"total"`
	Display     string          `json:"display"`
}

// Summarize computes the fee on the fiat side. Buyers pay fiat + fee,
// withdrawals receive fiat - fee.
func Summarize(order *models.Order, feePercent decimal.Decimal) Breakdown {
	fee := order.FiatAmount.Mul(feePercent).Div(decimal.NewFromInt(100)).Round(Places)
	total := order.FiatAmount.Add(fee)
	if order.Direction == models.DirectionWithdraw {
		total = order.FiatAmount.Sub(fee)
	}
	return Breakdown{
		Rate:        order.Rate,
		TokenAmount: order.TokenAmount.Round(Places),
		FiatAmount:  order.FiatAmount.Round(Places),
		Fee:         fee,
		Total:       total.Round(Places),
		Display:     FormatOrderFiat(total, order.Fiat),
	}
}
