package lifecycle

import (
	"fmt"
	"net/url"
	"strings"

	"ValoraRamp/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Prefill carries the values a shared link opens a session with. A
// prefilled token cannot be changed in that session.
type Prefill struct {
	Direction models.Direction
	Token     models.Token
	Fiat      models.Fiat
	Amount    *decimal.Decimal
	Address   string
	Email     string
	Phone     string
	Ref       string
}

// ParsePrefill reads unit, amount, address, email, phone, ref and the
// optional direction and currency parameters.
func ParsePrefill(q url.Values) (Prefill, error) {
	var p Prefill
	dir, ok := models.ParseDirection(q.Get("direction"))
	if !ok {
		return Prefill{}, fmt.Errorf("direction %q: %w", q.Get("direction"), ErrInvalidParam)
	}
	p.Direction = dir
	if v := q.Get("unit"); v != "" {
		tok, ok := models.ParseToken(v)
		if !ok {
			return Prefill{}, fmt.Errorf("unit %q: %w", v, ErrInvalidParam)
		}
		p.Token = tok
	}
	if v := q.Get("currency"); v != "" {
		fiat, ok := models.ParseFiat(v)
		if !ok {
			return Prefill{}, fmt.Errorf("currency %q: %w", v, ErrInvalidParam)
		}
		p.Fiat = fiat
	}
	if v := strings.TrimSpace(q.Get("amount")); v != "" {
		amt, err := decimal.NewFromString(v)
		if err != nil || amt.IsNegative() {
			return Prefill{}, fmt.Errorf("amount %q: %w", v, ErrInvalidParam)
		}
		p.Amount = &amt
	}
	if v := strings.TrimSpace(q.Get("address")); v != "" {
		if !common.IsHexAddress(v) {
			return Prefill{}, fmt.Errorf("address %q: %w", v, ErrInvalidParam)
		}
		p.Address = common.HexToAddress(v).Hex()
	}
	p.Email = strings.TrimSpace(q.Get("email"))
	p.Phone = strings.TrimSpace(q.Get("phone"))
	p.Ref = strings.TrimSpace(q.Get("ref"))
	return p, nil
}
