package pricing

import (
	"context"
	"errors"
	"sync"

	"ValoraRamp/internal/models"

	"github.com/shopspring/decimal"
)

// Places is the precision of token amounts, derived amounts and fees.
const Places = 4

var (
	ErrIncompletePair = errors.New("token and fiat must both be selected")
	ErrStale          = errors.New("quote superseded by a newer request")
	ErrZeroRate       = errors.New("rate is zero")
)

type Rate struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

type RateSource interface {
	Rate(ctx context.Context, token models.Token, fiat models.Fiat) (Rate, error)
}

// Side names the amount a user edited; the other side is derived.
type Side string

const (
	SideToken Side = "token"
	SideFiat  Side = "fiat"
)

type Request struct {
	Token  models.Token
	Fiat   models.Fiat
	Edited Side
	// Amount is the edited value. A nil Amount refreshes the rate only.
	Amount *decimal.Decimal
}

type Quote struct {
	Generation  uint64          `json:"generation"`
	Token       models.Token    `json:"token"`
	Fiat        models.Fiat     `json:"fiat"`
	Rate        decimal.Decimal `json:"rate"`
	Edited      Side            `json:"edited"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
	FiatAmount  decimal.Decimal `json:"fiatAmount"`
	HasAmount   bool            `json:"hasAmount"`
}

// Quoter fetches rates and derives amounts. Responses are applied in issue
// order: a response whose generation is older than the latest issued
// request is reported as ErrStale.
type Quoter struct {
	Source RateSource

	mu       sync.Mutex
	issued   uint64
	inFlight int
	latest   *Quote
}

func NewQuoter(src RateSource) *Quoter {
	return &Quoter{Source: src}
}

func (q *Quoter) Quote(ctx context.Context, req Request) (Quote, error) {
	if req.Token == "" || req.Fiat == "" {
		return Quote{}, ErrIncompletePair
	}
	gen := q.begin()
	defer q.end()

	rate, err := q.Source.Rate(ctx, req.Token, req.Fiat)
	if err != nil {
		return Quote{}, err
	}

	out := Quote{
		Generation: gen,
		Token:      req.Token,
		Fiat:       req.Fiat,
		Rate:       rate.Sell,
		Edited:     req.Edited,
	}
	if req.Amount != nil {
		switch req.Edited {
		case SideFiat:
			tokenAmt, err := DeriveToken(*req.Amount, rate.Sell)
			if err != nil {
				return Quote{}, err
			}
			out.FiatAmount = *req.Amount
			out.TokenAmount = tokenAmt
		default:
			out.Edited = SideToken
			out.TokenAmount = *req.Amount
			out.FiatAmount = DeriveFiat(*req.Amount, rate.Sell)
		}
		out.HasAmount = true
	}

	if !q.accept(out) {
		return out, ErrStale
	}
	return out, nil
}

// Checking reports whether any quote request is in flight.
func (q *Quoter) Checking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight > 0
}

// Latest returns the most recently accepted quote.
func (q *Quoter) Latest() (Quote, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest == nil {
		return Quote{}, false
	}
	return *q.latest, true
}

// Invalidate drops the accepted quote and makes every in-flight request
// stale. Used when the token or fiat changes.
func (q *Quoter) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issued++
	q.latest = nil
}

func (q *Quoter) begin() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issued++
	q.inFlight++
	return q.issued
}

func (q *Quoter) end() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
}

func (q *Quoter) accept(out Quote) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if out.Generation != q.issued {
		return false
	}
	q.latest = &out
	return true
}

// DeriveFiat returns tokenAmount × rate rounded half away from zero.
func DeriveFiat(tokenAmount, rate decimal.Decimal) decimal.Decimal {
	return tokenAmount.Mul(rate).Round(Places)
}

// DeriveToken returns fiatAmount ÷ rate rounded half away from zero.
func DeriveToken(fiatAmount, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsZero() {
		return decimal.Zero, ErrZeroRate
	}
	return fiatAmount.Div(rate).Round(Places), nil
}

// Fixed renders an amount with exactly Places decimals ("4500.0000").
func Fixed(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
