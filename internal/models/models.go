package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionBuy      Direction = "buy"
	DirectionWithdraw Direction = "withdraw"
)

func ParseDirection(v string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "":
		return DirectionBuy, true
	case "withdraw", "swap", "sell":
		return DirectionWithdraw, true
	}
	return "", false
}

type Token string

const (
	TokenCELO Token = "celo"
	TokenCUSD Token = "cusd"
	TokenCEUR Token = "ceur"
)

var Tokens = []Token{TokenCELO, TokenCUSD, TokenCEUR}

func ParseToken(v string) (Token, bool) {
	switch t := Token(strings.ToLower(strings.TrimSpace(v))); t {
	case TokenCELO, TokenCUSD, TokenCEUR:
		return t, true
	}
	return "", false
}

// Symbol is the upper-cased display symbol used in user-facing messages.
func (t Token) Symbol() string {
	return strings.ToUpper(string(t))
}

// RateTicker is the token leg of the rate ticker. Stable tokens are quoted
// against the fiat they track.
func (t Token) RateTicker() string {
	switch t {
	case TokenCUSD:
		return "usd"
	case TokenCEUR:
		return "eur"
	}
	return string(t)
}

type Fiat string

const (
	FiatNGN Fiat = "ngn"
	FiatGHS Fiat = "ghs"
)

var Fiats = []Fiat{FiatNGN, FiatGHS}

// ParseFiat accepts both the currency code and the country alias used by
// the selection controls (ng, gh).
func ParseFiat(v string) (Fiat, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ngn", "ng":
		return FiatNGN, true
	case "ghs", "gh":
		return FiatGHS, true
	}
	return "", false
}

func (f Fiat) Country() string {
	switch f {
	case FiatGHS:
		return "gh"
	}
	return "ng"
}

func (f Fiat) Code() string {
	return strings.ToUpper(string(f))
}

type TransferMethod string

const (
	TransferBank        TransferMethod = "bank-transfer"
	TransferMobileMoney TransferMethod = "mobile-money"
)

func ParseTransferMethod(v string) (TransferMethod, bool) {
	switch m := TransferMethod(strings.ToLower(strings.TrimSpace(v))); m {
	case TransferBank, TransferMobileMoney:
		return m, true
	}
	return "", false
}

// Allows reports whether the method is offered for the fiat currency.
// Mobile money only exists for GHS.
func (m TransferMethod) Allows(f Fiat) bool {
	switch m {
	case TransferBank:
		return true
	case TransferMobileMoney:
		return f == FiatGHS
	}
	return false
}

type BankAccount struct {
	BankCode      string `json:"bankCode,omitempty"`
	BankName      string `json:"bankName,omitempty"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

type MobileMoneyAccount struct {
	Network     string `json:"network"`
	PhoneNumber string `json:"phoneNumber"`
}

// PaymentDetails is a variant keyed by Method: exactly one of Bank or
// MobileMoney is set, matching Method.
type PaymentDetails struct {
	Method      TransferMethod      `json:"method"`
	Bank        *BankAccount        `json:"bank,omitempty"`
	MobileMoney *MobileMoneyAccount `json:"mobileMoney,omitempty"`
}

type Contact struct {
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// OrderStatus is the status string reported by the exchange backend.
type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusFiatDeposited OrderStatus = "fiat-deposited"
	StatusTimedOut      OrderStatus = "timedout"
	StatusCancelled     OrderStatus = "cancelled"
	StatusCompleted     OrderStatus = "completed"
)

// State is the lifecycle state a session renders.
type State string

const (
	StateQuoting            State = "quoting"
	StateContactCollection  State = "contact_collection"
	StateSigning            State = "signing"
	StateSubmitting         State = "submitting"
	StateAwaitingPayment    State = "awaiting_payment"
	StatePaymentConfirmed   State = "payment_confirmed"
	StateCancelled          State = "cancelled"
	StateTimedOut           State = "timed_out"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateLoading            State = "loading"
	StateLoaded             State = "loaded"
	StateNotFound           State = "not_found"
	StateMalformed          State = "malformed"
	StateRehydrationFailure State = "error"
)

// Terminal reports whether no further order action is accepted in s.
func (s State) Terminal() bool {
	switch s {
	case StatePaymentConfirmed, StateCancelled, StateTimedOut, StateCompleted,
		StateLoaded, StateNotFound, StateMalformed, StateRehydrationFailure:
		return true
	}
	return false
}

const DefaultTimeoutMinutes = 15

type Order struct {
	Reference      string          `json:"transactionReference,omitempty"`
	Direction      Direction       `json:"direction"`
	Token          Token           `json:"token,omitempty"`
	Fiat           Fiat            `json:"fiat,omitempty"`
	TokenAmount    decimal.Decimal `json:"tokenAmount"`
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	Rate           decimal.Decimal `json:"rate"`
	TransferMethod TransferMethod  `json:"transferMethod,omitempty"`
	PaymentDetails *PaymentDetails `json:"paymentDetails,omitempty"`
	Recipient      *BankAccount    `json:"recipient,omitempty"`
	Contact        Contact         `json:"contact"`
	Status         OrderStatus     `json:"status,omitempty"`
	CreatedAt      time.Time       `json:"createdAt,omitempty"`
	TimeoutMinutes int             `json:"timeout,omitempty"`
	SinkAddress    string          `json:"sinkAddress,omitempty"`
	TxHash         string          `json:"txHash,omitempty"`
}

// Deadline is the instant after which an unpaid order is timed out.
func (o *Order) Deadline() time.Time {
	if o.CreatedAt.IsZero() {
		return time.Time{}
	}
	minutes := o.TimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultTimeoutMinutes
	}
	return o.CreatedAt.Add(time.Duration(minutes) * time.Minute)
}

func (o *Order) Expired(now time.Time) bool {
	d := o.Deadline()
	return !d.IsZero() && now.After(d)
}
