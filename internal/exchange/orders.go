package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ValoraRamp/internal/models"
	"ValoraRamp/internal/payments"

	"github.com/shopspring/decimal"
)

var ErrMalformedOrder = errors.New("malformed order")

type BuyIntent struct {
	DestinationToken   models.Token          `json:"destinationToken"`
	SourceCurrency     models.Fiat           `json:"sourceCurrency"`
	TokenAmount        json.Number           `json:"tokenAmount"`
	TransferMethod     models.TransferMethod `json:"transferMethod"`
	Email              string                `json:"email"`
	PhoneNumber        string                `json:"phoneNumber"`
	FiatAmount         json.Number           `json:"fiatAmount"`
	DestinationAddress string                `json:"destinationAddress,omitempty"`
}

func NewBuyIntent(o *models.Order) BuyIntent {
	return BuyIntent{
		DestinationToken:   o.Token,
		SourceCurrency:     o.Fiat,
		TokenAmount:        json.Number(o.TokenAmount.String()),
		TransferMethod:     o.TransferMethod,
		Email:              o.Contact.Email,
		PhoneNumber:        o.Contact.Phone,
		FiatAmount:         json.Number(o.FiatAmount.String()),
		DestinationAddress: o.Contact.WalletAddress,
	}
}

// WithdrawCompletion tells the backend which on-chain transfer funds a
// fiat payout.
type WithdrawCompletion struct {
	Hash                string       `json:"hash"`
	SourceToken         models.Token `json:"sourceToken"`
	DestinationCurrency models.Fiat  `json:"destinationCurrency"`
	TokenAmount         json.Number  `json:"tokenAmount"`
	FiatAmount          json.Number  `json:"fiatAmount"`
	Email               string       `json:"email"`
	PhoneNumber         string       `json:"phoneNumber,omitempty"`
	SourceAddress       string       `json:"sourceAddress"`
	DestinationAddress  string       `json:"destinationAddress"`
	BankCode            string       `json:"bankCode"`
	AccountNumber       string       `json:"accountNumber"`
	AccountName         string       `json:"accountName"`
}

func NewWithdrawCompletion(o *models.Order) WithdrawCompletion {
	w := WithdrawCompletion{
		Hash:                o.TxHash,
		SourceToken:         o.Token,
		DestinationCurrency: o.Fiat,
		TokenAmount:         json.Number(o.TokenAmount.String()),
		FiatAmount:          json.Number(o.FiatAmount.String()),
		Email:               o.Contact.Email,
		PhoneNumber:         o.Contact.Phone,
		SourceAddress:       o.Contact.WalletAddress,
		DestinationAddress:  o.SinkAddress,
	}
	if o.Recipient != nil {
		w.BankCode = o.Recipient.BankCode
		w.AccountNumber = o.Recipient.AccountNumber
		w.AccountName = o.Recipient.AccountName
	}
	return w
}

// OrderSnapshot is an order as the backend returns it.
type OrderSnapshot struct {
	TransactionReference string          `json:"transactionReference"`
	DestinationToken     string          `json:"destinationToken"`
	SourceCurrency       string          `json:"sourceCurrency"`
	TokenAmount          decimal.Decimal `json:"tokenAmount"`
	FiatAmount           decimal.Decimal `json:"fiatAmount"`
	TransferMethod       string          `json:"transferMethod"`
	Email                string          `json:"email"`
	PhoneNumber          string          `json:"phoneNumber"`
	DestinationAddress   string          `json:"destinationAddress"`
	Status               string          `json:"status"`
	Timeout              json.Number     `json:"timeout"`
	CreatedAt            json.RawMessage `json:"createdAt"`
	PaymentDetails       json.RawMessage `json:"paymentDetails"`

	AccountName   string `json:"accountName"`
	Bank          string `json:"bank"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	Network       string `json:"network"`
}

// Order validates the snapshot and converts it. Any shape problem is
// reported as ErrMalformedOrder.
func (s *OrderSnapshot) Order() (*models.Order, error) {
	if strings.TrimSpace(s.TransactionReference) == "" {
		return nil, fmt.Errorf("%w: missing transactionReference", ErrMalformedOrder)
	}
	if strings.TrimSpace(s.Status) == "" {
		return nil, fmt.Errorf("%w: missing status", ErrMalformedOrder)
	}
	token, ok := models.ParseToken(s.DestinationToken)
	if !ok {
		return nil, fmt.Errorf("%w: token %q", ErrMalformedOrder, s.DestinationToken)
	}
	fiat, ok := models.ParseFiat(s.SourceCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: currency %q", ErrMalformedOrder, s.SourceCurrency)
	}
	createdAt, err := parseTimestamp(s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: createdAt: %v", ErrMalformedOrder, err)
	}
	timeout := models.DefaultTimeoutMinutes
	if s.Timeout != "" {
		n, err := strconv.Atoi(s.Timeout.String())
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: timeout %q", ErrMalformedOrder, s.Timeout)
		}
		timeout = n
	}

	order := &models.Order{
		Reference:   s.TransactionReference,
		Direction:   models.DirectionBuy,
		Token:       token,
		Fiat:        fiat,
		TokenAmount: s.TokenAmount,
		FiatAmount:  s.FiatAmount,
		Contact: models.Contact{
			Email:         s.Email,
			Phone:         s.PhoneNumber,
			WalletAddress: s.DestinationAddress,
		},
		Status:         models.OrderStatus(strings.ToLower(strings.TrimSpace(s.Status))),
		CreatedAt:      createdAt,
		TimeoutMinutes: timeout,
	}
	if !s.TokenAmount.IsZero() {
		order.Rate = s.FiatAmount.Div(s.TokenAmount).Round(4)
	}

	if s.TransferMethod != "" {
		method, ok := models.ParseTransferMethod(s.TransferMethod)
		if !ok {
			return nil, fmt.Errorf("%w: transfer method %q", ErrMalformedOrder, s.TransferMethod)
		}
		order.TransferMethod = method
		details, err := payments.Normalize(method, s.PaymentDetails, payments.Flat{
			AccountName:   s.AccountName,
			Bank:          s.Bank,
			BankCode:      s.BankCode,
			AccountNumber: s.AccountNumber,
			Network:       s.Network,
			PhoneNumber:   s.PhoneNumber,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
		}
		order.PaymentDetails = details
	}
	return order, nil
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds. An absent
// value yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
