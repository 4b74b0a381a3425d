package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ValoraRamp/internal/models"
)

var (
	ErrMethodMismatch = errors.New("payment details do not match transfer method")
	ErrUnknownMethod  = errors.New("unknown transfer method")
)

// Flat holds the top-level fields some backend responses use instead of a
// nested paymentDetails object.
type Flat struct {
	AccountName   string
	Bank          string
	BankCode      string
	AccountNumber string
	Network       string
	PhoneNumber   string
}

type rawDetails struct {
	BankCode      string `json:"bankCode"`
	BankName      string `json:"bankName"`
	Bank          string `json:"bank"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	Network       string `json:"network"`
	PhoneNumber   string `json:"phoneNumber"`
}

// Normalize builds the payment-details variant for method from either the
// nested object or, when it is absent, the flat fields. A nested object of
// the wrong shape is rejected.
func Normalize(method models.TransferMethod, raw json.RawMessage, flat Flat) (*models.PaymentDetails, error) {
	var d rawDetails
	nested := len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
	if nested {
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("payment details: %w", err)
		}
	} else {
		d = rawDetails{
			BankCode:      flat.BankCode,
			Bank:          flat.Bank,
			AccountNumber: flat.AccountNumber,
			AccountName:   flat.AccountName,
			Network:       flat.Network,
			PhoneNumber:   flat.PhoneNumber,
		}
	}

	switch method {
	case models.TransferBank:
		if nested && d.AccountNumber == "" && d.Network != "" {
			return nil, ErrMethodMismatch
		}
		name := d.BankName
		if name == "" {
			name = d.Bank
		}
		return &models.PaymentDetails{
			Method: method,
			Bank: &models.BankAccount{
				BankCode:      d.BankCode,
				BankName:      name,
				AccountNumber: d.AccountNumber,
				AccountName:   d.AccountName,
			},
		}, nil
	case models.TransferMobileMoney:
		if nested && d.Network == "" && d.AccountNumber != "" {
			return nil, ErrMethodMismatch
		}
		return &models.PaymentDetails{
			Method:      method,
			MobileMoney: &models.MobileMoneyAccount{Network: d.Network, PhoneNumber: d.PhoneNumber},
		}, nil
	}
	return nil, ErrUnknownMethod
}

// Validate checks that the populated variant matches Method.
func Validate(d *models.PaymentDetails) error {
	if d == nil {
		return nil
	}
	switch d.Method {
	case models.TransferBank:
		if d.Bank == nil || d.MobileMoney != nil {
			return ErrMethodMismatch
		}
	case models.TransferMobileMoney:
		if d.MobileMoney == nil || d.Bank != nil {
			return ErrMethodMismatch
		}
	default:
		return ErrUnknownMethod
	}
	return nil
}

// Describe joins the non-empty detail values for display, e.g.
// "Ayo Daniel, GTBank, 0123456789".
func Describe(d *models.PaymentDetails) string {
	if d == nil {
		return ""
	}
	var parts []string
	switch {
	case d.Bank != nil:
		parts = []string{d.Bank.AccountName, d.Bank.BankName, d.Bank.AccountNumber}
	case d.MobileMoney != nil:
		parts = []string{d.MobileMoney.Network, d.MobileMoney.PhoneNumber}
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
