package lifecycle

import (
	"errors"
	"net/mail"
	"sort"
	"strings"

	"ValoraRamp/internal/models"
)

var (
	ErrValidation   = errors.New("invalid fields")
	ErrInvalidParam = errors.New("invalid parameter")
)

// ValidationError lists per-field problems that block submission.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "invalid fields: " + strings.Join(keys, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Field names used in View.Errors.
const (
	FieldToken          = "token"
	FieldFiat           = "fiat"
	FieldAmount         = "amount"
	FieldRate           = "rate"
	FieldEmail          = "email"
	FieldWalletAddress  = "walletAddress"
	FieldTransferMethod = "transferMethod"
	FieldAccount        = "account"
	FieldAccountNumber  = "accountNumber"
)

func ValidEmail(v string) bool {
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return false
	}
	at := strings.LastIndexByte(v, '@')
	return at > 0 && strings.Contains(v[at+1:], ".")
}

// validAccountNumber checks the payout account number. Nigerian accounts
// are ten-digit NUBANs.
func validAccountNumber(number string, fiat models.Fiat) bool {
	if number == "" {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	if fiat == models.FiatNGN {
		return len(number) == 10
	}
	return true
}

// validateLocked returns the problems that block submitting the current
// form. Missing contact data on a withdrawal is not an error: it sends the
// session to contact collection instead.
func (s *Session) validateLocked() map[string]string {
	o := &s.order
	errs := map[string]string{}
	if o.Token == "" {
		errs[FieldToken] = "Select a token"
	}
	if o.Fiat == "" {
		errs[FieldFiat] = "Select a currency"
	}
	switch {
	case !s.amountSet || !o.TokenAmount.IsPositive():
		errs[FieldAmount] = "Enter an amount"
	case o.Token != "":
		if msg := s.cfg.Minimums.Check(o.Token, o.TokenAmount); msg != "" {
			errs[FieldAmount] = msg
		}
	}
	if o.Rate.IsZero() && o.Token != "" && o.Fiat != "" {
		errs[FieldRate] = "Rate unavailable, try again"
	}

	withdraw := o.Direction == models.DirectionWithdraw
	switch email := o.Contact.Email; {
	case email == "" && !withdraw:
		errs[FieldEmail] = "Email is required"
	case email != "" && !ValidEmail(email):
		errs[FieldEmail] = "Email is invalid"
	}

	if !withdraw {
		if o.Contact.WalletAddress == "" {
			errs[FieldWalletAddress] = "Wallet address is required"
		}
		switch {
		case o.TransferMethod == "":
			errs[FieldTransferMethod] = "Select a transfer method"
		case !o.TransferMethod.Allows(o.Fiat):
			errs[FieldTransferMethod] = "Mobile money is only available for GHS"
		}
		return errs
	}

	if o.Recipient == nil || o.Recipient.AccountName == "" {
		errs[FieldAccount] = "Enter a bank account that resolves to a name"
	}
	if s.balance != nil && o.TokenAmount.GreaterThan(*s.balance) {
		errs[FieldAmount] = "Insufficient balance"
	}
	return errs
}
