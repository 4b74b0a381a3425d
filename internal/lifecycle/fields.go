package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ValoraRamp/internal/debounce"
	"ValoraRamp/internal/models"
	"ValoraRamp/internal/pricing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Fields is a partial form edit. Nil fields are left untouched.
type Fields struct {
	Direction      *string `json:"direction,omitempty"`
	Token          *string `json:"token,omitempty"`
	Fiat           *string `json:"fiat,omitempty"`
	TokenAmount    *string `json:"tokenAmount,omitempty"`
	FiatAmount     *string `json:"fiatAmount,omitempty"`
	TransferMethod *string `json:"transferMethod,omitempty"`
	Email          *string `json:"email,omitempty"`
	Phone          *string `json:"phone,omitempty"`
	WalletAddress  *string `json:"walletAddress,omitempty"`
	BankCode       *string `json:"bankCode,omitempty"`
	BankName       *string `json:"bankName,omitempty"`
	AccountNumber  *string `json:"accountNumber,omitempty"`
}

// Update applies an edit and schedules the debounced follow-up work: rate
// refresh, email check, account name resolution and the wallet address
// prompt. Unparseable values are rejected before anything changes.
func (s *Session) Update(f Fields) (View, error) {
	parsed, err := parseFields(f)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrClosed
	}
	if !s.editableLocked(f) {
		s.mu.Unlock()
		return View{}, ErrInvalidState
	}
	if parsed.token != "" && s.prefill.Token != "" && parsed.token != s.prefill.Token {
		s.mu.Unlock()
		return View{}, ErrTokenLocked
	}
	s.touchLocked()
	s.applyLocked(f, parsed)
	v := s.viewLocked()
	s.mu.Unlock()

	s.publish(EventState, v)
	return v, nil
}

type parsedFields struct {
	direction   models.Direction
	token       models.Token
	fiat        models.Fiat
	method      models.TransferMethod
	tokenAmount *decimal.Decimal
	fiatAmount  *decimal.Decimal
}

func parseFields(f Fields) (parsedFields, error) {
	var p parsedFields
	if f.Direction != nil {
		d, ok := models.ParseDirection(*f.Direction)
		if !ok {
			return p, fieldError("direction", "Unknown direction")
		}
		p.direction = d
	}
	if f.Token != nil {
		t, ok := models.ParseToken(*f.Token)
		if !ok {
			return p, fieldError(FieldToken, "Unknown token")
		}
		p.token = t
	}
	if f.Fiat != nil {
		c, ok := models.ParseFiat(*f.Fiat)
		if !ok {
			return p, fieldError(FieldFiat, "Unknown currency")
		}
		p.fiat = c
	}
	if f.TransferMethod != nil {
		m, ok := models.ParseTransferMethod(*f.TransferMethod)
		if !ok {
			return p, fieldError(FieldTransferMethod, "Unknown transfer method")
		}
		p.method = m
	}
	var err error
	if p.tokenAmount, err = parseAmount(f.TokenAmount); err != nil {
		return p, fieldError(FieldAmount, "Amount must be a positive number")
	}
	if p.fiatAmount, err = parseAmount(f.FiatAmount); err != nil {
		return p, fieldError(FieldAmount, "Amount must be a positive number")
	}
	if f.WalletAddress != nil {
		if v := strings.TrimSpace(*f.WalletAddress); v != "" && !common.IsHexAddress(v) {
			return p, fieldError(FieldWalletAddress, "Wallet address is invalid")
		}
	}
	return p, nil
}

// parseAmount returns nil for an absent value and zero for a cleared one.
func parseAmount(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		zero := decimal.Zero
		return &zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, errors.New("negative amount")
	}
	return &d, nil
}

func fieldError(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// editableLocked reports whether the edit is allowed in the current state.
// Contact collection accepts contact fields only. Once a withdrawal transfer
// is broadcast, the amounts, the recipient and the sending wallet are what
// the retry reports, so only email and phone stay editable.
func (s *Session) editableLocked(f Fields) bool {
	if s.busy != "" {
		return false
	}
	switch s.state {
	case models.StateQuoting:
		return true
	case models.StateFailed:
		if s.order.TxHash != "" {
			return contactOnly(f) && f.WalletAddress == nil
		}
		return true
	case models.StateContactCollection:
		return contactOnly(f)
	}
	return false
}

func contactOnly(f Fields) bool {
	return f.Direction == nil && f.Token == nil && f.Fiat == nil && f.TokenAmount == nil &&
		f.FiatAmount == nil && f.TransferMethod == nil && f.BankCode == nil && f.BankName == nil &&
		f.AccountNumber == nil
}

func (s *Session) applyLocked(f Fields, p parsedFields) {
	o := &s.order
	epoch := s.epoch
	d := s.cfg.Delays
	selectionChanged := false

	if p.direction != "" && p.direction != o.Direction {
		o.Direction = p.direction
		o.TransferMethod = ""
		o.Recipient = nil
		delete(s.errs, FieldAccount)
		delete(s.errs, FieldTransferMethod)
	}
	if p.token != "" && p.token != o.Token {
		o.Token = p.token
		s.balance = nil
		selectionChanged = true
	}
	if p.fiat != "" && p.fiat != o.Fiat {
		o.Fiat = p.fiat
		if o.TransferMethod != "" && !o.TransferMethod.Allows(o.Fiat) {
			o.TransferMethod = ""
		}
		selectionChanged = true
	}
	if selectionChanged {
		// rate belongs to the old pair
		s.quoter.Invalidate()
		o.Rate = decimal.Zero
		s.clearDerivedLocked()
		s.debounce.Schedule(debounce.KeySelection, d.Selection, func() { s.requestQuote(epoch) })
		if o.Contact.WalletAddress != "" {
			go s.refreshBalance(epoch)
		} else {
			s.scheduleWalletPromptLocked()
		}
	}
	if p.method != "" {
		o.TransferMethod = p.method
		delete(s.errs, FieldTransferMethod)
	}

	if p.tokenAmount != nil {
		o.TokenAmount = *p.tokenAmount
		s.edited = pricing.SideToken
		s.amountEditedLocked()
	}
	if p.fiatAmount != nil {
		o.FiatAmount = *p.fiatAmount
		s.edited = pricing.SideFiat
		s.amountEditedLocked()
	}

	if f.Email != nil {
		o.Contact.Email = strings.TrimSpace(*f.Email)
		email := o.Contact.Email
		s.debounce.Schedule(debounce.KeyEmail, d.Email, func() { s.checkEmail(epoch, email) })
	}
	if f.Phone != nil {
		o.Contact.Phone = strings.TrimSpace(*f.Phone)
	}
	if f.WalletAddress != nil {
		addr := strings.TrimSpace(*f.WalletAddress)
		if addr != "" {
			addr = common.HexToAddress(addr).Hex()
		}
		if addr != o.Contact.WalletAddress {
			o.Contact.WalletAddress = addr
			s.balance = nil
			delete(s.errs, FieldWalletAddress)
			if addr != "" {
				s.debounce.Cancel(debounce.KeyWalletAddressPrompt)
				go s.refreshBalance(epoch)
			} else if o.Token != "" {
				s.scheduleWalletPromptLocked()
			}
		}
	}

	if f.BankCode != nil || f.AccountNumber != nil || f.BankName != nil {
		rec := models.BankAccount{}
		if o.Recipient != nil {
			rec = *o.Recipient
		}
		if f.BankCode != nil {
			rec.BankCode = strings.TrimSpace(*f.BankCode)
		}
		if f.BankName != nil {
			rec.BankName = strings.TrimSpace(*f.BankName)
		}
		if f.AccountNumber != nil {
			rec.AccountNumber = strings.TrimSpace(*f.AccountNumber)
		}
		if o.Recipient == nil || rec.BankCode != o.Recipient.BankCode || rec.AccountNumber != o.Recipient.AccountNumber {
			rec.AccountName = ""
			delete(s.errs, FieldAccountNumber)
			key, delay := debounce.KeyAccountName, d.AccountName
			if f.AccountNumber != nil {
				key, delay = debounce.KeyBankAccountNumber, d.BankAccountNumber
			}
			s.debounce.Schedule(key, delay, func() { s.resolveAccount(epoch) })
		}
		o.Recipient = &rec
	}
}

// amountEditedLocked recomputes the derived side immediately with the
// current rate and schedules a rate refresh under the key of the edited
// side.
func (s *Session) amountEditedLocked() {
	s.amountSet = true
	s.recomputeLocked()
	epoch := s.epoch
	key, delay := s.amountKeyLocked()
	s.debounce.Schedule(key, delay, func() { s.requestQuote(epoch) })
}

// amountKeyLocked maps the edited side to the send or receive field. A
// buyer sends fiat; a withdrawal sends tokens.
func (s *Session) amountKeyLocked() (string, time.Duration) {
	sendSide := pricing.SideFiat
	if s.order.Direction == models.DirectionWithdraw {
		sendSide = pricing.SideToken
	}
	if s.edited == sendSide {
		return debounce.KeySendAmount, s.cfg.Delays.SendAmount
	}
	return debounce.KeyReceiveAmount, s.cfg.Delays.ReceiveAmount
}

func (s *Session) clearDerivedLocked() {
	if s.edited == pricing.SideFiat {
		s.order.TokenAmount = decimal.Zero
	} else {
		s.order.FiatAmount = decimal.Zero
	}
}

// recomputeLocked derives the non-edited amount from the edited one and the
// current rate, then re-checks the minimum.
func (s *Session) recomputeLocked() {
	o := &s.order
	if s.amountSet && !o.Rate.IsZero() {
		switch s.edited {
		case pricing.SideFiat:
			if tok, err := pricing.DeriveToken(o.FiatAmount, o.Rate); err == nil {
				o.TokenAmount = tok
			}
		default:
			o.FiatAmount = pricing.DeriveFiat(o.TokenAmount, o.Rate)
		}
	}
	delete(s.errs, FieldAmount)
	if s.amountSet && o.Token != "" && (s.edited == pricing.SideToken || !o.Rate.IsZero()) {
		if msg := s.cfg.Minimums.Check(o.Token, o.TokenAmount); msg != "" {
			s.errs[FieldAmount] = msg
		}
	}
}

func (s *Session) scheduleWalletPromptLocked() {
	epoch := s.epoch
	s.debounce.Schedule(debounce.KeyWalletAddressPrompt, s.cfg.Delays.WalletPrompt, func() {
		s.mu.Lock()
		if s.epoch != epoch || s.order.Contact.WalletAddress != "" || s.order.Token == "" {
			s.mu.Unlock()
			return
		}
		msg := fmt.Sprintf("Enter your %s address", s.order.Token.Symbol())
		s.mu.Unlock()
		s.publish(EventPrompt, map[string]string{"field": FieldWalletAddress, "message": msg})
	})
}

// requestQuote fetches the rate for the current pair. A result is applied
// only if no newer quote was issued and the order was not discarded.
func (s *Session) requestQuote(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	req := pricing.Request{Token: s.order.Token, Fiat: s.order.Fiat, Edited: s.edited}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	q, err := s.quoter.Quote(ctx, req)

	s.mu.Lock()
	if s.epoch != epoch || errors.Is(err, pricing.ErrStale) || errors.Is(err, pricing.ErrIncompletePair) {
		s.mu.Unlock()
		return
	}
	if q.Token != s.order.Token || q.Fiat != s.order.Fiat {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.notice = "Could not fetch the exchange rate"
		s.log.Warn().Err(err).Str("token", string(req.Token)).Str("fiat", string(req.Fiat)).Msg("rate fetch failed")
	} else {
		s.order.Rate = q.Rate
		s.notice = ""
		s.recomputeLocked()
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.publish(EventQuote, v)
	if err != nil {
		s.publishNotice(v)
	}
}

func (s *Session) checkEmail(epoch uint64, email string) {
	s.mu.Lock()
	if s.epoch != epoch || s.order.Contact.Email != email {
		s.mu.Unlock()
		return
	}
	if email != "" && !ValidEmail(email) {
		s.errs[FieldEmail] = "Email is invalid"
	} else {
		delete(s.errs, FieldEmail)
	}
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)
}

func (s *Session) refreshBalance(epoch uint64) {
	s.mu.Lock()
	owner, token := s.order.Contact.WalletAddress, s.order.Token
	if s.epoch != epoch || s.deps.Wallet == nil || owner == "" || token == "" {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	bal, err := s.deps.Wallet.Balance(ctx, owner, token)

	s.mu.Lock()
	if s.epoch != epoch || s.order.Contact.WalletAddress != owner || s.order.Token != token {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("token", string(token)).Msg("balance fetch failed")
		s.mu.Unlock()
		return
	}
	s.balance = &bal
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)
}

// resolveAccount looks up the account holder's name for the entered bank
// account. Results for an account that has since been edited are dropped.
func (s *Session) resolveAccount(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.order.Recipient == nil || s.deps.Exchange == nil {
		s.mu.Unlock()
		return
	}
	rec := *s.order.Recipient
	if !validAccountNumber(rec.AccountNumber, s.order.Fiat) {
		if rec.AccountNumber != "" {
			s.errs[FieldAccountNumber] = "Account number is invalid"
		}
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)
		return
	}
	if rec.BankCode == "" {
		s.mu.Unlock()
		return
	}
	s.resolving = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	detail, err := s.deps.Exchange.ResolveAccount(ctx, rec.AccountNumber, rec.BankCode)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.resolving = false
	cur := s.order.Recipient
	if cur == nil || cur.AccountNumber != rec.AccountNumber || cur.BankCode != rec.BankCode {
		s.mu.Unlock()
		return
	}
	if err != nil || detail.AccountName == "" {
		s.errs[FieldAccountNumber] = "Could not resolve account name"
		s.log.Warn().Err(err).Str("bank", rec.BankCode).Msg("account resolution failed")
	} else {
		cur.AccountName = detail.AccountName
		delete(s.errs, FieldAccountNumber)
		delete(s.errs, FieldAccount)
	}
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)
}
