package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/exchange"
	"ValoraRamp/internal/models"
	"ValoraRamp/internal/rehydrate"
)

// Submit validates the form and starts the order. A buy ends in
// awaiting_payment with payment instructions. A withdrawal goes through
// contact collection when email or wallet address is missing, then signing
// and backend submission. Network failures roll a buy back to quoting and
// leave a withdrawal in failed with the form intact.
func (s *Session) Submit(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrClosed
	}
	if s.busy != "" {
		s.mu.Unlock()
		return View{}, ErrBusy
	}
	switch s.state {
	case models.StateQuoting:
	case models.StateContactCollection, models.StateFailed:
		if s.order.Direction != models.DirectionWithdraw {
			s.mu.Unlock()
			return View{}, ErrInvalidState
		}
	default:
		s.mu.Unlock()
		return View{}, ErrInvalidState
	}
	s.touchLocked()
	if errs := s.validateLocked(); len(errs) > 0 {
		for k, msg := range errs {
			s.errs[k] = msg
		}
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)
		return v, &ValidationError{Fields: errs}
	}

	if s.order.Direction == models.DirectionWithdraw {
		return s.withdrawLocked(ctx)
	}
	return s.buyLocked(ctx)
}

func (s *Session) buyLocked(ctx context.Context) (View, error) {
	callCtx, epoch := s.beginLocked(ActionSubmitting, s.cfg.CallTimeout)
	prev := s.state
	s.state = models.StateSubmitting
	intent := exchange.NewBuyIntent(&s.order)
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)

	callCtx, stop := mergeCancel(callCtx, ctx)
	defer stop()
	snap, err := s.deps.Exchange.CreateBuy(callCtx, intent)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return View{}, ErrDiscarded
	}
	s.endLocked()
	if err == nil {
		err = s.applySnapshotLocked(snap, models.StatusPending)
	}
	if err != nil {
		s.state = prev
		s.notice = "Could not create the order, please try again"
		s.log.Error().Err(err).Msg("create buy order")
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)
		s.publishNotice(v)
		return v, fmt.Errorf("create order: %w", err)
	}
	s.state = rehydrate.StateFor(&s.order, s.cfg.Now())
	if s.state == models.StateLoaded {
		s.state = models.StateAwaitingPayment
	}
	ref := s.order.Reference
	v = s.viewLocked()
	s.mu.Unlock()

	s.log.Info().Str("ref", ref).Msg("buy order created")
	s.publish(EventReference, map[string]string{"ref": ref})
	s.publish(EventState, v)
	return v, nil
}

func (s *Session) withdrawLocked(ctx context.Context) (View, error) {
	c := s.order.Contact
	if c.Email == "" || c.WalletAddress == "" {
		s.state = models.StateContactCollection
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)
		return v, nil
	}

	callCtx, epoch := s.beginLocked(ActionSubmitting, s.cfg.SigningTimeout+s.cfg.CallTimeout)
	callCtx, stop := mergeCancel(callCtx, ctx)
	defer stop()

	if s.order.TxHash == "" {
		s.state = models.StateSigning
		order := s.order
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)

		sink, hash, err := s.sign(callCtx, order)

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return View{}, ErrDiscarded
		}
		if err != nil {
			return s.failLocked(err, "Signing failed, your details are kept so you can retry")
		}
		s.order.SinkAddress = sink
		s.order.TxHash = hash
		s.log.Info().Str("hash", hash).Str("sink", sink).Msg("withdraw transfer broadcast")
	}

	s.state = models.StateSubmitting
	payload := exchange.NewWithdrawCompletion(&s.order)
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)

	snapCtx, cancel := context.WithTimeout(callCtx, s.cfg.CallTimeout)
	snap, err := s.deps.Exchange.CompleteWithdraw(snapCtx, payload)
	cancel()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return View{}, ErrDiscarded
	}
	if err != nil {
		return s.failLocked(err, "Could not submit the withdrawal, please retry")
	}
	s.endLocked()
	if snap != nil && snap.TransactionReference != "" {
		s.order.Reference = snap.TransactionReference
	}
	if snap != nil && snap.Status != "" {
		s.order.Status = models.OrderStatus(snap.Status)
	}
	s.state = models.StateCompleted
	ref := s.order.Reference
	v = s.viewLocked()
	s.mu.Unlock()

	if ref != "" {
		s.publish(EventReference, map[string]string{"ref": ref})
	}
	s.publish(EventState, v)
	return v, nil
}

// sign prepares the token transfer to a sink address and has the wallet
// sign and broadcast it.
func (s *Session) sign(ctx context.Context, o models.Order) (string, string, error) {
	sink := o.SinkAddress
	if sink == "" {
		if s.deps.Sinks == nil {
			return "", "", errors.New("no sink address source configured")
		}
		var err error
		if sink, err = s.deps.Sinks.SinkAddress(ctx); err != nil {
			return "", "", fmt.Errorf("sink address: %w", err)
		}
	}
	tx, err := s.deps.Wallet.PrepareTransfer(ctx, o.Contact.WalletAddress, sink, o.Token, o.TokenAmount)
	if err != nil {
		return "", "", fmt.Errorf("prepare transfer: %w", err)
	}
	res, err := s.deps.Signer.SignAndBroadcast(ctx, s.ID, []chain.UnsignedTx{tx}, sink)
	if err != nil {
		return "", "", err
	}
	return res.Destination, res.Hash, nil
}

func (s *Session) failLocked(err error, notice string) (View, error) {
	s.endLocked()
	s.state = models.StateFailed
	s.notice = notice
	s.log.Error().Err(err).Msg("withdraw failed")
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)
	s.publishNotice(v)
	return v, err
}

// ConfirmPayment tells the backend the buyer has paid. It is rejected while
// another action is in flight and after the payment window has closed. A
// failed call leaves the order awaiting payment.
func (s *Session) ConfirmPayment(ctx context.Context) (View, error) {
	return s.settle(ctx, ActionConfirming)
}

// Cancel irreversibly cancels an unpaid order.
func (s *Session) Cancel(ctx context.Context) (View, error) {
	return s.settle(ctx, ActionCancelling)
}

func (s *Session) settle(ctx context.Context, action Action) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrClosed
	}
	if s.busy != "" {
		s.mu.Unlock()
		return View{}, ErrBusy
	}
	s.expireLocked()
	switch s.state {
	case models.StateAwaitingPayment:
	case models.StateTimedOut:
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)
		return v, ErrTimedOut
	default:
		s.mu.Unlock()
		return View{}, ErrInvalidState
	}
	s.touchLocked()
	callCtx, epoch := s.beginLocked(action, s.cfg.CallTimeout)
	ref := s.order.Reference
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)

	callCtx, stop := mergeCancel(callCtx, ctx)
	defer stop()
	var (
		snap   *exchange.OrderSnapshot
		err    error
		status models.OrderStatus
		next   models.State
	)
	if action == ActionConfirming {
		snap, err = s.deps.Exchange.ConfirmBuy(callCtx, ref)
		status, next = models.StatusFiatDeposited, models.StatePaymentConfirmed
	} else {
		snap, err = s.deps.Exchange.CancelBuy(callCtx, ref)
		status, next = models.StatusCancelled, models.StateCancelled
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return View{}, ErrDiscarded
	}
	s.endLocked()
	if err != nil {
		verb := "confirm"
		if action == ActionCancelling {
			verb = "cancel"
		}
		s.notice = fmt.Sprintf("Could not %s the order, please try again", verb)
		s.log.Error().Err(err).Str("ref", ref).Str("action", string(action)).Msg("order action failed")
		v := s.viewLocked()
		s.mu.Unlock()
		s.publish(EventState, v)
		s.publishNotice(v)
		return v, err
	}
	if snap == nil {
		snap = &exchange.OrderSnapshot{}
	}
	if snap.Status == "" {
		snap.Status = string(status)
	}
	if aerr := s.applySnapshotLocked(snap, status); aerr != nil {
		// the action went through; keep the local order
		s.order.Status = status
		s.log.Warn().Err(aerr).Str("ref", ref).Msg("unreadable order in action response")
	}
	s.state = next
	v = s.viewLocked()
	s.mu.Unlock()

	s.log.Info().Str("ref", ref).Str("state", string(next)).Msg("order settled")
	s.publish(EventState, v)
	return v, nil
}

// Rehydrate loads the order behind ref and shows it in the state its
// backend status maps to. The session passes through loading only.
func (s *Session) Rehydrate(ctx context.Context, ref string) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrClosed
	}
	if s.busy != "" {
		s.mu.Unlock()
		return View{}, ErrBusy
	}
	s.touchLocked()
	s.debounce.CancelAll()
	s.quoter.Invalidate()
	s.epoch++
	epoch := s.epoch
	s.state = models.StateLoading
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)

	callCtx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	callCtx, stop := mergeCancel(callCtx, ctx)
	defer stop()
	res, err := s.deps.Rehydrator.Rehydrate(callCtx, ref)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return View{}, ErrDiscarded
	}
	s.state = res.State
	if res.Order != nil {
		s.order = *res.Order
		s.amountSet = true
	}
	switch {
	case errors.Is(err, rehydrate.ErrNotFound), errors.Is(err, rehydrate.ErrEmptyRef):
		s.notice = "Transaction reference is invalid"
	case errors.Is(err, rehydrate.ErrMalformed):
		s.notice = "Transaction data could not be read"
	case err != nil:
		s.notice = err.Error()
	default:
		s.notice = ""
	}
	v = s.viewLocked()
	s.mu.Unlock()

	s.publish(EventState, v)
	s.publishNotice(v)
	return v, err
}

// ConnectWallet asks the wallet app for its address and phone number and
// fills the contact fields with them.
func (s *Session) ConnectWallet(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrClosed
	}
	if s.busy != "" {
		s.mu.Unlock()
		return View{}, ErrBusy
	}
	if s.state != models.StateQuoting && s.state != models.StateContactCollection {
		s.mu.Unlock()
		return View{}, ErrInvalidState
	}
	s.touchLocked()
	callCtx, epoch := s.beginLocked(ActionConnecting, s.cfg.SigningTimeout)
	v := s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)

	callCtx, stop := mergeCancel(callCtx, ctx)
	defer stop()
	acct, err := s.deps.Signer.RequestAccount(callCtx, s.ID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return View{}, ErrDiscarded
	}
	s.endLocked()
	if err == nil && acct.Address != "" {
		s.order.Contact.WalletAddress = acct.Address
		if s.order.Contact.Phone == "" {
			s.order.Contact.Phone = acct.PhoneNumber
		}
		s.balance = nil
		delete(s.errs, FieldWalletAddress)
		go s.refreshBalance(epoch)
	} else if err != nil {
		s.notice = "Wallet did not share an address"
	}
	v = s.viewLocked()
	s.mu.Unlock()
	s.publish(EventState, v)
	s.publishNotice(v)
	return v, err
}

// applySnapshotLocked folds a backend order into the session order. Fields
// the backend omits keep their local values.
func (s *Session) applySnapshotLocked(snap *exchange.OrderSnapshot, status models.OrderStatus) error {
	if snap == nil {
		return ErrNoReference
	}
	o := &s.order
	if snap.TransactionReference == "" {
		snap.TransactionReference = o.Reference
	}
	if snap.TransactionReference == "" {
		return ErrNoReference
	}
	if snap.DestinationToken == "" {
		snap.DestinationToken = string(o.Token)
	}
	if snap.SourceCurrency == "" {
		snap.SourceCurrency = string(o.Fiat)
	}
	if snap.TokenAmount.IsZero() {
		snap.TokenAmount = o.TokenAmount
	}
	if snap.FiatAmount.IsZero() {
		snap.FiatAmount = o.FiatAmount
	}
	if snap.TransferMethod == "" {
		snap.TransferMethod = string(o.TransferMethod)
	}
	if snap.Email == "" {
		snap.Email = o.Contact.Email
	}
	if snap.DestinationAddress == "" {
		snap.DestinationAddress = o.Contact.WalletAddress
	}
	if snap.Status == "" {
		snap.Status = string(status)
	}
	raw := strings.TrimSpace(string(snap.PaymentDetails))
	hasPayment := (raw != "" && raw != "null") || snap.AccountNumber != "" || snap.Network != ""
	next, err := snap.Order()
	if err != nil {
		return err
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = o.CreatedAt
		if next.CreatedAt.IsZero() {
			next.CreatedAt = s.cfg.Now()
		}
	}
	if !hasPayment {
		next.PaymentDetails = o.PaymentDetails
	}
	if next.Contact.Phone == "" {
		next.Contact.Phone = o.Contact.Phone
	}
	next.Direction = o.Direction
	if o.Reference != "" {
		next.Reference = o.Reference
	}
	*o = *next
	return nil
}

// mergeCancel returns a context that is done when either a or b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return a, func() {}
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
