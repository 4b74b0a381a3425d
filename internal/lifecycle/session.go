// Package lifecycle holds the per-tab order session: the editable form, the
// live quote and the buy / withdraw state machine driven by user actions.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/debounce"
	"ValoraRamp/internal/exchange"
	"ValoraRamp/internal/handshake"
	"ValoraRamp/internal/models"
	"ValoraRamp/internal/payments"
	"ValoraRamp/internal/pricing"
	"ValoraRamp/internal/rehydrate"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrBusy         = errors.New("another order action is in progress")
	ErrInvalidState = errors.New("action not allowed in the current state")
	ErrTimedOut     = errors.New("payment window has expired")
	ErrDiscarded    = errors.New("order was discarded")
	ErrClosed       = errors.New("session closed")
	ErrTokenLocked  = errors.New("token is fixed by the link")
	ErrNoReference  = errors.New("backend returned no transaction reference")
)

type Exchange interface {
	CreateBuy(ctx context.Context, intent exchange.BuyIntent) (*exchange.OrderSnapshot, error)
	ConfirmBuy(ctx context.Context, reference string) (*exchange.OrderSnapshot, error)
	CancelBuy(ctx context.Context, reference string) (*exchange.OrderSnapshot, error)
	CompleteWithdraw(ctx context.Context, payload exchange.WithdrawCompletion) (*exchange.OrderSnapshot, error)
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (exchange.AccountDetail, error)
}

type Wallet interface {
	Balance(ctx context.Context, owner string, token models.Token) (decimal.Decimal, error)
	PrepareTransfer(ctx context.Context, from, to string, token models.Token, amount decimal.Decimal) (chain.UnsignedTx, error)
}

type Signer interface {
	SignAndBroadcast(ctx context.Context, scope string, txs []chain.UnsignedTx, destination string) (handshake.Result, error)
	RequestAccount(ctx context.Context, scope string) (handshake.Account, error)
}

// SinkSource hands out the address withdrawn tokens are sent to.
type SinkSource interface {
	SinkAddress(ctx context.Context) (string, error)
}

type Rehydrator interface {
	Rehydrate(ctx context.Context, ref string) (rehydrate.Result, error)
}

type Publisher interface {
	Publish(ev Event)
}

type Deps struct {
	Rates      pricing.RateSource
	Exchange   Exchange
	Wallet     Wallet
	Signer     Signer
	Sinks      SinkSource
	Rehydrator Rehydrator
	Publisher  Publisher
}

type Delays struct {
	SendAmount        time.Duration
	ReceiveAmount     time.Duration
	Selection         time.Duration
	AccountName       time.Duration
	BankAccountNumber time.Duration
	Email             time.Duration
	WalletPrompt      time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		SendAmount:        1500 * time.Millisecond,
		ReceiveAmount:     2000 * time.Millisecond,
		Selection:         500 * time.Millisecond,
		AccountName:       1500 * time.Millisecond,
		BankAccountNumber: 1500 * time.Millisecond,
		Email:             500 * time.Millisecond,
		WalletPrompt:      4000 * time.Millisecond,
	}
}

type Config struct {
	Minimums       pricing.Minimums
	FeePercent     decimal.Decimal
	Delays         Delays
	SigningTimeout time.Duration
	CallTimeout    time.Duration
	Now            func() time.Time
}

// Action marks the order call currently in flight. It is never stored as
// the order state.
type Action string

const (
	ActionSubmitting Action = "submitting"
	ActionConfirming Action = "confirming"
	ActionCancelling Action = "cancelling"
	ActionConnecting Action = "connecting"
)

// View is what the UI renders for a session.
type View struct {
	ID            string             `json:"id"`
	State         models.State       `json:"state"`
	Busy          Action             `json:"busy,omitempty"`
	Order         models.Order       `json:"order"`
	Edited        pricing.Side       `json:"edited,omitempty"`
	CheckingRate  bool               `json:"checkingRate"`
	Minimum       pricing.Minimum    `json:"minimum"`
	Breakdown     *pricing.Breakdown `json:"breakdown,omitempty"`
	PaymentInfo   string             `json:"paymentInfo,omitempty"`
	Countdown     string             `json:"countdown,omitempty"`
	Balance       *decimal.Decimal   `json:"balance,omitempty"`
	TokenLocked   bool               `json:"tokenLocked"`
	ResolvingName bool               `json:"resolvingAccountName"`
	Errors        map[string]string  `json:"errors,omitempty"`
	Notice        string             `json:"notice,omitempty"`
}

// Session serializes all state changes under mu. Network calls run with
// the lock released and are re-checked against epoch when they return.
type Session struct {
	ID string

	deps     Deps
	cfg      Config
	quoter   *pricing.Quoter
	debounce *debounce.Coordinator
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	epoch      uint64
	state      models.State
	busy       Action
	abort      context.CancelFunc
	prefill    Prefill
	order      models.Order
	edited     pricing.Side
	amountSet  bool
	balance    *decimal.Decimal
	resolving  bool
	errs       map[string]string
	notice     string
	lastActive time.Time
	closed     bool
}

func New(id string, deps Deps, cfg Config, prefill Prefill) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Delays == (Delays{}) {
		cfg.Delays = DefaultDelays()
	}
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       id,
		deps:     deps,
		cfg:      cfg,
		quoter:   pricing.NewQuoter(deps.Rates),
		debounce: debounce.New(),
		log:      log.With().Str("component", "session").Str("session", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		prefill:  prefill,
	}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	return s
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.viewLocked()
}

// StartNew discards the current order and any pending or in-flight work
// that belongs to it, and returns to an empty quoting form.
func (s *Session) StartNew() View {
	s.mu.Lock()
	if s.abort != nil {
		s.abort()
	}
	s.debounce.CancelAll()
	s.quoter.Invalidate()
	s.prefill.Ref = ""
	s.resetLocked()
	v := s.viewLocked()
	s.mu.Unlock()

	s.log.Info().Msg("order discarded")
	s.publish(EventState, v)
	return v
}

// Close stops all timers and in-flight calls. The session is unusable
// afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	if s.abort != nil {
		s.abort()
	}
	s.mu.Unlock()
	s.debounce.Close()
	s.cancel()
}

// Tick expires an unpaid order whose deadline has passed and publishes the
// countdown while payment is awaited.
func (s *Session) Tick() {
	s.mu.Lock()
	before := s.state
	s.expireLocked()
	if s.state != models.StateAwaitingPayment && s.state == before {
		s.mu.Unlock()
		return
	}
	v := s.viewLocked()
	s.mu.Unlock()

	if v.State != before {
		s.publish(EventState, v)
		return
	}
	s.publish(EventCountdown, map[string]string{"countdown": v.Countdown})
}

// IdleSince reports when the session was last used.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) resetLocked() {
	s.epoch++
	s.abort = nil
	s.state = models.StateQuoting
	s.busy = ""
	s.order = models.Order{
		Direction: s.prefill.Direction,
		Token:     s.prefill.Token,
		Fiat:      s.prefill.Fiat,
		Contact: models.Contact{
			Email:         s.prefill.Email,
			Phone:         s.prefill.Phone,
			WalletAddress: s.prefill.Address,
		},
	}
	if s.order.Direction == "" {
		s.order.Direction = models.DirectionBuy
	}
	s.edited = pricing.SideToken
	s.amountSet = false
	if s.prefill.Amount != nil {
		s.order.TokenAmount = *s.prefill.Amount
		s.amountSet = true
	}
	s.balance = nil
	s.resolving = false
	s.errs = map[string]string{}
	s.notice = ""
	s.lastActive = s.cfg.Now()

	epoch := s.epoch
	if s.order.Token != "" {
		if s.order.Contact.WalletAddress != "" {
			go s.refreshBalance(epoch)
		} else {
			s.scheduleWalletPromptLocked()
		}
		if s.order.Fiat != "" {
			s.debounce.Schedule(debounce.KeySelection, s.cfg.Delays.Selection, func() { s.requestQuote(epoch) })
		}
	}
}

// expireLocked moves an unpaid order past its deadline to timed_out.
func (s *Session) expireLocked() {
	if s.state == models.StateAwaitingPayment && s.busy == "" && s.order.Expired(s.cfg.Now()) {
		s.state = models.StateTimedOut
		s.log.Info().Str("ref", s.order.Reference).Msg("payment window expired")
	}
}

func (s *Session) viewLocked() View {
	o := s.order
	v := View{
		ID:            s.ID,
		State:         s.state,
		Busy:          s.busy,
		Order:         o,
		Edited:        s.edited,
		CheckingRate:  s.quoter.Checking(),
		TokenLocked:   s.prefill.Token != "",
		ResolvingName: s.resolving,
		Notice:        s.notice,
		PaymentInfo:   payments.Describe(o.PaymentDetails),
	}
	if o.Token != "" {
		v.Minimum = s.cfg.Minimums.For(o.Token)
	}
	if !o.Rate.IsZero() && s.amountSet {
		b := pricing.Summarize(&o, s.cfg.FeePercent)
		v.Breakdown = &b
	}
	if s.state == models.StateAwaitingPayment || s.state == models.StateTimedOut {
		v.Countdown = Countdown(o.Deadline(), s.cfg.Now())
	}
	if s.balance != nil {
		b := *s.balance
		v.Balance = &b
	}
	if len(s.errs) > 0 {
		v.Errors = make(map[string]string, len(s.errs))
		for k, msg := range s.errs {
			v.Errors[k] = msg
		}
	}
	return v
}

func (s *Session) touchLocked() {
	s.lastActive = s.cfg.Now()
}

// begin claims the busy flag for an order action and returns a context
// that StartNew and Close can cancel.
func (s *Session) beginLocked(a Action, timeout time.Duration) (context.Context, uint64) {
	s.busy = a
	s.notice = ""
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	s.abort = cancel
	return ctx, s.epoch
}

func (s *Session) endLocked() {
	if s.abort != nil {
		s.abort()
		s.abort = nil
	}
	s.busy = ""
}

// publishNotice repeats a non-empty notice as its own event.
func (s *Session) publishNotice(v View) {
	if v.Notice == "" {
		return
	}
	s.publish(EventNotice, map[string]string{"notice": v.Notice})
}

func (s *Session) publish(kind EventKind, data any) {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.Publish(Event{Session: s.ID, Kind: kind, Data: data})
}
