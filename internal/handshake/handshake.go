package handshake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrWaiterActive    = errors.New("a handshake is already waiting in this scope")
	ErrRequestMismatch = errors.New("response belongs to a different request")
	ErrUnexpectedType  = errors.New("response type does not match request")
	ErrRejected        = errors.New("request rejected in wallet")
	ErrNoSignedTx      = errors.New("response carries no signed transaction")
	ErrStaleResponse   = errors.New("no pending request matches the response")
)

// Redirector hands the deep link to whatever is driving the scope's UI.
type Redirector interface {
	Redirect(ctx context.Context, scope, deepLink string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, raw string) (string, error)
}

type Config struct {
	// KeyPrefix namespaces slot keys; "bitmama" by default.
	KeyPrefix    string
	DeepLinkBase string
	DappName     string
	CallbackURL  string
	PollInterval time.Duration
}

type Keys struct {
	Pending string
	Mailbox string
}

type Result struct {
	Hash        string `json:"hash"`
	Destination string `json:"destinationAddress"`
}

type Account struct {
	Address     string `json:"address"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Handshake runs the redirect-out / mailbox-back exchange with the wallet
// app. At most one waiter polls a scope's mailbox at a time.
type Handshake struct {
	slots    store.Slots
	watcher  store.Watcher
	redirect Redirector
	chain    Broadcaster
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	waiting map[string]bool
}

func New(slots store.Slots, redirect Redirector, chain Broadcaster, cfg Config) *Handshake {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "bitmama"
	}
	if cfg.DeepLinkBase == "" {
		cfg.DeepLinkBase = DefaultDeepLinkBase
	}
	if cfg.DappName == "" {
		cfg.DappName = "Bitmama"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	h := &Handshake{
		slots:    slots,
		redirect: redirect,
		chain:    chain,
		cfg:      cfg,
		log:      log.With().Str("component", "handshake").Logger(),
		waiting:  map[string]bool{},
	}
	if w, ok := slots.(store.Watcher); ok {
		h.watcher = w
	}
	return h
}

func (h *Handshake) Keys(scope string) Keys {
	base := h.cfg.KeyPrefix
	if scope != "" {
		base += "/" + scope
	}
	return Keys{Pending: base + "/requestId", Mailbox: base + "/dappkit"}
}

// SignAndBroadcast asks the wallet to sign txs, broadcasts the first signed
// transaction and returns its hash. destination is echoed back so callers
// can show where funds went.
func (h *Handshake) SignAndBroadcast(ctx context.Context, scope string, txs []chain.UnsignedTx, destination string) (Result, error) {
	resp, err := h.Sign(ctx, scope, txs)
	if err != nil {
		return Result{}, err
	}
	hash, err := h.chain.Broadcast(ctx, resp.RawTxs[0])
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: %w", err)
	}
	h.log.Info().Str("scope", scope).Str("hash", hash).Msg("signed transaction broadcast")
	return Result{Hash: hash, Destination: destination}, nil
}

func (h *Handshake) Sign(ctx context.Context, scope string, txs []chain.UnsignedTx) (Response, error) {
	resp, err := h.run(ctx, scope, Request{Type: TypeSignTx, ID: newRequestID(KindSignTransaction), Txs: txs})
	if err != nil {
		return Response{}, err
	}
	if len(resp.RawTxs) == 0 || resp.RawTxs[0] == "" {
		return Response{}, ErrNoSignedTx
	}
	return resp, nil
}

// RequestAccount asks the wallet for its address and phone number.
func (h *Handshake) RequestAccount(ctx context.Context, scope string) (Account, error) {
	resp, err := h.run(ctx, scope, Request{Type: TypeAccountAddress, ID: newRequestID(KindLogin)})
	if err != nil {
		return Account{}, err
	}
	return Account{Address: resp.Address, PhoneNumber: resp.PhoneNumber}, nil
}

// Forward stores a wallet response that reached a different context in the
// scope's mailbox. Responses that do not match the pending request are
// dropped.
func (h *Handshake) Forward(ctx context.Context, scope, incoming string) error {
	resp, err := ParseResponse(incoming)
	if err != nil {
		return err
	}
	keys := h.Keys(scope)
	pending, ok, err := h.slots.Get(ctx, keys.Pending)
	if err != nil {
		return err
	}
	if !ok || pending != resp.RequestID {
		h.log.Warn().Str("scope", scope).Str("request_id", resp.RequestID).Msg("dropping stale wallet response")
		return ErrStaleResponse
	}
	return h.slots.Set(ctx, keys.Mailbox, incoming)
}

// Waiting reports whether a handshake is in progress for scope.
func (h *Handshake) Waiting(scope string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting[scope]
}

func (h *Handshake) run(ctx context.Context, scope string, req Request) (Response, error) {
	if !h.acquire(scope) {
		return Response{}, ErrWaiterActive
	}
	defer h.release(scope)

	keys := h.Keys(scope)
	if err := h.slots.Delete(ctx, keys.Pending, keys.Mailbox); err != nil {
		return Response{}, err
	}
	if err := h.slots.Set(ctx, keys.Pending, req.ID); err != nil {
		return Response{}, err
	}

	req.DappName = h.cfg.DappName
	req.Callback = h.callback(scope)
	link, err := DeepLink(h.cfg.DeepLinkBase, req)
	if err != nil {
		h.clear(ctx, keys.Pending, keys.Mailbox)
		return Response{}, err
	}

	h.log.Info().Str("scope", scope).Str("request_id", req.ID).Str("type", string(req.Type)).Msg("handshake started")
	raw, err := h.await(ctx, keys, func() error { return h.redirect.Redirect(ctx, scope, link) })
	h.clear(ctx, keys.Pending, keys.Mailbox)
	if err != nil {
		return Response{}, err
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		return Response{}, err
	}
	switch {
	case resp.RequestID != req.ID:
		return Response{}, ErrRequestMismatch
	case resp.Type != req.Type:
		return Response{}, ErrUnexpectedType
	case !resp.Status.OK():
		return Response{}, fmt.Errorf("%w: status %s", ErrRejected, resp.Status)
	}
	return resp, nil
}

// await redirects and then waits on the mailbox until a value can be
// taken. The store's push signal is used when available; the poll ticker
// runs regardless.
func (h *Handshake) await(ctx context.Context, keys Keys, redirect func() error) (string, error) {
	var signal <-chan struct{}
	if h.watcher != nil {
		ch, stop, err := h.watcher.Watch(ctx, keys.Mailbox)
		if err != nil {
			h.log.Warn().Err(err).Msg("mailbox watch unavailable, polling only")
		} else {
			signal = ch
			defer stop()
		}
	}

	if err := redirect(); err != nil {
		return "", fmt.Errorf("redirect: %w", err)
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		v, ok, err := h.slots.Take(ctx, keys.Mailbox)
		if err != nil && ctx.Err() == nil {
			h.log.Warn().Err(err).Msg("mailbox read failed")
		}
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		case <-signal:
		}
	}
}

// clear removes keys even when ctx is already done.
func (h *Handshake) clear(ctx context.Context, keys ...string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.slots.Delete(cctx, keys...); err != nil {
		h.log.Error().Err(err).Strs("keys", keys).Msg("clear handshake slots")
	}
}

func (h *Handshake) callback(scope string) string {
	if h.cfg.CallbackURL == "" || scope == "" {
		return h.cfg.CallbackURL
	}
	u, err := url.Parse(h.cfg.CallbackURL)
	if err != nil {
		return h.cfg.CallbackURL
	}
	q := u.Query()
	q.Set("scope", scope)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handshake) acquire(scope string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiting[scope] {
		return false
	}
	h.waiting[scope] = true
	return true
}

func (h *Handshake) release(scope string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiting, scope)
}

func newRequestID(kind string) string {
	return kind + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
