package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/lifecycle"
	"ValoraRamp/internal/models"
	"ValoraRamp/internal/pricing"
	"ValoraRamp/internal/rehydrate"
	"ValoraRamp/internal/store"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

type rateSourceStub struct{}

func (rateSourceStub) Rate(context.Context, models.Token, models.Fiat) (pricing.Rate, error) {
	return pricing.Rate{Buy: decimal.NewFromInt(440), Sell: decimal.NewFromInt(450)}, nil
}

type rehydratorStub struct {
	rehydrateFn func(ctx context.Context, ref string) (rehydrate.Result, error)
}

func (s rehydratorStub) Rehydrate(ctx context.Context, ref string) (rehydrate.Result, error) {
	return s.rehydrateFn(ctx, ref)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, clk *clock, rh lifecycle.Rehydrator) *SessionService {
	t.Helper()
	deps := lifecycle.Deps{Rates: rateSourceStub{}, Rehydrator: rh}
	cfg := lifecycle.Config{
		Minimums: pricing.StandardMinimums(),
		Delays: lifecycle.Delays{
			SendAmount: time.Millisecond, ReceiveAmount: time.Millisecond, Selection: time.Millisecond,
			AccountName: time.Millisecond, BankAccountNumber: time.Millisecond, Email: time.Millisecond,
			WalletPrompt: time.Hour,
		},
		Now: clk.now,
	}
	svc := NewSessionService(deps, cfg, NewBroker(8), 30*time.Minute)
	t.Cleanup(svc.CloseAll)
	return svc
}

func TestCreateAndClose(t *testing.T) {
	svc := newTestService(t, &clock{t: time.Now()}, nil)

	v, err := svc.Create(context.Background(), url.Values{"unit": {"CUSD"}, "currency": {"NGN"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.State != models.StateQuoting {
		t.Fatalf("expected quoting, got %s", v.State)
	}
	if !v.TokenLocked {
		t.Fatalf("expected token locked by link")
	}
	if _, err := svc.Get(v.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := svc.Close(v.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Get(v.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := svc.Close(v.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second close, got %v", err)
	}
}

func TestCreateRejectsBadParams(t *testing.T) {
	svc := newTestService(t, &clock{t: time.Now()}, nil)

	_, err := svc.Create(context.Background(), url.Values{"unit": {"DOGE"}})
	if !errors.Is(err, lifecycle.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
	if svc.Len() != 0 {
		t.Fatalf("expected no session, got %d", svc.Len())
	}
}

func TestCreateWithRefRehydrates(t *testing.T) {
	rh := rehydratorStub{rehydrateFn: func(_ context.Context, ref string) (rehydrate.Result, error) {
		if ref != "BM-1" {
			t.Errorf("expected ref BM-1, got %s", ref)
		}
		return rehydrate.Result{State: models.StateNotFound}, rehydrate.ErrNotFound
	}}
	svc := newTestService(t, &clock{t: time.Now()}, rh)

	v, err := svc.Create(context.Background(), url.Values{"ref": {"BM-1"}})
	if err != nil {
		t.Fatalf("expected rehydrate failure to stay in the view, got %v", err)
	}
	if v.State != models.StateNotFound {
		t.Fatalf("expected not_found, got %s", v.State)
	}
	if v.Notice == "" {
		t.Fatalf("expected a notice for the invalid reference")
	}
}

func TestRedirectNeedsListener(t *testing.T) {
	svc := newTestService(t, &clock{t: time.Now()}, nil)
	v, err := svc.Create(context.Background(), url.Values{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Redirect(context.Background(), "missing", "celo://wallet/x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := svc.Redirect(context.Background(), v.ID, "celo://wallet/x"); !errors.Is(err, ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}

	events, unsubscribe := svc.broker.Subscribe(v.ID)
	defer unsubscribe()
	if err := svc.Redirect(context.Background(), v.ID, "celo://wallet/x"); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	select {
	case ev := <-events:
		data, _ := ev.Data.(map[string]string)
		if ev.Kind != lifecycle.EventRedirect || data["deepLink"] != "celo://wallet/x" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected redirect event")
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	clk := &clock{t: time.Now()}
	svc := newTestService(t, clk, nil)
	idle, _ := svc.Create(context.Background(), url.Values{})
	watched, _ := svc.Create(context.Background(), url.Values{})
	_, unsubscribe := svc.broker.Subscribe(watched.ID)
	defer unsubscribe()

	if n := svc.Sweep(); n != 0 {
		t.Fatalf("expected nothing swept yet, got %d", n)
	}
	clk.advance(31 * time.Minute)
	if n := svc.Sweep(); n != 1 {
		t.Fatalf("expected one session swept, got %d", n)
	}
	if _, err := svc.Get(idle.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
	if _, err := svc.Get(watched.ID); err != nil {
		t.Fatalf("expected watched session kept, got %v", err)
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(1)
	events, unsubscribe := b.Subscribe("s1")

	b.Publish(lifecycle.Event{Session: "s1", Kind: lifecycle.EventNotice})
	b.Publish(lifecycle.Event{Session: "s1", Kind: lifecycle.EventState})
	b.Publish(lifecycle.Event{Session: "s2", Kind: lifecycle.EventState})

	ev := <-events
	if ev.Kind != lifecycle.EventNotice {
		t.Fatalf("expected first event kept, got %s", ev.Kind)
	}
	select {
	case ev := <-events:
		t.Fatalf("expected overflow dropped, got %+v", ev)
	default:
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
	if b.Subscribers("s1") != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Subscribers("s1"))
	}
}

func TestSinkAllocator(t *testing.T) {
	if _, err := (SinkAllocator{}).SinkAddress(context.Background()); !errors.Is(err, ErrSinkNotConfigured) {
		t.Fatalf("expected ErrSinkNotConfigured, got %v", err)
	}

	static := SinkAllocator{Static: "0x00000000000000000000000000000000000000aa"}
	addr, err := static.SinkAddress(context.Background())
	if err != nil || addr != static.Static {
		t.Fatalf("expected static sink, got %s, %v", addr, err)
	}

	master, err := hdkeychain.NewMaster(make([]byte, 32), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	xpub, err := master.Neuter()
	if err != nil {
		t.Fatalf("neuter: %v", err)
	}
	derived := SinkAllocator{
		Deriver: chain.AddressDeriver{XPub: xpub.String()},
		Index:   store.NewMemory(),
		Static:  static.Static,
	}
	first, err := derived.SinkAddress(context.Background())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := derived.SinkAddress(context.Background())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if first == second || first == static.Static {
		t.Fatalf("expected fresh derived addresses, got %s and %s", first, second)
	}
}
