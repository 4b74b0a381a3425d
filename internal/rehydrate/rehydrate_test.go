package rehydrate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"ValoraRamp/internal/exchange"
	"ValoraRamp/internal/models"

	"github.com/shopspring/decimal"
)

type fetcherStub struct {
	getBuyFn func(ctx context.Context, reference string) (*exchange.OrderSnapshot, error)
}

func (s fetcherStub) GetBuy(ctx context.Context, reference string) (*exchange.OrderSnapshot, error) {
	return s.getBuyFn(ctx, reference)
}

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(status string) *exchange.OrderSnapshot {
	return &exchange.OrderSnapshot{
		TransactionReference: "ref-1",
		DestinationToken:     "cusd",
		SourceCurrency:       "ngn",
		TokenAmount:          decimal.RequireFromString("10"),
		FiatAmount:           decimal.RequireFromString("4500"),
		TransferMethod:       "bank-transfer",
		Email:                "a@b.co",
		Status:               status,
		Timeout:              json.Number("15"),
		CreatedAt:            json.RawMessage(`"` + created.Format(time.RFC3339) + `"`),
		AccountName:          "Bitmama Ltd",
		Bank:                 "Providus",
		AccountNumber:        "0123456789",
	}
}

func rehydrator(snap *exchange.OrderSnapshot, err error, now time.Time) *Rehydrator {
	r := New(fetcherStub{getBuyFn: func(context.Context, string) (*exchange.OrderSnapshot, error) {
		return snap, err
	}})
	r.Now = func() time.Time { return now }
	return r
}

func TestRehydrateStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		now    time.Time
		want   models.State
	}{
		{"pending", created.Add(5 * time.Minute), models.StateAwaitingPayment},
		{"pending", created.Add(16 * time.Minute), models.StateTimedOut},
		{"fiat-deposited", created, models.StatePaymentConfirmed},
		{"timedout", created, models.StateTimedOut},
		{"cancelled", created, models.StateCancelled},
		{"completed", created, models.StateCompleted},
		{"refunded", created, models.StateLoaded},
	}
	for _, tt := range tests {
		res, err := rehydrator(snapshot(tt.status), nil, tt.now).Rehydrate(context.Background(), "ref-1")
		if err != nil {
			t.Fatalf("%s: expected nil error, got %v", tt.status, err)
		}
		if res.State != tt.want {
			t.Fatalf("%s: expected %s, got %s", tt.status, tt.want, res.State)
		}
	}
}

func TestRehydrateCancelledNeverAwaitsPayment(t *testing.T) {
	res, err := rehydrator(snapshot("cancelled"), nil, created).Rehydrate(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.State)
	}
	if res.Order.PaymentDetails == nil || res.Order.PaymentDetails.Bank.AccountNumber != "0123456789" {
		t.Fatalf("expected flat payment details to be normalized, got %+v", res.Order.PaymentDetails)
	}
}

func TestRehydrateNotFound(t *testing.T) {
	r := rehydrator(nil, &exchange.APIError{Status: http.StatusNotFound}, created)
	res, err := r.Rehydrate(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if res.State != models.StateNotFound {
		t.Fatalf("expected not_found, got %s", res.State)
	}
}

func TestRehydrateMalformed(t *testing.T) {
	snap := snapshot("pending")
	snap.DestinationToken = "doge"
	res, err := rehydrator(snap, nil, created).Rehydrate(context.Background(), "ref-1")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if res.State != models.StateMalformed || res.Order != nil {
		t.Fatalf("expected malformed without order, got %+v", res)
	}

	res, err = rehydrator(nil, exchange.ErrBadResponse, created).Rehydrate(context.Background(), "ref-1")
	if !errors.Is(err, ErrMalformed) || res.State != models.StateMalformed {
		t.Fatalf("expected undecodable body to be malformed, got %v %s", err, res.State)
	}
}

func TestRehydrateTransportFailure(t *testing.T) {
	boom := errors.New("connection reset")
	res, err := rehydrator(nil, boom, created).Rehydrate(context.Background(), "ref-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
		t.Fatal("transport errors must stay distinct")
	}
	if res.State != models.StateRehydrationFailure {
		t.Fatalf("expected error state, got %s", res.State)
	}
}

func TestRehydrateEmptyReference(t *testing.T) {
	r := New(fetcherStub{getBuyFn: func(context.Context, string) (*exchange.OrderSnapshot, error) {
		t.Fatal("empty reference must not reach the backend")
		return nil, nil
	}})
	if _, err := r.Rehydrate(context.Background(), "  "); !errors.Is(err, ErrEmptyRef) {
		t.Fatalf("expected ErrEmptyRef, got %v", err)
	}
}
