package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ValoraRamp/internal/models"

	"github.com/shopspring/decimal"
)

type rateSourceStub struct {
	rateFn func(ctx context.Context, token models.Token, fiat models.Fiat) (Rate, error)
}

func (s rateSourceStub) Rate(ctx context.Context, token models.Token, fiat models.Fiat) (Rate, error) {
	if s.rateFn != nil {
		return s.rateFn(ctx, token, fiat)
	}
	return Rate{}, nil
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestDeriveFiatFixedPrecision(t *testing.T) {
	got := Fixed(DeriveFiat(dec("10"), dec("450")))
	if got != "4500.0000" {
		t.Fatalf("expected 4500.0000, got %s", got)
	}
}

func TestDeriveRoundsHalfAwayFromZero(t *testing.T) {
	got := DeriveFiat(dec("1"), dec("0.00005"))
	if !got.Equal(dec("0.0001")) {
		t.Fatalf("expected 0.0001, got %s", got)
	}
	got = DeriveFiat(dec("-1"), dec("0.00005"))
	if !got.Equal(dec("-0.0001")) {
		t.Fatalf("expected -0.0001, got %s", got)
	}
}

func TestDeriveRoundTrip(t *testing.T) {
	rates := []string{"450", "1523.37", "0.8731", "12.5"}
	amounts := []string{"1", "10", "4500", "0.3333", "98765.4321"}
	for _, r := range rates {
		rate := dec(r)
		tolerance := dec("0.0001").Mul(rate).Add(dec("0.0001"))
		for _, a := range amounts {
			f := dec(a)
			tok, err := DeriveToken(f, rate)
			if err != nil {
				t.Fatalf("derive token: %v", err)
			}
			back := DeriveFiat(tok, rate)
			if back.Sub(f).Abs().GreaterThan(tolerance) {
				t.Fatalf("rate %s amount %s: round trip gave %s", r, a, back)
			}
		}
	}
}

func TestDeriveTokenZeroRate(t *testing.T) {
	if _, err := DeriveToken(dec("10"), decimal.Zero); !errors.Is(err, ErrZeroRate) {
		t.Fatalf("expected ErrZeroRate, got %v", err)
	}
}

func TestQuoteSkipsIncompletePair(t *testing.T) {
	called := false
	q := NewQuoter(rateSourceStub{rateFn: func(context.Context, models.Token, models.Fiat) (Rate, error) {
		called = true
		return Rate{}, nil
	}})
	_, err := q.Quote(context.Background(), Request{Token: models.TokenCELO})
	if !errors.Is(err, ErrIncompletePair) {
		t.Fatalf("expected ErrIncompletePair, got %v", err)
	}
	if called {
		t.Fatal("expected no rate request for incomplete pair")
	}
}

func TestQuoteDerivesFromEditedSide(t *testing.T) {
	q := NewQuoter(rateSourceStub{rateFn: func(context.Context, models.Token, models.Fiat) (Rate, error) {
		return Rate{Buy: dec("460"), Sell: dec("450")}, nil
	}})

	amt := dec("10")
	out, err := q.Quote(context.Background(), Request{Token: models.TokenCUSD, Fiat: models.FiatNGN, Edited: SideToken, Amount: &amt})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if Fixed(out.FiatAmount) != "4500.0000" {
		t.Fatalf("expected fiat 4500.0000, got %s", Fixed(out.FiatAmount))
	}

	fiat := dec("900")
	out, err = q.Quote(context.Background(), Request{Token: models.TokenCUSD, Fiat: models.FiatNGN, Edited: SideFiat, Amount: &fiat})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !out.TokenAmount.Equal(dec("2")) {
		t.Fatalf("expected token 2, got %s", out.TokenAmount)
	}
	if q.Checking() {
		t.Fatal("expected checking to be cleared")
	}
}

func TestQuoteClearsCheckingOnError(t *testing.T) {
	q := NewQuoter(rateSourceStub{rateFn: func(context.Context, models.Token, models.Fiat) (Rate, error) {
		return Rate{}, errors.New("boom")
	}})
	if _, err := q.Quote(context.Background(), Request{Token: models.TokenCELO, Fiat: models.FiatGHS}); err == nil {
		t.Fatal("expected error")
	}
	if q.Checking() {
		t.Fatal("expected checking to be cleared after failure")
	}
}

func TestQuoteDiscardsOutOfOrderResponse(t *testing.T) {
	release := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	var calls sync.WaitGroup
	calls.Add(2)
	q := NewQuoter(rateSourceStub{rateFn: func(ctx context.Context, _ models.Token, fiat models.Fiat) (Rate, error) {
		calls.Done()
		if fiat == models.FiatNGN {
			<-release["first"]
			return Rate{Sell: dec("450")}, nil
		}
		<-release["second"]
		return Rate{Sell: dec("12")}, nil
	}})

	type result struct {
		quote Quote
		err   error
	}
	firstDone := make(chan result, 1)
	go func() {
		out, err := q.Quote(context.Background(), Request{Token: models.TokenCUSD, Fiat: models.FiatNGN})
		firstDone <- result{out, err}
	}()
	// Make sure the first request is issued before the second.
	for !q.Checking() {
	}
	secondDone := make(chan result, 1)
	go func() {
		out, err := q.Quote(context.Background(), Request{Token: models.TokenCUSD, Fiat: models.FiatGHS})
		secondDone <- result{out, err}
	}()
	calls.Wait()

	close(release["second"])
	second := <-secondDone
	if second.err != nil {
		t.Fatalf("expected latest quote to apply, got %v", second.err)
	}
	close(release["first"])
	first := <-firstDone
	if !errors.Is(first.err, ErrStale) {
		t.Fatalf("expected ErrStale for older response, got %v", first.err)
	}

	latest, ok := q.Latest()
	if !ok || !latest.Rate.Equal(dec("12")) || latest.Fiat != models.FiatGHS {
		t.Fatalf("expected state to reflect the later request, got %+v", latest)
	}
	if q.Checking() {
		t.Fatal("expected checking cleared once both calls finished")
	}
}

func TestInvalidateMakesInFlightStale(t *testing.T) {
	release := make(chan struct{})
	q := NewQuoter(rateSourceStub{rateFn: func(context.Context, models.Token, models.Fiat) (Rate, error) {
		<-release
		return Rate{Sell: dec("450")}, nil
	}})
	done := make(chan error, 1)
	go func() {
		_, err := q.Quote(context.Background(), Request{Token: models.TokenCELO, Fiat: models.FiatNGN})
		done <- err
	}()
	for !q.Checking() {
	}
	q.Invalidate()
	close(release)
	if err := <-done; !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if _, ok := q.Latest(); ok {
		t.Fatal("expected no accepted quote after invalidation")
	}
}

func TestMinimums(t *testing.T) {
	m := StandardMinimums()

	celo := m.For(models.TokenCELO)
	if !celo.Explicit || !celo.Amount.Equal(dec("5")) {
		t.Fatalf("expected explicit CELO minimum 5, got %+v", celo)
	}
	cusd := m.For(models.TokenCUSD)
	if cusd.Explicit || !cusd.Amount.Equal(DefaultMinimum) {
		t.Fatalf("expected default minimum for cUSD, got %+v", cusd)
	}

	if msg := m.Check(models.TokenCELO, dec("5")); msg != "" {
		t.Fatalf("expected boundary amount to be accepted, got %q", msg)
	}
	if msg := m.Check(models.TokenCELO, dec("4.999")); msg != "Minimum amount is 5 CELO" {
		t.Fatalf("unexpected message %q", msg)
	}
	if msg := m.Check(models.TokenCEUR, dec("9.99")); msg != "Minimum amount is 10 CEUR" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestFormatFiatFallsBackForUnknownCurrency(t *testing.T) {
	amt := dec("4500")
	want := FormatFiat(amt, "NGN")
	if want == "" {
		t.Fatal("expected formatted NGN amount")
	}
	for _, code := range []string{"XYZ", "", "not-a-code"} {
		if got := FormatFiat(amt, code); got != want {
			t.Fatalf("code %q: expected fallback %q, got %q", code, want, got)
		}
	}
	if FormatFiat(amt, "GHS") == want {
		t.Fatal("expected GHS formatting to differ from NGN")
	}
}

func TestSummarize(t *testing.T) {
	order := &models.Order{
		Direction:   models.DirectionBuy,
		Fiat:        models.FiatNGN,
		Rate:        dec("450"),
		TokenAmount: dec("10"),
		FiatAmount:  dec("4500"),
	}
	b := Summarize(order, dec("1.5"))
	if !b.Fee.Equal(dec("67.5")) || !b.Total.Equal(dec("4567.5")) {
		t.Fatalf("unexpected buy breakdown %+v", b)
	}
	order.Direction = models.DirectionWithdraw
	b = Summarize(order, dec("1.5"))
	if !b.Total.Equal(dec("4432.5")) {
		t.Fatalf("unexpected withdraw total %s", b.Total)
	}
}
