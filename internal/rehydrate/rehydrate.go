// Package rehydrate rebuilds an order view from a transaction reference so a
// shared or reloaded link lands directly in the right state.
package rehydrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ValoraRamp/internal/exchange"
	"ValoraRamp/internal/models"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound  = errors.New("transaction reference is invalid")
	ErrMalformed = errors.New("order data is malformed")
	ErrEmptyRef  = errors.New("empty transaction reference")
)

type Fetcher interface {
	GetBuy(ctx context.Context, reference string) (*exchange.OrderSnapshot, error)
}

type Result struct {
	Order *models.Order
	State models.State
}

type Rehydrator struct {
	Fetcher Fetcher
	Now     func() time.Time
}

func New(f Fetcher) *Rehydrator {
	return &Rehydrator{Fetcher: f, Now: time.Now}
}

// Rehydrate fetches ref and maps its backend status to a lifecycle state.
// The returned error wraps ErrNotFound or ErrMalformed when the reference is
// unknown or the order cannot be read. Any other error is a transport
// failure; Result.State then says which display state to show.
func (r *Rehydrator) Rehydrate(ctx context.Context, ref string) (Result, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Result{State: models.StateNotFound}, ErrEmptyRef
	}
	l := log.With().Str("component", "rehydrate").Str("ref", ref).Logger()

	snap, err := r.Fetcher.GetBuy(ctx, ref)
	switch {
	case errors.Is(err, exchange.ErrNotFound):
		l.Info().Msg("reference not found")
		return Result{State: models.StateNotFound}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case errors.Is(err, exchange.ErrBadResponse):
		l.Warn().Err(err).Msg("undecodable order")
		return Result{State: models.StateMalformed}, fmt.Errorf("%w: %v", ErrMalformed, err)
	case err != nil:
		l.Error().Err(err).Msg("fetch order")
		return Result{State: models.StateRehydrationFailure}, err
	case snap == nil:
		return Result{State: models.StateNotFound}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	order, err := snap.Order()
	if err != nil {
		l.Warn().Err(err).Msg("malformed order")
		return Result{State: models.StateMalformed}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	state := StateFor(order, r.now())
	l.Debug().Str("status", string(order.Status)).Str("state", string(state)).Msg("order rehydrated")
	return Result{Order: order, State: state}, nil
}

// StateFor is the closed mapping from backend status to lifecycle state. A
// pending order past its deadline is timed out.
func StateFor(o *models.Order, now time.Time) models.State {
	switch o.Status {
	case models.StatusPending:
		if o.Expired(now) {
			return models.StateTimedOut
		}
		return models.StateAwaitingPayment
	case models.StatusFiatDeposited:
		return models.StatePaymentConfirmed
	case models.StatusTimedOut:
		return models.StateTimedOut
	case models.StatusCancelled:
		return models.StateCancelled
	case models.StatusCompleted:
		return models.StateCompleted
	}
	return models.StateLoaded
}

func (r *Rehydrator) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
