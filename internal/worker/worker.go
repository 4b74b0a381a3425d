package worker

import (
	"context"
	"time"

	"ValoraRamp/internal/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sweeper is the session registry seen from the worker.
type Sweeper interface {
	Sweep() int
}

// Worker drives the countdowns and expiry of live sessions and drops
// handshake slots left behind by abandoned signing flows.
type Worker struct {
	Sessions Sweeper
	Slots    store.Purger
	SlotTTL  time.Duration
	Interval time.Duration
	// PurgeEvery runs the slot purge on every Nth tick.
	PurgeEvery int
	Now        func() time.Time

	log  zerolog.Logger
	tick int
}

func (w *Worker) Run(ctx context.Context) {
	w.log = log.With().Str("component", "worker").Logger()
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.Interval).Msg("worker started")
	for {
		if err := w.SyncOnce(ctx); err != nil {
			w.log.Error().Err(err).Msg("sync failed")
		}
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SyncOnce(ctx context.Context) error {
	if w.Sessions != nil {
		if closed := w.Sessions.Sweep(); closed > 0 {
			w.log.Info().Int("closed", closed).Msg("idle sessions closed")
		}
	}

	w.tick++
	every := w.PurgeEvery
	if every <= 0 {
		every = 60
	}
	if w.Slots == nil || w.SlotTTL <= 0 || (w.tick-1)%every != 0 {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	n, err := w.Slots.PurgeBefore(ctx, now().Add(-w.SlotTTL))
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info().Int64("purged", n).Msg("stale handshake slots removed")
	}
	return nil
}
