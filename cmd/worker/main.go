package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ValoraRamp/internal/config"
	"ValoraRamp/internal/db"
	"ValoraRamp/internal/logging"
	"ValoraRamp/internal/store"
	"ValoraRamp/internal/worker"

	"github.com/rs/zerolog/log"
)

// The standalone worker purges stale handshake slots from a shared store.
// Session countdowns run inside the api process.
func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *db.Pool
	if cfg.Handshake.Store == config.StorePostgres {
		pool, err = db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect failed")
		}
		defer pool.Close()
	}
	backend, err := store.Open(cfg.Handshake.Store, cfg.Handshake.SQLitePath, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("slot store open failed")
	}
	purger, ok := backend.(store.Purger)
	if !ok {
		log.Fatal().Str("store", cfg.Handshake.Store).Msg("slot store is process local, nothing to purge")
	}

	w := &worker.Worker{
		Slots:      purger,
		SlotTTL:    cfg.SlotTTL(),
		Interval:   time.Minute,
		PurgeEvery: 1,
	}
	w.Run(ctx)
}
