// Command forward is registered as the URL handler for wallet callbacks on
// hosts where the wallet reopens a new process instead of the waiting one.
// It drops the response into the waiting session's mailbox and exits.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"ValoraRamp/internal/config"
	"ValoraRamp/internal/db"
	"ValoraRamp/internal/handshake"
	"ValoraRamp/internal/logging"
	"ValoraRamp/internal/store"

	"github.com/rs/zerolog/log"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal().Msg("usage: forward <callback-url>")
	}
	incoming := os.Args[1]

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if cfg.Handshake.Store == config.StoreMemory {
		log.Fatal().Msg("handshake.store must be sqlite or postgres to forward across processes")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

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

	hs := handshake.New(backend, nil, nil, handshake.Config{KeyPrefix: cfg.Handshake.KeyPrefix})
	scope := handshake.ScopeOf(incoming)
	if err := hs.Forward(ctx, scope, incoming); err != nil {
		if errors.Is(err, handshake.ErrStaleResponse) {
			log.Warn().Str("scope", scope).Msg("no signing request is waiting for this response")
			os.Exit(2)
		}
		log.Fatal().Err(err).Str("scope", scope).Msg("forward failed")
	}
	log.Info().Str("scope", scope).Msg("wallet response forwarded")
}
