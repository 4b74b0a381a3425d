package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ValoraRamp/internal/chain"
	"ValoraRamp/internal/config"
	"ValoraRamp/internal/db"
	"ValoraRamp/internal/exchange"
	"ValoraRamp/internal/handshake"
	internalhttp "ValoraRamp/internal/http"
	"ValoraRamp/internal/lifecycle"
	"ValoraRamp/internal/logging"
	"ValoraRamp/internal/models"
	"ValoraRamp/internal/pricing"
	"ValoraRamp/internal/rehydrate"
	"ValoraRamp/internal/services"
	"ValoraRamp/internal/store"
	"ValoraRamp/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

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

	rpc, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.FailoverThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("rpc client init failed")
	}
	if id, err := rpc.ChainID(ctx); err != nil {
		log.Warn().Err(err).Str("rpc", rpc.BaseURL()).Msg("chain id lookup failed")
	} else {
		log.Info().Str("rpc", rpc.BaseURL()).Str("chain_id", id.String()).Msg("chain connected")
	}
	tokens, err := tokenContracts(cfg.Chain.Tokens)
	if err != nil {
		log.Fatal().Err(err).Msg("chain token config invalid")
	}
	celo, err := chain.NewCelo(rpc, tokens)
	if err != nil {
		log.Fatal().Err(err).Msg("chain init failed")
	}

	ex := exchange.New(exchange.Config{
		BaseURL:           cfg.Exchange.BaseURL,
		Secret:            cfg.Exchange.Secret,
		Timeout:           time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
		BankCacheTTL:      time.Duration(cfg.Exchange.BankCacheMinutes) * time.Minute,
	})

	sessCfg, err := sessionConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("order config invalid")
	}
	broker := services.NewBroker(64)
	sessions := services.NewSessionService(lifecycle.Deps{
		Rates:      ex,
		Exchange:   ex,
		Wallet:     celo,
		Rehydrator: rehydrate.New(ex),
		Sinks: services.SinkAllocator{
			Deriver: chain.AddressDeriver{XPub: cfg.Wallet.XPub},
			Index:   backend,
			Static:  cfg.Chain.SinkAddress,
		},
	}, sessCfg, broker, time.Duration(cfg.Sessions.IdleMinutes)*time.Minute)

	hs := handshake.New(backend, sessions, celo, handshake.Config{
		KeyPrefix:    cfg.Handshake.KeyPrefix,
		DeepLinkBase: cfg.Handshake.DeepLinkBase,
		DappName:     cfg.Handshake.DappName,
		CallbackURL:  cfg.CallbackURL(),
		PollInterval: time.Duration(cfg.Handshake.PollIntervalMS) * time.Millisecond,
	})
	sessions.SetSigner(hs)

	h := internalhttp.NewHandler(sessions, broker, ex, hs, rpc)
	srv := internalhttp.NewServer(h, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w := &worker.Worker{
		Sessions: sessions,
		SlotTTL:  cfg.SlotTTL(),
		Interval: time.Duration(cfg.Sessions.SweepIntervalSeconds) * time.Second,
	}
	if p, ok := backend.(store.Purger); ok {
		w.Slots = p
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Handshake.Store).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions.CloseAll()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("api stopped")
}

func tokenContracts(raw map[string]string) (map[models.Token]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[models.Token]string, len(raw))
	for name, addr := range raw {
		tok, ok := models.ParseToken(name)
		if !ok {
			return nil, fmt.Errorf("unknown token %q", name)
		}
		out[tok] = addr
	}
	return out, nil
}

func sessionConfig(cfg *config.Config) (lifecycle.Config, error) {
	fallback, err := decimal.NewFromString(cfg.Orders.DefaultMinimum)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("orders.default_minimum: %w", err)
	}
	table := make(map[models.Token]decimal.Decimal, len(cfg.Orders.Minimums))
	for name, v := range cfg.Orders.Minimums {
		tok, ok := models.ParseToken(name)
		if !ok {
			return lifecycle.Config{}, fmt.Errorf("orders.minimums: unknown token %q", name)
		}
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return lifecycle.Config{}, fmt.Errorf("orders.minimums.%s: %w", name, err)
		}
		table[tok] = amount
	}
	fee, err := decimal.NewFromString(cfg.Orders.FeePercent)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("orders.fee_percent: %w", err)
	}

	d := cfg.Debounce
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return lifecycle.Config{
		Minimums:   pricing.NewMinimums(table, fallback),
		FeePercent: fee,
		Delays: lifecycle.Delays{
			SendAmount:        ms(d.SendAmountMS),
			ReceiveAmount:     ms(d.ReceiveAmountMS),
			Selection:         ms(d.SelectionMS),
			AccountName:       ms(d.AccountNameMS),
			BankAccountNumber: ms(d.BankAccountNumberMS),
			Email:             ms(d.EmailMS),
			WalletPrompt:      ms(d.WalletPromptMS),
		},
		SigningTimeout: cfg.SigningTimeout(),
		CallTimeout:    cfg.CallTimeout(),
	}, nil
}
