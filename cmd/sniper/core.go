package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/bundle"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/config"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/metrics"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage/memory"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage/postgres"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/tokeninfo"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

// core is the set of process-wide singletons shared by the commands that
// trade: one RPC client, one cache set, one store, one notifier.
type core struct {
	chain    *chain.Client
	market   *dex.Market
	store    storage.Store
	info     *tokeninfo.Client
	notifier *notify.Dispatcher
	bundler  *bundle.Submitter
	trader   *trade.Service

	closers []func()
}

func newCore(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) (*core, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	c := &core{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	c.chain = chainClient
	c.closers = append(c.closers, chainClient.Close)

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if chainID.Cmp(cfg.ChainID) != 0 {
		return nil, fmt.Errorf("rpc chain id %s does not match configured %s", chainID, cfg.ChainID)
	}

	c.market = dex.NewMarket(chainClient, cfg.Contracts, dex.NewModeCache(), dex.NewDecimalsCache(), logger.Named("dex"))

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.closers = append(c.closers, closeStore)

	c.info, err = tokeninfo.NewClient(cfg.TokenInfoURL, cfg.TokenInfoTTL)
	if err != nil {
		return nil, err
	}

	sender, err := newSender(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.notifier = notify.NewDispatcher(sender, 0, logger.Named("notify"))
	c.closers = append(c.closers, c.notifier.Close)

	c.bundler, err = bundle.NewSubmitter(cfg.Relays, chainClient.Eth(), bundle.Options{
		RelayTimeout: cfg.RelayTimeout,
		Observer:     m,
	}, logger.Named("bundle"))
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.bundler.Close)

	c.trader, err = trade.NewService(trade.Config{
		ChainID:             cfg.ChainID,
		BuyGasLimit:         cfg.Trade.GasLimit,
		ApproveGasFallback:  cfg.Trade.ApproveGasLimit,
		SellGasFallback:     cfg.Trade.GasLimit,
		Deadline:            cfg.Trade.Deadline,
		ApproveRecheckDelay: cfg.Trade.ApprovalWait,
		ApproveRaceDelay:    cfg.Trade.ApprovalRaceWait,
		Receipt: trade.ReceiptConfig{
			MaxAttempts:    cfg.Trade.ReceiptRetries,
			AttemptTimeout: cfg.Trade.ReceiptTimeout,
			BaseDelay:      cfg.Trade.ReceiptBaseDelay,
		},
	}, trade.Deps{
		Backend:  chainClient.Eth(),
		Market:   c.market,
		Store:    c.store,
		Notifier: c.notifier,
		Bundler:  c.bundler,
		Info:     c.info,
		Observer: m,
	}, logger.Named("trade"))
	if err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

// Close releases resources in reverse order of acquisition.
func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, func(), error) {
	var (
		store     storage.Store
		closeFunc = func() {}
	)
	if cfg.PostgresDSN == "" {
		logger.Warn("pg-dsn not set, using an in-memory store")
		store = memory.New()
	} else {
		pg, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store = pg
		closeFunc = pg.Close
	}
	if cfg.TradeJournal != "" {
		store = storage.WithJournal(store, storage.NewTradeJournal(cfg.TradeJournal), logger.Named("journal"))
	}
	return store, closeFunc, nil
}

func newSender(cfg config.Config, logger *zap.Logger) (notify.Sender, error) {
	if cfg.TelegramToken == "" {
		logger.Info("telegram-token not set, notifications go to the log")
		return notify.LogSender{Logger: logger.Named("notify")}, nil
	}
	return notify.NewTelegramSender(cfg.TelegramAPI, cfg.TelegramToken)
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
