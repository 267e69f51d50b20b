package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/config"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/engine"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/eventqueue"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/metrics"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/pricewatch"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/scanner"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/strategy"
)

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("sniper", nil)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	c, err := newCore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	cfgFile, _ := cmd.Flags().GetString("config")
	eng, err := engine.New(pricewatch.SupervisorConfig{
		Interval:     cfg.Worker.Interval,
		PriceTimeout: cfg.Worker.RequestTimeout,
	}, engine.Deps{
		Trader:   c.trader,
		Store:    c.store,
		Notifier: c.notifier,
		Prices:   c.market,
		Spawner:  newSpawner(cfg, cfgFile, c.market, m, logger),
		Observer: m,
	}, logger.Named("engine"))
	if err != nil {
		return err
	}
	c.trader.SetExitSeeder(eng)

	if cfg.WSURL == "" && (cfg.SniperEnabled || cfg.SweepEnabled) {
		logger.Warn("ws-url not set, scanners disabled")
	} else {
		if err := addScanners(eng, cfg, c, m, logger); err != nil {
			return err
		}
	}

	logger.Info("sniper start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("ws", cfg.WSURL),
		zap.Int64("chain_id", cfg.ChainID.Int64()),
		zap.String("worker_mode", cfg.Worker.Mode),
		zap.Bool("sniper", cfg.SniperEnabled),
		zap.Bool("sweep", cfg.SweepEnabled),
		zap.Int("relays", len(cfg.Relays)),
		zap.Bool("postgres", cfg.PostgresDSN != ""),
	)

	return eng.Run(ctx)
}

func addScanners(eng *engine.Engine, cfg config.Config, c *core, m *metrics.Metrics, logger *zap.Logger) error {
	evaluator := strategy.New(strategy.DefaultExclusivePrefix)
	backoff := scanner.Backoff{
		Base:        time.Second,
		Max:         cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}

	if cfg.SniperEnabled {
		queue := eventqueue.New("sniper", cfg.QueueMaxConcurrent, cfg.QueueMaxSize, m, logger.Named("queue"))
		sniper := scanner.NewSniper(scanner.SniperDeps{
			Info:      c.info,
			Wallets:   c.store,
			Evaluator: evaluator,
			Buyer:     c.trader,
			Limits:    eng,
			Prices:    c.market,
			Observer:  m,
		}, 0, logger.Named("sniper"))
		eng.AddScanner("mempool", scanner.NewMempool(scanner.MempoolConfig{
			URL:      cfg.WSURL,
			Factory:  cfg.LaunchFactory,
			Selector: cfg.LaunchSelector,
			Backoff:  backoff,
		}, queue, sniper.Handle, m, logger.Named("mempool")))
	}

	if cfg.SweepEnabled {
		queue := eventqueue.New("sweep", cfg.SweepMaxConcurrent, cfg.QueueMaxSize, m, logger.Named("queue"))
		sweep, err := scanner.NewSweep(scanner.SweepConfig{
			Contract:  cfg.Contracts.CurveManager,
			Backoff:   backoff,
			Heartbeat: cfg.HeartbeatInterval,
			Throttle:  cfg.SweepThrottle,
			DedupeTTL: cfg.SweepDedupeTTL,
		}, scanner.SweepDeps{
			Dial:      dialLogs(cfg.WSURL),
			Info:      c.info,
			Store:     c.store,
			Evaluator: evaluator,
			Buyer:     c.trader,
			Notifier:  c.notifier,
			Queue:     queue,
			Observer:  m,
		}, logger.Named("sweep"))
		if err != nil {
			return err
		}
		eng.AddScanner("sweep", sweep)
	}
	return nil
}

// dialLogs opens a fresh websocket client per sweep session.
func dialLogs(wsURL string) scanner.LogDialer {
	return func(ctx context.Context) (scanner.LogSource, error) {
		client, err := chain.NewClient(ctx, wsURL)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func newSpawner(cfg config.Config, cfgFile string, prices pricewatch.PriceSource, m *metrics.Metrics, logger *zap.Logger) pricewatch.Spawner {
	if cfg.Worker.Mode == config.WorkerInline {
		return pricewatch.InlineSpawner{
			NewWorker: func() *pricewatch.Worker {
				return pricewatch.NewWorker(workerConfig(cfg), prices, pricewatch.NewSnapshotStore(cfg.Worker.StateFile), m, logger.Named("price-worker"))
			},
			Logger: logger.Named("pricewatch"),
		}
	}

	args := []string{"price-worker"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return pricewatch.ProcessSpawner{
		Args:   args,
		Env:    workerEnv(cfg),
		Logger: logger.Named("pricewatch"),
	}
}

func workerConfig(cfg config.Config) pricewatch.WorkerConfig {
	return pricewatch.WorkerConfig{
		Interval:      cfg.Worker.Interval,
		BatchSize:     cfg.Worker.BatchSize,
		SaveDebounce:  cfg.Worker.SaveDebounce,
		CleanupPeriod: cfg.Worker.CleanupPeriod,
		IdleAfter:     cfg.Worker.IdleAfter,
	}
}

// workerEnv forwards the settings the child needs, so flags given to run
// reach it too.
func workerEnv(cfg config.Config) []string {
	addr := func(a common.Address) string { return a.Hex() }
	return []string{
		"SNIPER_RPC_URL=" + cfg.RPCURL,
		"SNIPER_CHAIN_ID=" + cfg.ChainID.String(),
		"SNIPER_LOG_LEVEL=" + cfg.LogLevel,
		"SNIPER_WORKER_INTERVAL=" + cfg.Worker.Interval.String(),
		"SNIPER_WORKER_BATCH=" + strconv.Itoa(cfg.Worker.BatchSize),
		"SNIPER_WORKER_STATE_FILE=" + cfg.Worker.StateFile,
		"SNIPER_WORKER_SAVE_DEBOUNCE=" + cfg.Worker.SaveDebounce.String(),
		"SNIPER_WORKER_CLEANUP_INTERVAL=" + cfg.Worker.CleanupPeriod.String(),
		"SNIPER_WORKER_IDLE_TTL=" + cfg.Worker.IdleAfter.String(),
		"SNIPER_ROUTER=" + addr(cfg.Contracts.Router),
		"SNIPER_WRAPPED_NATIVE=" + addr(cfg.Contracts.Wrapped),
		"SNIPER_STABLE=" + addr(cfg.Contracts.Stable),
		"SNIPER_CURVE_MANAGER=" + addr(cfg.Contracts.CurveManager),
		"SNIPER_CURVE_HELPER=" + addr(cfg.Contracts.CurveHelper),
		"SNIPER_FEE_PROXY=" + addr(cfg.Contracts.FeeProxy),
	}
}

func runPriceWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	market := dex.NewMarket(chainClient, cfg.Contracts, dex.NewModeCache(), dex.NewDecimalsCache(), logger.Named("dex"))
	worker := pricewatch.NewWorker(workerConfig(cfg), market, pricewatch.NewSnapshotStore(cfg.Worker.StateFile), nil, logger)
	conn := pricewatch.NewStreamConn(os.Stdin, os.Stdout, nil, logger)
	defer conn.Close()

	logger.Info("price worker start",
		zap.Int("pid", os.Getpid()),
		zap.Duration("interval", cfg.Worker.Interval),
		zap.Int("batch", cfg.Worker.BatchSize),
		zap.String("state_file", cfg.Worker.StateFile),
	)

	err = worker.Run(ctx, conn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
