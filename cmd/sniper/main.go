package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/config"
)

func main() {
	// A missing .env is fine; real deployments set SNIPER_* directly.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "sniper",
		Short:        "four.meme launch sniper and TP/SL engine for BSC",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run scanners, the price worker and the trade service",
		RunE:  runEngine,
	}

	runCmd.Flags().String("rpc-url", "", "BSC HTTP RPC URL")
	runCmd.Flags().String("ws-url", "", "BSC websocket RPC URL (mempool and curve events)")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN, empty uses an in-memory store")
	runCmd.Flags().String("worker-mode", config.WorkerProcess, "price worker mode (process, inline)")
	runCmd.Flags().String("worker-state-file", "./data/price_state.json", "price worker snapshot path")
	runCmd.Flags().String("trade-journal", "./data/trades.jsonl", "trade journal JSONL path, empty disables")
	runCmd.Flags().Bool("sniper-enabled", true, "run the mempool sniper")
	runCmd.Flags().Bool("sweep-enabled", true, "run the curve event sweeper")
	runCmd.Flags().String("metrics-addr", "", "address for the /metrics endpoint, empty disables")

	root.AddCommand(runCmd)

	workerCmd := &cobra.Command{
		Use:    "price-worker",
		Short:  "Run the price trigger worker over stdin/stdout",
		Hidden: true,
		RunE:   runPriceWorker,
	}

	workerCmd.Flags().String("rpc-url", "", "BSC HTTP RPC URL")
	workerCmd.Flags().String("worker-state-file", "./data/price_state.json", "price worker snapshot path")

	root.AddCommand(workerCmd)

	buyCmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy a token with an account's wallet",
		RunE:  runBuy,
	}

	addTradeFlags(buyCmd)
	buyCmd.Flags().String("amount", "", "BNB to spend")
	buyCmd.Flags().String("mode", "sniper", "config namespace (sniper, sweep)")

	root.AddCommand(buyCmd)

	sellCmd := &cobra.Command{
		Use:   "sell",
		Short: "Sell a percentage of a wallet's token balance",
		RunE:  runSell,
	}

	addTradeFlags(sellCmd)
	sellCmd.Flags().Float64("percent", 100, "percentage of the balance to sell")

	root.AddCommand(sellCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")

	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addTradeFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc-url", "", "BSC HTTP RPC URL")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
	cmd.Flags().Int64("account", 0, "account id")
	cmd.Flags().Int64("wallet", 0, "wallet id, 0 uses the account's active wallet")
	cmd.Flags().String("token", "", "token address")
	cmd.Flags().Float64("slippage", 10, "slippage percent")
	cmd.Flags().String("gas-price", "5", "gas price in gwei")
}

// loadConfig reads the config for cmd and builds the logger.
func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// newLogger writes to stderr, which keeps stdout free for the worker channel.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
