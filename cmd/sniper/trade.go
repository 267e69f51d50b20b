package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/metrics"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage/postgres"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

type tradeFlags struct {
	account  int64
	wallet   int64
	token    string
	slippage float64
	gasPrice decimal.Decimal
}

func readTradeFlags(cmd *cobra.Command) (tradeFlags, error) {
	var f tradeFlags
	f.account, _ = cmd.Flags().GetInt64("account")
	f.wallet, _ = cmd.Flags().GetInt64("wallet")
	f.token, _ = cmd.Flags().GetString("token")
	f.slippage, _ = cmd.Flags().GetFloat64("slippage")
	gas, _ := cmd.Flags().GetString("gas-price")

	if f.account == 0 {
		return f, fmt.Errorf("account is required")
	}
	if !common.IsHexAddress(f.token) {
		return f, fmt.Errorf("invalid token address %q", f.token)
	}
	price, err := decimal.NewFromString(gas)
	if err != nil || !price.IsPositive() {
		return f, fmt.Errorf("invalid gas price %q", gas)
	}
	f.gasPrice = price
	return f, nil
}

func runBuy(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	flags, err := readTradeFlags(cmd)
	if err != nil {
		return err
	}
	amountText, _ := cmd.Flags().GetString("amount")
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return fmt.Errorf("invalid amount %q", amountText)
	}
	modeText, _ := cmd.Flags().GetString("mode")
	mode := model.Mode(modeText)
	if mode != model.ModeSniper && mode != model.ModeSweep {
		return fmt.Errorf("invalid mode %q", modeText)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx, cfg, metrics.NewMetrics("sniper", nil), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.trader.Buy(ctx, trade.BuyRequest{
		AccountID:    flags.account,
		Token:        flags.token,
		Amount:       amount,
		Slippage:     flags.slippage,
		GasPriceGwei: flags.gasPrice,
		WalletID:     flags.wallet,
		Mode:         mode,
	})
	if err != nil {
		return err
	}

	logger.Info("buy complete",
		zap.String("tx", res.TxHash.Hex()),
		zap.String("bundle", res.BundleHash),
		zap.Uint64("gas_used", res.GasUsed),
		zap.Int64("wallet", res.Wallet.ID),
		zap.String("token_balance", res.TokenBalance.String()),
		zap.String("usd_value", res.USDValue.StringFixed(2)),
	)
	return nil
}

func runSell(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	flags, err := readTradeFlags(cmd)
	if err != nil {
		return err
	}
	if flags.wallet == 0 {
		return fmt.Errorf("wallet is required")
	}
	percent, _ := cmd.Flags().GetFloat64("percent")
	if percent <= 0 || percent > 100 {
		return fmt.Errorf("percent must be in (0, 100]")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx, cfg, metrics.NewMetrics("sniper", nil), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.trader.Sell(ctx, trade.SellRequest{
		AccountID:    flags.account,
		WalletID:     flags.wallet,
		Token:        flags.token,
		SellPercent:  percent,
		Slippage:     flags.slippage,
		GasPriceGwei: flags.gasPrice,
		Mode:         model.ModeSniper,
	})
	if err != nil {
		return err
	}

	logger.Info("sell complete",
		zap.String("tx", res.TxHash.Hex()),
		zap.Uint64("gas_used", res.GasUsed),
		zap.String("amount", chain.FormatUnits(res.Amount, res.Decimals)),
		zap.String("symbol", res.Symbol),
		zap.String("received_bnb", res.ReceivedNative.String()),
	)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PostgresDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema ready")
	return nil
}
