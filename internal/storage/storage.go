package storage

import (
	"context"
	"errors"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// ErrNotFound is returned when a wallet lookup matches no row.
var ErrNotFound = errors.New("not found")

// WalletStore reads wallets and flips their run flags.
type WalletStore interface {
	WalletByID(ctx context.Context, accountID, walletID int64) (model.Wallet, error)
	ActiveWallet(ctx context.Context, accountID int64) (model.Wallet, error)
	AccountsWithFlag(ctx context.Context, flag model.WalletFlag) ([]int64, error)
	WalletsWithFlag(ctx context.Context, accountID int64, flag model.WalletFlag) ([]model.Wallet, error)
	SetWalletFlag(ctx context.Context, walletID int64, flag model.WalletFlag, enabled bool) error
}

// ExitRuleStore manages TP/SL ladders scoped by (wallet, kind, mode).
type ExitRuleStore interface {
	ExitRules(ctx context.Context, walletID int64, kind model.ExitKind, mode model.Mode) ([]model.ExitRule, error)
	SaveExitRule(ctx context.Context, rule model.ExitRule) (int64, error)
	DeleteExitRule(ctx context.Context, walletID, ruleID int64) error
}

// TradeStore is the append-only trade audit log.
type TradeStore interface {
	InsertTrade(ctx context.Context, rec model.TradeRecord) (int64, error)
	HasOpenTrade(ctx context.Context, accountID int64, token string) (bool, error)
	RecentTrades(ctx context.Context, accountID int64, limit int) ([]model.TradeRecord, error)
}

// Store is everything the engine consumes from the relational store.
type Store interface {
	WalletStore
	ExitRuleStore
	TradeStore
}
