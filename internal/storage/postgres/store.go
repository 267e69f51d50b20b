package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
)

// Store provides Postgres persistence for wallets, exit ladders and trades.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const walletColumns = `
	id, account_id, wallet_number, address, private_key,
	is_active, sniper_enabled, sweep_enabled,
	buy_amount::text, slippage, gas_price::text, bribe_amount::text,
	wait_for_drop, drop_percentage,
	filter_social, filter_min_holders, filter_top10_max, filter_binance_only, filter_max_launch_minutes,
	sweep_filter_social, sweep_filter_min_holders, sweep_filter_top10_max, sweep_filter_progress_min, sweep_filter_max_launch_minutes,
	sweep_buy_amount::text, sweep_slippage, sweep_gas_price::text`

func scanWallet(row pgx.Row) (model.Wallet, error) {
	var (
		w                                   model.Wallet
		buy, gas, bribe, sweepBuy, sweepGas string
	)
	err := row.Scan(
		&w.ID, &w.AccountID, &w.Number, &w.Address, &w.PrivateKey,
		&w.Active, &w.SniperEnabled, &w.SweepEnabled,
		&buy, &w.Slippage, &gas, &bribe,
		&w.WaitForDrop, &w.DropPct,
		&w.Sniper.RequireSocial, &w.Sniper.MinHolders, &w.Sniper.Top10MaxPct, &w.Sniper.ExclusiveOrigin, &w.Sniper.MaxLaunchMinutes,
		&w.Sweep.RequireSocial, &w.Sweep.MinHolders, &w.Sweep.Top10MaxPct, &w.Sweep.ProgressMinPct, &w.Sweep.MaxLaunchMinutes,
		&sweepBuy, &w.SweepSlippage, &sweepGas,
	)
	if err != nil {
		return model.Wallet{}, err
	}
	w.BuyAmount = parseDecimal(buy)
	w.GasPriceGwei = parseDecimal(gas)
	w.BribeAmount = parseDecimal(bribe)
	w.SweepBuyAmount = parseDecimal(sweepBuy)
	w.SweepGasPriceGwei = parseDecimal(sweepGas)
	return w, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (s *Store) queryWallet(ctx context.Context, where string, args ...interface{}) (model.Wallet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE `+where+` ORDER BY id LIMIT 1`, args...)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Wallet{}, storage.ErrNotFound
		}
		return model.Wallet{}, err
	}
	return w, nil
}

// WalletByID loads a wallet owned by accountID.
func (s *Store) WalletByID(ctx context.Context, accountID, walletID int64) (model.Wallet, error) {
	return s.queryWallet(ctx, `id = $1 AND account_id = $2`, walletID, accountID)
}

// ActiveWallet loads the account's active wallet.
func (s *Store) ActiveWallet(ctx context.Context, accountID int64) (model.Wallet, error) {
	return s.queryWallet(ctx, `account_id = $1 AND is_active`, accountID)
}

func flagColumn(flag model.WalletFlag) (string, error) {
	switch flag {
	case model.FlagSniper, model.FlagSweep:
		return string(flag), nil
	default:
		return "", fmt.Errorf("unknown wallet flag %q", flag)
	}
}

// AccountsWithFlag lists accounts owning at least one wallet with flag set.
func (s *Store) AccountsWithFlag(ctx context.Context, flag model.WalletFlag) ([]int64, error) {
	col, err := flagColumn(flag)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT account_id FROM wallets WHERE `+col+` ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// WalletsWithFlag lists an account's wallets with flag set.
func (s *Store) WalletsWithFlag(ctx context.Context, accountID int64, flag model.WalletFlag) ([]model.Wallet, error) {
	col, err := flagColumn(flag)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_id = $1 AND `+col+` ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWalletFlag flips one run flag.
func (s *Store) SetWalletFlag(ctx context.Context, walletID int64, flag model.WalletFlag, enabled bool) error {
	col, err := flagColumn(flag)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE wallets SET `+col+` = $1, updated_at = now() WHERE id = $2`, enabled, walletID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ExitRules returns a wallet's ladder ordered by trigger percentage.
func (s *Store) ExitRules(ctx context.Context, walletID int64, kind model.ExitKind, mode model.Mode) ([]model.ExitRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet_id, type, mode, price_percent, sell_percent
		FROM take_profit_stop_loss
		WHERE wallet_id = $1 AND type = $2 AND mode = $3
		ORDER BY price_percent, id
	`, walletID, string(kind), string(mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExitRule
	for rows.Next() {
		var (
			r        model.ExitRule
			kindText string
			modeText string
		)
		if err := rows.Scan(&r.ID, &r.WalletID, &kindText, &modeText, &r.PricePercent, &r.SellPercent); err != nil {
			return nil, err
		}
		r.Kind = model.ExitKind(kindText)
		r.Mode = model.Mode(modeText)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveExitRule inserts a rule, or updates it when ID is set.
func (s *Store) SaveExitRule(ctx context.Context, rule model.ExitRule) (int64, error) {
	if rule.ID != 0 {
		_, err := s.pool.Exec(ctx, `
			UPDATE take_profit_stop_loss
			SET price_percent = $1, sell_percent = $2, updated_at = now()
			WHERE id = $3 AND wallet_id = $4
		`, rule.PricePercent, rule.SellPercent, rule.ID, rule.WalletID)
		return rule.ID, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO take_profit_stop_loss (wallet_id, type, mode, price_percent, sell_percent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING id
	`, rule.WalletID, string(rule.Kind), string(rule.Mode), rule.PricePercent, rule.SellPercent).Scan(&id)
	return id, err
}

// DeleteExitRule removes one rung of a wallet's ladder.
func (s *Store) DeleteExitRule(ctx context.Context, walletID, ruleID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM take_profit_stop_loss WHERE id = $1 AND wallet_id = $2`, ruleID, walletID)
	return err
}

// InsertTrade appends a trade record.
func (s *Store) InsertTrade(ctx context.Context, rec model.TradeRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trade_records (
			account_id, wallet_id, mode, side, token_address, token_name, token_symbol,
			amount, expected_price, actual_price, token_balance, usd_value, received_native,
			tx_hash, gas_used, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12::numeric,$13::numeric,$14,$15,$16,now())
		RETURNING id
	`,
		rec.AccountID,
		rec.WalletID,
		string(rec.Mode),
		string(rec.Side),
		strings.ToLower(rec.TokenAddress),
		rec.TokenName,
		rec.TokenSymbol,
		rec.Amount.String(),
		rec.ExpectedPrice.String(),
		rec.ActualPrice.String(),
		rec.TokenBalance.String(),
		rec.USDValue.String(),
		rec.ReceivedNative.String(),
		rec.TxHash,
		int64(rec.GasUsed),
		string(rec.Status),
	).Scan(&id)
	return id, err
}

// HasOpenTrade reports whether the account holds a pending or successful buy of token.
func (s *Store) HasOpenTrade(ctx context.Context, accountID int64, token string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade_records
			WHERE account_id = $1 AND token_address = $2 AND side = 'buy' AND status IN ('pending', 'success')
		)
	`, accountID, strings.ToLower(token)).Scan(&exists)
	return exists, err
}

// RecentTrades returns the account's latest trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, accountID int64, limit int) ([]model.TradeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, wallet_id, mode, side, token_address, token_name, token_symbol,
			amount::text, expected_price::text, actual_price::text, token_balance::text, usd_value::text, received_native::text,
			tx_hash, gas_used, status, created_at
		FROM trade_records
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var (
			r                                              model.TradeRecord
			mode, side, status                             string
			amount, expected, actual, balance, usd, native string
			gasUsed                                        int64
		)
		if err := rows.Scan(
			&r.ID, &r.AccountID, &r.WalletID, &mode, &side, &r.TokenAddress, &r.TokenName, &r.TokenSymbol,
			&amount, &expected, &actual, &balance, &usd, &native,
			&r.TxHash, &gasUsed, &status, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Mode, r.Side, r.Status = model.Mode(mode), model.TradeSide(side), model.TradeStatus(status)
		r.Amount, r.ExpectedPrice, r.ActualPrice = parseDecimal(amount), parseDecimal(expected), parseDecimal(actual)
		r.TokenBalance, r.USDValue, r.ReceivedNative = parseDecimal(balance), parseDecimal(usd), parseDecimal(native)
		r.GasUsed = uint64(gasUsed)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ storage.Store = (*Store)(nil)
