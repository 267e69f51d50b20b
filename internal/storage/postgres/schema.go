package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL,
		wallet_number INT NOT NULL DEFAULT 1,
		address TEXT NOT NULL,
		private_key TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT false,
		sniper_enabled BOOLEAN NOT NULL DEFAULT false,
		sweep_enabled BOOLEAN NOT NULL DEFAULT false,
		buy_amount NUMERIC NOT NULL DEFAULT 0.01,
		slippage DOUBLE PRECISION NOT NULL DEFAULT 10,
		gas_price NUMERIC NOT NULL DEFAULT 5,
		bribe_amount NUMERIC NOT NULL DEFAULT 0,
		wait_for_drop BOOLEAN NOT NULL DEFAULT false,
		drop_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
		filter_social BOOLEAN NOT NULL DEFAULT false,
		filter_min_holders BIGINT NOT NULL DEFAULT 0,
		filter_top10_max DOUBLE PRECISION NOT NULL DEFAULT 100,
		filter_binance_only BOOLEAN NOT NULL DEFAULT false,
		filter_max_launch_minutes BIGINT NOT NULL DEFAULT 0,
		sweep_filter_social BOOLEAN NOT NULL DEFAULT false,
		sweep_filter_min_holders BIGINT NOT NULL DEFAULT 0,
		sweep_filter_top10_max DOUBLE PRECISION NOT NULL DEFAULT 100,
		sweep_filter_progress_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		sweep_filter_max_launch_minutes BIGINT NOT NULL DEFAULT 0,
		sweep_buy_amount NUMERIC NOT NULL DEFAULT 0,
		sweep_slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
		sweep_gas_price NUMERIC NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS wallets_account_idx ON wallets (account_id)`,
	`CREATE TABLE IF NOT EXISTS take_profit_stop_loss (
		id BIGSERIAL PRIMARY KEY,
		wallet_id BIGINT NOT NULL REFERENCES wallets (id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'sniper',
		price_percent DOUBLE PRECISION NOT NULL,
		sell_percent DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS tpsl_wallet_idx ON take_profit_stop_loss (wallet_id, type, mode)`,
	`CREATE TABLE IF NOT EXISTS trade_records (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL,
		wallet_id BIGINT NOT NULL,
		mode TEXT NOT NULL,
		side TEXT NOT NULL,
		token_address TEXT NOT NULL,
		token_name TEXT NOT NULL DEFAULT '',
		token_symbol TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL DEFAULT 0,
		expected_price NUMERIC NOT NULL DEFAULT 0,
		actual_price NUMERIC NOT NULL DEFAULT 0,
		token_balance NUMERIC NOT NULL DEFAULT 0,
		usd_value NUMERIC NOT NULL DEFAULT 0,
		received_native NUMERIC NOT NULL DEFAULT 0,
		tx_hash TEXT NOT NULL,
		gas_used BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS trade_records_account_token_idx ON trade_records (account_id, token_address)`,
}

// Migrate creates the tables the store reads and writes.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
