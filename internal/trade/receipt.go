package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptConfig bounds how long a trade waits for its receipt.
type ReceiptConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	PollInterval   time.Duration
}

func (c ReceiptConfig) withDefaults() ReceiptConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// lagging reports whether err is the node still catching up on the tx.
func lagging(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "indexing is in progress") || strings.Contains(msg, "transaction not found")
}

// waitReceipt polls for the receipt of hash. Indexing lag is retried with
// delay BaseDelay*1.5^attempt; anything else, including an attempt timing
// out, is returned as is.
func waitReceipt(ctx context.Context, fetcher receiptFetcher, hash common.Hash, cfg ReceiptConfig) (*types.Receipt, error) {
	cfg = cfg.withDefaults()

	delay := cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		receipt, err := pollReceipt(ctx, fetcher, hash, cfg)
		if err == nil {
			return receipt, nil
		}
		if !lagging(err) || attempt+1 >= cfg.MaxAttempts {
			return nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay = delay * 3 / 2
	}
}

func pollReceipt(ctx context.Context, fetcher receiptFetcher, hash common.Hash, cfg ReceiptConfig) (*types.Receipt, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	for {
		receipt, err := fetcher.TransactionReceipt(actx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if actx.Err() != nil && ctx.Err() == nil {
				return nil, ErrReceiptTimeout
			}
			return nil, err
		}

		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-actx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrReceiptTimeout
		case <-timer.C:
		}
	}
}
