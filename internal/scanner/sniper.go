package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/strategy"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

// TokenInfo fetches the data the filters look at.
type TokenInfo interface {
	Fetch(ctx context.Context, token string) (model.TokenSnapshot, error)
}

// WalletSource lists wallets by run flag.
type WalletSource interface {
	AccountsWithFlag(ctx context.Context, flag model.WalletFlag) ([]int64, error)
	WalletsWithFlag(ctx context.Context, accountID int64, flag model.WalletFlag) ([]model.Wallet, error)
}

// Buyer executes buys. *trade.Service satisfies it.
type Buyer interface {
	Buy(ctx context.Context, req trade.BuyRequest) (trade.BuyResult, error)
}

// LimitRegistrar arms a buy-on-drop listener for a wallet.
type LimitRegistrar interface {
	AddLimitListener(ctx context.Context, wallet model.Wallet, token string, initialPrice float64) error
}

// PriceSource quotes a token in USD.
type PriceSource interface {
	TokenUSDPrice(ctx context.Context, token common.Address) (float64, error)
}

// SniperDeps are the collaborators of the sniper pipeline.
type SniperDeps struct {
	Info      TokenInfo
	Wallets   WalletSource
	Evaluator strategy.Evaluator
	Buyer     Buyer
	Limits    LimitRegistrar
	Prices    PriceSource
	Observer  Observer
}

// Sniper turns a freshly launched token into buys or limit listeners for
// every sniper-enabled wallet whose filters accept it.
type Sniper struct {
	deps        SniperDeps
	infoTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewSniper builds the pipeline. infoTimeout bounds the token info fetch.
func NewSniper(deps SniperDeps, infoTimeout time.Duration, logger *zap.Logger) *Sniper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if infoTimeout <= 0 {
		infoTimeout = 10 * time.Second
	}
	return &Sniper{deps: deps, infoTimeout: infoTimeout, logger: logger, now: time.Now}
}

// Handle evaluates one launch. Errors are logged; one bad account or wallet
// never stops the others.
func (s *Sniper) Handle(ctx context.Context, token common.Address) error {
	address := strings.ToLower(token.Hex())
	logger := s.logger.With(zap.String("token", address))

	ictx, cancel := context.WithTimeout(ctx, s.infoTimeout)
	snap, err := s.deps.Info.Fetch(ictx, address)
	cancel()
	if err != nil || snap.Dynamic == nil {
		logger.Info("skip launch, token info unavailable", zap.Error(err))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTokenInfoUnavailable, err)
		}
		return ErrTokenInfoUnavailable
	}
	if snap.Dynamic.Holders == nil {
		logger.Info("skip launch, holder count unavailable")
		return fmt.Errorf("%w: holder count missing", ErrTokenInfoUnavailable)
	}

	accounts, err := s.deps.Wallets.AccountsWithFlag(ctx, model.FlagSniper)
	if err != nil {
		logger.Warn("list sniper accounts failed", zap.Error(err))
		return fmt.Errorf("list sniper accounts: %w", err)
	}

	var g errgroup.Group
	for _, accountID := range accounts {
		g.Go(func() error {
			return s.handleAccount(ctx, accountID, snap, logger.With(zap.Int64("account", accountID)))
		})
	}
	return g.Wait()
}

// handleAccount tries every sniper wallet of the account and reports the
// wallets whose buy or limit registration failed.
func (s *Sniper) handleAccount(ctx context.Context, accountID int64, snap model.TokenSnapshot, logger *zap.Logger) error {
	wallets, err := s.deps.Wallets.WalletsWithFlag(ctx, accountID, model.FlagSniper)
	if err != nil {
		logger.Warn("list sniper wallets failed", zap.Error(err))
		return fmt.Errorf("list sniper wallets of account %d: %w", accountID, err)
	}
	var errs []error
	for _, w := range wallets {
		result := s.deps.Evaluator.Sniper(w.Sniper, snap, s.now())
		s.deps.Observer.Evaluation(string(model.ModeSniper), result.Match)
		if !result.Match {
			logger.Debug("sniper filters rejected token", zap.Int64("wallet", w.ID), zap.Strings("reasons", result.Reasons()))
			continue
		}

		if w.WaitForDrop && w.DropPct > 0 {
			price := s.initialPrice(ctx, snap)
			if err := s.deps.Limits.AddLimitListener(ctx, w, snap.Address, price); err != nil {
				logger.Warn("register limit listener failed", zap.Int64("wallet", w.ID), zap.Error(err))
				errs = append(errs, fmt.Errorf("wallet %d limit: %w", w.ID, err))
			}
			continue
		}

		params := w.TradeParams(model.ModeSniper)
		_, err := s.deps.Buyer.Buy(ctx, trade.BuyRequest{
			AccountID:    accountID,
			Token:        snap.Address,
			Amount:       params.Amount,
			Slippage:     params.Slippage,
			GasPriceGwei: params.GasPriceGwei,
			WalletID:     w.ID,
			Override:     &w,
			Mode:         model.ModeSniper,
			SeedExits:    true,
		})
		if err != nil {
			logger.Warn("sniper buy failed", zap.Int64("wallet", w.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("wallet %d buy: %w", w.ID, err))
		}
	}
	return errors.Join(errs...)
}

// initialPrice prefers an on-chain quote and falls back to the reported price.
func (s *Sniper) initialPrice(ctx context.Context, snap model.TokenSnapshot) float64 {
	if s.deps.Prices != nil {
		if p, err := s.deps.Prices.TokenUSDPrice(ctx, common.HexToAddress(snap.Address)); err == nil && p > 0 {
			return p
		}
	}
	if snap.Dynamic != nil && snap.Dynamic.PriceUSD != nil {
		return *snap.Dynamic.PriceUSD
	}
	return 0
}
