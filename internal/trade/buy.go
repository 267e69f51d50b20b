package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/bundle"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
)

// BuyRequest describes one buy. Wallet resolution order is Override, then
// WalletID (must be enabled for Mode), then the account's active wallet.
type BuyRequest struct {
	AccountID    int64
	Token        string
	Amount       decimal.Decimal
	Slippage     float64
	GasPriceGwei decimal.Decimal
	WalletID     int64
	Override     *model.Wallet
	Mode         model.Mode
	// SeedExits registers the wallet's TP/SL ladder after a successful buy.
	SeedExits bool
}

// BuyResult is a settled buy.
type BuyResult struct {
	TxHash       common.Hash
	BundleHash   string
	GasUsed      uint64
	Wallet       model.Wallet
	TokenBalance decimal.Decimal
	USDValue     decimal.Decimal
	BaselineUSD  float64
}

// Buy spends native currency on token. Every outcome produces exactly one
// notification to the account.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (BuyResult, error) {
	started := s.now()
	if req.Mode == "" {
		req.Mode = model.ModeSniper
	}
	res, err := s.buy(ctx, req)
	if err != nil {
		s.observe(model.SideBuy, model.TradeFailed, started)
		s.logger.Warn("buy failed",
			zap.Int64("account", req.AccountID),
			zap.String("token", req.Token),
			zap.String("mode", string(req.Mode)),
			zap.Error(err),
		)
		if !errors.Is(err, ErrInsufficientBalance) {
			s.notify(req.AccountID, notify.KindBuyFailed, buyFailedText(req, err))
		}
		return res, err
	}
	s.observe(model.SideBuy, model.TradeSuccess, started)
	return res, nil
}

func (s *Service) buy(ctx context.Context, req BuyRequest) (BuyResult, error) {
	if !req.Amount.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}
	if !common.IsHexAddress(req.Token) {
		return BuyResult{}, fmt.Errorf("invalid token address %q", req.Token)
	}
	token := common.HexToAddress(req.Token)

	wallet, err := s.buyWallet(ctx, req)
	if err != nil {
		return BuyResult{}, err
	}
	signer, err := s.signer(wallet)
	if err != nil {
		return BuyResult{}, err
	}

	var (
		balance *big.Int
		nonce   uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = s.deps.Backend.BalanceAt(gctx, signer.From, nil)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		nonce, err = s.deps.Backend.PendingNonceAt(gctx, signer.From)
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return BuyResult{}, err
	}

	amountIn := chain.ToUnits(req.Amount, chain.NativeDecimals)
	if balance.Cmp(amountIn) < 0 {
		s.disableSniper(ctx, wallet, balance, amountIn)
		return BuyResult{Wallet: wallet}, fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance,
			chain.FormatUnits(balance, chain.NativeDecimals),
			chain.FormatUnits(amountIn, chain.NativeDecimals),
		)
	}

	gasPrice := chain.GweiToWei(req.GasPriceGwei)
	opts := txOpts(ctx, signer, nonce, amountIn, gasPrice, s.cfg.BuyGasLimit)

	var (
		tx         *types.Transaction
		bundleHash string
	)
	mode := s.deps.Market.TokenMode(ctx, token)
	if mode == model.TokenModeManaged {
		tx, err = s.curve.Transact(opts, "buyTokenAMAP", token, amountIn, new(big.Int))
		if err != nil {
			return BuyResult{Wallet: wallet}, fmt.Errorf("build curve buy: %w", err)
		}
		err = s.deps.Backend.SendTransaction(ctx, tx)
	} else {
		deadline := big.NewInt(s.now().Add(s.cfg.Deadline).Unix())
		tx, err = s.proxy.Transact(opts, "swapBNBForTokens", token, new(big.Int), deadline, true)
		if err != nil {
			return BuyResult{Wallet: wallet}, fmt.Errorf("build proxy buy: %w", err)
		}
		if wallet.BribeAmount.IsPositive() && s.deps.Bundler != nil {
			var out bundle.Result
			out, err = s.deps.Bundler.Submit(ctx, bundle.Request{
				MainTx: tx,
				Bribe:  chain.ToUnits(wallet.BribeAmount, chain.NativeDecimals),
				Signer: signer,
			})
			bundleHash = out.BundleHash
		} else {
			err = s.deps.Backend.SendTransaction(ctx, tx)
		}
	}
	if err != nil {
		return BuyResult{Wallet: wallet}, fmt.Errorf("submit buy: %w", err)
	}

	s.logger.Info("buy submitted",
		zap.Int64("account", req.AccountID),
		zap.Int64("wallet", wallet.ID),
		zap.String("token", token.Hex()),
		zap.String("token_mode", mode.String()),
		zap.String("tx", tx.Hash().Hex()),
		zap.String("bundle", bundleHash),
	)

	receipt, err := waitReceipt(ctx, s.deps.Backend, tx.Hash(), s.cfg.Receipt)
	if err != nil {
		return BuyResult{Wallet: wallet}, fmt.Errorf("wait buy receipt: %w", err)
	}
	res := BuyResult{TxHash: tx.Hash(), BundleHash: bundleHash, GasUsed: receipt.GasUsed, Wallet: wallet}
	if receipt.Status != types.ReceiptStatusSuccessful {
		s.record(ctx, model.TradeRecord{
			AccountID:    req.AccountID,
			WalletID:     wallet.ID,
			Mode:         req.Mode,
			Side:         model.SideBuy,
			TokenAddress: strings.ToLower(token.Hex()),
			Amount:       req.Amount,
			TxHash:       tx.Hash().Hex(),
			GasUsed:      receipt.GasUsed,
			Status:       model.TradeFailed,
		})
		return res, fmt.Errorf("%w: %s", ErrTxFailed, tx.Hash().Hex())
	}

	snapshot := s.tokenInfo(ctx, token)
	s.settleBuy(ctx, req, token, &res)

	s.record(ctx, model.TradeRecord{
		AccountID:     req.AccountID,
		WalletID:      wallet.ID,
		Mode:          req.Mode,
		Side:          model.SideBuy,
		TokenAddress:  strings.ToLower(token.Hex()),
		TokenName:     metaName(snapshot),
		TokenSymbol:   metaSymbol(snapshot),
		Amount:        req.Amount,
		ExpectedPrice: dynamicPrice(snapshot),
		ActualPrice:   decimal.NewFromFloat(res.BaselineUSD),
		TokenBalance:  res.TokenBalance,
		USDValue:      res.USDValue,
		TxHash:        tx.Hash().Hex(),
		GasUsed:       receipt.GasUsed,
		Status:        model.TradeSuccess,
	})

	s.notify(req.AccountID, notify.KindBuySuccess, buySuccessText(req, wallet, snapshot, res))

	if req.SeedExits && s.seeder != nil {
		if err := s.seeder.SeedExits(ctx, wallet, req.Token, res.BaselineUSD, req.Mode); err != nil {
			s.logger.Warn("seed exits failed", zap.String("token", req.Token), zap.Error(err))
		}
	}
	return res, nil
}

// buyWallet resolves the wallet a buy spends from.
func (s *Service) buyWallet(ctx context.Context, req BuyRequest) (model.Wallet, error) {
	if usable(req.Override) {
		w := *req.Override
		if w.AccountID == 0 {
			w.AccountID = req.AccountID
		}
		return w, nil
	}
	if req.WalletID > 0 {
		w, err := s.deps.Store.WalletByID(ctx, req.AccountID, req.WalletID)
		switch {
		case err == nil && w.Enabled(req.Mode) && usable(&w):
			return w, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return model.Wallet{}, fmt.Errorf("load wallet %d: %w", req.WalletID, err)
		}
	}
	w, err := s.deps.Store.ActiveWallet(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Wallet{}, ErrWalletNotFound
		}
		return model.Wallet{}, fmt.Errorf("load active wallet: %w", err)
	}
	if !usable(&w) {
		return model.Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// disableSniper flips the sniper flag off so a starved wallet stops paying
// gas for doomed attempts, then tells the account.
func (s *Service) disableSniper(ctx context.Context, w model.Wallet, balance, needed *big.Int) {
	if err := s.deps.Store.SetWalletFlag(ctx, w.ID, model.FlagSniper, false); err != nil {
		s.logger.Error("disable sniper failed", zap.Int64("wallet", w.ID), zap.Error(err))
	}
	s.logger.Warn("insufficient balance, sniper disabled",
		zap.Int64("wallet", w.ID),
		zap.String("balance", chain.FormatUnits(balance, chain.NativeDecimals)),
		zap.String("needed", chain.FormatUnits(needed, chain.NativeDecimals)),
	)
	s.notify(w.AccountID, notify.KindInsufficientBalance, insufficientText(w, balance, needed))
}

// settleBuy fills balance and USD valuation. Failures leave zero values.
func (s *Service) settleBuy(ctx context.Context, req BuyRequest, token common.Address, res *BuyResult) {
	owner := common.HexToAddress(res.Wallet.Address)
	raw, err := s.deps.Market.BalanceOf(ctx, token, owner)
	if err != nil {
		s.logger.Warn("post-buy balance failed", zap.String("token", token.Hex()), zap.Error(err))
		return
	}
	decimals := s.deps.Market.Decimals(ctx, token)
	res.TokenBalance = chain.FromUnits(raw, decimals)

	native, err := s.deps.Market.NativeUSDPrice(ctx)
	if err != nil {
		s.logger.Warn("native price failed", zap.Error(err))
		return
	}
	res.USDValue = req.Amount.Mul(decimal.NewFromFloat(native))
	if res.TokenBalance.IsPositive() {
		res.BaselineUSD = res.USDValue.Div(res.TokenBalance).InexactFloat64()
	}
}

func (s *Service) tokenInfo(ctx context.Context, token common.Address) model.TokenSnapshot {
	snap := model.TokenSnapshot{Address: strings.ToLower(token.Hex())}
	if s.deps.Info == nil {
		return snap
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InfoTimeout)
	defer cancel()
	fetched, err := s.deps.Info.Fetch(ctx, snap.Address)
	if err != nil {
		s.logger.Debug("token info unavailable", zap.String("token", snap.Address), zap.Error(err))
		return snap
	}
	return fetched
}

func (s *Service) record(ctx context.Context, rec model.TradeRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	// Recorded even if the caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.deps.Store.InsertTrade(ctx, rec); err != nil {
		s.logger.Error("insert trade record failed", zap.String("tx", rec.TxHash), zap.Error(err))
	}
}

func metaName(s model.TokenSnapshot) string {
	if s.Meta != nil && s.Meta.Name != "" {
		return s.Meta.Name
	}
	return "Unknown"
}

func metaSymbol(s model.TokenSnapshot) string {
	if s.Meta != nil && s.Meta.Symbol != "" {
		return s.Meta.Symbol
	}
	return "Unknown"
}

func dynamicPrice(s model.TokenSnapshot) decimal.Decimal {
	if s.Dynamic != nil && s.Dynamic.PriceUSD != nil {
		return decimal.NewFromFloat(*s.Dynamic.PriceUSD)
	}
	return decimal.Zero
}
