package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
)

// SellRequest describes one sell of SellPercent of the wallet's balance.
type SellRequest struct {
	AccountID    int64
	WalletID     int64
	Token        string
	SellPercent  float64
	Slippage     float64
	GasPriceGwei decimal.Decimal
	Override     *model.Wallet
	Mode         model.Mode
}

// SellResult is a settled sell.
type SellResult struct {
	TxHash         common.Hash
	GasUsed        uint64
	Amount         *big.Int
	Symbol         string
	Decimals       uint8
	ReceivedNative decimal.Decimal
}

// SellLockKey identifies the (wallet, token) pair a sell is serialized on.
func SellLockKey(walletID int64, token string) string {
	return fmt.Sprintf("%d_%s", walletID, strings.ToLower(token))
}

// Sell sells part of a token position. Concurrent calls for the same wallet
// and token share one execution and all receive its result.
func (s *Service) Sell(ctx context.Context, req SellRequest) (SellResult, error) {
	walletID := req.WalletID
	if usable(req.Override) && req.Override.ID != 0 {
		walletID = req.Override.ID
	}
	v, err, shared := s.sells.Do(SellLockKey(walletID, req.Token), func() (interface{}, error) {
		return s.executeSell(ctx, req)
	})
	if shared {
		s.logger.Debug("sell joined in-flight execution", zap.Int64("wallet", walletID), zap.String("token", req.Token))
	}
	res, _ := v.(SellResult)
	return res, err
}

func (s *Service) executeSell(ctx context.Context, req SellRequest) (SellResult, error) {
	started := s.now()
	if req.Mode == "" {
		req.Mode = model.ModeSniper
	}
	res, err := s.sell(ctx, req)
	if err != nil {
		s.observe(model.SideSell, model.TradeFailed, started)
		s.logger.Warn("sell failed",
			zap.Int64("account", req.AccountID),
			zap.Int64("wallet", req.WalletID),
			zap.String("token", req.Token),
			zap.Error(err),
		)
		s.notify(req.AccountID, notify.KindSellFailed, sellFailedText(req, err))
		return res, err
	}
	s.observe(model.SideSell, model.TradeSuccess, started)
	return res, nil
}

func (s *Service) sell(ctx context.Context, req SellRequest) (SellResult, error) {
	if !common.IsHexAddress(req.Token) {
		return SellResult{}, fmt.Errorf("invalid token address %q", req.Token)
	}
	token := common.HexToAddress(req.Token)

	wallet, err := s.sellWallet(ctx, req)
	if err != nil {
		return SellResult{}, err
	}
	signer, err := s.signer(wallet)
	if err != nil {
		return SellResult{}, err
	}
	owner := signer.From

	balance, err := s.deps.Market.BalanceOf(ctx, token, owner)
	if err != nil {
		return SellResult{}, fmt.Errorf("token balance: %w", err)
	}
	if balance.Sign() == 0 {
		return SellResult{}, ErrZeroBalance
	}
	res := SellResult{Decimals: s.deps.Market.Decimals(ctx, token), Symbol: "Token"}
	if symbol, err := s.deps.Market.Symbol(ctx, token); err == nil && symbol != "" {
		res.Symbol = symbol
	}

	pct := int64(math.Floor(req.SellPercent))
	if pct > 100 {
		pct = 100
	}
	amount := new(big.Int).Mul(balance, big.NewInt(pct))
	amount.Div(amount, big.NewInt(100))

	mode := s.deps.Market.TokenMode(ctx, token)
	addrs := s.deps.Market.Addresses()
	spender := addrs.FeeProxy
	if mode == model.TokenModeManaged {
		spender = addrs.CurveManager
		amount = dex.RoundCurveAmount(amount)
	}
	if amount.Sign() <= 0 {
		return SellResult{}, ErrZeroSellAmount
	}
	res.Amount = amount

	gasPrice := chain.GweiToWei(req.GasPriceGwei)
	if err := s.ensureAllowance(ctx, signer, token, spender, amount, gasPrice); err != nil {
		return SellResult{}, err
	}

	nonce, err := s.deps.Backend.PendingNonceAt(ctx, owner)
	if err != nil {
		return SellResult{}, fmt.Errorf("pending nonce: %w", err)
	}

	var tx *types.Transaction
	if mode == model.TokenModeManaged {
		opts := txOpts(ctx, signer, nonce, nil, gasPrice, s.cfg.SellGasFallback)
		tx, err = s.curve.Transact(opts, "sellToken", token, amount)
	} else {
		deadline := big.NewInt(s.now().Add(s.cfg.Deadline).Unix())
		gas := s.estimateGas(ctx, owner, addrs.FeeProxy, s.cfg.SellGasFallback, "swapTokensForBNB", token, amount, new(big.Int), deadline, true)
		opts := txOpts(ctx, signer, nonce, nil, gasPrice, gas)
		tx, err = s.proxy.Transact(opts, "swapTokensForBNB", token, amount, new(big.Int), deadline, true)
	}
	if err != nil {
		return SellResult{}, fmt.Errorf("build sell: %w", err)
	}
	if err := s.deps.Backend.SendTransaction(ctx, tx); err != nil {
		return SellResult{}, fmt.Errorf("submit sell: %w", err)
	}
	s.logger.Info("sell submitted",
		zap.Int64("wallet", wallet.ID),
		zap.String("token", token.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx", tx.Hash().Hex()),
	)

	receipt, err := waitReceipt(ctx, s.deps.Backend, tx.Hash(), s.cfg.Receipt)
	if err != nil {
		return SellResult{}, fmt.Errorf("wait sell receipt: %w", err)
	}
	res.TxHash = tx.Hash()
	res.GasUsed = receipt.GasUsed

	rec := model.TradeRecord{
		AccountID:    req.AccountID,
		WalletID:     wallet.ID,
		Mode:         req.Mode,
		Side:         model.SideSell,
		TokenAddress: strings.ToLower(token.Hex()),
		TokenSymbol:  res.Symbol,
		Amount:       chain.FromUnits(amount, res.Decimals),
		TxHash:       tx.Hash().Hex(),
		GasUsed:      receipt.GasUsed,
		Status:       model.TradeFailed,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		s.record(ctx, rec)
		return res, fmt.Errorf("%w: %s", ErrTxFailed, tx.Hash().Hex())
	}

	if out, err := s.deps.Market.NativeOut(ctx, token, amount); err == nil {
		res.ReceivedNative = chain.FromUnits(out, chain.NativeDecimals)
	} else {
		s.logger.Debug("sell proceeds quote failed", zap.String("token", token.Hex()), zap.Error(err))
	}
	if remaining, err := s.deps.Market.BalanceOf(ctx, token, owner); err == nil {
		rec.TokenBalance = chain.FromUnits(remaining, res.Decimals)
	}
	rec.Status = model.TradeSuccess
	rec.ReceivedNative = res.ReceivedNative
	s.record(ctx, rec)

	s.notify(req.AccountID, notify.KindSellSuccess, sellSuccessText(req, wallet, res))
	return res, nil
}

func (s *Service) sellWallet(ctx context.Context, req SellRequest) (model.Wallet, error) {
	if usable(req.Override) {
		return *req.Override, nil
	}
	w, err := s.deps.Store.WalletByID(ctx, req.AccountID, req.WalletID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Wallet{}, ErrWalletNotFound
		}
		return model.Wallet{}, fmt.Errorf("load wallet %d: %w", req.WalletID, err)
	}
	if !usable(&w) {
		return model.Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// ensureAllowance approves spender for MaxUint256 unless the current
// allowance already covers amount.
func (s *Service) ensureAllowance(ctx context.Context, signer *bind.TransactOpts, token, spender common.Address, amount, gasPrice *big.Int) error {
	owner := signer.From
	allowance, err := s.deps.Market.Allowance(ctx, token, owner, spender)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	err = s.approve(ctx, signer, token, spender, amount, gasPrice)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "nonce too low") && !strings.Contains(msg, "already known") {
		return fmt.Errorf("approve: %w", err)
	}

	// An earlier approve from this wallet is still in flight.
	if err := s.sleep(ctx, s.cfg.ApproveRaceDelay); err != nil {
		return err
	}
	allowance, err = s.deps.Market.Allowance(ctx, token, owner, spender)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return ErrApprovalPending
	}
	return nil
}

func (s *Service) approve(ctx context.Context, signer *bind.TransactOpts, token, spender common.Address, amount, gasPrice *big.Int) error {
	owner := signer.From
	pending, err := s.deps.Backend.PendingNonceAt(ctx, owner)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	latest, err := s.deps.Backend.NonceAt(ctx, owner, nil)
	if err != nil {
		return fmt.Errorf("latest nonce: %w", err)
	}
	if pending > latest {
		// Something is queued; it may be an approve for this token.
		if err := s.sleep(ctx, s.cfg.ApproveRecheckDelay); err != nil {
			return err
		}
		allowance, err := s.deps.Market.Allowance(ctx, token, owner, spender)
		if err == nil && allowance.Cmp(amount) >= 0 {
			return nil
		}
	}

	maxUint := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	gas := s.estimateGasABI(ctx, owner, token, s.cfg.ApproveGasFallback, "approve", spender, maxUint)
	erc20 := bind.NewBoundContract(token, s.erc20, s.deps.Backend, s.deps.Backend, s.deps.Backend)
	tx, err := erc20.Transact(txOpts(ctx, signer, pending, nil, gasPrice, gas), "approve", spender, maxUint)
	if err != nil {
		return fmt.Errorf("build approve: %w", err)
	}
	if err := s.deps.Backend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	s.logger.Info("approve submitted", zap.String("token", token.Hex()), zap.String("spender", spender.Hex()), zap.String("tx", tx.Hash().Hex()))

	receipt, err := waitReceipt(ctx, s.deps.Backend, tx.Hash(), s.cfg.Receipt)
	if err != nil {
		return fmt.Errorf("wait approve receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: approve %s", ErrTxFailed, tx.Hash().Hex())
	}
	return nil
}

// estimateGas estimates a fee proxy call, falling back when the node refuses.
func (s *Service) estimateGas(ctx context.Context, from, to common.Address, fallback uint64, method string, args ...interface{}) uint64 {
	parsed, err := dex.FeeProxyABI()
	if err != nil {
		return fallback
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return fallback
	}
	return s.estimate(ctx, from, to, data, fallback)
}

func (s *Service) estimateGasABI(ctx context.Context, from, to common.Address, fallback uint64, method string, args ...interface{}) uint64 {
	data, err := s.erc20.Pack(method, args...)
	if err != nil {
		return fallback
	}
	return s.estimate(ctx, from, to, data, fallback)
}

func (s *Service) estimate(ctx context.Context, from, to common.Address, data []byte, fallback uint64) uint64 {
	gas, err := s.deps.Backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil || gas == 0 {
		return fallback
	}
	return gas
}
