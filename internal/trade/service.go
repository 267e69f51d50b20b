// Package trade executes buys and sells against the bonding curve or the fee
// proxy, with nonce, allowance and double-sell protection.
package trade

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/bundle"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
)

// Backend is the node surface trades need. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Market is the read side of the DEX. *dex.Market satisfies it.
type Market interface {
	Addresses() dex.Addresses
	TokenMode(ctx context.Context, token common.Address) model.TokenMode
	Decimals(ctx context.Context, token common.Address) uint8
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
	NativeUSDPrice(ctx context.Context) (float64, error)
	NativeOut(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error)
}

// Bundler submits a bribed bundle raced against a plain broadcast.
type Bundler interface {
	Submit(ctx context.Context, req bundle.Request) (bundle.Result, error)
}

// TokenInfo supplies token names and reference prices for trade records.
type TokenInfo interface {
	Fetch(ctx context.Context, token string) (model.TokenSnapshot, error)
}

// ExitSeeder registers take-profit and stop-loss listeners after a buy.
type ExitSeeder interface {
	SeedExits(ctx context.Context, wallet model.Wallet, token string, baselineUSD float64, mode model.Mode) error
}

// Observer records trade outcomes.
type Observer interface {
	Trade(side, status string, seconds float64)
}

// Config holds trade constants.
type Config struct {
	ChainID             *big.Int
	BuyGasLimit         uint64
	ApproveGasFallback  uint64
	SellGasFallback     uint64
	Deadline            time.Duration
	ApproveRecheckDelay time.Duration
	ApproveRaceDelay    time.Duration
	InfoTimeout         time.Duration
	Receipt             ReceiptConfig
}

func (c Config) withDefaults() Config {
	if c.ChainID == nil {
		c.ChainID = big.NewInt(56)
	}
	if c.BuyGasLimit == 0 {
		c.BuyGasLimit = 200000
	}
	if c.ApproveGasFallback == 0 {
		c.ApproveGasFallback = 100000
	}
	if c.SellGasFallback == 0 {
		c.SellGasFallback = 200000
	}
	if c.Deadline <= 0 {
		c.Deadline = 180 * time.Second
	}
	if c.ApproveRecheckDelay <= 0 {
		c.ApproveRecheckDelay = 3 * time.Second
	}
	if c.ApproveRaceDelay <= 0 {
		c.ApproveRaceDelay = 5 * time.Second
	}
	if c.InfoTimeout <= 0 {
		c.InfoTimeout = 10 * time.Second
	}
	c.Receipt = c.Receipt.withDefaults()
	return c
}

// Deps are the collaborators of a Service. Bundler, Info and Observer are
// optional.
type Deps struct {
	Backend  Backend
	Market   Market
	Store    storage.Store
	Notifier notify.Notifier
	Bundler  Bundler
	Info     TokenInfo
	Observer Observer
}

// Service executes trades. It is safe for concurrent use.
type Service struct {
	cfg    Config
	deps   Deps
	seeder ExitSeeder
	logger *zap.Logger

	erc20 abi.ABI
	proxy *bind.BoundContract
	curve *bind.BoundContract

	signersMu sync.RWMutex
	signers   map[string]*bind.TransactOpts

	sells singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewService builds a Service.
func NewService(cfg Config, deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Backend == nil || deps.Market == nil || deps.Store == nil {
		return nil, fmt.Errorf("backend, market and store are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	erc20, err := dex.ERC20ABI()
	if err != nil {
		return nil, err
	}
	proxyABI, err := dex.FeeProxyABI()
	if err != nil {
		return nil, err
	}
	curveABI, err := dex.CurveManagerABI()
	if err != nil {
		return nil, err
	}
	addrs := deps.Market.Addresses()

	return &Service{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger,
		erc20:   erc20,
		proxy:   bind.NewBoundContract(addrs.FeeProxy, proxyABI, deps.Backend, deps.Backend, deps.Backend),
		curve:   bind.NewBoundContract(addrs.CurveManager, curveABI, deps.Backend, deps.Backend, deps.Backend),
		signers: make(map[string]*bind.TransactOpts),
		sleep:   sleepCtx,
		now:     time.Now,
	}, nil
}

// SetExitSeeder installs the post-buy listener seeder. Call before trading.
func (s *Service) SetExitSeeder(seeder ExitSeeder) {
	s.seeder = seeder
}

// signer returns the cached transactor for a wallet, creating it on first use.
func (s *Service) signer(w model.Wallet) (*bind.TransactOpts, error) {
	key := strings.ToLower(w.Address)

	s.signersMu.RLock()
	opts, ok := s.signers[key]
	s.signersMu.RUnlock()
	if ok {
		return opts, nil
	}

	priv, err := parseKey(w.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet %d: %w", w.ID, err)
	}
	opts, err = bind.NewKeyedTransactorWithChainID(priv, s.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("wallet %d transactor: %w", w.ID, err)
	}
	if w.Address != "" && !strings.EqualFold(opts.From.Hex(), w.Address) {
		return nil, fmt.Errorf("wallet %d: key does not match address %s", w.ID, w.Address)
	}

	s.signersMu.Lock()
	defer s.signersMu.Unlock()
	if cached, ok := s.signers[key]; ok {
		return cached, nil
	}
	s.signers[key] = opts
	return opts, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// txOpts copies the cached signer with per-transaction fields. The returned
// opts only sign; the caller sends.
func txOpts(ctx context.Context, signer *bind.TransactOpts, nonce uint64, value, gasPrice *big.Int, gasLimit uint64) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:     signer.From,
		Signer:   signer.Signer,
		Nonce:    new(big.Int).SetUint64(nonce),
		Value:    value,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Context:  ctx,
		NoSend:   true,
	}
}

func usable(w *model.Wallet) bool {
	return w != nil && w.Address != "" && w.PrivateKey != ""
}

func (s *Service) observe(side model.TradeSide, status model.TradeStatus, started time.Time) {
	if s.deps.Observer != nil {
		s.deps.Observer.Trade(string(side), string(status), s.now().Sub(started).Seconds())
	}
}

func (s *Service) notify(accountID int64, kind notify.Kind, text string) {
	s.deps.Notifier.Notify(notify.Notification{AccountID: accountID, Kind: kind, Text: text})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
