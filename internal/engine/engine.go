// Package engine wires the scanners, the price watcher and the trade service
// together and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/pricewatch"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

// Trade settings for triggers that carry none of their own.
const (
	DefaultExitSlippage     = 10.0
	DefaultExitGasPriceGwei = 5
)

// Trader executes buys and sells. *trade.Service satisfies it.
type Trader interface {
	Buy(ctx context.Context, req trade.BuyRequest) (trade.BuyResult, error)
	Sell(ctx context.Context, req trade.SellRequest) (trade.SellResult, error)
}

// Watcher is the engine end of the price worker channel.
// *pricewatch.Supervisor satisfies it.
type Watcher interface {
	Run(ctx context.Context) error
	AddListener(token string, l *pricewatch.Listener)
	RemoveListeners(token string, filter pricewatch.ListenerFilter)
	Price(ctx context.Context, token string) float64
}

// PriceSource quotes a token in USD on-chain.
type PriceSource interface {
	TokenUSDPrice(ctx context.Context, token common.Address) (float64, error)
}

// Runner is a long-running opportunity source.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps are the collaborators of an Engine. Prices and Observer are optional.
type Deps struct {
	Trader   Trader
	Store    storage.Store
	Notifier notify.Notifier
	Prices   PriceSource
	Spawner  pricewatch.Spawner
	Observer pricewatch.RestartObserver
}

type namedRunner struct {
	name   string
	runner Runner
}

// Engine is the process-wide façade.
type Engine struct {
	deps    Deps
	watcher Watcher
	logger  *zap.Logger

	exitSlippage float64
	exitGasPrice decimal.Decimal

	mu       sync.Mutex
	scanners []namedRunner
}

// New builds an Engine whose price watcher is supervised with cfg. OnHit and
// Observer in cfg are overwritten.
func New(cfg pricewatch.SupervisorConfig, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Trader == nil || deps.Store == nil {
		return nil, fmt.Errorf("trader and store are required")
	}
	if deps.Spawner == nil {
		return nil, fmt.Errorf("price worker spawner is nil")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		deps:         deps,
		logger:       logger,
		exitSlippage: DefaultExitSlippage,
		exitGasPrice: decimal.NewFromInt(DefaultExitGasPriceGwei),
	}
	cfg.OnHit = e.HandleHit
	cfg.Observer = deps.Observer
	e.watcher = pricewatch.NewSupervisor(deps.Spawner, cfg, logger.Named("pricewatch"))
	return e, nil
}

// AddScanner registers an opportunity source started by Run.
func (e *Engine) AddScanner(name string, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanners = append(e.scanners, namedRunner{name: name, runner: r})
}

// Run starts the price watcher and every scanner and blocks until ctx is
// cancelled. A scanner that gives up is logged and left stopped; the engine
// keeps running.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	scanners := append([]namedRunner(nil), e.scanners...)
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.watcher.Run(gctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("price watcher: %w", err)
	})
	for _, s := range scanners {
		g.Go(func() error {
			err := s.runner.Run(gctx)
			switch {
			case ctx.Err() != nil:
			case err != nil:
				e.logger.Error("scanner stopped", zap.String("scanner", s.name), zap.Error(err))
			default:
				e.logger.Info("scanner finished", zap.String("scanner", s.name))
			}
			return nil
		})
	}

	e.logger.Info("engine started", zap.Int("scanners", len(scanners)))
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// AutoBuy executes a buy through the trade service.
func (e *Engine) AutoBuy(ctx context.Context, req trade.BuyRequest) (trade.BuyResult, error) {
	return e.deps.Trader.Buy(ctx, req)
}

// AutoSell executes a sell through the trade service.
func (e *Engine) AutoSell(ctx context.Context, req trade.SellRequest) (trade.SellResult, error) {
	return e.deps.Trader.Sell(ctx, req)
}

// Price asks the price worker for a token's last known USD price. It returns
// 0 when the worker does not answer in time.
func (e *Engine) Price(ctx context.Context, token string) float64 {
	return e.watcher.Price(ctx, token)
}

// CancelListeners removes every trigger a wallet holds on token.
func (e *Engine) CancelListeners(token string, walletID int64) {
	if walletID == 0 {
		return
	}
	e.watcher.RemoveListeners(token, pricewatch.ListenerFilter{WalletID: walletID})
}

// AddLimitListener arms a buy-on-drop trigger for w on token. A non-positive
// initial price lets the worker adopt the first price it observes.
func (e *Engine) AddLimitListener(ctx context.Context, w model.Wallet, token string, initialPrice float64) error {
	if !common.IsHexAddress(token) {
		return fmt.Errorf("invalid token address %q", token)
	}
	if w.DropPct <= 0 {
		return fmt.Errorf("wallet %d: drop percentage must be positive", w.ID)
	}
	if initialPrice < 0 {
		initialPrice = 0
	}
	params := w.TradeParams(model.ModeSniper)
	l := &pricewatch.Listener{
		ID:        uuid.NewString(),
		Kind:      pricewatch.KindLimit,
		AccountID: w.AccountID,
		WalletID:  w.ID,
		Mode:      model.ModeSniper,
		Wallet:    pricewatch.SnapshotOf(w),
		Limit: &pricewatch.LimitSpec{
			Initial:      initialPrice,
			DropPct:      w.DropPct,
			BuyAmount:    params.Amount,
			Slippage:     params.Slippage,
			GasPriceGwei: params.GasPriceGwei,
		},
	}
	e.watcher.AddListener(token, l)

	e.logger.Info("limit listener added",
		zap.Int64("account", w.AccountID),
		zap.Int64("wallet", w.ID),
		zap.String("token", token),
		zap.Float64("initial", initialPrice),
		zap.Float64("drop_pct", w.DropPct),
	)
	e.deps.Notifier.Notify(notify.Notification{
		AccountID: w.AccountID,
		Kind:      notify.KindLimitRegistered,
		Text:      limitRegisteredText(w, token, initialPrice, params),
	})
	return nil
}

// SeedExits registers the wallet's take-profit and stop-loss ladder for mode
// on token. All listeners of one call share a group id.
func (e *Engine) SeedExits(ctx context.Context, w model.Wallet, token string, baselineUSD float64, mode model.Mode) error {
	if mode == "" {
		mode = model.ModeSniper
	}
	tps, err := e.deps.Store.ExitRules(ctx, w.ID, model.ExitTakeProfit, mode)
	if err != nil {
		return fmt.Errorf("load take-profit rules: %w", err)
	}
	sls, err := e.deps.Store.ExitRules(ctx, w.ID, model.ExitStopLoss, mode)
	if err != nil {
		return fmt.Errorf("load stop-loss rules: %w", err)
	}
	if len(tps) == 0 && len(sls) == 0 {
		return nil
	}

	if baselineUSD <= 0 {
		baselineUSD = e.fallbackBaseline(ctx, token)
	}
	if baselineUSD <= 0 {
		return fmt.Errorf("no baseline price for %s", token)
	}

	groupID := uuid.NewString()
	snapshot := pricewatch.SnapshotOf(w)
	added := 0
	add := func(kind pricewatch.Kind, rule model.ExitRule) {
		percent := math.Abs(rule.PricePercent)
		if percent == 0 || rule.SellPercent <= 0 {
			e.logger.Warn("skip exit rule",
				zap.Int64("wallet", w.ID),
				zap.Int64("rule", rule.ID),
				zap.Float64("price_percent", rule.PricePercent),
				zap.Float64("sell_percent", rule.SellPercent),
			)
			return
		}
		e.watcher.AddListener(token, &pricewatch.Listener{
			ID:        uuid.NewString(),
			Kind:      kind,
			AccountID: w.AccountID,
			WalletID:  w.ID,
			GroupID:   groupID,
			Mode:      mode,
			Wallet:    snapshot,
			Exit: &pricewatch.ExitSpec{
				Baseline:     baselineUSD,
				Percent:      percent,
				SellPercent:  rule.SellPercent,
				Slippage:     e.exitSlippage,
				GasPriceGwei: e.exitGasPrice,
			},
		})
		added++
	}
	for i, rule := range tps {
		if i == model.MaxTakeProfitTiers {
			break
		}
		add(pricewatch.KindTakeProfit, rule)
	}
	for i, rule := range sls {
		if i == model.MaxStopLossTiers {
			break
		}
		add(pricewatch.KindStopLoss, rule)
	}

	e.logger.Info("exit listeners added",
		zap.Int64("account", w.AccountID),
		zap.Int64("wallet", w.ID),
		zap.String("token", token),
		zap.String("group", groupID),
		zap.String("mode", string(mode)),
		zap.Float64("baseline", baselineUSD),
		zap.Int("listeners", added),
	)
	return nil
}

func (e *Engine) fallbackBaseline(ctx context.Context, token string) float64 {
	if e.deps.Prices == nil || !common.IsHexAddress(token) {
		return 0
	}
	price, err := e.deps.Prices.TokenUSDPrice(ctx, common.HexToAddress(token))
	if err != nil {
		e.logger.Warn("baseline price lookup failed", zap.String("token", token), zap.Error(err))
		return 0
	}
	return price
}

// HandleHit executes the trade a fired listener asks for. Failures are logged;
// the trade service has already notified the account.
func (e *Engine) HandleHit(ctx context.Context, msg pricewatch.Message) {
	l := msg.Listener
	if l == nil {
		e.logger.Warn("hit without listener", zap.String("type", string(msg.Type)), zap.String("token", msg.Token))
		return
	}
	logger := e.logger.With(
		zap.String("type", string(msg.Type)),
		zap.String("token", msg.Token),
		zap.String("listener", l.ID),
		zap.Int64("account", l.AccountID),
		zap.Int64("wallet", l.WalletID),
		zap.Float64("price", msg.Price),
	)

	wallet, err := e.hitWallet(ctx, l)
	if err != nil {
		logger.Warn("resolve trigger wallet failed", zap.Error(err))
		return
	}

	switch msg.Type {
	case pricewatch.TypeLimitHit:
		if l.Limit == nil {
			logger.Warn("limit hit without limit payload")
			return
		}
		e.limitBuy(ctx, logger, msg, wallet)
	case pricewatch.TypeTPHit, pricewatch.TypeSLHit:
		if l.Exit == nil || l.Exit.SellPercent <= 0 {
			logger.Warn("exit hit without sell percentage")
			return
		}
		_, err := e.deps.Trader.Sell(ctx, trade.SellRequest{
			AccountID:    l.AccountID,
			WalletID:     l.WalletID,
			Token:        msg.Token,
			SellPercent:  l.Exit.SellPercent,
			Slippage:     orDefault(l.Exit.Slippage, e.exitSlippage),
			GasPriceGwei: orDefaultDecimal(l.Exit.GasPriceGwei, e.exitGasPrice),
			Override:     wallet,
			Mode:         l.Mode,
		})
		if err != nil {
			logger.Warn("trigger sell failed", zap.Error(err))
			return
		}
		logger.Info("trigger sell done", zap.Float64("sell_pct", l.Exit.SellPercent))
	default:
		logger.Warn("unexpected worker message")
	}
}

func (e *Engine) limitBuy(ctx context.Context, logger *zap.Logger, msg pricewatch.Message, wallet *model.Wallet) {
	l := msg.Listener
	mode := l.Mode
	if mode == "" {
		mode = model.ModeSniper
	}
	res, err := e.deps.Trader.Buy(ctx, trade.BuyRequest{
		AccountID:    l.AccountID,
		Token:        msg.Token,
		Amount:       l.Limit.BuyAmount,
		Slippage:     orDefault(l.Limit.Slippage, e.exitSlippage),
		GasPriceGwei: orDefaultDecimal(l.Limit.GasPriceGwei, e.exitGasPrice),
		WalletID:     l.WalletID,
		Override:     wallet,
		Mode:         mode,
	})
	if err != nil {
		logger.Warn("limit buy failed", zap.Error(err))
		return
	}
	baseline := res.BaselineUSD
	if baseline <= 0 {
		baseline = msg.Price
	}
	if err := e.SeedExits(ctx, res.Wallet, msg.Token, baseline, mode); err != nil {
		logger.Warn("seed exits after limit buy failed", zap.Error(err))
	}
}

// hitWallet returns the wallet a trigger trades with. Listeners restored from
// a snapshot carry no key and are resolved against storage.
func (e *Engine) hitWallet(ctx context.Context, l *pricewatch.Listener) (*model.Wallet, error) {
	if l.Wallet != nil && l.Wallet.PrivateKey != "" && l.Wallet.Address != "" {
		w := l.Wallet.Wallet(l.AccountID)
		return &w, nil
	}
	if l.WalletID == 0 {
		return nil, nil
	}
	w, err := e.deps.Store.WalletByID(ctx, l.AccountID, l.WalletID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", trade.ErrWalletNotFound, l.WalletID)
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet %d: %w", l.WalletID, err)
	}
	if l.Wallet != nil && !strings.EqualFold(l.Wallet.Address, w.Address) && l.Wallet.Address != "" {
		return nil, fmt.Errorf("wallet %d address changed since the trigger was armed", l.WalletID)
	}
	return &w, nil
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultDecimal(v, def decimal.Decimal) decimal.Decimal {
	if v.IsPositive() {
		return v
	}
	return def
}
