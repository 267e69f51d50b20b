package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/eventqueue"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/strategy"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

const sweepName = "sweep"

// LogSource is one streaming RPC connection. *chain.Client satisfies it.
type LogSource interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// LogDialer opens a fresh LogSource for every connection attempt.
type LogDialer func(ctx context.Context) (LogSource, error)

// SweepStore is the storage surface the sweep pipeline reads.
type SweepStore interface {
	WalletSource
	HasOpenTrade(ctx context.Context, accountID int64, token string) (bool, error)
}

// SweepConfig configures the confirmed-event watcher.
type SweepConfig struct {
	Contract         common.Address
	Backoff          Backoff
	Heartbeat        time.Duration
	HeartbeatTimeout time.Duration
	// Connections that lived less than MinUptime wait at least
	// ShortLivedDelay before the next attempt.
	MinUptime       time.Duration
	ShortLivedDelay time.Duration
	Throttle        time.Duration
	DedupeTTL       time.Duration
	InfoTimeout     time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Contract == (common.Address{}) {
		c.Contract = dex.DefaultCurveManager
	}
	c.Backoff = c.Backoff.withDefaults()
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.MinUptime <= 0 {
		c.MinUptime = 5 * time.Second
	}
	if c.ShortLivedDelay <= 0 {
		c.ShortLivedDelay = 10 * time.Second
	}
	if c.Throttle <= 0 {
		c.Throttle = time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = time.Hour
	}
	if c.InfoTimeout <= 0 {
		c.InfoTimeout = 10 * time.Second
	}
	return c
}

// SweepDeps are the collaborators of the sweep scanner.
type SweepDeps struct {
	Dial      LogDialer
	Decoder   *dex.CurveDecoder
	Info      TokenInfo
	Store     SweepStore
	Evaluator strategy.Evaluator
	Buyer     Buyer
	Notifier  notify.Notifier
	Queue     Submitter
	Observer  Observer
}

// Sweep buys into tokens that show confirmed curve activity.
type Sweep struct {
	cfg    SweepConfig
	deps   SweepDeps
	logger *zap.Logger

	throttle *ttlSet
	recent   *ttlSet
	state    atomic.Int32
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewSweep builds a sweep scanner.
func NewSweep(cfg SweepConfig, deps SweepDeps, logger *zap.Logger) (*Sweep, error) {
	if deps.Dial == nil || deps.Info == nil || deps.Store == nil || deps.Buyer == nil || deps.Queue == nil {
		return nil, fmt.Errorf("sweep scanner: dial, info, store, buyer and queue are required")
	}
	if deps.Decoder == nil {
		decoder, err := dex.NewCurveDecoder()
		if err != nil {
			return nil, err
		}
		deps.Decoder = decoder
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Sweep{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		throttle: newTTLSet(cfg.Throttle),
		recent:   newTTLSet(cfg.DedupeTTL),
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// State returns the current connection state.
func (s *Sweep) State() State {
	return State(s.state.Load())
}

func (s *Sweep) setState(st State) {
	s.state.Store(int32(st))
}

// Run watches curve events until ctx is cancelled or the reconnect budget is
// spent.
func (s *Sweep) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateConnecting)
		uptime, err := s.session(ctx, func() { attempts = 0 })
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateDisconnected)
		attempts++
		s.deps.Observer.Reconnect(sweepName)
		if attempts > s.cfg.Backoff.MaxAttempts {
			s.logger.Error("sweep scanner giving up", zap.Int("attempts", attempts-1), zap.Error(err))
			return ErrReconnectExhausted
		}
		delay := s.cfg.Backoff.Delay(attempts)
		if uptime < s.cfg.MinUptime && delay < s.cfg.ShortLivedDelay {
			delay = s.cfg.ShortLivedDelay
		}
		s.logger.Warn("sweep connection lost",
			zap.Error(err),
			zap.Duration("uptime", uptime),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", delay),
		)
		s.setState(StateBackoff)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection and returns how long it stayed subscribed.
func (s *Sweep) session(ctx context.Context, onSubscribed func()) (time.Duration, error) {
	src, err := s.deps.Dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer src.Close()

	logs := make(chan types.Log, 256)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{s.deps.Decoder.Topics()},
	}
	sub, err := src.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return 0, fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	onSubscribed()
	s.setState(StateSubscribed)
	connected := s.now()
	s.logger.Info("sweep subscribed", zap.String("contract", s.cfg.Contract.Hex()))

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.now().Sub(connected), nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return s.now().Sub(connected), fmt.Errorf("subscription: %w", err)
		case <-heartbeat.C:
			hctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			_, err := src.BlockNumber(hctx)
			cancel()
			if err != nil {
				return s.now().Sub(connected), fmt.Errorf("heartbeat: %w", err)
			}
		case lg := <-logs:
			s.onLog(ctx, lg)
		}
	}
}

func (s *Sweep) onLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	event, err := s.deps.Decoder.Decode(lg)
	if err != nil {
		s.logger.Debug("skip undecodable curve log", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
		return
	}
	token := strings.ToLower(event.Token.Hex())
	if !s.throttle.Add(token) {
		return
	}
	s.deps.Observer.Candidate(sweepName)

	taskCtx := context.WithoutCancel(ctx)
	_, err = s.deps.Queue.Submit(func() error {
		return s.Handle(taskCtx, token)
	})
	if errors.Is(err, eventqueue.ErrQueueFull) {
		s.logger.Warn("sweep queue full, event dropped", zap.String("token", token))
	} else if err != nil {
		s.logger.Warn("submit sweep event failed", zap.String("token", token), zap.Error(err))
	}
}

// Handle evaluates a token for every sweep-enabled account.
func (s *Sweep) Handle(ctx context.Context, token string) error {
	token = strings.ToLower(token)
	logger := s.logger.With(zap.String("token", token))

	ictx, cancel := context.WithTimeout(ctx, s.cfg.InfoTimeout)
	snap, err := s.deps.Info.Fetch(ictx, token)
	cancel()
	if err != nil || snap.Dynamic == nil {
		logger.Debug("skip sweep candidate, token info unavailable", zap.Error(err))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTokenInfoUnavailable, err)
		}
		return ErrTokenInfoUnavailable
	}

	accounts, err := s.deps.Store.AccountsWithFlag(ctx, model.FlagSweep)
	if err != nil {
		logger.Warn("list sweep accounts failed", zap.Error(err))
		return fmt.Errorf("list sweep accounts: %w", err)
	}

	var g errgroup.Group
	for _, accountID := range accounts {
		g.Go(func() error {
			return s.handleAccount(ctx, accountID, token, snap, logger.With(zap.Int64("account", accountID)))
		})
	}
	return g.Wait()
}

func (s *Sweep) handleAccount(ctx context.Context, accountID int64, token string, snap model.TokenSnapshot, logger *zap.Logger) error {
	held, err := s.deps.Store.HasOpenTrade(ctx, accountID, token)
	if err != nil {
		logger.Warn("open trade check failed", zap.Error(err))
	} else if held {
		return nil
	}

	wallets, err := s.deps.Store.WalletsWithFlag(ctx, accountID, model.FlagSweep)
	if err != nil {
		logger.Warn("list sweep wallets failed", zap.Error(err))
		return fmt.Errorf("list sweep wallets of account %d: %w", accountID, err)
	}
	var errs []error
	for _, w := range wallets {
		key := fmt.Sprintf("%d_%s", w.ID, token)
		if s.recent.Has(key) {
			continue
		}
		result := s.deps.Evaluator.Sweep(w.Sweep, snap, s.now())
		s.deps.Observer.Evaluation(string(model.ModeSweep), result.Match)
		if !result.Match {
			logger.Debug("sweep filters rejected token", zap.Int64("wallet", w.ID), zap.Strings("reasons", result.Reasons()))
			continue
		}
		if !s.recent.Add(key) {
			continue
		}

		params := w.TradeParams(model.ModeSweep)
		_, err := s.deps.Buyer.Buy(ctx, trade.BuyRequest{
			AccountID:    accountID,
			Token:        token,
			Amount:       params.Amount,
			Slippage:     params.Slippage,
			GasPriceGwei: params.GasPriceGwei,
			WalletID:     w.ID,
			Override:     &w,
			Mode:         model.ModeSweep,
			SeedExits:    true,
		})
		if err != nil {
			logger.Warn("sweep buy failed", zap.Int64("wallet", w.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("wallet %d buy: %w", w.ID, err))
			continue
		}
		s.deps.Notifier.Notify(notify.Notification{
			AccountID: accountID,
			Kind:      notify.KindSweepBought,
			Text:      sweepBoughtText(snap, token),
		})
	}
	return errors.Join(errs...)
}
