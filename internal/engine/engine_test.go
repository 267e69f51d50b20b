package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/pricewatch"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage/memory"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

const token = "0x1111111111111111111111111111111111114444"

type added struct {
	token    string
	listener *pricewatch.Listener
}

type fakeWatcher struct {
	mu      sync.Mutex
	added   []added
	removed []pricewatch.ListenerFilter
	price   float64
	started chan struct{}
}

func (w *fakeWatcher) Run(ctx context.Context) error {
	if w.started != nil {
		close(w.started)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (w *fakeWatcher) AddListener(token string, l *pricewatch.Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.added = append(w.added, added{token: token, listener: l})
}

func (w *fakeWatcher) RemoveListeners(_ string, filter pricewatch.ListenerFilter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, filter)
}

func (w *fakeWatcher) Price(context.Context, string) float64 { return w.price }

func (w *fakeWatcher) listeners(kind pricewatch.Kind) []*pricewatch.Listener {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*pricewatch.Listener
	for _, a := range w.added {
		if a.listener.Kind == kind {
			out = append(out, a.listener)
		}
	}
	return out
}

type fakeTrader struct {
	mu      sync.Mutex
	buys    []trade.BuyRequest
	sells   []trade.SellRequest
	buyRes  trade.BuyResult
	buyErr  error
	sellErr error
}

func (t *fakeTrader) Buy(_ context.Context, req trade.BuyRequest) (trade.BuyResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buys = append(t.buys, req)
	res := t.buyRes
	if req.Override != nil {
		res.Wallet = *req.Override
	}
	return res, t.buyErr
}

func (t *fakeTrader) Sell(_ context.Context, req trade.SellRequest) (trade.SellResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sells = append(t.sells, req)
	return trade.SellResult{}, t.sellErr
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

type fakePrices struct {
	price float64
	err   error
	calls int
}

func (p *fakePrices) TokenUSDPrice(context.Context, common.Address) (float64, error) {
	p.calls++
	return p.price, p.err
}

type nopSpawner struct{}

func (nopSpawner) Spawn(context.Context) (pricewatch.Conn, error) {
	return nil, errors.New("not used")
}

type fixture struct {
	engine   *Engine
	watcher  *fakeWatcher
	trader   *fakeTrader
	store    *memory.Store
	notifier *recordingNotifier
	prices   *fakePrices
}

func testWallet() model.Wallet {
	return model.Wallet{
		ID: 7, AccountID: 3, Number: 2,
		Address:       "0x00000000000000000000000000000000000000a7",
		PrivateKey:    "deadbeef",
		SniperEnabled: true,
		BuyAmount:     decimal.RequireFromString("0.2"),
		Slippage:      15,
		GasPriceGwei:  decimal.NewFromInt(3),
		WaitForDrop:   true,
		DropPct:       20,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		watcher:  &fakeWatcher{},
		trader:   &fakeTrader{},
		store:    memory.New(testWallet()),
		notifier: &recordingNotifier{},
		prices:   &fakePrices{},
	}
	e, err := New(pricewatch.SupervisorConfig{}, Deps{
		Trader:   f.trader,
		Store:    f.store,
		Notifier: f.notifier,
		Prices:   f.prices,
		Spawner:  nopSpawner{},
	}, nil)
	require.NoError(t, err)
	e.watcher = f.watcher
	f.engine = e
	return f
}

func (f *fixture) rule(t *testing.T, kind model.ExitKind, mode model.Mode, pricePct, sellPct float64) {
	t.Helper()
	_, err := f.store.SaveExitRule(context.Background(), model.ExitRule{
		WalletID: 7, Kind: kind, Mode: mode, PricePercent: pricePct, SellPercent: sellPct,
	})
	require.NoError(t, err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(pricewatch.SupervisorConfig{}, Deps{Store: memory.New(), Spawner: nopSpawner{}}, nil)
	require.Error(t, err)
	_, err = New(pricewatch.SupervisorConfig{}, Deps{Trader: &fakeTrader{}, Store: memory.New()}, nil)
	require.Error(t, err)
}

func TestAddLimitListener(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.AddLimitListener(context.Background(), testWallet(), token, 0.5))

	limits := f.watcher.listeners(pricewatch.KindLimit)
	require.Len(t, limits, 1)
	l := limits[0]
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, int64(3), l.AccountID)
	assert.Equal(t, int64(7), l.WalletID)
	assert.Equal(t, model.ModeSniper, l.Mode)
	require.NotNil(t, l.Wallet)
	assert.Equal(t, "deadbeef", l.Wallet.PrivateKey)
	require.NoError(t, l.Validate())
	assert.Equal(t, 0.5, l.Limit.Initial)
	assert.Equal(t, 20.0, l.Limit.DropPct)
	assert.Equal(t, "0.2", l.Limit.BuyAmount.String())
	assert.Equal(t, 15.0, l.Limit.Slippage)
	assert.Equal(t, "3", l.Limit.GasPriceGwei.String())

	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, notify.KindLimitRegistered, f.notifier.got[0].Kind)
	assert.Equal(t, int64(3), f.notifier.got[0].AccountID)
	assert.Contains(t, f.notifier.got[0].Text, token)
}

func TestAddLimitListenerRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	w := testWallet()

	require.Error(t, f.engine.AddLimitListener(context.Background(), w, "not-a-token", 1))

	w.DropPct = 0
	require.Error(t, f.engine.AddLimitListener(context.Background(), w, token, 1))

	assert.Empty(t, f.watcher.added)
	assert.Empty(t, f.notifier.got)
}

func TestSeedExitsCapsLadderAndSharesGroup(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 6; i++ {
		f.rule(t, model.ExitTakeProfit, model.ModeSweep, float64(i*50), 20)
	}
	f.rule(t, model.ExitStopLoss, model.ModeSweep, -30, 100)
	f.rule(t, model.ExitStopLoss, model.ModeSweep, -60, 100)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 10, 100)

	require.NoError(t, f.engine.SeedExits(context.Background(), testWallet(), token, 0.002, model.ModeSweep))

	tps := f.watcher.listeners(pricewatch.KindTakeProfit)
	sls := f.watcher.listeners(pricewatch.KindStopLoss)
	require.Len(t, tps, model.MaxTakeProfitTiers)
	require.Len(t, sls, model.MaxStopLossTiers)

	group := tps[0].GroupID
	assert.NotEmpty(t, group)
	for _, l := range append(tps, sls...) {
		require.NoError(t, l.Validate())
		assert.Equal(t, group, l.GroupID)
		assert.Equal(t, model.ModeSweep, l.Mode)
		assert.Equal(t, 0.002, l.Exit.Baseline)
		assert.Equal(t, DefaultExitSlippage, l.Exit.Slippage)
		assert.Equal(t, "5", l.Exit.GasPriceGwei.String())
	}
	assert.Equal(t, 50.0, tps[0].Exit.Percent)
	assert.Equal(t, 20.0, tps[0].Exit.SellPercent)
	assert.Equal(t, 60.0, sls[0].Exit.Percent, "stop-loss percent is stored as a magnitude")
	assert.Zero(t, f.prices.calls)
}

func TestSeedExitsWithoutRules(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.SeedExits(context.Background(), testWallet(), token, 0, model.ModeSniper))

	assert.Empty(t, f.watcher.added)
	assert.Zero(t, f.prices.calls)
}

func TestSeedExitsSkipsUnusableRules(t *testing.T) {
	f := newFixture(t)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 0, 50)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 100, 0)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 200, 50)

	require.NoError(t, f.engine.SeedExits(context.Background(), testWallet(), token, 1, ""))

	tps := f.watcher.listeners(pricewatch.KindTakeProfit)
	require.Len(t, tps, 1)
	assert.Equal(t, 200.0, tps[0].Exit.Percent)
	assert.Equal(t, model.ModeSniper, tps[0].Mode)
}

func TestSeedExitsBaselineFallback(t *testing.T) {
	f := newFixture(t)
	f.rule(t, model.ExitStopLoss, model.ModeSniper, -50, 100)

	f.prices.price = 0.3
	require.NoError(t, f.engine.SeedExits(context.Background(), testWallet(), token, 0, model.ModeSniper))
	sls := f.watcher.listeners(pricewatch.KindStopLoss)
	require.Len(t, sls, 1)
	assert.Equal(t, 0.3, sls[0].Exit.Baseline)

	f.prices.price = 0
	f.prices.err = errors.New("rpc down")
	require.Error(t, f.engine.SeedExits(context.Background(), testWallet(), token, 0, model.ModeSniper))
	assert.Len(t, f.watcher.listeners(pricewatch.KindStopLoss), 1)
}

func limitHit(w model.Wallet, price float64) pricewatch.Message {
	return pricewatch.Message{
		Type:  pricewatch.TypeLimitHit,
		Token: token,
		Price: price,
		Listener: &pricewatch.Listener{
			ID: "limit-1", Kind: pricewatch.KindLimit,
			AccountID: w.AccountID, WalletID: w.ID, Mode: model.ModeSniper,
			Wallet: pricewatch.SnapshotOf(w),
			Limit: &pricewatch.LimitSpec{
				Initial: 0.5, DropPct: 20,
				BuyAmount: decimal.RequireFromString("0.2"), Slippage: 12,
			},
			Triggered: true,
		},
	}
}

func TestHandleLimitHitBuysAndSeedsFromHitPrice(t *testing.T) {
	f := newFixture(t)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 100, 50)

	f.engine.HandleHit(context.Background(), limitHit(testWallet(), 0.4))

	require.Len(t, f.trader.buys, 1)
	req := f.trader.buys[0]
	assert.Equal(t, int64(3), req.AccountID)
	assert.Equal(t, token, req.Token)
	assert.Equal(t, "0.2", req.Amount.String())
	assert.Equal(t, 12.0, req.Slippage)
	assert.Equal(t, "5", req.GasPriceGwei.String())
	assert.Equal(t, model.ModeSniper, req.Mode)
	assert.False(t, req.SeedExits)
	require.NotNil(t, req.Override)
	assert.Equal(t, "deadbeef", req.Override.PrivateKey)

	tps := f.watcher.listeners(pricewatch.KindTakeProfit)
	require.Len(t, tps, 1)
	assert.Equal(t, 0.4, tps[0].Exit.Baseline)
	assert.Zero(t, f.prices.calls)
}

func TestHandleLimitHitPrefersBuyBaseline(t *testing.T) {
	f := newFixture(t)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 100, 50)
	f.trader.buyRes = trade.BuyResult{BaselineUSD: 0.41}

	f.engine.HandleHit(context.Background(), limitHit(testWallet(), 0.4))

	tps := f.watcher.listeners(pricewatch.KindTakeProfit)
	require.Len(t, tps, 1)
	assert.Equal(t, 0.41, tps[0].Exit.Baseline)
}

func TestHandleLimitHitFailedBuySeedsNothing(t *testing.T) {
	f := newFixture(t)
	f.rule(t, model.ExitTakeProfit, model.ModeSniper, 100, 50)
	f.trader.buyErr = trade.ErrInsufficientBalance

	f.engine.HandleHit(context.Background(), limitHit(testWallet(), 0.4))

	assert.Len(t, f.trader.buys, 1)
	assert.Empty(t, f.watcher.added)
}

func TestHandleExitHitSells(t *testing.T) {
	w := testWallet()
	for _, typ := range []pricewatch.MessageType{pricewatch.TypeTPHit, pricewatch.TypeSLHit} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			f.engine.HandleHit(context.Background(), pricewatch.Message{
				Type:  typ,
				Token: token,
				Price: 1,
				Listener: &pricewatch.Listener{
					ID: "x", Kind: pricewatch.KindTakeProfit,
					AccountID: w.AccountID, WalletID: w.ID, Mode: model.ModeSweep,
					Wallet: pricewatch.SnapshotOf(w),
					Exit:   &pricewatch.ExitSpec{Baseline: 0.5, Percent: 100, SellPercent: 50},
				},
			})

			require.Len(t, f.trader.sells, 1)
			req := f.trader.sells[0]
			assert.Equal(t, 50.0, req.SellPercent)
			assert.Equal(t, int64(7), req.WalletID)
			assert.Equal(t, model.ModeSweep, req.Mode)
			assert.Equal(t, DefaultExitSlippage, req.Slippage)
			assert.Equal(t, "5", req.GasPriceGwei.String(), "listener without gas price uses the default")
			require.NotNil(t, req.Override)
			assert.Equal(t, w.Address, req.Override.Address)
			assert.Empty(t, f.trader.buys)
		})
	}
}

func TestHandleExitHitWithoutSellPercent(t *testing.T) {
	f := newFixture(t)
	w := testWallet()
	f.engine.HandleHit(context.Background(), pricewatch.Message{
		Type:  pricewatch.TypeSLHit,
		Token: token,
		Listener: &pricewatch.Listener{
			Kind: pricewatch.KindStopLoss, AccountID: w.AccountID, WalletID: w.ID,
			Wallet: pricewatch.SnapshotOf(w),
			Exit:   &pricewatch.ExitSpec{Baseline: 1, Percent: 10},
		},
	})
	assert.Empty(t, f.trader.sells)
}

func TestHandleHitResolvesRedactedWallet(t *testing.T) {
	f := newFixture(t)
	w := testWallet()
	msg := limitHit(w, 0.4)
	msg.Listener = msg.Listener.Redacted()

	f.engine.HandleHit(context.Background(), msg)

	require.Len(t, f.trader.buys, 1)
	require.NotNil(t, f.trader.buys[0].Override)
	assert.Equal(t, "deadbeef", f.trader.buys[0].Override.PrivateKey)
	assert.True(t, f.trader.buys[0].Override.SniperEnabled, "resolved from storage")
}

func TestHandleHitUnknownWallet(t *testing.T) {
	f := newFixture(t)
	w := testWallet()
	w.ID = 99
	msg := limitHit(w, 0.4)
	msg.Listener = msg.Listener.Redacted()

	f.engine.HandleHit(context.Background(), msg)

	assert.Empty(t, f.trader.buys)
}

func TestCancelListeners(t *testing.T) {
	f := newFixture(t)

	f.engine.CancelListeners(token, 0)
	f.engine.CancelListeners(token, 7)

	require.Len(t, f.watcher.removed, 1)
	assert.Equal(t, int64(7), f.watcher.removed[0].WalletID)
}

type failingScanner struct{ calls chan struct{} }

func (s failingScanner) Run(context.Context) error {
	close(s.calls)
	return errors.New("reconnect attempts exhausted")
}

type blockingScanner struct{}

func (blockingScanner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRunSurvivesScannerFailure(t *testing.T) {
	f := newFixture(t)
	f.watcher.started = make(chan struct{})
	failed := failingScanner{calls: make(chan struct{})}
	f.engine.AddScanner("mempool", failed)
	f.engine.AddScanner("sweep", blockingScanner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	for _, ch := range []chan struct{}{failed.calls, f.watcher.started} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("engine did not start its units")
		}
	}

	select {
	case err := <-done:
		t.Fatalf("engine stopped early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestAutoTradePassThrough(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.AutoBuy(context.Background(), trade.BuyRequest{AccountID: 3, Token: token})
	require.NoError(t, err)
	_, err = f.engine.AutoSell(context.Background(), trade.SellRequest{AccountID: 3, Token: token, SellPercent: 100})
	require.NoError(t, err)

	assert.Len(t, f.trader.buys, 1)
	assert.Len(t, f.trader.sells, 1)
}
