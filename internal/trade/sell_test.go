package trade

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
)

func TestSellManagedRoundsAndSkipsApprove(t *testing.T) {
	w := testWallet(t, 1)
	h := newHarness(t, w)
	h.market.mode = model.TokenModeManaged
	h.market.balance = func() (*big.Int, error) { return big.NewInt(1_234_567_891_234), nil }
	h.market.nativeOut = ether(0.5)

	res, err := h.svc.Sell(context.Background(), SellRequest{
		AccountID:   10,
		WalletID:    1,
		Token:       testToken.Hex(),
		SellPercent: 50.9,
	})
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(617_000_000_000).Cmp(res.Amount), res.Amount.String())
	assert.True(t, res.ReceivedNative.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "DOGE", res.Symbol)

	txs := h.backend.txs()
	require.Len(t, txs, 1)
	assert.Equal(t, dex.DefaultCurveManager, *txs[0].To())
	assert.Equal(t, uint64(200000), txs[0].Gas())

	trades := h.store.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.SideSell, trades[0].Side)
	assert.Equal(t, model.TradeSuccess, trades[0].Status)
	assert.Equal(t, []notify.Kind{notify.KindSellSuccess}, h.notifier.kinds())
}

func TestSellApprovesProxyFirst(t *testing.T) {
	w := testWallet(t, 1)
	h := newHarness(t, w)
	h.backend.pending, h.backend.latest = 3, 3
	h.market.allowance = func() *big.Int { return new(big.Int) }

	_, err := h.svc.Sell(context.Background(), SellRequest{
		AccountID:   10,
		WalletID:    1,
		Token:       testToken.Hex(),
		SellPercent: 100,
	})
	require.NoError(t, err)

	txs := h.backend.txs()
	require.Len(t, txs, 2)
	approve, sell := txs[0], txs[1]
	assert.Equal(t, testToken, *approve.To())
	assert.Equal(t, uint64(3), approve.Nonce())
	assert.Equal(t, uint64(100000), approve.Gas())
	assert.Equal(t, dex.DefaultFeeProxy, *sell.To())
	assert.Equal(t, uint64(4), sell.Nonce())
	assert.Equal(t, uint64(200000), sell.Gas())
}

func TestSellApproveRaceStillPending(t *testing.T) {
	w := testWallet(t, 1)
	h := newHarness(t, w)
	h.market.allowance = func() *big.Int { return new(big.Int) }
	h.backend.sendErr = func(*types.Transaction) error { return errors.New("already known") }

	_, err := h.svc.Sell(context.Background(), SellRequest{
		AccountID:   10,
		WalletID:    1,
		Token:       testToken.Hex(),
		SellPercent: 100,
	})
	require.ErrorIs(t, err, ErrApprovalPending)
	assert.Equal(t, []notify.Kind{notify.KindSellFailed}, h.notifier.kinds())
}

func TestSellApproveRaceResolved(t *testing.T) {
	w := testWallet(t, 1)
	h := newHarness(t, w)
	var checks int
	h.market.allowance = func() *big.Int {
		checks++
		if checks == 1 {
			return new(big.Int)
		}
		return ether(1_000_000)
	}
	var sends int
	h.backend.sendErr = func(*types.Transaction) error {
		sends++
		if sends == 1 {
			return errors.New("nonce too low")
		}
		return nil
	}

	_, err := h.svc.Sell(context.Background(), SellRequest{
		AccountID:   10,
		WalletID:    1,
		Token:       testToken.Hex(),
		SellPercent: 25,
	})
	require.NoError(t, err)
	txs := h.backend.txs()
	require.Len(t, txs, 1)
	assert.Equal(t, dex.DefaultFeeProxy, *txs[0].To())
}

func TestSellZeroBalance(t *testing.T) {
	h := newHarness(t, testWallet(t, 1))
	h.market.balance = func() (*big.Int, error) { return new(big.Int), nil }

	_, err := h.svc.Sell(context.Background(), SellRequest{AccountID: 10, WalletID: 1, Token: testToken.Hex(), SellPercent: 50})
	require.ErrorIs(t, err, ErrZeroBalance)
}

func TestSellZeroAmountAfterRounding(t *testing.T) {
	h := newHarness(t, testWallet(t, 1))
	h.market.mode = model.TokenModeManaged
	h.market.balance = func() (*big.Int, error) { return big.NewInt(999_999_999), nil }

	_, err := h.svc.Sell(context.Background(), SellRequest{AccountID: 10, WalletID: 1, Token: testToken.Hex(), SellPercent: 100})
	require.ErrorIs(t, err, ErrZeroSellAmount)
}

func TestSellUnknownWallet(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Sell(context.Background(), SellRequest{AccountID: 10, WalletID: 99, Token: testToken.Hex(), SellPercent: 50})
	require.ErrorIs(t, err, ErrWalletNotFound)
}

func TestConcurrentSellsShareOneExecution(t *testing.T) {
	w := testWallet(t, 1)
	h := newHarness(t, w)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h.market.balance = func() (*big.Int, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return new(big.Int), nil
	}

	req := SellRequest{AccountID: 10, WalletID: 1, Token: testToken.Hex(), SellPercent: 50}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = h.svc.Sell(context.Background(), req)
	}()
	<-entered

	// Same wallet, token in different case.
	req.Token = "0x00000000000000000000000000000000000A4444"
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = h.svc.Sell(context.Background(), req)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.ErrorIs(t, errs[0], ErrZeroBalance)
	assert.ErrorIs(t, errs[1], ErrZeroBalance)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []notify.Kind{notify.KindSellFailed}, h.notifier.kinds())
}

func TestSellLockKey(t *testing.T) {
	assert.Equal(t, SellLockKey(3, "0xABCDEF"), SellLockKey(3, "0xabcdef"))
	assert.NotEqual(t, SellLockKey(3, "0xabc"), SellLockKey(4, "0xabc"))
}
