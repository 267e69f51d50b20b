package scanner

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage/memory"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/strategy"
)

func sniperWallets() []model.Wallet {
	return []model.Wallet{
		{
			ID: 1, AccountID: 1, Address: "0x01", PrivateKey: "k1", SniperEnabled: true,
			BuyAmount: decimal.RequireFromString("0.2"),
			Sniper:    model.SniperFilter{MinHolders: 100},
		},
		{
			ID: 2, AccountID: 1, Address: "0x02", PrivateKey: "k2", SniperEnabled: true,
			WaitForDrop: true, DropPct: 20,
		},
		{
			ID: 3, AccountID: 2, Address: "0x03", PrivateKey: "k3", SniperEnabled: true,
			Sniper: model.SniperFilter{MinHolders: 500},
		},
		{ID: 4, AccountID: 3, Address: "0x04", PrivateKey: "k4"},
	}
}

type sniperFixture struct {
	sniper *Sniper
	info   *fakeInfo
	buyer  *fakeBuyer
	limits *fakeLimits
}

func newSniperFixture() *sniperFixture {
	f := &sniperFixture{
		info: &fakeInfo{snap: model.TokenSnapshot{
			Dynamic: &model.TokenDynamic{Holders: int64p(120), PriceUSD: float64p(0.5)},
		}},
		buyer:  &fakeBuyer{},
		limits: &fakeLimits{},
	}
	f.sniper = NewSniper(SniperDeps{
		Info:      f.info,
		Wallets:   memory.New(sniperWallets()...),
		Evaluator: strategy.New(""),
		Buyer:     f.buyer,
		Limits:    f.limits,
		Prices:    fakePrices{price: 0.7},
	}, 0, nil)
	return f
}

func TestSniperBuysOrArmsLimit(t *testing.T) {
	f := newSniperFixture()
	require.NoError(t, f.sniper.Handle(context.Background(), launchedToken))

	reqs := f.buyer.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, int64(1), req.AccountID)
	assert.Equal(t, int64(1), req.WalletID)
	assert.Equal(t, model.ModeSniper, req.Mode)
	assert.True(t, req.SeedExits)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("0.2")))
	require.NotNil(t, req.Override)
	assert.Equal(t, "k1", req.Override.PrivateKey)

	require.Len(t, f.limits.calls, 1)
	assert.Equal(t, int64(2), f.limits.calls[0].walletID)
	assert.Equal(t, 0.7, f.limits.calls[0].price)
}

func TestSniperSkipsWithoutHolderData(t *testing.T) {
	f := newSniperFixture()
	f.info.snap.Dynamic.Holders = nil
	require.ErrorIs(t, f.sniper.Handle(context.Background(), launchedToken), ErrTokenInfoUnavailable)

	assert.Empty(t, f.buyer.requests())
	assert.Empty(t, f.limits.calls)
}

func TestSniperSkipsWhenInfoFails(t *testing.T) {
	f := newSniperFixture()
	f.info.err = errors.New("timeout")
	f.info.snap.Dynamic = nil
	require.ErrorIs(t, f.sniper.Handle(context.Background(), launchedToken), ErrTokenInfoUnavailable)

	assert.Empty(t, f.buyer.requests())
}

func TestSniperLimitFallsBackToReportedPrice(t *testing.T) {
	f := newSniperFixture()
	f.sniper.deps.Prices = fakePrices{}
	f.sniper.Handle(context.Background(), launchedToken)

	require.Len(t, f.limits.calls, 1)
	assert.Equal(t, 0.5, f.limits.calls[0].price)
}
