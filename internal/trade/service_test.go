package trade

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/bundle"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage/memory"
)

var testToken = common.HexToAddress("0x00000000000000000000000000000000000a4444")

func ether(v float64) *big.Int {
	return decimalUnits(decimal.NewFromFloat(v))
}

func decimalUnits(d decimal.Decimal) *big.Int {
	return d.Shift(18).BigInt()
}

// fakeBackend embeds the interface so unexpected calls panic loudly.
type fakeBackend struct {
	bind.ContractBackend

	mu      sync.Mutex
	balance *big.Int
	pending uint64
	latest  uint64
	status  uint64
	sent    []*types.Transaction
	sendErr func(tx *types.Transaction) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{balance: ether(10), status: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("execution reverted")
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(tx); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	f.pending++
	f.latest++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Receipt{TxHash: hash, Status: f.status, GasUsed: 120000}, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (f *fakeBackend) txs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

type fakeMarket struct {
	mu        sync.Mutex
	mode      model.TokenMode
	balance   func() (*big.Int, error)
	allowance func() *big.Int
	nativeUSD float64
	nativeOut *big.Int
}

func (m *fakeMarket) Addresses() dex.Addresses { return dex.DefaultAddresses() }

func (m *fakeMarket) TokenMode(context.Context, common.Address) model.TokenMode { return m.mode }

func (m *fakeMarket) Decimals(context.Context, common.Address) uint8 { return 18 }

func (m *fakeMarket) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	if m.balance == nil {
		return ether(1000), nil
	}
	return m.balance()
}

func (m *fakeMarket) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowance == nil {
		return new(big.Int).Lsh(big.NewInt(1), 255), nil
	}
	return m.allowance(), nil
}

func (m *fakeMarket) Symbol(context.Context, common.Address) (string, error) { return "DOGE", nil }

func (m *fakeMarket) NativeUSDPrice(context.Context) (float64, error) { return m.nativeUSD, nil }

func (m *fakeMarket) NativeOut(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if m.nativeOut == nil {
		return nil, errors.New("no route")
	}
	return m.nativeOut, nil
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

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

type fakeBundler struct {
	mu    sync.Mutex
	calls []bundle.Request
}

func (b *fakeBundler) Submit(_ context.Context, req bundle.Request) (bundle.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	return bundle.Result{MainTxHash: req.MainTx.Hash(), BundleHash: "0xbundle", Accepted: 1}, nil
}

type seedCall struct {
	wallet   model.Wallet
	token    string
	baseline float64
	mode     model.Mode
}

type fakeSeeder struct {
	calls []seedCall
}

func (s *fakeSeeder) SeedExits(_ context.Context, w model.Wallet, token string, baseline float64, mode model.Mode) error {
	s.calls = append(s.calls, seedCall{wallet: w, token: token, baseline: baseline, mode: mode})
	return nil
}

func testWallet(t *testing.T, id int64) model.Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return model.Wallet{
		ID:            id,
		AccountID:     10,
		Number:        int(id),
		Address:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey:    hex.EncodeToString(crypto.FromECDSA(key)),
		Active:        true,
		SniperEnabled: true,
		BuyAmount:     decimal.RequireFromString("0.1"),
		GasPriceGwei:  decimal.NewFromInt(3),
	}
}

type harness struct {
	svc      *Service
	backend  *fakeBackend
	market   *fakeMarket
	store    *memory.Store
	notifier *recordingNotifier
	bundler  *fakeBundler
}

func newHarness(t *testing.T, wallets ...model.Wallet) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(),
		market:   &fakeMarket{nativeUSD: 600},
		store:    memory.New(wallets...),
		notifier: &recordingNotifier{},
		bundler:  &fakeBundler{},
	}
	svc, err := NewService(Config{
		Receipt: ReceiptConfig{PollInterval: time.Millisecond, BaseDelay: time.Millisecond},
	}, Deps{
		Backend:  h.backend,
		Market:   h.market,
		Store:    h.store,
		Notifier: h.notifier,
		Bundler:  h.bundler,
	}, nil)
	require.NoError(t, err)
	svc.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.svc = svc
	return h
}

func TestSignerIsCachedPerAddress(t *testing.T) {
	w := testWallet(t, 1)
	h := newHarness(t, w)

	first, err := h.svc.signer(w)
	require.NoError(t, err)
	second, err := h.svc.signer(w)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, common.HexToAddress(w.Address), first.From)
}

func TestSignerRejectsMismatchedAddress(t *testing.T) {
	w := testWallet(t, 1)
	w.Address = "0x0000000000000000000000000000000000000001"
	h := newHarness(t)

	_, err := h.svc.signer(w)
	require.Error(t, err)
}
