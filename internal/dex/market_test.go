package dex

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// fakeChain answers eth_calls by method selector.
type fakeChain struct {
	t       *testing.T
	calls   map[string]int
	answers map[string]func(args []interface{}) ([]interface{}, error)
}

func newFakeChain(t *testing.T) *fakeChain {
	return &fakeChain{t: t, calls: map[string]int{}, answers: map[string]func([]interface{}) ([]interface{}, error){}}
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for _, parsed := range []abi.ABI{mustABI(RouterABI()), mustABI(ERC20ABI()), mustABI(CurveHelperABI()), mustABI(tokenModeABIInstance())} {
		for name, method := range parsed.Methods {
			if !bytes.Equal(method.ID, msg.Data[:4]) {
				continue
			}
			f.calls[name]++
			answer, ok := f.answers[name]
			if !ok {
				return nil, errors.New("execution reverted")
			}
			args, err := method.Inputs.Unpack(msg.Data[4:])
			require.NoError(f.t, err)
			out, err := answer(args)
			if err != nil {
				return nil, err
			}
			return method.Outputs.Pack(out...)
		}
	}
	f.t.Fatalf("unexpected call data %x", msg.Data[:4])
	return nil, nil
}

func mustABI(parsed abi.ABI, err error) abi.ABI {
	if err != nil {
		panic(err)
	}
	return parsed
}

func ether(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestNativeUSDPriceIsCached(t *testing.T) {
	fc := newFakeChain(t)
	fc.answers["getAmountsOut"] = func(args []interface{}) ([]interface{}, error) {
		return []interface{}{[]*big.Int{ether(1), ether(600)}}, nil
	}
	m := NewMarket(fc, DefaultAddresses(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		price, err := m.NativeUSDPrice(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 600.0, price, 1e-9)
	}
	assert.Equal(t, 1, fc.calls["getAmountsOut"])
}

func TestTokenUSDPriceManagedNativeQuote(t *testing.T) {
	fc := newFakeChain(t)
	fc.answers["_mode"] = func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1)}, nil
	}
	fc.answers["getAmountsOut"] = func([]interface{}) ([]interface{}, error) {
		return []interface{}{[]*big.Int{ether(1), ether(500)}}, nil
	}
	lastPrice := big.NewInt(2_000_000_000) // 2e-9 BNB
	fc.answers["getTokenInfo"] = func([]interface{}) ([]interface{}, error) {
		return []interface{}{
			big.NewInt(3), DefaultCurveManager, common.Address{}, lastPrice,
			big.NewInt(0), big.NewInt(0), big.NewInt(1700000000), big.NewInt(0),
			big.NewInt(0), big.NewInt(0), big.NewInt(0), false,
		}, nil
	}

	m := NewMarket(fc, DefaultAddresses(), nil, nil, nil)
	token := common.HexToAddress("0x4444000000000000000000000000000000000abc")

	price, err := m.TokenUSDPrice(context.Background(), token)
	require.NoError(t, err)
	assert.InDelta(t, 1e-6, price, 1e-15)

	_, err = m.TokenUSDPrice(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.calls["_mode"], "mode is resolved once")
}

func TestTokenUSDPriceOrdinaryUsesRouterAndDefaultDecimals(t *testing.T) {
	fc := newFakeChain(t)
	var quotedIn *big.Int
	fc.answers["getAmountsOut"] = func(args []interface{}) ([]interface{}, error) {
		quotedIn = args[0].(*big.Int)
		path := args[1].([]common.Address)
		require.Len(t, path, 3)
		return []interface{}{[]*big.Int{quotedIn, big.NewInt(1), big.NewInt(250_000_000_000_000)}}, nil
	}

	m := NewMarket(fc, DefaultAddresses(), nil, nil, nil)
	token := common.HexToAddress("0x1234000000000000000000000000000000000abc")

	price, err := m.TokenUSDPrice(context.Background(), token)
	require.NoError(t, err)
	assert.InDelta(t, 0.00025, price, 1e-12)
	assert.Equal(t, 0, quotedIn.Cmp(ether(1)), "decimals default to 18")

	mode, ok := m.modes.Get(token)
	assert.False(t, ok, "failed mode lookups are not cached: %v", mode)
	assert.Equal(t, model.TokenModeOrdinary, m.TokenMode(context.Background(), token))
}
