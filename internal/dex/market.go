package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// DefaultNativePriceTTL bounds how stale the BNB/USD reference may be.
const DefaultNativePriceTTL = 30 * time.Second

// curveSellGranularity is the unit the curve manager accepts for sells.
var curveSellGranularity = big.NewInt(1_000_000_000)

func oneNative() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(chain.NativeDecimals), nil)
}

// Market layers caches over Reader and resolves USD prices.
type Market struct {
	reader   *Reader
	addrs    Addresses
	modes    *ModeCache
	decimals *DecimalsCache
	native   *priceCache
	logger   *zap.Logger
	now      func() time.Time
}

// NewMarket builds a Market. The caches are owned by the caller so that one
// set can be shared by every component in the process.
func NewMarket(caller Caller, addrs Addresses, modes *ModeCache, decimals *DecimalsCache, logger *zap.Logger) *Market {
	if modes == nil {
		modes = NewModeCache()
	}
	if decimals == nil {
		decimals = NewDecimalsCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Market{
		reader:   NewReader(caller, addrs),
		addrs:    addrs,
		modes:    modes,
		decimals: decimals,
		native:   &priceCache{ttl: DefaultNativePriceTTL},
		logger:   logger,
		now:      time.Now,
	}
}

// Addresses returns the contract set the market was built with.
func (m *Market) Addresses() Addresses {
	return m.addrs
}

// TokenMode returns the cached mode, resolving it on first use. A failed
// lookup reports ordinary without caching so a later call can retry.
func (m *Market) TokenMode(ctx context.Context, token common.Address) model.TokenMode {
	if mode, ok := m.modes.Get(token); ok {
		return mode
	}
	mode, err := m.reader.TokenMode(ctx, token)
	if err != nil {
		m.logger.Debug("token mode lookup failed", zap.String("token", token.Hex()), zap.Error(err))
		return model.TokenModeOrdinary
	}
	return m.modes.SetOnce(token, mode)
}

// Decimals returns cached decimals, defaulting to 18 when the call fails.
func (m *Market) Decimals(ctx context.Context, token common.Address) uint8 {
	if d, ok := m.decimals.Get(token); ok {
		return d
	}
	d, err := m.reader.Decimals(ctx, token)
	if err != nil {
		m.logger.Debug("decimals lookup failed", zap.String("token", token.Hex()), zap.Error(err))
		return chain.NativeDecimals
	}
	m.decimals.Set(token, d)
	return d
}

func (m *Market) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return m.reader.BalanceOf(ctx, token, owner)
}

func (m *Market) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return m.reader.Allowance(ctx, token, owner, spender)
}

func (m *Market) Symbol(ctx context.Context, token common.Address) (string, error) {
	return m.reader.Symbol(ctx, token)
}

func (m *Market) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	return m.reader.AmountsOut(ctx, amountIn, path)
}

// NativeUSDPrice returns the BNB price in USD from the router, cached for 30s.
func (m *Market) NativeUSDPrice(ctx context.Context) (float64, error) {
	if v, ok := m.native.get(m.now()); ok {
		return v, nil
	}
	amounts, err := m.reader.AmountsOut(ctx, oneNative(), []common.Address{m.addrs.Wrapped, m.addrs.Stable})
	if err != nil {
		return 0, fmt.Errorf("native price: %w", err)
	}
	price := chain.FromUnits(amounts[len(amounts)-1], chain.NativeDecimals).InexactFloat64()
	if price <= 0 {
		return 0, fmt.Errorf("native price: router returned zero")
	}
	m.native.set(price, m.now())
	return price, nil
}

// TokenUSDPrice resolves a token's USD price. Managed tokens use the curve
// helper; everything else is quoted token -> wrapped -> stable on the router.
func (m *Market) TokenUSDPrice(ctx context.Context, token common.Address) (float64, error) {
	if token == m.addrs.Wrapped {
		return m.NativeUSDPrice(ctx)
	}

	if m.TokenMode(ctx, token) == model.TokenModeManaged {
		price, err := m.curvePrice(ctx, token)
		if err == nil && price > 0 {
			return price, nil
		}
		if err != nil {
			m.logger.Debug("curve price failed, falling back to router", zap.String("token", token.Hex()), zap.Error(err))
		}
	}

	decimals := m.Decimals(ctx, token)
	amountIn := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	amounts, err := m.reader.AmountsOut(ctx, amountIn, []common.Address{token, m.addrs.Wrapped, m.addrs.Stable})
	if err != nil {
		return 0, fmt.Errorf("router price: %w", err)
	}
	return chain.FromUnits(amounts[len(amounts)-1], chain.NativeDecimals).InexactFloat64(), nil
}

func (m *Market) curvePrice(ctx context.Context, token common.Address) (float64, error) {
	info, err := m.reader.CurveTokenInfo(ctx, token)
	if err != nil {
		return 0, err
	}
	if info.LastPrice == nil || info.LastPrice.Sign() <= 0 {
		return 0, nil
	}
	price := chain.FromUnits(info.LastPrice, chain.NativeDecimals).InexactFloat64()
	if info.Quote == (common.Address{}) {
		native, err := m.NativeUSDPrice(ctx)
		if err != nil {
			return 0, err
		}
		price *= native
	}
	return price, nil
}

// NativeOut quotes how much BNB amount of token currently buys.
func (m *Market) NativeOut(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	amounts, err := m.reader.AmountsOut(ctx, amount, []common.Address{token, m.addrs.Wrapped})
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

// RoundCurveAmount rounds a sell amount down to the curve's granularity.
func RoundCurveAmount(amount *big.Int) *big.Int {
	rem := new(big.Int).Mod(amount, curveSellGranularity)
	return new(big.Int).Sub(amount, rem)
}
