package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// Caller is the eth_call surface the reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// CurveInfo is the bonding-curve state reported by the price helper.
type CurveInfo struct {
	Version        *big.Int
	Manager        common.Address
	Quote          common.Address
	LastPrice      *big.Int
	TradingFeeRate *big.Int
	LaunchTime     uint64
	Offers         *big.Int
	MaxOffers      *big.Int
	Funds          *big.Int
	MaxFunds       *big.Int
	LiquidityAdded bool
}

// Reader performs typed eth_calls against the engine's contracts.
type Reader struct {
	caller Caller
	addrs  Addresses
}

func NewReader(caller Caller, addrs Addresses) *Reader {
	return &Reader{caller: caller, addrs: addrs}
}

func (r *Reader) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if r.caller == nil {
		return nil, fmt.Errorf("chain caller is nil")
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := r.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

// TokenMode reads the token's `_mode()` flag.
func (r *Reader) TokenMode(ctx context.Context, token common.Address) (model.TokenMode, error) {
	parsed, err := tokenModeABIInstance()
	if err != nil {
		return model.TokenModeOrdinary, err
	}
	values, err := r.call(ctx, token, parsed, "_mode")
	if err != nil {
		return model.TokenModeOrdinary, err
	}
	mode, err := asBigInt(values[0])
	if err != nil {
		return model.TokenModeOrdinary, err
	}
	if mode.Cmp(big.NewInt(int64(model.TokenModeManaged))) == 0 {
		return model.TokenModeManaged, nil
	}
	return model.TokenModeOrdinary, nil
}

// BalanceOf returns owner's token balance in base units.
func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	values, err := r.call(ctx, token, parsed, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Allowance returns how much spender may move on owner's behalf.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	values, err := r.call(ctx, token, parsed, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Decimals reads the token's decimals.
func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return 0, err
	}
	values, err := r.call(ctx, token, parsed, "decimals")
	if err != nil {
		return 0, err
	}
	return asUint8(values[0])
}

// Symbol reads the token's symbol.
func (r *Reader) Symbol(ctx context.Context, token common.Address) (string, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return "", err
	}
	values, err := r.call(ctx, token, parsed, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unsupported symbol type %T", values[0])
	}
	return symbol, nil
}

// AmountsOut quotes amountIn along path through the router.
func (r *Reader) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	parsed, err := RouterABI()
	if err != nil {
		return nil, err
	}
	values, err := r.call(ctx, r.addrs.Router, parsed, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	amounts, err := asBigInts(values[0])
	if err != nil {
		return nil, err
	}
	if len(amounts) != len(path) {
		return nil, fmt.Errorf("getAmountsOut returned %d amounts for %d hops", len(amounts), len(path))
	}
	return amounts, nil
}

// CurveTokenInfo reads bonding-curve state from the price helper.
func (r *Reader) CurveTokenInfo(ctx context.Context, token common.Address) (CurveInfo, error) {
	parsed, err := CurveHelperABI()
	if err != nil {
		return CurveInfo{}, err
	}
	values, err := r.call(ctx, r.addrs.CurveHelper, parsed, "getTokenInfo", token)
	if err != nil {
		return CurveInfo{}, err
	}
	if len(values) != 12 {
		return CurveInfo{}, fmt.Errorf("unexpected getTokenInfo values: %d", len(values))
	}

	var info CurveInfo
	ints := map[int]**big.Int{
		0: &info.Version, 3: &info.LastPrice, 4: &info.TradingFeeRate,
		7: &info.Offers, 8: &info.MaxOffers, 9: &info.Funds, 10: &info.MaxFunds,
	}
	for idx, dst := range ints {
		v, err := asBigInt(values[idx])
		if err != nil {
			return CurveInfo{}, fmt.Errorf("getTokenInfo[%d]: %w", idx, err)
		}
		*dst = v
	}
	if info.Manager, err = asAddress(values[1]); err != nil {
		return CurveInfo{}, fmt.Errorf("tokenManager: %w", err)
	}
	if info.Quote, err = asAddress(values[2]); err != nil {
		return CurveInfo{}, fmt.Errorf("quote: %w", err)
	}
	launch, err := asBigInt(values[6])
	if err != nil {
		return CurveInfo{}, fmt.Errorf("launchTime: %w", err)
	}
	info.LaunchTime = launch.Uint64()
	info.LiquidityAdded, _ = values[11].(bool)
	return info, nil
}
