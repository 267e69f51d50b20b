package model

import "github.com/shopspring/decimal"

// Mode names an opportunity source and selects the wallet's config namespace.
type Mode string

const (
	ModeSniper Mode = "sniper"
	ModeSweep  Mode = "sweep"
)

// WalletFlag is one of the two independent run flags on a wallet.
type WalletFlag string

const (
	FlagSniper WalletFlag = "sniper_enabled"
	FlagSweep  WalletFlag = "sweep_enabled"
)

// FlagFor returns the run flag that gates a mode.
func FlagFor(mode Mode) WalletFlag {
	if mode == ModeSweep {
		return FlagSweep
	}
	return FlagSniper
}

// SniperFilter gates mempool-sourced launches. Zero values disable a filter.
// Top10MaxPct is only checked strictly between 0 and 100; storage defaults it
// to 100.
type SniperFilter struct {
	RequireSocial    bool    `json:"require_social"`
	MinHolders       int64   `json:"min_holders"`
	Top10MaxPct      float64 `json:"top10_max_pct"`
	ExclusiveOrigin  bool    `json:"exclusive_origin"`
	MaxLaunchMinutes int64   `json:"max_launch_minutes"`
}

// SweepFilter gates event-sourced opportunities, with the same zero value
// rules as SniperFilter.
type SweepFilter struct {
	RequireSocial    bool    `json:"require_social"`
	MinHolders       int64   `json:"min_holders"`
	Top10MaxPct      float64 `json:"top10_max_pct"`
	ProgressMinPct   float64 `json:"progress_min_pct"`
	MaxLaunchMinutes int64   `json:"max_launch_minutes"`
}

// Wallet is a key-holding entity with its strategy configuration.
type Wallet struct {
	ID         int64  `json:"id"`
	AccountID  int64  `json:"account_id"`
	Number     int    `json:"wallet_number"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key,omitempty"`

	Active        bool `json:"is_active"`
	SniperEnabled bool `json:"sniper_enabled"`
	SweepEnabled  bool `json:"sweep_enabled"`

	BuyAmount    decimal.Decimal `json:"buy_amount"`
	Slippage     float64         `json:"slippage"`
	GasPriceGwei decimal.Decimal `json:"gas_price"`
	BribeAmount  decimal.Decimal `json:"bribe_amount"`

	WaitForDrop bool    `json:"wait_for_drop"`
	DropPct     float64 `json:"drop_percentage"`

	Sniper SniperFilter `json:"sniper_filter"`
	Sweep  SweepFilter  `json:"sweep_filter"`

	SweepBuyAmount    decimal.Decimal `json:"sweep_buy_amount"`
	SweepSlippage     float64         `json:"sweep_slippage"`
	SweepGasPriceGwei decimal.Decimal `json:"sweep_gas_price"`
}

// Enabled reports whether the wallet's run flag for mode is set.
func (w Wallet) Enabled(mode Mode) bool {
	if mode == ModeSweep {
		return w.SweepEnabled
	}
	return w.SniperEnabled
}

// TradeParams are the amounts a wallet trades with in one mode.
type TradeParams struct {
	Amount       decimal.Decimal
	Slippage     float64
	GasPriceGwei decimal.Decimal
}

var (
	DefaultBuyAmount    = decimal.RequireFromString("0.01")
	DefaultSlippage     = 10.0
	DefaultGasPriceGwei = decimal.NewFromInt(5)
)

// TradeParams resolves amount, slippage and gas for mode. Sweep values fall
// back to the sniper values, then to package defaults.
func (w Wallet) TradeParams(mode Mode) TradeParams {
	p := TradeParams{
		Amount:       firstPositive(w.BuyAmount, DefaultBuyAmount),
		Slippage:     w.Slippage,
		GasPriceGwei: firstPositive(w.GasPriceGwei, DefaultGasPriceGwei),
	}
	if p.Slippage <= 0 {
		p.Slippage = DefaultSlippage
	}
	if mode != ModeSweep {
		return p
	}
	p.Amount = firstPositive(w.SweepBuyAmount, p.Amount)
	p.GasPriceGwei = firstPositive(w.SweepGasPriceGwei, p.GasPriceGwei)
	if w.SweepSlippage > 0 {
		p.Slippage = w.SweepSlippage
	}
	return p
}

func firstPositive(values ...decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if v.IsPositive() {
			return v
		}
	}
	return decimal.Zero
}
