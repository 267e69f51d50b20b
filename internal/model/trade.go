package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is buy or sell.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeStatus is the settled state of a trade.
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeSuccess TradeStatus = "success"
	TradeFailed  TradeStatus = "failed"
)

// TradeRecord is an append-only audit row.
type TradeRecord struct {
	ID             int64           `json:"id,omitempty"`
	AccountID      int64           `json:"account_id"`
	WalletID       int64           `json:"wallet_id"`
	Mode           Mode            `json:"mode"`
	Side           TradeSide       `json:"side"`
	TokenAddress   string          `json:"token_address"`
	TokenName      string          `json:"token_name,omitempty"`
	TokenSymbol    string          `json:"token_symbol,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	ExpectedPrice  decimal.Decimal `json:"expected_price"`
	ActualPrice    decimal.Decimal `json:"actual_price"`
	TokenBalance   decimal.Decimal `json:"token_balance"`
	USDValue       decimal.Decimal `json:"usd_value"`
	ReceivedNative decimal.Decimal `json:"received_native"`
	TxHash         string          `json:"tx_hash"`
	GasUsed        uint64          `json:"gas_used"`
	Status         TradeStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ExitKind is a take-profit or stop-loss rule.
type ExitKind string

const (
	ExitTakeProfit ExitKind = "take_profit"
	ExitStopLoss   ExitKind = "stop_loss"
)

// Ladder limits per wallet and mode.
const (
	MaxTakeProfitTiers = 5
	MaxStopLossTiers   = 1
)

// ExitRule is one rung of a wallet's TP/SL ladder.
type ExitRule struct {
	ID           int64    `json:"id"`
	WalletID     int64    `json:"wallet_id"`
	Kind         ExitKind `json:"type"`
	Mode         Mode     `json:"mode"`
	PricePercent float64  `json:"price_percent"`
	SellPercent  float64  `json:"sell_percent"`
}
