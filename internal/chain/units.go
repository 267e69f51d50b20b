package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the decimals of BNB and of most launchpad tokens.
const NativeDecimals = 18

// ToUnits converts a human amount to integer base units, truncating dust.
func ToUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	if amount.Sign() <= 0 {
		return new(big.Int)
	}
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromUnits converts integer base units to a human amount.
func FromUnits(value *big.Int, decimals uint8) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals))
}

// GweiToWei converts a gas price in gwei.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return ToUnits(gwei, 9)
}

// FormatUnits renders base units with trailing zeros trimmed.
func FormatUnits(value *big.Int, decimals uint8) string {
	return FromUnits(value, decimals).String()
}
