package dex

import "github.com/ethereum/go-ethereum/common"

// BSC mainnet defaults.
var (
	DefaultRouter       = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
	DefaultWrapped      = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
	DefaultStable       = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	DefaultCurveManager = common.HexToAddress("0x5c952063c7fc8610FFDB798152D69F0B9550762b")
	DefaultCurveHelper  = common.HexToAddress("0xF251F83e40a78868FcfA3FA4599Dad6494E46034")
	DefaultFeeProxy     = common.HexToAddress("0x16867Ce6E979A4694d93E5ae81EDC0831A43D714")
)

// DefaultLaunchSelector is the curve manager's token creation entrypoint.
const DefaultLaunchSelector = "0xe3412e3d"

// Addresses are the contracts the engine talks to.
type Addresses struct {
	Router       common.Address
	Wrapped      common.Address
	Stable       common.Address
	CurveManager common.Address
	CurveHelper  common.Address
	FeeProxy     common.Address
}

// DefaultAddresses returns the BSC mainnet contract set.
func DefaultAddresses() Addresses {
	return Addresses{
		Router:       DefaultRouter,
		Wrapped:      DefaultWrapped,
		Stable:       DefaultStable,
		CurveManager: DefaultCurveManager,
		CurveHelper:  DefaultCurveHelper,
		FeeProxy:     DefaultFeeProxy,
	}
}
