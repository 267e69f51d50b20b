package dex

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const routerABIJSON = `[
  {"inputs": [{"name": "amountIn", "type": "uint256"}, {"name": "path", "type": "address[]"}], "name": "getAmountsOut", "outputs": [{"name": "amounts", "type": "uint256[]"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "WETH", "outputs": [{"type": "address"}], "stateMutability": "pure", "type": "function"},
  {"inputs": [{"name": "amountOutMin", "type": "uint256"}, {"name": "path", "type": "address[]"}, {"name": "to", "type": "address"}, {"name": "deadline", "type": "uint256"}], "name": "swapExactETHForTokensSupportingFeeOnTransferTokens", "outputs": [], "stateMutability": "payable", "type": "function"},
  {"inputs": [{"name": "amountIn", "type": "uint256"}, {"name": "amountOutMin", "type": "uint256"}, {"name": "path", "type": "address[]"}, {"name": "to", "type": "address"}, {"name": "deadline", "type": "uint256"}], "name": "swapExactTokensForETHSupportingFeeOnTransferTokens", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

const feeProxyABIJSON = `[
  {"inputs": [{"name": "tokenOut", "type": "address"}, {"name": "amountOutMin", "type": "uint256"}, {"name": "deadline", "type": "uint256"}, {"name": "supportFeeOnTransfer", "type": "bool"}], "name": "swapBNBForTokens", "outputs": [], "stateMutability": "payable", "type": "function"},
  {"inputs": [{"name": "tokenIn", "type": "address"}, {"name": "amountIn", "type": "uint256"}, {"name": "amountOutMin", "type": "uint256"}, {"name": "deadline", "type": "uint256"}, {"name": "supportFeeOnTransfer", "type": "bool"}], "name": "swapTokensForBNB", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "amount", "type": "uint256"}], "name": "calculateFee", "outputs": [{"name": "feeAmount", "type": "uint256"}, {"name": "netAmount", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

const curveManagerABIJSON = `[
  {"inputs": [{"name": "token", "type": "address"}, {"name": "funds", "type": "uint256"}, {"name": "minAmount", "type": "uint256"}], "name": "buyTokenAMAP", "outputs": [], "stateMutability": "payable", "type": "function"},
  {"inputs": [{"name": "token", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "sellToken", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "token", "type": "address"},
      {"indexed": false, "name": "account", "type": "address"},
      {"indexed": false, "name": "price", "type": "uint256"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "cost", "type": "uint256"},
      {"indexed": false, "name": "fee", "type": "uint256"},
      {"indexed": false, "name": "offers", "type": "uint256"},
      {"indexed": false, "name": "funds", "type": "uint256"}
    ],
    "name": "TokenPurchase",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "token", "type": "address"},
      {"indexed": false, "name": "account", "type": "address"},
      {"indexed": false, "name": "price", "type": "uint256"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "cost", "type": "uint256"},
      {"indexed": false, "name": "fee", "type": "uint256"},
      {"indexed": false, "name": "offers", "type": "uint256"},
      {"indexed": false, "name": "funds", "type": "uint256"}
    ],
    "name": "TokenSale",
    "type": "event"
  }
]`

const curveHelperABIJSON = `[
  {
    "inputs": [{"name": "token", "type": "address"}],
    "name": "getTokenInfo",
    "outputs": [
      {"name": "version", "type": "uint256"},
      {"name": "tokenManager", "type": "address"},
      {"name": "quote", "type": "address"},
      {"name": "lastPrice", "type": "uint256"},
      {"name": "tradingFeeRate", "type": "uint256"},
      {"name": "minTradingFee", "type": "uint256"},
      {"name": "launchTime", "type": "uint256"},
      {"name": "offers", "type": "uint256"},
      {"name": "maxOffers", "type": "uint256"},
      {"name": "funds", "type": "uint256"},
      {"name": "maxFunds", "type": "uint256"},
      {"name": "liquidityAdded", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

const tokenModeABIJSON = `[
  {"inputs": [], "name": "_mode", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

type lazyABI struct {
	json   string
	once   sync.Once
	parsed abi.ABI
	err    error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = abi.JSON(strings.NewReader(l.json))
	})
	return l.parsed, l.err
}

var (
	routerABI       = &lazyABI{json: routerABIJSON}
	feeProxyABI     = &lazyABI{json: feeProxyABIJSON}
	curveManagerABI = &lazyABI{json: curveManagerABIJSON}
	curveHelperABI  = &lazyABI{json: curveHelperABIJSON}
	tokenModeABI    = &lazyABI{json: tokenModeABIJSON}
)

// RouterABI returns the parsed PancakeSwap V2 router ABI.
func RouterABI() (abi.ABI, error) { return routerABI.get() }

// FeeProxyABI returns the parsed fee-collecting swap proxy ABI.
func FeeProxyABI() (abi.ABI, error) { return feeProxyABI.get() }

// CurveManagerABI returns the parsed bonding-curve trading contract ABI.
func CurveManagerABI() (abi.ABI, error) { return curveManagerABI.get() }

// CurveHelperABI returns the parsed bonding-curve price helper ABI.
func CurveHelperABI() (abi.ABI, error) { return curveHelperABI.get() }

func tokenModeABIInstance() (abi.ABI, error) { return tokenModeABI.get() }
