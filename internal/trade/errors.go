package trade

import "errors"

var (
	ErrInvalidAmount       = errors.New("buy amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance, sniper disabled")
	ErrZeroBalance         = errors.New("token balance is zero")
	ErrZeroSellAmount      = errors.New("sell amount is zero")
	ErrApprovalPending     = errors.New("approval still pending, retry later")
	ErrTxFailed            = errors.New("transaction reverted")
	ErrWalletNotFound      = errors.New("no usable wallet")
	ErrReceiptTimeout      = errors.New("timed out waiting for receipt")
)
