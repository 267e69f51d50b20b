package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	calls int
	errs  []error
}

func (f *scriptedFetcher) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
}

var fastReceipts = ReceiptConfig{
	MaxAttempts:    3,
	AttemptTimeout: 100 * time.Millisecond,
	BaseDelay:      time.Millisecond,
	PollInterval:   time.Millisecond,
}

func TestWaitReceiptRetriesIndexingLag(t *testing.T) {
	f := &scriptedFetcher{errs: []error{
		errors.New("transaction indexing is in progress"),
		errors.New("Transaction not found"),
	}}
	receipt, err := waitReceipt(context.Background(), f, common.HexToHash("0x01"), fastReceipts)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x01"), receipt.TxHash)
	assert.Equal(t, 3, f.calls)
}

func TestWaitReceiptGivesUpAfterMaxAttempts(t *testing.T) {
	lag := errors.New("transaction indexing is in progress")
	f := &scriptedFetcher{errs: []error{lag, lag, lag, lag}}
	_, err := waitReceipt(context.Background(), f, common.HexToHash("0x01"), fastReceipts)
	require.ErrorIs(t, err, lag)
	assert.Equal(t, 3, f.calls)
}

func TestWaitReceiptFailsFastOnOtherErrors(t *testing.T) {
	boom := errors.New("connection refused")
	f := &scriptedFetcher{errs: []error{boom}}
	_, err := waitReceipt(context.Background(), f, common.HexToHash("0x01"), fastReceipts)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.calls)
}

func TestWaitReceiptPollsNotFound(t *testing.T) {
	f := &scriptedFetcher{errs: []error{ethereum.NotFound, ethereum.NotFound}}
	_, err := waitReceipt(context.Background(), f, common.HexToHash("0x01"), fastReceipts)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

type missingFetcher struct{}

func (missingFetcher) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func TestWaitReceiptTimesOut(t *testing.T) {
	_, err := waitReceipt(context.Background(), missingFetcher{}, common.HexToHash("0x01"), fastReceipts)
	require.ErrorIs(t, err, ErrReceiptTimeout)
}
