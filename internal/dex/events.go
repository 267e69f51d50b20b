package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CurveEventKind distinguishes curve purchases from sales.
type CurveEventKind string

const (
	CurvePurchase CurveEventKind = "TokenPurchase"
	CurveSale     CurveEventKind = "TokenSale"
)

// CurveEvent is a decoded TokenPurchase or TokenSale log.
type CurveEvent struct {
	Kind        CurveEventKind
	Token       common.Address
	Account     common.Address
	Price       *big.Int
	Amount      *big.Int
	Cost        *big.Int
	Fee         *big.Int
	Offers      *big.Int
	Funds       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// CurveDecoder decodes curve manager trade events.
type CurveDecoder struct {
	parsed      abi.ABI
	topicToKind map[common.Hash]CurveEventKind
}

// NewCurveDecoder builds a decoder for TokenPurchase and TokenSale.
func NewCurveDecoder() (*CurveDecoder, error) {
	parsed, err := CurveManagerABI()
	if err != nil {
		return nil, err
	}
	return &CurveDecoder{
		parsed: parsed,
		topicToKind: map[common.Hash]CurveEventKind{
			parsed.Events[string(CurvePurchase)].ID: CurvePurchase,
			parsed.Events[string(CurveSale)].ID:     CurveSale,
		},
	}, nil
}

// Topics returns the topic0 values to subscribe to.
func (d *CurveDecoder) Topics() []common.Hash {
	return []common.Hash{
		d.parsed.Events[string(CurvePurchase)].ID,
		d.parsed.Events[string(CurveSale)].ID,
	}
}

// Decode converts a raw log into a CurveEvent.
func (d *CurveDecoder) Decode(log types.Log) (CurveEvent, error) {
	if len(log.Topics) == 0 {
		return CurveEvent{}, fmt.Errorf("missing topics")
	}
	kind, ok := d.topicToKind[log.Topics[0]]
	if !ok {
		return CurveEvent{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	event := d.parsed.Events[string(kind)]
	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return CurveEvent{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != 8 {
		return CurveEvent{}, fmt.Errorf("unexpected %s values: %d", event.Name, len(values))
	}

	out := CurveEvent{Kind: kind, BlockNumber: log.BlockNumber, TxHash: log.TxHash}
	if out.Token, err = asAddress(values[0]); err != nil {
		return CurveEvent{}, fmt.Errorf("token: %w", err)
	}
	if out.Account, err = asAddress(values[1]); err != nil {
		return CurveEvent{}, fmt.Errorf("account: %w", err)
	}
	for i, dst := range []**big.Int{&out.Price, &out.Amount, &out.Cost, &out.Fee, &out.Offers, &out.Funds} {
		v, err := asBigInt(values[i+2])
		if err != nil {
			return CurveEvent{}, fmt.Errorf("%s: %w", event.Inputs[i+2].Name, err)
		}
		*dst = v
	}
	return out, nil
}
