// Package bundle races a bribed bundle submission to block builders against a
// plain broadcast of the same transaction.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSubmissionFailed is returned when every relay and the broadcast failed.
var ErrSubmissionFailed = errors.New("bundle and broadcast both failed")

const (
	// BribeGasLimit covers a plain value transfer.
	BribeGasLimit       = 22000
	DefaultRelayTimeout = 3 * time.Second
	bundleWindow        = 2 // seconds and blocks
)

// Relay is one builder endpoint and the address it expects bribes at.
type Relay struct {
	Name           string `mapstructure:"name"`
	URL            string `mapstructure:"url"`
	BribeRecipient string `mapstructure:"bribe_recipient"`
}

// DefaultRelays are the BSC builders the engine submits to.
func DefaultRelays() []Relay {
	return []Relay{
		{Name: "BlockRazor", URL: "https://virginia.builder.blockrazor.io", BribeRecipient: "0x1266C6bE60392A8Ff346E8d5ECCd3E69dD9c5F20"},
		{Name: "48Club", URL: "https://puissant-builder.48.club/", BribeRecipient: "0x4848489f0b2BEdd788c696e2D79b6b69D7484848"},
		{Name: "NodeReal", URL: "https://bsc-mainnet-builder.nodereal.io", BribeRecipient: "0xffffFFFfFFffffffffffffffFfFFFfffFFFfFFfE"},
	}
}

// Broadcaster is the public transaction path.
type Broadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BlockNumber(ctx context.Context) (uint64, error)
}

// RelayObserver counts relay outcomes.
type RelayObserver interface {
	Relay(name string, ok bool)
}

type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

type relayClient struct {
	name      string
	recipient common.Address
	rpc       rpcCaller
}

// Submitter sends bundles to every configured relay.
type Submitter struct {
	relays   []relayClient
	chain    Broadcaster
	timeout  time.Duration
	observer RelayObserver
	logger   *zap.Logger
	now      func() time.Time
}

// Options tune a Submitter.
type Options struct {
	HTTPClient   *http.Client
	RelayTimeout time.Duration
	Observer     RelayObserver
}

// NewSubmitter dials every relay over HTTP JSON-RPC.
func NewSubmitter(relays []Relay, chain Broadcaster, opts Options, logger *zap.Logger) (*Submitter, error) {
	if chain == nil {
		return nil, fmt.Errorf("broadcaster is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = DefaultRelayTimeout
	}

	s := &Submitter{
		chain:    chain,
		timeout:  opts.RelayTimeout,
		observer: opts.Observer,
		logger:   logger,
		now:      time.Now,
	}
	for _, r := range relays {
		if !common.IsHexAddress(r.BribeRecipient) {
			s.Close()
			return nil, fmt.Errorf("relay %s: invalid bribe recipient %q", r.Name, r.BribeRecipient)
		}
		client, err := rpc.DialHTTPWithClient(r.URL, opts.HTTPClient)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("dial relay %s: %w", r.Name, err)
		}
		s.relays = append(s.relays, relayClient{
			name:      r.Name,
			recipient: common.HexToAddress(r.BribeRecipient),
			rpc:       client,
		})
	}
	return s, nil
}

// Close releases the relay clients.
func (s *Submitter) Close() {
	for _, r := range s.relays {
		r.rpc.Close()
	}
}

// Request is a signed main transaction plus the bribe to attach to it.
type Request struct {
	MainTx *types.Transaction
	Bribe  *big.Int
	// Signer signs the bribe transactions. It must be the main tx's sender.
	Signer *bind.TransactOpts
}

// RelayResult is the outcome of one relay submission.
type RelayResult struct {
	Relay      string
	BundleHash string
	Err        error
}

// Result describes a successful race. At least one of BundleHash and
// NormalTxHash is set; receipts are always looked up by MainTxHash.
type Result struct {
	MainTxHash   common.Hash
	BundleHash   string
	NormalTxHash common.Hash
	Accepted     int
	Relays       []RelayResult
}

type bundleParams struct {
	Txs            []string `json:"txs"`
	MinTimestamp   uint64   `json:"minTimestamp"`
	MaxTimestamp   uint64   `json:"maxTimestamp"`
	MaxBlockNumber uint64   `json:"maxBlockNumber"`
}

// Submit races the bundle path against a plain broadcast. Neither side
// cancels the other. It fails only when every relay and the broadcast failed.
func (s *Submitter) Submit(ctx context.Context, req Request) (Result, error) {
	if req.MainTx == nil || req.Signer == nil {
		return Result{}, fmt.Errorf("main tx and signer are required")
	}
	res := Result{MainTxHash: req.MainTx.Hash()}

	var (
		g            errgroup.Group
		relayResults []RelayResult
		bundleErr    error
		broadcastErr error
	)
	g.Go(func() error {
		relayResults, bundleErr = s.submitBundles(ctx, req)
		return nil
	})
	g.Go(func() error {
		broadcastErr = s.chain.SendTransaction(ctx, req.MainTx)
		return nil
	})
	_ = g.Wait()

	res.Relays = relayResults
	errs := []error{ErrSubmissionFailed}
	if bundleErr != nil {
		errs = append(errs, bundleErr)
	}
	for _, r := range relayResults {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Relay, r.Err))
			continue
		}
		res.Accepted++
		if res.BundleHash == "" {
			res.BundleHash = r.BundleHash
		}
	}
	if broadcastErr == nil {
		res.NormalTxHash = res.MainTxHash
	} else {
		errs = append(errs, fmt.Errorf("broadcast: %w", broadcastErr))
	}

	s.logger.Info("bundle race finished",
		zap.String("tx", res.MainTxHash.Hex()),
		zap.Int("accepted", res.Accepted),
		zap.Int("relays", len(s.relays)),
		zap.Bool("broadcast", broadcastErr == nil),
	)

	if res.Accepted == 0 && broadcastErr != nil {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (s *Submitter) submitBundles(ctx context.Context, req Request) ([]RelayResult, error) {
	if len(s.relays) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}
	block, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	mainRaw, err := req.MainTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode main tx: %w", err)
	}

	now := uint64(s.now().Unix())
	results := make([]RelayResult, len(s.relays))
	var g errgroup.Group
	for i, relay := range s.relays {
		g.Go(func() error {
			hash, err := s.submitOne(ctx, relay, req, mainRaw, bundleParams{
				MinTimestamp:   now,
				MaxTimestamp:   now + bundleWindow,
				MaxBlockNumber: block + bundleWindow,
			})
			results[i] = RelayResult{Relay: relay.name, BundleHash: hash, Err: err}
			if s.observer != nil {
				s.observer.Relay(relay.name, err == nil)
			}
			if err != nil {
				s.logger.Debug("relay rejected bundle", zap.String("relay", relay.name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (s *Submitter) submitOne(ctx context.Context, relay relayClient, req Request, mainRaw []byte, params bundleParams) (string, error) {
	bribe, err := s.bribeTx(req, relay.recipient)
	if err != nil {
		return "", err
	}
	bribeRaw, err := bribe.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode bribe: %w", err)
	}
	params.Txs = []string{hexutil.Encode(mainRaw), hexutil.Encode(bribeRaw)}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var raw json.RawMessage
	if err := relay.rpc.CallContext(ctx, &raw, "eth_sendBundle", params); err != nil {
		return "", err
	}
	return strings.Trim(string(raw), `"`), nil
}

// bribeTx builds the value transfer that follows the main tx in the bundle.
func (s *Submitter) bribeTx(req Request, recipient common.Address) (*types.Transaction, error) {
	value := req.Bribe
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.MainTx.Nonce() + 1,
		To:       &recipient,
		Value:    value,
		Gas:      BribeGasLimit,
		GasPrice: req.MainTx.GasPrice(),
	})
	signed, err := req.Signer.Signer(req.Signer.From, tx)
	if err != nil {
		return nil, fmt.Errorf("sign bribe: %w", err)
	}
	return signed, nil
}
