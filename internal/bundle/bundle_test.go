package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chainID = big.NewInt(56)

type fakeChain struct {
	mu      sync.Mutex
	sendErr error
	sent    []*types.Transaction
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func relayServer(t *testing.T, handle func(params bundleParams) (interface{}, *string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "eth_sendBundle", req.Method)
		var params bundleParams
		require.NoError(t, json.Unmarshal(req.Params[0], &params))

		result, errMsg := handle(params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if errMsg != nil {
			resp["error"] = map[string]interface{}{"code": -32000, "message": *errMsg}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hangingRelay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signedMain(t *testing.T) (*types.Transaction, *bind.TransactOpts) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	require.NoError(t, err)

	to := common.HexToAddress("0x16867Ce6E979A4694d93E5ae81EDC0831A43D714")
	tx := types.NewTx(&types.LegacyTx{Nonce: 7, To: &to, Value: big.NewInt(1e16), Gas: 200000, GasPrice: big.NewInt(3e9)})
	signed, err := opts.Signer(opts.From, tx)
	require.NoError(t, err)
	return signed, opts
}

func newTestSubmitter(t *testing.T, chain Broadcaster, timeout time.Duration, urls ...string) *Submitter {
	t.Helper()
	recipients := []string{
		"0x1266C6bE60392A8Ff346E8d5ECCd3E69dD9c5F20",
		"0x4848489f0b2BEdd788c696e2D79b6b69D7484848",
		"0xffffFFFfFFffffffffffffffFfFFFfffFFFfFFfE",
	}
	relays := make([]Relay, 0, len(urls))
	for i, u := range urls {
		relays = append(relays, Relay{Name: DefaultRelays()[i].Name, URL: u, BribeRecipient: recipients[i]})
	}
	s, err := NewSubmitter(relays, chain, Options{RelayTimeout: timeout}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestAllRelaysTimeOutBroadcastSucceeds(t *testing.T) {
	chain := &fakeChain{}
	s := newTestSubmitter(t, chain, 50*time.Millisecond,
		hangingRelay(t).URL, hangingRelay(t).URL, hangingRelay(t).URL)
	main, signer := signedMain(t)

	res, err := s.Submit(context.Background(), Request{MainTx: main, Bribe: big.NewInt(1e15), Signer: signer})
	require.NoError(t, err)
	assert.Equal(t, main.Hash(), res.NormalTxHash)
	assert.Equal(t, main.Hash(), res.MainTxHash)
	assert.Empty(t, res.BundleHash)
	assert.Zero(t, res.Accepted)
	require.Len(t, res.Relays, 3)
	for _, r := range res.Relays {
		assert.Error(t, r.Err)
	}
}

func TestBundleSucceedsWhenBroadcastFails(t *testing.T) {
	chain := &fakeChain{sendErr: errors.New("already known")}
	main, signer := signedMain(t)

	var got bundleParams
	good := relayServer(t, func(p bundleParams) (interface{}, *string) {
		got = p
		return "0xbundlehash", nil
	})
	msg := "bundle rejected"
	bad := relayServer(t, func(bundleParams) (interface{}, *string) { return nil, &msg })

	s := newTestSubmitter(t, chain, time.Second, good.URL, bad.URL)
	res, err := s.Submit(context.Background(), Request{MainTx: main, Bribe: big.NewInt(1e15), Signer: signer})
	require.NoError(t, err)
	assert.Equal(t, "0xbundlehash", res.BundleHash)
	assert.Equal(t, common.Hash{}, res.NormalTxHash)
	assert.Equal(t, 1, res.Accepted)

	require.Len(t, got.Txs, 2)
	assert.Equal(t, uint64(102), got.MaxBlockNumber)
	assert.Equal(t, got.MinTimestamp+2, got.MaxTimestamp)

	raw, err := hexutil.Decode(got.Txs[1])
	require.NoError(t, err)
	var bribe types.Transaction
	require.NoError(t, bribe.UnmarshalBinary(raw))
	assert.Equal(t, main.Nonce()+1, bribe.Nonce())
	assert.Equal(t, uint64(BribeGasLimit), bribe.Gas())
	assert.Equal(t, main.GasPrice(), bribe.GasPrice())
	assert.Equal(t, common.HexToAddress("0x1266C6bE60392A8Ff346E8d5ECCd3E69dD9c5F20"), *bribe.To())
	assert.Equal(t, big.NewInt(1e15), bribe.Value())

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), &bribe)
	require.NoError(t, err)
	assert.Equal(t, signer.From, sender)
}

func TestTotalFailureJoinsErrors(t *testing.T) {
	chain := &fakeChain{sendErr: errors.New("nonce too low")}
	msg := "simulation failed"
	s := newTestSubmitter(t, chain, time.Second,
		relayServer(t, func(bundleParams) (interface{}, *string) { return nil, &msg }).URL)
	main, signer := signedMain(t)

	_, err := s.Submit(context.Background(), Request{MainTx: main, Bribe: big.NewInt(1), Signer: signer})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Contains(t, err.Error(), "simulation failed")
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestNewSubmitterRejectsBadRecipient(t *testing.T) {
	_, err := NewSubmitter([]Relay{{Name: "x", URL: "http://127.0.0.1:1", BribeRecipient: "nope"}}, &fakeChain{}, Options{}, nil)
	require.Error(t, err)
}
