package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/eventqueue"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var launchedToken = common.HexToAddress("0x4444abcdef0123456789abcdef0123456789abcd")

func launchInput(selector string, token common.Address) string {
	return selector + strings.Repeat("0", 64+24) + strings.ToLower(token.Hex()[2:])
}

func TestMatchLaunch(t *testing.T) {
	factory := dex.DefaultCurveManager
	to := strings.ToLower(factory.Hex())
	input := launchInput(dex.DefaultLaunchSelector, launchedToken)

	tests := []struct {
		name  string
		to    string
		input string
		ok    bool
	}{
		{"match", to, input, true},
		{"checksummed destination", factory.Hex(), strings.ToUpper(input[:10]) + input[10:], true},
		{"other destination", "0x0000000000000000000000000000000000000001", input, false},
		{"other selector", to, "0xdeadbeef" + input[10:], false},
		{"short input", to, dex.DefaultLaunchSelector + "00", false},
		{"bad destination", "nope", input, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MatchLaunch(tt.to, tt.input, factory, dex.DefaultLaunchSelector)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, launchedToken, got)
			}
		})
	}
}

func notification(sub string, result interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params":  map[string]interface{}{"subscription": sub, "result": result},
	}
}

func TestMempoolQueuesMatchingLaunches(t *testing.T) {
	factory := dex.DefaultCurveManager
	methods := make(chan string, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		var req rpcRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		methods <- req.Method
		_ = c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})

		input := launchInput(dex.DefaultLaunchSelector, launchedToken)
		to := strings.ToLower(factory.Hex())
		_ = c.WriteJSON(notification("0xother", map[string]string{"hash": "0x1", "to": to, "input": input}))
		_ = c.WriteJSON(notification("0xsub", "0xhashonly"))
		_ = c.WriteJSON(notification("0xsub", map[string]string{"hash": "0x2", "to": "0x0000000000000000000000000000000000000001", "input": input}))
		_ = c.WriteJSON(notification("0xsub", map[string]string{"hash": "0x3", "to": to, "input": input}))

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var msg rpcRequest
			if json.Unmarshal(data, &msg) == nil {
				methods <- msg.Method
			}
		}
	}))
	defer server.Close()

	found := make(chan common.Address, 4)
	queue := eventqueue.New("test", 2, 10, nil, nil)
	m := NewMempool(MempoolConfig{
		URL:      "ws" + strings.TrimPrefix(server.URL, "http"),
		Factory:  factory,
		Selector: dex.DefaultLaunchSelector,
	}, queue, func(ctx context.Context, token common.Address) error {
		found <- token
		return errors.New("token info unavailable")
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	select {
	case token := <-found:
		assert.Equal(t, launchedToken, token)
	case <-time.After(2 * time.Second):
		t.Fatal("launch was not queued")
	}
	assert.Equal(t, StateSubscribed, m.State())
	require.Eventually(t, func() bool { return queue.Stats().Failed == 1 }, time.Second, 5*time.Millisecond,
		"a failing candidate counts as a failed task")

	select {
	case token := <-found:
		t.Fatalf("unexpected second candidate %s", token.Hex())
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
	assert.Equal(t, StateStopped, m.State())

	assert.Equal(t, "eth_subscribe", <-methods)
	select {
	case method := <-methods:
		assert.Equal(t, "eth_unsubscribe", method)
	case <-time.After(time.Second):
		t.Fatal("no unsubscribe on shutdown")
	}
}

func TestMempoolGivesUpAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	sleeps := &recordedSleeps{}
	m := NewMempool(MempoolConfig{
		URL:     url,
		Backoff: Backoff{MaxAttempts: 2},
	}, newCapturingQueue(), func(context.Context, common.Address) error { return nil }, nil, nil)
	m.sleep = sleeps.sleep

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
	assert.Equal(t, StateStopped, m.State())
}
