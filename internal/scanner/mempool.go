package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/eventqueue"
)

const mempoolName = "mempool"

// MempoolConfig configures the pending transaction watcher.
type MempoolConfig struct {
	URL              string
	Factory          common.Address
	Selector         string
	Backoff          Backoff
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// CandidateFunc handles one launched token. It runs on the event queue, where
// a returned error counts the task as failed.
type CandidateFunc func(ctx context.Context, token common.Address) error

// Mempool subscribes to full pending transactions over a websocket and
// queues every call to the launch factory that matches the selector.
type Mempool struct {
	cfg      MempoolConfig
	queue    Submitter
	handle   CandidateFunc
	observer Observer
	logger   *zap.Logger

	dialer *websocket.Dialer
	state  atomic.Int32
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewMempool builds a mempool scanner. observer may be nil.
func NewMempool(cfg MempoolConfig, queue Submitter, handle CandidateFunc, observer Observer, logger *zap.Logger) *Mempool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	cfg.Selector = strings.ToLower(cfg.Selector)
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Mempool{
		cfg:      cfg,
		queue:    queue,
		handle:   handle,
		observer: observer,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		sleep:    sleepCtx,
	}
}

// State returns the current connection state.
func (m *Mempool) State() State {
	return State(m.state.Load())
}

func (m *Mempool) setState(s State) {
	m.state.Store(int32(s))
}

// Run connects and scans until ctx is cancelled (returning nil) or the
// reconnect budget is spent (returning ErrReconnectExhausted).
func (m *Mempool) Run(ctx context.Context) error {
	if m.queue == nil || m.handle == nil {
		return fmt.Errorf("mempool scanner needs a queue and a handler")
	}
	defer m.setState(StateStopped)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.setState(StateConnecting)
		err := m.session(ctx, func() { attempts = 0 })
		if ctx.Err() != nil {
			return nil
		}

		m.setState(StateDisconnected)
		attempts++
		m.observer.Reconnect(mempoolName)
		if attempts > m.cfg.Backoff.MaxAttempts {
			m.logger.Error("mempool scanner giving up", zap.Int("attempts", attempts-1), zap.Error(err))
			return ErrReconnectExhausted
		}
		delay := m.cfg.Backoff.Delay(attempts)
		m.logger.Warn("mempool connection lost",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", m.cfg.Backoff.MaxAttempts),
			zap.Duration("retry_in", delay),
		)
		m.setState(StateBackoff)
		if err := m.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type pendingTx struct {
	Hash  string  `json:"hash"`
	To    *string `json:"to"`
	Input string  `json:"input"`
}

const (
	subscribeID   = 1
	unsubscribeID = 2
)

func (m *Mempool) session(ctx context.Context, onSubscribed func()) error {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	subID, err := m.subscribe(conn)
	if err != nil {
		return err
	}
	onSubscribed()
	m.setState(StateSubscribed)
	m.logger.Info("mempool subscribed",
		zap.String("subscription", subID),
		zap.String("factory", m.cfg.Factory.Hex()),
		zap.String("selector", m.cfg.Selector),
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(conn, subID)
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(ctx, subID, data)
	}
}

func (m *Mempool) subscribe(conn *websocket.Conn) (string, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err := conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		ID:      subscribeID,
		Method:  "eth_subscribe",
		Params:  []interface{}{"newPendingTransactions", true},
	})
	if err != nil {
		return "", fmt.Errorf("write subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read subscribe reply: %w", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == nil || *msg.ID != subscribeID {
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("eth_subscribe: %s (%d)", msg.Error.Message, msg.Error.Code)
		}
		var id string
		if err := json.Unmarshal(msg.Result, &id); err != nil || id == "" {
			return "", fmt.Errorf("eth_subscribe: unexpected result %s", string(msg.Result))
		}
		return id, nil
	}
}

// unsubscribe is best effort; the connection is closed right after.
func (m *Mempool) unsubscribe(conn *websocket.Conn, subID string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		ID:      unsubscribeID,
		Method:  "eth_unsubscribe",
		Params:  []interface{}{subID},
	})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (m *Mempool) dispatch(ctx context.Context, subID string, data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Method != "eth_subscription" || msg.Params == nil || msg.Params.Subscription != subID {
		return
	}
	var tx pendingTx
	// Nodes without full-tx support send bare hashes; those are skipped.
	if err := json.Unmarshal(msg.Params.Result, &tx); err != nil || tx.To == nil {
		return
	}
	token, ok := MatchLaunch(*tx.To, tx.Input, m.cfg.Factory, m.cfg.Selector)
	if !ok {
		return
	}

	m.observer.Candidate(mempoolName)
	m.logger.Info("launch detected", zap.String("token", token.Hex()), zap.String("tx", tx.Hash))

	taskCtx := context.WithoutCancel(ctx)
	_, err := m.queue.Submit(func() error {
		return m.handle(taskCtx, token)
	})
	if errors.Is(err, eventqueue.ErrQueueFull) {
		m.logger.Warn("event queue full, launch dropped", zap.String("token", token.Hex()))
	} else if err != nil {
		m.logger.Warn("submit launch failed", zap.String("token", token.Hex()), zap.Error(err))
	}
}

// MatchLaunch reports whether a pending call to `to` with `input` is a token
// launch, returning the token taken from the last 20 bytes of the call data.
func MatchLaunch(to, input string, factory common.Address, selector string) (common.Address, bool) {
	if !common.IsHexAddress(to) || common.HexToAddress(to) != factory {
		return common.Address{}, false
	}
	input = strings.ToLower(input)
	selector = strings.ToLower(selector)
	if len(selector) != 10 || !strings.HasPrefix(input, selector) || len(input) < len(selector)+40 {
		return common.Address{}, false
	}
	tail := input[len(input)-40:]
	if !common.IsHexAddress(tail) {
		return common.Address{}, false
	}
	return common.HexToAddress(tail), true
}
