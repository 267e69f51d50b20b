package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/eventqueue"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/notify"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/trade"
)

type fakeInfo struct {
	snap model.TokenSnapshot
	err  error
}

func (f *fakeInfo) Fetch(_ context.Context, token string) (model.TokenSnapshot, error) {
	snap := f.snap
	snap.Address = token
	return snap, f.err
}

type fakeBuyer struct {
	mu   sync.Mutex
	reqs []trade.BuyRequest
	err  error
}

func (b *fakeBuyer) Buy(_ context.Context, req trade.BuyRequest) (trade.BuyResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return trade.BuyResult{}, b.err
}

func (b *fakeBuyer) requests() []trade.BuyRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]trade.BuyRequest(nil), b.reqs...)
}

type limitCall struct {
	walletID int64
	token    string
	price    float64
}

type fakeLimits struct {
	mu    sync.Mutex
	calls []limitCall
}

func (l *fakeLimits) AddLimitListener(_ context.Context, w model.Wallet, token string, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, limitCall{walletID: w.ID, token: token, price: price})
	return nil
}

type fakePrices struct{ price float64 }

func (p fakePrices) TokenUSDPrice(context.Context, common.Address) (float64, error) {
	return p.price, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// capturingQueue holds tasks instead of running them.
type capturingQueue struct {
	mu    sync.Mutex
	tasks []eventqueue.Task
	added chan struct{}
}

func newCapturingQueue() *capturingQueue {
	return &capturingQueue{added: make(chan struct{}, 16)}
}

func (q *capturingQueue) Submit(task eventqueue.Task) (<-chan error, error) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	q.added <- struct{}{}
	done := make(chan error, 1)
	done <- nil
	return done, nil
}

func (q *capturingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, b.Delay(100))
	assert.Equal(t, time.Second, b.Delay(0))
}

func TestTTLSet(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newTTLSet(time.Second)
	s.now = func() time.Time { return now }

	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Has("a"))

	now = now.Add(999 * time.Millisecond)
	assert.False(t, s.Add("a"))

	now = now.Add(time.Millisecond)
	assert.False(t, s.Has("a"))
	assert.True(t, s.Add("a"))
	assert.Equal(t, 1, s.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "idle", State(42).String())
}
