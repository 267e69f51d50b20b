// Package pricewatch implements the price trigger worker and the engine-side
// supervisor that talks to it over a message channel.
package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultInterval      = 500 * time.Millisecond
	DefaultBatchSize     = 20
	DefaultSaveDebounce  = 500 * time.Millisecond
	DefaultCleanupPeriod = 60 * time.Second
	DefaultIdleAfter     = 5 * time.Minute
	DefaultFreshFor      = 30 * time.Second
	DefaultLookupTimeout = 10 * time.Second
)

// PriceSource resolves a token's USD price.
type PriceSource interface {
	TokenUSDPrice(ctx context.Context, token common.Address) (float64, error)
}

// Observer receives worker counters. Implementations must not block.
type Observer interface {
	Trigger(kind string)
	TrackedTokens(n int)
}

// WorkerConfig tunes polling and housekeeping.
type WorkerConfig struct {
	Interval      time.Duration
	BatchSize     int
	SaveDebounce  time.Duration
	CleanupPeriod time.Duration
	IdleAfter     time.Duration
	FreshFor      time.Duration
	LookupTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = DefaultSaveDebounce
	}
	if c.CleanupPeriod <= 0 {
		c.CleanupPeriod = DefaultCleanupPeriod
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	if c.FreshFor <= 0 {
		c.FreshFor = DefaultFreshFor
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	return c
}

type tracked struct {
	listeners []*Listener
	price     PricePoint
	touched   time.Time
}

type priceResult struct {
	token string
	price float64
	at    time.Time
	// reply is set for get_price lookups.
	reply *uint64
}

// Worker owns all price polling and trigger state. Its state is only touched
// by the Run goroutine.
type Worker struct {
	cfg       WorkerConfig
	prices    PriceSource
	snapshots *SnapshotStore
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time

	tokens  map[string]*tracked
	order   []string
	rrIndex int
}

// NewWorker builds a worker. snapshots may be nil to disable persistence.
func NewWorker(cfg WorkerConfig, prices PriceSource, snapshots *SnapshotStore, observer Observer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:       cfg.withDefaults(),
		prices:    prices,
		snapshots: snapshots,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
		tokens:    make(map[string]*tracked),
	}
}

// Run restores the snapshot, announces ready and serves conn until it closes
// or ctx is cancelled. State is flushed to the snapshot on exit.
func (w *Worker) Run(ctx context.Context, conn Conn) error {
	if w.prices == nil {
		return fmt.Errorf("price source is nil")
	}
	w.restore()
	defer w.save()

	if err := conn.Send(Message{Type: TypeReady}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(w.cfg.CleanupPeriod)
	defer cleanup.Stop()

	var (
		saveTimer *time.Timer
		saveC     <-chan time.Time
		polling   bool
	)
	scheduleSave := func() {
		if saveC != nil {
			return
		}
		saveTimer = time.NewTimer(w.cfg.SaveDebounce)
		saveC = saveTimer.C
	}
	defer func() {
		if saveTimer != nil {
			saveTimer.Stop()
		}
	}()

	results := make(chan priceResult, 64)
	batchDone := make(chan []priceResult, 1)

	emit := func(msgs []Message) {
		for _, msg := range msgs {
			if w.observer != nil {
				w.observer.Trigger(string(msg.Listener.Kind))
			}
			w.logger.Info("listener triggered",
				zap.String("kind", string(msg.Listener.Kind)),
				zap.String("token", msg.Token),
				zap.String("listener", msg.Listener.ID),
				zap.Float64("price", msg.Price),
				zap.Float64("change_pct", msg.ChangePct),
			)
			if err := conn.Send(msg); err != nil {
				w.logger.Warn("send trigger failed", zap.Error(err))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-conn.Done():
			return nil

		case msg, ok := <-conn.Recv():
			if !ok {
				return nil
			}
			changed, lookup := w.handle(msg)
			if changed {
				scheduleSave()
			}
			if lookup != nil {
				go w.lookup(ctx, *lookup, results)
			} else if msg.Type == TypeGetPrice {
				w.replyPrice(conn, msg.ID, msg.Token)
			}
			if msg.Type == TypeStart && msg.IntervalMs > 0 {
				ticker.Reset(time.Duration(msg.IntervalMs) * time.Millisecond)
			}

		case <-ticker.C:
			if polling {
				continue
			}
			batch := w.nextBatch()
			if len(batch) == 0 {
				continue
			}
			polling = true
			go w.pollBatch(ctx, batch, batchDone)

		case batch := <-batchDone:
			polling = false
			fired, adopted := false, false
			for _, res := range batch {
				hits, changed := w.record(res)
				adopted = adopted || changed
				if len(hits) > 0 {
					fired = true
					emit(hits)
				}
			}
			if fired {
				w.dropTriggered()
			}
			if fired || adopted {
				scheduleSave()
			}

		case res := <-results:
			hits, adopted := w.record(res)
			if res.reply != nil {
				w.replyPrice(conn, *res.reply, res.token)
			}
			if len(hits) > 0 {
				emit(hits)
				w.dropTriggered()
			}
			if len(hits) > 0 || adopted {
				scheduleSave()
			}

		case <-saveC:
			saveC = nil
			w.save()

		case <-cleanup.C:
			if w.prune() {
				scheduleSave()
			}
		}
	}
}

type lookupRequest struct {
	token string
	id    uint64
}

// handle applies an inbound message. It reports whether persisted state
// changed and, for get_price without a fresh cached value, the lookup to run.
func (w *Worker) handle(msg Message) (bool, *lookupRequest) {
	switch msg.Type {
	case TypeStart:
		w.logger.Info("price worker started", zap.Int64("interval_ms", msg.IntervalMs))
	case TypeAddListener:
		return w.addListener(msg.Token, msg.Listener), nil
	case TypeRemoveListener:
		return w.removeListeners(msg.Token, msg.Filter), nil
	case TypeAddTokens:
		changed := false
		for _, token := range msg.Tokens {
			if w.track(token) != nil {
				changed = true
			}
		}
		return changed, nil
	case TypeGetPrice:
		token := NormalizeToken(msg.Token)
		if !common.IsHexAddress(token) {
			return false, nil
		}
		t := w.track(token)
		if w.fresh(t.price) {
			return false, nil
		}
		return false, &lookupRequest{token: token, id: msg.ID}
	case TypeUpdateGroup:
		return w.updateGroup(msg.Token, msg.GroupID, msg.Patch), nil
	default:
		w.logger.Debug("ignore worker message", zap.String("type", string(msg.Type)))
	}
	return false, nil
}

func (w *Worker) track(token string) *tracked {
	token = NormalizeToken(token)
	if !common.IsHexAddress(token) {
		w.logger.Warn("ignore invalid token", zap.String("token", token))
		return nil
	}
	t, ok := w.tokens[token]
	if !ok {
		t = &tracked{}
		w.tokens[token] = t
		w.order = append(w.order, token)
		w.reportTracked()
	}
	t.touched = w.now()
	return t
}

func (w *Worker) addListener(token string, l *Listener) bool {
	if l == nil {
		return false
	}
	if err := l.Validate(); err != nil {
		w.logger.Warn("reject listener", zap.String("token", token), zap.Error(err))
		return false
	}
	t := w.track(token)
	if t == nil {
		return false
	}
	l = l.Clone()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	t.listeners = append(t.listeners, l)
	w.logger.Info("listener added",
		zap.String("token", NormalizeToken(token)),
		zap.String("kind", string(l.Kind)),
		zap.String("listener", l.ID),
		zap.Int64("wallet", l.WalletID),
	)
	return true
}

func (w *Worker) removeListeners(token string, filter *ListenerFilter) bool {
	t, ok := w.tokens[NormalizeToken(token)]
	if !ok || filter.empty() {
		return false
	}
	kept := t.listeners[:0]
	for _, l := range t.listeners {
		if !filter.Match(l) {
			kept = append(kept, l)
		}
	}
	removed := len(t.listeners) - len(kept)
	t.listeners = kept
	return removed > 0
}

func (w *Worker) updateGroup(token, groupID string, patch *ListenerPatch) bool {
	t, ok := w.tokens[NormalizeToken(token)]
	if !ok || groupID == "" || patch == nil {
		return false
	}
	changed := false
	for _, l := range t.listeners {
		if l.GroupID == groupID {
			patch.Apply(l)
			changed = true
		}
	}
	return changed
}

func (w *Worker) fresh(p PricePoint) bool {
	if p.Price <= 0 {
		return false
	}
	return w.now().Sub(time.UnixMilli(p.UpdatedAt)) <= w.cfg.FreshFor
}

func (w *Worker) replyPrice(conn Conn, id uint64, token string) {
	token = NormalizeToken(token)
	reply := Message{Type: TypePrice, ID: id, Token: token}
	// A stale price answers 0, as does a failed lookup.
	if t, ok := w.tokens[token]; ok && w.fresh(t.price) {
		reply.Price = t.price.Price
		reply.UpdatedAt = t.price.UpdatedAt
	}
	if err := conn.Send(reply); err != nil {
		w.logger.Warn("send price failed", zap.Error(err))
	}
}

// nextBatch picks up to BatchSize tokens round-robin.
func (w *Worker) nextBatch() []string {
	n := len(w.order)
	if n == 0 {
		return nil
	}
	size := w.cfg.BatchSize
	if size > n {
		size = n
	}
	start := w.rrIndex % n
	batch := make([]string, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, w.order[(start+i)%n])
	}
	w.rrIndex = (start + size) % n
	return batch
}

func (w *Worker) pollBatch(ctx context.Context, batch []string, done chan<- []priceResult) {
	results := make([]priceResult, 0, len(batch))
	for _, token := range batch {
		price, err := w.fetch(ctx, token)
		if err != nil {
			w.logger.Debug("price poll failed", zap.String("token", token), zap.Error(err))
			continue
		}
		results = append(results, priceResult{token: token, price: price, at: w.now()})
	}
	select {
	case done <- results:
	case <-ctx.Done():
	}
}

func (w *Worker) lookup(ctx context.Context, req lookupRequest, results chan<- priceResult) {
	price, err := w.fetch(ctx, req.token)
	if err != nil {
		w.logger.Debug("price lookup failed", zap.String("token", req.token), zap.Error(err))
	}
	id := req.id
	select {
	case results <- priceResult{token: req.token, price: price, at: w.now(), reply: &id}:
	case <-ctx.Done():
	}
}

func (w *Worker) fetch(ctx context.Context, token string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.LookupTimeout)
	defer cancel()
	price, err := w.prices.TokenUSDPrice(ctx, common.HexToAddress(token))
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, errors.New("no price")
	}
	return price, nil
}

// record stores a polled price and evaluates the token's listeners. It also
// reports whether a limit listener adopted the price as its reference, which
// must reach the snapshot.
func (w *Worker) record(res priceResult) ([]Message, bool) {
	if res.price <= 0 {
		return nil, false
	}
	t, ok := w.tokens[res.token]
	if !ok {
		// pruned while the lookup was in flight
		return nil, false
	}
	t.price = PricePoint{Price: res.price, UpdatedAt: res.at.UnixMilli()}
	adopted := adoptInitial(res.price, t.listeners)
	return evaluate(res.token, res.price, t.listeners), adopted
}

// dropTriggered removes fired listeners and forgets tokens left with none.
func (w *Worker) dropTriggered() {
	for token, t := range w.tokens {
		if len(t.listeners) == 0 {
			continue
		}
		kept := t.listeners[:0]
		for _, l := range t.listeners {
			if !l.Triggered {
				kept = append(kept, l)
			}
		}
		t.listeners = kept
		if len(kept) == 0 {
			w.forget(token)
		}
	}
}

// prune forgets idle tokens and stale prices. A token is idle when it has no
// armed listener and nothing asked about it within IdleAfter.
func (w *Worker) prune() bool {
	now := w.now()
	changed := false
	for token, t := range w.tokens {
		armed := false
		for _, l := range t.listeners {
			if l.Armed() {
				armed = true
				break
			}
		}
		if !armed && now.Sub(t.touched) > w.cfg.IdleAfter {
			w.forget(token)
			changed = true
			continue
		}
		if t.price.UpdatedAt > 0 && now.Sub(time.UnixMilli(t.price.UpdatedAt)) > w.cfg.IdleAfter {
			t.price = PricePoint{}
			changed = true
		}
	}
	return changed
}

func (w *Worker) forget(token string) {
	delete(w.tokens, token)
	for i, tok := range w.order {
		if tok == token {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.reportTracked()
}

func (w *Worker) reportTracked() {
	if w.observer != nil {
		w.observer.TrackedTokens(len(w.tokens))
	}
}

func (w *Worker) state() State {
	st := State{Prices: make(map[string]PricePoint)}
	for token, t := range w.tokens {
		if t.price.Price > 0 {
			st.Prices[token] = t.price
		}
		st.Tokens = append(st.Tokens, TokenState{Token: token, Listeners: t.listeners})
	}
	return st
}

func (w *Worker) save() {
	if err := w.snapshots.Save(w.state()); err != nil {
		w.logger.Warn("save snapshot failed", zap.Error(err))
	}
}

func (w *Worker) restore() {
	st, ok, err := w.snapshots.Load()
	if err != nil {
		w.logger.Warn("load snapshot failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	restored := 0
	for _, ts := range st.Tokens {
		t := w.track(ts.Token)
		if t == nil {
			continue
		}
		for _, l := range ts.Listeners {
			if l == nil || l.Triggered || l.Validate() != nil {
				continue
			}
			t.listeners = append(t.listeners, l)
			restored++
		}
	}
	for token, p := range st.Prices {
		if t, ok := w.tokens[NormalizeToken(token)]; ok {
			t.price = p
		}
	}
	w.logger.Info("snapshot restored", zap.Int("tokens", len(w.tokens)), zap.Int("listeners", restored))
}
