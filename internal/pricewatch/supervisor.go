package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPriceTimeout = 1500 * time.Millisecond
	maxRestartDelay     = 30 * time.Second
	maxRestartExponent  = 6
)

// Spawner starts a worker and returns the engine end of its channel.
type Spawner interface {
	Spawn(ctx context.Context) (Conn, error)
}

// HitHandler is invoked for every limit/tp/sl message. It runs on its own
// goroutine.
type HitHandler func(ctx context.Context, msg Message)

// RestartObserver counts worker restarts.
type RestartObserver interface {
	WorkerRestart()
}

// SupervisorConfig configures the engine side of the worker channel.
type SupervisorConfig struct {
	Interval     time.Duration
	PriceTimeout time.Duration
	OnHit        HitHandler
	Observer     RestartObserver
}

// Supervisor owns the worker channel: it spawns the worker, buffers messages
// while it is down, restarts it with backoff and correlates price requests.
type Supervisor struct {
	spawner Spawner
	cfg     SupervisorConfig
	logger  *zap.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	conn     Conn
	writer   *connWriter
	ready    bool
	outbox   []Message
	pending  map[uint64]chan float64
	attempts int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(spawner Spawner, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = DefaultPriceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		spawner: spawner,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]chan float64),
		sleep:   sleepCtx,
	}
}

// RestartDelay is the wait before restart number attempt (zero based).
func RestartDelay(attempt int) time.Duration {
	if attempt > maxRestartExponent {
		attempt = maxRestartExponent
	}
	d := time.Second << uint(attempt)
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}

// Run keeps a worker alive until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.spawner == nil {
		return fmt.Errorf("worker spawner is nil")
	}
	for {
		conn, err := s.spawner.Spawn(ctx)
		if err != nil {
			s.logger.Error("spawn price worker failed", zap.Error(err))
		} else {
			s.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		delay := RestartDelay(s.attempts)
		s.attempts++
		s.mu.Unlock()

		if s.cfg.Observer != nil {
			s.cfg.Observer.WorkerRestart()
		}
		s.logger.Warn("price worker unavailable, restarting", zap.Duration("delay", delay))
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) serve(ctx context.Context, conn Conn) {
	w := newConnWriter(conn, s.logger)
	stop := make(chan struct{})
	unsent := make(chan []Message, 1)
	go func() { unsent <- w.run(stop, s.abandoned) }()

	s.mu.Lock()
	s.conn = conn
	s.writer = w
	s.ready = false
	s.mu.Unlock()

	defer func() {
		close(stop)
		_ = conn.Close()
		s.detach(conn, <-unsent)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case msg, ok := <-conn.Recv():
			if !ok {
				return
			}
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeReady:
		s.onReady()
	case TypePrice:
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if ok {
			ch <- msg.Price
		}
	case TypeLimitHit, TypeTPHit, TypeSLHit:
		if msg.Listener == nil || s.cfg.OnHit == nil {
			return
		}
		go s.cfg.OnHit(ctx, msg)
	default:
		s.logger.Debug("ignore worker message", zap.String("type", string(msg.Type)))
	}
}

// onReady hands start and the outbox to the writer. Nothing here blocks on
// the worker, so the serve loop keeps draining replies.
func (s *Supervisor) onReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}

	queued := make([]Message, 0, len(s.outbox)+1)
	queued = append(queued, Message{Type: TypeStart, IntervalMs: s.cfg.Interval.Milliseconds()})
	for _, msg := range s.outbox {
		if !s.abandonedLocked(msg) {
			queued = append(queued, msg)
		}
	}
	if !s.writer.push(queued...) {
		return
	}
	s.outbox = nil
	s.ready = true
	s.attempts = 0
	s.logger.Info("price worker ready", zap.Int("flushed", len(queued)-1))
}

// detach forgets conn and fails every outstanding price request with 0.
// Messages its writer never delivered go back to the outbox.
func (s *Supervisor) detach(conn Conn, unsent []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.writer = nil
		s.ready = false
	}
	for id, ch := range s.pending {
		ch <- 0
		delete(s.pending, id)
	}

	// start is resent on the next ready and every price request just failed.
	kept := make([]Message, 0, len(unsent)+len(s.outbox))
	for _, msg := range unsent {
		if msg.Type != TypeStart && msg.Type != TypeGetPrice {
			kept = append(kept, msg)
		}
	}
	s.outbox = append(kept, s.outbox...)
}

// abandoned reports a price request whose caller has stopped waiting.
func (s *Supervisor) abandoned(msg Message) bool {
	if msg.Type != TypeGetPrice {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandonedLocked(msg)
}

func (s *Supervisor) abandonedLocked(msg Message) bool {
	if msg.Type != TypeGetPrice {
		return false
	}
	_, waiting := s.pending[msg.ID]
	return !waiting
}

// Send delivers msg to the worker, or queues it until the worker is ready.
// It never blocks on the worker.
func (s *Supervisor) Send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil && s.ready && s.writer.push(msg) {
		return
	}
	s.outbox = append(s.outbox, msg)
}

// Price asks the worker for a token price. It returns 0 on timeout or when the
// worker goes away before answering.
func (s *Supervisor) Price(ctx context.Context, token string) float64 {
	id := s.nextID.Add(1)
	ch := make(chan float64, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	s.Send(Message{Type: TypeGetPrice, Token: NormalizeToken(token), ID: id})

	timer := time.NewTimer(s.cfg.PriceTimeout)
	defer timer.Stop()
	select {
	case price := <-ch:
		return price
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.dropQueuedRequest(id)
	s.mu.Unlock()
	return 0
}

func (s *Supervisor) dropQueuedRequest(id uint64) {
	for i, msg := range s.outbox {
		if msg.Type == TypeGetPrice && msg.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return
		}
	}
}

// AddListener registers l on token.
func (s *Supervisor) AddListener(token string, l *Listener) {
	s.Send(Message{Type: TypeAddListener, Token: NormalizeToken(token), Listener: l})
}

// RemoveListeners drops every listener on token selected by filter.
func (s *Supervisor) RemoveListeners(token string, filter ListenerFilter) {
	s.Send(Message{Type: TypeRemoveListener, Token: NormalizeToken(token), Filter: &filter})
}

// UpdateGroup patches every listener of groupID on token.
func (s *Supervisor) UpdateGroup(token, groupID string, patch ListenerPatch) {
	s.Send(Message{Type: TypeUpdateGroup, Token: NormalizeToken(token), GroupID: groupID, Patch: &patch})
}

// Track asks the worker to poll tokens without attaching listeners.
func (s *Supervisor) Track(tokens ...string) {
	normalized := make([]string, 0, len(tokens))
	for _, t := range tokens {
		normalized = append(normalized, NormalizeToken(t))
	}
	s.Send(Message{Type: TypeAddTokens, Tokens: normalized})
}

// connWriter is the only goroutine writing to a worker conn. push never blocks,
// so callers holding the supervisor lock cannot stall behind a slow worker.
type connWriter struct {
	conn   Conn
	logger *zap.Logger

	mu     sync.Mutex
	queue  []Message
	closed bool
	wake   chan struct{}
}

func newConnWriter(conn Conn, logger *zap.Logger) *connWriter {
	return &connWriter{conn: conn, logger: logger, wake: make(chan struct{}, 1)}
}

// push appends msgs in order. It reports false once the writer has stopped.
func (w *connWriter) push(msgs ...Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, msgs...)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// run writes queued messages until stop is closed or the conn fails, skipping
// those skip rejects. It returns what was never written.
func (w *connWriter) run(stop <-chan struct{}, skip func(Message) bool) []Message {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for i, msg := range batch {
			if skip(msg) {
				continue
			}
			err := w.conn.Send(msg)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrEncode) {
				w.logger.Warn("drop unencodable worker message", zap.String("type", string(msg.Type)), zap.Error(err))
				continue
			}
			w.logger.Warn("worker write failed", zap.String("type", string(msg.Type)), zap.Error(err))
			_ = w.conn.Close()
			return w.close(batch[i:])
		}

		select {
		case <-w.wake:
		case <-stop:
			return w.close(nil)
		}
	}
}

func (w *connWriter) close(unsent []Message) []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	rest := make([]Message, 0, len(unsent)+len(w.queue))
	rest = append(rest, unsent...)
	rest = append(rest, w.queue...)
	w.queue = nil
	return rest
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
