// Package notify delivers fire-and-forget account notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind classifies a notification.
type Kind string

const (
	KindBuySuccess          Kind = "buy_success"
	KindBuyFailed           Kind = "buy_failed"
	KindSellSuccess         Kind = "sell_success"
	KindSellFailed          Kind = "sell_failed"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindLimitRegistered     Kind = "limit_registered"
	KindSweepBought         Kind = "sweep_bought"
)

// Notification is one outbound message for an account.
type Notification struct {
	AccountID int64
	Kind      Kind
	Text      string
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(n Notification)
}

// Sender performs the actual delivery.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

const (
	defaultBufferSize  = 256
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher queues notifications for a single background sender goroutine.
// When the buffer is full new notifications are dropped.
type Dispatcher struct {
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration

	ch       chan Notification
	done     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher starts the delivery goroutine. Call Close to drain and stop it.
func NewDispatcher(sender Sender, bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sender:  sender,
		logger:  logger,
		timeout: defaultSendTimeout,
		ch:      make(chan Notification, bufferSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(n Notification) {
	defer func() {
		// send on closed channel after Close
		if recover() != nil {
			d.logger.Debug("notification after close dropped", zap.Int64("account", n.AccountID))
		}
	}()
	select {
	case d.ch <- n:
	default:
		d.logger.Warn("notification buffer full, dropping",
			zap.Int64("account", n.AccountID),
			zap.String("kind", string(n.Kind)),
		)
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.ch) })
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for n := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.Int64("account", n.AccountID),
				zap.String("kind", string(n.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// LogSender writes notifications to the logger. Used when no bot token is set.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.Int64("account", n.AccountID),
		zap.String("kind", string(n.Kind)),
		zap.String("text", n.Text),
	)
	return nil
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(Notification) {}
