// Package scanner watches the chain for trade opportunities: pending launch
// transactions from the mempool and confirmed bonding-curve trades.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/eventqueue"
)

// ErrReconnectExhausted stops a scanner after too many consecutive failures.
// It stays stopped until Run is called again.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrTokenInfoUnavailable fails a candidate whose market data could not be
// fetched in time. It is not retried.
var ErrTokenInfoUnavailable = errors.New("token info unavailable")

// State is the connection state of a scanner.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateDisconnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Backoff is the reconnect policy shared by both scanners.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s ... capped at 30s, giving up after 10
// consecutive failures.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		return b.Max
	}
	d := b.Base << shift
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// Observer records scanner activity. *metrics.Metrics satisfies it.
type Observer interface {
	Reconnect(scanner string)
	Candidate(scanner string)
	Evaluation(mode string, matched bool)
}

type nopObserver struct{}

func (nopObserver) Reconnect(string)        {}
func (nopObserver) Candidate(string)        {}
func (nopObserver) Evaluation(string, bool) {}

// Submitter admits work onto a bounded queue. *eventqueue.Queue satisfies it.
type Submitter interface {
	Submit(task eventqueue.Task) (<-chan error, error)
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
