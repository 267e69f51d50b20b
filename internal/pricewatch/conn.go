package pricewatch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrConnClosed is returned by Send after the connection is gone.
	ErrConnClosed = errors.New("worker connection closed")
	// ErrEncode is returned by Send for a message that cannot be marshalled.
	// The connection stays usable.
	ErrEncode = errors.New("encode worker message")
)

const maxMessageSize = 4 << 20

// Conn is an ordered, bidirectional message channel between the engine and
// the worker.
type Conn interface {
	Send(msg Message) error
	// Recv yields inbound messages and is closed when the peer goes away.
	Recv() <-chan Message
	// Done is closed once the connection has terminated.
	Done() <-chan struct{}
	Close() error
}

// StreamConn speaks newline-delimited JSON over a reader/writer pair.
type StreamConn struct {
	w      io.Writer
	closer io.Closer
	logger *zap.Logger

	writeMu sync.Mutex
	recv    chan Message
	done    chan struct{}
	once    sync.Once
}

// NewStreamConn starts reading r immediately. closer, if set, is closed by
// Close and should unblock the reader.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer, logger *zap.Logger) *StreamConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &StreamConn{
		w:      w,
		closer: closer,
		logger: logger,
		recv:   make(chan Message, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *StreamConn) readLoop(r io.Reader) {
	defer close(c.recv)
	defer c.markDone()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("drop malformed worker message", zap.Error(err))
			continue
		}
		if msg.Type == "" {
			continue
		}
		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debug("worker stream ended", zap.Error(err))
	}
}

func (c *StreamConn) markDone() {
	c.once.Do(func() { close(c.done) })
}

// Send writes one message as a single line.
func (c *StreamConn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrEncode, msg.Type, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *StreamConn) Recv() <-chan Message { return c.recv }

func (c *StreamConn) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Safe to call more than once.
func (c *StreamConn) Close() error {
	c.markDone()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pipe returns two connected in-memory conns. Closing either end terminates
// both.
func Pipe(logger *zap.Logger) (engine, worker *StreamConn) {
	toWorkerR, toWorkerW := io.Pipe()
	toEngineR, toEngineW := io.Pipe()

	engine = NewStreamConn(toEngineR, toWorkerW, closers{toWorkerW, toEngineR}, logger)
	worker = NewStreamConn(toWorkerR, toEngineW, closers{toEngineW, toWorkerR}, logger)
	return engine, worker
}
