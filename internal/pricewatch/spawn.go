package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// InlineSpawner runs the worker on a goroutine behind an in-memory pipe.
type InlineSpawner struct {
	NewWorker func() *Worker
	Logger    *zap.Logger
}

func (s InlineSpawner) Spawn(ctx context.Context) (Conn, error) {
	if s.NewWorker == nil {
		return nil, fmt.Errorf("worker factory is nil")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, worker := Pipe(logger)
	w := s.NewWorker()
	go func() {
		defer worker.Close()
		if err := w.Run(ctx, worker); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("inline price worker stopped", zap.Error(err))
		}
	}()
	return engine, nil
}

// ProcessSpawner starts the worker as a child process that speaks the message
// protocol on its stdin and stdout. Its stderr is inherited.
type ProcessSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Logger *zap.Logger
}

func (s ProcessSpawner) Spawn(ctx context.Context) (Conn, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	logger.Info("price worker process started", zap.Int("pid", cmd.Process.Pid))

	return NewStreamConn(stdout, stdin, &process{cmd: cmd, stdin: stdin, logger: logger}, logger), nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  interface{ Close() error }
	logger *zap.Logger
	once   sync.Once
}

// Close ends the child: closing stdin lets it flush its snapshot and exit.
func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		err := p.cmd.Wait()
		p.logger.Info("price worker process exited", zap.Error(err))
	})
	return nil
}
