// Package tasks runs tracked background goroutines that outlive the request
// that started them.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type Func func(ctx context.Context) error

type Runner struct {
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running int
}

func NewRunner(logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run starts fn on its own goroutine. Errors and panics are logged, never
// returned: nobody is left to receive them.
func (r *Runner) Run(name string, fn Func) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("task runner closed, cannot start %s", name)
	}
	r.running++
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.mu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", p))
			}
		}()

		if err := fn(r.ctx); err != nil {
			r.logger.Error("Background task failed",
				zap.String("task", name),
				zap.Error(err))
		}
	}()

	return nil
}

// Running is the number of tasks that have not returned yet.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Shutdown refuses new tasks, cancels the shared context and waits for the
// running ones until ctx expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %w", ctx.Err())
	}
}
