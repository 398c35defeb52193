package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedShutdown
	timeout    time.Duration
	logger     *Logger
}

type namedShutdown struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		shutdownFn: make([]namedShutdown, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedShutdown{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions in reverse order (LIFO).
// Functions registered later may depend on earlier ones, so they run one at a time.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	fns := g.shutdownFn
	g.shutdownFn = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown",
		Int("components", len(fns)),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i].fn(); err != nil {
				g.logger.Error("Shutdown function failed",
					String("component", fns[i].name),
					Err(err),
				)
				errs = append(errs, WrapError(err, fns[i].name))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err == nil {
			g.logger.Info("Graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
