// Package server holds the process lifecycle pieces shared by the
// silvermill binaries: ordered graceful shutdown and the admin HTTP
// endpoint.
package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Hook is a named shutdown step. Hooks run LIFO so resources close in
// reverse dependency order: HTTP first, then the pipeline, then the
// catalog under it.
type Hook struct {
	Name  string
	Close func(ctx context.Context) error
}

// ShutdownManager coordinates signal handling and ordered teardown.
type ShutdownManager struct {
	timeout time.Duration

	mu    sync.Mutex
	hooks []Hook
	once  sync.Once
	done  chan struct{}
}

// NewShutdownManager creates a manager with the given overall teardown
// timeout.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown hook. Hooks run in reverse registration order.
func (sm *ShutdownManager) Register(name string, close func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, Hook{Name: name, Close: close})
}

// Done is closed once shutdown has started.
func (sm *ShutdownManager) Done() <-chan struct{} { return sm.done }

// Wait blocks until SIGTERM, SIGINT, or ctx cancellation, then runs the
// hooks. It returns the first hook error.
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("server: received signal %v, shutting down", sig)
	case <-ctx.Done():
		log.Printf("server: context cancelled, shutting down")
	}

	return sm.Shutdown()
}

// Shutdown runs the hooks once, newest first, under the teardown timeout.
func (sm *ShutdownManager) Shutdown() error {
	var firstErr error

	sm.once.Do(func() {
		close(sm.done)

		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()

		sm.mu.Lock()
		hooks := make([]Hook, len(sm.hooks))
		copy(hooks, sm.hooks)
		sm.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.Close(ctx); err != nil {
				log.Printf("server: shutdown hook %s failed: %v", h.Name, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("shutdown hook %s: %w", h.Name, err)
				}
				continue
			}
			log.Printf("server: %s closed", h.Name)
		}
	})

	return firstErr
}
