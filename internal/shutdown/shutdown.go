// Package shutdown coordinates stopping a long-running command (watch, tui):
// a signal or an explicit call cancels the shared context, then registered
// cleanups run in reverse order of registration.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"todocal/internal/utils"
)

// CleanupFunc is a function that performs cleanup on shutdown.
// It receives a context that will be cancelled when the shutdown times out.
type CleanupFunc func(ctx context.Context) error

// cleanupEntry holds a registered cleanup function with its name.
type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu         sync.Mutex
	cleanups   []cleanupEntry
	shutdown   bool
	signal     os.Signal
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	waitOnce   sync.Once
	waitErr    error
	stopNotify func()
}

// NewManager creates a new shutdown manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		stopNotify: func() {},
	}
}

// NotifySignals starts shutdown on SIGINT or SIGTERM (or the given signals).
func (m *Manager) NotifySignals(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	stop := make(chan struct{})
	var stopOnce sync.Once
	m.mu.Lock()
	m.stopNotify = func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(stop)
		})
	}
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-ch:
			utils.Debugf("received %s, shutting down", sig)
			m.mu.Lock()
			m.signal = sig
			m.mu.Unlock()
			m.Shutdown()
		case <-stop:
		}
	}()
}

// RegisterCleanup registers a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order (last registered, first called).
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates a graceful shutdown.
// Safe to call multiple times; only the first call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()

		// Cancel the context to signal operations to stop
		m.cancel()
		close(m.shutdownCh)
	})
}

// Done is closed when shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}

// Signal returns the signal that started the shutdown, or nil.
func (m *Manager) Signal() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal
}

// runCleanups executes all cleanup functions in LIFO order.
func (m *Manager) runCleanups(ctx context.Context) error {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			utils.Warnf("cleanup %s: %v", cleanups[i].name, err)
			errs = append(errs, fmt.Errorf("%s: %w", cleanups[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Wait runs the cleanups once and returns their joined errors, or ctx's
// error if they do not finish in time. It also releases signal handling.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	stopNotify := m.stopNotify
	m.mu.Unlock()
	stopNotify()
	m.Shutdown()

	done := make(chan struct{})
	go func() {
		m.waitOnce.Do(func() { m.waitErr = m.runCleanups(ctx) })
		close(done)
	}()

	select {
	case <-done:
		return m.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns true if shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context that is cancelled when shutdown is initiated.
// Use this to make operations interruptible.
func (m *Manager) Context() context.Context {
	return m.ctx
}
