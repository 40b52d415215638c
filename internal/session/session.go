// Package session assembles a running todocal instance from its config:
// the backend, the local cache, the coordinator that mutates it, and for
// long-running commands the realtime listener and the database watcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"todocal/backend"
	"todocal/backend/sqlite"
	"todocal/backend/supabase"
	"todocal/internal/cache"
	"todocal/internal/config"
	"todocal/internal/coordinator"
	"todocal/internal/credentials"
	"todocal/internal/realtime"
	"todocal/internal/utils"
	"todocal/internal/watcher"
)

// maxRecoveryDelay caps the wait between attempts to resubscribe after a gap
const maxRecoveryDelay = 30 * time.Second

// Option customizes Open
type Option func(*options)

type options struct {
	sessions      backend.SessionStore
	httpClient    *http.Client
	recoveryDelay time.Duration
}

// WithSessionStore replaces the keyring-backed session store
func WithSessionStore(store backend.SessionStore) Option {
	return func(o *options) { o.sessions = store }
}

// WithHTTPClient sets the client used for the Supabase REST and auth APIs
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRecoveryDelay sets the first wait before resubscribing after a gap
func WithRecoveryDelay(d time.Duration) Option {
	return func(o *options) { o.recoveryDelay = d }
}

// Session is one opened backend plus the state built on top of it
type Session struct {
	cfg         *config.Config
	backend     backend.Backend
	store       *cache.Store
	coordinator *coordinator.Coordinator
	recovery    time.Duration

	mu         sync.Mutex
	listener   *realtime.Listener
	watcher    *watcher.Watcher
	liveCtx    context.Context
	liveCancel context.CancelFunc
	recovering bool
	onEvent    func(backend.ChangeEvent)
	onStatus   func(string)
}

// Open creates the configured backend and resumes a persisted sign-in.
// A failed resume is logged and leaves the session signed out.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{recoveryDelay: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Backend == config.BackendSupabase && (cfg.Supabase.URL == "" || cfg.Supabase.AnonKey == "") {
		return nil, utils.ErrBackendNotConfigured(cfg.Backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.sessions == nil {
		var storeOpts []credentials.Option
		if cfg.Backend == config.BackendSupabase {
			storeOpts = append(storeOpts, credentials.WithEnvFallback())
		}
		o.sessions = credentials.NewSessionStore(cfg.Backend, storeOpts...)
	}

	b, err := newBackend(cfg, o)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		backend:  b,
		store:    cache.New(),
		recovery: o.recoveryDelay,
	}
	s.coordinator = coordinator.New(b, b, s.store)

	if user, err := b.Restore(ctx); err != nil {
		utils.Warnf("Could not resume the saved session: %v", err)
	} else if user != nil {
		utils.Debugf("resumed session for %s", user.Email)
	}
	return s, nil
}

// newBackend builds the backend named in cfg
func newBackend(cfg *config.Config, o options) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendSupabase:
		b, err := supabase.New(supabase.Config{
			URL:        cfg.Supabase.URL,
			AnonKey:    cfg.Supabase.AnonKey,
			Session:    o.sessions,
			HTTPClient: o.httpClient,
		})
		if err != nil {
			return nil, utils.WrapWithSuggestion(err, "Check supabase.url and supabase.anon_key in your config file")
		}
		return b, nil
	default:
		path := cfg.SQLite.Path
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		b, err := sqlite.New(path, sqlite.WithSessionStore(o.sessions))
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", path, err)
		}
		return b, nil
	}
}

// Config returns the configuration the session was opened with
func (s *Session) Config() *config.Config { return s.cfg }

// Backend returns the gateway, identity and feed in use
func (s *Session) Backend() backend.Backend { return s.backend }

// Store returns the local cache
func (s *Session) Store() *cache.Store { return s.store }

// Coordinator returns the mutation entry point
func (s *Session) Coordinator() *coordinator.Coordinator { return s.coordinator }

// User returns the signed-in user or nil
func (s *Session) User() *backend.User { return s.backend.CurrentUser() }

// BackendName returns "sqlite" or "supabase"
func (s *Session) BackendName() string { return s.cfg.Backend }

// Explain attaches a user-facing suggestion to err
func (s *Session) Explain(err error) error {
	return utils.Explain(s.cfg.Backend, err)
}

// =============================================================================
// Live updates
// =============================================================================

// LiveOption customizes StartLive
type LiveOption func(*Session)

// OnEvent is called after each realtime event has been merged
func OnEvent(fn func(backend.ChangeEvent)) LiveOption {
	return func(s *Session) { s.onEvent = fn }
}

// OnStatus receives short human-readable notices such as "reconnected"
func OnStatus(fn func(string)) LiveOption {
	return func(s *Session) { s.onStatus = fn }
}

// StartLive subscribes to the backend's change feed and, for a SQLite
// file, watches it for writes by other processes. Call it before the first
// load so no change between the fetch and the subscription is missed.
func (s *Session) StartLive(ctx context.Context, opts ...LiveOption) error {
	user := s.User()
	if user == nil {
		return backend.ErrNotSignedIn
	}

	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return realtime.ErrAlreadyStarted
	}
	for _, opt := range opts {
		opt(s)
	}
	liveCtx, cancel := context.WithCancel(ctx)
	s.liveCtx, s.liveCancel = liveCtx, cancel
	s.mu.Unlock()

	if s.cfg.Backend != config.BackendSupabase || s.cfg.IsRealtimeEnabled() {
		l := realtime.New(s.backend, s.store,
			realtime.WithFilter(backend.TableLists, backend.EqFilter("user_id", user.ID)),
			realtime.WithEventHook(s.eventHook),
			realtime.WithGapHook(s.gapHook),
		)
		if err := l.Start(liveCtx); err != nil {
			cancel()
			return fmt.Errorf("start realtime: %w", err)
		}
		s.mu.Lock()
		s.listener = l
		s.mu.Unlock()
	}

	if s.cfg.Backend == config.BackendSQLite && s.cfg.IsWatchEnabled() && s.cfg.SQLite.Path != ":memory:" {
		w, err := watcher.New(watcher.DefaultConfig(s.cfg.SQLite.Path, func() {
			if err := s.coordinator.Reload(liveCtx); err != nil {
				utils.Warnf("reload after database change: %v", err)
				return
			}
			s.status("reloaded after an external change")
		}))
		if err == nil {
			if err = w.Start(); err != nil {
				w.Stop()
			}
		}
		if err != nil {
			utils.Warnf("not watching %s: %v", s.cfg.SQLite.Path, err)
		} else {
			s.mu.Lock()
			s.watcher = w
			s.mu.Unlock()
		}
	}
	return nil
}

// StopLive ends the subscriptions and the watcher
func (s *Session) StopLive() error {
	s.mu.Lock()
	l, w, cancel := s.listener, s.watcher, s.liveCancel
	s.listener, s.watcher, s.liveCancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		w.Stop()
	}
	if l != nil {
		return l.Stop()
	}
	return nil
}

// Live reports whether realtime updates are running
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && s.listener.Running()
}

func (s *Session) eventHook(ev backend.ChangeEvent) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Session) status(msg string) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// gapHook runs on a listener goroutine when a subscription ends by itself.
// Events may have been missed, so recovery restarts the listener and
// reloads the range from the gateway.
func (s *Session) gapHook(table backend.Table, err error) {
	s.mu.Lock()
	if s.recovering || s.liveCtx == nil || s.liveCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	ctx := s.liveCtx
	s.mu.Unlock()

	utils.Warnf("realtime %s subscription lost: %v", table, err)
	s.status("connection lost, reconnecting")
	go s.recover(ctx)
}

func (s *Session) recover(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	delay := s.recovery
	for {
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l == nil {
			return
		}
		_ = l.Stop()

		if ctx.Err() != nil {
			return
		}
		err := l.Start(ctx)
		if err == nil {
			s.mu.Lock()
			current := s.listener == l
			s.mu.Unlock()
			if !current {
				// StopLive ran while we were resubscribing
				_ = l.Stop()
				return
			}
			if rerr := s.coordinator.Reload(ctx); rerr != nil {
				utils.Warnf("reload after reconnect: %v", rerr)
			}
			s.status("reconnected")
			return
		}
		utils.Warnf("resubscribe failed, retrying in %s: %v", delay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRecoveryDelay)
	}
}

// =============================================================================
// Identity
// =============================================================================

// SignIn signs in and reports failures with a suggestion
func (s *Session) SignIn(ctx context.Context, email, password string) (*backend.User, error) {
	user, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			return nil, utils.ErrAuthenticationFailed(s.cfg.Backend, err)
		}
		return nil, s.Explain(err)
	}
	return user, nil
}

// SignUp creates an account and signs in
func (s *Session) SignUp(ctx context.Context, email, password string) (*backend.User, error) {
	user, err := s.backend.SignUp(ctx, email, password)
	if err != nil {
		return nil, s.Explain(err)
	}
	return user, nil
}

// SignOut stops live updates, signs out and empties the cache
func (s *Session) SignOut(ctx context.Context) error {
	_ = s.StopLive()
	err := s.backend.SignOut(ctx)
	s.store.ReplaceAll(nil)
	return err
}

// Close stops live updates and releases the backend
func (s *Session) Close() error {
	return errors.Join(s.StopLive(), closeBackend(s.backend))
}

func closeBackend(b backend.Backend) error {
	if c, ok := b.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
