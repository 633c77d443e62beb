// Package token manages the short-lived WebSocket authentication token.
//
// A token is obtained from the REST API and must be used within ~15 minutes
// of issue, but does not expire while a private connection stays up. The
// manager therefore refreshes proactively only while disconnected, and
// replaces the token by pointer swap so order submission never blocks on a
// refresh in flight.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RESTClient is the REST collaborator that issues WebSocket tokens.
type RESTClient interface {
	GetWebSocketsToken(ctx context.Context) (string, error)
}

// AuthError wraps a token acquisition or refresh failure. Callers degrade to
// public-only mode on it instead of crashing.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthToken is an immutable issued token. Refresh replaces the whole value,
// never mutates it.
type AuthToken struct {
	Value    string
	IssuedAt time.Time
}

// Age returns how long ago the token was issued.
func (t AuthToken) Age(now time.Time) time.Duration {
	return now.Sub(t.IssuedAt)
}

// Config controls refresh policy.
type Config struct {
	// RefreshThreshold is the age past which an unused token is refreshed
	// while no private connection is live.
	RefreshThreshold time.Duration

	// CheckInterval is the cadence of the background age check.
	CheckInterval time.Duration
}

// DefaultConfig matches the exchange's 15-minute unused-token expiry with
// headroom.
func DefaultConfig() Config {
	return Config{
		RefreshThreshold: 12 * time.Minute,
		CheckInterval:    5 * time.Minute,
	}
}

// Manager owns the current AuthToken.
type Manager struct {
	rest   RESTClient
	cfg    Config
	logger *slog.Logger

	current   atomic.Pointer[AuthToken]
	connected atomic.Bool // private socket currently Live

	// Serializes REST fetches; readers never take this.
	fetchMu sync.Mutex

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager backed by the given REST client.
func NewManager(rest RESTClient, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshThreshold == 0 {
		cfg.RefreshThreshold = DefaultConfig().RefreshThreshold
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}

	m := &Manager{
		rest:   rest,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns the current token, fetching one if none is held. Concurrent
// first callers make a single REST call between them.
func (m *Manager) Token(ctx context.Context) (AuthToken, error) {
	if tok := m.current.Load(); tok != nil {
		return *tok, nil
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()
	// Another caller may have fetched while we waited for the lock.
	if tok := m.current.Load(); tok != nil {
		return *tok, nil
	}
	return m.fetchLocked(ctx)
}

// Current returns the held token without any I/O. The read is lock-free; a
// concurrent refresh swaps the pointer underneath without blocking us.
func (m *Manager) Current() (AuthToken, bool) {
	tok := m.current.Load()
	if tok == nil {
		return AuthToken{}, false
	}
	return *tok, true
}

// Refresh unconditionally fetches a new token. On failure the previous token
// is kept; an established connection stays authenticated with it.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.fetch(ctx)
	return err
}

// RefreshIfStale refreshes when the token is older than threshold and no
// private connection is live. Returns whether a refresh was performed.
func (m *Manager) RefreshIfStale(ctx context.Context, threshold time.Duration) (bool, error) {
	tok := m.current.Load()
	if tok == nil {
		return false, nil
	}
	if m.connected.Load() {
		// Tokens do not expire on active connections.
		return false, nil
	}
	age := tok.Age(m.now())
	if age <= threshold {
		return false, nil
	}

	m.logger.Info("token stale while disconnected, refreshing",
		"age", age.Round(time.Second),
		"threshold", threshold,
	)
	if err := m.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate drops the held token so the next Token call fetches a new one.
// Used after the exchange rejects the token outright.
func (m *Manager) Invalidate() {
	m.current.Store(nil)
}

// SetConnected records whether a private connection is live. While live,
// background refresh is suppressed.
func (m *Manager) SetConnected(connected bool) {
	m.connected.Store(connected)
}

// Run performs periodic age checks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshed, err := m.RefreshIfStale(ctx, m.cfg.RefreshThreshold)
			if err != nil {
				// Keep the old token; refresh will be retried next tick.
				m.logger.Warn("proactive token refresh failed", "error", err)
			} else if refreshed {
				m.logger.Debug("token refreshed proactively")
			}
		}
	}
}

// fetch calls the REST collaborator and swaps in the new token.
func (m *Manager) fetch(ctx context.Context) (AuthToken, error) {
	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()
	return m.fetchLocked(ctx)
}

// fetchLocked requires fetchMu to be held.
func (m *Manager) fetchLocked(ctx context.Context) (AuthToken, error) {
	value, err := m.rest.GetWebSocketsToken(ctx)
	if err != nil {
		return AuthToken{}, &AuthError{Op: "get_token", Err: err}
	}

	tok := AuthToken{Value: value, IssuedAt: m.now()}
	m.current.Store(&tok)
	m.logger.Info("websocket token obtained")
	return tok, nil
}
