// Package auth keeps the broker session valid: it performs the login
// handshake, persists the resulting token and hands fresh tokens to callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/notify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Authenticator performs the broker's full login handshake.
type Authenticator interface {
	Authenticate(ctx context.Context) (models.SessionToken, error)
}

type Config struct {
	// ValidityWindow is how long a token is trusted after it was issued.
	ValidityWindow time.Duration
	// RefreshMargin makes Current refresh this long before the window ends.
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ValidityWindow: 20 * time.Hour,
		RefreshMargin:  30 * time.Minute,
		RefreshTimeout: 90 * time.Second,
	}
}

type Manager struct {
	authenticator Authenticator
	store         Store
	notifier      notify.Notifier
	cfg           Config
	logger        *logrus.Logger
	now           func() time.Time

	group      singleflight.Group
	refreshing atomic.Bool

	mu          sync.RWMutex
	cached      *models.SessionToken
	invalidated string
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(authenticator Authenticator, store Store, notifier notify.Notifier, cfg Config, logger *logrus.Logger, opts ...ManagerOption) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	m := &Manager{
		authenticator: authenticator,
		store:         store,
		notifier:      notifier,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsValid reports whether token is non-empty and within its validity
// window. It has no side effects.
func (m *Manager) IsValid(token models.SessionToken) bool {
	if token.Token == "" {
		return false
	}
	age := token.Age(m.now())
	return age >= 0 && age <= m.cfg.ValidityWindow
}

func (m *Manager) fresh(token models.SessionToken) bool {
	if !m.IsValid(token) || m.isInvalidated(token) {
		return false
	}
	return token.Age(m.now()) <= m.cfg.ValidityWindow-m.cfg.RefreshMargin
}

func (m *Manager) cachedFresh() (models.SessionToken, bool) {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()
	if cached == nil || !m.fresh(*cached) {
		return models.SessionToken{}, false
	}
	return *cached, true
}

func (m *Manager) isInvalidated(token models.SessionToken) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.invalidated != "" && m.invalidated == token.Token
}

// Refresh runs the login handshake and replaces the stored token. Callers
// arriving while a refresh is in flight share its result. A cancelled
// caller stops waiting but does not abort the shared handshake.
func (m *Manager) Refresh(ctx context.Context) (models.SessionToken, error) {
	return m.sharedRefresh(ctx, true)
}

// sharedRefresh without force skips the handshake when a refresh that
// finished after the caller looked has already left a fresh token.
func (m *Manager) sharedRefresh(ctx context.Context, force bool) (models.SessionToken, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		if !force {
			if token, ok := m.cachedFresh(); ok {
				return token, nil
			}
		}
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.SessionToken{}, res.Err
		}
		return res.Val.(models.SessionToken), nil
	case <-ctx.Done():
		return models.SessionToken{}, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) (models.SessionToken, error) {
	start := m.now()
	m.logger.Info("Refreshing broker session")

	token, err := m.authenticator.Authenticate(ctx)
	if err != nil {
		var ae *AuthError
		if !errors.As(err, &ae) {
			ae = NewError(KindNetwork, "", err)
			if errors.Is(err, context.DeadlineExceeded) {
				ae.Step = "timeout"
			}
		}
		m.escalate(ae)
		return models.SessionToken{}, ae
	}

	now := m.now()
	if token.IssuedAt.IsZero() {
		token.IssuedAt = now
	}
	token.RefreshedAt = now

	if err := m.store.Save(ctx, token); err != nil {
		ae := NewError(KindStore, "save", err)
		m.escalate(ae)
		return models.SessionToken{}, ae
	}

	m.mu.Lock()
	m.cached = &token
	m.invalidated = ""
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"user_id":  token.UserID,
		"duration": m.now().Sub(start).String(),
	}).Info("Broker session refreshed")
	m.notifier.Notify(notify.Message{
		Level: notify.LevelInfo,
		Title: "Broker session refreshed",
		Text:  fmt.Sprintf("user %s", token.UserID),
		At:    now,
	})
	return token, nil
}

func (m *Manager) escalate(err *AuthError) {
	m.logger.WithError(err).WithField("kind", err.Kind).Error("Broker session refresh failed")
	m.notifier.Notify(notify.Message{
		Level: notify.LevelCritical,
		Title: "Broker login failed: " + string(err.Kind),
		Text:  err.Error(),
		At:    m.now(),
	})
}

// Current returns a token that is fresh enough to use, refreshing first when
// the known token is close to the end of its window, has been invalidated,
// or a refresh is already running. When a refresh fails but the previous
// token is still inside its window, that token is returned.
func (m *Manager) Current(ctx context.Context) (models.SessionToken, error) {
	if m.refreshing.Load() {
		return m.sharedRefresh(ctx, false)
	}

	if token, ok := m.cachedFresh(); ok {
		return token, nil
	}

	// Another process may have refreshed the store.
	stored, err := m.store.Load(ctx)
	switch {
	case err == nil:
		m.mu.Lock()
		// Never trade a token refreshed meanwhile for an older stored one.
		if m.cached == nil || !stored.IssuedAt.Before(m.cached.IssuedAt) {
			m.cached = &stored
		}
		m.mu.Unlock()
		if m.fresh(stored) {
			return stored, nil
		}
	case !errors.Is(err, ErrNoToken):
		m.logger.WithError(err).Warn("Could not load stored session token")
	}

	token, rerr := m.sharedRefresh(ctx, false)
	if rerr == nil {
		return token, nil
	}
	if err == nil && m.IsValid(stored) && !m.isInvalidated(stored) {
		m.logger.WithError(rerr).Warn("Refresh failed, using previous session token")
		return stored, nil
	}
	return models.SessionToken{}, rerr
}

// Invalidate marks token as rejected by the broker so the next Current call
// refreshes instead of reusing it.
func (m *Manager) Invalidate(token models.SessionToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = token.Token
	m.logger.Warn("Broker rejected session token, marked for refresh")
}
