// Package session owns authenticated per-tenant sessions. All access goes
// through the Manager; there is no ambient session state anywhere else.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

// LivenessProber checks whether a cached session is still accepted by the
// remote side. Authenticators that implement it let the manager refresh
// aged sessions with a probe instead of a full form login.
type LivenessProber interface {
	Alive(ctx context.Context, sess *track.Session) bool
}

// Manager caches one live session per tenant and guarantees that no login
// runs twice concurrently for the same tenant: concurrent EnsureSession
// calls for one tenant share a single authentication attempt.
type Manager struct {
	auth  track.Authenticator
	creds track.CredentialStore
	probe LivenessProber // nil when auth cannot probe
	log   logx.Logger

	// MaxAge, when > 0, treats cached sessions older than this as aged.
	// Aged sessions are probed (when possible) before being discarded.
	// Zero means sessions live until Invalidate.
	maxAge time.Duration

	mu    sync.Mutex
	cache map[string]*track.Session

	flight singleflight.Group
}

func NewManager(auth track.Authenticator, creds track.CredentialStore, maxAge time.Duration, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		auth:   auth,
		creds:  creds,
		maxAge: maxAge,
		log:    log.With(logx.String("comp", "session")),
		cache:  map[string]*track.Session{},
	}
	if p, ok := auth.(LivenessProber); ok {
		m.probe = p
	}
	return m
}

// EnsureSession returns the cached live session for the tenant, or logs in
// once (with a single retry) and caches the result. On failure it returns
// an error wrapping track.ErrAuthFailed; the caller decides whether to
// abort the tenant's remaining work for the cycle.
func (m *Manager) EnsureSession(ctx context.Context, tenantID string) (*track.Session, error) {
	if s := m.live(ctx, tenantID); s != nil {
		return s, nil
	}

	v, err, _ := m.flight.Do(tenantID, func() (any, error) {
		// Re-check under the flight: a previous caller may have just
		// populated the cache.
		if s := m.live(ctx, tenantID); s != nil {
			return s, nil
		}
		return m.login(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*track.Session), nil
}

// Invalidate drops the cached session. Called when the remote side rejects
// a request as unauthenticated.
func (m *Manager) Invalidate(tenantID string) {
	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()
	m.log.Debug("session invalidated", logx.String("tenant", tenantID))
}

// live returns the cached session if it is still usable. Sessions within
// maxAge are trusted outright; older ones are probed against the remote
// side first, since a live cookie is cheaper than a fresh form login.
func (m *Manager) live(ctx context.Context, tenantID string) *track.Session {
	m.mu.Lock()
	s, ok := m.cache[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if m.maxAge <= 0 || time.Since(s.CreatedAt) <= m.maxAge {
		return s
	}
	if m.probe != nil && m.probe.Alive(ctx, s) {
		m.mu.Lock()
		s.CreatedAt = time.Now()
		m.mu.Unlock()
		m.log.Debug("aged session still alive", logx.String("tenant", tenantID))
		return s
	}
	m.mu.Lock()
	if cur, ok := m.cache[tenantID]; ok && cur == s {
		delete(m.cache, tenantID)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) login(ctx context.Context, tenantID string) (*track.Session, error) {
	username, secret, err := m.creds.Decrypt(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", tenantID, err)
	}

	s, err := m.auth.Login(ctx, tenantID, username, secret)
	if err != nil {
		// One retry; transient login hiccups are common on the remote
		// side. A second failure is final for this call.
		m.log.Warn("login failed, retrying once",
			logx.String("tenant", tenantID), logx.Err(err))
		s, err = m.auth.Login(ctx, tenantID, username, secret)
	}
	if err != nil {
		return nil, fmt.Errorf("login %s: %w: %w", tenantID, track.ErrAuthFailed, err)
	}

	m.mu.Lock()
	m.cache[tenantID] = s
	m.mu.Unlock()
	m.log.Info("session established", logx.String("tenant", tenantID))
	return s, nil
}
