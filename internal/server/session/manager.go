// Package session runs authenticated sessions: an absolute lifetime cap, an
// inactivity timeout with an advance warning, and periodic token refresh.
// In-memory state is authoritative; the persisted record is kept in step on
// a best-effort basis.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/sessions"
	"github.com/google/uuid"
)

type Config struct {
	MaxDuration       time.Duration
	InactivityTimeout time.Duration
	RefreshInterval   time.Duration
	WarningLead       time.Duration
	TokenTTL          time.Duration
	Secret            []byte
}

func DefaultConfig(secret []byte) Config {
	return Config{
		MaxDuration:       24 * time.Hour,
		InactivityTimeout: 30 * time.Minute,
		RefreshInterval:   time.Hour,
		WarningLead:       5 * time.Minute,
		TokenTTL:          time.Hour + 5*time.Minute,
		Secret:            secret,
	}
}

type Recorder interface {
	SessionEvent(event string)
}

type nopRecorder struct{}

func (nopRecorder) SessionEvent(string) {}

// Issuer signs an access token for rec at now.
type Issuer func(rec models.Session, now time.Time) (string, error)

type Manager struct {
	cfg      Config
	store    sessions.Repository
	clock    Clock
	logger   logging.Logger
	recorder Recorder
	issue    Issuer

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Manager)

func WithClock(c Clock) Option           { return func(m *Manager) { m.clock = c } }
func WithLogger(l logging.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithRecorder(r Recorder) Option     { return func(m *Manager) { m.recorder = r } }
func WithIssuer(i Issuer) Option         { return func(m *Manager) { m.issue = i } }

func NewManager(cfg Config, store sessions.Repository, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    store,
		clock:    SystemClock{},
		logger:   logging.Nop(),
		recorder: nopRecorder{},
		sessions: map[string]*Session{},
	}
	m.issue = m.jwtIssuer
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("module", "session")
	return m
}

func (m *Manager) jwtIssuer(rec models.Session, now time.Time) (string, error) {
	return auth.GenerateToken(rec.ID, rec.IdentityID, rec.FingerprintHash, m.cfg.Secret, now, m.cfg.TokenTTL)
}

// Start opens a session for identityID bound to the device fingerprint and
// returns it with its first access token. Nothing is kept if the record
// cannot be persisted.
func (m *Manager) Start(ctx context.Context, identityID, fingerprint string) (*Session, string, error) {
	now := m.clock.Now().UTC()
	rec := models.Session{
		ID:              uuid.NewString(),
		IdentityID:      identityID,
		FingerprintHash: fingerprint,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(m.cfg.MaxDuration),
	}

	token, err := m.issue(rec, now)
	if err != nil {
		return nil, "", fmt.Errorf("issuing token: %w", err)
	}
	if err := m.store.Create(ctx, &rec); err != nil {
		return nil, "", err
	}

	s := m.track(rec, token)
	m.recorder.SessionEvent("started")
	m.logger.Info(ctx, "session started", "session", rec.ID, "identity", identityID)
	return s, token, nil
}

func (m *Manager) track(rec models.Session, token string) *Session {
	s := &Session{m: m, rec: rec}
	m.mu.Lock()
	m.sessions[rec.ID] = s
	m.mu.Unlock()
	s.activate(token)
	return s
}

// Get returns a live in-memory session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Validate authenticates a request: the token must be valid, issued for the
// same device fingerprint, and belong to a live session. A session unknown
// to this process (after a restart) is restored from its persisted record.
func (m *Manager) Validate(ctx context.Context, token, fingerprint string) (*Session, error) {
	now := m.clock.Now()
	claims, err := auth.ParseTokenAt(token, m.cfg.Secret, now)
	if err != nil {
		return nil, err
	}
	if claims.Fingerprint != fingerprint {
		return nil, common.ErrorUnauthorized
	}

	s, ok := m.Get(claims.SessionID)
	if !ok {
		s, err = m.restore(ctx, claims.SessionID, token)
		if err != nil {
			return nil, err
		}
	}
	if !s.Check(now).Live() {
		return nil, common.ErrSessionEnded
	}
	return s, nil
}

func (m *Manager) restore(ctx context.Context, id, token string) (*Session, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrSessionEnded
		}
		return nil, err
	}
	if m.expired(*rec, m.clock.Now()) {
		m.deleteRecord(ctx, id)
		return nil, common.ErrSessionEnded
	}
	m.recorder.SessionEvent("restored")
	return m.track(*rec, token), nil
}

func (m *Manager) expired(rec models.Session, now time.Time) bool {
	return !now.Before(rec.ExpiresAt) || now.Sub(rec.LastActivityAt) >= m.cfg.InactivityTimeout
}

// Sweep expires in-memory sessions that are past a deadline and removes
// expired records from the store. It returns the number of records removed.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Check(now)
	}

	n, err := m.store.DeleteExpired(ctx, now, m.cfg.InactivityTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info(ctx, "expired sessions removed", "count", n)
	}
	return n, nil
}

// Stop cancels every timer without ending the sessions; their records stay
// in the store and are restored on the next Validate.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		s.stopTimers()
		s.mu.Unlock()
		delete(m.sessions, id)
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) deleteRecord(ctx context.Context, id string) {
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, common.ErrorNotFound) {
		m.logger.Warn(ctx, "removing session record failed", "session", id, "error", err.Error())
	}
}

// finish is the common tail of every terminal transition.
func (m *Manager) finish(ctx context.Context, s *Session, event string) {
	m.forget(s.rec.ID)
	m.deleteRecord(ctx, s.rec.ID)
	m.recorder.SessionEvent(event)
	m.logger.Info(ctx, "session "+event, "session", s.rec.ID, "identity", s.rec.IdentityID)
}
