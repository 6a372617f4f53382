// Package verification tracks email verification across both stores: a
// short-lived status cache in front of the identity store, code
// application, resends with retry, and spaced reminders recorded on the
// profile.
package verification

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// IdentityStore is the part of the identity provider this package uses.
type IdentityStore interface {
	ReloadIdentity(ctx context.Context, id string) (*models.Identity, error)
	SendVerificationEmail(ctx context.Context, id string, reminder bool) error
	ApplyVerificationCode(ctx context.Context, code string) (string, error)
}

// ProfileStore is the part of the profile repository this package uses.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type CacheRecorder interface {
	CacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(bool) {}

type Config struct {
	CacheTTL         time.Duration
	ReminderInterval time.Duration
	MaxReminders     int
	Resend           retry.Policy
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:         5 * time.Minute,
		ReminderInterval: 24 * time.Hour,
		MaxReminders:     3,
		Resend: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
		},
	}
}

// ErrReminderNotDue is returned by SendReminder when the profile is
// verified, already got MaxReminders, or was mailed within
// ReminderInterval.
var ErrReminderNotDue = errors.New("verification reminder not due")

type Service struct {
	cfg        Config
	identities IdentityStore
	profiles   ProfileStore
	cache      *Cache
	resend     *retry.Executor
	clock      timex.Clock
	logger     logging.Logger
	recorder   CacheRecorder
}

type Option func(*Service)

func WithClock(c timex.Clock) Option        { return func(s *Service) { s.clock = c } }
func WithLogger(l logging.Logger) Option    { return func(s *Service) { s.logger = l } }
func WithRecorder(r CacheRecorder) Option   { return func(s *Service) { s.recorder = r } }
func WithExecutor(e *retry.Executor) Option { return func(s *Service) { s.resend = e } }

func NewService(cfg Config, identities IdentityStore, profiles ProfileStore, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		identities: identities,
		profiles:   profiles,
		clock:      timex.SystemClock{},
		logger:     logging.Nop(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "verification")
	s.cache = NewCache(cfg.CacheTTL, s.clock)
	if s.resend == nil {
		s.resend = retry.New(cfg.Resend, retry.WithLogger(s.logger))
	}
	return s
}

func (s *Service) Cache() *Cache { return s.cache }

// CheckStatus returns the verification state of id, served from the cache
// unless forceRefresh is set. A fresh read that finds the identity verified
// also brings the profile copy up to date.
func (s *Service) CheckStatus(ctx context.Context, id string, forceRefresh bool) (Status, error) {
	if !forceRefresh {
		if st, ok := s.cache.Get(id); ok {
			s.recorder.CacheLookup(true)
			st.Cached = true
			return st, nil
		}
	}
	s.recorder.CacheLookup(false)

	ident, err := s.identities.ReloadIdentity(ctx, id)
	if err != nil {
		return Status{}, err
	}

	st := Status{IdentityID: id, Email: ident.Email, Verified: ident.EmailVerified, CheckedAt: s.clock.Now()}
	s.cache.Put(st)

	if st.Verified {
		s.syncProfile(ctx, id)
	}
	return st, nil
}

func (s *Service) syncProfile(ctx context.Context, id string) {
	p, err := s.profiles.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			s.logger.Warn(ctx, "reading profile for verification sync failed", "identity", id, "error", err.Error())
		}
		return
	}
	if p.EmailVerified {
		return
	}
	now := s.clock.Now()
	if err := s.profiles.Update(ctx, id, map[string]any{
		models.FieldEmailVerified:        true,
		models.FieldEmailVerifiedAt:      now,
		models.FieldVerificationSyncedAt: now,
	}); err != nil {
		s.logger.Warn(ctx, "syncing profile verification failed", "identity", id, "error", err.Error())
	}
}

// ApplyCode verifies the identity owning code, drops its cached status and
// marks the profile verified. A missing profile is logged and left for
// reconciliation.
func (s *Service) ApplyCode(ctx context.Context, code string) (string, error) {
	id, err := s.identities.ApplyVerificationCode(ctx, code)
	if err != nil {
		return "", err
	}
	s.cache.Invalidate(id)

	if err := s.profiles.Update(ctx, id, map[string]any{
		models.FieldEmailVerified:   true,
		models.FieldEmailVerifiedAt: s.clock.Now(),
	}); err != nil {
		s.logger.Warn(ctx, "marking profile verified failed", "identity", id, "error", err.Error())
	}
	return id, nil
}

// SendWithRetry sends a verification mail, retrying transient failures
// with the Resend policy, and records the send on the profile.
func (s *Service) SendWithRetry(ctx context.Context, id string) error {
	if err := s.send(ctx, id, false); err != nil {
		return err
	}
	if err := s.profiles.Update(ctx, id, map[string]any{
		models.FieldLastVerificationSent: s.clock.Now(),
	}); err != nil && !errors.Is(err, common.ErrorNotFound) {
		s.logger.Warn(ctx, "recording verification send on profile failed", "identity", id, "error", err.Error())
	}
	return nil
}

func (s *Service) send(ctx context.Context, id string, reminder bool) error {
	return s.resend.Do(ctx, "verification.send", func(ctx context.Context) error {
		return s.identities.SendVerificationEmail(ctx, id, reminder)
	})
}

// SendReminder reserves a reminder slot on the profile inside a
// transaction and then mails it. It returns ErrReminderNotDue when no slot
// is available.
func (s *Service) SendReminder(ctx context.Context, id string) error {
	now := s.clock.Now()

	err := s.profiles.RunTransaction(ctx, func(ctx context.Context) error {
		p, err := s.profiles.Get(ctx, id)
		if err != nil {
			return err
		}
		if !s.reminderDue(p, now) {
			return ErrReminderNotDue
		}
		return s.profiles.Update(ctx, id, map[string]any{
			models.FieldVerificationReminders: p.VerificationReminders + 1,
			models.FieldLastVerificationSent:  now,
		})
	})
	if err != nil {
		return err
	}

	if err := s.send(ctx, id, true); err != nil {
		s.logger.Warn(ctx, "reminder slot used but mail failed", "identity", id, "error", err.Error())
		return err
	}
	return nil
}

func (s *Service) reminderDue(p *models.Profile, now time.Time) bool {
	if p.EmailVerified || p.VerificationReminders >= s.cfg.MaxReminders {
		return false
	}
	if p.LastVerificationSentAt != nil && now.Sub(*p.LastVerificationSentAt) < s.cfg.ReminderInterval {
		return false
	}
	return true
}
