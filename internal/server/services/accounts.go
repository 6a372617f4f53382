// Package services contains server-side business logic. AccountService
// handles registration, login and email verification across the identity
// and profile stores; AdminService fronts the consistency tooling for
// operators.
package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/ratelimit"
	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/dmitrijs2005/gophsync/internal/server/verification"
	"github.com/dmitrijs2005/gophsync/internal/timex"
	"github.com/go-playground/validator/v10"
)

// DefaultMinResponse is the floor on Register and Login latency.
const DefaultMinResponse = time.Second

type IdentityStore interface {
	CreateIdentity(ctx context.Context, email, password string) (*models.Identity, error)
	SignIn(ctx context.Context, email, password string) (*models.Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
}

type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	Set(ctx context.Context, p *models.Profile) error
	Update(ctx context.Context, id string, fields map[string]any) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Verifier interface {
	SendWithRetry(ctx context.Context, id string) error
	SendReminder(ctx context.Context, id string) error
	ApplyCode(ctx context.Context, code string) (string, error)
	CheckStatus(ctx context.Context, id string, forceRefresh bool) (verification.Status, error)
}

type Limiter interface {
	CheckLimit(ctx context.Context, action ratelimit.Action, key string) ratelimit.Decision
	RecordAttempt(ctx context.Context, action ratelimit.Action, key string, success bool) error
}

type SessionStarter interface {
	Start(ctx context.Context, identityID, fingerprint string) (*session.Session, string, error)
}

// RegistrationInput is what a new customer submits.
type RegistrationInput struct {
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required,min=6"`
	FullName          string `json:"fullName" validate:"required,min=2"`
	Address           string `json:"address" validate:"required,min=3"`
	City              string `json:"city" validate:"required,min=2"`
	PostalCode        string `json:"postalCode" validate:"required,len=3,numeric"`
	RequestMembership bool   `json:"requestMembership"`
}

type Account struct {
	Identity         *models.Identity `json:"identity"`
	Profile          *models.Profile  `json:"profile"`
	VerificationSent bool             `json:"verificationSent"`
}

type LoginResult struct {
	Identity        *models.Identity `json:"identity"`
	Profile         *models.Profile  `json:"profile"`
	ProfileRepaired bool             `json:"profileRepaired"`
	SessionID       string           `json:"sessionId"`
	AccessToken     string           `json:"accessToken"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	RequiresCaptcha bool             `json:"requiresCaptcha"`
}

// RateLimitError carries the limiter's refusal. It matches
// common.ErrRateLimited.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: %s, retry after %s", common.ErrRateLimited, e.Decision.Reason, e.Decision.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return common.ErrRateLimited }

type AccountService struct {
	identities IdentityStore
	profiles   ProfileStore
	verifier   Verifier
	limiter    Limiter
	sessions   SessionStarter

	validate    *validator.Validate
	exec        *retry.Executor
	clock       timex.Clock
	logger      logging.Logger
	minResponse time.Duration
	wait        func(ctx context.Context, d time.Duration) error
	pad         func(ctx context.Context, start time.Time, target time.Duration)
}

type AccountOption func(*AccountService)

func WithAccountClock(c timex.Clock) AccountOption {
	return func(s *AccountService) { s.clock = c }
}

func WithAccountLogger(l logging.Logger) AccountOption {
	return func(s *AccountService) { s.logger = l }
}

func WithMinResponse(d time.Duration) AccountOption {
	return func(s *AccountService) { s.minResponse = d }
}

// WithAccountExecutor retries the profile store calls of registration and
// login. Without it every call is tried once.
func WithAccountExecutor(e *retry.Executor) AccountOption {
	return func(s *AccountService) { s.exec = e }
}

// WithWaiter replaces the sleeps used for backoff delays and latency
// padding.
func WithWaiter(wait func(ctx context.Context, d time.Duration) error) AccountOption {
	return func(s *AccountService) {
		s.wait = wait
		s.pad = func(ctx context.Context, start time.Time, target time.Duration) {
			_ = wait(ctx, target-time.Since(start))
		}
	}
}

func NewAccountService(identities IdentityStore, profiles ProfileStore, verifier Verifier,
	limiter Limiter, sessions SessionStarter, opts ...AccountOption) *AccountService {
	s := &AccountService{
		identities:  identities,
		profiles:    profiles,
		verifier:    verifier,
		limiter:     limiter,
		sessions:    sessions,
		validate:    newValidator(),
		clock:       timex.SystemClock{},
		logger:      logging.Nop(),
		minResponse: DefaultMinResponse,
		wait:        ratelimit.Wait,
		pad:         ratelimit.EnsureMinDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "accounts")
	if s.exec == nil {
		s.exec = retry.New(retry.Policy{MaxAttempts: 1})
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError reports the first failed rule as a
// *common.ValidationError.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return &common.ValidationError{Reason: err.Error()}
	}
	fe := ve[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "email":
		reason = "must be a valid email address"
	case "min":
		reason = fmt.Sprintf("must be at least %s characters long", fe.Param())
	case "len":
		reason = fmt.Sprintf("must be exactly %s characters long", fe.Param())
	case "numeric":
		reason = "must contain digits only"
	default:
		reason = "failed rule " + fe.Tag()
	}
	return &common.ValidationError{Field: fe.Field(), Reason: reason}
}

// admit consults the limiter and serves any backoff delay it asks for.
func (s *AccountService) admit(ctx context.Context, action ratelimit.Action, key string) (ratelimit.Decision, error) {
	d := s.limiter.CheckLimit(ctx, action, key)
	if !d.Allowed {
		s.logger.Warn(ctx, "attempt refused", "action", string(action), "reason", d.Reason)
		return d, &RateLimitError{Decision: d}
	}
	if d.Delay > 0 {
		if err := s.wait(ctx, d.Delay); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (s *AccountService) record(ctx context.Context, action ratelimit.Action, key string, success bool) {
	if err := s.limiter.RecordAttempt(ctx, action, key, success); err != nil {
		s.logger.Warn(ctx, "recording attempt failed", "action", string(action), "error", err.Error())
	}
}

// Register creates the identity and then its profile. If the profile
// cannot be written the identity is deleted again. The verification email
// is sent with retry; a send failure does not fail the registration.
func (s *AccountService) Register(ctx context.Context, in RegistrationInput, device ratelimit.DeviceSignals) (*Account, error) {
	start := time.Now()
	defer s.pad(ctx, start, s.minResponse)

	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	fp := ratelimit.Fingerprint(device)
	if _, err := s.admit(ctx, ratelimit.ActionRegistration, fp); err != nil {
		return nil, err
	}

	ident, err := s.identities.CreateIdentity(ctx, in.Email, in.Password)
	if err != nil {
		s.record(ctx, ratelimit.ActionRegistration, fp, false)
		return nil, fmt.Errorf("creating identity: %w", err)
	}

	now := s.clock.Now().UTC()
	p := &models.Profile{
		ID:                       ident.ID,
		Email:                    ident.Email,
		FullName:                 strings.TrimSpace(in.FullName),
		Role:                     models.RoleCustomer,
		MembershipRequestPending: in.RequestMembership,
		Address:                  in.Address,
		City:                     in.City,
		PostalCode:               in.PostalCode,
		CreatedAt:                &now,
		LastLoginAt:              &now,
	}
	if err := s.createProfile(ctx, p); err != nil {
		s.record(ctx, ratelimit.ActionRegistration, fp, false)
		return nil, s.rollback(ctx, ident.ID, err)
	}
	s.record(ctx, ratelimit.ActionRegistration, fp, true)
	s.logger.Info(ctx, "account registered", "identity", ident.ID)

	acc := &Account{Identity: ident, Profile: p}
	if err := s.verifier.SendWithRetry(ctx, ident.ID); err != nil {
		s.logger.Warn(ctx, "verification email not sent", "identity", ident.ID, "error", err.Error())
	} else {
		acc.VerificationSent = true
	}
	return acc, nil
}

func (s *AccountService) createProfile(ctx context.Context, p *models.Profile) error {
	return s.exec.Do(ctx, "profiles.create", func(ctx context.Context) error {
		return s.profiles.RunTransaction(ctx, func(ctx context.Context) error {
			_, err := s.profiles.Get(ctx, p.ID)
			switch {
			case err == nil:
				return fmt.Errorf("profile %s: %w", p.ID, common.ErrAlreadyExists)
			case !errors.Is(err, common.ErrorNotFound):
				return err
			}
			return s.profiles.Set(ctx, p)
		})
	})
}

func (s *AccountService) getProfile(ctx context.Context, id string) (*models.Profile, error) {
	return retry.Value(ctx, s.exec, "profiles.get", func(ctx context.Context) (*models.Profile, error) {
		return s.profiles.Get(ctx, id)
	})
}

func (s *AccountService) rollback(ctx context.Context, id string, cause error) error {
	cause = fmt.Errorf("creating profile: %w", cause)
	if err := s.identities.DeleteIdentity(ctx, id); err != nil {
		s.logger.Error(ctx, "identity left without profile", "identity", id, "error", err.Error())
		return errors.Join(cause, fmt.Errorf("rolling back identity %s: %w", id, err))
	}
	s.logger.Warn(ctx, "registration rolled back", "identity", id, "error", cause.Error())
	return cause
}

// Login authenticates and opens a session bound to the device. Unknown
// accounts and wrong passwords both yield common.ErrorUnauthorized after
// the same minimum delay. An identity found without a profile gets one
// recreated on the spot.
func (s *AccountService) Login(ctx context.Context, email, password string, device ratelimit.DeviceSignals) (*LoginResult, error) {
	start := time.Now()
	defer s.pad(ctx, start, s.minResponse)

	key := ratelimit.HashIdentifier(email)
	decision, err := s.admit(ctx, ratelimit.ActionLogin, key)
	if err != nil {
		return nil, err
	}

	ident, err := s.identities.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			s.record(ctx, ratelimit.ActionLogin, key, false)
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("signing in: %w", err)
	}
	s.record(ctx, ratelimit.ActionLogin, key, true)

	p, repaired, err := s.ensureProfile(ctx, ident)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if err := s.profiles.Update(ctx, ident.ID, map[string]any{models.FieldLastLogin: now}); err != nil {
		s.logger.Warn(ctx, "stamping last login failed", "identity", ident.ID, "error", err.Error())
	} else {
		p.LastLoginAt = &now
	}

	sess, token, err := s.sessions.Start(ctx, ident.ID, ratelimit.Fingerprint(device))
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	rec := sess.Record()
	return &LoginResult{
		Identity:        ident,
		Profile:         p,
		ProfileRepaired: repaired,
		SessionID:       rec.ID,
		AccessToken:     token,
		ExpiresAt:       rec.ExpiresAt,
		RequiresCaptcha: decision.RequiresCaptcha,
	}, nil
}

func (s *AccountService) ensureProfile(ctx context.Context, ident *models.Identity) (*models.Profile, bool, error) {
	p, err := s.getProfile(ctx, ident.ID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, false, fmt.Errorf("loading profile: %w", err)
	}

	s.logger.Warn(ctx, "identity without profile, repairing", "identity", ident.ID)
	now := s.clock.Now().UTC()
	p = &models.Profile{
		ID:              ident.ID,
		Email:           ident.Email,
		FullName:        reconcile.UnknownUserName,
		Role:            models.RoleCustomer,
		EmailVerified:   ident.EmailVerified,
		CreatedAt:       &now,
		RepairedAccount: true,
		MigrationNote:   "profile recreated at login",
	}
	if err := s.createProfile(ctx, p); err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			// created concurrently by another login
			if p, err = s.getProfile(ctx, ident.ID); err == nil {
				return p, false, nil
			}
		}
		return nil, false, fmt.Errorf("repairing profile: %w", err)
	}
	return p, true, nil
}

// VerifyEmail applies a mailed code and returns the verified identity id.
func (s *AccountService) VerifyEmail(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", &common.ValidationError{Field: "code", Reason: "is required"}
	}
	return s.verifier.ApplyCode(ctx, code)
}

// ResendVerification mails a reminder, subject to the reminder spacing.
func (s *AccountService) ResendVerification(ctx context.Context, identityID string) error {
	return s.verifier.SendReminder(ctx, identityID)
}

func (s *AccountService) VerificationStatus(ctx context.Context, identityID string, forceRefresh bool) (verification.Status, error) {
	return s.verifier.CheckStatus(ctx, identityID, forceRefresh)
}
