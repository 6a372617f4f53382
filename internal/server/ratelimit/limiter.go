// Package ratelimit gates credential-mutating actions (registration, login)
// with a sliding attempt window, exponential backoff on consecutive
// failures and an explicit lockout. Store errors never block callers: the
// limiter fails open.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

type Action string

const (
	ActionRegistration Action = "registration"
	ActionLogin        Action = "login"
)

// Rule is the sliding-window budget for one action. With FailuresOnly set
// only failed attempts count towards MaxAttempts.
type Rule struct {
	MaxAttempts  int
	Window       time.Duration
	FailuresOnly bool
}

type Config struct {
	Rules            map[Action]Rule
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	LockoutThreshold int
	LockoutDuration  time.Duration
	CaptchaThreshold int
	Retention        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rules: map[Action]Rule{
			ActionRegistration: {MaxAttempts: 5, Window: time.Hour},
			ActionLogin:        {MaxAttempts: 10, Window: time.Hour, FailuresOnly: true},
		},
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Minute,
		Multiplier:       2,
		LockoutThreshold: 20,
		LockoutDuration:  time.Hour,
		CaptchaThreshold: 3,
		Retention:        24 * time.Hour,
	}
}

// Decision is the outcome of CheckLimit.
type Decision struct {
	Allowed         bool
	Delay           time.Duration
	RequiresCaptcha bool
	LockedUntil     *time.Time
	RetryAfter      time.Duration
	Reason          string
	FailOpen        bool
}

const (
	ReasonLocked      = "account_locked"
	ReasonRateLimited = "rate_limit_exceeded"
)

// Store persists attempt records. Get returns common.ErrorNotFound for an
// unknown key.
type Store interface {
	Get(ctx context.Context, key string) (*models.AttemptRecord, error)
	Put(ctx context.Context, key string, rec *models.AttemptRecord, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Recorder receives decision outcomes, typically *metrics.Metrics.
type Recorder interface {
	RateLimitDecision(action, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RateLimitDecision(string, string) {}

type Limiter struct {
	cfg      Config
	store    Store
	clock    timex.Clock
	logger   logging.Logger
	recorder Recorder
	backoff  retry.Policy
}

func NewLimiter(cfg Config, store Store, clock timex.Clock, logger logging.Logger, recorder Recorder) *Limiter {
	if clock == nil {
		clock = timex.SystemClock{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Limiter{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		logger:   logger.With("module", "ratelimit"),
		recorder: recorder,
		backoff: retry.Policy{
			InitialDelay: cfg.BaseDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		},
	}
}

func storeKey(action Action, key string) string {
	return fmt.Sprintf("%s:%s", action, key)
}

// BackoffDelay is min(base * multiplier^(failures-1), max); zero for no
// failures.
func (l *Limiter) BackoffDelay(failures int) time.Duration {
	return l.backoff.Delay(failures)
}

// CheckLimit decides whether key may attempt action now.
func (l *Limiter) CheckLimit(ctx context.Context, action Action, key string) Decision {
	rule, ok := l.cfg.Rules[action]
	if !ok {
		return l.failOpen(ctx, action, fmt.Errorf("no rule for action %q", action))
	}

	rec, err := l.store.Get(ctx, storeKey(action, key))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			l.recorder.RateLimitDecision(string(action), "allowed")
			return Decision{Allowed: true}
		}
		return l.failOpen(ctx, action, err)
	}

	now := l.clock.Now()

	if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
		until := *rec.LockedUntil
		l.recorder.RateLimitDecision(string(action), "locked")
		return Decision{
			Allowed:         false,
			LockedUntil:     &until,
			RetryAfter:      until.Sub(now),
			RequiresCaptcha: true,
			Reason:          ReasonLocked,
		}
	}

	inWindow := windowAttempts(rec.Attempts, now, rule)
	if len(inWindow) >= rule.MaxAttempts {
		retryAfter := inWindow[0].At.Add(rule.Window).Sub(now)
		l.recorder.RateLimitDecision(string(action), "blocked")
		return Decision{
			Allowed:         false,
			RetryAfter:      retryAfter,
			RequiresCaptcha: true,
			Reason:          ReasonRateLimited,
		}
	}

	d := Decision{Allowed: true}
	if rec.ConsecutiveFailures > 0 {
		d.Delay = l.BackoffDelay(rec.ConsecutiveFailures)
		d.RequiresCaptcha = rec.ConsecutiveFailures >= l.cfg.CaptchaThreshold
	}
	l.recorder.RateLimitDecision(string(action), "allowed")
	return d
}

func (l *Limiter) failOpen(ctx context.Context, action Action, err error) Decision {
	l.logger.Warn(ctx, "rate limit check failed, allowing", "action", string(action), "error", err.Error())
	l.recorder.RateLimitDecision(string(action), "fail_open")
	return Decision{Allowed: true, FailOpen: true}
}

// windowAttempts returns the attempts inside the rule's window, oldest
// first.
func windowAttempts(attempts []models.Attempt, now time.Time, rule Rule) []models.Attempt {
	start := now.Add(-rule.Window)
	out := make([]models.Attempt, 0, len(attempts))
	for _, a := range attempts {
		if !a.At.After(start) {
			continue
		}
		if rule.FailuresOnly && a.Success {
			continue
		}
		out = append(out, a)
	}
	return out
}

// RecordAttempt appends an outcome for key. A success resets the failure
// counter and clears any lockout; reaching the lockout threshold sets
// LockedUntil. Errors are returned for logging only; callers must not block
// on them.
func (l *Limiter) RecordAttempt(ctx context.Context, action Action, key string, success bool) error {
	k := storeKey(action, key)

	rec, err := l.store.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			l.logger.Warn(ctx, "loading attempts failed", "action", string(action), "error", err.Error())
			return err
		}
		rec = &models.AttemptRecord{}
	}

	now := l.clock.Now()
	rec.Attempts = append(pruneBefore(rec.Attempts, now.Add(-l.cfg.Retention)), models.Attempt{At: now, Success: success})

	if success {
		rec.ConsecutiveFailures = 0
		rec.LockedUntil = nil
	} else {
		rec.ConsecutiveFailures++
		if l.cfg.LockoutThreshold > 0 && rec.ConsecutiveFailures >= l.cfg.LockoutThreshold {
			until := now.Add(l.cfg.LockoutDuration)
			rec.LockedUntil = &until
			l.logger.Warn(ctx, "locking key after repeated failures", "action", string(action), "failures", rec.ConsecutiveFailures)
		}
	}

	if err := l.store.Put(ctx, k, rec, l.ttlFor(rec, now)); err != nil {
		l.logger.Warn(ctx, "saving attempts failed", "action", string(action), "error", err.Error())
		return err
	}
	return nil
}

// ttlFor keeps a record at least as long as its retention window and any
// active lockout.
func (l *Limiter) ttlFor(rec *models.AttemptRecord, now time.Time) time.Duration {
	ttl := l.cfg.Retention
	if rec.LockedUntil != nil {
		if until := rec.LockedUntil.Sub(now); until > ttl {
			ttl = until
		}
	}
	return ttl
}

func pruneBefore(attempts []models.Attempt, cutoff time.Time) []models.Attempt {
	kept := attempts[:0]
	for _, a := range attempts {
		if a.At.After(cutoff) {
			kept = append(kept, a)
		}
	}
	return kept
}

// CleanupStats reports what Cleanup did.
type CleanupStats struct {
	Scanned int
	Pruned  int
	Deleted int
}

// Cleanup drops attempts older than the retention period and deletes
// records that end up empty and unlocked.
func (l *Limiter) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats

	keys, err := l.store.Keys(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing attempt keys: %w", err)
	}

	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.Retention)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := l.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				continue
			}
			return stats, err
		}
		stats.Scanned++

		before := len(rec.Attempts)
		rec.Attempts = pruneBefore(rec.Attempts, cutoff)
		locked := rec.LockedUntil != nil && rec.LockedUntil.After(now)

		switch {
		case len(rec.Attempts) == 0 && !locked:
			if err := l.store.Delete(ctx, k); err != nil {
				return stats, err
			}
			stats.Deleted++
		case len(rec.Attempts) < before:
			if err := l.store.Put(ctx, k, rec, l.ttlFor(rec, now)); err != nil {
				return stats, err
			}
			stats.Pruned++
		}
	}

	l.logger.Info(ctx, "attempt cleanup finished", "scanned", stats.Scanned, "pruned", stats.Pruned, "deleted", stats.Deleted)
	return stats, nil
}
