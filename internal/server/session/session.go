package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
)

// Session is one authenticated session. All methods are safe for
// concurrent use; timer callbacks run on their own goroutines.
type Session struct {
	m *Manager

	mu       sync.Mutex
	rec      models.Session
	state    State
	token    string
	absolute Timer
	idle     Timer
	warn     Timer
	refresh  Timer
}

func (s *Session) ID() string         { return s.rec.ID }
func (s *Session) IdentityID() string { return s.rec.IdentityID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Record returns a copy of the session record as currently known.
func (s *Session) Record() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Session) activate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.state = Active
	now := s.m.clock.Now()
	s.absolute = s.m.clock.AfterFunc(s.rec.ExpiresAt.Sub(now), s.onDeadline)
	s.armIdle(now)
	s.armRefresh()
}

// armIdle schedules the inactivity deadline and its warning from the
// current lastActivityAt. Callers hold s.mu.
func (s *Session) armIdle(now time.Time) {
	stop(s.idle)
	stop(s.warn)
	s.warn = nil

	cfg := s.m.cfg
	idleAt := s.rec.LastActivityAt.Add(cfg.InactivityTimeout)
	s.idle = s.m.clock.AfterFunc(idleAt.Sub(now), s.onDeadline)
	if cfg.WarningLead > 0 && cfg.WarningLead < cfg.InactivityTimeout {
		s.warn = s.m.clock.AfterFunc(idleAt.Add(-cfg.WarningLead).Sub(now), s.onDeadline)
	}
}

func (s *Session) armRefresh() {
	stop(s.refresh)
	s.refresh = nil
	if s.m.cfg.RefreshInterval > 0 {
		s.refresh = s.m.clock.AfterFunc(s.m.cfg.RefreshInterval, s.onRefresh)
	}
}

func (s *Session) stopTimers() {
	stop(s.absolute)
	stop(s.idle)
	stop(s.warn)
	stop(s.refresh)
}

func stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Session) onDeadline() {
	s.Check(s.m.clock.Now())
}

func (s *Session) onRefresh() {
	ctx := context.Background()
	if _, err := s.Refresh(ctx); err != nil {
		s.m.logger.Warn(ctx, "scheduled token refresh failed", "session", s.rec.ID, "error", err.Error())
	}
}

// evaluate applies the expiry rules at now. expired is true only for the
// call that made the transition. Callers hold s.mu.
func (s *Session) evaluate(now time.Time) (st State, expired bool) {
	if !s.state.Live() {
		return s.state, false
	}

	cfg := s.m.cfg
	idle := now.Sub(s.rec.LastActivityAt)
	if !now.Before(s.rec.ExpiresAt) || idle >= cfg.InactivityTimeout {
		s.state = Expired
		s.stopTimers()
		return Expired, true
	}

	if s.state == Active && cfg.WarningLead > 0 && idle >= cfg.InactivityTimeout-cfg.WarningLead {
		s.state = Warned
		s.m.recorder.SessionEvent("warned")
	}
	return s.state, false
}

// Check moves the session to Warned or Expired when now calls for it and
// returns the resulting state. The absolute cap applies regardless of
// activity; inactivity applies regardless of the cap.
func (s *Session) Check(now time.Time) State {
	s.mu.Lock()
	st, expired := s.evaluate(now)
	s.mu.Unlock()

	if expired {
		s.m.finish(context.Background(), s, "expired")
	}
	return st
}

// Touch records user activity: lastActivityAt moves to now, the inactivity
// timer restarts and a Warned session becomes Active again. A failure to
// persist the new timestamp is logged and otherwise ignored.
func (s *Session) Touch(ctx context.Context) error {
	now := s.m.clock.Now().UTC()

	s.mu.Lock()
	st, expired := s.evaluate(now)
	if !st.Live() {
		s.mu.Unlock()
		if expired {
			s.m.finish(ctx, s, "expired")
		}
		return common.ErrSessionEnded
	}
	s.rec.LastActivityAt = now
	s.state = Active
	s.armIdle(now)
	s.mu.Unlock()

	if err := s.m.store.Touch(ctx, s.rec.ID, now); err != nil {
		s.m.logger.Warn(ctx, "persisting session activity failed", "session", s.rec.ID, "error", err.Error())
	}
	return nil
}

// Refresh issues a new access token. Any failure is terminal: the session
// is destroyed and the client has to authenticate again.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	now := s.m.clock.Now().UTC()

	s.mu.Lock()
	st, expired := s.evaluate(now)
	rec := s.rec
	s.mu.Unlock()
	if !st.Live() {
		if expired {
			s.m.finish(ctx, s, "expired")
		}
		return "", common.ErrSessionEnded
	}

	if err := s.m.store.Touch(ctx, rec.ID, now); err != nil {
		s.destroy(ctx, "refresh_failed")
		return "", fmt.Errorf("refreshing session: %w", err)
	}
	token, err := s.m.issue(rec, now)
	if err != nil {
		s.destroy(ctx, "refresh_failed")
		return "", fmt.Errorf("refreshing session: %w", err)
	}

	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		return "", common.ErrSessionEnded
	}
	s.token = token
	s.rec.LastActivityAt = now
	s.state = Active
	s.armIdle(now)
	s.armRefresh()
	s.mu.Unlock()

	s.m.recorder.SessionEvent("refreshed")
	return token, nil
}

// End logs the session out. Removing the persisted record is best effort.
// Ending an already ended session does nothing.
func (s *Session) End(ctx context.Context) {
	s.destroy(ctx, "ended")
}

func (s *Session) destroy(ctx context.Context, event string) {
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		return
	}
	s.state = Destroyed
	s.stopTimers()
	s.mu.Unlock()

	s.m.finish(ctx, s, event)
}
