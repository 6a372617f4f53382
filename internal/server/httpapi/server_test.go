package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/ratelimit"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/dmitrijs2005/gophsync/internal/server/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	registered []services.RegistrationInput
	device     ratelimit.DeviceSignals
	loginErr   error
	resent     []string
}

func (f *fakeAccounts) Register(ctx context.Context, in services.RegistrationInput, d ratelimit.DeviceSignals) (*services.Account, error) {
	f.registered = append(f.registered, in)
	f.device = d
	if in.Email == "" {
		return nil, &common.ValidationError{Field: "email", Reason: "required"}
	}
	return &services.Account{Identity: &models.Identity{ID: "u1", Email: in.Email}, VerificationSent: true}, nil
}

func (f *fakeAccounts) Login(ctx context.Context, email, password string, d ratelimit.DeviceSignals) (*services.LoginResult, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	if password != "secret1" {
		return nil, common.ErrorUnauthorized
	}
	return &services.LoginResult{SessionID: "s1", AccessToken: "tok"}, nil
}

func (f *fakeAccounts) VerifyEmail(ctx context.Context, code string) (string, error) {
	if code != "123456" {
		return "", common.ErrorNotFound
	}
	return "u1", nil
}

func (f *fakeAccounts) ResendVerification(ctx context.Context, id string) error {
	f.resent = append(f.resent, id)
	if len(f.resent) > 1 {
		return verification.ErrReminderNotDue
	}
	return nil
}

func (f *fakeAccounts) VerificationStatus(ctx context.Context, id string, force bool) (verification.Status, error) {
	return verification.Status{IdentityID: id, Verified: true, Cached: !force}, nil
}

type fakeAdmin struct {
	operators []string
	started   []migration.Options
}

func (f *fakeAdmin) allow(op string) error {
	f.operators = append(f.operators, op)
	if op != "root" {
		return &common.PermissionError{Op: "authorize operator", Reason: "not an administrator"}
	}
	return nil
}

func (f *fakeAdmin) CheckConsistency(ctx context.Context, op string, opts consistency.Options) (*consistency.Report, error) {
	if err := f.allow(op); err != nil {
		return nil, err
	}
	return &consistency.Report{Success: true, ScannedProfiles: 3}, nil
}

func (f *fakeAdmin) Reconcile(ctx context.Context, op string, req services.ReconcileRequest) (*services.ReconcileOutcome, error) {
	if err := f.allow(op); err != nil {
		return nil, err
	}
	if req.Options.Live && !req.Confirm {
		return nil, &common.ValidationError{Field: "confirm", Reason: "live repairs need confirmation"}
	}
	return &services.ReconcileOutcome{}, nil
}

func (f *fakeAdmin) StartMigration(ctx context.Context, opts migration.Options) (*migration.Report, error) {
	if err := f.allow(opts.Operator); err != nil {
		return nil, err
	}
	f.started = append(f.started, opts)
	return &migration.Report{Phase: migration.PhaseDone}, nil
}

func (f *fakeAdmin) ResumeMigration(ctx context.Context, op, runID string) (*migration.Report, error) {
	if err := f.allow(op); err != nil {
		return nil, err
	}
	return nil, common.ErrorNotFound
}

func (f *fakeAdmin) MigrationReport(ctx context.Context, op, runID string) (*migration.Report, error) {
	if err := f.allow(op); err != nil {
		return nil, err
	}
	return &migration.Report{Metadata: migration.Metadata{RunID: runID}}, nil
}

type memStore struct{ recs map[string]*models.Session }

func (m *memStore) Create(ctx context.Context, s *models.Session) error {
	cp := *s
	m.recs[s.ID] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s, ok := m.recs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return s, nil
}

func (m *memStore) Touch(ctx context.Context, id string, at time.Time) error { return nil }

func (m *memStore) Delete(ctx context.Context, id string) error {
	delete(m.recs, id)
	return nil
}

func (m *memStore) DeleteExpired(ctx context.Context, now time.Time, inactivity time.Duration) (int64, error) {
	return 0, nil
}

const testUA = "test-agent/1.0"

type fixture struct {
	srv      *Server
	accounts *fakeAccounts
	admin    *fakeAdmin
	mgr      *session.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		accounts: &fakeAccounts{},
		admin:    &fakeAdmin{},
		mgr:      session.NewManager(session.DefaultConfig([]byte("k")), &memStore{recs: map[string]*models.Session{}}),
	}
	t.Cleanup(f.mgr.Stop)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	f.srv = NewServer(cfg, logging.Nop(), f.accounts, f.admin, f.mgr, metrics)
	return f
}

// token starts a session bound to the fingerprint of a request carrying
// only the test User-Agent.
func (f *fixture) token(t *testing.T, identityID string) string {
	t.Helper()
	fp := ratelimit.Fingerprint(ratelimit.DeviceSignals{UserAgent: testUA})
	_, tok, err := f.mgr.Start(context.Background(), identityID, fp)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("User-Agent", testUA)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegister(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/auth/register", "", `{"email":"a@x.io","password":"secret1","fullName":"Ann"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["verificationSent"])
	require.Len(t, f.accounts.registered, 1)
	assert.Equal(t, "Ann", f.accounts.registered[0].FullName)
	assert.Equal(t, testUA, f.accounts.device.UserAgent)

	resp, body = f.do(t, http.MethodPost, "/auth/register", "", `{"password":"secret1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["class"])

	resp, _ = f.do(t, http.MethodPost, "/auth/register", "", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		password string
		err      error
		want     int
	}{
		{name: "ok", password: "secret1", want: http.StatusOK},
		{name: "bad credentials", password: "nope", want: http.StatusUnauthorized},
		{name: "transient", err: common.Transient("sign in", io.ErrUnexpectedEOF), want: http.StatusServiceUnavailable},
		{name: "internal", err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.accounts.loginErr = tt.err

			resp, body := f.do(t, http.MethodPost, "/auth/login", "", `{"email":"a@x.io","password":"`+tt.password+`"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusInternalServerError {
				assert.Equal(t, common.ErrorInternal.Error(), body["error"])
			}
		})
	}
}

func TestLogin_RateLimitedSetsRetryAfter(t *testing.T) {
	f := newFixture(t, Config{})
	f.accounts.loginErr = &services.RateLimitError{Decision: ratelimit.Decision{
		Reason:     ratelimit.ReasonLocked,
		RetryAfter: 90 * time.Second,
	}}

	resp, _ := f.do(t, http.MethodPost, "/auth/login", "", `{"email":"a@x.io","password":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "90", resp.Header.Get(HeaderRetryAfter))
}

func TestVerifyEmail(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/auth/verify", "", `{"code":"123456"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["identityId"])

	resp, _ = f.do(t, http.MethodPost, "/auth/verify", "", `{"code":"000000"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	tok := f.token(t, "u1")

	resp, _ := f.do(t, http.MethodGet, "/auth/verification", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/auth/verification?refresh=true", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["identityId"])
	assert.Equal(t, false, body["cached"])

	resp, body = f.do(t, http.MethodPost, "/auth/session/touch", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["state"])

	resp, body = f.do(t, http.MethodPost, "/auth/session/refresh", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["accessToken"])

	resp, _ = f.do(t, http.MethodPost, "/auth/verification/resend", tok, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/auth/verification/resend", tok, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, []string{"u1", "u1"}, f.accounts.resent)

	resp, _ = f.do(t, http.MethodPost, "/auth/logout", tok, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/auth/session/touch", tok, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSession_RejectsOtherDevice(t *testing.T) {
	f := newFixture(t, Config{})
	tok := f.token(t, "u1")

	req := httptest.NewRequest(http.MethodPost, "/auth/session/touch", nil)
	req.Header.Set("User-Agent", "other-agent")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.token(t, "root")
	bob := f.token(t, "bob")

	resp, body := f.do(t, http.MethodPost, "/admin/consistency", root, `{"includeDetails":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = f.do(t, http.MethodPost, "/admin/consistency", bob, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "permission", body["class"])

	resp, _ = f.do(t, http.MethodPost, "/admin/reconcile", root, `{"options":{"live":true}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/admin/reconcile", root, `{"options":{"live":true},"confirm":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/migrations", root, `{"operator":"bob","runId":"forged","normalizeLegacy":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.admin.started, 1)
	assert.Equal(t, "root", f.admin.started[0].Operator)
	assert.Empty(t, f.admin.started[0].RunID)
	assert.True(t, f.admin.started[0].NormalizeLegacy)

	resp, _ = f.do(t, http.MethodPost, "/admin/migrations/r9/resume", root, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/admin/migrations/r1", root, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", body["metadata"].(map[string]any)["runId"])

	resp, _ = f.do(t, http.MethodGet, "/admin/migrations/r1", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestThrottle(t *testing.T) {
	f := newFixture(t, Config{RequestsPerMinute: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodPost, "/auth/verify", "", `{"code":"123456"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(t, http.MethodPost, "/auth/verify", "", `{"code":"123456"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIPThrottle_Cleanup(t *testing.T) {
	th := NewIPThrottle(60, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	assert.True(t, th.allow("10.0.0.1"))
	assert.False(t, th.allow("10.0.0.1"))
	now = now.Add(2 * time.Second)
	assert.True(t, th.allow("10.0.0.2"))

	assert.Equal(t, 1, th.Cleanup(time.Second))
	assert.Equal(t, 0, th.Cleanup(time.Minute))
}
