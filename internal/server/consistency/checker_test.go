package consistency

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/profiles"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeProfiles struct {
	docs    map[string]*models.Profile
	legacy  map[string]bool
	listErr error
	flaky   int
	gets    []string
	lists   int
}

func (f *fakeProfiles) Get(ctx context.Context, id string) (*models.Profile, error) {
	f.gets = append(f.gets, id)
	if f.legacy[id] {
		return nil, profiles.ErrLegacyProfile
	}
	p, ok := f.docs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return p, nil
}

func (f *fakeProfiles) List(ctx context.Context, afterID string, limit int) ([]*models.Profile, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.flaky > 0 {
		f.flaky--
		return nil, common.Transient("profiles.list", errors.New("connection reset"))
	}
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.docs[id])
	}
	return out, nil
}

func (f *fakeProfiles) CountLegacy(ctx context.Context) (int64, error) {
	return int64(len(f.legacy)), nil
}

type fakeIdentities struct {
	idents   map[string]*models.Identity
	pageSize int
	enumErr  error
}

func (f *fakeIdentities) ReloadIdentity(ctx context.Context, id string) (*models.Identity, error) {
	i, ok := f.idents[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return i, nil
}

func (f *fakeIdentities) EnumerateIdentities(ctx context.Context, token string) (identity.Page, error) {
	if f.enumErr != nil {
		return identity.Page{}, f.enumErr
	}
	ids := make([]string, 0, len(f.idents))
	for id := range f.idents {
		if id > token {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	size := f.pageSize
	if size == 0 {
		size = 2
	}
	page := identity.Page{}
	if len(ids) > size {
		ids = ids[:size]
		page.NextToken = ids[size-1]
	}
	for _, id := range ids {
		page.Identities = append(page.Identities, f.idents[id])
	}
	return page, nil
}

type gauges map[string]int

func (g gauges) SetInconsistencies(kind string, n int) { g[kind] = n }

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func complete(id, email string, verified bool, created *time.Time) *models.Profile {
	return &models.Profile{
		ID:            id,
		Email:         email,
		FullName:      "User " + id,
		Role:          models.RoleCustomer,
		EmailVerified: verified,
		CreatedAt:     created,
	}
}

func ident(id, email string, verified bool) *models.Identity {
	return &models.Identity{ID: id, Email: email, EmailVerified: verified, CreatedAt: t0}
}

// world covers every classification once: a matching pair, a verification
// mismatch, an identity without profile, a profile without identity and two
// profiles sharing an address.
func world() (*fakeProfiles, *fakeIdentities) {
	p := &fakeProfiles{docs: map[string]*models.Profile{
		"ok":   complete("ok", "ok@x.is", true, at(0)),
		"u2":   complete("u2", "u2@x.is", false, at(0)),
		"lost": complete("lost", "lost@x.is", false, at(0)),
		"d1":   complete("d1", "dup@x.is", false, at(time.Hour)),
		"d2":   complete("d2", "DUP@x.is ", false, at(2*time.Hour)),
	}}
	i := &fakeIdentities{idents: map[string]*models.Identity{
		"ok":   ident("ok", "ok@x.is", true),
		"u2":   ident("u2", "u2@x.is", true),
		"solo": ident("solo", "solo@x.is", false),
		"d1":   ident("d1", "dup@x.is", false),
		"d2":   ident("d2", "dup@x.is", false),
	}}
	return p, i
}

func kindsOf(r *Report) map[Kind][]string {
	out := map[Kind][]string{}
	for k, recs := range r.Details {
		for _, rec := range recs {
			out[k] = append(out[k], rec.IdentityID)
		}
	}
	return out
}

func TestCheck_ClassifiesEveryKind(t *testing.T) {
	p, i := world()
	g := gauges{}
	c := NewChecker(p, i, WithPageSize(2), WithClock(fixedClock{t0}), WithRecorder(g))

	r, err := c.Check(context.Background(), Options{IncludeDetails: true})
	require.NoError(t, err)

	assert.True(t, r.Success)
	assert.Equal(t, CoverageFull, r.ScanCoverage)
	assert.False(t, r.Truncated)
	assert.Equal(t, 5, r.ScannedProfiles)
	assert.Equal(t, 5, r.ScannedIdentities)
	assert.Equal(t, t0, r.GeneratedAt)

	want := map[Kind][]string{
		MismatchedVerification: {"u2"},
		OrphanedIdentity:       {"solo"},
		OrphanedProfile:        {"lost"},
		DuplicateProfile:       {"d1"},
	}
	if diff := cmp.Diff(want, kindsOf(r)); diff != "" {
		t.Errorf("classification mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 4, r.Total())
	assert.Equal(t, 0, r.Count(MissingRequiredFields))
	assert.Equal(t, 1, g[string(OrphanedIdentity)])
	assert.Equal(t, 0, g[string(MismatchedEmail)])
	assert.Len(t, g, len(Kinds))
}

func TestCheck_DuplicateGroupOrder(t *testing.T) {
	p, i := world()
	c := NewChecker(p, i)

	r, err := c.Check(context.Background(), Options{IncludeDetails: true})
	require.NoError(t, err)

	require.Len(t, r.Details[DuplicateProfile], 1)
	rec := r.Details[DuplicateProfile][0]
	assert.Equal(t, "dup@x.is", rec.Email)
	require.Len(t, rec.Detail.Duplicates, 2)
	assert.Equal(t, "d1", rec.Detail.Duplicates[0].ID)
	assert.Equal(t, "d2", rec.Detail.Duplicates[1].ID)
}

func TestCheck_MissingRequiredFields(t *testing.T) {
	p := &fakeProfiles{docs: map[string]*models.Profile{
		"u1": {ID: "u1", Email: "a@x.is", FullName: "Anna"},
	}}
	i := &fakeIdentities{idents: map[string]*models.Identity{"u1": ident("u1", "a@x.is", false)}}

	r, err := NewChecker(p, i).Check(context.Background(), Options{IncludeDetails: true})
	require.NoError(t, err)

	require.Len(t, r.Details[MissingRequiredFields], 1)
	rec := r.Details[MissingRequiredFields][0]
	assert.Equal(t, "u1", rec.IdentityID)
	assert.Equal(t, []string{"role", "createdAt"}, rec.Detail.MissingFields)
	assert.Equal(t, 1, r.Total())
}

func TestCheck_MismatchedEmail(t *testing.T) {
	p := &fakeProfiles{docs: map[string]*models.Profile{
		"u3": complete("u3", "old@x.is", false, at(0)),
	}}
	i := &fakeIdentities{idents: map[string]*models.Identity{"u3": ident("u3", "new@x.is", false)}}

	r, err := NewChecker(p, i).Check(context.Background(), Options{IncludeDetails: true})
	require.NoError(t, err)

	require.Len(t, r.Details[MismatchedEmail], 1)
	d := r.Details[MismatchedEmail][0].Detail
	assert.Equal(t, "new@x.is", d.IdentityEmail)
	assert.Equal(t, "old@x.is", d.ProfileEmail)
}

func TestCheck_WithoutDetailsKeepsCounts(t *testing.T) {
	p, i := world()

	r, err := NewChecker(p, i).Check(context.Background(), Options{})
	require.NoError(t, err)

	assert.Nil(t, r.Details)
	assert.Equal(t, 1, r.Summary[OrphanedProfile])
	assert.Equal(t, 4, r.Total())
}

func TestCheck_CurrentIdentityOnly(t *testing.T) {
	p, i := world()
	c := NewChecker(p, i)

	r, err := c.Check(context.Background(), Options{IncludeDetails: true, CurrentIdentity: "u2"})
	require.NoError(t, err)

	assert.Equal(t, CoverageCurrentIdentity, r.ScanCoverage)
	assert.Equal(t, 1, r.ScannedIdentities)
	assert.Equal(t, []string{"u2"}, kindsOf(r)[MismatchedVerification])
	// "lost" has no visible identity but must not be called an orphan here
	assert.Empty(t, r.Details[OrphanedProfile])
	assert.Empty(t, r.Details[OrphanedIdentity])
	assert.Len(t, r.Details[DuplicateProfile], 1)
}

func TestCheck_CurrentIdentityWithoutProfile(t *testing.T) {
	p, i := world()

	r, err := NewChecker(p, i).Check(context.Background(), Options{IncludeDetails: true, CurrentIdentity: "solo"})
	require.NoError(t, err)

	assert.Equal(t, []string{"solo"}, kindsOf(r)[OrphanedIdentity])
	assert.Equal(t, []string{"solo"}, p.gets)
}

func TestCheck_TruncatedScanConfirmsOrphans(t *testing.T) {
	p, i := world()
	c := NewChecker(p, i, WithPageSize(10))

	r, err := c.Check(context.Background(), Options{IncludeDetails: true, MaxRecordsToScan: 2})
	require.NoError(t, err)

	assert.True(t, r.Truncated)
	assert.Equal(t, 2, r.ScannedProfiles)
	// only d1 and d2 were scanned; the others are found by point lookups
	assert.Equal(t, []string{"solo"}, kindsOf(r)[OrphanedIdentity])
	assert.Equal(t, []string{"u2"}, kindsOf(r)[MismatchedVerification])
	assert.ElementsMatch(t, []string{"ok", "solo", "u2"}, p.gets)
	assert.Empty(t, r.Details[OrphanedProfile])
}

func TestCheck_ExactLimitIsNotTruncated(t *testing.T) {
	p, i := world()

	r, err := NewChecker(p, i, WithPageSize(10)).Check(context.Background(), Options{MaxRecordsToScan: 5})
	require.NoError(t, err)

	assert.False(t, r.Truncated)
	assert.Equal(t, 5, r.ScannedProfiles)
}

func TestCheck_LegacyProfileIsNotOrphan(t *testing.T) {
	p, i := world()
	p.legacy = map[string]bool{"solo": true}

	r, err := NewChecker(p, i).Check(context.Background(), Options{IncludeDetails: true})
	require.NoError(t, err)

	assert.Empty(t, r.Details[OrphanedIdentity])
	assert.Equal(t, int64(1), r.LegacyProfiles)
}

func TestCheck_StoreFailureAborts(t *testing.T) {
	t.Run("profiles", func(t *testing.T) {
		p, i := world()
		p.listErr = common.Transient("profiles.list", errors.New("connection reset"))

		r, err := NewChecker(p, i).Check(context.Background(), Options{IncludeDetails: true})
		require.Error(t, err)
		assert.True(t, common.IsTransient(err))
		require.NotNil(t, r)
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "connection reset")
		assert.Nil(t, r.Details)
	})

	t.Run("identities", func(t *testing.T) {
		p, i := world()
		i.enumErr = &common.PermissionError{Op: "enumerate", Reason: "not admin"}

		r, err := NewChecker(p, i).Check(context.Background(), Options{})
		require.Error(t, err)
		assert.Equal(t, common.KindPermission, common.KindOf(err))
		assert.False(t, r.Success)
		assert.Equal(t, CoverageFull, r.ScanCoverage)
		assert.Equal(t, 5, r.ScannedProfiles)
	})
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestCheck_TransientReadIsRetried(t *testing.T) {
	p, i := world()
	p.flaky = 2
	exec := retry.New(retry.DefaultPolicy(), retry.WithTimer(func() backoff.Timer { return &instantTimer{} }))

	r, err := NewChecker(p, i, WithExecutor(exec)).Check(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 5, r.ScannedProfiles)

	p.flaky = 2
	_, err = NewChecker(p, i).Check(context.Background(), Options{})
	require.Error(t, err, "without an executor a read is tried once")
	assert.True(t, common.IsTransient(err))
}

func TestCheck_CancelledContext(t *testing.T) {
	p, i := world()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewChecker(p, i).Check(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.Success)
	assert.Zero(t, p.lists)
}

func TestSortCanonical(t *testing.T) {
	g := []DuplicateEntry{
		{ID: "c", CreatedAt: nil},
		{ID: "b", CreatedAt: at(time.Minute)},
		{ID: "z", CreatedAt: at(0)},
		{ID: "a", CreatedAt: at(time.Minute)},
	}
	SortCanonical(g)

	ids := []string{g[0].ID, g[1].ID, g[2].ID, g[3].ID}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)
}
