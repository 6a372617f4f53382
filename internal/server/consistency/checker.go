package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

const DefaultPageSize = 500

type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	List(ctx context.Context, afterID string, limit int) ([]*models.Profile, error)
	CountLegacy(ctx context.Context) (int64, error)
}

type IdentityStore interface {
	ReloadIdentity(ctx context.Context, id string) (*models.Identity, error)
	EnumerateIdentities(ctx context.Context, pageToken string) (identity.Page, error)
}

type Recorder interface {
	SetInconsistencies(kind string, n int)
}

type nopRecorder struct{}

func (nopRecorder) SetInconsistencies(string, int) {}

// Options controls one check.
//
// CurrentIdentity restricts the identity side to that single identity. Such
// a check cannot see the rest of the identity store: it reports
// CoverageCurrentIdentity and never classifies a profile as orphaned.
type Options struct {
	IncludeDetails   bool   `json:"includeDetails"`
	MaxRecordsToScan int    `json:"maxRecordsToScan"`
	CurrentIdentity  string `json:"currentIdentity,omitempty"`
}

type Checker struct {
	profiles   ProfileStore
	identities IdentityStore
	pageSize   int
	audit      bool
	exec       *retry.Executor
	clock      timex.Clock
	logger     logging.Logger
	recorder   Recorder
}

type Option func(*Checker)

func WithPageSize(n int) Option          { return func(c *Checker) { c.pageSize = n } }
func WithAudit(on bool) Option           { return func(c *Checker) { c.audit = on } }
func WithClock(cl timex.Clock) Option    { return func(c *Checker) { c.clock = cl } }
func WithLogger(l logging.Logger) Option { return func(c *Checker) { c.logger = l } }
func WithRecorder(r Recorder) Option     { return func(c *Checker) { c.recorder = r } }

// WithExecutor retries the store reads of a check. Without it every read is
// tried once.
func WithExecutor(e *retry.Executor) Option { return func(c *Checker) { c.exec = e } }

func NewChecker(profiles ProfileStore, identities IdentityStore, opts ...Option) *Checker {
	c := &Checker{
		profiles:   profiles,
		identities: identities,
		pageSize:   DefaultPageSize,
		clock:      timex.SystemClock{},
		logger:     logging.Nop(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("module", "consistency")
	if c.exec == nil {
		c.exec = retry.New(retry.Policy{MaxAttempts: 1})
	}
	return c
}

func (c *Checker) PageSize() int { return c.pageSize }

// Check scans both stores and classifies what it finds. On any store error
// the scan stops and the returned report has Success false; the error is
// returned alongside it.
func (c *Checker) Check(ctx context.Context, opts Options) (*Report, error) {
	scan := NewScan(opts)
	if err := c.ScanProfiles(ctx, scan, nil); err != nil {
		return c.failed(ctx, scan, err), err
	}
	return c.Finish(ctx, scan)
}

// ScanProfiles pages through profiles from the scan's cursor until the
// store is exhausted or the scan is done. afterPage, when set, runs after
// every page; an error from it stops the scan.
func (c *Checker) ScanProfiles(ctx context.Context, scan *Scan, afterPage func(*Scan) error) error {
	for !scan.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		limit := scan.NextLimit(c.pageSize)
		page, err := retry.Value(ctx, c.exec, "profiles.list", func(ctx context.Context) ([]*models.Profile, error) {
			return c.profiles.List(ctx, scan.Cursor(), limit)
		})
		if err != nil {
			return fmt.Errorf("listing profiles: %w", err)
		}
		scan.AddProfiles(page)

		if afterPage != nil && len(page) > 0 {
			if err := afterPage(scan); err != nil {
				return err
			}
		}
		if len(page) < limit {
			return nil
		}
	}
	return nil
}

// Finish runs the identity side of the check against a completed profile
// scan and builds the report.
func (c *Checker) Finish(ctx context.Context, scan *Scan) (*Report, error) {
	b := &builder{
		report: &Report{
			Success:         true,
			Truncated:       scan.state.Truncated,
			ScannedProfiles: scan.state.Scanned,
			Summary:         newSummary(),
			Details:         map[Kind][]Record{},
		},
		matched: map[string]bool{},
	}
	for _, r := range scan.state.Missing {
		b.add(r)
	}

	var err error
	if scan.opts.CurrentIdentity != "" {
		b.report.ScanCoverage = CoverageCurrentIdentity
		err = c.checkCurrent(ctx, scan, b)
	} else {
		b.report.ScanCoverage = CoverageFull
		err = c.checkAll(ctx, scan, b)
	}
	if err != nil {
		return c.failed(ctx, scan, err), err
	}

	b.duplicates(scan.state.Profiles)

	legacy, err := retry.Value(ctx, c.exec, "profiles.count_legacy", c.profiles.CountLegacy)
	if err != nil {
		err = fmt.Errorf("counting legacy profiles: %w", err)
		return c.failed(ctx, scan, err), err
	}
	b.report.LegacyProfiles = legacy
	b.report.GeneratedAt = c.clock.Now().UTC()

	c.publish(ctx, b.report)
	if !scan.opts.IncludeDetails {
		b.report.Details = nil
	}
	return b.report, nil
}

func (c *Checker) failed(ctx context.Context, scan *Scan, err error) *Report {
	coverage := CoverageFull
	if scan.opts.CurrentIdentity != "" {
		coverage = CoverageCurrentIdentity
	}
	c.logger.Error(ctx, "consistency check failed", "error", err.Error())
	return &Report{
		Success:         false,
		Error:           err.Error(),
		ScanCoverage:    coverage,
		Truncated:       scan.state.Truncated,
		ScannedProfiles: scan.state.Scanned,
		Summary:         newSummary(),
		GeneratedAt:     c.clock.Now().UTC(),
	}
}

func (c *Checker) checkAll(ctx context.Context, scan *Scan, b *builder) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := retry.Value(ctx, c.exec, "identities.enumerate", func(ctx context.Context) (identity.Page, error) {
			return c.identities.EnumerateIdentities(ctx, token)
		})
		if err != nil {
			return fmt.Errorf("enumerating identities: %w", err)
		}
		for _, ident := range page.Identities {
			b.report.ScannedIdentities++
			if err := c.checkIdentity(ctx, scan, b, ident); err != nil {
				return err
			}
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	ids := make([]string, 0)
	for id := range scan.state.Profiles {
		if !b.matched[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := scan.state.Profiles[id]
		b.add(Record{
			Kind:       OrphanedProfile,
			IdentityID: id,
			Email:      p.Email,
			Detail:     Detail{ProfileVerified: boolPtr(p.Verified), ProfileCreatedAt: p.CreatedAt},
		})
	}
	return nil
}

func (c *Checker) checkCurrent(ctx context.Context, scan *Scan, b *builder) error {
	ident, err := retry.Value(ctx, c.exec, "identities.reload", func(ctx context.Context) (*models.Identity, error) {
		return c.identities.ReloadIdentity(ctx, scan.opts.CurrentIdentity)
	})
	if err != nil {
		return fmt.Errorf("loading current identity: %w", err)
	}
	b.report.ScannedIdentities = 1
	return c.checkIdentity(ctx, scan, b, ident)
}

// checkIdentity compares ident with its profile. A profile the scan did not
// observe is looked up directly before the identity is called orphaned:
// the scan may have been truncated or resumed, and it never sees profiles
// still in the legacy encoding.
func (c *Checker) checkIdentity(ctx context.Context, scan *Scan, b *builder, ident *models.Identity) error {
	seen, ok := scan.state.Profiles[ident.ID]
	if ok {
		b.matched[ident.ID] = true
	} else {
		p, err := retry.Value(ctx, c.exec, "profiles.get", func(ctx context.Context) (*models.Profile, error) {
			return c.profiles.Get(ctx, ident.ID)
		})
		switch {
		case err == nil:
			seen, ok = SeenProfile{Email: p.Email, Verified: p.EmailVerified, CreatedAt: p.CreatedAt}, true
		case errors.Is(err, profiles.ErrLegacyProfile):
			// counted as legacy, classified after normalization
			return nil
		case errors.Is(err, common.ErrorNotFound):
		default:
			return fmt.Errorf("confirming profile %s: %w", ident.ID, err)
		}
	}

	if !ok {
		b.add(Record{
			Kind:       OrphanedIdentity,
			IdentityID: ident.ID,
			Email:      ident.Email,
			Detail:     Detail{IdentityVerified: boolPtr(ident.EmailVerified)},
		})
		return nil
	}

	if seen.Verified != ident.EmailVerified {
		b.add(Record{
			Kind:       MismatchedVerification,
			IdentityID: ident.ID,
			Email:      ident.Email,
			Detail: Detail{
				IdentityVerified: boolPtr(ident.EmailVerified),
				ProfileVerified:  boolPtr(seen.Verified),
			},
		})
	}
	if seen.Email != "" && NormalizeEmail(seen.Email) != NormalizeEmail(ident.Email) {
		b.add(Record{
			Kind:       MismatchedEmail,
			IdentityID: ident.ID,
			Email:      ident.Email,
			Detail:     Detail{IdentityEmail: ident.Email, ProfileEmail: seen.Email},
		})
	}
	return nil
}

func (c *Checker) publish(ctx context.Context, r *Report) {
	for _, k := range Kinds {
		c.recorder.SetInconsistencies(string(k), r.Summary[k])
	}
	c.logger.Info(ctx, "consistency check finished",
		"coverage", string(r.ScanCoverage),
		"profiles", r.ScannedProfiles,
		"identities", r.ScannedIdentities,
		"inconsistencies", r.Total(),
		"truncated", r.Truncated,
	)
	if !c.audit {
		return
	}
	for _, k := range Kinds {
		for _, rec := range r.Details[k] {
			c.logger.Info(ctx, "inconsistency",
				"kind", string(rec.Kind),
				"identity", rec.IdentityID,
				"email", rec.Email,
			)
		}
	}
}

type builder struct {
	report  *Report
	matched map[string]bool
}

func (b *builder) add(r Record) {
	b.report.Summary[r.Kind]++
	b.report.Details[r.Kind] = append(b.report.Details[r.Kind], r)
}

// duplicates groups scanned profiles by normalized email. Each group is
// ordered oldest first with ties broken by id, so the first entry is the
// one to keep.
func (b *builder) duplicates(seen map[string]SeenProfile) {
	groups := map[string][]DuplicateEntry{}
	for id, p := range seen {
		email := NormalizeEmail(p.Email)
		if email == "" {
			continue
		}
		groups[email] = append(groups[email], DuplicateEntry{ID: id, CreatedAt: p.CreatedAt})
	}

	emails := make([]string, 0, len(groups))
	for email, g := range groups {
		if len(g) > 1 {
			emails = append(emails, email)
		}
	}
	sort.Strings(emails)

	for _, email := range emails {
		g := groups[email]
		SortCanonical(g)
		b.add(Record{
			Kind:       DuplicateProfile,
			IdentityID: g[0].ID,
			Email:      email,
			Detail:     Detail{Duplicates: g},
		})
	}
}

// SortCanonical orders duplicates oldest createdAt first, then by id. A
// profile without createdAt sorts after every dated one.
func SortCanonical(g []DuplicateEntry) {
	sort.SliceStable(g, func(i, j int) bool {
		a, b := g[i].CreatedAt, g[j].CreatedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return g[i].ID < g[j].ID
	})
}

func boolPtr(v bool) *bool { return &v }
