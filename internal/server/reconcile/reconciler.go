// Package reconcile repairs the inconsistencies found by a consistency
// check. Every repair re-reads the current state of the account first, so
// running it twice is the same as running it once, and nothing is written
// unless the caller asks for a live run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	BulkWrite(ctx context.Context, ops []profiles.Op) (profiles.BulkResult, error)
}

type IdentityStore interface {
	ReloadIdentity(ctx context.Context, id string) (*models.Identity, error)
}

type Recorder interface {
	ReconcileAction(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) ReconcileAction(string, string) {}

// order puts deletions first so that later kinds can skip profiles that are
// about to disappear.
var order = []consistency.Kind{
	consistency.DuplicateProfile,
	consistency.OrphanedProfile,
	consistency.OrphanedIdentity,
	consistency.MissingRequiredFields,
	consistency.MismatchedVerification,
	consistency.MismatchedEmail,
}

type Reconciler struct {
	profiles   ProfileStore
	identities IdentityStore
	exec       *retry.Executor
	clock      timex.Clock
	logger     logging.Logger
	recorder   Recorder
}

type Option func(*Reconciler)

func WithExecutor(e *retry.Executor) Option { return func(r *Reconciler) { r.exec = e } }
func WithClock(c timex.Clock) Option        { return func(r *Reconciler) { r.clock = c } }
func WithLogger(l logging.Logger) Option    { return func(r *Reconciler) { r.logger = l } }
func WithRecorder(rec Recorder) Option      { return func(r *Reconciler) { r.recorder = rec } }

func New(profiles ProfileStore, identities IdentityStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		profiles:   profiles,
		identities: identities,
		clock:      timex.SystemClock{},
		logger:     logging.Nop(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("module", "reconcile")
	if r.exec == nil {
		r.exec = retry.New(retry.DefaultPolicy(), retry.WithLogger(r.logger))
	}
	return r
}

// pending is a planned write waiting for its batch.
type pending struct {
	op     profiles.Op
	action int
	orphan bool
}

type run struct {
	opts    Options
	now     time.Time
	result  *Result
	queue   []pending
	deleted map[string]bool
}

// Reconcile applies the repairs enabled in opts to the records of report.
// Item failures are collected in Result.Errors and never stop the run. The
// returned error is set only when the report itself is unusable.
func (r *Reconciler) Reconcile(ctx context.Context, report *consistency.Report, opts Options) (*Result, error) {
	if report == nil || !report.Success {
		return nil, &common.ValidationError{Field: "report", Reason: "a successful consistency report is required"}
	}
	if report.Details == nil && report.Total() > 0 {
		return nil, &common.ValidationError{Field: "report", Reason: "report was generated without details"}
	}

	st := &run{
		opts:    opts,
		now:     r.clock.Now().UTC(),
		result:  &Result{DryRun: !opts.Live, Actions: []Action{}, Errors: []ItemError{}},
		deleted: map[string]bool{},
	}

	for _, kind := range order {
		if !opts.enabled(kind) {
			continue
		}
		for _, rec := range report.Details[kind] {
			if err := ctx.Err(); err != nil {
				r.flush(ctx, st)
				return st.result, err
			}
			r.plan(ctx, st, rec)
			if len(st.queue) >= opts.batchSize() {
				r.flush(ctx, st)
			}
		}
	}
	r.flush(ctx, st)

	r.logger.Info(ctx, "reconciliation finished",
		"dry_run", st.result.DryRun,
		"planned", st.result.Planned,
		"applied", st.result.Applied,
		"skipped", st.result.Skipped,
		"errors", len(st.result.Errors),
	)
	return st.result, nil
}

func (r *Reconciler) plan(ctx context.Context, st *run, rec consistency.Record) {
	var err error
	switch rec.Kind {
	case consistency.MissingRequiredFields:
		err = r.planMissingFields(ctx, st, rec)
	case consistency.MismatchedVerification:
		err = r.planVerification(ctx, st, rec)
	case consistency.OrphanedIdentity:
		err = r.planMissingProfile(ctx, st, rec)
	case consistency.OrphanedProfile:
		err = r.planOrphanRemoval(ctx, st, rec)
	case consistency.DuplicateProfile:
		err = r.planDuplicates(ctx, st, rec)
	case consistency.MismatchedEmail:
		err = r.planEmail(ctx, st, rec)
	}
	if err != nil {
		r.fail(ctx, st, rec.Kind, rec.IdentityID, err)
	}
}

func (r *Reconciler) getProfile(ctx context.Context, id string) (*models.Profile, error) {
	return retry.Value(ctx, r.exec, "profiles.get", func(ctx context.Context) (*models.Profile, error) {
		return r.profiles.Get(ctx, id)
	})
}

func (r *Reconciler) getIdentity(ctx context.Context, id string) (*models.Identity, error) {
	return retry.Value(ctx, r.exec, "identities.reload", func(ctx context.Context) (*models.Identity, error) {
		return r.identities.ReloadIdentity(ctx, id)
	})
}

// currentProfile re-reads a profile. ok is false (with a skip recorded)
// when the profile is gone, unreadable in its legacy form, or about to be
// deleted by this run.
func (r *Reconciler) currentProfile(ctx context.Context, st *run, kind consistency.Kind, id string) (*models.Profile, bool, error) {
	if st.deleted[id] {
		r.skip(st, kind, id, "profile is being removed")
		return nil, false, nil
	}
	p, err := r.getProfile(ctx, id)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, common.ErrorNotFound):
		r.skip(st, kind, id, "profile no longer exists")
		return nil, false, nil
	case errors.Is(err, profiles.ErrLegacyProfile):
		r.skip(st, kind, id, "profile awaits legacy normalization")
		return nil, false, nil
	}
	return nil, false, err
}

func (r *Reconciler) planMissingFields(ctx context.Context, st *run, rec consistency.Record) error {
	p, ok, err := r.currentProfile(ctx, st, rec.Kind, rec.IdentityID)
	if !ok {
		return err
	}

	missing := consistency.MissingFields(p)
	if len(missing) == 0 {
		r.skip(st, rec.Kind, p.ID, "required fields already present")
		return nil
	}

	fields := map[string]any{}
	for _, f := range missing {
		switch f {
		case models.FieldRole:
			fields[f] = string(models.RoleCustomer)
		case models.FieldCreatedAt:
			fields[f] = st.now
		case models.FieldFullName:
			fields[f] = UnknownUserName
		case models.FieldEmail:
			ident, err := r.getIdentity(ctx, p.ID)
			switch {
			case err == nil:
				if strings.TrimSpace(ident.Email) != "" {
					fields[f] = ident.Email
				}
			case !errors.Is(err, common.ErrorNotFound):
				return err
			}
		}
	}

	if len(fields) == 0 {
		r.skip(st, rec.Kind, p.ID, "no source for missing email")
		return nil
	}
	r.enqueue(st, rec.Kind, OpUpdate, profiles.Op{Kind: profiles.OpUpdate, ID: p.ID, Fields: fields}, false)
	return nil
}

func (r *Reconciler) planVerification(ctx context.Context, st *run, rec consistency.Record) error {
	ident, err := r.getIdentity(ctx, rec.IdentityID)
	if errors.Is(err, common.ErrorNotFound) {
		r.skip(st, rec.Kind, rec.IdentityID, "identity no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	p, ok, err := r.currentProfile(ctx, st, rec.Kind, rec.IdentityID)
	if !ok {
		return err
	}

	if p.EmailVerified == ident.EmailVerified {
		r.skip(st, rec.Kind, p.ID, "verification already in sync")
		return nil
	}
	fields := map[string]any{
		models.FieldEmailVerified:        ident.EmailVerified,
		models.FieldVerificationSyncedAt: st.now,
	}
	r.enqueue(st, rec.Kind, OpUpdate, profiles.Op{Kind: profiles.OpUpdate, ID: p.ID, Fields: fields}, false)
	return nil
}

func (r *Reconciler) planMissingProfile(ctx context.Context, st *run, rec consistency.Record) error {
	ident, err := r.getIdentity(ctx, rec.IdentityID)
	if errors.Is(err, common.ErrorNotFound) {
		r.skip(st, rec.Kind, rec.IdentityID, "identity no longer exists")
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.getProfile(ctx, ident.ID)
	switch {
	case err == nil, errors.Is(err, profiles.ErrLegacyProfile):
		r.skip(st, rec.Kind, ident.ID, "profile already exists")
		return nil
	case !errors.Is(err, common.ErrorNotFound):
		return err
	}

	created := st.now
	p := &models.Profile{
		ID:               ident.ID,
		Email:            ident.Email,
		FullName:         UnknownUserName,
		Role:             models.RoleCustomer,
		EmailVerified:    ident.EmailVerified,
		CreatedAt:        &created,
		RecoveredAccount: true,
		MigrationCreated: true,
		MigrationNote:    "profile recreated for identity without profile",
	}
	r.enqueue(st, rec.Kind, OpCreate, profiles.Op{Kind: profiles.OpSet, ID: p.ID, Profile: p}, false)
	return nil
}

func (r *Reconciler) planOrphanRemoval(ctx context.Context, st *run, rec consistency.Record) error {
	p, ok, err := r.currentProfile(ctx, st, rec.Kind, rec.IdentityID)
	if !ok {
		return err
	}

	if minAge := st.opts.minOrphanAge(); minAge > 0 {
		if p.CreatedAt == nil {
			r.skip(st, rec.Kind, p.ID, "profile age unknown")
			return nil
		}
		if st.now.Sub(*p.CreatedAt) < minAge {
			r.skip(st, rec.Kind, p.ID, "profile younger than minimum orphan age")
			return nil
		}
	}

	if err := r.confirmOrphan(ctx, p.ID); err != nil {
		return err
	}
	r.enqueue(st, rec.Kind, OpDelete, profiles.Op{Kind: profiles.OpDelete, ID: p.ID}, true)
	return nil
}

// confirmOrphan fails with a RaceConditionError when the identity of id
// exists again.
func (r *Reconciler) confirmOrphan(ctx context.Context, id string) error {
	_, err := r.getIdentity(ctx, id)
	switch {
	case err == nil:
		return &common.RaceConditionError{ID: id, Reason: "identity exists again"}
	case errors.Is(err, common.ErrorNotFound):
		return nil
	}
	return err
}

func (r *Reconciler) planDuplicates(ctx context.Context, st *run, rec consistency.Record) error {
	group := make([]consistency.DuplicateEntry, 0, len(rec.Detail.Duplicates))
	for _, d := range rec.Detail.Duplicates {
		if st.deleted[d.ID] {
			continue
		}
		p, err := r.getProfile(ctx, d.ID)
		switch {
		case err == nil:
		case errors.Is(err, common.ErrorNotFound), errors.Is(err, profiles.ErrLegacyProfile):
			continue
		default:
			r.fail(ctx, st, rec.Kind, d.ID, err)
			return nil
		}
		if consistency.NormalizeEmail(p.Email) != rec.Email {
			continue
		}
		group = append(group, consistency.DuplicateEntry{ID: p.ID, CreatedAt: p.CreatedAt})
	}

	if len(group) < 2 {
		r.skip(st, rec.Kind, rec.IdentityID, "no duplicates left")
		return nil
	}

	consistency.SortCanonical(group)
	for _, d := range group[1:] {
		r.enqueue(st, rec.Kind, OpDelete, profiles.Op{Kind: profiles.OpDelete, ID: d.ID}, false)
	}
	return nil
}

func (r *Reconciler) planEmail(ctx context.Context, st *run, rec consistency.Record) error {
	ident, err := r.getIdentity(ctx, rec.IdentityID)
	if errors.Is(err, common.ErrorNotFound) {
		r.skip(st, rec.Kind, rec.IdentityID, "identity no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	p, ok, err := r.currentProfile(ctx, st, rec.Kind, rec.IdentityID)
	if !ok {
		return err
	}

	if consistency.NormalizeEmail(p.Email) == consistency.NormalizeEmail(ident.Email) {
		r.skip(st, rec.Kind, p.ID, "email already in sync")
		return nil
	}
	fields := map[string]any{models.FieldEmail: ident.Email}
	r.enqueue(st, rec.Kind, OpUpdate, profiles.Op{Kind: profiles.OpUpdate, ID: p.ID, Fields: fields}, false)
	return nil
}

func (r *Reconciler) enqueue(st *run, kind consistency.Kind, op Op, write profiles.Op, orphan bool) {
	a := Action{Kind: kind, IdentityID: write.ID, Op: op, Fields: write.Fields, Status: StatusPlanned}
	if write.Profile != nil {
		a.Fields = map[string]any{
			models.FieldRole:          string(write.Profile.Role),
			models.FieldEmailVerified: write.Profile.EmailVerified,
		}
	}
	st.result.Actions = append(st.result.Actions, a)
	st.result.Planned++
	if write.Kind == profiles.OpDelete {
		st.deleted[write.ID] = true
	}
	st.queue = append(st.queue, pending{op: write, action: len(st.result.Actions) - 1, orphan: orphan})
}

func (r *Reconciler) skip(st *run, kind consistency.Kind, id, reason string) {
	st.result.Actions = append(st.result.Actions, Action{Kind: kind, IdentityID: id, Op: OpNone, Status: StatusSkipped, Reason: reason})
	st.result.Skipped++
	r.recorder.ReconcileAction(string(kind), string(StatusSkipped))
}

// fail records an item error found while planning. A race is not a
// failure of the repair: the item is skipped and the error kept for the
// record.
func (r *Reconciler) fail(ctx context.Context, st *run, kind consistency.Kind, id string, err error) {
	status := StatusFailed
	if common.KindOf(err) == common.KindRaceCondition {
		status = StatusSkipped
		st.result.Skipped++
	} else {
		st.result.Failed++
	}
	st.result.Actions = append(st.result.Actions, Action{Kind: kind, IdentityID: id, Op: OpNone, Status: status, Reason: err.Error()})
	st.result.Errors = append(st.result.Errors, newItemError(kind, id, err))
	r.recorder.ReconcileAction(string(kind), string(status))
	r.logger.Warn(ctx, "repair not applied", "kind", string(kind), "identity", id, "error", err.Error())
}

// flush commits the queued writes as one batch. A dry run only drops the
// queue. Orphan deletions are confirmed once more right before the write.
func (r *Reconciler) flush(ctx context.Context, st *run) {
	queue := st.queue
	st.queue = nil
	if len(queue) == 0 || !st.opts.Live {
		for _, p := range queue {
			r.recorder.ReconcileAction(string(st.result.Actions[p.action].Kind), string(StatusPlanned))
		}
		return
	}

	ops := make([]profiles.Op, 0, len(queue))
	byID := map[string][]int{}
	for _, p := range queue {
		a := &st.result.Actions[p.action]
		if p.orphan {
			if err := r.confirmOrphan(ctx, p.op.ID); err != nil {
				r.markFailed(st, a, err)
				continue
			}
		}
		ops = append(ops, p.op)
		byID[p.op.ID] = append(byID[p.op.ID], p.action)
	}
	if len(ops) == 0 {
		return
	}

	err := r.exec.Do(ctx, "profiles.bulk_write", func(ctx context.Context) error {
		_, err := r.profiles.BulkWrite(ctx, ops)
		return err
	})

	failed := map[string]error{}
	var partial *common.PartialBatchFailure
	switch {
	case err == nil:
	case errors.As(err, &partial):
		for _, f := range partial.Failures {
			failed[f.ID] = f.Err
		}
	default:
		for _, op := range ops {
			failed[op.ID] = fmt.Errorf("batch write: %w", err)
		}
	}

	for _, op := range ops {
		for _, idx := range byID[op.ID] {
			a := &st.result.Actions[idx]
			if a.Status != StatusPlanned {
				continue
			}
			if ferr, ok := failed[op.ID]; ok {
				r.markFailed(st, a, ferr)
				continue
			}
			a.Status = StatusApplied
			st.result.Applied++
			r.recorder.ReconcileAction(string(a.Kind), string(StatusApplied))
		}
	}
}

func (r *Reconciler) markFailed(st *run, a *Action, err error) {
	a.Status = StatusFailed
	if common.KindOf(err) == common.KindRaceCondition {
		a.Status = StatusSkipped
		st.result.Skipped++
	} else {
		st.result.Failed++
	}
	a.Reason = err.Error()
	st.result.Errors = append(st.result.Errors, newItemError(a.Kind, a.IdentityID, err))
	r.recorder.ReconcileAction(string(a.Kind), string(a.Status))
}
