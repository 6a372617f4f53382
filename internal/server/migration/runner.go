// Package migration runs a full reconciliation pass as one resumable job:
// authorize the operator, scan both stores with checkpoints, repair, then
// persist a report with recommendations.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/gophsync/internal/timex"
	"github.com/google/uuid"
)

// DefaultReverifyAfter is how long an unverified identity may sit on its
// last verification email before its profile is flagged.
const DefaultReverifyAfter = 30 * 24 * time.Hour

type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	NormalizeLegacyMembership(ctx context.Context, dryRun bool) (profiles.LegacyStats, error)
}

type IdentityStore interface {
	ReloadIdentity(ctx context.Context, id string) (*models.Identity, error)
	EnumerateIdentities(ctx context.Context, token string) (identity.Page, error)
}

// ReportStore persists reports and checkpoints keyed by run id.
type ReportStore interface {
	SaveReport(ctx context.Context, runID string, report any) error
	LoadReport(ctx context.Context, runID string, out any) error
	SaveCheckpoint(ctx context.Context, runID string, checkpoint any) error
	LoadCheckpoint(ctx context.Context, runID string, out any) error
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// Archiver copies a finished report to long-term storage and returns where.
type Archiver interface {
	Put(ctx context.Context, runID string, body []byte) (string, error)
}

type Resender interface {
	SendWithRetry(ctx context.Context, id string) error
}

type Recorder interface {
	MigrationFinished(mode, phase string, seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) MigrationFinished(string, string, float64) {}

// Options selects what a run does. The zero value scans and reports
// without writing anything to the stores.
type Options struct {
	RunID              string            `json:"runId,omitempty" bson:"runId,omitempty"`
	Operator           string            `json:"operator" bson:"operator"`
	Live               bool              `json:"live" bson:"live"`
	Confirm            bool              `json:"confirm" bson:"confirm"`
	Repairs            reconcile.Options `json:"repairs" bson:"repairs"`
	NormalizeLegacy    bool              `json:"normalizeLegacy" bson:"normalizeLegacy"`
	MarkReverification bool              `json:"markReverification" bson:"markReverification"`
	ResendVerification bool              `json:"resendVerification" bson:"resendVerification"`
	MaxRecordsToScan   int               `json:"maxRecordsToScan,omitempty" bson:"maxRecordsToScan,omitempty"`
}

func (o Options) mode() Mode {
	if o.Live {
		return ModeLive
	}
	return ModeDryRun
}

func (o Options) validate() error {
	if o.Live && !o.Confirm {
		return &common.ValidationError{Field: "confirm", Reason: "a live run must be confirmed explicitly"}
	}
	if o.MaxRecordsToScan < 0 {
		return &common.ValidationError{Field: "maxRecordsToScan", Reason: "must not be negative"}
	}
	return nil
}

// Checkpoint is saved after every scanned page and at each phase change.
type Checkpoint struct {
	RunID     string                `json:"runId" bson:"runId"`
	Phase     Phase                 `json:"phase" bson:"phase"`
	Options   Options               `json:"options" bson:"options"`
	StartedAt time.Time             `json:"startedAt" bson:"startedAt"`
	Scan      consistency.ScanState `json:"scan" bson:"scan"`
}

type Runner struct {
	checker    *consistency.Checker
	reconciler *reconcile.Reconciler
	profiles   ProfileStore
	identities IdentityStore
	reports    ReportStore

	archiver      Archiver
	resender      Resender
	exec          *retry.Executor
	clock         timex.Clock
	logger        logging.Logger
	recorder      Recorder
	reverifyAfter time.Duration
}

type Option func(*Runner)

func WithArchiver(a Archiver) Option           { return func(r *Runner) { r.archiver = a } }
func WithResender(s Resender) Option           { return func(r *Runner) { r.resender = s } }
func WithExecutor(e *retry.Executor) Option    { return func(r *Runner) { r.exec = e } }
func WithClock(c timex.Clock) Option           { return func(r *Runner) { r.clock = c } }
func WithLogger(l logging.Logger) Option       { return func(r *Runner) { r.logger = l } }
func WithRecorder(rec Recorder) Option         { return func(r *Runner) { r.recorder = rec } }
func WithReverifyAfter(d time.Duration) Option { return func(r *Runner) { r.reverifyAfter = d } }

func New(checker *consistency.Checker, reconciler *reconcile.Reconciler, profiles ProfileStore,
	identities IdentityStore, reports ReportStore, opts ...Option) *Runner {
	r := &Runner{
		checker:       checker,
		reconciler:    reconciler,
		profiles:      profiles,
		identities:    identities,
		reports:       reports,
		clock:         timex.SystemClock{},
		logger:        logging.Nop(),
		recorder:      nopRecorder{},
		reverifyAfter: DefaultReverifyAfter,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.exec == nil {
		r.exec = retry.New(retry.DefaultPolicy(), retry.WithLogger(r.logger))
	}
	r.logger = r.logger.With("module", "migration")
	return r
}

// Run starts a new migration. Nothing is written anywhere until the
// operator has been authorized.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := Authorize(ctx, r.identities, r.profiles, opts.Operator); err != nil {
		r.logger.Warn(ctx, "migration refused", "operator", opts.Operator, "error", err.Error())
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	cp := &Checkpoint{
		RunID:     opts.RunID,
		Phase:     PhaseScan,
		Options:   opts,
		StartedAt: r.clock.Now().UTC(),
	}
	if err := r.saveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	r.logger.Info(ctx, "migration started", "run", cp.RunID, "mode", string(opts.mode()), "operator", opts.Operator)

	scan := consistency.NewScan(r.checkOptions(opts))
	return r.proceed(ctx, cp, scan, opts.Operator)
}

// Resume continues the run saved under runID. operator is authorized again
// and recorded as the performer; the remaining options come from the
// checkpoint.
func (r *Runner) Resume(ctx context.Context, runID, operator string) (*Report, error) {
	if err := Authorize(ctx, r.identities, r.profiles, operator); err != nil {
		r.logger.Warn(ctx, "migration resume refused", "run", runID, "operator", operator, "error", err.Error())
		return nil, err
	}

	var cp Checkpoint
	if err := r.reports.LoadCheckpoint(ctx, runID, &cp); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("no checkpoint for run %s: %w", runID, err)
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	r.logger.Info(ctx, "migration resumed", "run", runID, "phase", string(cp.Phase), "scanned", cp.Scan.Scanned)

	scan := consistency.ResumeScan(cp.Scan, r.checkOptions(cp.Options))
	return r.proceed(ctx, &cp, scan, operator)
}

// LoadReport returns the stored report of a finished run.
func (r *Runner) LoadReport(ctx context.Context, runID string) (*Report, error) {
	var rep Report
	if err := r.reports.LoadReport(ctx, runID, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *Runner) checkOptions(opts Options) consistency.Options {
	return consistency.Options{IncludeDetails: true, MaxRecordsToScan: opts.MaxRecordsToScan}
}

func (r *Runner) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	err := r.exec.Do(ctx, "save checkpoint", func(ctx context.Context) error {
		return r.reports.SaveCheckpoint(ctx, cp.RunID, cp)
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// proceed drives a run from its checkpointed phase to the end. A failure
// before the report is saved leaves the checkpoint in place for Resume.
func (r *Runner) proceed(ctx context.Context, cp *Checkpoint, scan *consistency.Scan, operator string) (*Report, error) {
	opts := cp.Options
	rep := &Report{
		Metadata: Metadata{
			Version:     ReportVersion,
			RunID:       cp.RunID,
			Mode:        opts.mode(),
			StartedAt:   cp.StartedAt,
			PerformedBy: operator,
			Resumed:     scan.Resumed(),
		},
		Phase:   cp.Phase,
		Options: opts,
		Errors:  []PhaseError{},
	}

	if cp.Phase == PhaseScan {
		err := r.checker.ScanProfiles(ctx, scan, func(s *consistency.Scan) error {
			cp.Scan = s.State()
			return r.saveCheckpoint(ctx, cp)
		})
		if err != nil {
			return r.abort(ctx, rep, PhaseScan, err)
		}
	}

	before, err := r.checker.Finish(ctx, scan)
	if err != nil {
		return r.abort(ctx, rep, PhaseScan, err)
	}
	rep.Consistency = before

	if cp.Phase == PhaseScan {
		cp.Phase = PhaseRepair
		cp.Scan = scan.State()
		if err := r.saveCheckpoint(ctx, cp); err != nil {
			return r.abort(ctx, rep, PhaseRepair, err)
		}
	}
	rep.Phase = PhaseRepair
	r.repair(ctx, rep, before)
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, rep, PhaseRepair, err)
	}

	rep.Phase = PhaseReport
	if opts.Live {
		after, err := r.checker.Check(ctx, r.checkOptions(opts))
		if err != nil {
			rep.addError(PhaseReport, "", err)
		}
		rep.Verification = after
	}
	rep.Recommendations = recommend(rep)

	now := r.clock.Now().UTC()
	rep.Phase = PhaseDone
	rep.Metadata.FinishedAt = now
	rep.Metadata.DurationSeconds = now.Sub(cp.StartedAt).Seconds()

	r.archive(ctx, rep)
	err = r.exec.Do(ctx, "save report", func(ctx context.Context) error {
		return r.reports.SaveReport(ctx, rep.Metadata.RunID, rep)
	})
	if err != nil {
		return r.abort(ctx, rep, PhaseReport, fmt.Errorf("saving report: %w", err))
	}

	if err := r.reports.DeleteCheckpoint(ctx, cp.RunID); err != nil {
		r.logger.Warn(ctx, "removing checkpoint failed", "run", cp.RunID, "error", err.Error())
	}
	r.recorder.MigrationFinished(string(rep.Metadata.Mode), string(PhaseDone), rep.Metadata.DurationSeconds)
	r.logger.Info(ctx, "migration finished",
		"run", cp.RunID,
		"mode", string(rep.Metadata.Mode),
		"inconsistencies", before.Total(),
		"errors", len(rep.Errors),
		"seconds", rep.Metadata.DurationSeconds,
	)
	return rep, nil
}

func (r *Runner) abort(ctx context.Context, rep *Report, phase Phase, err error) (*Report, error) {
	rep.Phase = phase
	rep.addError(phase, "", err)
	secs := r.clock.Now().UTC().Sub(rep.Metadata.StartedAt).Seconds()
	r.recorder.MigrationFinished(string(rep.Metadata.Mode), string(phase), secs)
	r.logger.Error(ctx, "migration stopped", "run", rep.Metadata.RunID, "phase", string(phase), "error", err.Error())
	return rep, err
}

// repair runs every enabled repair step. Failures are recorded on the
// report and never stop the remaining steps.
func (r *Runner) repair(ctx context.Context, rep *Report, before *consistency.Report) {
	opts := rep.Options

	if opts.NormalizeLegacy {
		stats, err := r.profiles.NormalizeLegacyMembership(ctx, !opts.Live)
		if err != nil {
			rep.addError(PhaseRepair, "", fmt.Errorf("normalizing legacy profiles: %w", err))
		} else {
			rep.Legacy = &stats
		}
	}

	repairs := opts.Repairs
	repairs.Live = opts.Live
	res, err := r.reconciler.Reconcile(ctx, before, repairs)
	if err != nil {
		rep.addError(PhaseRepair, "", err)
	}
	if res != nil {
		rep.Reconcile = res
		for _, e := range res.Errors {
			rep.Errors = append(rep.Errors, PhaseError{
				Phase:      PhaseRepair,
				IdentityID: e.IdentityID,
				Class:      e.Class,
				Error:      string(e.Kind) + ": " + e.Error,
			})
		}
	}

	if opts.MarkReverification {
		rep.Reverification = r.markReverification(ctx, rep)
	}
}

// markReverification flags the profiles of unverified identities whose last
// verification email is older than reverifyAfter, and optionally mails them
// again. A dry run only counts.
func (r *Runner) markReverification(ctx context.Context, rep *Report) *ReverificationStats {
	stats := &ReverificationStats{IDs: []string{}}
	cutoff := r.clock.Now().UTC().Add(-r.reverifyAfter)

	token := ""
	for {
		if ctx.Err() != nil {
			rep.addError(PhaseRepair, "", ctx.Err())
			return stats
		}
		page, err := retry.Value(ctx, r.exec, "enumerate identities", func(ctx context.Context) (identity.Page, error) {
			return r.identities.EnumerateIdentities(ctx, token)
		})
		if err != nil {
			rep.addError(PhaseRepair, "", fmt.Errorf("enumerating identities: %w", err))
			return stats
		}

		for _, ident := range page.Identities {
			if ident.EmailVerified || ident.LastVerificationSentAt == nil || ident.LastVerificationSentAt.After(cutoff) {
				continue
			}
			r.flagReverification(ctx, rep, stats, ident.ID)
		}

		if page.NextToken == "" {
			return stats
		}
		token = page.NextToken
	}
}

func (r *Runner) flagReverification(ctx context.Context, rep *Report, stats *ReverificationStats, id string) {
	opts := rep.Options

	p, err := r.profiles.Get(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) || errors.Is(err, profiles.ErrLegacyProfile) {
			return
		}
		rep.addError(PhaseRepair, id, err)
		return
	}
	if p.NeedsReverification {
		stats.AlreadyMarked++
		return
	}

	stats.IDs = append(stats.IDs, id)
	if !opts.Live {
		stats.Marked++
		return
	}

	err = r.exec.Do(ctx, "mark reverification", func(ctx context.Context) error {
		return r.profiles.Update(ctx, id, map[string]any{models.FieldNeedsReverification: true})
	})
	if err != nil {
		rep.addError(PhaseRepair, id, err)
		return
	}
	stats.Marked++

	if opts.ResendVerification && r.resender != nil {
		if err := r.resender.SendWithRetry(ctx, id); err != nil {
			rep.addError(PhaseRepair, id, err)
			return
		}
		stats.Resent++
	}
}

// archive uploads the report when an archiver is configured. A failed
// upload is recorded and the run carries on.
func (r *Runner) archive(ctx context.Context, rep *Report) {
	if r.archiver == nil {
		return
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		rep.addError(PhaseReport, "", fmt.Errorf("encoding report: %w", err))
		return
	}
	url, err := r.archiver.Put(ctx, rep.Metadata.RunID, body)
	if err != nil {
		rep.addError(PhaseReport, "", fmt.Errorf("archiving report: %w", err))
		r.logger.Warn(ctx, "report archive failed", "run", rep.Metadata.RunID, "error", err.Error())
		return
	}
	rep.ArchiveURL = url
}

func (rep *Report) addError(phase Phase, id string, err error) {
	rep.Errors = append(rep.Errors, PhaseError{
		Phase:      phase,
		IdentityID: id,
		Class:      common.KindOf(err).String(),
		Error:      err.Error(),
	})
}
