package services

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
)

type Checker interface {
	Check(ctx context.Context, opts consistency.Options) (*consistency.Report, error)
}

type Repairer interface {
	Reconcile(ctx context.Context, report *consistency.Report, opts reconcile.Options) (*reconcile.Result, error)
}

type Migrator interface {
	Run(ctx context.Context, opts migration.Options) (*migration.Report, error)
	Resume(ctx context.Context, runID, operator string) (*migration.Report, error)
	LoadReport(ctx context.Context, runID string) (*migration.Report, error)
}

// ReconcileRequest asks for a fresh check followed by the selected repairs.
// A live request must also carry Confirm.
type ReconcileRequest struct {
	Options          reconcile.Options `json:"options"`
	Confirm          bool              `json:"confirm"`
	MaxRecordsToScan int               `json:"maxRecordsToScan,omitempty"`
}

type ReconcileOutcome struct {
	Report *consistency.Report `json:"report"`
	Result *reconcile.Result   `json:"result"`
}

// AdminService gates the consistency tooling behind the operator check
// shared with the migration runner.
type AdminService struct {
	identities migration.OperatorStores
	profiles   migration.ProfileReader
	checker    Checker
	repairer   Repairer
	migrator   Migrator
	logger     logging.Logger
}

func NewAdminService(identities migration.OperatorStores, profiles migration.ProfileReader,
	checker Checker, repairer Repairer, migrator Migrator, logger logging.Logger) *AdminService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &AdminService{
		identities: identities,
		profiles:   profiles,
		checker:    checker,
		repairer:   repairer,
		migrator:   migrator,
		logger:     logger.With("module", "admin"),
	}
}

func (a *AdminService) authorize(ctx context.Context, operator, op string) error {
	if err := migration.Authorize(ctx, a.identities, a.profiles, operator); err != nil {
		a.logger.Warn(ctx, "admin request refused", "operator", operator, "op", op)
		return err
	}
	return nil
}

// CheckConsistency runs a read-only check. A report is returned even when
// the check fails part way.
func (a *AdminService) CheckConsistency(ctx context.Context, operator string, opts consistency.Options) (*consistency.Report, error) {
	if err := a.authorize(ctx, operator, "check"); err != nil {
		return nil, err
	}
	return a.checker.Check(ctx, opts)
}

// Reconcile checks with details and applies the requested repairs to what
// the check found.
func (a *AdminService) Reconcile(ctx context.Context, operator string, req ReconcileRequest) (*ReconcileOutcome, error) {
	if req.Options.Live && !req.Confirm {
		return nil, &common.ValidationError{Field: "confirm", Reason: "a live run must be confirmed explicitly"}
	}
	if err := a.authorize(ctx, operator, "reconcile"); err != nil {
		return nil, err
	}

	report, err := a.checker.Check(ctx, consistency.Options{IncludeDetails: true, MaxRecordsToScan: req.MaxRecordsToScan})
	if err != nil {
		return &ReconcileOutcome{Report: report}, fmt.Errorf("consistency check: %w", err)
	}
	res, err := a.repairer.Reconcile(ctx, report, req.Options)
	out := &ReconcileOutcome{Report: report, Result: res}
	if err != nil {
		return out, err
	}
	a.logger.Info(ctx, "reconciliation requested", "operator", operator, "live", req.Options.Live, "applied", res.Applied)
	return out, nil
}

func (a *AdminService) StartMigration(ctx context.Context, opts migration.Options) (*migration.Report, error) {
	return a.migrator.Run(ctx, opts)
}

func (a *AdminService) ResumeMigration(ctx context.Context, operator, runID string) (*migration.Report, error) {
	return a.migrator.Resume(ctx, runID, operator)
}

func (a *AdminService) MigrationReport(ctx context.Context, operator, runID string) (*migration.Report, error) {
	if err := a.authorize(ctx, operator, "report"); err != nil {
		return nil, err
	}
	return a.migrator.LoadReport(ctx, runID)
}
