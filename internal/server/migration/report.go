package migration

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/profiles"
)

// ReportVersion is bumped only for additive changes to Report.
const ReportVersion = "1.0.0"

type Phase string

const (
	PhaseInit   Phase = "init"
	PhaseScan   Phase = "scan"
	PhaseRepair Phase = "repair"
	PhaseReport Phase = "report"
	PhaseDone   Phase = "done"
)

type Mode string

const (
	ModeDryRun Mode = "DRY_RUN"
	ModeLive   Mode = "LIVE"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

type Recommendation struct {
	Priority Priority `json:"priority" bson:"priority"`
	Message  string   `json:"message" bson:"message"`
	Option   string   `json:"option,omitempty" bson:"option,omitempty"`
}

type Metadata struct {
	Version         string    `json:"version" bson:"version"`
	RunID           string    `json:"runId" bson:"runId"`
	Mode            Mode      `json:"mode" bson:"mode"`
	StartedAt       time.Time `json:"startedAt" bson:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt" bson:"finishedAt"`
	DurationSeconds float64   `json:"durationSeconds" bson:"durationSeconds"`
	PerformedBy     string    `json:"performedBy" bson:"performedBy"`
	Resumed         bool      `json:"resumed" bson:"resumed"`
}

// PhaseError is one failure recorded during a run. Class is the taxonomy
// kind of the underlying error.
type PhaseError struct {
	Phase      Phase  `json:"phase" bson:"phase"`
	IdentityID string `json:"identityId,omitempty" bson:"identityId,omitempty"`
	Class      string `json:"class" bson:"class"`
	Error      string `json:"error" bson:"error"`
}

type ReverificationStats struct {
	Marked        int      `json:"marked" bson:"marked"`
	AlreadyMarked int      `json:"alreadyMarked" bson:"alreadyMarked"`
	Resent        int      `json:"resent" bson:"resent"`
	IDs           []string `json:"ids,omitempty" bson:"ids,omitempty"`
}

// Report is the persisted record of one migration run.
type Report struct {
	Metadata        Metadata              `json:"metadata" bson:"metadata"`
	Phase           Phase                 `json:"phase" bson:"phase"`
	Options         Options               `json:"options" bson:"options"`
	Consistency     *consistency.Report   `json:"consistency,omitempty" bson:"consistency,omitempty"`
	Legacy          *profiles.LegacyStats `json:"legacy,omitempty" bson:"legacy,omitempty"`
	Reconcile       *reconcile.Result     `json:"reconcile,omitempty" bson:"reconcile,omitempty"`
	Reverification  *ReverificationStats  `json:"reverification,omitempty" bson:"reverification,omitempty"`
	Verification    *consistency.Report   `json:"verification,omitempty" bson:"verification,omitempty"`
	Errors          []PhaseError          `json:"errors" bson:"errors"`
	Recommendations []Recommendation      `json:"recommendations" bson:"recommendations"`
	ArchiveURL      string                `json:"archiveUrl,omitempty" bson:"archiveUrl,omitempty"`
}

// recommend derives follow-ups from what the run found. A finding that this
// run already repaired live produces no recommendation.
func recommend(rep *Report) []Recommendation {
	var out []Recommendation
	opts := rep.Options
	fixed := func(enabled bool) bool { return opts.Live && enabled }

	if c := rep.Consistency; c != nil {
		if n := c.Count(consistency.DuplicateProfile); n > 0 && !fixed(opts.Repairs.CleanDuplicates) {
			out = append(out, Recommendation{
				Priority: PriorityHigh,
				Message:  fmt.Sprintf("%d email address(es) are shared by several profiles", n),
				Option:   "cleanDuplicates",
			})
		}
		if n := c.Count(consistency.OrphanedIdentity); n > 0 && !fixed(opts.Repairs.CreateMissingProfiles) {
			out = append(out, Recommendation{
				Priority: PriorityHigh,
				Message:  fmt.Sprintf("%d identities have no profile", n),
				Option:   "createMissingProfiles",
			})
		}
		if n := c.Count(consistency.OrphanedProfile); n > 0 && !fixed(opts.Repairs.RemoveOrphans) {
			out = append(out, Recommendation{
				Priority: PriorityMedium,
				Message:  fmt.Sprintf("%d profiles have no identity; review them before removal", n),
				Option:   "removeOrphans",
			})
		}
		if c.LegacyProfiles > 0 && !fixed(opts.NormalizeLegacy) {
			out = append(out, Recommendation{
				Priority: PriorityMedium,
				Message:  fmt.Sprintf("%d profiles still use the legacy membership encoding", c.LegacyProfiles),
				Option:   "normalizeLegacy",
			})
		}
	}
	if rv := rep.Reverification; rv != nil && rv.Marked+rv.AlreadyMarked > 10 {
		out = append(out, Recommendation{
			Priority: PriorityMedium,
			Message:  fmt.Sprintf("%d accounts need reverification; send bulk verification emails", rv.Marked+rv.AlreadyMarked),
			Option:   "resendVerification",
		})
	}
	if len(rep.Errors) > 0 {
		out = append(out, Recommendation{
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("%d error(s) occurred; inspect them before the next run", len(rep.Errors)),
		})
	}
	if len(out) == 0 {
		out = append(out, Recommendation{Priority: PriorityLow, Message: "No major issues found"})
	}
	return out
}
