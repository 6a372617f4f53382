package reconcile

import (
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
)

const (
	DefaultBatchSize    = 100
	DefaultMinOrphanAge = 7 * 24 * time.Hour

	UnknownUserName = "Unknown User"
)

// Options selects which kinds get repaired. The zero value repairs nothing
// and writes nothing: Live must be set for any mutation to happen.
//
// MinOrphanAge of zero means DefaultMinOrphanAge; a negative value turns
// the age check off.
type Options struct {
	Live                  bool          `json:"live"`
	FixMissingFields      bool          `json:"fixMissingFields"`
	FixVerificationStatus bool          `json:"fixVerificationStatus"`
	CreateMissingProfiles bool          `json:"createMissingProfiles"`
	RemoveOrphans         bool          `json:"removeOrphans"`
	CleanDuplicates       bool          `json:"cleanDuplicates"`
	FixEmailMismatch      bool          `json:"fixEmailMismatch"`
	BatchSize             int           `json:"batchSize,omitempty"`
	MinOrphanAge          time.Duration `json:"minOrphanAge,omitempty"`
}

// All enables every repair. Live stays as given.
func (o Options) All() Options {
	o.FixMissingFields = true
	o.FixVerificationStatus = true
	o.CreateMissingProfiles = true
	o.RemoveOrphans = true
	o.CleanDuplicates = true
	o.FixEmailMismatch = true
	return o
}

func (o Options) enabled(k consistency.Kind) bool {
	switch k {
	case consistency.MissingRequiredFields:
		return o.FixMissingFields
	case consistency.MismatchedVerification:
		return o.FixVerificationStatus
	case consistency.OrphanedIdentity:
		return o.CreateMissingProfiles
	case consistency.OrphanedProfile:
		return o.RemoveOrphans
	case consistency.DuplicateProfile:
		return o.CleanDuplicates
	case consistency.MismatchedEmail:
		return o.FixEmailMismatch
	}
	return false
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o Options) minOrphanAge() time.Duration {
	if o.MinOrphanAge == 0 {
		return DefaultMinOrphanAge
	}
	return o.MinOrphanAge
}

type Status string

const (
	StatusPlanned Status = "planned"
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpNone   Op = "none"
)

// Action is one repair, taken or (in a dry run) proposed.
type Action struct {
	Kind       consistency.Kind `json:"kind" bson:"kind"`
	IdentityID string           `json:"identityId" bson:"identityId"`
	Op         Op               `json:"op" bson:"op"`
	Fields     map[string]any   `json:"fields,omitempty" bson:"fields,omitempty"`
	Status     Status           `json:"status" bson:"status"`
	Reason     string           `json:"reason,omitempty" bson:"reason,omitempty"`
}

// ItemError is one account whose repair failed. Class is the taxonomy
// kind of the failure.
type ItemError struct {
	Kind       consistency.Kind `json:"kind" bson:"kind"`
	IdentityID string           `json:"identityId" bson:"identityId"`
	Class      string           `json:"class" bson:"class"`
	Error      string           `json:"error" bson:"error"`
}

func newItemError(k consistency.Kind, id string, err error) ItemError {
	return ItemError{Kind: k, IdentityID: id, Class: common.KindOf(err).String(), Error: err.Error()}
}

// Result summarizes one Reconcile call. Planned counts every write the run
// decided on; in live mode each of those ends up applied or failed.
type Result struct {
	DryRun  bool        `json:"dryRun" bson:"dryRun"`
	Planned int         `json:"planned" bson:"planned"`
	Applied int         `json:"applied" bson:"applied"`
	Skipped int         `json:"skipped" bson:"skipped"`
	Failed  int         `json:"failed" bson:"failed"`
	Actions []Action    `json:"actions" bson:"actions"`
	Errors  []ItemError `json:"errors" bson:"errors"`
}

// CountActions counts actions of kind k with status s.
func (r *Result) CountActions(k consistency.Kind, s Status) int {
	n := 0
	for _, a := range r.Actions {
		if a.Kind == k && a.Status == s {
			n++
		}
	}
	return n
}
