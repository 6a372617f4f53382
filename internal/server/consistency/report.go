// Package consistency compares the identity store with the profile store
// and classifies every violation of the one-profile-per-identity rule.
// Checking never writes to either store.
package consistency

import (
	"time"
)

type Kind string

const (
	OrphanedIdentity       Kind = "orphaned_identity"
	OrphanedProfile        Kind = "orphaned_profile"
	MismatchedVerification Kind = "mismatched_verification"
	MissingRequiredFields  Kind = "missing_required_fields"
	DuplicateProfile       Kind = "duplicate_profile"
	MismatchedEmail        Kind = "mismatched_email"
)

// Kinds lists every inconsistency kind in report order.
var Kinds = []Kind{
	OrphanedIdentity,
	OrphanedProfile,
	MismatchedVerification,
	MissingRequiredFields,
	DuplicateProfile,
	MismatchedEmail,
}

// Coverage tells the reader of a report how much of the identity store the
// check could see.
type Coverage string

const (
	CoverageFull            Coverage = "full"
	CoverageCurrentIdentity Coverage = "current_identity_only"
)

// DuplicateEntry is one profile of a duplicate_profile group.
type DuplicateEntry struct {
	ID        string     `json:"id" bson:"id"`
	CreatedAt *time.Time `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
}

// Detail holds the kind-specific part of a record. Only the fields that
// belong to the record's kind are set.
type Detail struct {
	MissingFields    []string         `json:"missingFields,omitempty" bson:"missingFields,omitempty"`
	IdentityVerified *bool            `json:"identityVerified,omitempty" bson:"identityVerified,omitempty"`
	ProfileVerified  *bool            `json:"profileVerified,omitempty" bson:"profileVerified,omitempty"`
	IdentityEmail    string           `json:"identityEmail,omitempty" bson:"identityEmail,omitempty"`
	ProfileEmail     string           `json:"profileEmail,omitempty" bson:"profileEmail,omitempty"`
	ProfileCreatedAt *time.Time       `json:"profileCreatedAt,omitempty" bson:"profileCreatedAt,omitempty"`
	Duplicates       []DuplicateEntry `json:"duplicates,omitempty" bson:"duplicates,omitempty"`
}

// Record is one detected inconsistency. For duplicate_profile, IdentityID
// names the profile that sorts first (oldest createdAt, then smallest id)
// and Detail.Duplicates lists the whole group in that order.
type Record struct {
	Kind       Kind   `json:"kind" bson:"kind"`
	IdentityID string `json:"identityId" bson:"identityId"`
	Email      string `json:"email,omitempty" bson:"email,omitempty"`
	Detail     Detail `json:"detail" bson:"detail"`
}

// Report is the outcome of one check. Field names are part of the persisted
// report format; add fields, never rename them.
type Report struct {
	Success           bool              `json:"success" bson:"success"`
	Error             string            `json:"error,omitempty" bson:"error,omitempty"`
	ScanCoverage      Coverage          `json:"scanCoverage" bson:"scanCoverage"`
	Truncated         bool              `json:"truncated" bson:"truncated"`
	ScannedProfiles   int               `json:"scannedProfiles" bson:"scannedProfiles"`
	ScannedIdentities int               `json:"scannedIdentities" bson:"scannedIdentities"`
	LegacyProfiles    int64             `json:"legacyProfiles" bson:"legacyProfiles"`
	Summary           map[Kind]int      `json:"summary" bson:"summary"`
	Details           map[Kind][]Record `json:"details,omitempty" bson:"details,omitempty"`
	GeneratedAt       time.Time         `json:"generatedAt" bson:"generatedAt"`
}

// Total is the number of inconsistencies over all kinds.
func (r *Report) Total() int {
	n := 0
	for _, c := range r.Summary {
		n += c
	}
	return n
}

// Count returns the number of records of kind k.
func (r *Report) Count(k Kind) int {
	return r.Summary[k]
}

func newSummary() map[Kind]int {
	s := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		s[k] = 0
	}
	return s
}
