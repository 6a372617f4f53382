package models

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Profile is the application-level user document, keyed by Identity ID.
// Copies of Email and EmailVerified may drift from the Identity.
//
// Membership flags are plain booleans; documents still carrying the legacy
// string/number encodings are rewritten by the profile repository's
// normalization step and never decoded into this type before that.
type Profile struct {
	ID                       string     `bson:"_id" json:"id"`
	Email                    string     `bson:"email,omitempty" json:"email,omitempty"`
	FullName                 string     `bson:"fullName,omitempty" json:"fullName,omitempty"`
	Role                     Role       `bson:"role,omitempty" json:"role,omitempty"`
	IsMember                 bool       `bson:"isMember" json:"isMember"`
	MembershipRequestPending bool       `bson:"membershipRequestPending" json:"membershipRequestPending"`
	EmailVerified            bool       `bson:"emailVerified" json:"emailVerified"`
	CreatedAt                *time.Time `bson:"createdAt,omitempty" json:"createdAt,omitempty"`
	LastLoginAt              *time.Time `bson:"lastLogin,omitempty" json:"lastLogin,omitempty"`

	Address    string `bson:"address,omitempty" json:"address,omitempty"`
	City       string `bson:"city,omitempty" json:"city,omitempty"`
	PostalCode string `bson:"postalCode,omitempty" json:"postalCode,omitempty"`

	// Repair markers distinguish synthesized profiles from organic ones.
	RecoveredAccount bool   `bson:"recoveredAccount,omitempty" json:"recoveredAccount,omitempty"`
	MigrationCreated bool   `bson:"migrationCreated,omitempty" json:"migrationCreated,omitempty"`
	RepairedAccount  bool   `bson:"repairedAccount,omitempty" json:"repairedAccount,omitempty"`
	MigrationNote    string `bson:"migrationNote,omitempty" json:"migrationNote,omitempty"`

	VerificationSyncedAt   *time.Time `bson:"verificationSyncedAt,omitempty" json:"verificationSyncedAt,omitempty"`
	EmailVerifiedAt        *time.Time `bson:"emailVerifiedAt,omitempty" json:"emailVerifiedAt,omitempty"`
	NeedsReverification    bool       `bson:"needsReverification,omitempty" json:"needsReverification,omitempty"`
	LastVerificationSentAt *time.Time `bson:"lastVerificationSent,omitempty" json:"lastVerificationSent,omitempty"`
	VerificationReminders  int        `bson:"verificationReminders,omitempty" json:"verificationReminders,omitempty"`
}

// Profile document field names, shared by partial updates and queries.
const (
	FieldEmail                 = "email"
	FieldFullName              = "fullName"
	FieldRole                  = "role"
	FieldIsMember              = "isMember"
	FieldMembershipPending     = "membershipRequestPending"
	FieldEmailVerified         = "emailVerified"
	FieldCreatedAt             = "createdAt"
	FieldLastLogin             = "lastLogin"
	FieldRepairedAccount       = "repairedAccount"
	FieldMigrationNote         = "migrationNote"
	FieldVerificationSyncedAt  = "verificationSyncedAt"
	FieldEmailVerifiedAt       = "emailVerifiedAt"
	FieldNeedsReverification   = "needsReverification"
	FieldLastVerificationSent  = "lastVerificationSent"
	FieldVerificationReminders = "verificationReminders"
	FieldLegacyMembers         = "members"
)
