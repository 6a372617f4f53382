// Package models defines the records held by the identity store, the
// profile store and the auxiliary stores (sessions, attempts).
package models

import "time"

// Identity is the credential-bearing account owned by the identity store.
// Its ID and EmailVerified flag are authoritative.
type Identity struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	EmailVerified          bool       `json:"emailVerified"`
	PasswordHash           []byte     `json:"-"`
	PasswordSalt           []byte     `json:"-"`
	CreatedAt              time.Time  `json:"createdAt"`
	LastSignInAt           *time.Time `json:"lastSignInAt,omitempty"`
	Disabled               bool       `json:"disabled"`
	LastVerificationSentAt *time.Time `json:"lastVerificationSentAt,omitempty"`
}

// VerificationCode is a one-time code mailed to an identity's address.
type VerificationCode struct {
	Code       string
	IdentityID string
	ExpiresAt  time.Time
	UsedAt     *time.Time
}
