package models

import "time"

// Session is the persisted record of an authenticated session.
type Session struct {
	ID              string
	IdentityID      string
	FingerprintHash string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	ExpiresAt       time.Time
}
