package models

import "time"

// Attempt is one rate-limited action outcome.
type Attempt struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
}

// AttemptRecord tracks recent attempts for one fingerprint or hashed
// identifier. Attempts are kept in chronological order.
type AttemptRecord struct {
	Attempts            []Attempt  `json:"attempts"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LockedUntil         *time.Time `json:"lockedUntil,omitempty"`
}
