package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DeviceSignals is the bundle of client characteristics that identifies a
// device before the user is known. Extra carries any additional signals.
type DeviceSignals struct {
	UserAgent        string            `json:"userAgent"`
	Language         string            `json:"language"`
	Timezone         string            `json:"timezone"`
	ScreenResolution string            `json:"screenResolution"`
	Platform         string            `json:"platform"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Fingerprint returns the hex SHA-256 of the canonical encoding of s. The
// encoding is independent of map iteration order.
func Fingerprint(s DeviceSignals) string {
	var b strings.Builder
	write := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	write("userAgent", s.UserAgent)
	write("language", s.Language)
	write("timezone", s.Timezone)
	write("screenResolution", s.ScreenResolution)
	write("platform", s.Platform)

	keys := make([]string, 0, len(s.Extra))
	for k := range s.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write("x-"+k, s.Extra[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashIdentifier returns the hex SHA-256 of the normalized email, so that
// attempt records never hold the address itself.
func HashIdentifier(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}
