// Package cryptox hashes identity passwords with Argon2id.
package cryptox

import (
	"crypto/subtle"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	SaltLen = 16
)

// NewSalt returns SaltLen random bytes.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltLen)
}

func HashPassword(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword recomputes the hash in constant time with respect to the
// stored value.
func VerifyPassword(password, salt, hash []byte) bool {
	got := HashPassword(password, salt)
	defer common.WipeByteArray(got)
	return subtle.ConstantTimeCompare(got, hash) == 1
}
