// Package auth issues and validates the signed access tokens bound to a
// session.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the session a token belongs to together with the device
// fingerprint hash it was issued for.
type Claims struct {
	jwt.RegisteredClaims
	SessionID   string `json:"sid"`
	IdentityID  string `json:"uid"`
	Fingerprint string `json:"fph"`
}

func GenerateToken(sessionID, identityID, fingerprint string, secretKey []byte, issuedAt time.Time, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(validity)),
		},
		SessionID:   sessionID,
		IdentityID:  identityID,
		Fingerprint: fingerprint,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken validates signature and expiry. Expired tokens yield
// common.ErrTokenExpired; every other failure common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	return ParseTokenAt(tokenString, secretKey, time.Now())
}

// ParseTokenAt is ParseToken with expiry judged at now.
func ParseTokenAt(tokenString string, secretKey []byte, now time.Time) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.SessionID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
