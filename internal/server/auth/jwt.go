package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the uploader a token was issued to.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken issues an HS256 token for subject valid for validity.
func GenerateToken(subject string, secretKey []byte, validity time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	})

	return token.SignedString(secretKey)
}

// ParseToken verifies the signature and expiry of tokenString and returns
// its subject. Tokens without an expiry are rejected.
func ParseToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", common.ErrUnauthorized)
		}
		return "", fmt.Errorf("%w: %v", common.ErrUnauthorized, err)
	}

	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", common.ErrUnauthorized)
	}

	return claims.Subject, nil
}
