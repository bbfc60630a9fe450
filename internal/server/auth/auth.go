// Package auth checks the bearer credentials of upload requests.
//
// A request is accepted when its Authorization header carries one of the
// configured API keys, with or without the "Bearer " prefix, or, when a JWT
// secret is configured, an unexpired HS256 token signed with it.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/shared"
)

// APIKeySize is the number of random bytes in a generated key.
const APIKeySize = 32

// InvalidKeyMessage is returned to clients on 401.
const InvalidKeyMessage = "Invalid or missing API key"

type Authenticator struct {
	keys      [][]byte
	jwtSecret []byte
}

// NewAuthenticator drops empty keys. An empty jwtSecret disables tokens.
func NewAuthenticator(keys []string, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// KeyCount is the number of static API keys accepted.
func (a *Authenticator) KeyCount() int { return len(a.keys) }

// Authenticate checks an Authorization header value and returns the
// authenticated principal: "api-key" or the token subject.
func (a *Authenticator) Authenticate(header string) (string, error) {
	token := extractToken(header)
	if token == "" {
		return "", fmt.Errorf("%w: missing credentials", common.ErrUnauthorized)
	}

	if a.validKey(token) {
		return "api-key", nil
	}

	if a.jwtSecret != nil && strings.Count(token, ".") == 2 {
		return ParseToken(token, a.jwtSecret)
	}

	return "", fmt.Errorf("%w: unknown api key", common.ErrUnauthorized)
}

// validKey compares against every key so timing does not reveal which
// prefix matched or how many keys exist.
func (a *Authenticator) validKey(token string) bool {
	t := []byte(token)
	ok := 0
	for _, k := range a.keys {
		ok |= subtle.ConstantTimeCompare(t, k)
	}
	return ok == 1
}

func extractToken(header string) string {
	header = strings.TrimSpace(header)
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return header
}

// GenerateAPIKey returns a random hex key.
func GenerateAPIKey() (string, error) {
	return shared.MakeRandHexString(APIKeySize)
}

// ParseKeys splits a comma-separated key list.
func ParseKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
