package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// WrapSessionKey encrypts a session key with RSA-OAEP/SHA-256. OAEP is
// randomized, so wrapping the same key twice gives different output.
func WrapSessionKey(sessionKey []byte, pub *rsa.PublicKey) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapSessionKey is the inverse of WrapSessionKey.
func UnwrapSessionKey(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap session key: %w", err)
	}
	return key, nil
}
