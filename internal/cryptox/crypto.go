package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"github.com/dmitrijs2005/chunkrelay/internal/shared"
	"golang.org/x/crypto/argon2"
)

const (
	// SessionKeySize is the AES-256 key length.
	SessionKeySize = 32
	// IVSize is the GCM nonce length.
	IVSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// MakeVerifier returns a hash of a derived key that can be stored next to
// sealed material to tell a wrong passphrase apart from corrupted data.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// DeriveMasterKey stretches a passphrase into a 32-byte key with argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

// GenerateSessionKey returns a fresh random AES-256 key.
func GenerateSessionKey() []byte {
	return shared.GenerateRandByteArray(SessionKeySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aesgcm, nil
}

// seal encrypts plaintext under key with a random nonce. The returned
// ciphertext carries the tag at its end, as cipher.AEAD produces it.
func seal(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = shared.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext = aesgcm.Seal(nil, nonce, plaintext, aad)

	return ciphertext, nonce, nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("invalid iv length %d", len(nonce))
	}
	return aesgcm.Open(nil, nonce, ciphertext, aad)
}
