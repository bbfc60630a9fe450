package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DefaultKeyBits is the RSA modulus used for server key pairs.
const DefaultKeyBits = 4096

var keyIDPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// KeyPair is a server RSA key pair identified by a fingerprint of its public
// key. Only the active pair is used to wrap new session keys; every retained
// pair can unwrap.
type KeyPair struct {
	KID           string
	PublicKeyPEM  string
	PrivateKeyPEM string
	CreatedAt     time.Time
	Active        bool

	private *rsa.PrivateKey
}

// GenerateKeyPair creates an RSA key pair of the given size and derives its kid.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))

	return &KeyPair{
		KID:           KeyID(pubPEM),
		PublicKeyPEM:  pubPEM,
		PrivateKeyPEM: privPEM,
		CreatedAt:     time.Now().UTC(),
		Active:        true,
		private:       priv,
	}, nil
}

// KeyID is the first 16 hex characters of sha256 over the public key PEM.
func KeyID(publicKeyPEM string) string {
	sum := sha256.Sum256([]byte(publicKeyPEM))
	return hex.EncodeToString(sum[:])[:16]
}

// IsValidKeyID reports whether kid has the fingerprint shape produced by KeyID.
func IsValidKeyID(kid string) bool {
	return keyIDPattern.MatchString(kid)
}

// PrivateKey returns the parsed private key, parsing the PEM on first use.
func (k *KeyPair) PrivateKey() (*rsa.PrivateKey, error) {
	if k.private != nil {
		return k.private, nil
	}
	priv, err := ParsePrivateKeyPEM(k.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	k.private = priv
	return priv, nil
}

// ParsePublicKeyPEM decodes a PKIX "PUBLIC KEY" block holding an RSA key.
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	return rsaPub, nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 "PRIVATE KEY" block holding an RSA key.
func ParsePrivateKeyPEM(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	rsaPriv, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", priv)
	}
	return rsaPriv, nil
}
