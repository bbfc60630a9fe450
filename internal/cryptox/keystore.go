package cryptox

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
	"github.com/dmitrijs2005/chunkrelay/internal/shared"
)

// KeyStore persists server key pairs.
type KeyStore interface {
	Save(ctx context.Context, kp *KeyPair) error
	Load(ctx context.Context, kid string) (*KeyPair, error)
	LoadAll(ctx context.Context) ([]*KeyPair, error)
	Delete(ctx context.Context, kid string) (bool, error)
	Exists(ctx context.Context, kid string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

const keyFileExt = ".json"

// keyFile is the on-disk form of a key pair. When the store has a passphrase
// PrivateKey holds the sealed PEM and Salt/Nonce/Verifier are set.
type keyFile struct {
	KID        string    `json:"kid"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey,omitempty"`
	Sealed     []byte    `json:"sealedPrivateKey,omitempty"`
	Salt       []byte    `json:"salt,omitempty"`
	Nonce      []byte    `json:"nonce,omitempty"`
	Verifier   []byte    `json:"verifier,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Active     bool      `json:"active"`
}

// FileKeyStore keeps one <kid>.json file per key pair in a 0700 directory.
type FileKeyStore struct {
	dir        string
	passphrase []byte
	logger     logging.Logger
	mu         sync.RWMutex
}

// NewFileKeyStore creates dir if needed and tightens its permissions. A
// non-empty passphrase seals private keys at rest.
func NewFileKeyStore(dir string, passphrase string, logger logging.Logger) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create key store dir: %v", common.ErrStorage, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: chmod key store dir: %v", common.ErrStorage, err)
	}

	var pass []byte
	if passphrase != "" {
		pass = []byte(passphrase)
	}

	return &FileKeyStore{
		dir:        dir,
		passphrase: pass,
		logger:     logger.With("module", "keystore"),
	}, nil
}

func (s *FileKeyStore) path(kid string) (string, error) {
	if !IsValidKeyID(kid) {
		return "", fmt.Errorf("%w: invalid key id %q", common.ErrInvalidInput, kid)
	}
	return filepath.Join(s.dir, kid+keyFileExt), nil
}

func (s *FileKeyStore) Save(ctx context.Context, kp *KeyPair) error {
	p, err := s.path(kp.KID)
	if err != nil {
		return err
	}

	rec := keyFile{
		KID:       kp.KID,
		PublicKey: kp.PublicKeyPEM,
		CreatedAt: kp.CreatedAt,
		Active:    kp.Active,
	}

	if s.passphrase != nil {
		salt := shared.GenerateRandByteArray(16)
		key := DeriveMasterKey(s.passphrase, salt)
		defer shared.WipeByteArray(key)

		sealed, nonce, err := seal(key, []byte(kp.PrivateKeyPEM), []byte(kp.KID))
		if err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		rec.Sealed, rec.Salt, rec.Nonce, rec.Verifier = sealed, salt, nonce, MakeVerifier(key)
	} else {
		rec.PrivateKey = kp.PrivateKeyPEM
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", kp.KID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write key %s: %v", common.ErrStorage, kp.KID, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: persist key %s: %v", common.ErrStorage, kp.KID, err)
	}

	s.logger.Info(ctx, "persisted key", "kid", kp.KID, "active", kp.Active)
	return nil
}

// Load returns common.ErrNotFound when no file exists for kid.
func (s *FileKeyStore) Load(ctx context.Context, kid string) (*KeyPair, error) {
	p, err := s.path(kid)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(p)
	s.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("key %s: %w", kid, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %v", common.ErrStorage, kid, err)
	}

	return s.decode(data)
}

func (s *FileKeyStore) decode(data []byte) (*KeyPair, error) {
	var rec keyFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt key file: %v", common.ErrStorage, err)
	}

	kp := &KeyPair{
		KID:           rec.KID,
		PublicKeyPEM:  rec.PublicKey,
		PrivateKeyPEM: rec.PrivateKey,
		CreatedAt:     rec.CreatedAt,
		Active:        rec.Active,
	}

	if rec.Sealed == nil {
		return kp, nil
	}
	if s.passphrase == nil {
		return nil, fmt.Errorf("%w: key %s is sealed and no passphrase is configured", common.ErrConfiguration, rec.KID)
	}

	key := DeriveMasterKey(s.passphrase, rec.Salt)
	defer shared.WipeByteArray(key)

	if subtle.ConstantTimeCompare(MakeVerifier(key), rec.Verifier) != 1 {
		return nil, fmt.Errorf("%w: wrong passphrase for key %s", common.ErrDecryption, rec.KID)
	}

	pemBytes, err := open(key, rec.Nonce, rec.Sealed, []byte(rec.KID))
	if err != nil {
		return nil, fmt.Errorf("%w: private key %s: %v", common.ErrDecryption, rec.KID, err)
	}
	kp.PrivateKeyPEM = string(pemBytes)

	return kp, nil
}

// LoadAll skips unreadable files with a warning so one bad file does not
// hide the remaining keys.
func (s *FileKeyStore) LoadAll(ctx context.Context) ([]*KeyPair, error) {
	kids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*KeyPair, 0, len(kids))
	for _, kid := range kids {
		kp, err := s.Load(ctx, kid)
		if err != nil {
			if errors.Is(err, common.ErrDecryption) || errors.Is(err, common.ErrConfiguration) {
				return nil, err
			}
			s.logger.Warn(ctx, "failed to load key file", "kid", kid, "error", err)
			continue
		}
		out = append(out, kp)
	}
	return out, nil
}

func (s *FileKeyStore) Delete(ctx context.Context, kid string) (bool, error) {
	p, err := s.path(kid)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: delete key %s: %v", common.ErrStorage, kid, err)
	}

	s.logger.Info(ctx, "deleted key", "kid", kid)
	return true, nil
}

func (s *FileKeyStore) Exists(_ context.Context, kid string) (bool, error) {
	p, err := s.path(kid)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(p)
	return err == nil, nil
}

// List returns the stored key ids in lexical order.
func (s *FileKeyStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", common.ErrStorage, err)
	}

	kids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, keyFileExt) {
			continue
		}
		kid := strings.TrimSuffix(name, keyFileExt)
		if IsValidKeyID(kid) {
			kids = append(kids, kid)
		}
	}
	sort.Strings(kids)
	return kids, nil
}
