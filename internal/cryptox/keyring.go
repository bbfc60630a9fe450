package cryptox

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// Keyring holds the server key pairs in memory. One pair is active for new
// wraps; every retained pair stays usable for unwrapping.
type Keyring struct {
	mu     sync.RWMutex
	store  KeyStore
	bits   int
	pairs  map[string]*KeyPair
	active string
}

// NewKeyring loads all pairs from store and generates an active one when the
// store holds none.
func NewKeyring(ctx context.Context, store KeyStore, bits int) (*Keyring, error) {
	r := &Keyring{
		store: store,
		bits:  bits,
		pairs: make(map[string]*KeyPair),
	}

	pairs, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, kp := range pairs {
		r.pairs[kp.KID] = kp
		if kp.Active && (r.active == "" || kp.CreatedAt.After(r.pairs[r.active].CreatedAt)) {
			r.active = kp.KID
		}
	}

	// A store with keys but no active flag: promote the newest.
	if r.active == "" && len(pairs) > 0 {
		newest := pairs[0]
		for _, kp := range pairs[1:] {
			if kp.CreatedAt.After(newest.CreatedAt) {
				newest = kp
			}
		}
		r.active = newest.KID
		newest.Active = true
	}

	if r.active == "" {
		if _, err := r.Rotate(ctx); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Active returns the pair used for new wraps.
func (r *Keyring) Active() *KeyPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pairs[r.active]
}

// Get returns the pair with the given kid.
func (r *Keyring) Get(kid string) (*KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kp, ok := r.pairs[kid]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", kid, common.ErrNotFound)
	}
	return kp, nil
}

// KIDs lists every retained key id.
func (r *Keyring) KIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pairs))
	for kid := range r.pairs {
		out = append(out, kid)
	}
	return out
}

// Unwrap decrypts a session key wrapped under the pair identified by kid.
func (r *Keyring) Unwrap(kid string, wrapped []byte) ([]byte, error) {
	kp, err := r.Get(kid)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	priv, err := kp.PrivateKey()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	key, err := UnwrapSessionKey(wrapped, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return key, nil
}

// Rotate generates a new active pair and demotes the previous one. The old
// pair is kept so sessions wrapped under it can still be opened.
func (r *Keyring) Rotate(ctx context.Context) (*KeyPair, error) {
	kp, err := GenerateKeyPair(r.bits)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.pairs[r.active]; ok {
		prev.Active = false
		if err := r.store.Save(ctx, prev); err != nil {
			prev.Active = true
			return nil, err
		}
	}

	if err := r.store.Save(ctx, kp); err != nil {
		return nil, err
	}

	r.pairs[kp.KID] = kp
	r.active = kp.KID
	return kp, nil
}
