// Package envelope opens encrypted chunk packets on the server.
package envelope

import (
	"container/list"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/chunkrelay/internal/codec"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/cryptox"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
)

// Unwrapper recovers session keys. *cryptox.Keyring satisfies it.
type Unwrapper interface {
	Unwrap(kid string, wrapped []byte) ([]byte, error)
}

// Headers carries the envelope headers of one chunk request.
type Headers struct {
	SessionID  string
	KeyID      string
	WrappedKey string
}

// DefaultMaxSessions bounds the session key cache of an Opener.
const DefaultMaxSessions = 10000

type sessionKey struct {
	id  string
	kid string
	key []byte
}

// Opener unwraps each session key once and caches it by session id. The
// cache holds at most maxSessions keys; the least recently used one is
// evicted first. An evicted session reopens when its wrapped key is sent
// again.
type Opener struct {
	keys        Unwrapper
	logger      logging.Logger
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*list.Element
	order    *list.List // front is most recently used
}

type Option func(*Opener)

// WithMaxSessions sets the cache bound. Values below 1 keep the default.
func WithMaxSessions(n int) Option {
	return func(o *Opener) {
		if n > 0 {
			o.maxSessions = n
		}
	}
}

func NewOpener(keys Unwrapper, logger logging.Logger, opts ...Option) *Opener {
	o := &Opener{
		keys:        keys,
		logger:      logger.With("module", "envelope"),
		maxSessions: DefaultMaxSessions,
		sessions:    make(map[string]*list.Element),
		order:       list.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func decryptionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrDecryption, fmt.Sprintf(format, args...))
}

// Open authenticates body as packet seq of the session named in h and
// returns the decoded plaintext. Every failure wraps common.ErrDecryption.
func (o *Opener) Open(ctx context.Context, h Headers, seq int, body []byte) ([]byte, error) {
	if h.SessionID == "" {
		return nil, decryptionError("missing session id")
	}

	key, err := o.sessionKey(ctx, h)
	if err != nil {
		return nil, err
	}

	p, err := cryptox.UnmarshalPacket(body)
	if err != nil {
		return nil, err
	}

	plaintext, err := cryptox.OpenPacket(p, key)
	if err != nil {
		o.logger.Error(ctx, "packet authentication failed", "session_id", h.SessionID, "seq", seq)
		return nil, err
	}

	// The tag covers the AAD, so these fields are trustworthy here.
	aad, err := cryptox.ParseAAD(p.AAD)
	if err != nil {
		return nil, decryptionError("%v", err)
	}
	if aad.SessionID != h.SessionID {
		o.logger.Error(ctx, "packet bound to another session", "session_id", h.SessionID, "aad_session_id", aad.SessionID)
		return nil, decryptionError("session id mismatch")
	}
	if aad.Seq != int64(seq) {
		o.logger.Error(ctx, "packet sequence mismatch", "session_id", h.SessionID, "seq", seq, "aad_seq", aad.Seq)
		return nil, decryptionError("sequence mismatch: packet %d, chunk index %d", aad.Seq, seq)
	}

	data, err := codec.Decode(aad.Codec, plaintext)
	if err != nil {
		return nil, decryptionError("%v", err)
	}
	return data, nil
}

func (o *Opener) sessionKey(ctx context.Context, h Headers) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if el, ok := o.sessions[h.SessionID]; ok {
		sk := el.Value.(sessionKey)
		if h.KeyID != "" && h.KeyID != sk.kid {
			return nil, decryptionError("session %s was opened with key %s", h.SessionID, sk.kid)
		}
		o.order.MoveToFront(el)
		return sk.key, nil
	}

	if !cryptox.IsValidKeyID(h.KeyID) {
		return nil, decryptionError("invalid key id %q", h.KeyID)
	}
	if h.WrappedKey == "" {
		return nil, decryptionError("missing wrapped key")
	}
	wrapped, err := base64.StdEncoding.DecodeString(h.WrappedKey)
	if err != nil {
		return nil, decryptionError("wrapped key: %v", err)
	}

	key, err := o.keys.Unwrap(h.KeyID, wrapped)
	if err != nil {
		o.logger.Error(ctx, "session key unwrap failed", "session_id", h.SessionID, "kid", h.KeyID, "error", err)
		if errors.Is(err, common.ErrDecryption) {
			return nil, err
		}
		return nil, decryptionError("%v", err)
	}

	o.sessions[h.SessionID] = o.order.PushFront(sessionKey{id: h.SessionID, kid: h.KeyID, key: key})
	for o.order.Len() > o.maxSessions {
		oldest := o.order.Remove(o.order.Back()).(sessionKey)
		delete(o.sessions, oldest.id)
		o.logger.Debug(ctx, "envelope session evicted", "session_id", oldest.id)
	}
	o.logger.Info(ctx, "envelope session opened", "session_id", h.SessionID, "kid", h.KeyID)
	return key, nil
}

// Len is the number of cached session keys.
func (o *Opener) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Clear drops every cached session key. Requests already holding a key
// finish with it.
func (o *Opener) Clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.sessions)
	o.sessions = make(map[string]*list.Element)
	o.order.Init()
	return n
}
