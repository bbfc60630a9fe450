// Package secure seals chunk payloads on the client before they are sent.
//
// A Sealer holds the server's public key. Each upload session gets a fresh
// AES-256 key, wrapped once under that public key; every chunk of the session
// is sealed with AES-GCM and bound to the session id and its sequence number.
package secure

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/codec"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/cryptox"
	"github.com/google/uuid"
)

type Sealer struct {
	kid   string
	pub   *rsa.PublicKey
	codec string
	now   func() time.Time
}

// NewSealer parses publicKeyPEM. When kid is empty it is derived from the PEM.
func NewSealer(publicKeyPEM, kid, codecName string) (*Sealer, error) {
	pub, err := cryptox.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	if kid == "" {
		kid = cryptox.KeyID(publicKeyPEM)
	}
	if !cryptox.IsValidKeyID(kid) {
		return nil, fmt.Errorf("%w: invalid key id %q", common.ErrConfiguration, kid)
	}
	if !codec.Valid(codecName) {
		return nil, fmt.Errorf("%w: unknown codec %q", common.ErrConfiguration, codecName)
	}
	if codecName == "" {
		codecName = codec.Raw
	}

	return &Sealer{kid: kid, pub: pub, codec: codecName, now: time.Now}, nil
}

// KID identifies the server key the sealer wraps under.
func (s *Sealer) KID() string { return s.kid }

// NewSession starts an upload session with a fresh session key.
func (s *Sealer) NewSession() (*Session, error) {
	key := cryptox.GenerateSessionKey()
	wrapped, err := cryptox.WrapSessionKey(key, s.pub)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:         uuid.NewString(),
		sealer:     s,
		key:        key,
		wrappedKey: wrapped,
	}, nil
}

// Session is one envelope session. It must not be reused across files.
type Session struct {
	ID         string
	sealer     *Sealer
	key        []byte
	wrappedKey []byte
}

// Headers returns the wire headers that let the server unwrap the session key.
func (s *Session) Headers() map[string]string {
	return map[string]string{
		common.HeaderSessionID:  s.ID,
		common.HeaderKeyID:      s.sealer.kid,
		common.HeaderWrappedKey: base64.StdEncoding.EncodeToString(s.wrappedKey),
	}
}

// Seal encodes data with the sealer's codec, encrypts it as packet seq and
// returns the JSON body to post.
func (s *Session) Seal(seq int, data []byte) ([]byte, error) {
	encoded, err := codec.Encode(s.sealer.codec, data)
	if err != nil {
		return nil, err
	}

	p, err := cryptox.SealPacket(encoded, s.key, cryptox.AAD{
		SessionID: s.ID,
		Seq:       int64(seq),
		Codec:     s.sealer.codec,
		Timestamp: s.sealer.now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return cryptox.MarshalPacket(p)
}
