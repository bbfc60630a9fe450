package cryptox

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// AAD is the associated data bound to every packet. Field order matters:
// it is serialized as compact JSON and authenticated byte for byte.
type AAD struct {
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Codec     string `json:"codec"`
	Timestamp int64  `json:"timestamp"`
}

// Packet is one sealed chunk. Byte fields travel as standard base64 in JSON.
type Packet struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	AAD        []byte `json:"aad"`
}

// SealPacket encrypts data with AES-256-GCM under sessionKey, authenticating aad.
func SealPacket(data, sessionKey []byte, aad AAD) (*Packet, error) {
	if aad.Codec == "" {
		aad.Codec = "raw"
	}
	aadBytes, err := json.Marshal(aad)
	if err != nil {
		return nil, fmt.Errorf("marshal aad: %w", err)
	}

	sealed, iv, err := seal(sessionKey, data, aadBytes)
	if err != nil {
		return nil, err
	}

	cut := len(sealed) - TagSize
	return &Packet{
		Ciphertext: sealed[:cut],
		IV:         iv,
		AuthTag:    sealed[cut:],
		AAD:        aadBytes,
	}, nil
}

// OpenPacket authenticates and decrypts p. Any modification of ciphertext,
// tag, iv or aad yields an error wrapping common.ErrDecryption.
func OpenPacket(p *Packet, sessionKey []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: empty packet", common.ErrDecryption)
	}
	if len(p.AuthTag) != TagSize {
		return nil, fmt.Errorf("%w: invalid auth tag length %d", common.ErrDecryption, len(p.AuthTag))
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+TagSize)
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.AuthTag...)

	plaintext, err := open(sessionKey, p.IV, sealed, p.AAD)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plaintext, nil
}

// ParseAAD decodes the associated data of a packet.
func ParseAAD(aad []byte) (AAD, error) {
	var out AAD
	if err := json.Unmarshal(aad, &out); err != nil {
		return AAD{}, fmt.Errorf("parse aad: %w", err)
	}
	return out, nil
}

// MarshalPacket serializes p for the wire.
func MarshalPacket(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPacket is the inverse of MarshalPacket.
func UnmarshalPacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed packet: %v", common.ErrDecryption, err)
	}
	return &p, nil
}
