package cryptox

import (
	"errors"
	"testing"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAAD() AAD {
	return AAD{SessionID: "s-1", Seq: 3, Codec: "raw", Timestamp: 1700000000000}
}

func TestSealPacket_Shape(t *testing.T) {
	key := GenerateSessionKey()
	p, err := SealPacket([]byte("hello chunk"), key, testAAD())
	require.NoError(t, err)

	assert.Len(t, p.IV, IVSize)
	assert.Len(t, p.AuthTag, TagSize)
	assert.Len(t, p.Ciphertext, len("hello chunk"))
	assert.Equal(t, `{"sessionId":"s-1","seq":3,"codec":"raw","timestamp":1700000000000}`, string(p.AAD))
}

func TestSealPacket_DefaultCodec(t *testing.T) {
	p, err := SealPacket([]byte("x"), GenerateSessionKey(), AAD{SessionID: "s", Seq: 0})
	require.NoError(t, err)

	aad, err := ParseAAD(p.AAD)
	require.NoError(t, err)
	assert.Equal(t, "raw", aad.Codec)
}

func TestSealOpenPacket_RoundTrip(t *testing.T) {
	key := GenerateSessionKey()
	data := []byte("the quick brown fox")

	p, err := SealPacket(data, key, testAAD())
	require.NoError(t, err)

	got, err := OpenPacket(p, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	aad, err := ParseAAD(p.AAD)
	require.NoError(t, err)
	assert.Equal(t, testAAD(), aad)
}

func TestSealPacket_NonDeterministic(t *testing.T) {
	key := GenerateSessionKey()
	data := []byte("same plaintext")

	p1, err := SealPacket(data, key, testAAD())
	require.NoError(t, err)
	p2, err := SealPacket(data, key, testAAD())
	require.NoError(t, err)

	assert.NotEqual(t, p1.IV, p2.IV)
	assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)
}

func TestOpenPacket_TamperDetection(t *testing.T) {
	key := GenerateSessionKey()
	p, err := SealPacket([]byte("sensitive bytes"), key, testAAD())
	require.NoError(t, err)

	clone := func() *Packet {
		return &Packet{
			Ciphertext: append([]byte{}, p.Ciphertext...),
			IV:         append([]byte{}, p.IV...),
			AuthTag:    append([]byte{}, p.AuthTag...),
			AAD:        append([]byte{}, p.AAD...),
		}
	}

	fields := map[string]func(*Packet) []byte{
		"ciphertext": func(q *Packet) []byte { return q.Ciphertext },
		"iv":         func(q *Packet) []byte { return q.IV },
		"authTag":    func(q *Packet) []byte { return q.AuthTag },
		"aad":        func(q *Packet) []byte { return q.AAD },
	}

	for name, field := range fields {
		t.Run(name, func(t *testing.T) {
			n := len(field(p))
			for i := 0; i < n; i++ {
				q := clone()
				field(q)[i] ^= 0x01

				_, err := OpenPacket(q, key)
				require.Error(t, err, "flip at byte %d must fail", i)
				assert.True(t, errors.Is(err, common.ErrDecryption))
			}
		})
	}
}

func TestOpenPacket_WrongKey(t *testing.T) {
	p, err := SealPacket([]byte("x"), GenerateSessionKey(), testAAD())
	require.NoError(t, err)

	_, err = OpenPacket(p, GenerateSessionKey())
	assert.ErrorIs(t, err, common.ErrDecryption)
}

func TestOpenPacket_Malformed(t *testing.T) {
	_, err := OpenPacket(nil, GenerateSessionKey())
	assert.ErrorIs(t, err, common.ErrDecryption)

	_, err = OpenPacket(&Packet{AuthTag: []byte{1}}, GenerateSessionKey())
	assert.ErrorIs(t, err, common.ErrDecryption)
}

func TestMarshalPacket_RoundTrip(t *testing.T) {
	key := GenerateSessionKey()
	p, err := SealPacket([]byte("wire"), key, testAAD())
	require.NoError(t, err)

	data, err := MarshalPacket(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"authTag":`)

	back, err := UnmarshalPacket(data)
	require.NoError(t, err)
	assert.Equal(t, p, back)

	got, err := OpenPacket(back, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("wire"), got)

	_, err = UnmarshalPacket([]byte("{not json"))
	assert.ErrorIs(t, err, common.ErrDecryption)
}

func TestParseAAD_Invalid(t *testing.T) {
	_, err := ParseAAD([]byte("nope"))
	assert.Error(t, err)
}
