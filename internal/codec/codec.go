// Package codec names the payload encodings a sealed chunk may carry. The
// codec name is part of the packet's associated data, so the receiver always
// decodes with what the sender authenticated.
package codec

import (
	"fmt"
	"sync"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/klauspost/compress/zstd"
)

const (
	Raw  = "raw"
	Zstd = "zstd"
)

// maxDecodedSize bounds zstd output so a small forged frame cannot expand
// into an arbitrarily large allocation.
const maxDecodedSize = 256 << 20

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
			return dec
		},
	}
)

// Valid reports whether name is a known codec. The empty name means Raw.
func Valid(name string) bool {
	switch name {
	case "", Raw, Zstd:
		return true
	}
	return false
}

// Encode applies the named codec to data.
func Encode(name string, data []byte) ([]byte, error) {
	switch name {
	case "", Raw:
		return data, nil
	case Zstd:
		enc := encoderPool.Get().(*zstd.Encoder)
		defer encoderPool.Put(enc)
		return enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", common.ErrInvalidInput, name)
}

// Decode reverses Encode.
func Decode(name string, data []byte) ([]byte, error) {
	switch name {
	case "", Raw:
		return data, nil
	case Zstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", common.ErrInvalidInput, name)
}
