package sedpack

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder

	lz4Pool = sync.Pool{New: func() any { return new(lz4.Compressor) }}
)

func init() {
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
}

// compressRecord compresses src with codec c and returns the stored
// representation. It may return src itself when the codec cannot make
// the payload smaller.
func compressRecord(c Compression, src []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return src, nil
	case SnappyCompression:
		return snappy.Encode(nil, src), nil
	case ZstdCompression:
		return zstdEnc.EncodeAll(src, nil), nil
	case LZ4Compression:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		zc := lz4Pool.Get().(*lz4.Compressor)
		n, err := zc.CompressBlock(src, dst)
		lz4Pool.Put(zc)
		if err != nil {
			return nil, err
		}
		if n == 0 { // incompressible
			return src, nil
		}
		return dst[:n], nil
	}
	return nil, fmt.Errorf("%w: compression codec %d", ErrUnsupportedFormat, c)
}

// decompressRecord restores the raw payload of a stored record. Records
// are stored compressed only when that makes them smaller, so a stored
// length equal to the raw length means the payload is raw. Fails with
// ErrCorruptData when decompression fails or yields the wrong length.
func decompressRecord(c Compression, stored []byte, rawLen int) ([]byte, error) {
	if len(stored) == rawLen {
		return stored, nil
	}

	switch c {
	case SnappyCompression:
		plain, err := snappy.Decode(make([]byte, rawLen), stored)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		if len(plain) != rawLen {
			return nil, fmt.Errorf("%w: decompressed to %d bytes, expected %d", ErrCorruptData, len(plain), rawLen)
		}
		return plain, nil
	case ZstdCompression:
		plain, err := zstdDec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		if len(plain) != rawLen {
			return nil, fmt.Errorf("%w: decompressed to %d bytes, expected %d", ErrCorruptData, len(plain), rawLen)
		}
		return plain, nil
	case LZ4Compression:
		plain := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, plain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: decompressed to %d bytes, expected %d", ErrCorruptData, n, rawLen)
		}
		return plain, nil
	case NoCompression:
		return nil, fmt.Errorf("%w: stored length %d does not match raw length %d", ErrCorruptData, len(stored), rawLen)
	}
	return nil, fmt.Errorf("%w: compression codec %d", ErrUnsupportedFormat, c)
}

// --------------------------------------------------------------------

// ExampleCodec translates between user-level example values and the raw
// byte payloads stored in shard records. Implementations must be safe
// for concurrent use.
type ExampleCodec interface {
	// Name identifies the codec in the dataset manifest.
	Name() string
	// Encode serializes an example value into a payload.
	Encode(v any) ([]byte, error)
	// Decode restores an example value from a payload.
	Decode(p []byte) (any, error)
}

// CodecByName returns a built-in example codec by its manifest name.
func CodecByName(name string) (ExampleCodec, error) {
	switch name {
	case "raw":
		return RawCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("%w: example codec %q", ErrUnsupportedFormat, name)
}

// RawCodec passes []byte payloads through unchanged.
type RawCodec struct{}

// Name implements ExampleCodec.
func (RawCodec) Name() string { return "raw" }

// Encode implements ExampleCodec, accepting []byte values only.
func (RawCodec) Encode(v any) ([]byte, error) {
	p, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: raw codec expects []byte, got %T", ErrSchemaMismatch, v)
	}
	return p, nil
}

// Decode implements ExampleCodec.
func (RawCodec) Decode(p []byte) (any, error) { return p, nil }

// JSONCodec stores examples as JSON documents.
type JSONCodec struct{}

// Name implements ExampleCodec.
func (JSONCodec) Name() string { return "json" }

// Encode implements ExampleCodec.
func (JSONCodec) Encode(v any) ([]byte, error) {
	p, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return p, nil
}

// Decode implements ExampleCodec.
func (JSONCodec) Decode(p []byte) (any, error) {
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return v, nil
}
