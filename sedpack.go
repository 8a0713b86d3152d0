package sedpack

import (
	"errors"
	"fmt"
)

var magic = []byte{83, 68, 80, 75, 190, 31, 122, 101}

const (
	// FormatVersion is the shard format version understood by this package.
	FormatVersion = 1

	// ShardExt is the file extension of finalized shard files.
	ShardExt = ".sps"

	// ManifestName is the name of the catalog file within a dataset directory.
	ManifestName = "manifest.json"

	headerFixedLen = 16 // magic + version + compression + reserved
	footerLen      = 40
)

// Errors returned by writers, readers, catalogs and iterators.
var (
	ErrUnsupportedFormat = errors.New("sedpack: unsupported format")
	ErrCorruptShard      = errors.New("sedpack: corrupt shard")
	ErrCorruptData       = errors.New("sedpack: corrupt record data")
	ErrClosed            = errors.New("sedpack: is closed")
	ErrAlreadyExists     = errors.New("sedpack: already exists")
	ErrSchemaMismatch    = errors.New("sedpack: schema mismatch")
	ErrReleased          = errors.New("sedpack: iterator was released")
)

// recordInfo locates a single record within a shard.
type recordInfo struct {
	Offset    int64  // start of the record frame
	StoredLen int64  // stored bytes, compressed or raw
	RawLen    int64  // bytes after decompression
	Checksum  uint64 // xxhash64 of the stored bytes
}

// frameLen is the full on-disk length of the record frame.
func (e *recordInfo) frameLen() int64 {
	return int64(uvarintLen(uint64(e.RawLen))+uvarintLen(uint64(e.StoredLen))+8) + e.StoredLen
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// --------------------------------------------------------------------

// Compression is the per-record compression codec.
type Compression byte

// Supported compression codecs.
const (
	SnappyCompression Compression = iota
	NoCompression
	ZstdCompression
	LZ4Compression
	unknownCompression
)

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

func (c Compression) String() string {
	switch c {
	case SnappyCompression:
		return "snappy"
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	case LZ4Compression:
		return "lz4"
	}
	return "unknown"
}

// ParseCompression resolves a compression codec from its manifest name.
func ParseCompression(s string) (Compression, error) {
	for c := SnappyCompression; c < unknownCompression; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return unknownCompression, fmt.Errorf("%w: compression codec %q", ErrUnsupportedFormat, s)
}
