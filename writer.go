package sedpack

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// WriterOptions define shard writer specific options.
type WriterOptions struct {
	// Codec encodes appended values into record payloads.
	// Default: RawCodec.
	Codec ExampleCodec

	// The compression codec to use for records.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.Codec == nil {
		oo.Codec = RawCodec{}
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}

	return &oo
}

// Writer instances write a single shard. Records are appended to a
// staging file next to the destination; the shard becomes visible only
// once Finalize renames it into place, so readers never observe a
// partially written shard.
type Writer struct {
	path    string
	staging string
	f       *os.File
	o       *WriterOptions
	schema  string

	offset   int64
	raw      int64
	indexSum uint64
	index    []recordInfo

	tmp []byte
}

// CreateShard begins a new shard at path. It fails with ErrAlreadyExists
// when path is already present.
func CreateShard(path, schemaID string, o *WriterOptions) (*Writer, error) {
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	staging := path + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		path:    path,
		staging: staging,
		f:       f,
		o:       o.norm(),
		schema:  schemaID,
		tmp:     make([]byte, 3*binary.MaxVarintLen64+8),
	}
	if err := w.writeHeader(); err != nil {
		_ = w.discard()
		return nil, err
	}
	return w, nil
}

// NumRecords returns the number of records appended so far.
func (w *Writer) NumRecords() int { return len(w.index) }

// RawBytes returns the total payload bytes appended before compression.
func (w *Writer) RawBytes() int64 { return w.raw }

// Append encodes, compresses and writes a single example record. Encode
// failures leave the writer usable; any write failure aborts the shard.
func (w *Writer) Append(v any) error {
	if w.f == nil {
		return ErrClosed
	}

	raw, err := w.o.Codec.Encode(v)
	if err != nil {
		return err
	}

	stored := raw
	if w.o.Compression != NoCompression {
		comp, err := compressRecord(w.o.Compression, raw)
		if err != nil {
			_ = w.discard()
			return err
		}
		if len(comp) < len(raw) {
			stored = comp
		}
	}

	info := recordInfo{
		Offset:    w.offset,
		StoredLen: int64(len(stored)),
		RawLen:    int64(len(raw)),
		Checksum:  xxhash.Sum64(stored),
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(info.RawLen))
	n += binary.PutUvarint(w.tmp[n:], uint64(info.StoredLen))
	binary.LittleEndian.PutUint64(w.tmp[n:], info.Checksum)
	n += 8

	if err := w.writeRaw(w.tmp[:n]); err != nil {
		_ = w.discard()
		return err
	}
	if err := w.writeRaw(stored); err != nil {
		_ = w.discard()
		return err
	}

	w.index = append(w.index, info)
	w.raw += info.RawLen
	return nil
}

// Finalize writes the index and footer, flushes the shard to durable
// storage and atomically renames it into place. The writer is unusable
// afterwards.
func (w *Writer) Finalize() (*ShardInfo, error) {
	if w.f == nil {
		return nil, ErrClosed
	}

	indexOffset := w.offset
	if err := w.writeIndex(); err != nil {
		_ = w.discard()
		return nil, err
	}
	if err := w.writeFooter(indexOffset); err != nil {
		_ = w.discard()
		return nil, err
	}

	if err := w.f.Sync(); err != nil {
		_ = w.discard()
		return nil, err
	}

	size := w.offset
	f := w.f
	w.f = nil
	if err := f.Close(); err != nil {
		_ = os.Remove(w.staging)
		return nil, err
	}
	if err := os.Rename(w.staging, w.path); err != nil {
		_ = os.Remove(w.staging)
		return nil, err
	}

	return &ShardInfo{
		Name:     filepath.Base(w.path),
		Records:  int64(len(w.index)),
		Bytes:    size,
		RawBytes: w.raw,
	}, nil
}

// Abort discards the staging file. The writer is unusable afterwards.
func (w *Writer) Abort() error {
	if w.f == nil {
		return ErrClosed
	}
	return w.discard()
}

func (w *Writer) writeHeader() error {
	buf := make([]byte, 0, headerFixedLen+binary.MaxVarintLen64+len(w.schema))
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = append(buf, byte(w.o.Compression), 0, 0, 0)
	buf = binary.AppendUvarint(buf, uint64(len(w.schema)))
	buf = append(buf, w.schema...)
	return w.writeRaw(buf)
}

func (w *Writer) writeIndex() error {
	h := xxhash.New()
	var prev int64

	for i, ent := range w.index {
		off := ent.Offset
		if i != 0 { // delta-encode
			off -= prev
		}
		prev = ent.Offset

		n := binary.PutUvarint(w.tmp[0:], uint64(off))
		n += binary.PutUvarint(w.tmp[n:], uint64(ent.StoredLen))
		n += binary.PutUvarint(w.tmp[n:], uint64(ent.RawLen))
		binary.LittleEndian.PutUint64(w.tmp[n:], ent.Checksum)
		n += 8

		_, _ = h.Write(w.tmp[:n])
		if err := w.writeRaw(w.tmp[:n]); err != nil {
			return err
		}
	}

	w.indexSum = h.Sum64()
	return nil
}

func (w *Writer) writeFooter(indexOffset int64) error {
	buf := make([]byte, 0, footerLen)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(indexOffset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(w.index)))
	buf = binary.LittleEndian.AppendUint64(buf, w.indexSum)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(w.raw))
	buf = append(buf, magic...)
	return w.writeRaw(buf)
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.f.Write(p)
	w.offset += int64(n)
	return err
}

func (w *Writer) discard() error {
	f := w.f
	w.f = nil
	if f == nil {
		return nil
	}
	err := f.Close()
	if rmErr := os.Remove(w.staging); err == nil {
		err = rmErr
	}
	return err
}
