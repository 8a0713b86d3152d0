package sedpack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Reader instances read records from a single finalized shard.
type Reader struct {
	f    *os.File
	path string
	size int64

	compression Compression
	schema      string

	index       []recordInfo
	indexOffset int64
	rawSize     int64
}

// OpenShard opens a shard file and validates its header, footer and
// index. A truncated or otherwise torn shard fails with ErrCorruptShard,
// an unknown magic or version with ErrUnsupportedFormat.
func OpenShard(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, path: path}
	if err := r.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// NumRecords returns the number of records in the shard.
func (r *Reader) NumRecords() int { return len(r.index) }

// Schema returns the schema identifier stored in the shard header.
func (r *Reader) Schema() string { return r.schema }

// Compression returns the record compression codec of the shard.
func (r *Reader) Compression() Compression { return r.compression }

// Size returns the shard file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// RawSize returns the total payload bytes before compression.
func (r *Reader) RawSize() int64 { return r.rawSize }

// ReadRecord reads, verifies and decompresses the i-th record payload.
func (r *Reader) ReadRecord(i int) ([]byte, error) {
	ent, frame, err := r.readFrame(i)
	if err != nil {
		return nil, err
	}
	return decodeRecordFrame(r.compression, &ent, frame)
}

// Records returns a cursor over all record payloads in on-disk order.
func (r *Reader) Records() *RecordCursor {
	return &RecordCursor{r: r, pos: -1}
}

// Close closes the underlying shard file.
func (r *Reader) Close() error {
	if r.f == nil {
		return ErrClosed
	}
	f := r.f
	r.f = nil
	return f.Close()
}

func (r *Reader) init() error {
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	r.size = st.Size()
	if r.size < headerFixedLen+1+footerLen {
		return fmt.Errorf("%w: %s is too short (%d bytes)", ErrCorruptShard, r.path, r.size)
	}

	// footer
	tmp := make([]byte, footerLen)
	footerOffset := r.size - footerLen
	if _, err := r.f.ReadAt(tmp, footerOffset); err != nil {
		return err
	}
	if !bytes.Equal(tmp[32:40], magic) {
		return fmt.Errorf("%w: bad footer magic in %s", ErrCorruptShard, r.path)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tmp[0:8]))
	count := int64(binary.LittleEndian.Uint64(tmp[8:16]))
	indexSum := binary.LittleEndian.Uint64(tmp[16:24])
	r.rawSize = int64(binary.LittleEndian.Uint64(tmp[24:32]))

	// header
	hdr := make([]byte, headerFixedLen+binary.MaxVarintLen64)
	if n, err := r.f.ReadAt(hdr, 0); err != nil && err != io.EOF {
		return err
	} else {
		hdr = hdr[:n]
	}
	if len(hdr) < headerFixedLen || !bytes.Equal(hdr[:8], magic) {
		return fmt.Errorf("%w: bad magic in %s", ErrUnsupportedFormat, r.path)
	}
	if version := binary.LittleEndian.Uint32(hdr[8:12]); version != FormatVersion {
		return fmt.Errorf("%w: shard version %d, supported %d", ErrUnsupportedFormat, version, FormatVersion)
	}
	r.compression = Compression(hdr[12])
	if !r.compression.isValid() {
		return fmt.Errorf("%w: compression codec %d", ErrUnsupportedFormat, hdr[12])
	}

	slen, n := binary.Uvarint(hdr[headerFixedLen:])
	if n <= 0 || slen > uint64(footerOffset) {
		return fmt.Errorf("%w: bad schema length in %s", ErrCorruptShard, r.path)
	}
	dataStart := int64(headerFixedLen+n) + int64(slen)
	if indexOffset < dataStart || indexOffset > footerOffset || dataStart > footerOffset {
		return fmt.Errorf("%w: index offset %d out of bounds in %s", ErrCorruptShard, indexOffset, r.path)
	}
	if slen > 0 {
		schema := make([]byte, slen)
		if _, err := r.f.ReadAt(schema, int64(headerFixedLen+n)); err != nil {
			return err
		}
		r.schema = string(schema)
	}

	// index
	ibuf := make([]byte, footerOffset-indexOffset)
	if _, err := r.f.ReadAt(ibuf, indexOffset); err != nil {
		return err
	}
	if xxhash.Sum64(ibuf) != indexSum {
		return fmt.Errorf("%w: index checksum mismatch in %s", ErrCorruptShard, r.path)
	}

	index := make([]recordInfo, 0, count)
	var info recordInfo
	for pos := 0; pos < len(ibuf); {
		off, n1 := binary.Uvarint(ibuf[pos:])
		if n1 <= 0 {
			return fmt.Errorf("%w: malformed index entry in %s", ErrCorruptShard, r.path)
		}
		pos += n1
		slen, n2 := binary.Uvarint(ibuf[pos:])
		if n2 <= 0 {
			return fmt.Errorf("%w: malformed index entry in %s", ErrCorruptShard, r.path)
		}
		pos += n2
		rlen, n3 := binary.Uvarint(ibuf[pos:])
		if n3 <= 0 || pos+n3+8 > len(ibuf) {
			return fmt.Errorf("%w: malformed index entry in %s", ErrCorruptShard, r.path)
		}
		pos += n3
		sum := binary.LittleEndian.Uint64(ibuf[pos:])
		pos += 8

		if len(index) == 0 {
			info.Offset = int64(off)
		} else {
			info.Offset += int64(off) // delta-decode
		}
		info.StoredLen = int64(slen)
		info.RawLen = int64(rlen)
		info.Checksum = sum
		index = append(index, info)
	}
	if int64(len(index)) != count {
		return fmt.Errorf("%w: index lists %d records, footer says %d", ErrCorruptShard, len(index), count)
	}

	// records must be contiguous, in bounds and account for every byte
	// between the header and the index
	var raw int64
	end := dataStart
	for i := range index {
		ent := &index[i]
		if ent.Offset != end || ent.StoredLen > ent.RawLen {
			return fmt.Errorf("%w: inconsistent record offsets in %s", ErrCorruptShard, r.path)
		}
		end = ent.Offset + ent.frameLen()
		raw += ent.RawLen
	}
	if end != indexOffset || raw != r.rawSize {
		return fmt.Errorf("%w: inconsistent record offsets in %s", ErrCorruptShard, r.path)
	}

	r.index = index
	r.indexOffset = indexOffset
	return nil
}

func (r *Reader) readFrame(i int) (recordInfo, []byte, error) {
	if i < 0 || i >= len(r.index) {
		return recordInfo{}, nil, fmt.Errorf("sedpack: record %d out of range [0,%d)", i, len(r.index))
	}

	ent := r.index[i]
	frame := make([]byte, ent.frameLen())
	if _, err := r.f.ReadAt(frame, ent.Offset); err != nil {
		return ent, nil, err
	}
	return ent, frame, nil
}

// decodeRecordFrame verifies a record frame against its index entry and
// returns the decompressed payload.
func decodeRecordFrame(c Compression, ent *recordInfo, frame []byte) ([]byte, error) {
	rlen, n := binary.Uvarint(frame)
	if n <= 0 {
		return nil, fmt.Errorf("%w: malformed record frame", ErrCorruptShard)
	}
	slen, m := binary.Uvarint(frame[n:])
	if m <= 0 || int64(rlen) != ent.RawLen || int64(slen) != ent.StoredLen || len(frame) < n+m+8+int(slen) {
		return nil, fmt.Errorf("%w: record frame disagrees with index", ErrCorruptShard)
	}

	sum := binary.LittleEndian.Uint64(frame[n+m:])
	stored := frame[n+m+8 : n+m+8+int(slen)]
	if sum != ent.Checksum || xxhash.Sum64(stored) != ent.Checksum {
		return nil, fmt.Errorf("%w: record checksum mismatch", ErrCorruptData)
	}

	return decompressRecord(c, stored, int(ent.RawLen))
}

// --------------------------------------------------------------------

// RecordCursor iterates over the records of one shard in on-disk order.
type RecordCursor struct {
	r   *Reader
	pos int
	val []byte
	err error
}

// More returns true if more records can be read.
func (c *RecordCursor) More() bool {
	return c.err == nil && c.pos+1 < c.r.NumRecords()
}

// Next advances the cursor to the next record and returns true if
// successful.
func (c *RecordCursor) Next() bool {
	if c.err != nil || c.pos+1 >= c.r.NumRecords() {
		return false
	}
	c.pos++
	c.val, c.err = c.r.ReadRecord(c.pos)
	return c.err == nil
}

// Pos returns the ordinal of the current record.
func (c *RecordCursor) Pos() int { return c.pos }

// Value returns the payload of the current record.
func (c *RecordCursor) Value() []byte { return c.val }

// Err exposes cursor errors, if any.
func (c *RecordCursor) Err() error { return c.err }

// Release releases the cursor. The cursor must not be used after this
// method is called.
func (c *RecordCursor) Release() { c.err = ErrReleased }
