package sedpack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DatasetOptions define options for a new dataset.
type DatasetOptions struct {
	// Schema identifies the example schema stored in this dataset.
	Schema string

	// Codec encodes and decodes example payloads.
	// Default: RawCodec.
	Codec ExampleCodec

	// The compression codec to use for shard records.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *DatasetOptions) norm() *DatasetOptions {
	var oo DatasetOptions
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

// Dataset is a directory of shards sharing one schema, example codec
// and compression configuration.
type Dataset struct {
	dir         string
	catalog     *Catalog
	codec       ExampleCodec
	compression Compression
	schema      string
}

// CreateDataset initializes a dataset directory with an empty manifest.
// It fails with ErrAlreadyExists when the directory already holds one.
func CreateDataset(dir string, o *DatasetOptions) (*Dataset, error) {
	oo := o.norm()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Lstat(filepath.Join(dir, ManifestName)); err == nil {
		return nil, fmt.Errorf("%w: dataset at %s", ErrAlreadyExists, dir)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	c := &Catalog{dir: dir, m: Manifest{
		Version:     FormatVersion,
		Schema:      oo.Schema,
		Codec:       oo.Codec.Name(),
		Compression: oo.Compression.String(),
	}}
	if err := c.save(&c.m); err != nil {
		return nil, err
	}

	return &Dataset{
		dir:         dir,
		catalog:     c,
		codec:       oo.Codec,
		compression: oo.Compression,
		schema:      oo.Schema,
	}, nil
}

// OpenDataset opens an existing dataset directory, reloading the
// manifest as the source of truth for shard membership.
func OpenDataset(dir string) (*Dataset, error) {
	c, err := loadCatalog(dir)
	if err != nil {
		return nil, err
	}

	codec, err := CodecByName(c.m.Codec)
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(c.m.Compression)
	if err != nil {
		return nil, err
	}

	return &Dataset{
		dir:         dir,
		catalog:     c,
		codec:       codec,
		compression: compression,
		schema:      c.m.Schema,
	}, nil
}

// Dir returns the dataset directory.
func (ds *Dataset) Dir() string { return ds.dir }

// Schema returns the dataset schema identifier.
func (ds *Dataset) Schema() string { return ds.schema }

// Catalog returns the dataset's shard catalog.
func (ds *Dataset) Catalog() *Catalog { return ds.catalog }

// RegisterShard validates a finalized shard file already present in the
// dataset directory and adds it to the catalog. Shards whose header
// disagrees with the dataset schema or compression are rejected.
func (ds *Dataset) RegisterShard(name, split string) error {
	r, err := OpenShard(filepath.Join(ds.dir, name))
	if err != nil {
		return err
	}
	defer r.Close()

	if r.Schema() != ds.schema {
		return fmt.Errorf("%w: shard %s has schema %q, dataset %q", ErrSchemaMismatch, name, r.Schema(), ds.schema)
	}
	if r.Compression() != ds.compression {
		return fmt.Errorf("%w: shard %s compressed with %s, dataset uses %s", ErrSchemaMismatch, name, r.Compression(), ds.compression)
	}

	return ds.catalog.Register(ShardInfo{
		Name:     name,
		Split:    split,
		Records:  int64(r.NumRecords()),
		Bytes:    r.Size(),
		RawBytes: r.RawSize(),
	})
}

// --------------------------------------------------------------------

// WriteOptions define split writer options.
type WriteOptions struct {
	// MaxShardRecords rotates the active shard once it holds this many
	// records. Default: 4096.
	MaxShardRecords int

	// MaxShardBytes rotates the active shard once its raw payload
	// reaches this many bytes. Default: 64 MiB.
	MaxShardBytes int64
}

func (o *WriteOptions) norm() *WriteOptions {
	var oo WriteOptions
	if o != nil {
		oo = *o
	}

	if oo.MaxShardRecords < 1 {
		oo.MaxShardRecords = 4096
	}
	if oo.MaxShardBytes < 1 {
		oo.MaxShardBytes = 64 << 20
	}

	return &oo
}

// DatasetWriter appends examples to one split of a dataset, finalizing
// and registering a shard whenever a rotation threshold is reached.
type DatasetWriter struct {
	ds    *Dataset
	split string
	o     *WriteOptions

	seq    int
	cur    *Writer
	closed bool
}

// Writer begins appending examples to a split.
func (ds *Dataset) Writer(split string, o *WriteOptions) *DatasetWriter {
	return &DatasetWriter{
		ds:    ds,
		split: split,
		o:     o.norm(),
		seq:   len(ds.catalog.List(split)),
	}
}

// Append writes one example, rotating to a new shard when a threshold
// is reached.
func (w *DatasetWriter) Append(v any) error {
	if w.closed {
		return ErrClosed
	}

	if w.cur == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	if err := w.cur.Append(v); err != nil {
		return err
	}

	if w.cur.NumRecords() >= w.o.MaxShardRecords || w.cur.RawBytes() >= w.o.MaxShardBytes {
		return w.rotate()
	}
	return nil
}

// Close finalizes and registers the active shard, if it holds any
// records, and makes the writer unusable.
func (w *DatasetWriter) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if w.cur == nil {
		return nil
	}
	if w.cur.NumRecords() == 0 {
		return w.cur.Abort()
	}
	return w.rotate()
}

// Abort discards the active shard without registering it and makes the
// writer unusable. Shards already rotated out remain registered.
func (w *DatasetWriter) Abort() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if w.cur == nil {
		return nil
	}
	return w.cur.Abort()
}

func (w *DatasetWriter) open() error {
	for {
		name := fmt.Sprintf("%s-%06d%s", w.split, w.seq, ShardExt)
		sw, err := CreateShard(filepath.Join(w.ds.dir, name), w.ds.schema, &WriterOptions{
			Codec:       w.ds.codec,
			Compression: w.ds.compression,
		})
		if errors.Is(err, ErrAlreadyExists) {
			w.seq++
			continue
		}
		if err != nil {
			return err
		}

		w.cur = sw
		w.seq++
		return nil
	}
}

func (w *DatasetWriter) rotate() error {
	info, err := w.cur.Finalize()
	w.cur = nil
	if err != nil {
		return err
	}

	info.Split = w.split
	return w.ds.catalog.Register(*info)
}
