package sedpack

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadOptions define a single iteration session. They are fixed for the
// lifetime of the session.
type ReadOptions struct {
	// Splits selects the shard splits to iterate.
	// Default: every split.
	Splits []string

	// Shuffle randomizes example order through a bounded shuffle buffer
	// and reshuffles shard order between epochs.
	Shuffle bool

	// ShuffleBuffer caps the number of decoded examples held back for
	// shuffling. Larger buffers improve shuffle quality at the cost of
	// memory. Default: 1024.
	ShuffleBuffer int

	// Parallelism is the number of concurrent shard readers.
	// Default: 4.
	Parallelism int

	// QueueDepth bounds the queue between each pipeline stage.
	// Default: 8.
	QueueDepth int

	// Repeat is the number of epochs to iterate; a negative value
	// repeats forever. Default: 1.
	Repeat int

	// Seed seeds the shuffle randomness. Zero picks a time-based seed.
	Seed int64
}

func (o *ReadOptions) norm() *ReadOptions {
	var oo ReadOptions
	if o != nil {
		oo = *o
		oo.Splits = append([]string(nil), o.Splits...)
	}

	if oo.ShuffleBuffer < 1 {
		oo.ShuffleBuffer = 1024
	}
	if oo.Parallelism < 1 {
		oo.Parallelism = 4
	}
	if oo.QueueDepth < 1 {
		oo.QueueDepth = 8
	}
	if oo.Repeat == 0 {
		oo.Repeat = 1
	}
	if oo.Seed == 0 {
		oo.Seed = time.Now().UnixNano()
	}

	return &oo
}

// Iterate starts an iteration session over the dataset's shards and
// returns an iterator over decoded examples. The session runs until the
// configured number of epochs is exhausted, the context is cancelled or
// the iterator is released.
func (ds *Dataset) Iterate(ctx context.Context, o *ReadOptions) (*Iterator, error) {
	oo := o.norm()

	var shards []ShardInfo
	if len(oo.Splits) == 0 {
		shards = ds.catalog.List("")
	} else {
		for _, split := range oo.Splits {
			shards = append(shards, ds.catalog.List(split)...)
		}
	}

	s := &session{
		dir:    ds.dir,
		codec:  ds.codec,
		o:      oo,
		shards: shards,
	}

	ictx, cancel := context.WithCancel(ctx)
	grp, gctx := errgroup.WithContext(ictx)

	funnel := make(chan any, oo.QueueDepth)
	out := make(chan any, oo.QueueDepth)
	grp.Go(func() error { return s.run(gctx, funnel) })
	grp.Go(func() error { return s.shuffleStage(gctx, funnel, out) })

	return &Iterator{out: out, cancel: cancel, grp: grp}, nil
}

// --------------------------------------------------------------------

type session struct {
	dir    string
	codec  ExampleCodec
	o      *ReadOptions
	shards []ShardInfo
}

// rawRecord carries one record frame between the read and the
// decompress stage.
type rawRecord struct {
	compression Compression
	info        recordInfo
	frame       []byte
}

// run drives the epoch loop: shards are (optionally re-)shuffled per
// epoch, partitioned round-robin across the configured readers, and
// each reader streams its shards through a read, a decompress and a
// decode stage connected by bounded queues. Decoded examples from all
// readers funnel first-ready into a single channel.
func (s *session) run(ctx context.Context, funnel chan<- any) error {
	defer close(funnel)

	rng := rand.New(rand.NewSource(s.o.Seed))
	for epoch := 0; s.o.Repeat < 0 || epoch < s.o.Repeat; epoch++ {
		order := append([]ShardInfo(nil), s.shards...)
		if s.o.Shuffle {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		grp, gctx := errgroup.WithContext(ctx)
		for w := 0; w < s.o.Parallelism; w++ {
			var own []ShardInfo
			for i := w; i < len(order); i += s.o.Parallelism {
				own = append(own, order[i])
			}
			if len(own) == 0 {
				continue
			}

			rawCh := make(chan rawRecord, s.o.QueueDepth)
			plainCh := make(chan []byte, s.o.QueueDepth)
			grp.Go(func() error { return s.readStage(gctx, own, rawCh) })
			grp.Go(func() error { return s.decompressStage(gctx, rawCh, plainCh) })
			grp.Go(func() error { return s.decodeStage(gctx, plainCh, funnel) })
		}
		if err := grp.Wait(); err != nil {
			return err
		}

		if len(s.shards) == 0 {
			break
		}
	}
	return nil
}

// readStage opens the reader's shards strictly in assigned order and
// streams their record frames.
func (s *session) readStage(ctx context.Context, shards []ShardInfo, rawCh chan<- rawRecord) error {
	defer close(rawCh)

	for _, si := range shards {
		r, err := OpenShard(filepath.Join(s.dir, si.Name))
		if err != nil {
			return err
		}

		err = func() error {
			defer r.Close()
			for i := 0; i < r.NumRecords(); i++ {
				ent, frame, err := r.readFrame(i)
				if err != nil {
					return err
				}
				select {
				case rawCh <- rawRecord{compression: r.Compression(), info: ent, frame: frame}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// decompressStage verifies checksums and restores raw payloads.
func (s *session) decompressStage(ctx context.Context, rawCh <-chan rawRecord, plainCh chan<- []byte) error {
	defer close(plainCh)

	for rec := range rawCh {
		plain, err := decodeRecordFrame(rec.compression, &rec.info, rec.frame)
		if err != nil {
			return err
		}
		select {
		case plainCh <- plain:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// decodeStage turns payloads into example values. The shared funnel is
// closed by run once all epochs are done.
func (s *session) decodeStage(ctx context.Context, plainCh <-chan []byte, funnel chan<- any) error {
	for plain := range plainCh {
		v, err := s.codec.Decode(plain)
		if err != nil {
			return err
		}
		select {
		case funnel <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// shuffleStage forwards examples from the funnel to the output channel.
// With shuffling enabled it holds up to ShuffleBuffer examples, yields a
// uniformly random one whenever the buffer is full, and drains the
// remainder in random order once the input is exhausted.
func (s *session) shuffleStage(ctx context.Context, in <-chan any, out chan<- any) error {
	defer close(out)

	if !s.o.Shuffle {
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	rng := rand.New(rand.NewSource(s.o.Seed + 1))
	buf := make([]any, 0, s.o.ShuffleBuffer)

	for v := range in {
		if len(buf) < s.o.ShuffleBuffer {
			buf = append(buf, v)
			continue
		}

		i := rng.Intn(len(buf))
		pick := buf[i]
		buf[i] = v
		select {
		case out <- pick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for len(buf) > 0 {
		i := rng.Intn(len(buf))
		pick := buf[i]
		buf[i] = buf[len(buf)-1]
		buf = buf[:len(buf)-1]
		select {
		case out <- pick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// --------------------------------------------------------------------

// Iterator yields decoded examples from an iteration session. Within
// one reader records arrive in on-disk order; across readers the
// interleaving is unspecified. It is not safe for concurrent use.
type Iterator struct {
	out    <-chan any
	cancel context.CancelFunc
	grp    *errgroup.Group

	val      any
	err      error
	done     bool
	released bool
}

// Next advances to the next example, blocking until one is available,
// and returns true if successful.
func (it *Iterator) Next() bool {
	if it.released || it.done {
		return false
	}

	v, ok := <-it.out
	if !ok {
		it.done = true
		it.err = it.grp.Wait()
		return false
	}

	it.val = v
	return true
}

// Value returns the current example.
func (it *Iterator) Value() any { return it.val }

// Err exposes the error that terminated the iteration, if any.
func (it *Iterator) Err() error {
	if it.released {
		return ErrReleased
	}
	return it.err
}

// Release cancels the session and reclaims its resources: in-flight
// reads are abandoned, stage queues drained and open shard files
// closed. The iterator must not be used after this method is called.
func (it *Iterator) Release() {
	if it.released {
		return
	}
	it.released = true

	it.cancel()
	for range it.out {
	}
	_ = it.grp.Wait()
}
