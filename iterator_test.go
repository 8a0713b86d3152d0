package sedpack_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jmichelp/sedpack"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Iterator", func() {
	var dir string
	var ctx context.Context

	// drain collects every yielded example as a string.
	drain := func(iter *sedpack.Iterator) []string {
		var out []string
		for iter.Next() {
			out = append(out, string(iter.Value().([]byte)))
		}
		return out
	}

	// originalIndex recovers the payload sequence number.
	originalIndex := func(s string) int {
		n, err := strconv.Atoi(s[len("example-") : len("example-")+6])
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	BeforeEach(func() {
		dir = tempDir()
		ctx = context.Background()
	})

	It("should yield everything in order with a single reader", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 300}, 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(ds.Catalog().List("train")).To(HaveLen(3))

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Parallelism: 1})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(300))
		for i, s := range got {
			Expect(s).To(Equal(string(payload(i))), "for %d", i)
		}
	})

	It("should yield identical epochs when not shuffling", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 50}, 100)
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Parallelism: 1, Repeat: 2})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(100))
		Expect(got[:50]).To(Equal(got[50:]))
	})

	It("should yield the full multiset with parallel readers", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 300}, 100)
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Parallelism: 4})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(300))

		sort.Strings(got)
		want := make([]string, 0, 300)
		for i := 0; i < 300; i++ {
			want = append(want, string(payload(i)))
		}
		sort.Strings(want)
		Expect(got).To(Equal(want))
	})

	It("should restrict iteration to the requested splits", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 200, "test": 50}, 100)
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Splits: []string{"test"}, Parallelism: 1})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(50))
	})

	It("should shuffle without losing or duplicating examples", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 300}, 100)
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{
			Shuffle:       true,
			ShuffleBuffer: 64,
			Seed:          42,
			Parallelism:   2,
		})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(300))

		inOrder := make([]string, 0, 300)
		for i := 0; i < 300; i++ {
			inOrder = append(inOrder, string(payload(i)))
		}
		Expect(got).NotTo(Equal(inOrder))

		sorted := append([]string(nil), got...)
		sort.Strings(sorted)
		want := append([]string(nil), inOrder...)
		sort.Strings(want)
		Expect(sorted).To(Equal(want))
	})

	It("should not yield an example before its shuffle window opens", func() {
		const bufSize = 10
		ds, err := seedDataset(dir, map[string]int{"train": 200}, 1000) // single shard
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{
			Shuffle:       true,
			ShuffleBuffer: bufSize,
			Seed:          7,
			Parallelism:   1,
		})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(200))

		// with buffer size B, the k-th yield can only come from the
		// first k+B produced examples
		for k, s := range got {
			Expect(originalIndex(s)).To(BeNumerically("<=", k+bufSize), "at position %d", k)
		}
	})

	It("should terminate immediately on empty datasets", func() {
		ds, err := sedpack.CreateDataset(dir, &sedpack.DatasetOptions{Schema: testSchema})
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Repeat: -1})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Err()).NotTo(HaveOccurred())
	})

	It("should repeat forever until released", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 50}, 100)
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Parallelism: 1, Repeat: -1})
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 120; i++ {
			Expect(iter.Next()).To(BeTrue(), "at %d", i)
		}
		iter.Release()
		Expect(iter.Next()).To(BeFalse())
	})

	It("should surface corrupt shards instead of skipping them", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 100}, 50)
		Expect(err).NotTo(HaveOccurred())
		Expect(ds.Catalog().List("train")).To(HaveLen(2))

		// truncate the second shard after it was registered
		path := filepath.Join(dir, "train-000001"+sedpack.ShardExt)
		st, err := os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Truncate(path, st.Size()-10)).To(Succeed())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Parallelism: 1})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		got := drain(iter)
		Expect(iter.Err()).To(MatchError(sedpack.ErrCorruptShard))
		Expect(len(got)).To(BeNumerically("<=", 50))
	})

	It("should stop on context cancellation", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 300}, 100)
		Expect(err).NotTo(HaveOccurred())

		cctx, cancel := context.WithCancel(ctx)
		iter, err := ds.Iterate(cctx, &sedpack.ReadOptions{Parallelism: 2, Repeat: -1})
		Expect(err).NotTo(HaveOccurred())
		defer iter.Release()

		for i := 0; i < 10; i++ {
			Expect(iter.Next()).To(BeTrue())
		}
		cancel()

		for iter.Next() { // drains whatever was already in flight
		}
		Expect(iter.Err()).To(MatchError(context.Canceled))
	})

	It("should release cleanly without consuming", func() {
		ds, err := seedDataset(dir, map[string]int{"train": 300}, 100)
		Expect(err).NotTo(HaveOccurred())

		iter, err := ds.Iterate(ctx, &sedpack.ReadOptions{Parallelism: 4, Repeat: -1})
		Expect(err).NotTo(HaveOccurred())

		iter.Release()
		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Err()).To(MatchError(sedpack.ErrReleased))
	})
})
