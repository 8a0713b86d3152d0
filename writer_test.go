package sedpack_test

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/jmichelp/sedpack"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Writer", func() {
	var dir, path string
	var subject *sedpack.Writer

	BeforeEach(func() {
		dir = tempDir()
		path = filepath.Join(dir, "train-000000"+sedpack.ShardExt)

		var err error
		subject, err = sedpack.CreateShard(path, testSchema, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if subject != nil {
			_ = subject.Abort()
		}
	})

	It("should finalize empty shards", func() {
		info, err := subject.Finalize()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Records).To(BeZero())

		r, err := sedpack.OpenShard(path)
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		Expect(r.NumRecords()).To(BeZero())
		Expect(r.Schema()).To(Equal(testSchema))
	})

	It("should stay invisible until finalized", func() {
		Expect(subject.Append(payload(1))).To(Succeed())
		_, err := os.Lstat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())

		_, err = subject.Finalize()
		Expect(err).NotTo(HaveOccurred())
		_, err = os.Lstat(path)
		Expect(err).NotTo(HaveOccurred())

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("should refuse to overwrite finalized shards", func() {
		_, err := subject.Finalize()
		Expect(err).NotTo(HaveOccurred())

		_, err = sedpack.CreateShard(path, testSchema, nil)
		Expect(err).To(MatchError(sedpack.ErrAlreadyExists))
	})

	It("should reject use after finalize", func() {
		_, err := subject.Finalize()
		Expect(err).NotTo(HaveOccurred())

		Expect(subject.Append(payload(1))).To(MatchError(sedpack.ErrClosed))
		_, err = subject.Finalize()
		Expect(err).To(MatchError(sedpack.ErrClosed))
		Expect(subject.Abort()).To(MatchError(sedpack.ErrClosed))
	})

	It("should discard everything on abort", func() {
		Expect(subject.Append(payload(1))).To(Succeed())
		Expect(subject.Abort()).To(Succeed())
		subject = nil

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("should track counts", func() {
		for i := 0; i < 10; i++ {
			Expect(subject.Append(payload(i))).To(Succeed())
		}
		Expect(subject.NumRecords()).To(Equal(10))
		Expect(subject.RawBytes()).To(Equal(int64(10 * len(payload(0)))))

		info, err := subject.Finalize()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Records).To(Equal(int64(10)))
		Expect(info.RawBytes).To(Equal(int64(10 * len(payload(0)))))
		Expect(info.Bytes).To(BeNumerically(">", 0))
	})

	It("should store incompressible records raw", func() {
		rnd := rand.New(rand.NewSource(1))
		val := make([]byte, 512)
		_, err := rnd.Read(val)
		Expect(err).NotTo(HaveOccurred())

		Expect(subject.Append(val)).To(Succeed())
		info, err := subject.Finalize()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.RawBytes).To(Equal(int64(512)))

		r, err := sedpack.OpenShard(path)
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		Expect(r.ReadRecord(0)).To(Equal(val))
	})

	It("should reject unencodable values", func() {
		Expect(subject.Append(42)).To(MatchError(sedpack.ErrSchemaMismatch))
		Expect(subject.Append(payload(1))).To(Succeed()) // still usable
	})
})
