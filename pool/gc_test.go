package pool

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// alwaysUnreferenced is a Membership that never claims a hash is referenced,
// i.e. it behaves like a freshly-built filter over an empty set of
// committed snapshots.
type alwaysUnreferenced struct{}

func (alwaysUnreferenced) Lookup(string) bool { return false }

type alwaysReferenced struct{}

func (alwaysReferenced) Lookup(string) bool { return true }

var _ = Describe("Pool GC", func() {
	var (
		root string
		p    *Pool
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "pool-gc-test-")
		Expect(err).NotTo(HaveOccurred())
		p, err = New(root)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		p.Close()
		os.RemoveAll(root)
	})

	It("reclaims a blob with link count 1 and no referencing snapshot", func() {
		data := []byte("orphan blob")
		hash, size := sumOf(data)
		_, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		stats, err := p.Reclaim(alwaysUnreferenced{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Reclaimed).To(Equal(1))

		_, ok := p.Exists(hash)
		Expect(ok).To(BeFalse())
	})

	It("retains a blob that is hardlinked from a snapshot", func() {
		data := []byte("live blob")
		hash, size := sumOf(data)
		h, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		target := filepath.Join(root, "snap", "live.deb")
		Expect(p.Link(h, target)).To(Succeed())

		stats, err := p.Reclaim(alwaysUnreferenced{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Reclaimed).To(Equal(0))
		Expect(stats.Retained).To(Equal(1))

		_, ok := p.Exists(hash)
		Expect(ok).To(BeTrue())
	})

	It("keeps a link-count-1 blob when the membership check disagrees, favoring safety", func() {
		data := []byte("disputed blob")
		hash, size := sumOf(data)
		_, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		stats, err := p.Reclaim(alwaysReferenced{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Reclaimed).To(Equal(0))

		_, ok := p.Exists(hash)
		Expect(ok).To(BeTrue())
	})

	It("sweeps stale temp files older than the horizon", func() {
		tmpPath := filepath.Join(root, tmpDirName, "abc123.stale")
		Expect(os.WriteFile(tmpPath, []byte("x"), 0o644)).To(Succeed())
		old := time.Now().Add(-2 * StaleHorizon)
		Expect(os.Chtimes(tmpPath, old, old)).To(Succeed())

		stats, err := p.Reclaim(alwaysUnreferenced{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.StaleTmpFiles).To(Equal(1))
		_, statErr := os.Stat(tmpPath)
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("builds an inode index covering every stored blob", func() {
		data := []byte("indexed blob")
		hash, size := sumOf(data)
		_, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		index, err := p.InodeIndex()
		Expect(err).NotTo(HaveOccurred())
		Expect(index).To(HaveLen(1))
		found := false
		for _, h := range index {
			if h == hash {
				found = true
			}
		}
		Expect(found).To(BeTrue())
	})
})
