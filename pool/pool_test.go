package pool

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func sumOf(data []byte) (string, int64) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), int64(len(data))
}

var _ = Describe("Pool", func() {
	var (
		root string
		p    *Pool
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "pool-test-")
		Expect(err).NotTo(HaveOccurred())
		p, err = New(root)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		p.Close()
		os.RemoveAll(root)
	})

	It("opens a fresh root with the sha256 and tmp subdirectories", func() {
		Expect(filepath.Join(root, Algo)).To(BeADirectory())
		Expect(filepath.Join(root, tmpDirName)).To(BeADirectory())
	})

	It("inserts a blob and reports it present by hash", func() {
		data := []byte("hello apt vault")
		hash, size := sumOf(data)

		h, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Hash).To(Equal(hash))
		Expect(h.Size).To(Equal(size))

		got, ok := p.Exists(hash)
		Expect(ok).To(BeTrue())
		Expect(got.Size).To(Equal(size))
	})

	It("rejects content that does not match the expected hash", func() {
		data := []byte("mismatch me")
		_, err := p.Insert(bytes.NewReader(data), "0000000000000000000000000000000000000000000000000000000000000000", int64(len(data)))
		Expect(err).To(HaveOccurred())
	})

	It("is a no-op when the blob is already stored", func() {
		data := []byte("idempotent insert")
		hash, size := sumOf(data)

		_, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())
		h2, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())
		Expect(h2.Size).To(Equal(size))
	})

	It("collapses concurrent inserts of the same hash", func() {
		data := []byte("concurrent-dedup")
		hash, size := sumOf(data)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = p.Insert(bytes.NewReader(data), hash, size)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("links a blob into a target path", func() {
		data := []byte("link me")
		hash, size := sumOf(data)
		h, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		target := filepath.Join(root, "snap", "pool", "main", "binary-amd64", "hello.deb")
		Expect(p.Link(h, target)).To(Succeed())

		got, err := os.ReadFile(target)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(data))
	})

	It("treats re-linking the same target as a no-op", func() {
		data := []byte("relink me")
		hash, size := sumOf(data)
		h, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		target := filepath.Join(root, "snap", "hello.deb")
		Expect(p.Link(h, target)).To(Succeed())
		Expect(p.Link(h, target)).To(Succeed())
	})

	It("reports a conflict when the target exists with different content", func() {
		data := []byte("conflict source")
		hash, size := sumOf(data)
		h, err := p.Insert(bytes.NewReader(data), hash, size)
		Expect(err).NotTo(HaveOccurred())

		target := filepath.Join(root, "snap", "hello.deb")
		Expect(os.MkdirAll(filepath.Dir(target), 0o755)).To(Succeed())
		Expect(os.WriteFile(target, []byte("different content"), 0o644)).To(Succeed())

		err = p.Link(h, target)
		Expect(err).To(HaveOccurred())
	})

	It("refuses to open a root already holding a foreign algorithm directory", func() {
		foreign, err := os.MkdirTemp("", "pool-foreign-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(foreign)
		Expect(os.MkdirAll(filepath.Join(foreign, "sha1"), 0o755)).To(Succeed())

		_, err = New(foreign)
		Expect(err).To(HaveOccurred())
	})
})
