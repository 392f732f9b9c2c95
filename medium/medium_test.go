package medium

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvaistore/aptvault/internal/meta"
	"github.com/nvaistore/aptvault/pool"
	"github.com/nvaistore/aptvault/registry"
)

var _ = Describe("Medium", func() {
	var (
		mountpoint string
		mirrorDir  string
		p          *pool.Pool
		syncer     *Syncer
	)

	BeforeEach(func() {
		mountpoint, _ = os.MkdirTemp("", "medium-")
		mirrorDir, _ = os.MkdirTemp("", "mirror-src-")

		var err error
		p, err = pool.New(filepath.Join(mountpoint, ".pool"))
		Expect(err).NotTo(HaveOccurred())

		syncer = &Syncer{
			Medium: &registry.MediumConfig{ID: "usb1", Mountpoint: mountpoint, MirrorIDs: []string{"debian"}},
			Pool:   p,
		}
	})

	AfterEach(func() {
		os.RemoveAll(mountpoint)
		os.RemoveAll(mirrorDir)
	})

	writeSourceFile := func(rel string, content []byte) {
		full := filepath.Join(mirrorDir, rel)
		Expect(os.MkdirAll(filepath.Dir(full), 0o755)).To(Succeed())
		Expect(os.WriteFile(full, content, 0o644)).To(Succeed())
	}

	It("replicates a snapshot tree into the medium's mirror-rooted path", func() {
		writeSourceFile("InRelease", []byte("release body"))
		writeSourceFile("pool/h/hello/hello_1_amd64.deb", []byte("binary content"))

		Expect(syncer.Sync(context.Background(), "debian", "2026-01-01_00-00-00", mirrorDir)).To(Succeed())

		got, err := os.ReadFile(filepath.Join(mountpoint, "debian", "2026-01-01_00-00-00", "pool/h/hello/hello_1_amd64.deb"))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("binary content")))
	})

	It("writes a mirror-info.json listing replicated snapshots", func() {
		writeSourceFile("InRelease", []byte("release body"))

		Expect(syncer.Sync(context.Background(), "debian", "2026-01-01_00-00-00", mirrorDir)).To(Succeed())

		var info MirrorInfo
		Expect(meta.Load(filepath.Join(mountpoint, "debian", infoFileName), &info)).To(Succeed())
		Expect(info.MirrorID).To(Equal("debian"))
		Expect(info.Snapshots).To(HaveLen(1))
		Expect(info.Snapshots[0].SnapshotID).To(Equal("2026-01-01_00-00-00"))
	})

	It("appends rather than duplicates when replicating a second distinct snapshot", func() {
		writeSourceFile("InRelease", []byte("release body v1"))
		Expect(syncer.Sync(context.Background(), "debian", "2026-01-01_00-00-00", mirrorDir)).To(Succeed())

		os.RemoveAll(mirrorDir)
		mirrorDir, _ = os.MkdirTemp("", "mirror-src-2-")
		writeSourceFile("InRelease", []byte("release body v2"))
		Expect(syncer.Sync(context.Background(), "debian", "2026-01-02_00-00-00", mirrorDir)).To(Succeed())

		var info MirrorInfo
		Expect(meta.Load(filepath.Join(mountpoint, "debian", infoFileName), &info)).To(Succeed())
		Expect(info.Snapshots).To(HaveLen(2))
	})

	It("is idempotent: re-syncing the same snapshot does not duplicate its manifest entry", func() {
		writeSourceFile("InRelease", []byte("release body"))
		Expect(syncer.Sync(context.Background(), "debian", "2026-01-01_00-00-00", mirrorDir)).To(Succeed())
		Expect(syncer.Sync(context.Background(), "debian", "2026-01-01_00-00-00", mirrorDir)).To(Succeed())

		var info MirrorInfo
		Expect(meta.Load(filepath.Join(mountpoint, "debian", infoFileName), &info)).To(Succeed())
		Expect(info.Snapshots).To(HaveLen(1))
	})

	It("skips marker files when replicating", func() {
		writeSourceFile("InRelease", []byte("release body"))
		writeSourceFile(".finished", []byte(`{}`))
		writeSourceFile(".in-progress", nil)

		Expect(syncer.Sync(context.Background(), "debian", "2026-01-01_00-00-00", mirrorDir)).To(Succeed())

		_, err := os.Stat(filepath.Join(mountpoint, "debian", "2026-01-01_00-00-00", ".finished"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("copies subscription keys verbatim into a sibling keys/ directory", func() {
		keys := []*registry.Key{{ID: "k1", Payload: []byte("opaque-blob")}}
		Expect(CopyKeys(mountpoint, keys)).To(Succeed())

		got, err := os.ReadFile(filepath.Join(mountpoint, "keys", "k1.signed"))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("opaque-blob")))
	})
})

var _ = Describe("SelectSnapshots", func() {
	It("selects the newest committed snapshot under the latest policy", func() {
		ids := SelectSnapshots(registry.SelectionPolicy{Latest: true}, []string{"a", "b", "c"})
		Expect(ids).To(Equal([]string{"c"}))
	})

	It("returns nothing when there are no committed snapshots yet", func() {
		ids := SelectSnapshots(registry.SelectionPolicy{Latest: true}, nil)
		Expect(ids).To(BeEmpty())
	})

	It("prefers an explicit selection over the latest policy", func() {
		ids := SelectSnapshots(registry.SelectionPolicy{Latest: true, Explicit: []string{"x", "y"}}, []string{"a", "b"})
		Expect(ids).To(Equal([]string{"x", "y"}))
	})
})
