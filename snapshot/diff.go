package snapshot

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/OneOfOne/xxhash"
	"github.com/karrick/godirwalk"

	"github.com/nvaistore/aptvault/internal/apterrs"
	"github.com/nvaistore/aptvault/pool"
)

// Diff is the structural difference between two snapshots of the same
// mirror: which repository-relative paths were added, removed, or changed
// content (a path present in both but backed by a different blob).
type Diff struct {
	Added   []string
	Removed []string
	Changed []string

	// Identical is true when a cheap xxhash fingerprint over both
	// snapshots' (path, pool hash) listings matched, in which case the
	// per-path comparison is skipped (spec.md's "Sync idempotence" law: a
	// no-op re-sync should be detectable without re-hashing every payload).
	Identical bool
}

// CompareSnapshots diffs snapDirA against snapDirB, both rooted at
// <mirror-dir>/<snapshot-id>.
func CompareSnapshots(p *pool.Pool, snapDirA, snapDirB string) (*Diff, error) {
	index, err := p.InodeIndex()
	if err != nil {
		return nil, err
	}

	a, err := snapshotFingerprint(snapDirA, index)
	if err != nil {
		return nil, err
	}
	b, err := snapshotFingerprint(snapDirB, index)
	if err != nil {
		return nil, err
	}

	if a.digest == b.digest {
		return &Diff{Identical: true}, nil
	}

	d := &Diff{}
	for relPath, hashA := range a.byPath {
		hashB, ok := b.byPath[relPath]
		if !ok {
			d.Removed = append(d.Removed, relPath)
			continue
		}
		if hashA != hashB {
			d.Changed = append(d.Changed, relPath)
		}
	}
	for relPath := range b.byPath {
		if _, ok := a.byPath[relPath]; !ok {
			d.Added = append(d.Added, relPath)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d, nil
}

type fingerprint struct {
	byPath map[string]string // relative path -> pool hash
	digest uint64
}

func snapshotFingerprint(snapDir string, index map[pool.Inode]string) (fingerprint, error) {
	byPath := map[string]string{}
	err := godirwalk.Walk(snapDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			base := filepath.Base(path)
			if base == inProgressMarker || base == finishedMarker {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			ino, ok := pool.InodeOf(info)
			if !ok {
				return nil
			}
			hash, ok := index[ino]
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(snapDir, path)
			if err != nil {
				return err
			}
			byPath[rel] = hash
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		if os.IsNotExist(err) {
			return fingerprint{byPath: byPath, digest: digestOf(byPath)}, nil
		}
		return fingerprint{}, &apterrs.PoolIOError{Op: "walk", Path: snapDir, Cause: err}
	}
	return fingerprint{byPath: byPath, digest: digestOf(byPath)}, nil
}

// digestOf folds a path->hash map into a single xxhash value over its
// sorted entries, so two fingerprints can be compared in O(1) before
// falling back to the O(n) per-path diff.
func digestOf(byPath map[string]string) uint64 {
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := xxhash.New64()
	var lenBuf [8]byte
	for _, p := range paths {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
		h.Write([]byte(byPath[p]))
	}
	return h.Sum64()
}
