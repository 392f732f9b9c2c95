// Package pool implements the content-addressed blob store described in
// spec.md §3 ("Pool") and §4.1: hardlink-based storage keyed by SHA-256,
// atomic-rename inserts, and hardlink materialization into snapshots.
//
// The on-disk layout is flat and fixed: <root>/<algo>/<hex>. Mixing
// algorithms within one pool is refused at open time (spec.md §9: "normalize
// to SHA-256-only pools and refuse mixed-algorithm sharing").
//
// Grounded on the host repo's fs/content.go (FQN/content-type resolution)
// and fs/vmd.go (atomic load/persist of small metadata documents), and on
// the CAS pattern in the retrieved Pepperjack-svg-zynq store (temp-file
// streaming hash + atomic rename + dedup-hit detection).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/nvaistore/aptvault/internal/apterrs"
	"github.com/nvaistore/aptvault/internal/debug"
	"github.com/nvaistore/aptvault/internal/idgen"
	"github.com/nvaistore/aptvault/internal/xlock"
)

const (
	// Algo is the only hash algorithm this engine's pools ever store under.
	Algo = "sha256"

	tmpDirName   = ".tmp"
	lockFileName = ".lock"

	// StaleHorizon is how old a .tmp file must be before GC considers it
	// abandoned rather than in-flight (spec.md §4.1).
	StaleHorizon = 24 * time.Hour
)

// BlobHandle identifies a stored blob. Size is populated on Insert and on
// successful catalog lookups; it is informational only — the filename is
// the sole source of truth for identity (P1).
type BlobHandle struct {
	Hash string
	Size int64
}

// Pool is a single content-addressed store rooted at a directory. Multiple
// mirrors may share one Pool (P4); the Pool itself holds no notion of which
// mirrors reference it.
type Pool struct {
	root    string
	lock    *xlock.Lock
	catalog *catalog

	sf singleflight.Group // dedupes concurrent inserts of the same hash
}

// New opens (creating if necessary) a pool rooted at root. It refuses to
// open a root containing any algorithm subdirectory other than Algo, and
// probes that the filesystem supports hardlinks before returning.
func New(root string) (*Pool, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &apterrs.PoolIOError{Op: "mkdir", Path: root, Cause: err}
	}
	if err := checkSingleAlgo(root); err != nil {
		return nil, err
	}
	algoDir := filepath.Join(root, Algo)
	if err := os.MkdirAll(algoDir, 0o755); err != nil {
		return nil, &apterrs.PoolIOError{Op: "mkdir", Path: algoDir, Cause: err}
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, &apterrs.PoolIOError{Op: "mkdir", Path: root, Cause: err}
	}
	if err := probeHardlinks(root); err != nil {
		return nil, err
	}
	cat, err := openCatalog(root)
	if err != nil {
		return nil, err
	}
	return &Pool{
		root:    root,
		lock:    xlock.New(filepath.Join(root, lockFileName)),
		catalog: cat,
	}, nil
}

// Close releases the pool's catalog handle. It does not release any
// in-flight lock; callers unlock via the function returned from
// LockShared/LockExclusive.
func (p *Pool) Close() error {
	return p.catalog.close()
}

// Root returns the pool's root directory.
func (p *Pool) Root() string { return p.root }

// LockShared acquires the pool's shared advisory lock, held by insert/link
// for their duration (spec.md §5).
func (p *Pool) LockShared() (unlock func(), err error) {
	return p.lock.TryShared()
}

// LockExclusive acquires the pool's exclusive advisory lock, held by GC for
// its duration (spec.md §5).
func (p *Pool) LockExclusive() (unlock func(), err error) {
	return p.lock.TryExclusive()
}

func (p *Pool) blobPath(hash string) string {
	return filepath.Join(p.root, Algo, hash)
}

// checkSingleAlgo enforces P1/§9: a pool directory may contain at most the
// one algorithm subdirectory this engine uses.
func checkSingleAlgo(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &apterrs.PoolIOError{Op: "readdir", Path: root, Cause: err}
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == tmpDirName || filepath.Ext(e.Name()) == ".db" {
			continue
		}
		if e.Name() != Algo {
			return &apterrs.PoolIOError{
				Op:    "open",
				Path:  root,
				Cause: errors.Errorf("pool already contains algorithm subdirectory %q, refusing to mix with %q", e.Name(), Algo),
			}
		}
	}
	return nil
}

// probeHardlinks verifies the pool's filesystem supports hardlinks
// (spec.md §9), failing fast rather than discovering the limitation
// mid-sync.
func probeHardlinks(root string) error {
	dir := filepath.Join(root, tmpDirName)
	src := filepath.Join(dir, ".hlprobe-src."+idgen.Tie())
	dst := filepath.Join(dir, ".hlprobe-dst."+idgen.Tie())
	f, err := os.Create(src)
	if err != nil {
		return &apterrs.PoolIOError{Op: "probe", Path: src, Cause: err}
	}
	f.Close()
	defer os.Remove(src)
	if err := os.Link(src, dst); err != nil {
		return &apterrs.PoolIOError{Op: "probe", Path: root, Cause: errors.Wrap(err, "filesystem does not support hardlinks")}
	}
	os.Remove(dst)
	return nil
}

// Insert streams r into the pool, hashing as it writes. If the final hash
// does not equal expectedHash, the temp file is removed and HashMismatchError
// is returned. If the destination already exists, the existing blob is kept
// in place (both are bitwise identical by P1) and the temp file is discarded
// — this is the "insert is lock-free against concurrent inserts of the same
// hash" property from spec.md §5, backed here by golang.org/x/sync/singleflight
// so concurrent goroutines in this process collapse onto one writer instead
// of racing independent temp files.
func (p *Pool) Insert(r io.Reader, expectedHash string, expectedSize int64) (BlobHandle, error) {
	if expectedHash == "" {
		return BlobHandle{}, errors.New("pool: Insert requires expectedHash")
	}
	v, err, _ := p.sf.Do(expectedHash, func() (interface{}, error) {
		return p.insertOnce(r, expectedHash, expectedSize)
	})
	if err != nil {
		return BlobHandle{}, err
	}
	return v.(BlobHandle), nil
}

func (p *Pool) insertOnce(r io.Reader, expectedHash string, expectedSize int64) (BlobHandle, error) {
	dst := p.blobPath(expectedHash)
	if info, err := os.Stat(dst); err == nil {
		// Already present: P1 guarantees bitwise identity by name; trust it.
		return BlobHandle{Hash: expectedHash, Size: info.Size()}, nil
	}

	tmpDir := filepath.Join(p.root, tmpDirName)
	tmp, err := os.CreateTemp(tmpDir, expectedHash+".*")
	if err != nil {
		return BlobHandle{}, &apterrs.PoolIOError{Op: "create", Path: tmpDir, Cause: err}
	}
	tmpPath := tmp.Name()
	removeTmp := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(r, hasher))
	if err != nil {
		removeTmp()
		return BlobHandle{}, &apterrs.PoolIOError{Op: "write", Path: tmpPath, Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		removeTmp()
		return BlobHandle{}, &apterrs.PoolIOError{Op: "fsync", Path: tmpPath, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return BlobHandle{}, &apterrs.PoolIOError{Op: "close", Path: tmpPath, Cause: err}
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expectedHash {
		os.Remove(tmpPath)
		return BlobHandle{}, &apterrs.HashMismatchError{Path: dst, Expected: expectedHash, Actual: actual}
	}
	if expectedSize > 0 && n != expectedSize {
		os.Remove(tmpPath)
		return BlobHandle{}, &apterrs.HashMismatchError{Path: dst, Expected: expectedHash, Actual: actual}
	}

	if err := os.Chmod(tmpPath, 0o444); err != nil {
		os.Remove(tmpPath)
		return BlobHandle{}, &apterrs.PoolIOError{Op: "chmod", Path: tmpPath, Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(tmpPath)
		return BlobHandle{}, &apterrs.PoolIOError{Op: "mkdir", Path: filepath.Dir(dst), Cause: err}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		if os.IsExist(err) {
			os.Remove(tmpPath)
			info, statErr := os.Stat(dst)
			if statErr == nil {
				return BlobHandle{Hash: expectedHash, Size: info.Size()}, nil
			}
		}
		os.Remove(tmpPath)
		return BlobHandle{}, &apterrs.PoolIOError{Op: "rename", Path: dst, Cause: err}
	}

	if err := p.catalog.put(expectedHash, n); err != nil {
		glog.Warningf("pool: catalog update failed for %s: %v", expectedHash, err)
	}
	return BlobHandle{Hash: expectedHash, Size: n}, nil
}

// Exists reports whether hash is already stored, consulting the buntdb
// catalog first (spec.md §4.7 step 4: "consult the pool") and falling back
// to a stat when the catalog has no entry (e.g. a blob inserted by another
// process, or before the catalog existed).
func (p *Pool) Exists(hash string) (BlobHandle, bool) {
	if size, ok := p.catalog.get(hash); ok {
		return BlobHandle{Hash: hash, Size: size}, true
	}
	info, err := os.Stat(p.blobPath(hash))
	if err != nil {
		return BlobHandle{}, false
	}
	if putErr := p.catalog.put(hash, info.Size()); putErr != nil {
		glog.V(2).Infof("pool: catalog backfill failed for %s: %v", hash, putErr)
	}
	return BlobHandle{Hash: hash, Size: info.Size()}, true
}

// Link creates target as a hardlink to the blob identified by h, creating
// target's parent directories as needed. A target that already exists and
// shares the blob's inode is a no-op; one that exists with different
// content is a LinkConflictError (spec.md §4.1).
func (p *Pool) Link(h BlobHandle, target string) error {
	src := p.blobPath(h.Hash)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &apterrs.PoolIOError{Op: "mkdir", Path: filepath.Dir(target), Cause: err}
	}

	if same, err := sameFile(src, target); err != nil && !os.IsNotExist(err) {
		return &apterrs.PoolIOError{Op: "stat", Path: target, Cause: err}
	} else if err == nil {
		if same {
			return nil
		}
		return &apterrs.LinkConflictError{Target: target}
	}

	if err := os.Link(src, target); err != nil {
		if isCrossDevice(err) {
			return &apterrs.CrossDeviceError{From: src, To: target}
		}
		if os.IsExist(err) {
			same, statErr := sameFile(src, target)
			if statErr == nil && same {
				return nil
			}
			return &apterrs.LinkConflictError{Target: target}
		}
		return &apterrs.PoolIOError{Op: "link", Path: target, Cause: err}
	}
	debug.Assertf(fileExists(target), "Link: %s did not materialize after os.Link", target)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
