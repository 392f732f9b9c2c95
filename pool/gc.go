package pool

import (
	"os"
	"path/filepath"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/golang/glog"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// Membership answers whether a hash is still referenced by some committed
// snapshot. The concrete implementation (package gc) is a cuckoo filter:
// a structure with zero false negatives, which is exactly the safety
// property GC needs — a false positive merely keeps a blob one extra cycle,
// while a false negative would violate GC monotonicity (spec.md §8) by
// reclaiming something still in use.
type Membership interface {
	Lookup(hash string) bool
}

// Stats summarizes one GC pass.
type Stats struct {
	Scanned        int
	Reclaimed      int
	Retained       int
	BytesReclaimed int64
	StaleTmpFiles  int
}

// Reclaim walks the pool's blob directory and unlinks every blob whose
// filesystem link count is 1 (nothing but the pool entry remains, P2) and
// that the referenced membership set also disagrees with — the link count
// is the authoritative signal (spec.md §4.1 rationale: "link count...
// replaces an explicit reference database"); referenced is consulted only
// as a defensive cross-check so a bug in the scan never causes an
// in-use blob to be unlinked. Callers must hold the pool's exclusive lock.
func (p *Pool) Reclaim(referenced Membership) (Stats, error) {
	var stats Stats
	algoDir := filepath.Join(p.root, Algo)

	err := godirwalk.Walk(algoDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == algoDir || de.IsDir() {
				return nil
			}
			stats.Scanned++
			hash := filepath.Base(path)

			nlink, err := linkCount(path)
			if err != nil {
				glog.Warningf("pool gc: stat %s: %v", path, err)
				return nil
			}
			if nlink > 1 {
				stats.Retained++
				return nil
			}
			if referenced != nil && referenced.Lookup(hash) {
				// Disagreement between nlink and the scan: keep the blob and
				// log loudly rather than risk violating GC monotonicity.
				glog.Errorf("pool gc: %s has link count 1 but scan reports it referenced; keeping", hash)
				stats.Retained++
				return nil
			}

			info, statErr := os.Stat(path)
			if err := os.Remove(path); err != nil {
				return &apterrs.PoolIOError{Op: "gc-unlink", Path: path, Cause: err}
			}
			stats.Reclaimed++
			if statErr == nil {
				stats.BytesReclaimed += info.Size()
			}
			p.catalog.delete(hash)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return stats, err
	}

	n, err := p.sweepStaleTmp(time.Now())
	if err != nil {
		return stats, err
	}
	stats.StaleTmpFiles = n

	_ = removeIfEmptyDir(algoDir) // recreated lazily by the next Pool.New/Insert

	return stats, nil
}

// sweepStaleTmp removes temp files abandoned by a crashed insert, i.e.
// anything under <root>/.tmp older than StaleHorizon (spec.md §4.1).
func (p *Pool) sweepStaleTmp(now time.Time) (int, error) {
	tmpDir := filepath.Join(p.root, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &apterrs.PoolIOError{Op: "readdir", Path: tmpDir, Cause: err}
	}
	var n int
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < StaleHorizon {
			continue
		}
		if err := os.Remove(filepath.Join(tmpDir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

func removeIfEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

// InodeIndex returns the set of every blob currently stored, keyed by the
// inode backing it. Used by package gc to translate the inodes it observes
// while walking snapshot trees (whose filenames are APT paths, not hashes)
// back into pool hashes.
func (p *Pool) InodeIndex() (map[Inode]string, error) {
	algoDir := filepath.Join(p.root, Algo)
	index := make(map[Inode]string, 1024)
	err := godirwalk.Walk(algoDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == algoDir || de.IsDir() {
				return nil
			}
			ino, err := fileInode(path)
			if err != nil {
				return nil
			}
			index[ino] = filepath.Base(path)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, &apterrs.PoolIOError{Op: "scan", Path: algoDir, Cause: err}
	}
	return index, nil
}
