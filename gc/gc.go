// Package gc orchestrates garbage collection across every mirror directory
// sharing a pool (spec.md §3 "Garbage collection", §4.1). It is the
// top-level caller of pool.Pool.Reclaim: it builds the referenced-hash
// membership set by walking committed snapshot trees, removes snapshot
// trees abandoned mid-sync, and then reclaims unreferenced blobs under the
// pool's exclusive lock.
//
// Grounded on the host repo's mirror package (the closest analogue to a
// scan-then-reconcile background pass) for control flow, and on
// github.com/seiflotfy/cuckoofilter for the membership structure: a cuckoo
// filter has no false negatives, only false positives, so an overcautious
// scan can only retain a blob too long, never reclaim one still in use.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package gc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/karrick/godirwalk"

	"github.com/nvaistore/aptvault/internal/apterrs"
	"github.com/nvaistore/aptvault/internal/xlock"
	"github.com/nvaistore/aptvault/pool"
)

const (
	inProgressMarker = ".in-progress"
	finishedMarker   = ".finished"
	mirrorLockFile   = ".lock"

	// defaultFilterCapacity sizes the cuckoo filter; aistore-class mirrors
	// commonly hold order-of-millions of package files per snapshot.
	defaultFilterCapacity = 4_000_000
)

// Report summarizes one run across every mirror directory passed to Run.
type Report struct {
	pool.Stats
	StaleSnapshotsRemoved int
}

// filterMembership adapts *cuckoo.Filter to pool.Membership.
type filterMembership struct {
	f *cuckoo.Filter
}

func (m filterMembership) Lookup(hash string) bool {
	return m.f.Lookup([]byte(hash))
}

// Run performs one GC pass: it removes abandoned (.in-progress, stale)
// snapshot trees under mirrorDirs, builds the referenced-hash set by
// walking what remains (only Committed snapshots contribute, per the state
// machine in spec.md §4.7), then reclaims unreferenced pool blobs. The pool
// is locked exclusively for the duration (spec.md §5: GC excludes
// concurrent insert/link).
func Run(ctx context.Context, p *pool.Pool, mirrorDirs []string, horizon time.Duration) (Report, error) {
	unlockMirrors, err := lockMirrors(mirrorDirs)
	if err != nil {
		return Report{}, err
	}
	defer unlockMirrors()

	unlock, err := p.LockExclusive()
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	staleRemoved, err := removeStaleSnapshots(mirrorDirs, horizon)
	if err != nil {
		return Report{}, err
	}

	index, err := p.InodeIndex()
	if err != nil {
		return Report{}, err
	}

	filter, err := buildReferencedFilter(ctx, mirrorDirs, index)
	if err != nil {
		return Report{}, err
	}

	stats, err := p.Reclaim(filterMembership{f: filter})
	if err != nil {
		return Report{}, err
	}

	return Report{Stats: stats, StaleSnapshotsRemoved: staleRemoved}, nil
}

// lockMirrors acquires every mirror directory's exclusive advisory lock for
// the duration of the GC pass (spec.md §5: "held for the duration of... a
// mirror GC"), excluding a concurrent sync of the same mirror. On partial
// failure it releases whatever it already holds before returning.
func lockMirrors(mirrorDirs []string) (unlock func(), err error) {
	held := make([]func(), 0, len(mirrorDirs))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, mirrorDir := range mirrorDirs {
		if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
			release()
			return nil, &apterrs.PoolIOError{Op: "mkdir", Path: mirrorDir, Cause: err}
		}
		l := xlock.New(filepath.Join(mirrorDir, mirrorLockFile))
		u, err := l.TryExclusive()
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, u)
	}
	return release, nil
}

// removeStaleSnapshots deletes snapshot trees that still carry
// .in-progress and are older than horizon: a crashed or cancelled sync
// (spec.md §4.7 "Cancellation") left behind a tree that will never commit.
func removeStaleSnapshots(mirrorDirs []string, horizon time.Duration) (int, error) {
	var removed int
	now := time.Now()
	for _, mirrorDir := range mirrorDirs {
		entries, err := os.ReadDir(mirrorDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, &apterrs.PoolIOError{Op: "readdir", Path: mirrorDir, Cause: err}
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			snapDir := filepath.Join(mirrorDir, e.Name())
			marker := filepath.Join(snapDir, inProgressMarker)
			info, statErr := os.Stat(marker)
			if statErr != nil {
				continue // committed, or not a snapshot dir at all
			}
			if now.Sub(info.ModTime()) < horizon {
				continue
			}
			if err := os.RemoveAll(snapDir); err != nil {
				glog.Warningf("gc: failed to remove stale snapshot %s: %v", snapDir, err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// buildReferencedFilter walks every committed snapshot directory (marked by
// .finished, spec.md §3) and inserts the hash of each hardlinked file into
// the returned filter, identifying hashes via the inode index rather than
// re-hashing payloads.
func buildReferencedFilter(ctx context.Context, mirrorDirs []string, index map[pool.Inode]string) (*cuckoo.Filter, error) {
	filter := cuckoo.NewFilter(sizeHint(index))

	for _, mirrorDir := range mirrorDirs {
		entries, err := os.ReadDir(mirrorDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, &apterrs.PoolIOError{Op: "readdir", Path: mirrorDir, Cause: err}
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !e.IsDir() {
				continue
			}
			snapDir := filepath.Join(mirrorDir, e.Name())
			if !committed(snapDir) {
				continue
			}
			if err := walkSnapshot(snapDir, index, filter); err != nil {
				return nil, err
			}
		}
	}
	return filter, nil
}

func committed(snapDir string) bool {
	if _, err := os.Stat(filepath.Join(snapDir, inProgressMarker)); err == nil {
		return false
	}
	_, err := os.Stat(filepath.Join(snapDir, finishedMarker))
	return err == nil
}

func walkSnapshot(snapDir string, index map[pool.Inode]string, filter *cuckoo.Filter) error {
	return godirwalk.Walk(snapDir, &godirwalk.Options{
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
			if hash, found := index[ino]; found {
				filter.InsertUnique([]byte(hash))
			}
			return nil
		},
		Unsorted: true,
	})
}

func sizeHint(index map[pool.Inode]string) uint {
	n := len(index)
	if n < 1024 {
		return defaultFilterCapacity
	}
	return uint(n) * 2
}
