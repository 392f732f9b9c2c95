package snapshot

import (
	"os"
	"path/filepath"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// Remove deletes a committed snapshot directory. It only unlinks the
// directory tree (spec.md §3 "Lifecycles": "destroyed by an explicit
// remove command, which unlinks directories but defers blob reclamation
// to GC") — the blobs it referenced are reclaimed by the next GC pass once
// their link count drops.
func Remove(mirrorDir, snapshotID string) error {
	snapDir := filepath.Join(mirrorDir, snapshotID)
	if _, err := os.Stat(snapDir); err != nil {
		if os.IsNotExist(err) {
			return &apterrs.PoolIOError{Op: "remove", Path: snapDir, Cause: err}
		}
		return &apterrs.PoolIOError{Op: "stat", Path: snapDir, Cause: err}
	}
	if err := os.RemoveAll(snapDir); err != nil {
		return &apterrs.PoolIOError{Op: "remove", Path: snapDir, Cause: err}
	}
	return repointLatestIfNeeded(mirrorDir, snapshotID)
}

// repointLatestIfNeeded clears the "latest" pointer if it referenced the
// snapshot just removed, rather than leaving a dangling symlink.
func repointLatestIfNeeded(mirrorDir, removedID string) error {
	latest := filepath.Join(mirrorDir, latestPointer)
	target, err := os.Readlink(latest)
	if err != nil {
		return nil // no pointer, or not a symlink: nothing to fix
	}
	if target != removedID {
		return nil
	}
	if err := os.Remove(latest); err != nil && !os.IsNotExist(err) {
		return &apterrs.PoolIOError{Op: "remove", Path: latest, Cause: err}
	}
	return nil
}

// List returns the committed snapshot ids under mirrorDir, oldest first
// (snapshot ids are UTC timestamps, so lexical order is chronological).
func List(mirrorDir string) ([]string, error) {
	entries, err := os.ReadDir(mirrorDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &apterrs.PoolIOError{Op: "readdir", Path: mirrorDir, Cause: err}
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(mirrorDir, e.Name(), finishedMarker)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}
