// Package xlock provides the advisory file locks shared by pool, mirror, and
// medium directories (spec.md §5): shared for insert/link, exclusive for GC
// and for the duration of a sync.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xlock

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// Lock wraps a single advisory lock file. Safe for one process; like all
// advisory locks it depends on cooperating processes using the same API.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock bound to path. Neither the file nor the lock is touched
// until one of the Try/blocking methods is called; the first attempt creates
// the file if it doesn't exist.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// TryExclusive attempts a non-blocking exclusive lock, failing fast with
// apterrs.LockedError if another holder has it (GC, or a concurrent sync).
func (l *Lock) TryExclusive() (unlock func(), err error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return nil, &apterrs.PoolIOError{Op: "lock", Path: l.path, Cause: err}
	}
	if !ok {
		return nil, &apterrs.LockedError{Path: l.path}
	}
	return l.release, nil
}

// TryShared attempts a non-blocking shared lock (multiple inserts/links may
// hold it concurrently; it's mutually exclusive only with an exclusive GC
// lock).
func (l *Lock) TryShared() (unlock func(), err error) {
	ok, err := l.fl.TryRLock()
	if err != nil {
		return nil, &apterrs.PoolIOError{Op: "lock", Path: l.path, Cause: err}
	}
	if !ok {
		return nil, &apterrs.LockedError{Path: l.path}
	}
	return l.release, nil
}

// ExclusiveWait polls for the exclusive lock every interval until acquired
// or ctx is cancelled, honoring the engine's cooperative cancellation token
// (spec.md §5) instead of blocking uninterruptibly.
func (l *Lock) ExclusiveWait(ctx context.Context, interval time.Duration) (unlock func(), err error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		unlock, err = l.TryExclusive()
		if err == nil {
			return unlock, nil
		}
		var locked *apterrs.LockedError
		if !isLocked(err, &locked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func isLocked(err error, target **apterrs.LockedError) bool {
	le, ok := err.(*apterrs.LockedError)
	if !ok {
		return false
	}
	*target = le
	return true
}

func (l *Lock) release() {
	_ = l.fl.Unlock()
}
