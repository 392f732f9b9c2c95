//go:build linux

// Grounded on the host repo's ios/dutils_linux.go: platform-specific
// filesystem helpers live in their own build-tagged file per OS rather than
// behind runtime branching.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package pool

import (
	"os"
	"syscall"
)

// sameFile reports whether a and b are hardlinks to the same inode. It
// returns an error (possibly os.IsNotExist) if either path cannot be
// stat'd.
func sameFile(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	ta, ok1 := sa.Sys().(*syscall.Stat_t)
	tb, ok2 := sb.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, nil
	}
	return ta.Dev == tb.Dev && ta.Ino == tb.Ino, nil
}

// linkCount returns the hardlink count of path, used by GC to decide
// whether a blob file is referenced by anything beyond the pool entry
// itself (spec.md §4.1, invariant 5).
func linkCount(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 1, nil
	}
	return uint64(st.Nlink), nil
}

func isCrossDevice(err error) bool {
	for {
		switch e := err.(type) {
		case *os.LinkError:
			err = e.Err
		case syscall.Errno:
			return e == syscall.EXDEV
		default:
			return false
		}
	}
}

// Inode identifies a blob's backing inode within one filesystem, used by GC
// to cross-reference snapshot hardlinks against pool blobs without assuming
// snapshot filenames carry the hash.
type Inode struct {
	Dev uint64
	Ino uint64
}

func fileInode(path string) (Inode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Inode{}, err
	}
	ino, ok := InodeOf(info)
	if !ok {
		return Inode{}, err
	}
	return ino, nil
}

// InodeOf extracts the (device, inode) pair identifying the file backing
// info, for callers (package gc) that already hold an os.FileInfo from
// their own directory walk.
func InodeOf(info os.FileInfo) (Inode, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Inode{}, false
	}
	return Inode{Dev: uint64(st.Dev), Ino: st.Ino}, true
}
