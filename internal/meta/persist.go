// Package meta provides atomic JSON persistence for the small metadata
// documents the engine writes alongside its content: snapshot commit
// markers (.finished) and per-mirror medium summaries (mirror-info.json).
// Adapted from the host repo's cmn/jsp package, with the checksum-wrapper
// envelope dropped (these documents are already covered by the snapshot's
// own hash-verified contents) and jsoniter in place of the custom encoder.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nvaistore/aptvault/internal/idgen"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Save JSON-encodes v and atomically publishes it at path: write to a
// sibling temp file, fsync, then rename over path. A reader never observes
// a partially-written document.
func Save(path string, v interface{}) error {
	tmp := path + ".tmp." + idgen.Tie()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "meta: create %s", tmp)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "meta: encode %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "meta: fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "meta: close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "meta: rename %s -> %s", tmp, path)
	}
	return nil
}

// Load JSON-decodes the document at path into v.
func Load(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
