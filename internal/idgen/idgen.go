// Package idgen generates short, human-readable tie-breakers used to keep
// concurrently-created temp files and snapshot working directories from
// colliding.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package idgen

import (
	"github.com/teris-io/shortid"
	"go.uber.org/atomic"
)

// alphabet mirrors the host repo's uuidABC: a 64-char set so tie-breaker
// bytes can be picked out with a 6-bit mask.
const alphabet = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid  *shortid.Shortid
	rtie atomic.Int32
)

func init() {
	sid = shortid.MustNew(4 /*worker*/, alphabet, 1)
}

// Tie returns a 3-character suffix derived from a counter incremented on
// every call; the suffix repeats after 256 calls. Used to disambiguate temp
// files written by the same process (e.g. <path>.tmp.<tie> in package meta,
// and the pool's hardlink probe files).
func Tie() string {
	tie := rtie.Add(1)
	b0 := alphabet[tie&0x3f]
	b1 := alphabet[-tie&0x3f]
	b2 := alphabet[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}

// New generates a short, URL-safe random id.
func New() string {
	return sid.MustGenerate()
}
