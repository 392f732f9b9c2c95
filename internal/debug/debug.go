// Package debug provides cheap runtime assertions that are no-ops outside of
// debug builds, in the style of the host repo's cmn/debug package.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/golang/glog"
)

// Enabled is flipped to true by debug_on.go when built with the "debug" tag.
var Enabled = false

func Assert(cond bool, a ...interface{}) {
	if Enabled && !cond {
		panicf(a...)
	}
}

func Assertf(cond bool, f string, a ...interface{}) {
	if Enabled && !cond {
		panicf(fmt.Sprintf(f, a...))
	}
}

func AssertNoErr(err error) {
	if Enabled && err != nil {
		panicf(err)
	}
}

func panicf(a ...interface{}) {
	msg := "DEBUG PANIC: " + fmt.Sprint(a...)
	var trace strings.Builder
	for i := 2; i < 8; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok || !strings.Contains(file, "aptvault") {
			break
		}
		if trace.Len() > 0 {
			trace.WriteString(" <- ")
		}
		fmt.Fprintf(&trace, "%s:%d", filepath.Base(file), line)
	}
	glog.Errorf("%s [%s]", msg, trace.String())
	glog.Flush()
	panic(msg)
}
