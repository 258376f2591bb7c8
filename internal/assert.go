// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package internal holds helpers shared across rnet's packages that have
// no business being part of its public API.
package internal

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Assert panics with the failing call site and source line if cond is
// false. Used sparingly, for invariants a caller bug would violate (a
// malformed channel index, a released packet reused) rather than for
// anything reachable from untrusted input.
func Assert(cond bool) {
	if cond {
		return
	}
	var pc [5]uintptr
	callers := runtime.Callers(2, pc[:])
	if callers == 0 {
		panic("failed assertion, can't get runtime stack")
	}
	frames := runtime.CallersFrames(pc[:])
	for {
		frame, more := frames.Next()
		if frame.Func == nil {
			if !more {
				break
			}
			continue
		}
		if frame.File == "" || frame.Line == 0 {
			panic(fmt.Sprintf("failed assertion in %q (line number unknown)", frame.Function))
		}
		message := fmt.Sprintf("failed assertion in %s:%d", frame.File, frame.Line)
		if line := readLine(frame.File, frame.Line); line != "" {
			message += "\n\n>>> " + line + "\n"
		}
		panic(message)
	}
	panic("failed assertion, and can't get caller info")
}

func readLine(path string, lineNum int) string {
	if lineNum == 0 {
		return ""
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(contents), "\n")
	if len(lines) > lineNum {
		return lines[lineNum-1]
	}
	return ""
}
