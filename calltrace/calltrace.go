// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package calltrace captures the active call chain at the point a
// parallel operation is invoked. Captured stacks are matched against
// configured call-site keys (package
// github.com/grailbio/autopar/remoteinfo) to decide whether the
// operation is dispatched remotely. Capture is an explicit step:
// matching itself is a pure function over a Stack, so callers that
// prefer explicit call-site identifiers can avoid runtime
// introspection entirely.
package calltrace

import (
	"fmt"
	"runtime"
	"strings"
)

// A Frame identifies one frame of an active call chain by the file
// that defines it and its function name. Func is the bare function
// name, without the package path; method names retain their receiver
// (e.g. "(*T).M").
type Frame struct {
	File string
	Func string
}

// String returns the frame in "file::func" form, the same syntax used
// by call-site keys.
func (f Frame) String() string {
	return fmt.Sprintf("%s::%s", f.File, f.Func)
}

// A Stack is an active call chain, outermost frame first.
type Stack []Frame

// Capture records the current call stack. The returned stack excludes
// Capture itself and skip additional innermost frames, so that
// Capture(0) ends at the caller. The innermost retained frame is
// conventionally the one that performs parallel iteration; key
// matching aligns above it.
func Capture(skip int) Stack {
	var pcs [128]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var stack Stack
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			stack = append(stack, Frame{File: frame.File, Func: funcName(frame.Function)})
		}
		if !more {
			break
		}
	}
	// runtime.Callers reports innermost first; stacks are ordered
	// outermost first.
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack
}

func (s Stack) String() string {
	strs := make([]string, len(s))
	for i, f := range s {
		strs[i] = f.String()
	}
	return strings.Join(strs, " > ")
}

// funcName strips the package path from a runtime function name,
// leaving the bare function or method name.
func funcName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
