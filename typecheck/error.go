// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package typecheck reports registration and invocation mistakes at
// the user call site that made them. Operation signatures are checked
// by reflection at registration and invocation time, so the errors
// here stand in for what the compiler would have said: they carry the
// file and line of the offending call, not of the library internals
// that detected the problem.
package typecheck

import (
	"errors"
	"fmt"
	"runtime"
)

// TestCalldepth adds extra call depths to errors constructed by
// NewError. Tests that wrap the constructors use it to keep reported
// locations pointing at their own callers.
var TestCalldepth = 0

// An Error attributes an underlying error to a source location.
type Error struct {
	Err  error
	File string
	Line int
}

// NewError wraps err with the location of the caller calldepth frames
// up the stack.
func NewError(calldepth int, err error) *Error {
	e := &Error{Err: err}
	var ok bool
	_, e.File, e.Line, ok = runtime.Caller(calldepth + 1 + TestCalldepth)
	if !ok {
		e.File = "<unknown>"
	}
	return e
}

// Errorf is NewError with fmt.Errorf formatting.
func Errorf(calldepth int, format string, args ...interface{}) *Error {
	return NewError(calldepth+1, fmt.Errorf(format, args...))
}

// Panic panics with a located error.
func Panic(calldepth int, message string) {
	panic(NewError(calldepth+1, errors.New(message)))
}

// Panicf panics with a located, formatted error.
func Panicf(calldepth int, format string, args ...interface{}) {
	panic(Errorf(calldepth+1, format, args...))
}

// Error implements error.
func (err *Error) Error() string {
	return fmt.Sprintf("%s:%d: %v", err.File, err.Line, err.Err)
}
