// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package autopar

import (
	"context"
	"encoding/gob"
	"reflect"
	"sort"
	"sync"

	"github.com/grailbio/autopar/typecheck"
)

func init() {
	gob.Register([]interface{}{})
}

var (
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfInt     = reflect.TypeOf(int(0))
)

var (
	funcsMu sync.Mutex
	// Funcs is the global registry of range operations. Funcs are
	// registered under explicit, stable names: job identities derived
	// from them must survive process restarts and code reordering, so
	// registration order cannot be used to name them.
	funcs = make(map[string]*FuncValue)
)

// A FuncValue represents a registered range operation, as returned
// by Func.
type FuncValue struct {
	name string
	fn   reflect.Value
	args []reflect.Type
}

// Func registers the range operation fn under the provided name and
// returns a FuncValue representing it. The operation must have the form
//
//	func(ctx context.Context, beg, end int, args...) error
//
// where beg and end delimit the half-open index range [beg, end) the
// invocation is responsible for. Names must be unique within a binary;
// they name the operation across process boundaries and in the job
// database, so they should be stable across releases. Func panics with
// a type error if fn has the wrong form, and panics if the name is
// already taken.
//
// Argument types are registered with gob so that invocations can be
// transmitted to remote executors.
func Func(name string, fn interface{}) *FuncValue {
	if name == "" {
		typecheck.Panic(1, "autopar.Func: empty func name")
	}
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		typecheck.Panicf(1, "autopar.Func: argument is a %T, not a func", fn)
	}
	if ftype.NumIn() < 3 || ftype.In(0) != typeOfContext || ftype.In(1) != typeOfInt || ftype.In(2) != typeOfInt {
		typecheck.Panicf(1, "autopar.Func: func %s must begin with arguments (context.Context, beg, end int)", name)
	}
	if ftype.IsVariadic() {
		typecheck.Panicf(1, "autopar.Func: func %s must not be variadic", name)
	}
	if ftype.NumOut() != 1 || ftype.Out(0) != typeOfError {
		typecheck.Panicf(1, "autopar.Func: func %s must return a single error", name)
	}
	v := &FuncValue{name: name, fn: fv}
	for i := 3; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		typecheck.Panicf(1, "autopar.Func: duplicate func %s", name)
	}
	funcs[name] = v
	return v
}

// Lookup returns the FuncValue registered under the provided name,
// if any.
func Lookup(name string) (*FuncValue, bool) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	f, ok := funcs[name]
	return f, ok
}

// Names returns the names of all registered funcs, sorted. Executors
// use it to verify that driver and worker binaries agree on the set
// of operations.
func Names() []string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the name under which f was registered.
func (f *FuncValue) Name() string { return f.name }

// NumIn returns the number of (trailing) arguments to f, excluding
// the leading context and range arguments.
func (f *FuncValue) NumIn() int { return len(f.args) }

// In returns the i'th trailing argument type of f.
func (f *FuncValue) In(i int) reflect.Type { return f.args[i] }

// Invocation creates an invocation representing the operation f
// applied to the provided arguments. Invocation panics with a type
// error if the provided arguments do not match in type or arity.
func (f *FuncValue) Invocation(args ...interface{}) Invocation {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	f.typecheck(argTypes...)
	return Invocation{Func: f.name, Args: args}
}

// Apply invokes the operation f over the range [beg, end) with the
// provided arguments. Apply panics with a type error if argument type
// or arity do not match.
func (f *FuncValue) Apply(ctx context.Context, beg, end int, args ...interface{}) error {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	f.typecheck(argTypes...)
	argv := make([]reflect.Value, 3+len(args))
	argv[0] = reflect.ValueOf(ctx)
	argv[1] = reflect.ValueOf(beg)
	argv[2] = reflect.ValueOf(end)
	for i, arg := range args {
		argv[3+i] = reflect.ValueOf(arg)
	}
	out := f.fn.Call(argv)
	if e := out[0].Interface(); e != nil {
		return e.(error)
	}
	return nil
}

func (f *FuncValue) typecheck(args ...reflect.Type) {
	if len(args) != len(f.args) {
		typecheck.Panicf(2, "wrong number of arguments for func %s: takes %d arguments, got %d",
			f.name, len(f.args), len(args))
	}
	for i := range args {
		expect, have := f.args[i], args[i]
		switch expect.Kind() {
		case reflect.Interface:
			if have == nil || !have.Implements(expect) {
				typecheck.Panicf(2, "wrong type for argument %d of func %s: type %s does not implement interface %s", i, f.name, have, expect)
			}
		default:
			if have != expect {
				typecheck.Panicf(2, "wrong type for argument %d of func %s: expected %s, got %s", i, f.name, expect, have)
			}
		}
	}
}

// Invocation represents an invocation of an autopar func. Invocations
// can be transmitted across process boundaries and thus may be invoked
// by remote executors. The zero Invocation is invalid.
type Invocation struct {
	Func string
	Args []interface{}
}

// Invoke performs the invocation over the range [beg, end), returning
// the operation's error. Invoke panics if the named func has not been
// registered in this binary.
func (i Invocation) Invoke(ctx context.Context, beg, end int) error {
	f, ok := Lookup(i.Func)
	if !ok {
		typecheck.Panicf(1, "autopar: func %s is not registered in this binary", i.Func)
	}
	return f.Apply(ctx, beg, end, i.Args...)
}
