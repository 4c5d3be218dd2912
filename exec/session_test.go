// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/grailbio/autopar"
	"github.com/grailbio/autopar/jobdb"
	"github.com/grailbio/autopar/remoteinfo"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

var counted int64

var testCount = autopar.Func("exec.test.count", func(ctx context.Context, beg, end int, delta int) error {
	atomic.AddInt64(&counted, int64(delta)*int64(end-beg))
	return nil
})

// testRecord returns a minimal valid resource record.
func testRecord() remoteinfo.RemoteInfo {
	return remoteinfo.RemoteInfo{System: "slurm", ChunkSize: 3}
}

func localSession(config remoteinfo.Config) *Session {
	return Start(Local, Parallelism(2), Store(jobdb.NewMemory()), Config(config))
}

func TestEachLocal(t *testing.T) {
	sess := localSession(nil)
	defer sess.Shutdown()
	before := atomic.LoadInt64(&counted)
	res, err := sess.Each(context.Background(), testCount, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt64(&counted)-before, int64(30); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.N, 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// No matching record: nothing was submitted or recorded.
	if res.Handle != "" || res.Cached {
		t.Errorf("unexpected submission %+v", res)
	}
}

func TestEachDedup(t *testing.T) {
	sess := localSession(remoteinfo.Config{"": testRecord()})
	defer sess.Shutdown()
	ctx := context.Background()
	before := atomic.LoadInt64(&counted)
	res, err := sess.Each(ctx, testCount, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt64(&counted)-before, int64(50); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Handle == "" || res.Cached {
		t.Fatalf("expected fresh submission, got %+v", res)
	}
	// An identical invocation is satisfied by the recorded submission.
	cached, err := sess.Each(ctx, testCount, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !cached.Cached {
		t.Error("expected cached result")
	}
	if got, want := cached.Handle, res.Handle; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt64(&counted)-before, int64(50); got != want {
		t.Errorf("operation ran again: got %v, want %v", got, want)
	}
	// Perturbing an argument makes a new submission.
	res2, err := sess.Each(ctx, testCount, 10, 6)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Cached {
		t.Error("expected fresh submission")
	}
	if got, want := atomic.LoadInt64(&counted)-before, int64(110); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEachCallExclude(t *testing.T) {
	sess := localSession(remoteinfo.Config{"": testRecord()})
	defer sess.Shutdown()
	ctx := context.Background()
	call := Call{Exclude: []int{0}}
	before := atomic.LoadInt64(&counted)
	res, err := sess.EachCall(ctx, call, testCount, 4, 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached {
		t.Fatal("expected fresh submission")
	}
	// The excluded argument does not contribute to the identity, so a
	// different value is still deduplicated.
	cached, err := sess.EachCall(ctx, call, testCount, 4, 200)
	if err != nil {
		t.Fatal(err)
	}
	if !cached.Cached {
		t.Error("expected cached result")
	}
	if got, want := atomic.LoadInt64(&counted)-before, int64(400); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEachCallLabel(t *testing.T) {
	sess := localSession(remoteinfo.Config{"::labeled": testRecord()})
	defer sess.Shutdown()
	ctx := context.Background()
	res, err := sess.EachCall(ctx, Call{Label: "::labeled"}, testCount, 5, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle == "" {
		t.Error("expected submission for labeled call site")
	}
	_, err = sess.EachCall(ctx, Call{Label: "::missing"}, testCount, 5, 7)
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	// A label must fail even when the session has no configuration at
	// all; it never falls back to running locally.
	unconfigured := localSession(nil)
	defer unconfigured.Shutdown()
	_, err = unconfigured.EachCall(ctx, Call{Label: "::labeled"}, testCount, 5, 7)
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
}

func stackOuter(sess *Session) (*Result, error) { return stackInner(sess) }

func stackInner(sess *Session) (*Result, error) {
	return sess.Each(context.Background(), testCount, 3, 11)
}

func TestEachStackMatch(t *testing.T) {
	// A single-pair key names the function that calls Each directly.
	sess := localSession(remoteinfo.Config{"session_test.go::stackInner": testRecord()})
	defer sess.Shutdown()
	res, err := stackInner(sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle == "" {
		t.Error("expected submission for direct caller's key")
	}
	// The key matches wherever stackInner appears as the direct
	// caller, regardless of the frames above it.
	res, err = stackOuter(sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle == "" {
		t.Error("expected submission for matched call site")
	}
}

func TestEachStackChainMatch(t *testing.T) {
	key := "session_test.go::stackOuter,session_test.go::stackInner"
	sess := localSession(remoteinfo.Config{key: testRecord()})
	defer sess.Shutdown()
	res, err := stackOuter(sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle == "" {
		t.Error("expected submission for matched call chain")
	}
	// The same operation reached outside the configured call chain
	// runs in-process.
	res, err = stackInner(sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle != "" {
		t.Errorf("unexpected submission %+v", res)
	}
}

func TestEachWorker(t *testing.T) {
	sess := Start(Worker, Parallelism(2), Store(jobdb.NewMemory()))
	defer sess.Shutdown()
	before := atomic.LoadInt64(&counted)
	res, err := sess.Each(context.Background(), testCount, 8, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle != "" || res.Cached {
		t.Errorf("worker session submitted: %+v", res)
	}
	if got, want := atomic.LoadInt64(&counted)-before, int64(16); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEachNegative(t *testing.T) {
	sess := localSession(nil)
	defer sess.Shutdown()
	_, err := sess.Each(context.Background(), testCount, -1, 0)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected Invalid, got %v", err)
	}
}

func TestDiskStoreSession(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := remoteinfo.Config{"": testRecord()}
	ctx := context.Background()
	sess := Start(Local, Parallelism(2), StoreDir(dir), Config(config))
	res, err := sess.Each(ctx, testCount, 6, 9)
	if err != nil {
		t.Fatal(err)
	}
	sess.Shutdown()
	// A new session over the same directory observes the submission.
	sess = Start(Local, Parallelism(2), StoreDir(dir), Config(config))
	defer sess.Shutdown()
	before := atomic.LoadInt64(&counted)
	cached, err := sess.Each(ctx, testCount, 6, 9)
	if err != nil {
		t.Fatal(err)
	}
	if !cached.Cached {
		t.Error("expected cached result")
	}
	if got, want := cached.Handle, res.Handle; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt64(&counted), before; got != want {
		t.Errorf("operation ran again: got %v, want %v", got, want)
	}
}
