// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package jobdb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	id, err := Ident("fit", []Arg{{Name: "n", Value: 100}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Lookup(ctx, id)
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	if err := store.Complete(ctx, id, "job-1"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	if err := store.Register(ctx, Entry{ID: id, Op: "fit"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Register(ctx, Entry{ID: id, Op: "fit"}); !errors.Is(errors.Exists, err) {
		t.Errorf("expected Exists, got %v", err)
	}
	entry, err := store.Lookup(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := entry.State, Submitted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := entry.Op, "fit"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if entry.SubmitTime.IsZero() {
		t.Error("submit time not recorded")
	}
	if err := store.Complete(ctx, id, "job-1"); err != nil {
		t.Fatal(err)
	}
	// Completions are first-writer-wins.
	if err := store.Complete(ctx, id, "job-2"); err != nil {
		t.Fatal(err)
	}
	entry, err = store.Lookup(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := entry.State, Done; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := entry.Result, "job-1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if entry.DoneTime.IsZero() {
		t.Error("done time not recorded")
	}

	id2, err := Ident("fit", []Arg{{Name: "n", Value: 200}})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Register(ctx, Entry{ID: id2, Op: "fit"}); err != nil {
		t.Fatal(err)
	}
	var n int
	err = store.Scan(ctx, func(e Entry) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestDiskStore(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	store, err := NewDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, store)
}

func TestDiskStorePersistence(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	id, err := Ident("relax", []Arg{{Name: "steps", Value: 50}})
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Register(ctx, Entry{ID: id, Op: "relax"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, id, "job-9"); err != nil {
		t.Fatal(err)
	}
	// A fresh instance rooted at the same directory sees the entry.
	store, err = NewDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := store.Lookup(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := entry.State, Done; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := entry.Result, "job-9"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDiskStoreRegisterRace(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	id, err := Ident("md", []Arg{{Name: "steps", Value: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	const N = 16
	var (
		wins int32
		wg   sync.WaitGroup
	)
	for i := 0; i < N; i++ {
		store, err := NewDisk(dir)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(store Store) {
			defer wg.Done()
			err := store.Register(ctx, Entry{ID: id, Op: "md"})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(errors.Exists, err):
			default:
				t.Errorf("register: %v", err)
			}
		}(store)
	}
	wg.Wait()
	if got, want := wins, int32(1); got != want {
		t.Errorf("got %v winners, want %v", got, want)
	}
}
