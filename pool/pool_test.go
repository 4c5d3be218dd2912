// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grailbio/autopar/chunk"
)

func TestRun(t *testing.T) {
	const N = 103
	plan, err := chunk.Plan(N, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu   sync.Mutex
		seen = make([]bool, N)
	)
	err = Run(context.Background(), plan, 4, func(ctx context.Context, r chunk.Range) error {
		mu.Lock()
		defer mu.Unlock()
		for i := r.Beg; i < r.End; i++ {
			if seen[i] {
				return errors.New("index visited twice")
			}
			seen[i] = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, ok := range seen {
		if !ok {
			t.Errorf("index %d not visited", i)
		}
	}
}

func TestRunLimit(t *testing.T) {
	plan, err := chunk.Plan(64, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	const p = 3
	var inflight, max int32
	err = Run(context.Background(), plan, p, func(ctx context.Context, r chunk.Range) error {
		n := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if max > p {
		t.Errorf("observed %d concurrent invocations, limit %d", max, p)
	}
}

func TestRunError(t *testing.T) {
	plan, err := chunk.Plan(10, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantErr := errors.New("chunk failed")
	err = Run(context.Background(), plan, 2, func(ctx context.Context, r chunk.Range) error {
		if r.Beg == 5 {
			return wantErr
		}
		return nil
	})
	if got, want := err, wantErr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunCancel(t *testing.T) {
	plan, err := chunk.Plan(100, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Run(ctx, plan, 4, func(ctx context.Context, r chunk.Range) error {
		return nil
	})
	if got, want := err, context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunEmpty(t *testing.T) {
	if err := Run(context.Background(), nil, 4, nil); err != nil {
		t.Fatal(err)
	}
}
