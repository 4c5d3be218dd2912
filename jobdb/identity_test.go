// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package jobdb

import (
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestIdent(t *testing.T) {
	args := []Arg{
		{Name: "n", Value: 100},
		{Name: "cutoff", Value: 3.5},
		{Name: "tags", Value: []string{"a", "b"}},
	}
	id1, err := Ident("fit", args)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := Ident("fit", args)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id2, id1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIdentPerturb(t *testing.T) {
	base := []Arg{{Name: "n", Value: 100}, {Name: "cutoff", Value: 3.5}}
	id, err := Ident("fit", base)
	if err != nil {
		t.Fatal(err)
	}
	for _, perturbed := range [][]Arg{
		{{Name: "n", Value: 101}, {Name: "cutoff", Value: 3.5}},
		{{Name: "n", Value: 100}, {Name: "cutoff", Value: 3.6}},
		{{Name: "m", Value: 100}, {Name: "cutoff", Value: 3.5}},
		{{Name: "cutoff", Value: 3.5}, {Name: "n", Value: 100}},
		{{Name: "n", Value: 100}},
	} {
		other, err := Ident("fit", perturbed)
		if err != nil {
			t.Fatal(err)
		}
		if other == id {
			t.Errorf("args %v: identity collides with base", perturbed)
		}
	}
	other, err := Ident("eval", base)
	if err != nil {
		t.Fatal(err)
	}
	if other == id {
		t.Error("op not mixed into identity")
	}
}

func TestIdentExclude(t *testing.T) {
	args := []Arg{
		{Name: "n", Value: 100},
		{Name: "outfile", Value: "/tmp/a"},
	}
	id1, err := Ident("fit", args, "outfile")
	if err != nil {
		t.Fatal(err)
	}
	args[1].Value = "/tmp/b"
	id2, err := Ident("fit", args, "outfile")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id2, id1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	id3, err := Ident("fit", args)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Error("excluded arg still influences identity")
	}
}

func TestIdentFuzz(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	for i := 0; i < 100; i++ {
		var args struct {
			N    int
			Name string
			Xs   []float64
		}
		fz.Fuzz(&args)
		a := []Arg{
			{Name: "n", Value: args.N},
			{Name: "name", Value: args.Name},
			{Name: "xs", Value: args.Xs},
		}
		id1, err := Ident("fuzz", a)
		if err != nil {
			t.Fatal(err)
		}
		id2, err := Ident("fuzz", a)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := id2, id1; got != want {
			t.Errorf("iteration %d: got %v, want %v", i, got, want)
		}
	}
}
