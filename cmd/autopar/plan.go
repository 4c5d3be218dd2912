// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/autopar/chunk"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func planCmd(args []string) {
	var (
		flags = flag.NewFlagSet("plan", flag.ExitOnError)
		n     = flags.Int("n", 0, "length of the index range")
		c     = flags.Int("c", -1, "chunk size; negative values are pool multiples")
		p     = flags.Int("p", 0, "pool size; 0 uses "+chunk.NpoolEnv)
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: autopar plan -n N [-c chunksize] [-p poolsize]

Plan prints the chunk plan for a range of N items, as it would be
submitted for the given chunk size and pool size.
`)
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if *p == 0 {
		np, err := chunk.PoolSize()
		if err != nil {
			log.Fatal(err)
		}
		*p = np
	}
	if *p == 0 {
		*p = 1
	}
	plan, err := chunk.Plan(*n, *c, *p)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d items in %d chunks:\n", *n, len(plan))
	for i, r := range plan {
		fmt.Printf("%4d %s (%d items)\n", i, r, r.Len())
	}
}
