// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/autopar/jobdb"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func jobsCmd(args []string) {
	var (
		flags = flag.NewFlagSet("jobs", flag.ExitOnError)
		dir   = flags.String("dir", jobdb.DefaultDir, "directory of the job database")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: autopar jobs [-dir directory]

Jobs lists the entries of a job database, oldest first.
`)
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	store, err := jobdb.NewDisk(*dir)
	if err != nil {
		log.Fatal(err)
	}
	var entries []jobdb.Entry
	err = store.Scan(backgroundcontext.Get(), func(entry jobdb.Entry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SubmitTime.Before(entries[j].SubmitTime)
	})
	var tw tabwriter.Writer
	tw.Init(os.Stdout, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(&tw, "id\top\tstate\tresult\tsubmitted")
	for _, entry := range entries {
		fmt.Fprintf(&tw, "%s\t%s\t%s\t%s\t%s\n",
			entry.ID.Short(), entry.Op, entry.State, entry.Result,
			entry.SubmitTime.Format(time.RFC3339))
	}
}
