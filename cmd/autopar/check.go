// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/grailbio/autopar/remoteinfo"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func checkCmd(args []string) {
	var (
		flags = flag.NewFlagSet("check", flag.ExitOnError)
		help  = flags.Bool("help", false, "display help")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: autopar check [value]

Check validates a resource configuration and prints its records. The
value is either literal JSON or the path of a JSON file; when omitted,
the configuration is read from the %s
environment variable.
`, remoteinfo.Env)
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if *help {
		flags.Usage()
	}
	var (
		config remoteinfo.Config
		err    error
	)
	switch flags.NArg() {
	case 0:
		config, err = remoteinfo.ResolveEnv()
	case 1:
		config, err = remoteinfo.Resolve(flags.Arg(0))
	default:
		flags.Usage()
	}
	if err != nil {
		log.Fatal(err)
	}
	if len(config) == 0 {
		fmt.Println("no resource records; all call sites run locally")
		return
	}
	var tw tabwriter.Writer
	tw.Init(os.Stdout, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(&tw, "key\tsystem\tjob\tchunk\tnodes\tcores")
	for _, key := range config.Keys() {
		info := config[key]
		if key == "" {
			key = "(all call sites)"
		}
		fmt.Fprintf(&tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			key, info.System, info.JobName, info.ChunkSize,
			info.Resources.Nodes, info.Resources.CoresPerNode)
	}
}
