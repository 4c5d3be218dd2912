// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package parconfig provides a mechanism to create an autopar session
// from a shared configuration. Parconfig uses the configuration
// mechanism in package github.com/grailbio/base/config, and reads a
// default profile from $HOME/.autopar/config. Configurations may be
// provisioned using the autopar command.
package parconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	"github.com/grailbio/autopar/exec"
	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the autopar profile read by Parse.
var Path = os.ExpandEnv("$HOME/.autopar/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the autopar configuration from Path defined in this package. Parse
// returns the session as configured by the configuration and any
// flags provided. Parse panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("autopar", &sess)
	return sess, func() { sess.Shutdown() }
}
