// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/autopar"
	"github.com/grailbio/autopar/chunk"
	"github.com/grailbio/autopar/remoteinfo"
)

// An Executor carries out planned submissions on behalf of a session.
// Executors are responsible for placing each chunk of the plan,
// applying the record's job environment, and surfacing the first
// failure.
type Executor interface {
	// Name returns a human-readable name for the executor.
	Name() string

	// Start starts the executor. It returns a function that releases
	// the executor's resources when the session is shut down.
	Start(sess *Session) (shutdown func())

	// Run runs the invocation over each range of the plan according
	// to the resource record. Run returns when every chunk has
	// completed, or else with the first error.
	Run(ctx context.Context, inv autopar.Invocation, info remoteinfo.RemoteInfo, plan []chunk.Range) error
}
