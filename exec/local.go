// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/autopar"
	"github.com/grailbio/autopar/chunk"
	"github.com/grailbio/autopar/pool"
	"github.com/grailbio/autopar/remoteinfo"
	"github.com/grailbio/base/limiter"
)

// localExecutor is an executor that runs chunks in-process in
// separate goroutines. The limiter bounds chunk concurrency to the
// session's pool size across concurrent dispatches. Resource records
// are honored only for planning: the job environment (env vars,
// pre- and post-commands) applies to submitted jobs, not to the
// driver process, and is not applied here.
type localExecutor struct {
	sess    *Session
	limiter *limiter.Limiter
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{limiter: limiter.New()}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	l.limiter.Release(sess.p)
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, inv autopar.Invocation, info remoteinfo.RemoteInfo, plan []chunk.Range) error {
	return pool.Run(ctx, plan, len(plan), func(ctx context.Context, r chunk.Range) error {
		if err := l.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer l.limiter.Release(1)
		return inv.Invoke(ctx, r.Beg, r.End)
	})
}
