// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pool runs chunk plans on a bounded pool of goroutines.
package pool

import (
	"context"

	"github.com/grailbio/autopar/chunk"
	"github.com/grailbio/base/traverse"
)

// Run applies op to each range in plan with at most p concurrent
// invocations. If p <= 0, the plan is run serially. Run returns the
// first error encountered; op must respect ctx cancellation.
func Run(ctx context.Context, plan []chunk.Range, p int, op func(context.Context, chunk.Range) error) error {
	if p <= 0 {
		p = 1
	}
	return traverse.Limit(p).Each(len(plan), func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return op(ctx, plan[i])
	})
}
