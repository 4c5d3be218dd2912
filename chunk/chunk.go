// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunk plans how an iterable workload is partitioned into
// job-sized units. Plans are sequences of contiguous index ranges
// covering the workload exactly; each range becomes one job (or one
// pool invocation for in-process execution).
package chunk

import (
	"fmt"
	"os"
	"strconv"

	"github.com/grailbio/base/errors"
)

// NpoolEnv is the environment variable from which PoolSize reads the
// in-process pool size. It is read once at session start, never per
// dispatch.
const NpoolEnv = "WFL_AUTOPARA_NPOOL"

// A Range is a half-open interval [Beg, End) of item indices.
type Range struct {
	Beg, End int
}

// Len returns the number of items in the range.
func (r Range) Len() int { return r.End - r.Beg }

// String returns the range in half-open interval notation.
func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Beg, r.End) }

// Plan partitions n items into contiguous, non-overlapping ranges
// covering exactly [0, n). If c > 0, each range holds exactly c items
// (the last may hold fewer). If c < 0, the effective chunk size is
// |c|*p, where p is the size of the pool providing in-job parallelism;
// p must then be positive. A zero c is a configuration error, as is a
// nonpositive p when c < 0. A zero n yields an empty plan.
func Plan(n, c, p int) ([]Range, error) {
	if n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunk: negative item count %d", n))
	}
	switch {
	case c == 0:
		return nil, errors.E(errors.Invalid, "chunk: chunk size is zero")
	case c < 0:
		if p <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("chunk: chunk size %d is a pool multiple but pool size is %d", c, p))
		}
		c = -c * p
	}
	if n == 0 {
		return nil, nil
	}
	ranges := make([]Range, 0, (n+c-1)/c)
	for beg := 0; beg < n; beg += c {
		end := beg + c
		if end > n {
			end = n
		}
		ranges = append(ranges, Range{beg, end})
	}
	return ranges, nil
}

// PoolSize returns the pool size named by the WFL_AUTOPARA_NPOOL
// environment variable. An unset or empty variable returns zero,
// leaving the choice of default to the caller; a malformed value is a
// configuration error.
func PoolSize() (int, error) {
	value, ok := os.LookupEnv(NpoolEnv)
	if !ok || value == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("chunk: %s=%q is not an integer", NpoolEnv, value))
	}
	if p < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("chunk: %s=%d is negative", NpoolEnv, p))
	}
	return p, nil
}
