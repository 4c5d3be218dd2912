// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package jobdb implements the persistent job-identity index used to
// deduplicate remote submissions. An identity is a deterministic
// fingerprint of an operation and its arguments; the index records
// which identities have been submitted or completed, across process
// runs, so that restarted drivers do not resubmit work. Entries are
// append-only: they are registered once and completed once, never
// mutated or removed.
package jobdb

import (
	"crypto"
	_ "crypto/sha256" // registers the digest's hash
	"encoding/gob"
	"fmt"
	"io"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/errors"
)

// Digester computes job identities. SHA-256 digests give the
// overwhelming-probability uniqueness the deduplication protocol
// relies on.
var Digester = digest.Digester(crypto.SHA256)

// An Arg names one argument of a dispatched operation. Arguments are
// named so that nondeterministic ones can be excluded from identity
// computation.
type Arg struct {
	Name  string
	Value interface{}
}

// Ident computes the identity of the operation op applied to args:
// the digest of the operation name and the gob encoding of each
// included argument, in order. Arguments whose names appear in
// exclude are omitted from the computation.
//
// It is the caller's responsibility to exclude arguments whose
// encodings are not deterministic: random seed initializers, output
// sinks, and map values (gob encodes maps in unspecified order) all
// qualify. The index cannot detect an omission; a nondeterministic
// argument left in silently yields spurious cache misses, and an
// over-broad exclusion silently conflates distinct work.
func Ident(op string, args []Arg, exclude ...string) (digest.Digest, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	w := Digester.NewWriter()
	io.WriteString(w, op)
	w.Write([]byte{0})
	enc := gob.NewEncoder(w)
	for _, arg := range args {
		if excluded[arg.Name] {
			continue
		}
		if err := enc.Encode(arg.Name); err != nil {
			return digest.Digest{}, errors.E(errors.Invalid, fmt.Sprintf("jobdb: argument %s", arg.Name), err)
		}
		if err := enc.Encode(arg.Value); err != nil {
			return digest.Digest{}, errors.E(errors.Invalid, fmt.Sprintf("jobdb: argument %s is not gob-encodable", arg.Name), err)
		}
	}
	return w.Digest(), nil
}
