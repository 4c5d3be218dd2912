// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package autopar implements a batch-job dispatch layer for parallel
	iteration. Users write operations over index ranges and run them
	through a session (package github.com/grailbio/autopar/exec);
	autopar decides, once per call site, whether an operation runs
	in-process on a bounded worker pool or is submitted as a set of
	external jobs on a remote system. The decision is driven by a
	resource configuration resolved at process start and matched
	against the call site, either by an explicit label or by the
	captured call stack.

	Remote submissions are chunked into job-sized index ranges and
	deduplicated through a persistent job database: an operation whose
	identity (name plus arguments) has already been submitted or
	completed is not submitted again. Identities must be deterministic;
	it is the caller's responsibility to exclude arguments whose
	encodings are not (random seeds, output sinks). See package
	github.com/grailbio/autopar/jobdb.

	Because Go cannot serialize code to be sent over the wire and
	executed remotely, autopar operations are registered under stable
	names with autopar.Func, and all such registrations must happen
	before exec.Start is called. This rule is easy to follow: if funcs
	are global variables, and exec.Start is called from a program's
	main, then the program is compliant. Argument values are
	gob-encoded, so argument types are registered at Func creation.

	Remote execution uses bigmachine; the queuing system underneath a
	bigmachine system is opaque to this package.
*/
package autopar
