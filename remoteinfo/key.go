// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package remoteinfo

import (
	"fmt"
	"strings"

	"github.com/grailbio/autopar/calltrace"
)

// A Pair matches one stack frame: FileSuffix must be a suffix of the
// frame's file path (an empty suffix matches any file) and Func must
// equal the frame's function name.
type Pair struct {
	FileSuffix string
	Func       string
}

// String returns the pair in "suffix::func" form.
func (p Pair) String() string {
	return fmt.Sprintf("%s::%s", p.FileSuffix, p.Func)
}

// A Key identifies where in a call chain a dispatch rule applies: an
// ordered list of pairs, outermost first. Its string form is a
// comma-separated list of "suffix::func" elements, e.g.
// "a.go::f,b.go::g". The empty string parses to the empty key, which
// applies everywhere.
type Key []Pair

// ParseKey parses the string form of a call-site key.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	key := make(Key, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		j := strings.Index(part, "::")
		if j < 0 || part[j+2:] == "" {
			return nil, fmt.Errorf("malformed key element %q: want file-suffix::function", part)
		}
		key[i] = Pair{FileSuffix: part[:j], Func: part[j+2:]}
	}
	return key, nil
}

// String returns the key's string form; it round-trips with ParseKey.
func (k Key) String() string {
	elems := make([]string, len(k))
	for i, p := range k {
		elems[i] = p.String()
	}
	return strings.Join(elems, ",")
}

// Matches reports whether k matches the given call stack. The stack's
// innermost frame is the one that performs parallel iteration and is
// not part of the alignment: k matches when its pairs align
// contiguously against the frames ending at (but not including) that
// frame, with each pair's file suffix matching the frame's file path
// and function names equal. The empty key matches any stack.
func (k Key) Matches(stack calltrace.Stack) bool {
	if len(k) == 0 {
		return true
	}
	if len(k) > len(stack)-1 {
		return false
	}
	off := len(stack) - 1 - len(k)
	for i, pair := range k {
		frame := stack[off+i]
		if frame.Func != pair.Func || !strings.HasSuffix(frame.File, pair.FileSuffix) {
			return false
		}
	}
	return true
}

// Match returns the record governing the given call site, identified
// either by an explicit label or by a captured call stack. A nonempty
// label bypasses stack matching entirely and must equal a configured
// key verbatim. Otherwise every configured key is tested against the
// stack; when more than one matches, the most specific key (the one
// with the most pairs) wins, and among equally specific keys the
// lexicographically smallest key string wins, so that resolution is
// deterministic across processes. The second return value is the
// winning key's string form. A false return means the call site is
// not configured for remote execution and should run locally; it is
// not an error.
func (c Config) Match(stack calltrace.Stack, label string) (RemoteInfo, string, bool) {
	if label != "" {
		info, ok := c[label]
		return info, label, ok
	}
	var (
		best    RemoteInfo
		bestKey string
		bestLen = -1
		found   bool
	)
	for _, keyStr := range c.sortedKeys() {
		key, err := ParseKey(keyStr)
		if err != nil {
			// Unreachable for resolved configs; keys are validated at
			// resolution time.
			continue
		}
		if len(key) <= bestLen || !key.Matches(stack) {
			continue
		}
		best, bestKey, bestLen, found = c[keyStr], keyStr, len(key), true
	}
	return best, bestKey, found
}
