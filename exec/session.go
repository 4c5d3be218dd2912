// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/autopar"
	"github.com/grailbio/autopar/calltrace"
	"github.com/grailbio/autopar/chunk"
	"github.com/grailbio/autopar/jobdb"
	"github.com/grailbio/autopar/pool"
	"github.com/grailbio/autopar/remoteinfo"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
)

const (
	// DefaultTimeout is the default maximum time to wait for a
	// submission registered by another invocation to complete.
	DefaultTimeout = time.Hour
	// DefaultCheckInterval is the default period at which pending
	// submissions are polled.
	DefaultCheckInterval = 30 * time.Second
)

// Session represents an autopar dispatch session. A session shares a
// binary, an executor, and a job database, and is valid for the run
// of the binary. A session can dispatch multiple operations, both
// concurrently and iteratively.
//
// A session is started by the Start method. All funcs must be created
// before Start is called; registering toplevel funcs as part of
// package initialization is both safe and encouraged:
//
//	var relax = autopar.Func("relax", func(ctx context.Context, beg, end int, steps int) error {
//		// Process items [beg, end).
//		return nil
//	})
//
//	func main() {
//		sess := exec.Start()
//		if _, err := sess.Each(ctx, relax, len(configs), 100); err != nil {
//			log.Fatal(err)
//		}
//		// Success!
//	}
//
// Each call site dispatches according to the session's resource
// configuration: call sites with a matching resource record are
// planned into chunks and submitted through the executor, recorded in
// the job database so that re-invocations observe previous
// submissions instead of repeating them; call sites without a match
// run in-process on the session's pool.
type Session struct {
	context.Context
	index    int32
	shutdown func()
	p        int
	worker   bool
	config   remoteinfo.Config
	executor Executor
	status   *status.Status
	storeDir string

	waitTimeout   time.Duration
	checkInterval time.Duration

	storeOnce sync.Once
	store     jobdb.Store
	storeErr  error
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Worker configures a session for use inside a submitted job: every
// operation runs in-process, regardless of the resource
// configuration. This prevents operations that themselves reach
// dispatching call sites from submitting recursively.
var Worker Option = func(s *Session) {
	s.worker = true
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided in-process
// pool size.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// dispatch statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Config configures the session with the provided resource
// configuration, overriding the configuration named by the
// WFL_AUTOPARA_REMOTEINFO environment variable.
func Config(config remoteinfo.Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// Store configures the session with the provided job database,
// overriding the default disk store.
func Store(store jobdb.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// StoreDir configures the directory of the session's job database.
func StoreDir(dir string) Option {
	return func(s *Session) {
		s.storeDir = dir
	}
}

// nextSessionIndex is the index of the next session that will be
// started by Start. In general, there should be only one session per
// process, but we violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new session, configuring it according to
// the provided options. The returned session remains valid for the
// lifetime of the binary. If no parallelism is configured, the value
// of the WFL_AUTOPARA_NPOOL environment variable is used; if no
// resource configuration is given, it is resolved from
// WFL_AUTOPARA_REMOTEINFO; if no executor is configured, the session
// uses the bigmachine executor with the local system. Start panics if
// either environment variable is malformed.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.p == 0 {
		np, err := chunk.PoolSize()
		if err != nil {
			log.Panicf("exec.Start: %v", err)
		}
		s.p = np
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.config == nil && !s.worker {
		config, err := remoteinfo.ResolveEnv()
		if err != nil {
			log.Panicf("exec.Start: %v", err)
		}
		s.config = config
	}
	if s.storeDir == "" {
		s.storeDir = jobdb.DefaultDir
	}
	if s.waitTimeout == 0 {
		s.waitTimeout = DefaultTimeout
	}
	if s.checkInterval == 0 {
		s.checkInterval = DefaultCheckInterval
	}
	if s.worker {
		s.executor = newLocalExecutor()
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.shutdown = s.executor.Start(s)
}

// A Call carries per-call-site dispatch parameters for EachCall.
type Call struct {
	// Label selects the resource record registered under exactly this
	// key, bypassing call-stack matching. If no record carries the
	// label, EachCall fails instead of falling back to a stack match.
	Label string
	// ChunkSize overrides the matched record's chunk size when
	// nonzero. Positive values are absolute counts, negative values
	// are multiples of the job's pool size.
	ChunkSize int
	// Exclude lists positions of arguments (counting from zero) that
	// are left out of the operation's identity, such as output sinks
	// whose values vary between otherwise identical invocations.
	Exclude []int
}

// Each runs the operation funcv over the index range [0, n) with the
// provided arguments. If the session's resource configuration has a
// record matching the call site, the range is planned into chunks and
// submitted through the session's executor; the submission is
// registered in the job database under the identity of the operation
// and its arguments, so that an identical invocation, whether in this
// process or a later one, observes the previous submission instead
// of repeating it. Otherwise the range runs in-process on the
// session's pool.
//
// It is safe to make concurrent calls to Each.
func (s *Session) Each(ctx context.Context, funcv *autopar.FuncValue, n int, args ...interface{}) (*Result, error) {
	return s.run(ctx, 1, Call{}, funcv, n, args...)
}

// EachCall is a version of Each that applies the dispatch parameters
// in call.
func (s *Session) EachCall(ctx context.Context, call Call, funcv *autopar.FuncValue, n int, args ...interface{}) (*Result, error) {
	return s.run(ctx, 1, call, funcv, n, args...)
}

// Must is a version of Each that panics if the operation fails.
func (s *Session) Must(ctx context.Context, funcv *autopar.FuncValue, n int, args ...interface{}) *Result {
	res, err := s.run(ctx, 1, Call{}, funcv, n, args...)
	if err != nil {
		log.Panicf("exec.Each: %v", err)
	}
	return res
}

func (s *Session) run(ctx context.Context, calldepth int, call Call, funcv *autopar.FuncValue, n int, args ...interface{}) (*Result, error) {
	if n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: negative range length %d", n))
	}
	inv := funcv.Invocation(args...)
	var (
		info remoteinfo.RemoteInfo
		key  string
		ok   bool
	)
	switch {
	case s.worker:
		// Dispatch is disabled inside workers; labels included.
	case call.Label != "":
		info, key, ok = s.config.Match(nil, call.Label)
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("exec: no resource record labeled %q", call.Label))
		}
	case len(s.config) > 0:
		// The captured stack's innermost frame is the exported entry
		// point (Each et al.); keys align against the frames above it,
		// so a single-pair key names the entry point's direct caller.
		stack := calltrace.Capture(calldepth)
		info, key, ok = s.config.Match(stack, "")
	}
	if !ok {
		return s.runLocal(ctx, inv, call, n)
	}
	return s.dispatch(ctx, inv, call, info, key, n)
}

// runLocal runs the invocation in-process on the session's pool. It
// is used for call sites with no matching resource record and for
// worker sessions.
func (s *Session) runLocal(ctx context.Context, inv autopar.Invocation, call Call, n int) (*Result, error) {
	c := call.ChunkSize
	if c == 0 {
		c = -1
	}
	plan, err := chunk.Plan(n, c, s.p)
	if err != nil {
		return nil, err
	}
	err = pool.Run(ctx, plan, s.p, func(ctx context.Context, r chunk.Range) error {
		return inv.Invoke(ctx, r.Beg, r.End)
	})
	if err != nil {
		return nil, err
	}
	return &Result{N: n}, nil
}

// dispatch submits the invocation according to the matched resource
// record, deduplicating against the session's job database.
func (s *Session) dispatch(ctx context.Context, inv autopar.Invocation, call Call, info remoteinfo.RemoteInfo, key string, n int) (*Result, error) {
	store, err := s.jobStore()
	if err != nil {
		return nil, err
	}
	id, err := identity(inv, n, call.Exclude)
	if err != nil {
		return nil, err
	}
	jobName := info.JobName
	if jobName == "" {
		jobName = inv.Func
	}
	handle := fmt.Sprintf("%s-%s", jobName, id.Short())
	for {
		entry, err := store.Lookup(ctx, id)
		switch {
		case errors.Is(errors.NotExist, err):
			err = store.Register(ctx, jobdb.Entry{ID: id, Op: inv.Func})
			if errors.Is(errors.Exists, err) {
				// Lost the registration race; observe the winner.
				continue
			}
			if err != nil {
				return nil, err
			}
			log.Printf("exec: submitting %s to %s (key %q)", handle, info.System, key)
			return s.submit(ctx, inv, call, info, n, store, id, handle)
		case err != nil:
			return nil, err
		case entry.State == jobdb.Done:
			log.Printf("exec: %s satisfied by previous submission %s", inv.Func, entry.Result)
			return &Result{Handle: entry.Result, N: n, Cached: true}, nil
		default:
			entry, err = s.await(ctx, store, id, info)
			if err != nil {
				return nil, err
			}
			return &Result{Handle: entry.Result, N: n, Cached: true}, nil
		}
	}
}

func (s *Session) submit(ctx context.Context, inv autopar.Invocation, call Call, info remoteinfo.RemoteInfo, n int, store jobdb.Store, id digest.Digest, handle string) (*Result, error) {
	c := call.ChunkSize
	if c == 0 {
		c = info.ChunkSize
	}
	p := info.Resources.CoresPerNode
	if p == 0 {
		p = s.p
	}
	plan, err := chunk.Plan(n, c, p)
	if err != nil {
		return nil, err
	}
	var stat *status.Task
	if s.status != nil {
		stat = s.status.Group(info.System).Start(handle)
		stat.Printf("%d items in %d chunks", n, len(plan))
		defer stat.Done()
	}
	if err := s.executor.Run(ctx, inv, info, plan); err != nil {
		// The registration is left in place: a failed submission must
		// be inspected (and its entry cleared) before it is retried.
		if stat != nil {
			stat.Printf("failed: %v", err)
		}
		return nil, err
	}
	if err := store.Complete(ctx, id, handle); err != nil {
		return nil, err
	}
	return &Result{Handle: handle, N: n}, nil
}

// await polls the job database until the entry registered by another
// invocation completes, the record's timeout elapses, or ctx is done.
func (s *Session) await(ctx context.Context, store jobdb.Store, id digest.Digest, info remoteinfo.RemoteInfo) (jobdb.Entry, error) {
	timeout := s.waitTimeout
	if info.Timeout > 0 {
		timeout = time.Duration(info.Timeout) * time.Second
	}
	interval := s.checkInterval
	if info.CheckInterval > 0 {
		interval = time.Duration(info.CheckInterval) * time.Second
	}
	policy := retry.Backoff(interval, interval, 1)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for retries := 0; ; retries++ {
		entry, err := store.Lookup(ctx, id)
		if err != nil {
			return jobdb.Entry{}, err
		}
		if entry.State == jobdb.Done {
			return entry, nil
		}
		if err := retry.Wait(ctx, policy, retries); err != nil {
			return jobdb.Entry{}, errors.E(errors.Timeout, fmt.Sprintf("exec: waiting for submission of %s", entry.Op), err)
		}
	}
}

// identity computes the job database identity of an invocation over a
// range of length n. Arguments are named by position ("arg0", "arg1",
// ...), matching the positions given in Call.Exclude.
func identity(inv autopar.Invocation, n int, exclude []int) (digest.Digest, error) {
	args := make([]jobdb.Arg, 0, len(inv.Args)+1)
	args = append(args, jobdb.Arg{Name: "n", Value: n})
	for i, arg := range inv.Args {
		args = append(args, jobdb.Arg{Name: fmt.Sprintf("arg%d", i), Value: arg})
	}
	excluded := make([]string, len(exclude))
	for i, pos := range exclude {
		excluded[i] = fmt.Sprintf("arg%d", pos)
	}
	return jobdb.Ident(inv.Func, args, excluded...)
}

func (s *Session) jobStore() (jobdb.Store, error) {
	s.storeOnce.Do(func() {
		if s.store != nil {
			return
		}
		s.store, s.storeErr = jobdb.NewDisk(s.storeDir)
	})
	return s.store, s.storeErr
}

// Parallelism returns the session's in-process pool size.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Shutdown tears down resources associated with this session. It
// should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// A Result describes a completed operation.
type Result struct {
	// Handle identifies the submission in the job database. It is
	// empty for operations that ran in-process without a matching
	// resource record.
	Handle string
	// N is the length of the iterated range.
	N int
	// Cached reports whether the result was satisfied by a previous
	// submission recorded in the job database.
	Cached bool
}
