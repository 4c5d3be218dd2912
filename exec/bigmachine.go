// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	osexec "os/exec"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/autopar"
	"github.com/grailbio/autopar/chunk"
	"github.com/grailbio/autopar/pool"
	"github.com/grailbio/autopar/remoteinfo"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// retryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// fatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// bigmachineExecutor is an executor that submits chunks to machines
// managed by bigmachine. A machine stands in for a node of the remote
// system named in the resource record; each chunk is one remote
// invocation, run with the record's job environment applied.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B

	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start registers the autopar worker with bigmachine and then starts
// the bigmachine. Machines are allocated lazily, on the first
// dispatch that needs them.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("machines")
	}
	return b.b.Shutdown
}

func (b *bigmachineExecutor) Run(ctx context.Context, inv autopar.Invocation, info remoteinfo.RemoteInfo, plan []chunk.Range) error {
	if len(plan) == 0 {
		return nil
	}
	nodes := info.Resources.Nodes
	if nodes == 0 {
		nodes = 1
	}
	if nodes > len(plan) {
		nodes = len(plan)
	}
	machines, err := b.ensureMachines(ctx, nodes)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range plan {
		m := machines[i%len(machines)]
		req := runRequest{
			Inv:          inv,
			Beg:          r.Beg,
			End:          r.End,
			Env:          info.EnvVars,
			PreCommands:  info.PreCommands,
			PostCommands: info.PostCommands,
			InputFiles:   info.InputFiles,
			OutputFiles:  info.OutputFiles,
		}
		g.Go(func() error {
			for retries := 0; ; retries++ {
				err := m.RetryCall(gctx, "Worker.Run", req, nil)
				if err == nil || gctx.Err() != nil || errors.Match(fatalErr, err) {
					return err
				}
				// Everything else we consider the chunk lost; run it again.
				log.Printf("exec: chunk [%d,%d) of %s lost: %v", req.Beg, req.End, inv.Func, err)
				if werr := retry.Wait(gctx, retryPolicy, retries); werr != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// ensureMachines returns at least n started machines, starting new
// ones as needed. Machines are shared by all dispatches through the
// executor.
func (b *bigmachineExecutor) ensureMachines(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.machines) < n {
		started, err := b.startMachines(ctx, n-len(b.machines))
		if err != nil {
			return nil, err
		}
		if len(started) == 0 {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("exec: failed to start %d machines", n-len(b.machines)))
		}
		b.machines = append(b.machines, started...)
	}
	return b.machines[:n], nil
}

// startMachines starts a number of machines on b, installing a worker
// service on each of them. It returns the machines that reached
// bigmachine.Running state and verified their funcs; machines that
// fail to start are not included.
func (b *bigmachineExecutor) startMachines(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	var (
		mu      sync.Mutex
		started []*bigmachine.Machine
		wg      sync.WaitGroup
	)
	for _, m := range machines {
		m := m
		var stat *status.Task
		if b.status != nil {
			stat = b.status.Start()
			stat.Print("waiting for machine to boot")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("exec: machine %s failed to start: %v", m.Addr, err)
				if stat != nil {
					stat.Printf("failed to start: %v", err)
					stat.Done()
				}
				return
			}
			var names []string
			if err := m.RetryCall(ctx, "Worker.Funcs", struct{}{}, &names); err != nil {
				if stat != nil {
					stat.Print("failed to verify funcs")
					stat.Done()
				}
				m.Cancel()
				return
			}
			if strings.Join(names, ",") != strings.Join(autopar.Names(), ",") {
				log.Panicf("exec: machine %s has different funcs; check for local or non-deterministic Func registration", m.Addr)
			}
			if stat != nil {
				stat.Title(m.Addr)
				stat.Print("running")
			}
			log.Printf("exec: machine %v is ready", m.Addr)
			mu.Lock()
			started = append(started, m)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return started, nil
}

// A runRequest carries one chunk of a dispatched operation to a
// worker, along with the job environment from the resource record.
type runRequest struct {
	// Inv is the operation and its arguments.
	Inv autopar.Invocation
	// Beg and End delimit the chunk's index range.
	Beg, End int
	// Env holds "KEY=VALUE" assignments applied to the worker process
	// before the operation runs.
	Env []string
	// PreCommands and PostCommands are shell commands run in the
	// worker before and after the operation.
	PreCommands, PostCommands []string
	// InputFiles name auxiliary files the operation reads; they must
	// exist on the machine's filesystem before the chunk runs.
	// OutputFiles name files the chunk must leave behind.
	InputFiles, OutputFiles []string
}

// A worker is the bigmachine service that runs chunks of dispatched
// operations on a remote machine.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at
	// least one exported field.
	Exported struct{}

	b *bigmachine.B

	// mu serializes environment application. The process environment
	// is shared by every chunk on the machine, so records dispatched
	// concurrently to the same machine must agree on their EnvVars.
	mu sync.Mutex
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	return nil
}

// Funcs returns the names of the funcs registered in the worker
// binary, so that the driver can verify that both sides agree on the
// set of operations.
func (w *worker) Funcs(ctx context.Context, _ struct{}, names *[]string) error {
	*names = autopar.Names()
	return nil
}

// Run runs one chunk of an operation: it verifies the declared input
// files, applies the request's environment, runs the pre-commands,
// invokes the operation over [Beg, End) on the machine's pool, runs
// the post-commands, and verifies the declared output files. A nil
// error means the chunk completed. Operation panics, command failures,
// and missing files are reported as fatal errors so that they are not
// retried.
func (w *worker) Run(ctx context.Context, req runRequest, _ *struct{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while running %s: %v\n%s", req.Inv.Func, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	for _, file := range req.InputFiles {
		if _, err := os.Stat(file); err != nil {
			return errors.E(errors.Fatal, errors.NotExist, fmt.Sprintf("worker: input file %s", file), err)
		}
	}
	if err := w.setenv(req.Env); err != nil {
		return err
	}
	for _, command := range req.PreCommands {
		if err := runCommand(ctx, command); err != nil {
			return errors.E(errors.Fatal, fmt.Sprintf("worker: pre-command %q", command), err)
		}
	}
	p := w.b.System().Maxprocs()
	if p == 0 {
		p = runtime.GOMAXPROCS(0)
	}
	plan, err := chunk.Plan(req.End-req.Beg, -1, p)
	if err != nil {
		return errors.E(errors.Fatal, err)
	}
	err = pool.Run(ctx, plan, p, func(ctx context.Context, r chunk.Range) error {
		return req.Inv.Invoke(ctx, req.Beg+r.Beg, req.Beg+r.End)
	})
	if err != nil {
		return err
	}
	for _, command := range req.PostCommands {
		if err := runCommand(ctx, command); err != nil {
			return errors.E(errors.Fatal, fmt.Sprintf("worker: post-command %q", command), err)
		}
	}
	for _, file := range req.OutputFiles {
		if _, err := os.Stat(file); err != nil {
			return errors.E(errors.Fatal, fmt.Sprintf("worker: output file %s not produced", file), err)
		}
	}
	return nil
}

// setenv applies "KEY=VALUE" assignments to the worker's process
// environment.
func (w *worker) setenv(env []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, kv := range env {
		i := strings.Index(kv, "=")
		if i <= 0 {
			return errors.E(errors.Fatal, errors.Invalid, fmt.Sprintf("worker: bad assignment %q", kv))
		}
		if err := os.Setenv(kv[:i], kv[i+1:]); err != nil {
			return errors.E(errors.Fatal, err)
		}
	}
	return nil
}

func runCommand(ctx context.Context, command string) error {
	cmd := osexec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
