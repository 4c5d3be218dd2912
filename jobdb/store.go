// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package jobdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/spaolacci/murmur3"
)

// State is the lifecycle state of a job database entry.
type State int

const (
	// Submitted indicates that the job has been registered and
	// submitted but has not yet completed.
	Submitted State = iota
	// Done indicates that the job completed and its result handle is
	// recorded.
	Done
)

var states = [...]string{
	Submitted: "SUBMITTED",
	Done:      "DONE",
}

// String returns the state as an upper-case string.
func (s State) String() string { return states[s] }

// An Entry records a single submission. SubmitTime is set by Register
// if left zero; Result and DoneTime are set by Complete.
type Entry struct {
	ID         digest.Digest
	Op         string
	State      State
	Result     string
	SubmitTime time.Time
	DoneTime   time.Time
}

// Store is a persistent index of job identities, shared by every
// process invocation that reaches a remote-capable call site. Lookup
// returns an error with kind errors.NotExist when the identity is
// unknown. Register performs an atomic check-and-register: exactly
// one of any set of concurrent registrations of the same identity
// succeeds, and the rest observe kind errors.Exists. Complete records
// an identity's result handle; completion is recorded alongside the
// registration, never by mutating it.
type Store interface {
	Lookup(ctx context.Context, id digest.Digest) (Entry, error)
	Register(ctx context.Context, entry Entry) error
	Complete(ctx context.Context, id digest.Digest, result string) error
	// Scan calls fn for each entry in the store, in unspecified
	// order, stopping at the first error.
	Scan(ctx context.Context, fn func(Entry) error) error
}

// memoryStore is a store implementation that keeps entries in memory.
// It provides the Store semantics within a single process and is used
// by local sessions and tests.
type memoryStore struct {
	mu      sync.Mutex
	entries map[digest.Digest]Entry
}

// NewMemory returns a new in-memory store.
func NewMemory() Store {
	return &memoryStore{entries: make(map[digest.Digest]Entry)}
}

func (m *memoryStore) Lookup(ctx context.Context, id digest.Digest) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, errors.E(errors.NotExist, fmt.Sprintf("lookup %s", id.Short()))
	}
	return entry, nil
}

func (m *memoryStore) Register(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("register %s", entry.ID.Short()))
	}
	entry.State = Submitted
	if entry.SubmitTime.IsZero() {
		entry.SubmitTime = time.Now()
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *memoryStore) Complete(ctx context.Context, id digest.Digest, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("complete %s", id.Short()))
	}
	if entry.State == Done {
		// First completion wins; entries are append-only.
		return nil
	}
	entry.State = Done
	entry.Result = result
	entry.DoneTime = time.Now()
	m.entries[id] = entry
	return nil
}

func (m *memoryStore) Scan(ctx context.Context, fn func(Entry) error) error {
	m.mu.Lock()
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.Unlock()
	for _, entry := range entries {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

const nstripe = 64

// diskStore is a store implementation rooted at a (conventionally
// hidden) project-scoped directory. Each identity is one file named
// by its hex digest, created with O_EXCL so that check-and-register
// is atomic across independent processes; completion is a separate
// "<hex>.done" file, keeping registrations append-only. An in-process
// stripe lock serializes goroutines of the same process so that they
// contend on the filesystem only across processes.
type diskStore struct {
	dir     string
	stripes [nstripe]sync.Mutex
}

// DefaultDir is the conventional name of the job database directory,
// created at whichever hierarchy level the caller chooses to scope
// the project.
const DefaultDir = ".autopar"

// NewDisk returns a store rooted at the directory dir, creating it if
// necessary.
func NewDisk(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E(fmt.Sprintf("jobdb: create %s", dir), err)
	}
	return &diskStore{dir: dir}, nil
}

func (s *diskStore) stripe(id digest.Digest) *sync.Mutex {
	return &s.stripes[murmur3.Sum32([]byte(id.String()))%nstripe]
}

func (s *diskStore) path(id digest.Digest) string {
	return filepath.Join(s.dir, id.Hex())
}

// diskEntry is the on-disk form of a registration. The identity is
// stored in full (not only as the filename) so that scans can recover
// typed digests.
type diskEntry struct {
	ID         string    `json:"id"`
	Op         string    `json:"op"`
	SubmitTime time.Time `json:"submit_time"`
}

type doneEntry struct {
	Result   string    `json:"result"`
	DoneTime time.Time `json:"done_time"`
}

func (s *diskStore) Lookup(ctx context.Context, id digest.Digest) (Entry, error) {
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()
	return s.lookup(id)
}

func (s *diskStore) lookup(id digest.Digest) (Entry, error) {
	data, err := ioutil.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return Entry{}, errors.E(errors.NotExist, fmt.Sprintf("lookup %s", id.Short()))
	}
	if err != nil {
		return Entry{}, err
	}
	var de diskEntry
	if err := json.Unmarshal(data, &de); err != nil {
		return Entry{}, errors.E(fmt.Sprintf("jobdb: corrupt entry %s", id.Short()), err)
	}
	entry := Entry{ID: id, Op: de.Op, State: Submitted, SubmitTime: de.SubmitTime}
	done, err := ioutil.ReadFile(s.path(id) + ".done")
	if os.IsNotExist(err) {
		return entry, nil
	}
	if err != nil {
		return Entry{}, err
	}
	var dd doneEntry
	if err := json.Unmarshal(done, &dd); err != nil {
		return Entry{}, errors.E(fmt.Sprintf("jobdb: corrupt completion %s", id.Short()), err)
	}
	entry.State = Done
	entry.Result = dd.Result
	entry.DoneTime = dd.DoneTime
	return entry, nil
}

func (s *diskStore) Register(ctx context.Context, entry Entry) (err error) {
	lock := s.stripe(entry.ID)
	lock.Lock()
	defer lock.Unlock()
	f, err := os.OpenFile(s.path(entry.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if os.IsExist(err) {
		return errors.E(errors.Exists, fmt.Sprintf("register %s", entry.ID.Short()))
	}
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(f, &err)
	if entry.SubmitTime.IsZero() {
		entry.SubmitTime = time.Now()
	}
	return json.NewEncoder(f).Encode(diskEntry{
		ID:         entry.ID.String(),
		Op:         entry.Op,
		SubmitTime: entry.SubmitTime,
	})
}

func (s *diskStore) Complete(ctx context.Context, id digest.Digest, result string) (err error) {
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()
	if _, err := s.lookup(id); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(id)+".done", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if os.IsExist(err) {
		// A completion is already recorded; the first one wins.
		return nil
	}
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(f, &err)
	return json.NewEncoder(f).Encode(doneEntry{Result: result, DoneTime: time.Now()})
}

func (s *diskStore) Scan(ctx context.Context, fn func(Entry) error) error {
	infos, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.IsDir() || strings.HasSuffix(info.Name(), ".done") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := ioutil.ReadFile(filepath.Join(s.dir, info.Name()))
		if err != nil {
			return err
		}
		var de diskEntry
		if err := json.Unmarshal(data, &de); err != nil {
			return errors.E(fmt.Sprintf("jobdb: corrupt entry %s", info.Name()), err)
		}
		id, err := digest.Parse(de.ID)
		if err != nil {
			return errors.E(fmt.Sprintf("jobdb: corrupt entry %s", info.Name()), err)
		}
		entry, err := s.lookup(id)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}
