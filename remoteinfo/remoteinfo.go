// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package remoteinfo resolves the configuration that controls how
// call sites submit parallel operations as external jobs. A
// configuration maps call-site keys to resource-description records;
// it is resolved once per process invocation, from a JSON literal or
// a JSON file named by the WFL_AUTOPARA_REMOTEINFO environment
// variable, and then passed explicitly to the sessions that consult
// it. Records are validated at resolution time so that
// misconfiguration surfaces before any submission is attempted.
package remoteinfo

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"unicode"

	"github.com/grailbio/base/log"
)

// Env is the environment variable read by ResolveEnv. Its value is
// either literal JSON or the path of a file containing JSON.
const Env = "WFL_AUTOPARA_REMOTEINFO"

// Resources describes the quantities requested for each submitted
// job. Interpretation of the fields is up to the remote system; zero
// values defer to the system's defaults.
type Resources struct {
	// Nodes is the number of nodes requested per submission.
	Nodes int `json:"nodes,omitempty"`
	// CoresPerNode is the per-node core count; it also sizes the
	// in-job pool used when chunk sizes are given as pool multiples.
	CoresPerNode int `json:"cores_per_node,omitempty"`
	// Time is the requested walltime, in the remote system's syntax.
	Time string `json:"time,omitempty"`
	// MemPerCore is the requested per-core memory, in the remote
	// system's syntax.
	MemPerCore string `json:"mem_per_core,omitempty"`
}

// A RemoteInfo is a resource-description record: it controls how one
// call site's parallel operation is submitted as an external job.
type RemoteInfo struct {
	// System names the remote system that receives submissions.
	// Required.
	System string `json:"system"`
	// JobName labels submitted jobs; when empty, the operation name
	// is used.
	JobName string `json:"job_name,omitempty"`
	// Resources are the per-job resource quantities.
	Resources Resources `json:"resources,omitempty"`
	// ChunkSize is the number of items per job: positive values are
	// absolute counts, negative values are multiples of the in-job
	// pool size. Required (zero is a configuration error).
	ChunkSize int `json:"chunk_size"`
	// InputFiles and OutputFiles name auxiliary files staged in and
	// out of each job.
	InputFiles  []string `json:"input_files,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
	// EnvVars are "KEY=VALUE" assignments applied in the job's
	// environment.
	EnvVars []string `json:"env_vars,omitempty"`
	// PreCommands and PostCommands are shell commands run in the job
	// before and after the operation.
	PreCommands  []string `json:"pre_commands,omitempty"`
	PostCommands []string `json:"post_commands,omitempty"`
	// Timeout is the maximum number of seconds to wait for a
	// submission's results; zero means the session default.
	Timeout int `json:"timeout,omitempty"`
	// CheckInterval is the number of seconds between polls for a
	// submission's results; zero means the session default.
	CheckInterval int `json:"check_interval,omitempty"`
}

// A Config maps call-site keys (in their string form; see ParseKey)
// to resource-description records. The empty key applies to every
// call site, but loses to any explicit key that matches.
type Config map[string]RemoteInfo

// A ParseError reports a configuration value that is neither valid
// JSON nor a readable file containing valid JSON.
type ParseError struct {
	// Source is the literal value or filename that failed to parse.
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("remoteinfo: cannot parse %q: %v", e.Source, e.Err)
}

// A ConfigError reports a malformed or incomplete resource record.
// ConfigErrors are returned at resolution time, never at submission
// time.
type ConfigError struct {
	// Key is the call-site key of the offending record.
	Key string
	// Field names the offending record field, when one is at fault.
	Field string
	// Message describes the problem.
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("remoteinfo: key %q: field %s: %s", e.Key, e.Field, e.Message)
	}
	return fmt.Sprintf("remoteinfo: key %q: %s", e.Key, e.Message)
}

// Resolve interprets value as either literal JSON or the path of a
// file containing JSON, and returns the validated configuration it
// describes. Two JSON shapes are accepted: a mapping from call-site
// key to record, or a bare record (recognized by its "system" field),
// which applies to every call site. Resolve returns a *ParseError if
// value is neither valid JSON nor a readable file containing valid
// JSON, and a *ConfigError if any record is malformed or incomplete.
func Resolve(value string) (Config, error) {
	data := []byte(value)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		if hasSpace(value) {
			// A filename should not contain whitespace, so this value
			// was probably meant to be JSON.
			log.Printf("remoteinfo: value has whitespace but is not parseable as JSON: %v", err)
		}
		filedata, ferr := ioutil.ReadFile(value)
		if ferr != nil {
			return nil, &ParseError{Source: value, Err: err}
		}
		data = filedata
		raw = nil
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ParseError{Source: value, Err: err}
		}
	}
	if sys, ok := raw["system"]; ok && len(sys) > 0 && sys[0] == '"' {
		// A bare record, not a key mapping.
		var info RemoteInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, &ConfigError{Message: err.Error()}
		}
		log.Printf("remoteinfo: value is a bare record; applying to all call sites")
		cfg := Config{"": info}
		return cfg, cfg.validate()
	}
	cfg := make(Config, len(raw))
	for keyStr, msg := range raw {
		var info RemoteInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, &ConfigError{Key: keyStr, Message: err.Error()}
		}
		cfg[keyStr] = info
	}
	return cfg, cfg.validate()
}

// ResolveEnv resolves the configuration named by the
// WFL_AUTOPARA_REMOTEINFO environment variable. An unset or empty
// variable yields a nil configuration (every call site runs locally)
// and no error. ResolveEnv is intended to be called once, at process
// start.
func ResolveEnv() (Config, error) {
	value, ok := os.LookupEnv(Env)
	if !ok || value == "" {
		return nil, nil
	}
	return Resolve(value)
}

func (c Config) validate() error {
	for _, keyStr := range c.sortedKeys() {
		if _, err := ParseKey(keyStr); err != nil {
			return &ConfigError{Key: keyStr, Message: err.Error()}
		}
		if err := c[keyStr].validate(keyStr); err != nil {
			return err
		}
	}
	return nil
}

func (info RemoteInfo) validate(keyStr string) error {
	if info.System == "" {
		return &ConfigError{Key: keyStr, Field: "system", Message: "missing remote system name"}
	}
	if info.ChunkSize == 0 {
		return &ConfigError{Key: keyStr, Field: "chunk_size", Message: "missing chunk size (positive count or negative pool multiple)"}
	}
	if info.Resources.Nodes < 0 {
		return &ConfigError{Key: keyStr, Field: "resources.nodes", Message: fmt.Sprintf("negative node count %d", info.Resources.Nodes)}
	}
	if info.Resources.CoresPerNode < 0 {
		return &ConfigError{Key: keyStr, Field: "resources.cores_per_node", Message: fmt.Sprintf("negative core count %d", info.Resources.CoresPerNode)}
	}
	if info.Timeout < 0 {
		return &ConfigError{Key: keyStr, Field: "timeout", Message: fmt.Sprintf("negative timeout %d", info.Timeout)}
	}
	if info.CheckInterval < 0 {
		return &ConfigError{Key: keyStr, Field: "check_interval", Message: fmt.Sprintf("negative check interval %d", info.CheckInterval)}
	}
	for _, kv := range info.EnvVars {
		if !isAssignment(kv) {
			return &ConfigError{Key: keyStr, Field: "env_vars", Message: fmt.Sprintf("%q is not a KEY=VALUE assignment", kv)}
		}
	}
	return nil
}

// Keys returns the configuration's call-site keys in their string
// form, sorted.
func (c Config) Keys() []string {
	return c.sortedKeys()
}

func (c Config) sortedKeys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hasSpace(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

func isAssignment(s string) bool {
	for i, r := range s {
		if r == '=' {
			return i > 0
		}
	}
	return false
}
