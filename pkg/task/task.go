// Package task defines the narrow interfaces the cache core uses to
// talk to its external collaborators (spec.md §6): the task descriptor
// handed down by the CUE evaluation bridge, and the executor callback
// that actually runs a task's command or script.
//
// Neither the CUE evaluator nor the shell/sandbox integration that
// produce these values are implemented here — they are consumed as
// opaque upstream components, exactly as spec.md §1 scopes them out.
package task

import "context"

// Task is the subset of a CUE task definition the cache needs. Fields
// not listed here (secrets, sandboxing) are resolved by collaborators
// upstream of the cache and never observed by it.
type Task struct {
	// Name is the task's stable identity, contributing to the action
	// digest independent of its command/script.
	Name string

	// Exactly one of Command or Script is set.
	Command []string
	Script  string

	// WorkingDir is relative to the project root.
	WorkingDir string

	// Inputs/Outputs/IgnoreInputs are glob patterns, matched relative
	// to the project root.
	Inputs       []string
	Outputs      []string
	IgnoreInputs []string

	// CacheEnabled defaults to true when nil.
	CacheEnabled *bool

	// CacheKey, if set, overrides steps 2 and 5 of the action digest
	// derivation (spec.md §4.3).
	CacheKey string

	// EnvInclude/EnvExclude override the cache's default environment
	// filter for this task only. Entries may end in "*" as a prefix
	// wildcard.
	EnvInclude []string
	EnvExclude []string
}

// IsCacheEnabled reports whether this task participates in caching at
// all, defaulting to true.
func (t *Task) IsCacheEnabled() bool {
	return t.CacheEnabled == nil || *t.CacheEnabled
}

// RawExecutionOutcome is what an Executor reports after successfully
// running a task. A non-zero ExitCode is still a successful,
// deterministic outcome from the cache's point of view (spec.md §4.4);
// only an error return from Executor prevents caching.
type RawExecutionOutcome struct {
	ExitCode     int32
	Stdout       []byte
	Stderr       []byte
	OutputFiles  map[string][]byte // relative path -> contents
	ExecutedAt   int64             // unix nanos, supplied by the caller so this package stays deterministic
	DurationMs   uint64
}

// Executor runs a task's command or script in workingDir with env, and
// reports its outcome. An error return means the invocation itself
// failed (I/O error, panic recovered by the caller, cancellation) and
// must not be cached; a non-nil *RawExecutionOutcome with any ExitCode
// is always cacheable.
type Executor func(ctx context.Context) (*RawExecutionOutcome, error)
