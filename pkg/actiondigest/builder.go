// Package actiondigest implements [MODULE C3]: deriving a deterministic
// ActionDigest from a task descriptor, its working directory and a
// filtered environment, per spec.md §4.3.
package actiondigest

import (
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/task"
)

// defaultAllow and defaultDeny are the hard-coded conservative defaults
// from spec.md §4.3, applied when both a task's and the cache's
// allow/deny lists are empty.
var (
	defaultAllow = []string{"PATH", "HOME", "LANG", "USER", "SHELL", "CUENV_*"}
	defaultDeny  = []string{"RANDOM", "TMPDIR", "TERM", "SSH_*", "DISPLAY"}
)

// EnvFilter selects which environment variables contribute to an action
// digest.
type EnvFilter struct {
	Allow []string
	Deny  []string
}

// Builder derives ActionDigests for tasks rooted at a fixed project
// root.
type Builder struct {
	projectRoot string
	defaultEnv  EnvFilter
}

// NewBuilder creates a Builder for tasks declared under projectRoot.
// defaultEnv is used whenever a task does not supply its own
// EnvInclude/EnvExclude override.
func NewBuilder(projectRoot string, defaultEnv EnvFilter) *Builder {
	return &Builder{projectRoot: projectRoot, defaultEnv: defaultEnv}
}

// BuildDigest derives the ActionDigest for t, given its process
// environment env (as a map, already split on "=").
func (b *Builder) BuildDigest(t *task.Task, env map[string]string) (digest.Digest, error) {
	relWorkDir, err := b.normalizeWorkingDir(t.WorkingDir)
	if err != nil {
		return digest.BadDigest, err
	}

	enc := digest.NewEncoder()
	enc.WriteTaskName(t.Name)

	switch {
	case len(t.Command) > 0 && t.Script != "":
		return digest.BadDigest, status.Errorf(codes.InvalidArgument, "task %s specifies both a command and a script", t.Name)
	case len(t.Command) == 0 && t.Script == "":
		return digest.BadDigest, status.Errorf(codes.InvalidArgument, "task %s specifies neither a command nor a script", t.Name)
	case t.CacheKey != "":
		enc.WriteCacheKey(t.CacheKey)
	case len(t.Command) > 0:
		enc.WriteCommand(t.Command)
	default:
		enc.WriteScript(t.Script)
	}

	enc.WriteWorkingDirectory(relWorkDir)

	filtered := b.filterEnv(t, env)
	enc.WriteEnv(filtered)

	if t.CacheKey == "" {
		inputs, err := b.expandInputs(t)
		if err != nil {
			return digest.BadDigest, err
		}
		enc.WriteInputs(inputs)
	}

	enc.WriteVersion()
	return enc.Digest(), nil
}

// normalizeWorkingDir makes workingDir relative to the project root. A
// working directory that resolves outside the project root is a
// configuration error: it would make the cache key machine-specific
// (spec.md §4.3).
func (b *Builder) normalizeWorkingDir(workingDir string) (string, error) {
	abs := workingDir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(b.projectRoot, workingDir)
	}
	rel, err := filepath.Rel(b.projectRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", status.Errorf(codes.InvalidArgument, "working directory %s resolves outside the project root %s", workingDir, b.projectRoot)
	}
	return filepath.ToSlash(rel), nil
}

func (b *Builder) filterEnv(t *task.Task, env map[string]string) map[string]string {
	allow, deny := b.defaultEnv.Allow, b.defaultEnv.Deny
	if len(t.EnvInclude) > 0 || len(t.EnvExclude) > 0 {
		allow, deny = t.EnvInclude, t.EnvExclude
	}
	if len(allow) == 0 && len(deny) == 0 {
		allow, deny = defaultAllow, defaultDeny
	}

	out := map[string]string{}
	for k, v := range env {
		if matchesAny(k, deny) {
			continue
		}
		if matchesAny(k, allow) {
			out[k] = v
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
		} else if name == p {
			return true
		}
	}
	return false
}

// expandInputs resolves every input glob, applies ignore globs, and
// hashes each resulting file, failing the whole computation if any
// input resolves outside the project root.
func (b *Builder) expandInputs(t *task.Task) (map[string]digest.Digest, error) {
	result := map[string]digest.Digest{}
	for _, pattern := range t.Inputs {
		matches, err := digest.ExpandGlob(pattern, b.projectRoot)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "failed to expand input glob %q for task %s: %s", pattern, t.Name, err)
		}
		matches = digest.FilterIgnored(matches, t.IgnoreInputs)
		for _, rel := range matches {
			if _, ok := result[rel]; ok {
				continue
			}
			d, err := digest.HashFile(filepath.Join(b.projectRoot, rel))
			if err != nil {
				return nil, status.Errorf(codes.Unavailable, "failed to hash input %s for task %s: %s", rel, t.Name, err)
			}
			result[rel] = d
		}
	}
	return result, nil
}
