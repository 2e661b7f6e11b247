package actiondigest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuenv/cuenv/pkg/actiondigest"
	"github.com/cuenv/cuenv/pkg/task"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, contents string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func defaultFilter() actiondigest.EnvFilter {
	return actiondigest.EnvFilter{
		Allow: []string{"PATH", "CUENV_*"},
		Deny:  []string{"CUENV_SECRET"},
	}
}

// TestBuildDigestIsDeterministic covers spec.md property P1: identical
// tasks, inputs and environments must yield identical digests across
// repeated runs.
func TestBuildDigestIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")

	tk := &task.Task{
		Name:       "build",
		Command:    []string{"go", "build", "./..."},
		WorkingDir: ".",
		Inputs:     []string{"src/**"},
	}
	env := map[string]string{"PATH": "/usr/bin", "CUENV_ENV": "dev"}

	b := actiondigest.NewBuilder(root, defaultFilter())
	d1, err := b.BuildDigest(tk, env)
	require.NoError(t, err)
	d2, err := b.BuildDigest(tk, env)
	require.NoError(t, err)

	require.Equal(t, d1.String(), d2.String())
}

// TestBuildDigestChangesWithInputContent covers scenario S2: editing an
// input file must change the digest.
func TestBuildDigestChangesWithInputContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")

	tk := &task.Task{
		Name:       "build",
		Command:    []string{"go", "build"},
		WorkingDir: ".",
		Inputs:     []string{"src/**"},
	}

	b := actiondigest.NewBuilder(root, defaultFilter())
	before, err := b.BuildDigest(tk, nil)
	require.NoError(t, err)

	writeFile(t, root, "src/main.go", "package main\n\nfunc main() {}\n")
	after, err := b.BuildDigest(tk, nil)
	require.NoError(t, err)

	require.NotEqual(t, before.String(), after.String())
}

// TestEnvFilterExcludesDeniedAndUnlisted asserts that a denied variable
// never contributes, and an unlisted variable is dropped as well, per
// the allow-list semantics of spec.md §4.3.
func TestEnvFilterExcludesDeniedAndUnlisted(t *testing.T) {
	root := t.TempDir()
	tk := &task.Task{Name: "echo", Command: []string{"echo", "hi"}, WorkingDir: "."}

	b := actiondigest.NewBuilder(root, defaultFilter())
	withSecret, err := b.BuildDigest(tk, map[string]string{
		"PATH":          "/usr/bin",
		"HOME":          "/home/a",
		"CUENV_SECRET":  "shhh",
		"CUENV_VISIBLE": "x",
	})
	require.NoError(t, err)

	withoutSecret, err := b.BuildDigest(tk, map[string]string{
		"PATH":          "/usr/bin",
		"HOME":          "/home/b",
		"CUENV_SECRET":  "different-shhh",
		"CUENV_VISIBLE": "x",
	})
	require.NoError(t, err)

	require.Equal(t, withSecret.String(), withoutSecret.String(), "neither a denied nor an unlisted variable may influence the digest")

	withUnrelatedChange, err := b.BuildDigest(tk, map[string]string{
		"PATH":          "/usr/bin",
		"HOME":          "/home/a",
		"CUENV_SECRET":  "shhh",
		"CUENV_VISIBLE": "y",
	})
	require.NoError(t, err)
	require.NotEqual(t, withSecret.String(), withUnrelatedChange.String(), "an allowed variable must influence the digest")
}

// TestCustomCacheKeyOverridesCommandAndInputs verifies that when CacheKey
// is set, neither the command nor the input set affects the digest, while
// the filtered environment still does.
func TestCustomCacheKeyOverridesCommandAndInputs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "v1")

	tk := &task.Task{
		Name:       "build",
		Command:    []string{"go", "build"},
		WorkingDir: ".",
		Inputs:     []string{"src/**"},
		CacheKey:   "fixed-key-v1",
	}

	b := actiondigest.NewBuilder(root, defaultFilter())
	d1, err := b.BuildDigest(tk, map[string]string{"PATH": "/bin"})
	require.NoError(t, err)

	writeFile(t, root, "src/main.go", "v2-completely-different")
	tk.Command = []string{"make", "all"}
	d2, err := b.BuildDigest(tk, map[string]string{"PATH": "/bin"})
	require.NoError(t, err)

	require.Equal(t, d1.String(), d2.String())

	d3, err := b.BuildDigest(tk, map[string]string{"PATH": "/usr/bin"})
	require.NoError(t, err)
	require.NotEqual(t, d1.String(), d3.String(), "an allowed variable must still influence the digest")
}

// TestWorkingDirOutsideProjectRootIsRejected covers the configuration
// error path from spec.md §4.3.
func TestWorkingDirOutsideProjectRootIsRejected(t *testing.T) {
	root := t.TempDir()
	tk := &task.Task{Name: "escape", Command: []string{"true"}, WorkingDir: "../../etc"}

	b := actiondigest.NewBuilder(root, defaultFilter())
	_, err := b.BuildDigest(tk, nil)
	require.Error(t, err)
}

// TestCommandAndScriptAreMutuallyExclusive ensures a malformed task
// descriptor is rejected before ever touching the filesystem.
func TestCommandAndScriptAreMutuallyExclusive(t *testing.T) {
	root := t.TempDir()
	tk := &task.Task{Name: "bad", Command: []string{"echo"}, Script: "echo hi", WorkingDir: "."}

	b := actiondigest.NewBuilder(root, defaultFilter())
	_, err := b.BuildDigest(tk, nil)
	require.Error(t, err)
}

// TestIgnoreInputsExcludesMatchedPaths verifies that IgnoreInputs globs
// remove matches from the expanded input set before hashing.
func TestIgnoreInputsExcludesMatchedPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "src/main_test.go", "package main\n")

	base := &task.Task{
		Name:       "build",
		Command:    []string{"go", "build"},
		WorkingDir: ".",
		Inputs:     []string{"src/**"},
	}
	withTest, err := actiondigest.NewBuilder(root, defaultFilter()).BuildDigest(base, nil)
	require.NoError(t, err)

	ignoring := &task.Task{
		Name:         "build",
		Command:      []string{"go", "build"},
		WorkingDir:   ".",
		Inputs:       []string{"src/**"},
		IgnoreInputs: []string{"src/main_test.go"},
	}
	withoutTest, err := actiondigest.NewBuilder(root, defaultFilter()).BuildDigest(ignoring, nil)
	require.NoError(t, err)

	require.NotEqual(t, withTest.String(), withoutTest.String())

	// Deleting the ignored file must not change the digest that already
	// excludes it.
	require.NoError(t, os.Remove(filepath.Join(root, "src/main_test.go")))
	withoutTestAgain, err := actiondigest.NewBuilder(root, defaultFilter()).BuildDigest(ignoring, nil)
	require.NoError(t, err)
	require.Equal(t, withoutTest.String(), withoutTestAgain.String())
}
