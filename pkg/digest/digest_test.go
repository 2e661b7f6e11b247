package digest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestHashBytesDeterministic(t *testing.T) {
	a := digest.HashBytes([]byte("hello"))
	b := digest.HashBytes([]byte("hello"))
	require.Equal(t, a, b)
	require.Equal(t, int64(5), a.GetSizeBytes())
}

func TestHashFileStreamsAndMatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	fromFile, err := digest.HashFile(path)
	require.NoError(t, err)
	require.Equal(t, digest.HashBytes([]byte("v1")), fromFile)
}

func TestHashFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := digest.HashFile(dir)
	require.Error(t, err)
}

func TestExpandGlobSortedAndDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "nested", "c.txt"), []byte("c"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("o"), 0o644))

	matches, err := digest.ExpandGlob("src/**", dir)
	require.NoError(t, err)
	require.Equal(t, []string{"src/a.txt", "src/b.txt", "src/nested/c.txt"}, matches)
}

func TestFilterIgnored(t *testing.T) {
	paths := []string{"src/a.txt", "src/a.test.txt", "src/nested/b.txt"}
	out := digest.FilterIgnored(paths, []string{"**/*.test.txt"})
	require.Equal(t, []string{"src/a.txt", "src/nested/b.txt"}, out)
}

func TestEncoderDeterministicAcrossMapOrdering(t *testing.T) {
	mk := func() digest.Digest {
		e := digest.NewEncoder()
		e.WriteTaskName("build")
		e.WriteCommand([]string{"go", "build"})
		e.WriteWorkingDirectory("svc/api")
		e.WriteEnv(map[string]string{"B": "2", "A": "1"})
		e.WriteInputs(map[string]digest.Digest{
			"b.go": digest.HashBytes([]byte("b")),
			"a.go": digest.HashBytes([]byte("a")),
		})
		e.WriteVersion()
		return e.Digest()
	}
	require.Equal(t, mk(), mk())
}

func TestEncoderDomainSeparatesEnvAndInputs(t *testing.T) {
	e1 := digest.NewEncoder()
	e1.WriteEnv(map[string]string{"x": "1"})
	e1.WriteVersion()

	e2 := digest.NewEncoder()
	e2.WriteInputs(map[string]digest.Digest{"x": digest.HashBytes([]byte("1"))})
	e2.WriteVersion()

	require.NotEqual(t, e1.Digest(), e2.Digest())
}
