package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuenv/cuenv/pkg/config"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestLoadWithNoFileAppliesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.ModeReadWrite, cfg.Mode)
	require.Equal(t, config.ReplacementPolicyLRU, cfg.ReplacementPolicy)
}

func TestLoadEvaluatesJsonnetFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(`{
		mode: "read",
		dir: "/tmp/custom-cache",
		maxSizeBytes: 2147483648,
		replacementPolicy: "lfu",
	}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.ModeRead, cfg.Mode)
	require.Equal(t, "/tmp/custom-cache", cfg.Dir)
	require.Equal(t, int64(2147483648), cfg.MaxSizeBytes)
	require.Equal(t, config.ReplacementPolicyLFU, cfg.ReplacementPolicy)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(`{
		mode: "off",
		dir: "/tmp/from-file",
		maxSizeBytes: 1024,
		replacementPolicy: "lru",
	}`), 0o644))

	t.Setenv("CUENV_CACHE", "write")
	t.Setenv("CUENV_CACHE_DIR", "/tmp/from-env")
	t.Setenv("CUENV_CACHE_MAX_SIZE", "999")
	t.Setenv("CUENV_CACHE_REPLACEMENT_POLICY", "arc")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.ModeWrite, cfg.Mode)
	require.Equal(t, "/tmp/from-env", cfg.Dir)
	require.Equal(t, int64(999), cfg.MaxSizeBytes)
	require.Equal(t, config.ReplacementPolicyARC, cfg.ReplacementPolicy)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyDir(t *testing.T) {
	cfg := config.Default()
	cfg.Dir = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveQuota(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSizeBytes = 0
	require.Error(t, cfg.Validate())
}

func TestReadWriteEnabledByMode(t *testing.T) {
	cases := []struct {
		mode       config.Mode
		wantRead   bool
		wantWrite  bool
	}{
		{config.ModeOff, false, false},
		{config.ModeRead, true, false},
		{config.ModeWrite, false, true},
		{config.ModeReadWrite, true, true},
	}
	for _, tc := range cases {
		cfg := config.Default()
		cfg.Mode = tc.mode
		require.Equal(t, tc.wantRead, cfg.ReadEnabled(), tc.mode)
		require.Equal(t, tc.wantWrite, cfg.WriteEnabled(), tc.mode)
	}
}
