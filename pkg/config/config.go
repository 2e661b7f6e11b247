// Package config implements the ambient configuration loader shared by
// every component in pkg/. A single CacheConfiguration struct is read
// from a Jsonnet document at open time (see pkg/util.
// UnmarshalConfigurationFromFile), then the six CUENV_* environment
// variables of spec §6 are applied on top, overriding whatever the file
// set.
//
// The teacher unmarshals evaluated Jsonnet into a generated Protobuf
// message via protojson; this subsystem has no corresponding .proto
// schema, so the evaluated JSON is unmarshaled with plain encoding/json
// instead (see DESIGN.md for the justification).
package config

import (
	"os"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/util"
)

// Mode controls whether the cache is consulted and/or updated.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeRead      Mode = "read"
	ModeReadWrite Mode = "read-write"
	ModeWrite     Mode = "write"
)

// ReplacementPolicy names a pluggable eviction policy (pkg/eviction).
type ReplacementPolicy string

const (
	ReplacementPolicyLRU ReplacementPolicy = "lru"
	ReplacementPolicyLFU ReplacementPolicy = "lfu"
	ReplacementPolicyARC ReplacementPolicy = "arc"
)

// CacheConfiguration is the single structured document read at cache
// open time (spec.md §6), covering the defaults named throughout §4.
type CacheConfiguration struct {
	// Mode is the control surface documented in spec.md §6.
	Mode Mode `json:"mode"`

	// Dir is the cache root directory; "actions/", "cas/", the WAL and
	// the signing key all live beneath it.
	Dir string `json:"dir"`

	// MaxSizeBytes is the hard disk quota (§4.5's "Disk quota").
	MaxSizeBytes int64 `json:"maxSizeBytes"`

	// InlineThresholdBytes is the largest blob size stored inline in
	// an ActionResult's encoded form rather than as a separate CAS
	// file (§4.2, default 4 KiB).
	InlineThresholdBytes int64 `json:"inlineThresholdBytes"`

	// GCGracePeriodSeconds is how long a zero-refcount blob must age
	// before it is eligible for garbage collection (§4.2, default 60s).
	GCGracePeriodSeconds int `json:"gcGracePeriodSeconds"`

	// ReplacementPolicy selects the eviction Set implementation
	// (§4.5, default lru).
	ReplacementPolicy ReplacementPolicy `json:"replacementPolicy"`

	// HighWaterMarkPercent is the quota fraction that wakes the
	// eviction loop (§4.5, default 0.80).
	HighWaterMarkPercent float64 `json:"highWaterMarkPercent"`

	// LowWaterMarkPercent is the quota fraction eviction sweeps down
	// to once triggered (§4.5, default 0.70).
	LowWaterMarkPercent float64 `json:"lowWaterMarkPercent"`

	// EvictionIntervalSeconds is read from configuration (§4.5, default
	// 30s) but not passed to the eviction manager, whose periodic timer
	// always fires every eviction.DefaultSweepInterval (30s).
	EvictionIntervalSeconds int `json:"evictionIntervalSeconds"`

	// IOSemaphoreMaxConcurrent bounds concurrent disk operations
	// (§4.6, default 100).
	IOSemaphoreMaxConcurrent int64 `json:"ioSemaphoreMaxConcurrent"`

	// EnvAllow and EnvDeny are the default env-filter lists consulted
	// by pkg/actiondigest when a task supplies no per-task override
	// (§4.3).
	EnvAllow []string `json:"envAllow"`
	EnvDeny  []string `json:"envDeny"`

	// RemoteCacheEndpoint is the REAPI v2 server URL (§4.7); empty
	// disables the remote client entirely.
	RemoteCacheEndpoint string `json:"remoteCacheEndpoint"`

	// RemoteCacheAuthToken is sent as the remote client's credentials.
	RemoteCacheAuthToken string `json:"remoteCacheAuthToken"`

	// RemoteCacheTimeoutSeconds is the per-request remote timeout
	// (§4.7/§5, default 30s).
	RemoteCacheTimeoutSeconds int `json:"remoteCacheTimeoutSeconds"`

	// RemoteCacheConcurrency bounds in-flight remote requests (§4.7,
	// default 10).
	RemoteCacheConcurrency int64 `json:"remoteCacheConcurrency"`

	// RemoteCacheCircuitBreakerWindowSize, ...Threshold and
	// ...CooldownSeconds configure the C7 circuit breaker (§4.7,
	// defaults 20, 0.5, 60s).
	RemoteCacheCircuitBreakerWindowSize      int     `json:"remoteCacheCircuitBreakerWindowSize"`
	RemoteCacheCircuitBreakerThreshold       float64 `json:"remoteCacheCircuitBreakerThreshold"`
	RemoteCacheCircuitBreakerCooldownSeconds int     `json:"remoteCacheCircuitBreakerCooldownSeconds"`

	// RemoteCacheCompression enables optional ZSTD compression of
	// batch blob transfers (§4.7).
	RemoteCacheCompression bool `json:"remoteCacheCompression"`

	// TraceSampleRate is the 1-in-N sampling rate for execution traces
	// (§4.8, default 100).
	TraceSampleRate int `json:"traceSampleRate"`
}

// Default returns the hard-coded defaults named throughout spec.md §4,
// used as the baseline before a configuration file or environment
// overrides are applied.
func Default() CacheConfiguration {
	return CacheConfiguration{
		Mode:                      ModeReadWrite,
		Dir:                       ".cuenv/cache",
		MaxSizeBytes:              1 << 30, // 1 GiB
		InlineThresholdBytes:      4096,
		GCGracePeriodSeconds:      60,
		ReplacementPolicy:         ReplacementPolicyLRU,
		HighWaterMarkPercent:      0.80,
		LowWaterMarkPercent:       0.70,
		EvictionIntervalSeconds:  30,
		IOSemaphoreMaxConcurrent: 100,
		EnvAllow:                 []string{"PATH", "HOME", "LANG", "USER", "SHELL", "CUENV_*"},
		EnvDeny:                  []string{"RANDOM", "TMPDIR", "TERM", "SSH_*", "DISPLAY"},
		RemoteCacheTimeoutSeconds:                30,
		RemoteCacheConcurrency:                   10,
		RemoteCacheCircuitBreakerWindowSize:       20,
		RemoteCacheCircuitBreakerThreshold:        0.5,
		RemoteCacheCircuitBreakerCooldownSeconds:  60,
		TraceSampleRate:                           100,
	}
}

// Load evaluates the Jsonnet configuration file at path (if non-empty)
// on top of Default(), applies the CUENV_* environment overrides last,
// and validates the result. An empty path skips file loading entirely,
// relying on defaults plus environment overrides.
func Load(path string) (CacheConfiguration, error) {
	cfg := Default()
	if path != "" {
		if err := util.UnmarshalConfigurationFromFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides implements spec.md §6's "these override the
// on-disk configuration file", applied last and unconditionally for
// every variable that is set.
func applyEnvOverrides(cfg *CacheConfiguration) {
	if v, ok := os.LookupEnv("CUENV_CACHE"); ok {
		cfg.Mode = Mode(v)
	}
	if v, ok := os.LookupEnv("CUENV_CACHE_DIR"); ok {
		cfg.Dir = v
	}
	if v, ok := os.LookupEnv("CUENV_CACHE_MAX_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxSizeBytes = n
		}
	}
	if v, ok := os.LookupEnv("CUENV_REMOTE_CACHE_ENDPOINT"); ok {
		cfg.RemoteCacheEndpoint = v
	}
	if v, ok := os.LookupEnv("CUENV_REMOTE_CACHE_AUTH_TOKEN"); ok {
		cfg.RemoteCacheAuthToken = v
	}
	if v, ok := os.LookupEnv("CUENV_CACHE_REPLACEMENT_POLICY"); ok {
		cfg.ReplacementPolicy = ReplacementPolicy(v)
	}
}

// Validate checks the configuration for the "configuration" class of
// error in spec.md §7: invalid cache root, unrecognized enum values.
func (c CacheConfiguration) Validate() error {
	switch c.Mode {
	case ModeOff, ModeRead, ModeReadWrite, ModeWrite:
	default:
		return status.Errorf(codes.InvalidArgument, "unrecognized cache mode %q", c.Mode)
	}
	if c.Dir == "" {
		return status.Error(codes.InvalidArgument, "cache dir must not be empty")
	}
	if c.MaxSizeBytes <= 0 {
		return status.Errorf(codes.InvalidArgument, "cache max size must be positive, got %d", c.MaxSizeBytes)
	}
	switch c.ReplacementPolicy {
	case ReplacementPolicyLRU, ReplacementPolicyLFU, ReplacementPolicyARC:
	default:
		return status.Errorf(codes.InvalidArgument, "unrecognized replacement policy %q", c.ReplacementPolicy)
	}
	return nil
}

// ReadEnabled reports whether the configured mode permits serving
// cache hits.
func (c CacheConfiguration) ReadEnabled() bool {
	return c.Mode == ModeRead || c.Mode == ModeReadWrite
}

// WriteEnabled reports whether the configured mode permits storing new
// results.
func (c CacheConfiguration) WriteEnabled() bool {
	return c.Mode == ModeWrite || c.Mode == ModeReadWrite
}
